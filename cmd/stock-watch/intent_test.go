package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"storefront-inventory/internal/models"
	"storefront-inventory/internal/reconciler"
	"storefront-inventory/internal/storefront"
)

type fakeIntentView struct {
	check        reconciler.IntentResult
	confirmCalls int
	acknowledged int
}

func (f *fakeIntentView) State() storefront.State {
	return storefront.State{Connection: models.StateConnected}
}

func (f *fakeIntentView) CheckIntent(quantity int) (reconciler.IntentResult, error) {
	return f.check, nil
}

func (f *fakeIntentView) ConfirmReduced(conflict models.Conflict) (reconciler.IntentResult, error) {
	f.confirmCalls++
	return reconciler.IntentResult{OK: true, Quantity: conflict.ActualAvailable}, nil
}

func (f *fakeIntentView) AcknowledgeConflict() {
	f.acknowledged++
}

func TestCheckIntent_ConflictNeedsExplicitConfirmation(t *testing.T) {
	conflict := &models.Conflict{
		Subject:           models.VariantSubject("tee", "tee-m-red"),
		RequestedQuantity: 5,
		ActualAvailable:   2,
	}

	tests := []struct {
		name             string
		confirm          bool
		wantConfirmCalls int
		wantAcknowledged int
	}{
		{"without flag the conflict is dismissed", false, 0, 1},
		{"with flag the reduced quantity is confirmed", true, 1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			view := &fakeIntentView{check: reconciler.IntentResult{Conflict: conflict}}
			checkIntent(context.Background(), view, 5, tt.confirm)
			assert.Equal(t, tt.wantConfirmCalls, view.confirmCalls)
			assert.Equal(t, tt.wantAcknowledged, view.acknowledged)
		})
	}
}

func TestCheckIntent_AcceptedIntentNeedsNoConfirmation(t *testing.T) {
	view := &fakeIntentView{check: reconciler.IntentResult{OK: true, Quantity: 1}}
	checkIntent(context.Background(), view, 1, false)
	assert.Zero(t, view.confirmCalls)
	assert.Zero(t, view.acknowledged)
}
