package reconciler

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"storefront-inventory/internal/models"
)

var (
	// ErrInvalidQuantity is returned for negative desired quantities and intents below one
	ErrInvalidQuantity = errors.New("invalid quantity")
	// ErrNothingAvailable is returned when a conflict leaves no stock to confirm
	ErrNothingAvailable = errors.New("no stock available to confirm")
)

// Config holds reconciler policy
type Config struct {
	// DefaultLowStockThreshold applies when neither the product nor the variant sets one.
	DefaultLowStockThreshold int
}

// DefaultConfig returns the policy used when nothing is configured
func DefaultConfig() Config {
	return Config{DefaultLowStockThreshold: 5}
}

// ClampNotice tells the caller that a desired quantity was reduced to fit stock
type ClampNotice struct {
	Subject  models.Subject
	Previous int
	Clamped  int
}

// IntentResult is the outcome of a purchase-intent check. Exactly one of OK and
// Conflict is set.
type IntentResult struct {
	OK       bool
	Quantity int
	Conflict *models.Conflict
}

// Observer is notified of reconciliation facts, typically to record metrics
type Observer interface {
	EventApplied(subject models.Subject, source models.EventSource)
	ConflictDetected(conflict models.Conflict)
	QuantityClamped(notice ClampNotice)
}

type noopObserver struct{}

func (noopObserver) EventApplied(models.Subject, models.EventSource) {}
func (noopObserver) ConflictDetected(models.Conflict)                {}
func (noopObserver) QuantityClamped(ClampNotice)                     {}

// Option customizes a Reconciler
type Option func(*Reconciler)

// WithClampHandler registers the callback run after a desired quantity is clamped
func WithClampHandler(fn func(ClampNotice)) Option {
	return func(r *Reconciler) {
		r.onClamp = fn
	}
}

// WithObserver attaches a metrics observer
func WithObserver(observer Observer) Option {
	return func(r *Reconciler) {
		if observer != nil {
			r.observer = observer
		}
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		r.now = now
	}
}

// Reconciler derives display stock per subject from server events and gates
// purchase intents against the latest authoritative value
type Reconciler struct {
	cfg      Config
	onClamp  func(ClampNotice)
	observer Observer
	now      func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	display   models.DisplayStock
	known     bool
	threshold int
	desired   int
	conflict  *models.Conflict
}

// New creates an empty reconciler
func New(cfg Config, opts ...Option) *Reconciler {
	if cfg.DefaultLowStockThreshold < 0 {
		cfg.DefaultLowStockThreshold = 0
	}
	r := &Reconciler{
		cfg:      cfg,
		observer: noopObserver{},
		now:      time.Now,
		entries:  make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reconciler) entryLocked(subject models.Subject) *entry {
	key := subject.Key()
	e, ok := r.entries[key]
	if !ok {
		e = &entry{display: models.DisplayStock{Subject: subject}}
		r.entries[key] = e
	}
	return e
}

func (r *Reconciler) thresholdLocked(e *entry) int {
	if e.threshold > 0 {
		return e.threshold
	}
	return r.cfg.DefaultLowStockThreshold
}

// derive rebuilds the display value; callers replace the stored value with the result
func (r *Reconciler) deriveLocked(e *entry, available int, at time.Time) models.DisplayStock {
	threshold := r.thresholdLocked(e)
	return models.DisplayStock{
		Subject:        e.display.Subject,
		AvailableStock: available,
		IsLowStock:     available > 0 && available <= threshold,
		IsOutOfStock:   available == 0,
		LastUpdatedAt:  at,
		Threshold:      threshold,
	}
}

// ApplyEvent folds an event into the subject's display stock. Server events replace
// the value outright and discard any optimistic overlay; optimistic events only set
// the pending overlay and never touch AvailableStock.
func (r *Reconciler) ApplyEvent(ev models.InventoryEvent) models.DisplayStock {
	at := ev.Timestamp
	if at.IsZero() {
		at = r.now()
	}

	var notice *ClampNotice

	r.mu.Lock()
	e := r.entryLocked(ev.Subject)

	switch ev.Source {
	case models.SourceOptimisticLocal:
		next := e.display
		next.Pending = true
		next.PendingStock = clampNonNegative(ev.NewStock)
		e.display = next

	default:
		available := clampNonNegative(ev.NewStock)
		e.display = r.deriveLocked(e, available, at)
		e.known = true

		if e.desired > available {
			notice = &ClampNotice{Subject: ev.Subject, Previous: e.desired, Clamped: available}
			e.desired = available
		}
	}
	display := e.display
	r.mu.Unlock()

	source := ev.Source
	if source == "" {
		source = models.SourceServer
	}
	r.observer.EventApplied(ev.Subject, source)
	slog.Debug("Inventory event applied",
		"subject", ev.Subject.Key(),
		"source", source,
		"new_stock", ev.NewStock,
		"sequence", ev.Sequence,
		"available", display.AvailableStock,
		"pending", display.Pending)

	if notice != nil {
		r.notifyClamp(*notice)
	}
	return display
}

// Seed sets a starting value from catalog data when nothing authoritative has arrived yet
func (r *Reconciler) Seed(subject models.Subject, stock int, at time.Time) models.DisplayStock {
	if at.IsZero() {
		at = r.now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entryLocked(subject)
	if !e.known {
		e.display = r.deriveLocked(e, clampNonNegative(stock), at)
		e.known = true
	}
	return e.display
}

// SetThreshold sets the low-stock threshold for a subject. Zero restores the default.
func (r *Reconciler) SetThreshold(subject models.Subject, threshold int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entryLocked(subject)
	e.threshold = clampNonNegative(threshold)
	if e.known {
		next := r.deriveLocked(e, e.display.AvailableStock, e.display.LastUpdatedAt)
		next.Stale = e.display.Stale
		next.Pending = e.display.Pending
		next.PendingStock = e.display.PendingStock
		e.display = next
	}
}

// MarkStale flags the subject's value as possibly outdated. The next server event clears it.
func (r *Reconciler) MarkStale(subject models.Subject) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entryLocked(subject)
	if e.display.Stale {
		return
	}
	next := e.display
	next.Stale = true
	e.display = next
}

// Display returns the current display stock for a subject
func (r *Reconciler) Display(subject models.Subject) (models.DisplayStock, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[subject.Key()]
	if !ok || !e.known {
		return models.DisplayStock{Subject: subject}, false
	}
	return e.display, true
}

// SetDesiredQuantity records the shopper's desired quantity, clamped to known stock.
// It returns the effective quantity.
func (r *Reconciler) SetDesiredQuantity(subject models.Subject, quantity int) (int, error) {
	if quantity < 0 {
		return 0, fmt.Errorf("desired quantity %d: %w", quantity, ErrInvalidQuantity)
	}

	var notice *ClampNotice

	r.mu.Lock()
	e := r.entryLocked(subject)
	effective := quantity
	if e.known && quantity > e.display.AvailableStock {
		effective = e.display.AvailableStock
		notice = &ClampNotice{Subject: subject, Previous: quantity, Clamped: effective}
	}
	e.desired = effective
	r.mu.Unlock()

	if notice != nil {
		r.notifyClamp(*notice)
	}
	return effective, nil
}

// DesiredQuantity returns the current desired quantity for a subject
func (r *Reconciler) DesiredQuantity(subject models.Subject) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[subject.Key()]; ok {
		return e.desired
	}
	return 0
}

// CheckIntent compares quantity with the stock known right now. When it exceeds
// that stock a Conflict is recorded and returned; the caller must get explicit
// confirmation before proceeding with the reduced quantity via ConfirmReduced.
func (r *Reconciler) CheckIntent(subject models.Subject, quantity int) (IntentResult, error) {
	if quantity < 1 {
		return IntentResult{}, fmt.Errorf("intent quantity %d: %w", quantity, ErrInvalidQuantity)
	}

	r.mu.Lock()
	e := r.entryLocked(subject)
	available := 0
	if e.known {
		available = e.display.AvailableStock
	}

	if quantity <= available {
		e.conflict = nil
		r.mu.Unlock()
		return IntentResult{OK: true, Quantity: quantity}, nil
	}

	conflict := models.Conflict{
		Subject:           subject,
		RequestedQuantity: quantity,
		ActualAvailable:   available,
		DetectedAt:        r.now(),
	}
	e.conflict = &conflict
	r.mu.Unlock()

	r.observer.ConflictDetected(conflict)
	slog.Info("Purchase intent conflicts with available stock",
		"subject", subject.Key(),
		"requested", quantity,
		"available", available)

	return IntentResult{Conflict: &conflict}, nil
}

// ConfirmReduced is the explicit second confirmation after a conflict. The reduced
// quantity is checked against the stock known now, which may have moved again.
func (r *Reconciler) ConfirmReduced(conflict models.Conflict) (IntentResult, error) {
	if conflict.ActualAvailable < 1 {
		return IntentResult{}, ErrNothingAvailable
	}

	result, err := r.CheckIntent(conflict.Subject, conflict.ActualAvailable)
	if err != nil {
		return IntentResult{}, err
	}
	if result.OK {
		r.mu.Lock()
		r.entryLocked(conflict.Subject).desired = result.Quantity
		r.mu.Unlock()
	}
	return result, nil
}

// PendingConflict returns the conflict awaiting acknowledgement for a subject
func (r *Reconciler) PendingConflict(subject models.Subject) (models.Conflict, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[subject.Key()]
	if !ok || e.conflict == nil {
		return models.Conflict{}, false
	}
	return *e.conflict, true
}

// AcknowledgeConflict clears the surfaced conflict for a subject
func (r *Reconciler) AcknowledgeConflict(subject models.Subject) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[subject.Key()]; ok {
		e.conflict = nil
	}
}

// Forget drops all state for a subject
func (r *Reconciler) Forget(subject models.Subject) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, subject.Key())
}

// OnEvent lets the reconciler subscribe to a channel directly
func (r *Reconciler) OnEvent(ev models.InventoryEvent) {
	r.ApplyEvent(ev)
}

// OnStatus marks the subject stale while its stream is down or its snapshot failed
func (r *Reconciler) OnStatus(status models.ChannelStatus) {
	switch status.Kind {
	case models.StatusSnapshotFailed:
		r.MarkStale(status.Subject)
	case models.StatusStateChanged:
		if status.Previous == models.StateConnected && status.State != models.StateConnected {
			r.MarkStale(status.Subject)
		}
	}
}

// ProductStock exposes live stock of one product's variants by variant id
func (r *Reconciler) ProductStock(productID string) ProductStock {
	return ProductStock{reconciler: r, productID: productID}
}

// ProductStock is a per-product view of the reconciler keyed by variant id
type ProductStock struct {
	reconciler *Reconciler
	productID  string
}

// Available returns the live stock of a variant when an authoritative value is known
func (p ProductStock) Available(variantID string) (int, bool) {
	display, ok := p.reconciler.Display(models.VariantSubject(p.productID, variantID))
	if !ok {
		return 0, false
	}
	return display.AvailableStock, true
}

func (r *Reconciler) notifyClamp(notice ClampNotice) {
	r.observer.QuantityClamped(notice)
	slog.Info("Desired quantity clamped to available stock",
		"subject", notice.Subject.Key(),
		"previous", notice.Previous,
		"clamped", notice.Clamped)
	if r.onClamp != nil {
		r.onClamp(notice)
	}
}

func clampNonNegative(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
