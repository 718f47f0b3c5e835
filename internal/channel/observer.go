package channel

import (
	"time"

	"storefront-inventory/internal/models"
)

// Observer is notified of channel lifecycle facts, typically to record metrics
type Observer interface {
	StateChanged(subject models.Subject, from, to models.ConnectionState)
	ReconnectScheduled(subject models.Subject, attempt int, delay time.Duration)
	OutboundDropped(subject models.Subject, count int)
	SnapshotFailed(subject models.Subject, err error)
	StaleEventDropped(subject models.Subject)
}

type noopObserver struct{}

func (noopObserver) StateChanged(models.Subject, models.ConnectionState, models.ConnectionState) {}
func (noopObserver) ReconnectScheduled(models.Subject, int, time.Duration)                     {}
func (noopObserver) OutboundDropped(models.Subject, int)                                       {}
func (noopObserver) SnapshotFailed(models.Subject, error)                                      {}
func (noopObserver) StaleEventDropped(models.Subject)                                          {}
