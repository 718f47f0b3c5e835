package channel

import (
	"errors"
	"log/slog"
	"sync"

	"storefront-inventory/internal/models"
)

// Registry keeps at most one channel per subject and tears it down when the last
// lease is released. It is owned by the composition root, not shared globally.
type Registry struct {
	transport Transport
	snapshots SnapshotSource
	cfg       Config
	opts      []Option

	mu      sync.Mutex
	entries map[string]*registryEntry
	closed  bool
}

type registryEntry struct {
	channel *Channel
	refs    int
}

// Lease is one consumer's hold on a subject
type Lease struct {
	registry     *Registry
	subject      models.Subject
	channel      *Channel
	subscription *Subscription
	once         sync.Once
}

// ErrRegistryClosed is returned by Subscribe after Close
var ErrRegistryClosed = errors.New("channel registry closed")

// NewRegistry creates a registry whose channels share transport, snapshot source and policy
func NewRegistry(transport Transport, snapshots SnapshotSource, cfg Config, opts ...Option) (*Registry, error) {
	if transport == nil {
		return nil, errors.New("transport is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Registry{
		transport: transport,
		snapshots: snapshots,
		cfg:       cfg,
		opts:      opts,
		entries:   make(map[string]*registryEntry),
	}, nil
}

// Subscribe attaches sub to the subject's channel, opening and connecting the
// channel on first use
func (r *Registry) Subscribe(subject models.Subject, sub Subscriber) (*Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}

	key := subject.Key()
	entry, ok := r.entries[key]
	if !ok {
		ch, err := NewChannel(subject, r.transport, r.snapshots, r.cfg, r.opts...)
		if err != nil {
			return nil, err
		}
		entry = &registryEntry{channel: ch}
		r.entries[key] = entry

		if err := ch.Connect(); err != nil {
			slog.Warn("Channel connect rejected", "subject", key, "error", err)
		}
		slog.Debug("Opened subscription channel", "subject", key)
	}
	entry.refs++

	return &Lease{
		registry:     r,
		subject:      subject,
		channel:      entry.channel,
		subscription: entry.channel.AddSubscriber(sub),
	}, nil
}

// Refs returns the number of live leases for subject
func (r *Registry) Refs(subject models.Subject) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[subject.Key()]; ok {
		return entry.refs
	}
	return 0
}

// Len returns the number of open channels
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close tears down every channel regardless of outstanding leases
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	entries := r.entries
	r.entries = make(map[string]*registryEntry)
	r.mu.Unlock()

	for _, entry := range entries {
		entry.channel.Close()
	}
	slog.Info("Channel registry closed", "channels", len(entries))
}

func (r *Registry) release(lease *Lease) {
	lease.subscription.Cancel()

	r.mu.Lock()
	key := lease.subject.Key()
	entry, ok := r.entries[key]
	if !ok || entry.channel != lease.channel {
		r.mu.Unlock()
		return
	}
	entry.refs--
	if entry.refs > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.entries, key)
	r.mu.Unlock()

	entry.channel.Close()
	slog.Debug("Closed subscription channel", "subject", key)
}

// Subject returns the leased subject
func (l *Lease) Subject() models.Subject {
	return l.subject
}

// Channel returns the shared channel behind the lease
func (l *Lease) Channel() *Channel {
	return l.channel
}

// Send queues or transmits msg on the shared channel
func (l *Lease) Send(msg models.OutboundMessage) SendReceipt {
	return l.channel.Send(msg)
}

// Release stops delivery to this consumer and drops its reference. Safe to call twice.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.registry.release(l)
	})
}
