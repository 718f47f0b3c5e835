package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"storefront-inventory/internal/models"
)

// Mirror copies stock changes to an external broker
type Mirror interface {
	Mirror(ctx context.Context, snapshot models.Snapshot, ev models.InventoryEvent) error
}

// HubConfig holds configuration for the hub
type HubConfig struct {
	MaxEvents    int
	ClientBuffer int
	Mirror       Mirror
	Logger       *slog.Logger
}

type mirrorJob struct {
	snapshot models.Snapshot
	event    models.InventoryEvent
}

// Hub keeps a bounded, offset-addressed log of inventory events and fans each event
// out to the stream clients subscribed to its subject
type Hub struct {
	mu         sync.RWMutex
	events     []models.LoggedEvent
	nextOffset int64
	maxEvents  int

	waitersMutex sync.Mutex
	waiters      map[int64][]chan struct{}

	clientsMu    sync.RWMutex
	clients      map[string]map[string]*StreamClient
	clientBuffer int

	mirror     Mirror
	mirrorChan chan mirrorJob
	stopChan   chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup

	logger *slog.Logger
}

// NewHub creates a hub and starts the mirror writer when a mirror is configured
func NewHub(cfg HubConfig) *Hub {
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = 10000
	}
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	h := &Hub{
		maxEvents:    cfg.MaxEvents,
		waiters:      make(map[int64][]chan struct{}),
		clients:      make(map[string]map[string]*StreamClient),
		clientBuffer: cfg.ClientBuffer,
		mirror:       cfg.Mirror,
		stopChan:     make(chan struct{}),
		logger:       cfg.Logger.With("component", "feed_hub"),
	}

	if h.mirror != nil {
		h.mirrorChan = make(chan mirrorJob, 1000)
		h.wg.Add(1)
		go h.mirrorWriter()
	}

	h.logger.Info("Event hub initialized",
		"max_events", cfg.MaxEvents,
		"client_buffer", cfg.ClientBuffer,
		"mirror_enabled", h.mirror != nil)
	return h
}

// Publish appends the event to the log, wakes long-poll waiters, fans out to stream
// clients and queues the change for the mirror
func (h *Hub) Publish(snapshot models.Snapshot, ev models.InventoryEvent) {
	h.mu.Lock()
	offset := h.nextOffset
	h.nextOffset++
	h.events = append(h.events, models.LoggedEvent{Offset: offset, Event: ev})
	if len(h.events) > h.maxEvents {
		keepCount := h.maxEvents * 3 / 4
		removed := len(h.events) - keepCount
		h.events = append([]models.LoggedEvent(nil), h.events[removed:]...)
		h.logger.Info("Event log rotated", "removed_events", removed, "remaining_events", len(h.events))
	}
	h.mu.Unlock()

	h.notifyWaiters(offset)
	h.fanOut(ev)

	if h.mirrorChan != nil {
		select {
		case h.mirrorChan <- mirrorJob{snapshot: snapshot, event: ev}:
		default:
			h.logger.Error("Mirror channel full, dropping mirror write",
				"offset", offset,
				"subject", ev.Subject.Key())
		}
	}

	h.logger.Debug("Event published",
		"offset", offset,
		"subject", ev.Subject.Key(),
		"new_stock", ev.NewStock,
		"sequence", ev.Sequence)
}

// GetEvents returns up to limit events starting at fromOffset
func (h *Hub) GetEvents(fromOffset int64, limit int) ([]models.LoggedEvent, int64, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	startIdx := -1
	for i, event := range h.events {
		if event.Offset >= fromOffset {
			startIdx = i
			break
		}
	}
	if startIdx == -1 {
		return []models.LoggedEvent{}, h.nextOffset, false
	}

	endIdx := startIdx + limit
	hasMore := false
	if endIdx >= len(h.events) {
		endIdx = len(h.events)
	} else {
		hasMore = true
	}

	result := make([]models.LoggedEvent, endIdx-startIdx)
	copy(result, h.events[startIdx:endIdx])
	return result, result[len(result)-1].Offset + 1, hasMore
}

// WaitForEvents returns a channel closed once an event at or after fromOffset exists
// or the timeout passes
func (h *Hub) WaitForEvents(fromOffset int64, timeout time.Duration) <-chan struct{} {
	h.waitersMutex.Lock()
	defer h.waitersMutex.Unlock()

	notify := make(chan struct{})

	h.mu.RLock()
	ready := fromOffset < h.nextOffset
	h.mu.RUnlock()
	if ready {
		close(notify)
		return notify
	}

	h.waiters[fromOffset] = append(h.waiters[fromOffset], notify)

	time.AfterFunc(timeout, func() {
		h.waitersMutex.Lock()
		defer h.waitersMutex.Unlock()
		h.closeWaiterLocked(fromOffset, notify)
	})
	return notify
}

// CurrentOffset returns the next offset to be assigned
func (h *Hub) CurrentOffset() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.nextOffset
}

func (h *Hub) notifyWaiters(offset int64) {
	h.waitersMutex.Lock()
	defer h.waitersMutex.Unlock()

	for waitOffset, waiters := range h.waiters {
		if waitOffset <= offset {
			for _, waiter := range waiters {
				close(waiter)
			}
			delete(h.waiters, waitOffset)
		}
	}
}

func (h *Hub) closeWaiterLocked(offset int64, target chan struct{}) {
	waiters := h.waiters[offset]
	for i, waiter := range waiters {
		if waiter == target {
			close(waiter)
			h.waiters[offset] = append(waiters[:i], waiters[i+1:]...)
			if len(h.waiters[offset]) == 0 {
				delete(h.waiters, offset)
			}
			return
		}
	}
}

// StreamClient is one subscription of a stream connection to one subject
type StreamClient struct {
	ID      string
	Subject models.Subject

	events    chan models.InventoryEvent
	done      chan struct{}
	closeOnce sync.Once
}

// Events yields the subject's events in publish order
func (c *StreamClient) Events() <-chan models.InventoryEvent {
	return c.events
}

// Done is closed when the client was dropped for lagging or unregistered
func (c *StreamClient) Done() <-chan struct{} {
	return c.done
}

func (c *StreamClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Register subscribes a new stream client to subject
func (h *Hub) Register(subject models.Subject) *StreamClient {
	client := &StreamClient{
		ID:      uuid.NewString(),
		Subject: subject,
		events:  make(chan models.InventoryEvent, h.clientBuffer),
		done:    make(chan struct{}),
	}

	h.clientsMu.Lock()
	key := subject.Key()
	if h.clients[key] == nil {
		h.clients[key] = make(map[string]*StreamClient)
	}
	h.clients[key][client.ID] = client
	h.clientsMu.Unlock()

	h.logger.Debug("Stream client registered", "client_id", client.ID, "subject", key)
	return client
}

// Unregister removes a stream client
func (h *Hub) Unregister(client *StreamClient) {
	h.clientsMu.Lock()
	key := client.Subject.Key()
	if subs, ok := h.clients[key]; ok {
		delete(subs, client.ID)
		if len(subs) == 0 {
			delete(h.clients, key)
		}
	}
	h.clientsMu.Unlock()

	client.close()
	h.logger.Debug("Stream client unregistered", "client_id", client.ID, "subject", key)
}

// ClientCount returns the number of registered stream clients
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	n := 0
	for _, subs := range h.clients {
		n += len(subs)
	}
	return n
}

// fanOut never blocks; a client whose buffer is full is dropped so it reconnects and
// reconciles from a snapshot instead of silently missing an event
func (h *Hub) fanOut(ev models.InventoryEvent) {
	h.clientsMu.RLock()
	var lagging []*StreamClient
	for _, client := range h.clients[ev.Subject.Key()] {
		select {
		case client.events <- ev:
		default:
			lagging = append(lagging, client)
		}
	}
	h.clientsMu.RUnlock()

	for _, client := range lagging {
		h.logger.Warn("Stream client lagging, disconnecting",
			"client_id", client.ID,
			"subject", ev.Subject.Key())
		h.Unregister(client)
	}
}

func (h *Hub) mirrorWriter() {
	defer h.wg.Done()
	for {
		select {
		case job := <-h.mirrorChan:
			h.writeMirror(job)
		case <-h.stopChan:
			// Drain what is already queued before stopping.
			for {
				select {
				case job := <-h.mirrorChan:
					h.writeMirror(job)
				default:
					return
				}
			}
		}
	}
}

func (h *Hub) writeMirror(job mirrorJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.mirror.Mirror(ctx, job.snapshot, job.event); err != nil {
		h.logger.Error("Failed to mirror stock change",
			"subject", job.event.Subject.Key(),
			"sequence", job.event.Sequence,
			"error", err)
	}
}

// Close stops the mirror writer and disconnects every stream client
func (h *Hub) Close() {
	h.stopOnce.Do(func() {
		h.logger.Info("Shutting down event hub")
		close(h.stopChan)
		h.wg.Wait()

		h.clientsMu.Lock()
		for _, subs := range h.clients {
			for _, client := range subs {
				client.close()
			}
		}
		h.clients = make(map[string]map[string]*StreamClient)
		h.clientsMu.Unlock()
	})
}
