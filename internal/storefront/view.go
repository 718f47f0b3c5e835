package storefront

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"storefront-inventory/internal/cache"
	"storefront-inventory/internal/catalog"
	"storefront-inventory/internal/channel"
	"storefront-inventory/internal/models"
	"storefront-inventory/internal/reconciler"
	"storefront-inventory/internal/resolver"
)

var (
	// ErrNoVariantSelected is returned by quantity and intent operations while the
	// selection does not resolve to a purchasable variant
	ErrNoVariantSelected = errors.New("no variant selected")
	ErrViewClosed        = errors.New("product view closed")
)

// Deps are the shared services a ProductView is built on. Cache is optional.
type Deps struct {
	Registry   *channel.Registry
	Reconciler *reconciler.Reconciler
	Cache      *cache.IndexCache
	Logger     *slog.Logger
}

// State is a point-in-time view of one product page
type State struct {
	ProductID string                 `json:"productId"`
	Resolved  resolver.ResolvedState `json:"resolved"`
	// Subject is the live stock subject, zero while nothing is subscribed.
	Subject    models.Subject         `json:"subject"`
	Subscribed bool                   `json:"subscribed"`
	Stock      models.DisplayStock    `json:"stock"`
	HasStock   bool                   `json:"hasStock"`
	Connection models.ConnectionState `json:"connection"`
	Quantity   int                    `json:"quantity"`
	Conflict   *models.Conflict       `json:"conflict,omitempty"`
}

// ProductView ties a product's attribute index, the resolver, a subscription lease and
// the reconciler together. The lease always follows the resolved variant: changing the
// selection releases the old subject before subscribing to the new one.
type ProductView struct {
	product models.Product
	index   *catalog.Index
	deps    Deps
	logger  *slog.Logger

	// opMu serializes selection changes and Close. Subscriber callbacks never take it.
	opMu sync.Mutex

	mu         sync.Mutex
	selection  models.Selection
	subject    models.Subject
	lease      *channel.Lease
	connection models.ConnectionState
	listeners  map[int]func(State)
	nextID     int
	closed     bool
}

// NewProductView builds (or reuses) the product's index, seeds catalog stock, auto-selects
// the first in-stock variant and subscribes to it
func NewProductView(product models.Product, deps Deps) (*ProductView, error) {
	if deps.Registry == nil || deps.Reconciler == nil {
		return nil, errors.New("product view requires a registry and a reconciler")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	var (
		idx *catalog.Index
		err error
	)
	if deps.Cache != nil {
		idx, err = deps.Cache.GetOrBuild(product)
	} else {
		idx, err = catalog.Build(product.Variants, product.Dimensions)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to index product %s: %w", product.ID, err)
	}

	v := &ProductView{
		product:    product,
		index:      idx,
		deps:       deps,
		logger:     deps.Logger.With("product_id", product.ID),
		selection:  models.Selection{},
		connection: models.StateDisconnected,
		listeners:  make(map[int]func(State)),
	}
	v.seed()

	if product.HasVariants() {
		if sel, ok := resolver.AutoSelect(idx, v.stockView()); ok {
			v.selection = sel
		} else {
			v.logger.Info("No variant in stock, starting with an empty selection")
		}
	}

	v.opMu.Lock()
	defer v.opMu.Unlock()
	v.retarget()
	return v, nil
}

func (v *ProductView) seed() {
	rec := v.deps.Reconciler
	if !v.product.HasVariants() {
		subject := models.ProductSubject(v.product.ID)
		rec.SetThreshold(subject, v.product.LowStockThreshold)
		rec.Seed(subject, v.product.Stock, time.Time{})
		return
	}
	for _, variant := range v.product.Variants {
		subject := models.VariantSubject(v.product.ID, variant.ID)
		threshold := variant.LowStockThreshold
		if threshold == 0 {
			threshold = v.product.LowStockThreshold
		}
		rec.SetThreshold(subject, threshold)
		rec.Seed(subject, variant.Stock, time.Time{})
	}
}

func (v *ProductView) stockView() resolver.StockView {
	return v.deps.Reconciler.ProductStock(v.product.ID)
}

// targetLocked is the subject the current selection should be subscribed to
func (v *ProductView) targetLocked() models.Subject {
	if !v.product.HasVariants() {
		return models.ProductSubject(v.product.ID)
	}
	variant, ok := v.index.Lookup(v.selection)
	if !ok {
		return models.Subject{}
	}
	return models.VariantSubject(v.product.ID, variant.ID)
}

// retarget moves the lease to the subject of the current selection. Callers hold opMu.
// The old lease is released without holding mu so channel teardown never waits on a
// subscriber callback of this view.
func (v *ProductView) retarget() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	target := v.targetLocked()
	if target == v.subject {
		v.mu.Unlock()
		return
	}
	old := v.lease
	v.lease = nil
	v.subject = target
	v.connection = models.StateDisconnected
	v.mu.Unlock()

	if old != nil {
		old.Release()
		v.logger.Debug("Released stock subscription", "subject", old.Subject().Key())
	}
	if target.IsZero() {
		v.logger.Debug("Selection has no backing variant, holding no subscription")
		return
	}

	lease, err := v.deps.Registry.Subscribe(target, &viewSubscriber{view: v, subject: target})
	if err != nil {
		v.logger.Warn("Failed to subscribe to stock updates", "subject", target.Key(), "error", err)
		return
	}

	v.mu.Lock()
	if v.closed || v.subject != target {
		v.mu.Unlock()
		lease.Release()
		return
	}
	v.lease = lease
	v.mu.Unlock()
	v.logger.Debug("Subscribed to stock updates", "subject", target.Key())
}

// Select assigns value to dim. Values that are not currently selectable are rejected
// and nothing changes.
func (v *ProductView) Select(dim, value string) bool {
	v.opMu.Lock()
	defer v.opMu.Unlock()

	v.mu.Lock()
	next, ok := resolver.Select(v.index, v.selection, dim, value)
	if ok {
		v.selection = next
	}
	v.mu.Unlock()

	if !ok {
		v.logger.Debug("Rejected selection", "dimension", dim, "value", value)
		return false
	}
	v.retarget()
	v.notify()
	return true
}

// Clear unassigns dim
func (v *ProductView) Clear(dim string) {
	v.opMu.Lock()
	defer v.opMu.Unlock()

	v.mu.Lock()
	v.selection = resolver.Clear(v.selection, dim)
	v.mu.Unlock()

	v.retarget()
	v.notify()
}

// State returns the current resolved state with live stock
func (v *ProductView) State() State {
	v.mu.Lock()
	selection := v.selection.Clone()
	subject := v.subject
	subscribed := v.lease != nil
	connection := v.connection
	v.mu.Unlock()

	rec := v.deps.Reconciler
	state := State{
		ProductID:  v.product.ID,
		Resolved:   resolver.ResolveWithStock(v.index, selection, v.stockView()),
		Subject:    subject,
		Subscribed: subscribed,
		Connection: connection,
	}

	if subject.IsZero() {
		return state
	}
	state.Stock, state.HasStock = rec.Display(subject)
	state.Quantity = rec.DesiredQuantity(subject)
	if conflict, ok := rec.PendingConflict(subject); ok {
		state.Conflict = &conflict
	}
	if !v.product.HasVariants() {
		// A product without variants resolves to no variant; its own stock decides.
		if state.Stock.AvailableStock > 0 {
			state.Resolved.Availability = resolver.AvailabilityAvailable
		} else {
			state.Resolved.Availability = resolver.AvailabilityOutOfStock
		}
	}
	return state
}

// OnChange registers fn to receive the state after every selection, stock or connection
// change. The returned func unregisters it.
func (v *ProductView) OnChange(fn func(State)) func() {
	v.mu.Lock()
	defer v.mu.Unlock()
	id := v.nextID
	v.nextID++
	v.listeners[id] = fn
	return func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		delete(v.listeners, id)
	}
}

func (v *ProductView) notify() {
	v.mu.Lock()
	if v.closed || len(v.listeners) == 0 {
		v.mu.Unlock()
		return
	}
	listeners := make([]func(State), 0, len(v.listeners))
	for _, fn := range v.listeners {
		listeners = append(listeners, fn)
	}
	v.mu.Unlock()

	state := v.State()
	for _, fn := range listeners {
		fn(state)
	}
}

func (v *ProductView) currentSubject() (models.Subject, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return models.Subject{}, ErrViewClosed
	}
	if v.subject.IsZero() {
		return models.Subject{}, ErrNoVariantSelected
	}
	return v.subject, nil
}

// SetQuantity sets the desired purchase quantity, clamped to available stock
func (v *ProductView) SetQuantity(quantity int) (int, error) {
	subject, err := v.currentSubject()
	if err != nil {
		return 0, err
	}
	clamped, err := v.deps.Reconciler.SetDesiredQuantity(subject, quantity)
	if err != nil {
		return 0, err
	}
	v.notify()
	return clamped, nil
}

// CheckIntent checks a purchase of quantity against the stock known now. An accepted
// intent is sent upstream and shown as a pending reduction until the server answers.
func (v *ProductView) CheckIntent(quantity int) (reconciler.IntentResult, error) {
	subject, err := v.currentSubject()
	if err != nil {
		return reconciler.IntentResult{}, err
	}
	result, err := v.deps.Reconciler.CheckIntent(subject, quantity)
	if err != nil {
		return reconciler.IntentResult{}, err
	}
	if result.OK {
		v.submitIntent(subject, result.Quantity)
	}
	v.notify()
	return result, nil
}

// ConfirmReduced accepts the reduced quantity offered by a conflict
func (v *ProductView) ConfirmReduced(conflict models.Conflict) (reconciler.IntentResult, error) {
	subject, err := v.currentSubject()
	if err != nil {
		return reconciler.IntentResult{}, err
	}
	if conflict.Subject != subject {
		return reconciler.IntentResult{}, fmt.Errorf("conflict for %s does not match selection %s", conflict.Subject.Key(), subject.Key())
	}
	result, err := v.deps.Reconciler.ConfirmReduced(conflict)
	if err != nil {
		return reconciler.IntentResult{}, err
	}
	if result.OK {
		v.submitIntent(subject, result.Quantity)
	}
	v.notify()
	return result, nil
}

// AcknowledgeConflict dismisses the conflict shown for the current selection
func (v *ProductView) AcknowledgeConflict() {
	subject, err := v.currentSubject()
	if err != nil {
		return
	}
	v.deps.Reconciler.AcknowledgeConflict(subject)
	v.notify()
}

func (v *ProductView) submitIntent(subject models.Subject, quantity int) {
	if display, ok := v.deps.Reconciler.Display(subject); ok {
		v.deps.Reconciler.ApplyEvent(models.InventoryEvent{
			Subject:  subject,
			NewStock: display.AvailableStock - quantity,
			Source:   models.SourceOptimisticLocal,
		})
	}
	v.send(subject, models.OutboundMessage{Kind: models.OutboundIntent, Quantity: quantity})
}

func (v *ProductView) send(subject models.Subject, msg models.OutboundMessage) {
	v.mu.Lock()
	lease := v.lease
	current := v.subject == subject
	v.mu.Unlock()
	if lease == nil || !current {
		return
	}

	msg.Subject = subject
	receipt := lease.Send(msg)
	if len(receipt.Dropped) > 0 {
		v.logger.Warn("Outbound queue full, dropped oldest messages", "subject", subject.Key(), "dropped", len(receipt.Dropped))
	}
}

// Close releases the subscription. The view is unusable afterwards.
func (v *ProductView) Close() {
	v.opMu.Lock()
	defer v.opMu.Unlock()

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	lease := v.lease
	v.lease = nil
	v.listeners = nil
	v.mu.Unlock()

	if lease != nil {
		lease.Release()
	}
	v.logger.Debug("Product view closed")
}

// viewSubscriber receives one subject's channel traffic for a view. Deliveries for a
// subject the view has since moved away from are ignored.
type viewSubscriber struct {
	view    *ProductView
	subject models.Subject
}

func (s *viewSubscriber) current() bool {
	s.view.mu.Lock()
	defer s.view.mu.Unlock()
	return !s.view.closed && s.view.subject == s.subject
}

func (s *viewSubscriber) OnEvent(ev models.InventoryEvent) {
	if !s.current() {
		return
	}
	s.view.deps.Reconciler.ApplyEvent(ev)
	if ev.Source == models.SourceServer || ev.Source == "" {
		s.view.send(s.subject, models.OutboundMessage{Kind: models.OutboundEventAck, Sequence: ev.Sequence})
	}
	s.view.notify()
}

func (s *viewSubscriber) OnStatus(status models.ChannelStatus) {
	if !s.current() {
		return
	}
	s.view.deps.Reconciler.OnStatus(status)
	if status.Kind == models.StatusStateChanged {
		s.view.mu.Lock()
		if s.view.subject == s.subject {
			s.view.connection = status.State
		}
		s.view.mu.Unlock()
	}
	s.view.notify()
}
