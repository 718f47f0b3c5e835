package models

import (
	"sort"
	"strings"
	"time"
)

// Attribute is a single (dimension, value) pair carried by a variant
type Attribute struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Variant is a concrete purchasable combination of attribute values
type Variant struct {
	ID                string      `json:"id"`
	Attributes        []Attribute `json:"attributes,omitempty"`
	Price             float64     `json:"price"`
	Stock             int         `json:"stock"`
	SKU               string      `json:"sku,omitempty"`
	Images            []string    `json:"images,omitempty"`
	LowStockThreshold int         `json:"lowStockThreshold,omitempty"`
}

// AttributeValue returns the value the variant carries for the named dimension
func (v Variant) AttributeValue(name string) (string, bool) {
	for _, attr := range v.Attributes {
		if attr.Name == name {
			return attr.Value, true
		}
	}
	return "", false
}

// Dimension is an attribute axis with its ordered domain of legal values
type Dimension struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

// Product is the catalog read for a single product
type Product struct {
	ID                string      `json:"id"`
	Name              string      `json:"name"`
	BasePrice         float64     `json:"basePrice"`
	Dimensions        []Dimension `json:"dimensions,omitempty"`
	Variants          []Variant   `json:"variants,omitempty"`
	Stock             int         `json:"stock"`
	LowStockThreshold int         `json:"lowStockThreshold,omitempty"`
}

// HasVariants reports whether stock is tracked per variant rather than per product
func (p Product) HasVariants() bool {
	return len(p.Variants) > 0
}

// Selection maps a dimension name to the value chosen for it
type Selection map[string]string

// Clone returns an independent copy of the selection
func (s Selection) Clone() Selection {
	out := make(Selection, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// With returns a copy of the selection with dim set to value
func (s Selection) With(dim, value string) Selection {
	out := s.Clone()
	out[dim] = value
	return out
}

// Without returns a copy of the selection with dim unassigned
func (s Selection) Without(dim string) Selection {
	out := s.Clone()
	delete(out, dim)
	return out
}

// Attributes returns the selection as attribute pairs sorted by dimension name
func (s Selection) Attributes() []Attribute {
	attrs := make([]Attribute, 0, len(s))
	for name, value := range s {
		attrs = append(attrs, Attribute{Name: name, Value: value})
	}
	sort.Slice(attrs, func(i, j int) bool { return attrs[i].Name < attrs[j].Name })
	return attrs
}

// Equal reports whether both selections assign the same values
func (s Selection) Equal(other Selection) bool {
	if len(s) != len(other) {
		return false
	}
	for k, v := range s {
		if ov, ok := other[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// SelectionFromAttributes builds the selection that names exactly the given attributes
func SelectionFromAttributes(attrs []Attribute) Selection {
	sel := make(Selection, len(attrs))
	for _, attr := range attrs {
		sel[attr.Name] = attr.Value
	}
	return sel
}

// Subject identifies a single logical inventory stream
type Subject struct {
	ProductID string `json:"productId"`
	VariantID string `json:"variantId,omitempty"`
}

// ProductSubject returns the product-level subject for products without variants
func ProductSubject(productID string) Subject {
	return Subject{ProductID: productID}
}

// VariantSubject returns the subject for a single variant
func VariantSubject(productID, variantID string) Subject {
	return Subject{ProductID: productID, VariantID: variantID}
}

// Key returns a stable string form usable as a map key or channel name
func (s Subject) Key() string {
	if s.VariantID == "" {
		return s.ProductID
	}
	return s.ProductID + "/" + s.VariantID
}

func (s Subject) String() string {
	return s.Key()
}

// IsZero reports whether the subject names nothing
func (s Subject) IsZero() bool {
	return s.ProductID == ""
}

// ParseSubjectKey is the inverse of Subject.Key
func ParseSubjectKey(key string) Subject {
	productID, variantID, _ := strings.Cut(key, "/")
	return Subject{ProductID: productID, VariantID: variantID}
}

// ConnectionState is the lifecycle state of a subscription channel
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateError        ConnectionState = "error"
)

// EventSource tells whether a stock event came from the server or from local optimism
type EventSource string

const (
	SourceServer          EventSource = "server"
	SourceOptimisticLocal EventSource = "optimistic-local"
)

// InventoryEvent carries a new stock level for one subject
type InventoryEvent struct {
	Subject   Subject     `json:"subject"`
	NewStock  int         `json:"newStock"`
	Source    EventSource `json:"source"`
	Sequence  int64       `json:"sequence"`
	Timestamp time.Time   `json:"timestamp"`
}

// Snapshot is a point-in-time authoritative stock read for one subject
type Snapshot struct {
	Subject   Subject   `json:"subject"`
	Stock     int       `json:"stock"`
	Version   int       `json:"version"`
	Sequence  int64     `json:"sequence"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Event converts the snapshot into a server-sourced event
func (s Snapshot) Event() InventoryEvent {
	return InventoryEvent{
		Subject:   s.Subject,
		NewStock:  s.Stock,
		Source:    SourceServer,
		Sequence:  s.Sequence,
		Timestamp: s.UpdatedAt,
	}
}

// DisplayStock is the derived stock state shown to a shopper
type DisplayStock struct {
	Subject        Subject   `json:"subject"`
	AvailableStock int       `json:"availableStock"`
	IsLowStock     bool      `json:"isLowStock"`
	IsOutOfStock   bool      `json:"isOutOfStock"`
	LastUpdatedAt  time.Time `json:"lastUpdatedAt"`
	Stale          bool      `json:"stale"`
	// Pending is set while an optimistic local value awaits server confirmation.
	Pending      bool `json:"pending"`
	PendingStock int  `json:"pendingStock,omitempty"`
	Threshold    int  `json:"threshold"`
}

// Conflict records a purchase intent that exceeded authoritative stock
type Conflict struct {
	Subject           Subject   `json:"subject"`
	RequestedQuantity int       `json:"requestedQuantity"`
	ActualAvailable   int       `json:"actualAvailable"`
	DetectedAt        time.Time `json:"detectedAt"`
}

// StatusKind classifies channel status notifications
type StatusKind string

const (
	StatusStateChanged       StatusKind = "state_changed"
	StatusReconnectScheduled StatusKind = "reconnect_scheduled"
	StatusSnapshotFailed     StatusKind = "snapshot_failed"
	StatusSnapshotRecovered  StatusKind = "snapshot_recovered"
	StatusOutboundDropped    StatusKind = "outbound_dropped"
)

// ChannelStatus reports a channel condition to subscribers instead of an error return
type ChannelStatus struct {
	Subject  Subject
	Kind     StatusKind
	State    ConnectionState
	Previous ConnectionState
	Attempt  int
	Delay    time.Duration
	Err      error
	At       time.Time
}

// OutboundMessage is a client-to-server message routed through a subscription channel
type OutboundMessage struct {
	ID       string    `json:"id"`
	Kind     string    `json:"kind"`
	Subject  Subject   `json:"subject"`
	Sequence int64     `json:"sequence,omitempty"`
	Quantity int       `json:"quantity,omitempty"`
	QueuedAt time.Time `json:"queuedAt"`
}

// Outbound message kinds
const (
	OutboundEventAck = "event_ack"
	OutboundIntent   = "intent"
)
