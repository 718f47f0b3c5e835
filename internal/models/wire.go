package models

// ErrorResponse represents the standard error response format
type ErrorResponse struct {
	Code    string        `json:"code"`
	Message string        `json:"message"`
	Details []ErrorDetail `json:"details,omitempty"`
}

type ErrorDetail struct {
	Field string `json:"field"`
	Issue string `json:"issue"`
}

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status string `json:"status"`
}

// StockUpdateRequest sets or adjusts stock for a subject. Stock wins over Delta when both are set.
type StockUpdateRequest struct {
	ProductID string `json:"productId"`
	VariantID string `json:"variantId,omitempty"`
	Stock     *int   `json:"stock,omitempty"`
	Delta     int    `json:"delta,omitempty"`

	// Batch update fields
	Updates []StockUpdateRequest `json:"updates,omitempty"`
}

// StockUpdateResult is the outcome of one stock update
type StockUpdateResult struct {
	ProductID string `json:"productId"`
	VariantID string `json:"variantId,omitempty"`
	NewStock  int    `json:"newStock"`
	Version   int    `json:"version"`
	Sequence  int64  `json:"sequence"`
	Applied   bool   `json:"applied"`
	Error     string `json:"error,omitempty"`
}

// StockUpdateResponse wraps single and batch update results
type StockUpdateResponse struct {
	Results []StockUpdateResult `json:"results"`
	Summary BatchSummary        `json:"summary"`
}

// BatchSummary provides summary statistics for batch operations
type BatchSummary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// LoggedEvent is an inventory event as stored in the feed event log
type LoggedEvent struct {
	Offset int64          `json:"offset"`
	Event  InventoryEvent `json:"event"`
}

// EventsResponse represents the response for the events endpoint
type EventsResponse struct {
	Events     []LoggedEvent `json:"events"`
	NextOffset int64         `json:"nextOffset"`
	HasMore    bool          `json:"hasMore"`
	Count      int           `json:"count"`
}

// StreamMessageType tags frames exchanged over the inventory stream
type StreamMessageType string

const (
	StreamSubscribe   StreamMessageType = "subscribe"
	StreamUnsubscribe StreamMessageType = "unsubscribe"
	StreamSend        StreamMessageType = "send"
	StreamEvent       StreamMessageType = "event"
	StreamAck         StreamMessageType = "ack"
	StreamError       StreamMessageType = "error"
)

// StreamMessage is the JSON frame used on the inventory stream
type StreamMessage struct {
	Type    StreamMessageType `json:"type"`
	ID      string            `json:"id,omitempty"`
	Subject Subject           `json:"subject"`
	Event   *InventoryEvent   `json:"event,omitempty"`
	Message *OutboundMessage  `json:"message,omitempty"`
	Error   string            `json:"error,omitempty"`
}
