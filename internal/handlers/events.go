package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"storefront-inventory/internal/feed"
	"storefront-inventory/internal/models"
)

// EventsHandler serves the offset-addressed event log
type EventsHandler struct {
	hub    *feed.Hub
	logger *slog.Logger
}

// NewEventsHandler creates a new events handler
func NewEventsHandler(hub *feed.Hub, logger *slog.Logger) *EventsHandler {
	return &EventsHandler{hub: hub, logger: logger}
}

// GetEvents handles GET /v1/inventory/events?offset=&limit=&wait=
func (h *EventsHandler) GetEvents(w http.ResponseWriter, r *http.Request) {
	offsetStr := r.URL.Query().Get("offset")
	if offsetStr == "" {
		writeErrorResponse(w, http.StatusBadRequest, "bad_request", "offset parameter is required", nil)
		return
	}
	offset, err := strconv.ParseInt(offsetStr, 10, 64)
	if err != nil || offset < 0 {
		writeErrorResponse(w, http.StatusBadRequest, "bad_request", "invalid offset parameter", nil)
		return
	}

	limit := 100
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	waitSeconds := 0
	if waitStr := r.URL.Query().Get("wait"); waitStr != "" {
		if parsed, err := strconv.Atoi(waitStr); err == nil && parsed >= 0 && parsed <= 60 {
			waitSeconds = parsed
		}
	}

	events, nextOffset, hasMore := h.hub.GetEvents(offset, limit)

	if len(events) == 0 && waitSeconds > 0 {
		h.logger.Debug("No events available, starting long polling",
			"offset", offset,
			"wait_seconds", waitSeconds)

		select {
		case <-h.hub.WaitForEvents(offset, time.Duration(waitSeconds)*time.Second):
			events, nextOffset, hasMore = h.hub.GetEvents(offset, limit)
		case <-r.Context().Done():
			h.logger.Debug("Client disconnected during long polling", "offset", offset)
			return
		}
	}

	h.logger.Debug("Events response sent",
		"offset", offset,
		"events_count", len(events),
		"next_offset", nextOffset,
		"has_more", hasMore)

	writeJSONResponse(w, http.StatusOK, models.EventsResponse{
		Events:     events,
		NextOffset: nextOffset,
		HasMore:    hasMore,
		Count:      len(events),
	})
}
