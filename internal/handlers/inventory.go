package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"storefront-inventory/internal/feed"
	"storefront-inventory/internal/models"
)

// InventoryHandler serves catalog reads, snapshots and stock mutations
type InventoryHandler struct {
	store *feed.Store
}

// NewInventoryHandler creates a new inventory handler
func NewInventoryHandler(store *feed.Store) *InventoryHandler {
	return &InventoryHandler{store: store}
}

// GetProduct handles GET /v1/catalog/{productId}
func (h *InventoryHandler) GetProduct(w http.ResponseWriter, r *http.Request) {
	productID := mux.Vars(r)["productId"]

	product, err := h.store.GetProduct(productID)
	if err != nil {
		slog.Warn("Product not found", "product_id", productID)
		writeErrorResponse(w, http.StatusNotFound, "not_found", "Product not found", nil)
		return
	}

	slog.Debug("Product retrieved",
		"product_id", productID,
		"variants", len(product.Variants),
		"stock", product.Stock)
	writeJSONResponse(w, http.StatusOK, product)
}

// GetSnapshot handles GET /v1/inventory/{productId}/snapshot?variantId=
func (h *InventoryHandler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	subject := models.Subject{
		ProductID: mux.Vars(r)["productId"],
		VariantID: r.URL.Query().Get("variantId"),
	}

	snapshot, err := h.store.Snapshot(subject)
	if err != nil {
		slog.Warn("Snapshot requested for unknown subject", "subject", subject.Key(), "error", err)
		writeErrorResponse(w, http.StatusNotFound, "not_found", err.Error(), nil)
		return
	}

	writeJSONResponse(w, http.StatusOK, snapshot)
}

// UpdateInventory handles POST /v1/inventory/updates (single or batch)
func (h *InventoryHandler) UpdateInventory(w http.ResponseWriter, r *http.Request) {
	var req models.StockUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Invalid JSON in update request", "error", err, "remote_addr", r.RemoteAddr)
		writeErrorResponse(w, http.StatusBadRequest, "bad_request", "Invalid JSON", nil)
		return
	}

	if len(req.Updates) > 0 {
		slog.Info("Processing batch stock update",
			"update_count", len(req.Updates),
			"remote_addr", r.RemoteAddr)

		// Batch updates return 200 even when some items fail; callers read per-item results.
		writeJSONResponse(w, http.StatusOK, h.processBatch(req.Updates))
		return
	}

	if details := validateUpdate(req); len(details) > 0 {
		writeErrorResponse(w, http.StatusBadRequest, "bad_request", "Invalid update", details)
		return
	}

	result, err := h.store.Apply(req)
	response := models.StockUpdateResponse{
		Results: []models.StockUpdateResult{result},
		Summary: models.BatchSummary{Total: 1},
	}
	if err != nil {
		response.Summary.Failed = 1
		writeJSONResponse(w, statusForUpdateError(err), response)
		return
	}

	response.Summary.Succeeded = 1
	writeJSONResponse(w, http.StatusOK, response)
}

func (h *InventoryHandler) processBatch(updates []models.StockUpdateRequest) models.StockUpdateResponse {
	response := models.StockUpdateResponse{
		Results: make([]models.StockUpdateResult, 0, len(updates)),
		Summary: models.BatchSummary{Total: len(updates)},
	}

	for _, update := range updates {
		if details := validateUpdate(update); len(details) > 0 {
			response.Results = append(response.Results, models.StockUpdateResult{
				ProductID: update.ProductID,
				VariantID: update.VariantID,
				Error:     details[0].Issue,
			})
			response.Summary.Failed++
			continue
		}

		result, err := h.store.Apply(update)
		response.Results = append(response.Results, result)
		if err != nil {
			response.Summary.Failed++
			continue
		}
		response.Summary.Succeeded++
	}

	slog.Info("Batch stock update processed",
		"total", response.Summary.Total,
		"succeeded", response.Summary.Succeeded,
		"failed", response.Summary.Failed)
	return response
}

func validateUpdate(req models.StockUpdateRequest) []models.ErrorDetail {
	var details []models.ErrorDetail
	if req.ProductID == "" {
		details = append(details, models.ErrorDetail{Field: "productId", Issue: "productId is required"})
	}
	if req.Stock == nil && req.Delta == 0 {
		details = append(details, models.ErrorDetail{Field: "stock", Issue: "either stock or a non-zero delta is required"})
	}
	return details
}

func statusForUpdateError(err error) int {
	switch {
	case errors.Is(err, feed.ErrProductNotFound), errors.Is(err, feed.ErrUnknownSubject):
		return http.StatusNotFound
	case errors.Is(err, feed.ErrInsufficientStock):
		return http.StatusConflict
	case errors.Is(err, feed.ErrInvalidStock):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
