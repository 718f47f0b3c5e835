package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"storefront-inventory/internal/models"
)

// ErrNotFound is returned when the catalog or inventory service has no such product or variant
var ErrNotFound = errors.New("not found")

// InventoryClient talks to the catalog and inventory HTTP services
type InventoryClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	snapshots  singleflight.Group
}

// NewInventoryClient creates a new inventory client
func NewInventoryClient(baseURL, apiKey string) *InventoryClient {
	return &InventoryClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// HealthCheck checks the health of the inventory service
func (c *InventoryClient) HealthCheck(ctx context.Context) (*models.HealthResponse, error) {
	var health models.HealthResponse
	if err := c.getJSON(ctx, "/health", nil, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// GetProduct retrieves a product with its full variant set in one read
func (c *InventoryClient) GetProduct(ctx context.Context, productID string) (*models.Product, error) {
	var product models.Product
	path := "/v1/catalog/" + url.PathEscape(productID)
	if err := c.getJSON(ctx, path, nil, &product); err != nil {
		return nil, fmt.Errorf("failed to get product %s: %w", productID, err)
	}
	return &product, nil
}

// GetSnapshot reads the authoritative stock of one subject. Concurrent calls for the
// same subject share a single request.
func (c *InventoryClient) GetSnapshot(ctx context.Context, subject models.Subject) (models.Snapshot, error) {
	v, err, _ := c.snapshots.Do(subject.Key(), func() (interface{}, error) {
		query := url.Values{}
		if subject.VariantID != "" {
			query.Set("variantId", subject.VariantID)
		}

		var snapshot models.Snapshot
		path := "/v1/inventory/" + url.PathEscape(subject.ProductID) + "/snapshot"
		if err := c.getJSON(ctx, path, query, &snapshot); err != nil {
			return models.Snapshot{}, fmt.Errorf("failed to get snapshot for %s: %w", subject.Key(), err)
		}
		return snapshot, nil
	})
	if err != nil {
		return models.Snapshot{}, err
	}
	return v.(models.Snapshot), nil
}

// UpdateStock sends a single or batch stock update
func (c *InventoryClient) UpdateStock(ctx context.Context, update models.StockUpdateRequest) (*models.StockUpdateResponse, error) {
	jsonData, err := json.Marshal(update)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/inventory/updates", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var updateResp models.StockUpdateResponse
	if err := c.do(req, &updateResp); err != nil {
		return nil, err
	}
	return &updateResp, nil
}

// GetEvents reads the feed event log starting at offset
func (c *InventoryClient) GetEvents(ctx context.Context, offset int64, limit int) (*models.EventsResponse, error) {
	query := url.Values{}
	query.Set("offset", strconv.FormatInt(offset, 10))
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	var events models.EventsResponse
	if err := c.getJSON(ctx, "/v1/inventory/events", query, &events); err != nil {
		return nil, err
	}
	return &events, nil
}

func (c *InventoryClient) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(req, out)
}

func (c *InventoryClient) do(req *http.Request, out interface{}) error {
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr models.ErrorResponse
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("request failed with status %d: %s: %s", resp.StatusCode, apiErr.Code, apiErr.Message)
		}
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
