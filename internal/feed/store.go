package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"storefront-inventory/internal/catalog"
	"storefront-inventory/internal/models"
)

var (
	// ErrProductNotFound is returned for unknown product ids
	ErrProductNotFound = errors.New("product not found")
	// ErrUnknownSubject is returned when a subject does not name a stocked product or variant
	ErrUnknownSubject = errors.New("unknown subject")
	// ErrInsufficientStock is returned when an adjustment would take stock below zero
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrInvalidStock is returned for negative absolute stock values
	ErrInvalidStock = errors.New("stock cannot be negative")
)

// Publisher receives every applied stock change
type Publisher interface {
	Publish(snapshot models.Snapshot, ev models.InventoryEvent)
}

// CatalogData is the on-disk catalog format
type CatalogData struct {
	Products []models.Product `json:"products"`
}

type stockRecord struct {
	stock     int
	version   int
	sequence  int64
	updatedAt time.Time
}

// Store holds the catalog and the authoritative stock of every subject
type Store struct {
	products map[string]models.Product
	order    []string
	// records is fixed after load; each record is guarded by its subject lock
	records  map[string]*stockRecord
	locks    *SubjectLockManager
	sequence atomic.Int64
	now      func() time.Time

	publisherMu sync.RWMutex
	publisher   Publisher
}

// LoadStore reads a catalog JSON file
func LoadStore(path string) (*Store, error) {
	slog.Debug("Loading catalog data", "path", path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading catalog file: %w", err)
	}

	var catalogData CatalogData
	if err := json.Unmarshal(data, &catalogData); err != nil {
		return nil, fmt.Errorf("error parsing catalog JSON: %w", err)
	}

	store, err := NewStore(catalogData.Products)
	if err != nil {
		return nil, err
	}

	slog.Info("Catalog loaded successfully",
		"path", path,
		"products_count", len(store.products),
		"subjects_count", len(store.records))
	return store, nil
}

// NewStore validates products and seeds stock from the catalog values. A product
// whose variants fail indexing is rejected so clients never receive it.
func NewStore(products []models.Product) (*Store, error) {
	s := &Store{
		products: make(map[string]models.Product, len(products)),
		records:  make(map[string]*stockRecord),
		locks:    NewSubjectLockManager(),
		now:      time.Now,
	}

	loadedAt := s.now().UTC()
	for _, p := range products {
		if p.ID == "" {
			return nil, errors.New("product id is required")
		}
		if _, dup := s.products[p.ID]; dup {
			return nil, fmt.Errorf("duplicate product id %s", p.ID)
		}
		if _, err := catalog.Build(p.Variants, p.Dimensions); err != nil {
			return nil, fmt.Errorf("invalid product %s: %w", p.ID, err)
		}

		s.products[p.ID] = p
		s.order = append(s.order, p.ID)

		if !p.HasVariants() {
			s.records[models.ProductSubject(p.ID).Key()] = &stockRecord{stock: nonNegative(p.Stock), version: 1, updatedAt: loadedAt}
			continue
		}
		for _, v := range p.Variants {
			s.records[models.VariantSubject(p.ID, v.ID).Key()] = &stockRecord{stock: nonNegative(v.Stock), version: 1, updatedAt: loadedAt}
		}
	}
	return s, nil
}

// SetPublisher registers the receiver of stock changes
func (s *Store) SetPublisher(p Publisher) {
	s.publisherMu.Lock()
	defer s.publisherMu.Unlock()
	s.publisher = p
}

// ProductIDs returns product ids in catalog order
func (s *Store) ProductIDs() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// GetProduct returns the catalog read for a product with current stock filled in
func (s *Store) GetProduct(productID string) (models.Product, error) {
	p, ok := s.products[productID]
	if !ok {
		return models.Product{}, fmt.Errorf("%s: %w", productID, ErrProductNotFound)
	}

	out := p
	out.Dimensions = append([]models.Dimension(nil), p.Dimensions...)
	out.Variants = make([]models.Variant, len(p.Variants))
	copy(out.Variants, p.Variants)

	if !p.HasVariants() {
		snapshot, _ := s.Snapshot(models.ProductSubject(p.ID))
		out.Stock = snapshot.Stock
		return out, nil
	}

	total := 0
	for i, v := range out.Variants {
		snapshot, _ := s.Snapshot(models.VariantSubject(p.ID, v.ID))
		out.Variants[i].Stock = snapshot.Stock
		total += snapshot.Stock
	}
	out.Stock = total
	return out, nil
}

// Snapshot reads the current stock record of a subject
func (s *Store) Snapshot(subject models.Subject) (models.Snapshot, error) {
	key := subject.Key()
	record, ok := s.records[key]
	if !ok {
		return models.Snapshot{}, s.unknown(subject)
	}

	var snapshot models.Snapshot
	s.locks.WithReadLock(key, func() {
		snapshot = models.Snapshot{
			Subject:   subject,
			Stock:     record.stock,
			Version:   record.version,
			Sequence:  record.sequence,
			UpdatedAt: record.updatedAt,
		}
	})
	return snapshot, nil
}

// SetStock replaces a subject's stock
func (s *Store) SetStock(subject models.Subject, stock int) (models.Snapshot, error) {
	if stock < 0 {
		return models.Snapshot{}, ErrInvalidStock
	}
	return s.update(subject, func(current int) (int, error) {
		return stock, nil
	})
}

// AdjustStock adds delta to a subject's stock, refusing to go below zero
func (s *Store) AdjustStock(subject models.Subject, delta int) (models.Snapshot, error) {
	return s.update(subject, func(current int) (int, error) {
		next := current + delta
		if next < 0 {
			return 0, fmt.Errorf("%w: current %d, delta %d", ErrInsufficientStock, current, delta)
		}
		return next, nil
	})
}

// Apply runs one update request. A rejected update is reported both in the result
// and as the returned error.
func (s *Store) Apply(req models.StockUpdateRequest) (models.StockUpdateResult, error) {
	subject := models.Subject{ProductID: req.ProductID, VariantID: req.VariantID}
	result := models.StockUpdateResult{ProductID: req.ProductID, VariantID: req.VariantID}

	var (
		snapshot models.Snapshot
		err      error
	)
	if req.Stock != nil {
		snapshot, err = s.SetStock(subject, *req.Stock)
	} else {
		snapshot, err = s.AdjustStock(subject, req.Delta)
	}
	if err != nil {
		result.Error = err.Error()
		return result, err
	}

	result.Applied = true
	result.NewStock = snapshot.Stock
	result.Version = snapshot.Version
	result.Sequence = snapshot.Sequence
	return result, nil
}

func (s *Store) update(subject models.Subject, next func(current int) (int, error)) (models.Snapshot, error) {
	key := subject.Key()
	record, ok := s.records[key]
	if !ok {
		return models.Snapshot{}, s.unknown(subject)
	}

	var (
		snapshot models.Snapshot
		old      int
		err      error
	)
	s.locks.WithWriteLock(key, func() {
		var stock int
		stock, err = next(record.stock)
		if err != nil {
			return
		}

		old = record.stock
		record.stock = stock
		record.version++
		record.sequence = s.sequence.Add(1)
		record.updatedAt = s.now().UTC()

		snapshot = models.Snapshot{
			Subject:   subject,
			Stock:     record.stock,
			Version:   record.version,
			Sequence:  record.sequence,
			UpdatedAt: record.updatedAt,
		}

		// Publishing under the subject lock keeps per-subject order on the hub.
		s.publisherMu.RLock()
		if s.publisher != nil {
			s.publisher.Publish(snapshot, snapshot.Event())
		}
		s.publisherMu.RUnlock()
	})
	if err != nil {
		slog.Warn("Stock update rejected", "subject", key, "error", err)
		return models.Snapshot{}, err
	}

	slog.Info("Stock updated",
		"subject", key,
		"old_stock", old,
		"new_stock", snapshot.Stock,
		"version", snapshot.Version,
		"sequence", snapshot.Sequence)
	return snapshot, nil
}

func (s *Store) unknown(subject models.Subject) error {
	if _, ok := s.products[subject.ProductID]; !ok {
		return fmt.Errorf("%s: %w", subject.ProductID, ErrProductNotFound)
	}
	return fmt.Errorf("%s: %w", subject.Key(), ErrUnknownSubject)
}

// Save writes the catalog with current stock back to path, atomically
func (s *Store) Save(path string) error {
	data := CatalogData{Products: make([]models.Product, 0, len(s.order))}
	for _, id := range s.order {
		p, err := s.GetProduct(id)
		if err != nil {
			return err
		}
		data.Products = append(data.Products, p)
	}

	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("error marshaling catalog data: %w", err)
	}

	tempFilePath := path + ".tmp"
	if err := os.WriteFile(tempFilePath, jsonData, 0644); err != nil {
		return fmt.Errorf("error writing temp file: %w", err)
	}
	if err := os.Rename(tempFilePath, path); err != nil {
		os.Remove(tempFilePath)
		return fmt.Errorf("error replacing catalog file: %w", err)
	}

	slog.Info("Catalog saved to file", "path", path, "products_count", len(data.Products))
	return nil
}

func nonNegative(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
