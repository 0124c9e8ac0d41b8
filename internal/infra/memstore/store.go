// Package memstore is an in-process ReconciliationStore and payment source.
// It backs DB_DRIVER=memory and the service test suites.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/boddenberg/pj-reconciliation-go/internal/domain"
	"github.com/boddenberg/pj-reconciliation-go/internal/port"
)

type dataset struct {
	batches map[string]domain.Batch
	items   map[string]domain.Item
	byBatch map[string][]string
}

func newDataset() *dataset {
	return &dataset{
		batches: make(map[string]domain.Batch),
		items:   make(map[string]domain.Item),
		byBatch: make(map[string][]string),
	}
}

func (d *dataset) clone() *dataset {
	c := newDataset()
	for k, v := range d.batches {
		c.batches[k] = v
	}
	for k, v := range d.items {
		c.items[k] = v.Clone()
	}
	for k, v := range d.byBatch {
		c.byBatch[k] = append([]string(nil), v...)
	}
	return c
}

// Store keeps batches and items in memory. Transactions work on a private
// copy of the data that replaces the shared one on commit; writers are
// serialized, readers never block on a running transaction.
type Store struct {
	writeMu sync.Mutex
	mu      sync.RWMutex
	data    *dataset
}

// New creates an empty store.
func New() *Store {
	return &Store{data: newDataset()}
}

var _ port.ReconciliationStore = (*Store)(nil)

func (s *Store) read(fn func(d *dataset) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.data)
}

func (s *Store) write(ctx context.Context, fn func(d *dataset) error) error {
	return s.InTx(ctx, func(_ context.Context, tx port.ReconciliationStore) error {
		return fn(tx.(*txStore).d)
	})
}

// InTx runs fn on a copy of the data and publishes it only if fn succeeds.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx port.ReconciliationStore) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	work := s.data.clone()
	s.mu.RUnlock()

	if err := fn(ctx, &txStore{d: work}); err != nil {
		return err
	}

	s.mu.Lock()
	s.data = work
	s.mu.Unlock()
	return nil
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) CreateBatch(ctx context.Context, batch *domain.Batch) error {
	return s.write(ctx, func(d *dataset) error { return d.createBatch(batch) })
}

func (s *Store) GetBatch(_ context.Context, batchID string) (*domain.Batch, error) {
	var out *domain.Batch
	err := s.read(func(d *dataset) (err error) {
		out, err = d.getBatch(batchID)
		return err
	})
	return out, err
}

func (s *Store) ListBatches(_ context.Context, tenantID string, page, pageSize int) ([]domain.Batch, error) {
	var out []domain.Batch
	err := s.read(func(d *dataset) error {
		out = d.listBatches(tenantID, page, pageSize)
		return nil
	})
	return out, err
}

func (s *Store) UpdateBatch(ctx context.Context, batch *domain.Batch) error {
	return s.write(ctx, func(d *dataset) error { return d.updateBatch(batch) })
}

func (s *Store) CreateItems(ctx context.Context, items []domain.Item) error {
	return s.write(ctx, func(d *dataset) error { return d.createItems(items) })
}

func (s *Store) GetItem(_ context.Context, itemID string) (*domain.Item, error) {
	var out *domain.Item
	err := s.read(func(d *dataset) (err error) {
		out, err = d.getItem(itemID)
		return err
	})
	return out, err
}

func (s *Store) ListItems(_ context.Context, batchID string, filter domain.ItemFilter) ([]domain.Item, int, error) {
	var (
		out   []domain.Item
		total int
	)
	err := s.read(func(d *dataset) error {
		out, total = d.listItems(batchID, filter)
		return nil
	})
	return out, total, err
}

func (s *Store) UpdateItem(ctx context.Context, item *domain.Item) error {
	return s.write(ctx, func(d *dataset) error { return d.updateItem(item) })
}

func (s *Store) FindItemByPayment(_ context.Context, batchID, paymentID string) (*domain.Item, error) {
	var out *domain.Item
	err := s.read(func(d *dataset) (err error) {
		out, err = d.findItemByPayment(batchID, paymentID)
		return err
	})
	return out, err
}

func (s *Store) NSUsInBatch(_ context.Context, batchID string) (map[string]struct{}, error) {
	var out map[string]struct{}
	err := s.read(func(d *dataset) error {
		out = d.nsus(batchID)
		return nil
	})
	return out, err
}

// txStore is the transactional view handed to InTx callbacks.
type txStore struct {
	d *dataset
}

func (t *txStore) InTx(ctx context.Context, fn func(ctx context.Context, tx port.ReconciliationStore) error) error {
	return fn(ctx, t)
}

func (t *txStore) Ping(ctx context.Context) error { return ctx.Err() }

func (t *txStore) CreateBatch(_ context.Context, batch *domain.Batch) error {
	return t.d.createBatch(batch)
}

func (t *txStore) GetBatch(_ context.Context, batchID string) (*domain.Batch, error) {
	return t.d.getBatch(batchID)
}

func (t *txStore) ListBatches(_ context.Context, tenantID string, page, pageSize int) ([]domain.Batch, error) {
	return t.d.listBatches(tenantID, page, pageSize), nil
}

func (t *txStore) UpdateBatch(_ context.Context, batch *domain.Batch) error {
	return t.d.updateBatch(batch)
}

func (t *txStore) CreateItems(_ context.Context, items []domain.Item) error {
	return t.d.createItems(items)
}

func (t *txStore) GetItem(_ context.Context, itemID string) (*domain.Item, error) {
	return t.d.getItem(itemID)
}

func (t *txStore) ListItems(_ context.Context, batchID string, filter domain.ItemFilter) ([]domain.Item, int, error) {
	items, total := t.d.listItems(batchID, filter)
	return items, total, nil
}

func (t *txStore) UpdateItem(_ context.Context, item *domain.Item) error {
	return t.d.updateItem(item)
}

func (t *txStore) FindItemByPayment(_ context.Context, batchID, paymentID string) (*domain.Item, error) {
	return t.d.findItemByPayment(batchID, paymentID)
}

func (t *txStore) NSUsInBatch(_ context.Context, batchID string) (map[string]struct{}, error) {
	return t.d.nsus(batchID), nil
}

// --- dataset operations ---

func (d *dataset) createBatch(batch *domain.Batch) error {
	if _, exists := d.batches[batch.ID]; exists {
		return fmt.Errorf("batch %s already exists", batch.ID)
	}
	d.batches[batch.ID] = *batch
	return nil
}

func (d *dataset) getBatch(batchID string) (*domain.Batch, error) {
	b, ok := d.batches[batchID]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "batch", ID: batchID}
	}
	return &b, nil
}

func (d *dataset) listBatches(tenantID string, page, pageSize int) []domain.Batch {
	out := make([]domain.Batch, 0)
	for _, b := range d.batches {
		if tenantID == "" || b.TenantID == tenantID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	start, end := pageBounds(len(out), page, pageSize)
	return out[start:end]
}

func (d *dataset) updateBatch(batch *domain.Batch) error {
	cur, ok := d.batches[batch.ID]
	if !ok {
		return &domain.ErrNotFound{Resource: "batch", ID: batch.ID}
	}
	if cur.Version != batch.Version {
		return &domain.ErrConcurrentModification{Resource: "batch", ID: batch.ID}
	}
	batch.Version++
	d.batches[batch.ID] = *batch
	return nil
}

func (d *dataset) createItems(items []domain.Item) error {
	for _, it := range items {
		if _, ok := d.batches[it.BatchID]; !ok {
			return &domain.ErrNotFound{Resource: "batch", ID: it.BatchID}
		}
		if _, exists := d.items[it.ID]; exists {
			return fmt.Errorf("item %s already exists", it.ID)
		}
		d.items[it.ID] = it.Clone()
		d.byBatch[it.BatchID] = append(d.byBatch[it.BatchID], it.ID)
	}
	return nil
}

func (d *dataset) getItem(itemID string) (*domain.Item, error) {
	it, ok := d.items[itemID]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "item", ID: itemID}
	}
	c := it.Clone()
	return &c, nil
}

func (d *dataset) listItems(batchID string, filter domain.ItemFilter) ([]domain.Item, int) {
	want := make(map[domain.ItemStatus]bool, len(filter.Statuses))
	for _, s := range filter.Statuses {
		want[s] = true
	}

	out := make([]domain.Item, 0, len(d.byBatch[batchID]))
	for _, id := range d.byBatch[batchID] {
		it := d.items[id]
		if len(want) > 0 && !want[it.Status] {
			continue
		}
		out = append(out, it.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Row != out[j].Row {
			return out[i].Row < out[j].Row
		}
		return out[i].ID < out[j].ID
	})

	total := len(out)
	if filter.PageSize <= 0 {
		return out, total
	}
	start, end := pageBounds(total, filter.Page, filter.PageSize)
	return out[start:end], total
}

func (d *dataset) updateItem(item *domain.Item) error {
	cur, ok := d.items[item.ID]
	if !ok {
		return &domain.ErrNotFound{Resource: "item", ID: item.ID}
	}
	if cur.Version != item.Version {
		return &domain.ErrConcurrentModification{Resource: "item", ID: item.ID}
	}
	item.Version++
	d.items[item.ID] = item.Clone()
	return nil
}

func (d *dataset) findItemByPayment(batchID, paymentID string) (*domain.Item, error) {
	for _, id := range d.byBatch[batchID] {
		it := d.items[id]
		if it.MatchedPaymentID != nil && *it.MatchedPaymentID == paymentID {
			c := it.Clone()
			return &c, nil
		}
	}
	return nil, &domain.ErrNotFound{Resource: "item", ID: "payment:" + paymentID}
}

func (d *dataset) nsus(batchID string) map[string]struct{} {
	out := make(map[string]struct{}, len(d.byBatch[batchID]))
	for _, id := range d.byBatch[batchID] {
		out[d.items[id].NSU] = struct{}{}
	}
	return out
}

// pageBounds converts a 1-based page into slice bounds. pageSize <= 0 means everything.
func pageBounds(n, page, pageSize int) (int, int) {
	if pageSize <= 0 {
		return 0, n
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * pageSize
	if start > n {
		start = n
	}
	end := start + pageSize
	if end > n {
		end = n
	}
	return start, end
}
