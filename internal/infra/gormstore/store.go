// Package gormstore persists reconciliation batches and items with GORM, on
// Postgres in production and SQLite for local runs and tests.
package gormstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/boddenberg/pj-reconciliation-go/internal/domain"
	"github.com/boddenberg/pj-reconciliation-go/internal/port"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var tracer = otel.Tracer("gormstore")

// Open connects to the database named by driver ("postgres" or "sqlite").
func Open(driver, dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)}

	switch driver {
	case "postgres":
		return gorm.Open(postgres.Open(dsn), cfg)
	case "sqlite":
		db, err := gorm.Open(sqlite.Open(dsn), cfg)
		if err != nil {
			return nil, err
		}
		// SQLite allows one writer; a single connection keeps transactions from
		// tripping over "database is locked".
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Migrate creates or updates the reconciliation tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&batchRow{}, &itemRow{})
}

// MigratePayments creates the sale_payments table. Only local databases need
// it; in production the table belongs to the sales system.
func MigratePayments(db *gorm.DB) error {
	return db.AutoMigrate(&paymentRow{})
}

// Store implements port.ReconciliationStore on a *gorm.DB.
type Store struct {
	db *gorm.DB
}

// NewStore wraps db.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

var _ port.ReconciliationStore = (*Store)(nil)

// InTx runs fn inside a database transaction.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx port.ReconciliationStore) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, &Store{db: tx})
	})
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) CreateBatch(ctx context.Context, batch *domain.Batch) error {
	ctx, span := tracer.Start(ctx, "Store.CreateBatch")
	defer span.End()

	row := toBatchRow(batch)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("create batch: %w", err)
	}
	return nil
}

func (s *Store) GetBatch(ctx context.Context, batchID string) (*domain.Batch, error) {
	ctx, span := tracer.Start(ctx, "Store.GetBatch")
	defer span.End()
	span.SetAttributes(attribute.String("batch.id", batchID))

	var row batchRow
	err := s.db.WithContext(ctx).Where("id = ?", batchID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &domain.ErrNotFound{Resource: "batch", ID: batchID}
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	b := row.toDomain()
	return &b, nil
}

func (s *Store) ListBatches(ctx context.Context, tenantID string, page, pageSize int) ([]domain.Batch, error) {
	ctx, span := tracer.Start(ctx, "Store.ListBatches")
	defer span.End()

	q := s.db.WithContext(ctx).Model(&batchRow{}).Order("created_at DESC").Order("id")
	if tenantID != "" {
		q = q.Where("tenant_id = ?", tenantID)
	}
	q = paginate(q, page, pageSize)

	var rows []batchRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	out := make([]domain.Batch, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Store) UpdateBatch(ctx context.Context, batch *domain.Batch) error {
	ctx, span := tracer.Start(ctx, "Store.UpdateBatch")
	defer span.End()
	span.SetAttributes(attribute.String("batch.id", batch.ID))

	res := s.db.WithContext(ctx).Model(&batchRow{}).
		Where("id = ? AND version = ?", batch.ID, batch.Version).
		Updates(batchColumns(batch))
	if res.Error != nil {
		return fmt.Errorf("update batch: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return s.staleOrMissing(ctx, &batchRow{}, "batch", batch.ID)
	}
	batch.Version++
	return nil
}

func (s *Store) CreateItems(ctx context.Context, items []domain.Item) error {
	ctx, span := tracer.Start(ctx, "Store.CreateItems")
	defer span.End()
	span.SetAttributes(attribute.Int("items.count", len(items)))

	if len(items) == 0 {
		return nil
	}
	rows := make([]itemRow, 0, len(items))
	for i := range items {
		r, err := toItemRow(&items[i])
		if err != nil {
			return fmt.Errorf("encode item %s: %w", items[i].ID, err)
		}
		rows = append(rows, r)
	}
	if err := s.db.WithContext(ctx).CreateInBatches(&rows, 200).Error; err != nil {
		return fmt.Errorf("create items: %w", err)
	}
	return nil
}

func (s *Store) GetItem(ctx context.Context, itemID string) (*domain.Item, error) {
	ctx, span := tracer.Start(ctx, "Store.GetItem")
	defer span.End()
	span.SetAttributes(attribute.String("item.id", itemID))

	var row itemRow
	err := s.db.WithContext(ctx).Where("id = ?", itemID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &domain.ErrNotFound{Resource: "item", ID: itemID}
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	it, err := row.toDomain()
	if err != nil {
		return nil, fmt.Errorf("decode item %s: %w", itemID, err)
	}
	return &it, nil
}

func (s *Store) ListItems(ctx context.Context, batchID string, filter domain.ItemFilter) ([]domain.Item, int, error) {
	ctx, span := tracer.Start(ctx, "Store.ListItems")
	defer span.End()
	span.SetAttributes(attribute.String("batch.id", batchID))

	q := s.db.WithContext(ctx).Model(&itemRow{}).Where("batch_id = ?", batchID)
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, st := range filter.Statuses {
			statuses = append(statuses, string(st))
		}
		q = q.Where("status IN ?", statuses)
	}
	q = q.Session(&gorm.Session{})

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count items: %w", err)
	}

	var rows []itemRow
	if err := paginate(q.Order("row_num").Order("id"), filter.Page, filter.PageSize).Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("list items: %w", err)
	}

	out := make([]domain.Item, 0, len(rows))
	for _, r := range rows {
		it, err := r.toDomain()
		if err != nil {
			return nil, 0, fmt.Errorf("decode item %s: %w", r.ID, err)
		}
		out = append(out, it)
	}
	return out, int(total), nil
}

func (s *Store) UpdateItem(ctx context.Context, item *domain.Item) error {
	ctx, span := tracer.Start(ctx, "Store.UpdateItem")
	defer span.End()
	span.SetAttributes(attribute.String("item.id", item.ID))

	row, err := toItemRow(item)
	if err != nil {
		return fmt.Errorf("encode item %s: %w", item.ID, err)
	}
	res := s.db.WithContext(ctx).Model(&itemRow{}).
		Where("id = ? AND version = ?", item.ID, item.Version).
		Updates(itemColumns(row))
	if res.Error != nil {
		return fmt.Errorf("update item: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return s.staleOrMissing(ctx, &itemRow{}, "item", item.ID)
	}
	item.Version++
	return nil
}

func (s *Store) FindItemByPayment(ctx context.Context, batchID, paymentID string) (*domain.Item, error) {
	ctx, span := tracer.Start(ctx, "Store.FindItemByPayment")
	defer span.End()

	var row itemRow
	err := s.db.WithContext(ctx).
		Where("batch_id = ? AND matched_payment_id = ?", batchID, paymentID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &domain.ErrNotFound{Resource: "item", ID: "payment:" + paymentID}
	}
	if err != nil {
		return nil, fmt.Errorf("find item by payment: %w", err)
	}
	it, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func (s *Store) NSUsInBatch(ctx context.Context, batchID string) (map[string]struct{}, error) {
	var nsus []string
	err := s.db.WithContext(ctx).Model(&itemRow{}).
		Where("batch_id = ?", batchID).
		Pluck("nsu", &nsus).Error
	if err != nil {
		return nil, fmt.Errorf("list nsus: %w", err)
	}
	out := make(map[string]struct{}, len(nsus))
	for _, n := range nsus {
		out[n] = struct{}{}
	}
	return out, nil
}

// staleOrMissing tells a lost version race from an unknown id after an
// update touched no rows.
func (s *Store) staleOrMissing(ctx context.Context, model any, resource, id string) error {
	var n int64
	if err := s.db.WithContext(ctx).Model(model).Where("id = ?", id).Count(&n).Error; err != nil {
		return fmt.Errorf("check %s: %w", resource, err)
	}
	if n == 0 {
		return &domain.ErrNotFound{Resource: resource, ID: id}
	}
	return &domain.ErrConcurrentModification{Resource: resource, ID: id}
}

func paginate(q *gorm.DB, page, pageSize int) *gorm.DB {
	if pageSize <= 0 {
		return q
	}
	if page < 1 {
		page = 1
	}
	return q.Offset((page - 1) * pageSize).Limit(pageSize)
}
