package memstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/boddenberg/pj-reconciliation-go/internal/domain"
	"github.com/boddenberg/pj-reconciliation-go/internal/infra/memstore"
	"github.com/boddenberg/pj-reconciliation-go/internal/port"

	"github.com/shopspring/decimal"
)

func seedBatch(t *testing.T, s *memstore.Store, id string) *domain.Batch {
	t.Helper()
	b := &domain.Batch{ID: id, TenantID: "t1", Name: "june", Source: "cielo", Status: domain.BatchDraft, CreatedAt: time.Now()}
	if err := s.CreateBatch(context.Background(), b); err != nil {
		t.Fatalf("create batch: %v", err)
	}
	return b
}

func item(id, batchID string, row int, nsu string) domain.Item {
	return domain.Item{
		ID: id, BatchID: batchID, Row: row, NSU: nsu,
		ExternalDate:   time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		ExternalAmount: decimal.NewFromInt(100),
		Status:         domain.ItemPending,
	}
}

func TestStore_GetBatchNotFound(t *testing.T) {
	s := memstore.New()

	_, err := s.GetBatch(context.Background(), "missing")
	var notFound *domain.ErrNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStore_UpdateBatchOptimisticVersion(t *testing.T) {
	s := memstore.New()
	seedBatch(t, s, "b1")

	first, _ := s.GetBatch(context.Background(), "b1")
	second, _ := s.GetBatch(context.Background(), "b1")

	first.Status = domain.BatchImported
	if err := s.UpdateBatch(context.Background(), first); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if first.Version != 1 {
		t.Errorf("expected version 1, got %d", first.Version)
	}

	second.Status = domain.BatchCanceled
	err := s.UpdateBatch(context.Background(), second)
	var conflict *domain.ErrConcurrentModification
	if !errors.As(err, &conflict) {
		t.Fatalf("expected concurrent modification, got %v", err)
	}

	got, _ := s.GetBatch(context.Background(), "b1")
	if got.Status != domain.BatchImported {
		t.Errorf("stale write leaked: %s", got.Status)
	}
}

func TestStore_ListItemsOrderFilterAndPaging(t *testing.T) {
	s := memstore.New()
	seedBatch(t, s, "b1")

	items := []domain.Item{item("i3", "b1", 3, "3"), item("i1", "b1", 1, "1"), item("i2", "b1", 2, "2")}
	items[1].Status = domain.ItemUnmatched
	if err := s.CreateItems(context.Background(), items); err != nil {
		t.Fatalf("create items: %v", err)
	}

	all, total, err := s.ListItems(context.Background(), "b1", domain.ItemFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 3 || all[0].ID != "i1" || all[2].ID != "i3" {
		t.Fatalf("unexpected order: %+v", all)
	}

	pending, total, _ := s.ListItems(context.Background(), "b1", domain.ItemFilter{Statuses: []domain.ItemStatus{domain.ItemPending}})
	if total != 2 || len(pending) != 2 {
		t.Errorf("expected 2 pending, got %d", total)
	}

	page, total, _ := s.ListItems(context.Background(), "b1", domain.ItemFilter{Page: 2, PageSize: 2})
	if total != 3 || len(page) != 1 || page[0].ID != "i3" {
		t.Errorf("unexpected page: total=%d items=%+v", total, page)
	}
}

func TestStore_ReturnedItemsAreCopies(t *testing.T) {
	s := memstore.New()
	seedBatch(t, s, "b1")
	_ = s.CreateItems(context.Background(), []domain.Item{item("i1", "b1", 1, "1")})

	got, _ := s.GetItem(context.Background(), "i1")
	pid := "p1"
	got.MatchedPaymentID = &pid

	again, _ := s.GetItem(context.Background(), "i1")
	if again.MatchedPaymentID != nil {
		t.Fatal("mutating a returned item changed the stored one")
	}
}

func TestStore_InTxRollsBackOnError(t *testing.T) {
	s := memstore.New()
	seedBatch(t, s, "b1")

	boom := errors.New("boom")
	err := s.InTx(context.Background(), func(ctx context.Context, tx port.ReconciliationStore) error {
		if err := tx.CreateItems(ctx, []domain.Item{item("i1", "b1", 1, "1")}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	_, total, _ := s.ListItems(context.Background(), "b1", domain.ItemFilter{})
	if total != 0 {
		t.Errorf("expected rollback, found %d items", total)
	}
}

func TestStore_InTxCommits(t *testing.T) {
	s := memstore.New()
	seedBatch(t, s, "b1")

	err := s.InTx(context.Background(), func(ctx context.Context, tx port.ReconciliationStore) error {
		return tx.CreateItems(ctx, []domain.Item{item("i1", "b1", 1, "001")})
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}

	nsus, _ := s.NSUsInBatch(context.Background(), "b1")
	if _, ok := nsus["001"]; !ok {
		t.Errorf("expected committed nsu, got %v", nsus)
	}
}

func TestStore_FindItemByPayment(t *testing.T) {
	s := memstore.New()
	seedBatch(t, s, "b1")
	it := item("i1", "b1", 1, "1")
	it.Link("p1", decimal.NewFromInt(100), domain.ItemAutoMatched)
	_ = s.CreateItems(context.Background(), []domain.Item{it})

	got, err := s.FindItemByPayment(context.Background(), "b1", "p1")
	if err != nil || got.ID != "i1" {
		t.Fatalf("expected i1, got %v %v", got, err)
	}

	_, err = s.FindItemByPayment(context.Background(), "b1", "p2")
	var notFound *domain.ErrNotFound
	if !errors.As(err, &notFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestStore_ListBatchesByTenant(t *testing.T) {
	s := memstore.New()
	seedBatch(t, s, "b1")
	other := &domain.Batch{ID: "b2", TenantID: "t2", Status: domain.BatchDraft, CreatedAt: time.Now()}
	_ = s.CreateBatch(context.Background(), other)

	got, err := s.ListBatches(context.Background(), "t1", 1, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != "b1" {
		t.Errorf("expected only b1, got %+v", got)
	}
}

func TestPayments_SearchAndGet(t *testing.T) {
	day := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	src := memstore.NewPayments(
		domain.PaymentCandidate{ID: "p2", Date: day.AddDate(0, 0, 1), Amount: decimal.NewFromInt(10), Method: domain.MethodPix},
		domain.PaymentCandidate{ID: "p1", Date: day, Amount: decimal.NewFromInt(10), Method: domain.MethodCash},
		domain.PaymentCandidate{ID: "p3", Date: day.AddDate(0, 0, 10), Amount: decimal.NewFromInt(10), Method: domain.MethodPix},
	)

	to := day.AddDate(0, 0, 2)
	got, err := src.SearchPayments(context.Background(), domain.CandidateFilter{DateFrom: &day, DateTo: &to})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 2 || got[0].ID != "p1" || got[1].ID != "p2" {
		t.Errorf("unexpected result: %+v", got)
	}

	electronic, _ := src.SearchPayments(context.Background(), domain.CandidateFilter{Methods: domain.ElectronicMethods})
	if len(electronic) != 2 {
		t.Errorf("expected 2 electronic payments, got %d", len(electronic))
	}

	if _, err := src.GetPayment(context.Background(), "nope"); err == nil {
		t.Error("expected not found")
	}
}
