package matching_test

import (
	"context"
	"testing"
	"time"

	"github.com/boddenberg/pj-reconciliation-go/internal/domain"
	"github.com/boddenberg/pj-reconciliation-go/internal/matching"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(d int) time.Time {
	return time.Date(2025, 3, d, 0, 0, 0, 0, time.UTC)
}

func item(id, nsu string, date time.Time, amount string) domain.Item {
	return domain.Item{
		ID:             id,
		NSU:            nsu,
		ExternalDate:   date,
		ExternalAmount: decimal.RequireFromString(amount),
		Status:         domain.ItemPending,
	}
}

func payment(id, ref string, date time.Time, amount string) domain.PaymentCandidate {
	return domain.PaymentCandidate{
		ID:              id,
		ReferenceNumber: ref,
		Date:            date,
		Amount:          decimal.RequireFromString(amount),
		Method:          domain.MethodCreditCard,
	}
}

func TestScore_Rules(t *testing.T) {
	e := matching.New(matching.DefaultConfig())
	it := item("i1", "123456", day(10), "150.00")

	tests := []struct {
		name  string
		p     domain.PaymentCandidate
		score int
		ok    bool
	}{
		{"reference match", payment("p", "123456", day(11), "149.00"), matching.ScoreReference, true},
		{"reference with zero padding", payment("p", "000123456", day(10), "1.00"), matching.ScoreReference, true},
		{"exact amount same day", payment("p", "", day(10), "150.00"), matching.ScoreExactSameDay, true},
		{"within one cent same day", payment("p", "", day(10), "150.01"), matching.ScoreExactSameDay, true},
		{"exact amount in window", payment("p", "", day(12), "150.00"), matching.ScoreExactInWindow, true},
		{"within tolerance", payment("p", "", day(9), "151.50"), matching.ScoreTolerance, true},
		{"beyond tolerance", payment("p", "", day(10), "151.51"), 0, false},
		{"outside window", payment("p", "123456", day(13), "150.00"), 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ok := e.Score(it, tt.p)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.score, c.Score)
			}
		})
	}
}

func TestScore_NegativeAmountTolerance(t *testing.T) {
	e := matching.New(matching.DefaultConfig())
	refund := item("i1", "9", day(10), "-100.00")

	c, ok := e.Score(refund, payment("p", "", day(10), "-100.90"))
	require.True(t, ok)
	assert.Equal(t, matching.ScoreTolerance, c.Score)
	assert.True(t, c.AmountDelta.Equal(decimal.RequireFromString("-0.90")))
}

func TestRun_ExactReferenceAutoMatches(t *testing.T) {
	e := matching.New(matching.DefaultConfig())
	pool := matching.NewPool([]domain.PaymentCandidate{
		payment("pay-1", "123456", day(10), "150.00"),
		payment("pay-2", "", day(10), "150.00"),
	}, nil)

	decisions, err := e.Run(context.Background(), []domain.Item{item("i1", "123456", day(10), "150.00")}, pool)
	require.NoError(t, err)
	require.Len(t, decisions, 1)

	d := decisions[0]
	assert.Equal(t, domain.ItemAutoMatched, d.Status)
	require.NotNil(t, d.Match)
	assert.Equal(t, "pay-1", d.Match.Payment.ID)
	assert.True(t, d.Match.AmountDelta.IsZero())
	assert.False(t, pool.Available("pay-1"))
}

func TestRun_AmbiguousCandidatesAreSuggested(t *testing.T) {
	e := matching.New(matching.DefaultConfig())
	pool := matching.NewPool([]domain.PaymentCandidate{
		payment("pay-a", "", day(11), "80.00"),
		payment("pay-b", "", day(9), "80.00"),
	}, nil)

	decisions, err := e.Run(context.Background(), []domain.Item{item("i1", "777", day(10), "80.00")}, pool)
	require.NoError(t, err)

	d := decisions[0]
	assert.Equal(t, domain.ItemSuggestedMatch, d.Status)
	assert.True(t, d.Ambiguous)
	assert.Nil(t, d.Match)
	require.Len(t, d.Suggestions, 2)
	assert.Equal(t, matching.ScoreExactInWindow, d.Suggestions[0].Score)
	assert.Equal(t, matching.ScoreExactInWindow, d.Suggestions[1].Score)
	assert.ElementsMatch(t, []string{"pay-a", "pay-b"},
		[]string{d.Suggestions[0].Payment.ID, d.Suggestions[1].Payment.ID})
	assert.Equal(t, 2, pool.Len(), "suggestions must not consume the pool")
}

func TestRun_TieBreaks(t *testing.T) {
	e := matching.New(matching.DefaultConfig())

	t.Run("closer date wins among equal scores", func(t *testing.T) {
		pool := matching.NewPool([]domain.PaymentCandidate{
			payment("far", "", day(12), "80.00"),
			payment("near", "", day(11), "80.00"),
		}, nil)
		d, err := e.Run(context.Background(), []domain.Item{item("i1", "1", day(10), "80.00")}, pool)
		require.NoError(t, err)
		assert.Equal(t, domain.ItemSuggestedMatch, d[0].Status)
		assert.False(t, d[0].Ambiguous)
		assert.Equal(t, "near", d[0].Suggestions[0].Payment.ID)
	})

	t.Run("smaller amount delta wins among equal score and date", func(t *testing.T) {
		pool := matching.NewPool([]domain.PaymentCandidate{
			payment("wide", "", day(11), "100.90"),
			payment("tight", "", day(11), "100.20"),
		}, nil)
		d, err := e.Run(context.Background(), []domain.Item{item("i1", "1", day(10), "100.00")}, pool)
		require.NoError(t, err)
		assert.Equal(t, domain.ItemSuggestedMatch, d[0].Status)
		assert.False(t, d[0].Ambiguous)
		assert.Equal(t, "tight", d[0].Suggestions[0].Payment.ID)
	})
}

func TestRun_SameDayExactNeedsUniqueStrongCandidate(t *testing.T) {
	e := matching.New(matching.DefaultConfig())

	single := matching.NewPool([]domain.PaymentCandidate{
		payment("only", "", day(10), "42.00"),
		payment("weak", "", day(11), "42.10"),
	}, nil)
	d, err := e.Run(context.Background(), []domain.Item{item("i1", "1", day(10), "42.00")}, single)
	require.NoError(t, err)
	assert.Equal(t, domain.ItemAutoMatched, d[0].Status)
	assert.Equal(t, "only", d[0].Match.Payment.ID)

	two := matching.NewPool([]domain.PaymentCandidate{
		payment("exact", "", day(10), "42.00"),
		payment("cent-off", "", day(10), "42.01"),
	}, nil)
	d, err = e.Run(context.Background(), []domain.Item{item("i1", "1", day(10), "42.00")}, two)
	require.NoError(t, err)
	assert.Equal(t, domain.ItemSuggestedMatch, d[0].Status)
	assert.False(t, d[0].Ambiguous)
	assert.Equal(t, "exact", d[0].Suggestions[0].Payment.ID)
}

func TestRun_NoCandidateIsUnmatched(t *testing.T) {
	e := matching.New(matching.DefaultConfig())
	pool := matching.NewPool([]domain.PaymentCandidate{
		payment("late", "", day(20), "10.00"),
	}, nil)

	d, err := e.Run(context.Background(), []domain.Item{item("i1", "1", day(10), "10.00")}, pool)
	require.NoError(t, err)
	assert.Equal(t, domain.ItemUnmatched, d[0].Status)
	assert.Empty(t, d[0].Suggestions)
	assert.Equal(t, 0, d[0].TopScore())
}

func TestNewPool_ExcludesLinkedAndNonElectronic(t *testing.T) {
	cash := payment("cash", "", day(10), "10.00")
	cash.Method = domain.MethodCash
	pool := matching.NewPool([]domain.PaymentCandidate{
		cash,
		payment("linked", "", day(10), "10.00"),
		payment("free", "", day(10), "10.00"),
		payment("free", "", day(10), "10.00"),
	}, []string{"linked"})

	assert.Equal(t, 1, pool.Len())
	assert.True(t, pool.Available("free"))
	assert.False(t, pool.Available("linked"))
}

func TestRun_PaymentNeverAutoMatchedTwice(t *testing.T) {
	e := matching.New(matching.DefaultConfig())
	pool := matching.NewPool([]domain.PaymentCandidate{
		payment("p1", "", day(10), "25.00"),
	}, nil)
	items := []domain.Item{
		item("i1", "100", day(10), "25.00"),
		item("i2", "200", day(10), "25.00"),
	}

	d, err := e.Run(context.Background(), items, pool)
	require.NoError(t, err)

	auto := 0
	for _, dec := range d {
		if dec.Status == domain.ItemAutoMatched {
			auto++
			assert.Equal(t, "p1", dec.Match.Payment.ID)
		}
	}
	assert.Equal(t, 1, auto)
	assert.Equal(t, domain.ItemAutoMatched, d[0].Status, "earlier nsu is folded first")
	assert.Equal(t, domain.ItemUnmatched, d[1].Status)
}

func TestRun_FoldsUntilNoNewLinks(t *testing.T) {
	e := matching.New(matching.DefaultConfig())
	pool := matching.NewPool([]domain.PaymentCandidate{
		payment("p", "", day(10), "100.00"),
		payment("q", "2", day(10), "100.00"),
	}, nil)
	items := []domain.Item{
		item("a", "1", day(10), "100.00"),
		item("b", "2", day(10), "100.00"),
	}

	d, err := e.Run(context.Background(), items, pool)
	require.NoError(t, err)

	require.Equal(t, domain.ItemAutoMatched, d[0].Status)
	assert.Equal(t, "p", d[0].Match.Payment.ID)
	require.Equal(t, domain.ItemAutoMatched, d[1].Status)
	assert.Equal(t, "q", d[1].Match.Payment.ID)
}

func TestRun_SecondRunOverRemainingItemsIsStable(t *testing.T) {
	e := matching.New(matching.DefaultConfig())
	payments := []domain.PaymentCandidate{
		payment("p1", "", day(10), "50.00"),
		payment("p2", "", day(11), "60.00"),
		payment("p3", "", day(11), "60.00"),
		payment("p4", "555", day(12), "70.00"),
	}
	items := []domain.Item{
		item("i1", "111", day(10), "50.00"),
		item("i2", "222", day(10), "60.00"),
		item("i3", "555", day(12), "70.30"),
		item("i4", "444", day(10), "99.00"),
	}

	first, err := e.Run(context.Background(), items, matching.NewPool(payments, nil))
	require.NoError(t, err)

	var linked []string
	var remaining []domain.Item
	byID := map[string]domain.Item{}
	for _, it := range items {
		byID[it.ID] = it
	}
	firstByID := map[string]matching.Decision{}
	for _, d := range first {
		firstByID[d.ItemID] = d
		if d.Status == domain.ItemAutoMatched {
			linked = append(linked, d.Match.Payment.ID)
		} else {
			remaining = append(remaining, byID[d.ItemID])
		}
	}

	second, err := e.Run(context.Background(), remaining, matching.NewPool(payments, linked))
	require.NoError(t, err)
	for _, d := range second {
		prev := firstByID[d.ItemID]
		assert.Equal(t, prev.Status, d.Status, d.ItemID)
		require.Equal(t, len(prev.Suggestions), len(d.Suggestions), d.ItemID)
		for i := range d.Suggestions {
			assert.Equal(t, prev.Suggestions[i].Payment.ID, d.Suggestions[i].Payment.ID)
		}
	}
}

func TestRun_CancelledContext(t *testing.T) {
	e := matching.New(matching.DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Run(ctx, []domain.Item{item("i1", "1", day(10), "1.00")}, matching.NewPool(nil, nil))
	assert.Error(t, err)
}

func TestWindow(t *testing.T) {
	e := matching.New(matching.DefaultConfig())
	from, to := e.Window(day(10), day(15))
	assert.Equal(t, day(7), from)
	assert.True(t, to.After(day(18)))
	assert.True(t, to.Before(day(19)))
}

func TestScore_UsesLocalCalendarDayOfPayment(t *testing.T) {
	saoPaulo := time.FixedZone("BRT", -3*60*60)
	it := item("i1", "", day(10), "150.00")
	// 22:00 local is 01:00 of the next day in UTC.
	evening := payment("p", "", time.Date(2025, 3, 10, 22, 0, 0, 0, saoPaulo), "150.00")

	c, ok := matching.New(matching.DefaultConfig()).Score(it, evening)
	require.True(t, ok)
	assert.Equal(t, matching.ScoreExactSameDay, c.Score)
	assert.Equal(t, 0, c.DateDelta)

	utcStamped := evening
	utcStamped.Date = evening.Date.UTC()
	cfg := matching.DefaultConfig()
	cfg.Location = saoPaulo
	c, ok = matching.New(cfg).Score(it, utcStamped)
	require.True(t, ok)
	assert.Equal(t, matching.ScoreExactSameDay, c.Score)

	c, ok = matching.New(matching.DefaultConfig()).Score(it, utcStamped)
	require.True(t, ok)
	assert.Equal(t, matching.ScoreExactInWindow, c.Score)
}

func TestWindow_CoversOffsetPaymentsAtTheEdge(t *testing.T) {
	e := matching.New(matching.DefaultConfig())
	_, to := e.Window(day(10), day(10))
	edge := time.Date(2025, 3, 12, 23, 0, 0, 0, time.FixedZone("BRT", -3*60*60))
	assert.False(t, edge.After(to))

	c, ok := e.Score(item("i1", "", day(10), "150.00"), payment("p", "", edge, "150.00"))
	require.True(t, ok)
	assert.Equal(t, 2, c.DateDelta)
}
