// Package matching scores acquirer settlement items against internal payment
// candidates and decides auto-matches, suggestions and misses.
//
// The engine is pure: it reads items and a candidate pool and returns
// decisions. Persisting them is the caller's job.
package matching

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/boddenberg/pj-reconciliation-go/internal/domain"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Scores assigned by the matching policy.
const (
	ScoreReference     = 100
	ScoreExactSameDay  = 90
	ScoreExactInWindow = 70
	ScoreTolerance     = 40
)

// maxSuggestions is how many ranked candidates are surfaced to the operator.
const maxSuggestions = 2

// Config holds the matching policy knobs.
type Config struct {
	// DateWindowDays is the ± window around the item's external date.
	DateWindowDays int
	// AmountTolerance is the relative tolerance for a score-40 match (0.01 = 1%).
	AmountTolerance decimal.Decimal
	// CentTolerance is the absolute difference still considered amount-exact.
	CentTolerance decimal.Decimal
	// MinScore discards weaker candidates.
	MinScore int
	// Workers bounds parallel ranking. Zero or negative means 4.
	Workers int
	// Location is the business timezone payment timestamps are read in.
	// Nil keeps each payment's own offset.
	Location *time.Location
}

// DefaultConfig returns the standard policy: ±2 days, 1%, 1 cent, min score 40.
func DefaultConfig() Config {
	return Config{
		DateWindowDays:  2,
		AmountTolerance: decimal.NewFromFloat(0.01),
		CentTolerance:   decimal.New(1, -2),
		MinScore:        ScoreTolerance,
		Workers:         4,
	}
}

// Candidate is a scored payment for one item.
type Candidate struct {
	Payment domain.PaymentCandidate
	Score   int
	// DateDelta is the absolute distance in calendar days.
	DateDelta int
	// AmountDelta is payment amount minus external amount.
	AmountDelta decimal.Decimal
}

// Suggestion converts the candidate to its persisted form.
func (c Candidate) Suggestion() domain.Suggestion {
	return domain.Suggestion{
		PaymentID:   c.Payment.ID,
		Score:       c.Score,
		Amount:      c.Payment.Amount,
		Date:        c.Payment.Date,
		DateDelta:   c.DateDelta,
		AmountDelta: c.AmountDelta,
	}
}

// Decision is the engine's verdict for one item.
type Decision struct {
	ItemID string
	// Status is ItemAutoMatched, ItemSuggestedMatch or ItemUnmatched.
	Status domain.ItemStatus
	// Match is set only for ItemAutoMatched.
	Match *Candidate
	// Suggestions holds up to two ranked candidates for ItemSuggestedMatch.
	Suggestions []Candidate
	Ambiguous   bool
}

// TopScore returns the best candidate score, or 0 when nothing qualified.
func (d Decision) TopScore() int {
	if d.Match != nil {
		return d.Match.Score
	}
	if len(d.Suggestions) > 0 {
		return d.Suggestions[0].Score
	}
	return 0
}

// Pool is the set of payments still available during one run. It is owned by
// a single Run call and must not be shared across runs.
type Pool struct {
	payments []domain.PaymentCandidate
	taken    map[string]struct{}
}

// NewPool builds a pool from searched payments, dropping non-electronic
// methods, duplicates and the ids in linked (already matched in the batch).
func NewPool(payments []domain.PaymentCandidate, linked []string) *Pool {
	p := &Pool{taken: make(map[string]struct{}, len(linked))}
	for _, id := range linked {
		p.taken[id] = struct{}{}
	}
	seen := make(map[string]struct{}, len(payments))
	for _, pay := range payments {
		if !pay.Method.Electronic() {
			continue
		}
		if _, dup := seen[pay.ID]; dup {
			continue
		}
		seen[pay.ID] = struct{}{}
		p.payments = append(p.payments, pay)
	}
	sort.Slice(p.payments, func(i, j int) bool { return p.payments[i].ID < p.payments[j].ID })
	return p
}

// Available reports whether paymentID can still be linked in this run.
func (p *Pool) Available(paymentID string) bool {
	_, taken := p.taken[paymentID]
	return !taken
}

// Take removes paymentID from the pool.
func (p *Pool) Take(paymentID string) {
	p.taken[paymentID] = struct{}{}
}

// Len is the number of payments still available.
func (p *Pool) Len() int {
	n := 0
	for _, pay := range p.payments {
		if p.Available(pay.ID) {
			n++
		}
	}
	return n
}

func (p *Pool) filter(ranked []Candidate) []Candidate {
	out := make([]Candidate, 0, len(ranked))
	for _, c := range ranked {
		if p.Available(c.Payment.ID) {
			out = append(out, c)
		}
	}
	return out
}

// Engine applies the matching policy.
type Engine struct {
	cfg Config
}

// New creates an engine. Missing knobs fall back to DefaultConfig.
func New(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.DateWindowDays < 0 {
		cfg.DateWindowDays = def.DateWindowDays
	}
	if cfg.AmountTolerance.IsZero() {
		cfg.AmountTolerance = def.AmountTolerance
	}
	if cfg.CentTolerance.IsZero() {
		cfg.CentTolerance = def.CentTolerance
	}
	if cfg.MinScore <= 0 {
		cfg.MinScore = def.MinScore
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	return &Engine{cfg: cfg}
}

// Config returns the effective policy.
func (e *Engine) Config() Config {
	return e.cfg
}

// Window returns the instant range to search candidates for items dated
// between from and to. It carries one extra day on each side so payments
// stamped with any UTC offset are fetched; Score applies the exact window.
func (e *Engine) Window(from, to time.Time) (time.Time, time.Time) {
	w := time.Duration(e.cfg.DateWindowDays+1) * 24 * time.Hour
	start := dayOf(from).Add(-w)
	end := dayOf(to).Add(w + 24*time.Hour - time.Nanosecond)
	return start, end
}

// Score rates payment p for item. ok is false when p is outside the window
// or below the minimum score.
func (e *Engine) Score(item domain.Item, p domain.PaymentCandidate) (Candidate, bool) {
	delta := dayDistance(item.ExternalDate, e.paymentDay(p.Date))
	if delta > e.cfg.DateWindowDays {
		return Candidate{}, false
	}

	amountDelta := p.Amount.Sub(item.ExternalAmount)
	absDelta := amountDelta.Abs()
	amountExact := absDelta.LessThanOrEqual(e.cfg.CentTolerance)

	score := 0
	switch {
	case referenceMatches(item.NSU, p.ReferenceNumber):
		score = ScoreReference
	case amountExact && delta == 0:
		score = ScoreExactSameDay
	case amountExact:
		score = ScoreExactInWindow
	case absDelta.LessThanOrEqual(item.ExternalAmount.Abs().Mul(e.cfg.AmountTolerance)):
		score = ScoreTolerance
	}
	if score == 0 || score < e.cfg.MinScore {
		return Candidate{}, false
	}

	return Candidate{Payment: p, Score: score, DateDelta: delta, AmountDelta: amountDelta}, true
}

// Rank scores every available payment and orders them best first.
func (e *Engine) Rank(item domain.Item, pool *Pool) []Candidate {
	var ranked []Candidate
	for _, p := range pool.payments {
		if !pool.Available(p.ID) {
			continue
		}
		if c, ok := e.Score(item, p); ok {
			ranked = append(ranked, c)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return better(ranked[i], ranked[j]) })
	return ranked
}

// Decide turns a ranked candidate list into a decision.
func (e *Engine) Decide(itemID string, ranked []Candidate) Decision {
	d := Decision{ItemID: itemID, Status: domain.ItemUnmatched}
	if len(ranked) == 0 {
		return d
	}

	top := ranked[0]
	n := maxSuggestions
	if len(ranked) < n {
		n = len(ranked)
	}

	if len(ranked) > 1 && tied(top, ranked[1]) {
		d.Status = domain.ItemSuggestedMatch
		d.Ambiguous = true
		d.Suggestions = append([]Candidate(nil), ranked[:n]...)
		return d
	}

	strong := 0
	for _, c := range ranked {
		if c.Score >= ScoreExactSameDay {
			strong++
		}
	}
	if top.Score == ScoreReference || (top.Score >= ScoreExactSameDay && strong == 1) {
		match := top
		d.Status = domain.ItemAutoMatched
		d.Match = &match
		return d
	}

	d.Status = domain.ItemSuggestedMatch
	d.Suggestions = append([]Candidate(nil), ranked[:n]...)
	return d
}

// Run decides every item against pool. Items are ranked in parallel against
// the pool as it stands on entry; auto-links are then applied by a single
// sequential fold in (externalDate, nsu, id) order, repeated until no new
// link appears, so the result does not depend on scheduling and a second run
// over the same state reproduces it. Decisions are returned in that order.
func (e *Engine) Run(ctx context.Context, items []domain.Item, pool *Pool) ([]Decision, error) {
	ordered := append([]domain.Item(nil), items...)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if !a.ExternalDate.Equal(b.ExternalDate) {
			return a.ExternalDate.Before(b.ExternalDate)
		}
		if a.NSU != b.NSU {
			return a.NSU < b.NSU
		}
		return a.ID < b.ID
	})

	ranked := make([][]Candidate, len(ordered))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for i := range ordered {
		i := i
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			ranked[i] = e.Rank(ordered[i], pool)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	decisions := make([]*Decision, len(ordered))
	for {
		linked := false
		for i, it := range ordered {
			if decisions[i] != nil {
				continue
			}
			d := e.Decide(it.ID, pool.filter(ranked[i]))
			if d.Status == domain.ItemAutoMatched {
				pool.Take(d.Match.Payment.ID)
				decisions[i] = &d
				linked = true
			}
		}
		if !linked {
			break
		}
	}

	out := make([]Decision, len(ordered))
	for i, it := range ordered {
		if decisions[i] == nil {
			d := e.Decide(it.ID, pool.filter(ranked[i]))
			decisions[i] = &d
		}
		out[i] = *decisions[i]
	}
	return out, nil
}

// better orders candidates: score desc, date delta asc, |amount delta| asc,
// then payment id for a stable listing.
func better(a, b Candidate) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.DateDelta != b.DateDelta {
		return a.DateDelta < b.DateDelta
	}
	if c := a.AmountDelta.Abs().Cmp(b.AmountDelta.Abs()); c != 0 {
		return c < 0
	}
	return a.Payment.ID < b.Payment.ID
}

// tied reports whether no policy rule separates a and b.
func tied(a, b Candidate) bool {
	return a.Score == b.Score &&
		a.DateDelta == b.DateDelta &&
		a.AmountDelta.Abs().Equal(b.AmountDelta.Abs())
}

func referenceMatches(nsu, reference string) bool {
	a := normalizeReference(nsu)
	return a != "" && a == normalizeReference(reference)
}

// normalizeReference strips blanks, case and zero padding acquirers add to NSUs.
func normalizeReference(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	return strings.TrimLeft(s, "0")
}

// paymentDay moves t into the business timezone, when one is configured,
// so its calendar day is the one the merchant saw.
func (e *Engine) paymentDay(t time.Time) time.Time {
	if e.cfg.Location != nil {
		return t.In(e.cfg.Location)
	}
	return t
}

// dayOf returns the calendar day of t in t's own location.
func dayOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func dayDistance(a, b time.Time) int {
	days := int(dayOf(a).Sub(dayOf(b)).Hours() / 24)
	if days < 0 {
		return -days
	}
	return days
}
