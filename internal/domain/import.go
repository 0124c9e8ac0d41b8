package domain

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ImportRow is one externally parsed settlement line. Parsing the file and
// mapping its columns happens upstream; values arrive as text.
type ImportRow struct {
	ExternalDate      string `json:"externalDate"`
	NSU               string `json:"nsu"`
	AuthorizationCode string `json:"authorizationCode"`
	CardBrand         string `json:"cardBrand"`
	Amount            string `json:"amount"`
}

// ImportResult is the partial-success report of ImportBatchItems.
type ImportResult struct {
	BatchID   string                  `json:"batchId"`
	Imported  int                     `json:"imported"`
	Rejected  int                     `json:"rejected"`
	Errors    []ErrMalformedImportRow `json:"errors,omitempty"`
	Status    BatchStatus             `json:"status"`
	ItemIDs   []string                `json:"itemIds,omitempty"`
	Processed time.Time               `json:"processedAt"`
}

var importDateLayouts = []string{
	"2006-01-02",
	"02/01/2006",
	time.RFC3339,
	"2006-01-02 15:04:05",
}

// ParseImportDate accepts ISO, dd/mm/yyyy and RFC3339 dates and truncates to the day (UTC).
func ParseImportDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	for _, layout := range importDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), true
		}
	}
	return time.Time{}, false
}

// ParseImportAmount accepts "1234.56", "1234,56", "1.234,56" and "1,234.56".
func ParseImportAmount(raw string) (decimal.Decimal, bool) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "R$")
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return decimal.Zero, false
	}
	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")
	switch {
	case lastComma > lastDot:
		s = strings.ReplaceAll(s, ".", "")
		s = strings.Replace(s, ",", ".", 1)
	case lastDot > lastComma && lastComma >= 0:
		s = strings.ReplaceAll(s, ",", "")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// NewItemFromRow validates row and builds a PENDING item. rowNum is 1-based.
// Zero amounts are kept; settlement files carry zero-value verification lines.
func NewItemFromRow(batchID string, rowNum int, row ImportRow) (*Item, *ErrMalformedImportRow) {
	date, ok := ParseImportDate(row.ExternalDate)
	if !ok {
		return nil, &ErrMalformedImportRow{Row: rowNum, Field: "externalDate", Reason: "unparseable date " + strconv.Quote(row.ExternalDate)}
	}
	amount, ok := ParseImportAmount(row.Amount)
	if !ok {
		return nil, &ErrMalformedImportRow{Row: rowNum, Field: "amount", Reason: "unparseable amount " + strconv.Quote(row.Amount)}
	}
	if !amount.Equal(amount.Truncate(2)) {
		return nil, &ErrMalformedImportRow{Row: rowNum, Field: "amount", Reason: "more than two decimal places in " + strconv.Quote(row.Amount)}
	}
	nsu := strings.TrimSpace(row.NSU)
	if nsu == "" {
		return nil, &ErrMalformedImportRow{Row: rowNum, Field: "nsu", Reason: "required"}
	}
	return &Item{
		BatchID:           batchID,
		Row:               rowNum,
		ExternalDate:      date,
		NSU:               nsu,
		AuthorizationCode: strings.TrimSpace(row.AuthorizationCode),
		CardBrand:         strings.ToUpper(strings.TrimSpace(row.CardBrand)),
		ExternalAmount:    amount,
		Status:            ItemPending,
	}, nil
}
