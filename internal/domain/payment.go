package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentMethod is how a sale payment was collected.
type PaymentMethod string

const (
	MethodCreditCard   PaymentMethod = "CREDIT_CARD"
	MethodDebitCard    PaymentMethod = "DEBIT_CARD"
	MethodPix          PaymentMethod = "PIX"
	MethodCash         PaymentMethod = "CASH"
	MethodBoleto       PaymentMethod = "BOLETO"
	MethodBankTransfer PaymentMethod = "BANK_TRANSFER"
	MethodOther        PaymentMethod = "OTHER"
)

// ElectronicMethods are the methods an acquirer settles.
var ElectronicMethods = []PaymentMethod{MethodCreditCard, MethodDebitCard, MethodPix}

// Electronic reports whether an acquirer could have settled this payment.
func (m PaymentMethod) Electronic() bool {
	for _, e := range ElectronicMethods {
		if e == m {
			return true
		}
	}
	return false
}

// PaymentCandidate is an internally recorded sale payment. It is read-only to
// the reconciliation engine and only referenced by id.
type PaymentCandidate struct {
	ID              string          `json:"id"`
	Date            time.Time       `json:"date"`
	Amount          decimal.Decimal `json:"amount"`
	Method          PaymentMethod   `json:"method"`
	ReferenceNumber string          `json:"referenceNumber,omitempty"`
	SaleID          *string         `json:"saleId,omitempty"`
	CustomerID      *string         `json:"customerId,omitempty"`
}

// CandidateFilter narrows SearchPaymentCandidates. Zero fields are ignored.
type CandidateFilter struct {
	Amount    *decimal.Decimal
	DateFrom  *time.Time
	DateTo    *time.Time
	Reference string
	Methods   []PaymentMethod
}

// Matches applies the filter in memory, for sources that cannot push it down.
func (f CandidateFilter) Matches(p PaymentCandidate) bool {
	if f.Amount != nil && !p.Amount.Equal(*f.Amount) {
		return false
	}
	if f.DateFrom != nil && p.Date.Before(*f.DateFrom) {
		return false
	}
	if f.DateTo != nil && p.Date.After(*f.DateTo) {
		return false
	}
	if f.Reference != "" && p.ReferenceNumber != f.Reference {
		return false
	}
	if len(f.Methods) > 0 {
		ok := false
		for _, m := range f.Methods {
			if m == p.Method {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}
