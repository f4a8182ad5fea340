package gateway

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/PayRecon/app/models"
)

// Transaction is the gateway's view of one payment. It is never mutated
// after it has been observed.
type Transaction struct {
	ExternalRef string               `json:"external_ref"`
	Amount      decimal.Decimal      `json:"amount"`
	Currency    string               `json:"currency"`
	RawStatus   string               `json:"raw_status"`
	Status      models.PaymentStatus `json:"status"`
	OccurredAt  time.Time            `json:"occurred_at"`
}

// RowError is a report row that could not be turned into a Transaction.
type RowError struct {
	Row     int    `json:"row"`
	Ref     string `json:"ref,omitempty"`
	Message string `json:"message"`
}

// ParseResult is the outcome of parsing an operator-supplied report.
// Malformed rows are collected, never silently dropped.
type ParseResult struct {
	Transactions []Transaction `json:"transactions"`
	RowErrors    []RowError    `json:"row_errors"`
}

// Window returns the earliest and latest transaction time in the result.
func (r *ParseResult) Window() (time.Time, time.Time) {
	var start, end time.Time
	for i, tx := range r.Transactions {
		if i == 0 || tx.OccurredAt.Before(start) {
			start = tx.OccurredAt
		}
		if i == 0 || tx.OccurredAt.After(end) {
			end = tx.OccurredAt
		}
	}
	return start, end
}

// Notification is a normalized gateway webhook payload.
type Notification struct {
	EventID     string
	EventType   string
	Transaction Transaction
}
