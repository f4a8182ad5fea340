package reconcile

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PayRecon/app/models"
	"github.com/ManuelReschke/PayRecon/internal/pkg/gateway"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func ledgerRecord(id uint, ref string, status models.PaymentStatus, age time.Duration) models.PaymentRecord {
	p := models.PaymentRecord{
		ID:        id,
		Amount:    decimal.RequireFromString("100.00"),
		Currency:  "EUR",
		Status:    status,
		CreatedAt: testNow.Add(-age),
	}
	if ref != "" {
		r := ref
		p.ExternalRef = &r
	}
	return p
}

func gatewayTx(ref string, status models.PaymentStatus, at time.Time) gateway.Transaction {
	return gateway.Transaction{
		ExternalRef: ref,
		Amount:      decimal.RequireFromString("100.00"),
		Currency:    "EUR",
		RawStatus:   string(status),
		Status:      status,
		OccurredAt:  at,
	}
}

func defaultOpts() MatchOptions {
	return MatchOptions{Now: testNow, GraceWindow: DefaultGraceWindow}
}

func TestClassifyBuckets(t *testing.T) {
	ledger := []models.PaymentRecord{
		ledgerRecord(1, "MATCH", models.PaymentStatusCompleted, time.Hour),
		ledgerRecord(2, "MISMATCH", models.PaymentStatusPending, 10*time.Minute),
		ledgerRecord(3, "EXTRA", models.PaymentStatusPending, time.Hour),
		ledgerRecord(4, "RECENT", models.PaymentStatusPending, 2*time.Minute),
		ledgerRecord(5, "", models.PaymentStatusPending, 5*time.Hour),
	}
	gw := []gateway.Transaction{
		gatewayTx("MATCH", models.PaymentStatusCompleted, testNow),
		gatewayTx("MISMATCH", models.PaymentStatusCompleted, testNow),
		gatewayTx("MISSING", models.PaymentStatusCompleted, testNow),
	}

	res := Classify(ledger, gw, defaultOpts())

	require.Len(t, res.Matched, 1)
	assert.Equal(t, "MATCH", res.Matched[0].ExternalRef)
	require.Len(t, res.Mismatches, 1)
	assert.Equal(t, "MISMATCH", res.Mismatches[0].ExternalRef)
	assert.Equal(t, models.PaymentStatusPending, res.Mismatches[0].LedgerStatus())
	assert.Equal(t, models.PaymentStatusCompleted, res.Mismatches[0].GatewayStatus())
	require.Len(t, res.Missing, 1)
	assert.Equal(t, "MISSING", res.Missing[0].ExternalRef)
	assert.Nil(t, res.Missing[0].Ledger)
	require.Len(t, res.Extra, 1)
	assert.Equal(t, "EXTRA", res.Extra[0].ExternalRef)
	assert.Nil(t, res.Extra[0].Gateway)
	assert.Equal(t, 1, res.TooRecent)
	assert.Equal(t, 5, res.TotalConsidered)
	assert.Empty(t, res.Errors)
}

func TestClassifyMatchedPairIsInNoOtherBucket(t *testing.T) {
	for _, status := range models.PaymentStatuses {
		t.Run(string(status), func(t *testing.T) {
			ledger := []models.PaymentRecord{ledgerRecord(1, "TX", status, time.Hour)}
			gw := []gateway.Transaction{gatewayTx("TX", status, testNow)}

			res := Classify(ledger, gw, defaultOpts())
			assert.Len(t, res.Matched, 1)
			assert.Empty(t, res.Mismatches)
			assert.Empty(t, res.Missing)
			assert.Empty(t, res.Extra)
		})
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	ledger := []models.PaymentRecord{
		ledgerRecord(3, "C", models.PaymentStatusPending, time.Hour),
		ledgerRecord(1, "A", models.PaymentStatusCompleted, time.Hour),
		ledgerRecord(2, "B", models.PaymentStatusPending, time.Hour),
	}
	gw := []gateway.Transaction{
		gatewayTx("D", models.PaymentStatusCompleted, testNow),
		gatewayTx("A", models.PaymentStatusCompleted, testNow),
		gatewayTx("B", models.PaymentStatusFailed, testNow),
	}

	first := Classify(ledger, gw, defaultOpts())
	second := Classify(ledger, gw, defaultOpts())
	assert.Equal(t, first, second)

	// Inputs are not modified.
	assert.Equal(t, uint(3), ledger[0].ID)
	assert.Equal(t, "D", gw[0].ExternalRef)
}

func TestClassifyListsAreSortedByReference(t *testing.T) {
	gw := []gateway.Transaction{
		gatewayTx("Z", models.PaymentStatusCompleted, testNow),
		gatewayTx("A", models.PaymentStatusCompleted, testNow),
		gatewayTx("M", models.PaymentStatusCompleted, testNow),
	}

	res := Classify(nil, gw, defaultOpts())
	require.Len(t, res.Missing, 3)
	assert.Equal(t, "A", res.Missing[0].ExternalRef)
	assert.Equal(t, "M", res.Missing[1].ExternalRef)
	assert.Equal(t, "Z", res.Missing[2].ExternalRef)
}

func TestClassifyCollapsesDuplicateNotifications(t *testing.T) {
	ledger := []models.PaymentRecord{ledgerRecord(1, "TX", models.PaymentStatusCompleted, time.Hour)}

	tests := []struct {
		name string
		gw   []gateway.Transaction
		want models.PaymentStatus
	}{
		{
			"Out of order keeps latest",
			[]gateway.Transaction{
				gatewayTx("TX", models.PaymentStatusCompleted, testNow.Add(-time.Minute)),
				gatewayTx("TX", models.PaymentStatusPending, testNow.Add(-time.Hour)),
			},
			models.PaymentStatusCompleted,
		},
		{
			"Same time prefers the more advanced status",
			[]gateway.Transaction{
				gatewayTx("TX", models.PaymentStatusPending, testNow),
				gatewayTx("TX", models.PaymentStatusCompleted, testNow),
				gatewayTx("TX", models.PaymentStatusPending, testNow),
			},
			models.PaymentStatusCompleted,
		},
		{
			"Later refund wins",
			[]gateway.Transaction{
				gatewayTx("TX", models.PaymentStatusRefunded, testNow),
				gatewayTx("TX", models.PaymentStatusCompleted, testNow.Add(-time.Hour)),
			},
			models.PaymentStatusRefunded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Classify(ledger, tt.gw, defaultOpts())
			assert.Equal(t, 1, res.TotalConsidered)
			if tt.want == models.PaymentStatusCompleted {
				assert.Len(t, res.Matched, 1)
				return
			}
			require.Len(t, res.Mismatches, 1)
			assert.Equal(t, tt.want, res.Mismatches[0].GatewayStatus())
		})
	}
}

func TestClassifyAmountDriftStaysMatched(t *testing.T) {
	ledger := []models.PaymentRecord{ledgerRecord(1, "TX", models.PaymentStatusCompleted, time.Hour)}
	tx := gatewayTx("TX", models.PaymentStatusCompleted, testNow)
	tx.Amount = decimal.RequireFromString("99.00")

	res := Classify(ledger, []gateway.Transaction{tx}, defaultOpts())
	assert.Len(t, res.Matched, 1)
	assert.Empty(t, res.Mismatches)
	require.Len(t, res.Drifts, 1)
	assert.True(t, decimal.RequireFromString("100").Equal(res.Drifts[0].LedgerAmount))
	assert.True(t, decimal.RequireFromString("99").Equal(res.Drifts[0].GatewayAmount))

	tx.Amount = decimal.RequireFromString("100")
	tx.Currency = "eur"
	res = Classify(ledger, []gateway.Transaction{tx}, defaultOpts())
	assert.Empty(t, res.Drifts, "currency comparison ignores case")
}

func TestClassifyGraceWindow(t *testing.T) {
	ledger := []models.PaymentRecord{ledgerRecord(1, "TX", models.PaymentStatusPending, 15*time.Minute)}

	res := Classify(ledger, nil, MatchOptions{Now: testNow, GraceWindow: 20 * time.Minute})
	assert.Empty(t, res.Extra)
	assert.Equal(t, 1, res.TooRecent)

	res = Classify(ledger, nil, MatchOptions{Now: testNow, GraceWindow: 10 * time.Minute})
	assert.Len(t, res.Extra, 1)
}

func TestClassifyRecordsWithoutReferenceAreNotComparable(t *testing.T) {
	ledger := []models.PaymentRecord{
		ledgerRecord(1, "", models.PaymentStatusPending, 48*time.Hour),
		ledgerRecord(2, "  ", models.PaymentStatusCompleted, 48*time.Hour),
	}

	res := Classify(ledger, nil, defaultOpts())
	assert.Equal(t, 0, res.TotalConsidered)
	assert.Empty(t, res.Matched)
	assert.Empty(t, res.Extra)
	assert.Empty(t, res.Mismatches)
	assert.Empty(t, res.Missing)
}

func TestClassifyDuplicateLedgerReference(t *testing.T) {
	ledger := []models.PaymentRecord{
		ledgerRecord(2, "TX", models.PaymentStatusPending, time.Hour),
		ledgerRecord(1, "TX", models.PaymentStatusCompleted, time.Hour),
	}
	gw := []gateway.Transaction{gatewayTx("TX", models.PaymentStatusCompleted, testNow)}

	res := Classify(ledger, gw, defaultOpts())
	require.Len(t, res.Matched, 1)
	assert.Equal(t, uint(1), res.Matched[0].PaymentID)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, ErrorMalformed, res.Errors[0].Class)
	assert.Equal(t, uint(2), res.Errors[0].PaymentID)
}

func TestResultSummary(t *testing.T) {
	res := &Result{
		TotalConsidered: 4,
		Matched:         []Match{{ExternalRef: "A"}},
		Mismatches:      []Discrepancy{{ExternalRef: "B"}},
		Missing:         []Discrepancy{{ExternalRef: "C"}},
		Extra:           []Discrepancy{{ExternalRef: "D"}},
		Fixes: []FixResult{
			{ExternalRef: "B", Outcome: OutcomeApplied},
			{ExternalRef: "C", Outcome: OutcomeSkippedUnsafe},
		},
		Errors: []RunError{{Class: ErrorTransient}},
	}

	assert.Equal(t, Summary{TotalConsidered: 4, Matched: 1, Missing: 1, Extra: 1, Mismatches: 1, Fixed: 1, ErrorCount: 1}, res.Summary())
	assert.Len(t, res.Discrepancies(), 3)
}
