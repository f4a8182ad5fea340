package reconcile

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ManuelReschke/PayRecon/app/models"
	"github.com/ManuelReschke/PayRecon/internal/pkg/gateway"
)

// DefaultGraceWindow keeps ledger-only records this young out of the extra bucket.
const DefaultGraceWindow = 10 * time.Minute

// MatchOptions are the inputs of Classify besides the two snapshots.
type MatchOptions struct {
	Now         time.Time
	GraceWindow time.Duration
}

// statusRank orders statuses by how far a payment progressed. It breaks
// ties between gateway observations with the same timestamp.
var statusRank = map[models.PaymentStatus]int{
	models.PaymentStatusPending:   0,
	models.PaymentStatusCancelled: 1,
	models.PaymentStatusFailed:    2,
	models.PaymentStatusCompleted: 3,
	models.PaymentStatusRefunded:  4,
}

// Classify compares a ledger snapshot with a gateway snapshot. It has no side
// effects and the same inputs always produce the same Result; every list is
// ordered by external reference.
func Classify(ledger []models.PaymentRecord, gw []gateway.Transaction, opts MatchOptions) *Result {
	grace := opts.GraceWindow
	if grace < 0 {
		grace = 0
	}
	res := &Result{
		Matched:    []Match{},
		Missing:    []Discrepancy{},
		Extra:      []Discrepancy{},
		Mismatches: []Discrepancy{},
		Fixes:      []FixResult{},
		Drifts:     []AmountDrift{},
		Errors:     []RunError{},
	}

	gwIndex := CollapseTransactions(gw)

	ledgerIndex := make(map[string]models.PaymentRecord, len(ledger))
	for _, p := range sortedByID(ledger) {
		ref := strings.TrimSpace(p.Ref())
		if ref == "" {
			continue
		}
		if existing, dup := ledgerIndex[ref]; dup {
			res.Errors = append(res.Errors, RunError{
				Class:       ErrorMalformed,
				ExternalRef: ref,
				PaymentID:   p.ID,
				Message:     fmt.Sprintf("external reference also owned by payment %d", existing.ID),
			})
			continue
		}
		ledgerIndex[ref] = p
	}

	refs := make([]string, 0, len(gwIndex)+len(ledgerIndex))
	for ref := range gwIndex {
		refs = append(refs, ref)
	}
	for ref := range ledgerIndex {
		if _, ok := gwIndex[ref]; !ok {
			refs = append(refs, ref)
		}
	}
	sort.Strings(refs)
	res.TotalConsidered = len(refs)

	for _, ref := range refs {
		tx, inGateway := gwIndex[ref]
		p, inLedger := ledgerIndex[ref]

		switch {
		case inGateway && inLedger:
			if p.Status == tx.Status {
				res.Matched = append(res.Matched, Match{
					ExternalRef: ref,
					PaymentID:   p.ID,
					Status:      p.Status,
					Amount:      p.Amount,
					Currency:    p.Currency,
				})
				if drift, ok := amountDrift(ref, p, tx); ok {
					res.Drifts = append(res.Drifts, drift)
				}
				continue
			}
			res.Mismatches = append(res.Mismatches, newDiscrepancy(KindStatusMismatch, ref, &p, &tx))
		case inGateway:
			res.Missing = append(res.Missing, newDiscrepancy(KindMissingInLedger, ref, nil, &tx))
		default:
			if opts.Now.Sub(p.CreatedAt) <= grace {
				res.TooRecent++
				continue
			}
			res.Extra = append(res.Extra, newDiscrepancy(KindExtraInLedger, ref, &p, nil))
		}
	}
	return res
}

// CollapseTransactions keys gateway observations by reference. Duplicate or
// out-of-order rows collapse to the latest observation; on equal timestamps
// the more advanced status wins.
func CollapseTransactions(gw []gateway.Transaction) map[string]gateway.Transaction {
	index := make(map[string]gateway.Transaction, len(gw))
	for _, tx := range gw {
		ref := strings.TrimSpace(tx.ExternalRef)
		if ref == "" {
			continue
		}
		tx.ExternalRef = ref
		current, ok := index[ref]
		if !ok || supersedes(tx, current) {
			index[ref] = tx
		}
	}
	return index
}

func supersedes(next, current gateway.Transaction) bool {
	if next.OccurredAt.After(current.OccurredAt) {
		return true
	}
	if next.OccurredAt.Before(current.OccurredAt) {
		return false
	}
	return statusRank[next.Status] > statusRank[current.Status]
}

func amountDrift(ref string, p models.PaymentRecord, tx gateway.Transaction) (AmountDrift, bool) {
	sameAmount := p.Amount.Equal(tx.Amount)
	sameCurrency := tx.Currency == "" || strings.EqualFold(strings.TrimSpace(p.Currency), strings.TrimSpace(tx.Currency))
	if sameAmount && sameCurrency {
		return AmountDrift{}, false
	}
	return AmountDrift{
		ExternalRef:     ref,
		PaymentID:       p.ID,
		LedgerAmount:    p.Amount,
		LedgerCurrency:  p.Currency,
		GatewayAmount:   tx.Amount,
		GatewayCurrency: tx.Currency,
	}, true
}

func newDiscrepancy(kind Kind, ref string, p *models.PaymentRecord, tx *gateway.Transaction) Discrepancy {
	d := Discrepancy{Kind: kind, ExternalRef: ref}
	if p != nil {
		c := *p
		d.Ledger = &c
	}
	if tx != nil {
		c := *tx
		d.Gateway = &c
	}
	return d
}

func sortedByID(ledger []models.PaymentRecord) []models.PaymentRecord {
	out := append([]models.PaymentRecord(nil), ledger...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
