package report

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ManuelReschke/PayRecon/internal/pkg/reconcile"
)

// Section titles in render order. The order is part of the format: reports
// of different runs must stay diffable.
const (
	SectionSummary    = "SUMMARY"
	SectionMatched    = "MATCHED"
	SectionMissing    = "MISSING IN LEDGER"
	SectionExtra      = "EXTRA IN LEDGER"
	SectionMismatches = "STATUS MISMATCHES"
	SectionFixed      = "FIXED"
	SectionErrors     = "ERRORS"
)

// Sections lists the section titles in render order.
var Sections = []string{
	SectionSummary,
	SectionMatched,
	SectionMissing,
	SectionExtra,
	SectionMismatches,
	SectionFixed,
	SectionErrors,
}

// Generate renders a reconciliation result as plain text. Only the header
// carries run specific data (run id, window); section bodies depend on the
// classified data alone and list items by external reference.
func Generate(res *reconcile.Result) string {
	var b strings.Builder

	b.WriteString("RECONCILIATION REPORT\n")
	fmt.Fprintf(&b, "Run:      %s\n", res.RunID)
	fmt.Fprintf(&b, "Source:   %s\n", res.Source)
	fmt.Fprintf(&b, "Window:   %s .. %s\n", formatTime(res.WindowStart), formatTime(res.WindowEnd))
	fmt.Fprintf(&b, "Auto-fix: %s\n", onOff(res.AutoFix))

	fixes := indexFixes(res.Fixes)
	sum := res.Summary()

	writeSection(&b, SectionSummary, -1, func(w io.Writer) {
		fmt.Fprintf(w, "Total considered:\t%d\n", sum.TotalConsidered)
		fmt.Fprintf(w, "Matched:\t%d\n", sum.Matched)
		fmt.Fprintf(w, "Missing in ledger:\t%d\n", sum.Missing)
		fmt.Fprintf(w, "Extra in ledger:\t%d\n", sum.Extra)
		fmt.Fprintf(w, "Status mismatches:\t%d\n", sum.Mismatches)
		fmt.Fprintf(w, "Fixed:\t%d\n", sum.Fixed)
		fmt.Fprintf(w, "Errors:\t%d\n", sum.ErrorCount)
		if res.TooRecent > 0 {
			fmt.Fprintf(w, "Too recent to judge:\t%d\n", res.TooRecent)
		}
		if len(res.Drifts) > 0 {
			fmt.Fprintf(w, "Amount drift warnings:\t%d\n", len(res.Drifts))
		}
	})

	drifts := make(map[string]reconcile.AmountDrift, len(res.Drifts))
	for _, d := range res.Drifts {
		drifts[d.ExternalRef] = d
	}
	matched := append([]reconcile.Match(nil), res.Matched...)
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].ExternalRef < matched[j].ExternalRef })
	writeSection(&b, SectionMatched, len(matched), func(w io.Writer) {
		for _, m := range matched {
			line := fmt.Sprintf("%s\tpayment=%d\t%s\t%s %s", m.ExternalRef, m.PaymentID, m.Status, m.Amount.StringFixed(2), m.Currency)
			if d, ok := drifts[m.ExternalRef]; ok {
				line += fmt.Sprintf("\tDRIFT gateway=%s %s", d.GatewayAmount.StringFixed(2), d.GatewayCurrency)
			}
			fmt.Fprintln(w, line)
		}
	})

	writeSection(&b, SectionMissing, len(res.Missing), func(w io.Writer) {
		for _, d := range sortedDiscrepancies(res.Missing) {
			tx := d.Gateway
			fmt.Fprintf(w, "%s\tgateway=%s (%s)\t%s %s\t%s%s\n",
				d.ExternalRef, tx.Status, tx.RawStatus, tx.Amount.StringFixed(2), tx.Currency,
				formatTime(tx.OccurredAt), fixNote(fixes, d))
		}
	})

	writeSection(&b, SectionExtra, len(res.Extra), func(w io.Writer) {
		for _, d := range sortedDiscrepancies(res.Extra) {
			p := d.Ledger
			fmt.Fprintf(w, "%s\tpayment=%d\tledger=%s\t%s %s\tcreated %s%s\n",
				d.ExternalRef, p.ID, p.Status, p.Amount.StringFixed(2), p.Currency,
				formatTime(p.CreatedAt), fixNote(fixes, d))
		}
	})

	writeSection(&b, SectionMismatches, len(res.Mismatches), func(w io.Writer) {
		for _, d := range sortedDiscrepancies(res.Mismatches) {
			fmt.Fprintf(w, "%s\tpayment=%d\tledger=%s\tgateway=%s (%s)%s\n",
				d.ExternalRef, d.Ledger.ID, d.Ledger.Status, d.Gateway.Status, d.Gateway.RawStatus, fixNote(fixes, d))
		}
	})

	applied := appliedFixes(res.Fixes)
	writeSection(&b, SectionFixed, len(applied), func(w io.Writer) {
		for _, f := range applied {
			fmt.Fprintf(w, "%s\tpayment=%d\t%s\t%s -> %s\n", f.ExternalRef, f.PaymentID, f.Action, f.Before, f.After)
		}
	})

	errs := sortedErrors(res.Errors)
	writeSection(&b, SectionErrors, len(errs), func(w io.Writer) {
		for _, e := range errs {
			var where []string
			if e.Row > 0 {
				where = append(where, fmt.Sprintf("row %d", e.Row))
			}
			if e.ExternalRef != "" {
				where = append(where, e.ExternalRef)
			}
			if e.PaymentID > 0 {
				where = append(where, fmt.Sprintf("payment=%d", e.PaymentID))
			}
			loc := strings.Join(where, " ")
			if loc == "" {
				loc = "-"
			}
			fmt.Fprintf(w, "[%s]\t%s\t%s\n", e.Class, loc, e.Message)
		}
	})

	return b.String()
}

func writeSection(b *strings.Builder, title string, count int, body func(w io.Writer)) {
	b.WriteString("\n== ")
	b.WriteString(title)
	if count >= 0 {
		fmt.Fprintf(b, " (%d)", count)
	}
	b.WriteString(" ==\n")
	if count == 0 {
		b.WriteString("(none)\n")
		return
	}
	tw := tabwriter.NewWriter(b, 0, 4, 2, ' ', 0)
	body(tw)
	_ = tw.Flush()
}

type fixKey struct {
	ref  string
	kind reconcile.Kind
}

func indexFixes(fixes []reconcile.FixResult) map[fixKey]reconcile.FixResult {
	out := make(map[fixKey]reconcile.FixResult, len(fixes))
	for _, f := range fixes {
		out[fixKey{ref: f.ExternalRef, kind: f.Kind}] = f
	}
	return out
}

func fixNote(fixes map[fixKey]reconcile.FixResult, d reconcile.Discrepancy) string {
	f, ok := fixes[fixKey{ref: d.ExternalRef, kind: d.Kind}]
	if !ok {
		return ""
	}
	if f.Reason != "" {
		return fmt.Sprintf("\t-> %s (%s)", f.Outcome, f.Reason)
	}
	return fmt.Sprintf("\t-> %s", f.Outcome)
}

func appliedFixes(fixes []reconcile.FixResult) []reconcile.FixResult {
	var out []reconcile.FixResult
	for _, f := range fixes {
		if f.Outcome == reconcile.OutcomeApplied {
			out = append(out, f)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExternalRef < out[j].ExternalRef })
	return out
}

func sortedDiscrepancies(ds []reconcile.Discrepancy) []reconcile.Discrepancy {
	out := append([]reconcile.Discrepancy(nil), ds...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExternalRef < out[j].ExternalRef })
	return out
}

func sortedErrors(errs []reconcile.RunError) []reconcile.RunError {
	out := append([]reconcile.RunError(nil), errs...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Row != b.Row {
			return a.Row < b.Row
		}
		if a.ExternalRef != b.ExternalRef {
			return a.ExternalRef < b.ExternalRef
		}
		return a.Message < b.Message
	})
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}
