package paymentsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/datatypes"

	"github.com/ManuelReschke/PayRecon/app/models"
	"github.com/ManuelReschke/PayRecon/internal/pkg/alerting"
	"github.com/ManuelReschke/PayRecon/internal/pkg/gateway"
	"github.com/ManuelReschke/PayRecon/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/PayRecon/internal/pkg/reconcile"
	"github.com/ManuelReschke/PayRecon/internal/pkg/report"
)

// Report formats accepted by RunReconciliation.
const (
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
)

// ErrNoGatewayInput means the request named neither a window nor a report.
var ErrNoGatewayInput = errors.New("no usable gateway input")

// ReconcileRequest selects the gateway snapshot of a reconciliation run.
// ReportContent takes precedence over DaysBack.
type ReconcileRequest struct {
	DaysBack      int
	ReportContent []byte
	Format        string
	AutoFix       bool
}

// ReconcileOutcome is the persisted result of a reconciliation run.
type ReconcileOutcome struct {
	*reconcile.Result
	ReportID       uint   `json:"report_id"`
	SyncLogID      uint   `json:"sync_log_id"`
	AlertsRaised   int    `json:"alerts_raised"`
	AlertsResolved int64  `json:"alerts_resolved"`
	ArchiveKey     string `json:"archive_key,omitempty"`
	Report         string `json:"-"`
}

// fixedTypes are the alerts an applied fix makes obsolete.
var fixedTypes = []models.AlertType{
	models.AlertTypeStatusMismatch,
	models.AlertTypeExtraInLedger,
	models.AlertTypeStuckPayment,
	models.AlertTypeFixFailed,
}

// matchedTypes are the alerts a clean match makes obsolete. Drift alerts are
// left alone while the amounts still differ.
var matchedTypes = []models.AlertType{
	models.AlertTypeMissingInLedger,
	models.AlertTypeStatusMismatch,
	models.AlertTypeExtraInLedger,
	models.AlertTypeStuckPayment,
	models.AlertTypeFixFailed,
}

// snapshot is the gateway side of a run.
type snapshot struct {
	source       string
	transactions []gateway.Transaction
	rowErrors    []gateway.RowError
	windowStart  time.Time
	windowEnd    time.Time
	ext          string
}

// RunReconciliation compares the ledger with a gateway snapshot, applies the
// safe fixes when req.AutoFix is set, raises alerts and persists the report.
// Per-record problems are collected in the result; only unusable input or an
// unreachable ledger fail the run.
func (s *Service) RunReconciliation(ctx context.Context, req ReconcileRequest, trigger models.SyncTrigger) (*ReconcileOutcome, error) {
	r := s.startRun(models.SyncRunTypeReconciliation, trigger)

	snap, err := s.gatewaySnapshot(ctx, req, r.started)
	if err != nil {
		return nil, s.fail(ctx, r, "load gateway snapshot", err, runCounts{})
	}

	ledger, err := s.ledgerSnapshot(ctx, snap)
	if err != nil {
		return nil, s.fail(ctx, r, "load ledger snapshot", err, runCounts{})
	}

	// A reference whose gateway row is unusable is not comparable: without
	// this its ledger record would look extra and could be failed.
	ledger = withoutUnusableRefs(ledger, snap)

	res := reconcile.Classify(ledger, snap.transactions, reconcile.MatchOptions{
		Now:         r.started,
		GraceWindow: s.cfg.GraceWindow,
	})
	res.RunID = r.id
	res.Source = snap.source
	res.AutoFix = req.AutoFix
	res.WindowStart = snap.windowStart
	res.WindowEnd = snap.windowEnd
	for _, re := range snap.rowErrors {
		res.Errors = append(res.Errors, reconcile.RunError{
			Class:       reconcile.ErrorMalformed,
			ExternalRef: re.Ref,
			Row:         re.Row,
			Message:     re.Message,
		})
	}

	out := &ReconcileOutcome{Result: res}

	for _, d := range res.Discrepancies() {
		fix := r.fixer.Resolve(ctx, d, req.AutoFix)
		res.Fixes = append(res.Fixes, fix)
		s.recordFix(ctx, fix, &res.Errors)
		if in, ok := alerting.FromFix(r.id, d, fix); ok && s.emit(ctx, in, &res.Errors) {
			out.AlertsRaised++
		}
		if fix.Outcome == reconcile.OutcomeApplied {
			out.AlertsResolved += s.resolveAlerts(ctx, d.ExternalRef, fixedTypes, "fixed by run "+r.id, &res.Errors)
		}
	}

	drifting := make(map[string]bool, len(res.Drifts))
	for _, drift := range res.Drifts {
		drifting[drift.ExternalRef] = true
		if s.emit(ctx, alerting.FromDrift(r.id, drift), &res.Errors) {
			out.AlertsRaised++
		}
	}
	for _, m := range res.Matched {
		types := matchedTypes
		if !drifting[m.ExternalRef] {
			types = append(append([]models.AlertType{}, matchedTypes...), models.AlertTypeAmountDrift)
		}
		out.AlertsResolved += s.resolveAlerts(ctx, m.ExternalRef, types, "matched by run "+r.id, &res.Errors)
	}
	if out.AlertsResolved > 0 {
		s.counters.Add(ctx, counter.AlertsResolved, out.AlertsResolved)
	}

	out.Report = report.Generate(res)
	resultJSON, err := json.Marshal(res)
	if err != nil {
		return out, s.fail(ctx, r, "encode result", err, s.reconcileCounts(out, nil))
	}

	out.ArchiveKey = s.archiveRun(ctx, r, out.Report, req.ReportContent, snap.ext)

	rec := &models.ReconciliationReport{
		RunID:           r.id,
		Source:          res.Source,
		AutoFix:         res.AutoFix,
		TotalConsidered: res.TotalConsidered,
		MatchedCount:    len(res.Matched),
		MissingCount:    len(res.Missing),
		ExtraCount:      len(res.Extra),
		MismatchCount:   len(res.Mismatches),
		FixedCount:      res.FixedCount(),
		ErrorCount:      len(res.Errors),
		ResultJSON:      datatypes.JSON(resultJSON),
		RenderedText:    out.Report,
		ArchiveKey:      out.ArchiveKey,
	}
	if !res.WindowStart.IsZero() {
		ws, we := res.WindowStart, res.WindowEnd
		rec.WindowStart, rec.WindowEnd = &ws, &we
	}
	if err := s.repos.Report.Create(ctx, rec); err != nil {
		return out, s.fail(ctx, r, "persist report", err, s.reconcileCounts(out, nil))
	}
	out.ReportID = rec.ID

	entry, err := s.finish(ctx, r, s.reconcileCounts(out, &rec.ID), res.Summary(), nil)
	if entry != nil {
		out.SyncLogID = entry.ID
	}
	if err != nil {
		return out, err
	}

	sum := res.Summary()
	log.Infof("[PaymentSync] Reconciliation %s (%s) done: considered=%d matched=%d missing=%d extra=%d mismatches=%d fixed=%d errors=%d",
		r.id, res.Source, sum.TotalConsidered, sum.Matched, sum.Missing, sum.Extra, sum.Mismatches, sum.Fixed, sum.ErrorCount)
	return out, nil
}

func (s *Service) reconcileCounts(out *ReconcileOutcome, reportID *uint) runCounts {
	return runCounts{
		considered:   out.TotalConsidered,
		fixed:        out.FixedCount(),
		alertsRaised: out.AlertsRaised,
		errorCount:   len(out.Errors),
		reportID:     reportID,
	}
}

func (s *Service) gatewaySnapshot(ctx context.Context, req ReconcileRequest, now time.Time) (*snapshot, error) {
	if len(bytes.TrimSpace(req.ReportContent)) > 0 {
		var (
			parsed *gateway.ParseResult
			err    error
			ext    string
		)
		switch strings.ToLower(strings.TrimSpace(req.Format)) {
		case FormatXLSX:
			parsed, err = gateway.ParseWorkbook(bytes.NewReader(req.ReportContent), s.statusMap)
			ext = ".xlsx"
		case "", FormatCSV, "tsv", "txt":
			parsed, err = gateway.ParseReport(string(req.ReportContent), s.statusMap)
			ext = ".csv"
		default:
			return nil, fmt.Errorf("%w: unsupported report format %q", gateway.ErrUnparseableReport, req.Format)
		}
		if err != nil {
			return nil, err
		}
		start, end := parsed.Window()
		return &snapshot{
			source:       models.ReportSourceReportUpload,
			transactions: parsed.Transactions,
			rowErrors:    parsed.RowErrors,
			windowStart:  start,
			windowEnd:    end,
			ext:          ext,
		}, nil
	}

	if len(req.ReportContent) > 0 {
		return nil, fmt.Errorf("%w: report is empty", gateway.ErrUnparseableReport)
	}
	if s.gateway == nil {
		return nil, ErrNoGatewayInput
	}

	daysBack := req.DaysBack
	if daysBack <= 0 {
		daysBack = s.cfg.DefaultDaysBack
	}
	fetched, since, until, err := gateway.FetchDaysBack(ctx, s.gateway, daysBack, now)
	if err != nil {
		return nil, err
	}
	return &snapshot{
		source:       models.ReportSourceGatewayAPI,
		transactions: fetched.Transactions,
		rowErrors:    fetched.RowErrors,
		windowStart:  since,
		windowEnd:    until,
	}, nil
}

// ledgerSnapshot loads the payments created inside the window plus every
// payment the gateway snapshot references, so a payment created just before
// the window is not reported missing.
func (s *Service) ledgerSnapshot(ctx context.Context, snap *snapshot) ([]models.PaymentRecord, error) {
	var ledger []models.PaymentRecord
	if !snap.windowStart.IsZero() {
		inWindow, err := s.repos.Payment.ListCreatedBetween(ctx, snap.windowStart, snap.windowEnd)
		if err != nil {
			return nil, err
		}
		ledger = inWindow
	}

	refs := make([]string, 0, len(snap.transactions))
	seenRef := make(map[string]bool, len(snap.transactions))
	for _, tx := range snap.transactions {
		if !seenRef[tx.ExternalRef] {
			seenRef[tx.ExternalRef] = true
			refs = append(refs, tx.ExternalRef)
		}
	}
	if len(refs) == 0 {
		return ledger, nil
	}
	referenced, err := s.repos.Payment.ListByExternalRefs(ctx, refs)
	if err != nil {
		return nil, err
	}

	seenID := make(map[uint]bool, len(ledger))
	for _, p := range ledger {
		seenID[p.ID] = true
	}
	for _, p := range referenced {
		if !seenID[p.ID] {
			seenID[p.ID] = true
			ledger = append(ledger, p)
		}
	}
	return ledger, nil
}

// withoutUnusableRefs drops ledger records whose only gateway rows were
// unusable.
func withoutUnusableRefs(ledger []models.PaymentRecord, snap *snapshot) []models.PaymentRecord {
	usable := make(map[string]bool, len(snap.transactions))
	for _, tx := range snap.transactions {
		usable[strings.TrimSpace(tx.ExternalRef)] = true
	}
	skip := make(map[string]bool, len(snap.rowErrors))
	for _, re := range snap.rowErrors {
		if ref := strings.TrimSpace(re.Ref); ref != "" && !usable[ref] {
			skip[ref] = true
		}
	}
	if len(skip) == 0 {
		return ledger
	}
	out := ledger[:0:0]
	for _, p := range ledger {
		if !skip[strings.TrimSpace(p.Ref())] {
			out = append(out, p)
		}
	}
	return out
}

func (s *Service) resolveAlerts(ctx context.Context, ref string, types []models.AlertType, note string, errs *[]reconcile.RunError) int64 {
	n, err := s.alerts.ResolveForReference(ctx, ref, types, note)
	if err != nil {
		log.Errorf("[PaymentSync] %v", err)
		*errs = append(*errs, reconcile.RunError{
			Class:       reconcile.ErrorTransient,
			ExternalRef: ref,
			Message:     err.Error(),
		})
		return 0
	}
	return n
}

// archiveRun stores the rendered report and the uploaded source file. The
// archive is best effort: failures are logged, the run carries on.
func (s *Service) archiveRun(ctx context.Context, r *run, rendered string, source []byte, ext string) string {
	if s.archiver == nil {
		return ""
	}
	key := s.archiver.ObjectKey(r.id, ".txt", r.started)
	if err := s.archiver.Put(ctx, key, []byte(rendered), "text/plain; charset=utf-8"); err != nil {
		log.Errorf("[PaymentSync] Failed to archive report of run %s: %v", r.id, err)
		return ""
	}
	if len(source) > 0 && ext != "" {
		contentType := "text/csv"
		if ext == ".xlsx" {
			contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
		}
		srcKey := s.archiver.ObjectKey(r.id+"-source", ext, r.started)
		if err := s.archiver.Put(ctx, srcKey, source, contentType); err != nil {
			log.Errorf("[PaymentSync] Failed to archive source report of run %s: %v", r.id, err)
		}
	}
	return key
}
