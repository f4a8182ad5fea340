package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PayRecon/app/models"
	"github.com/ManuelReschke/PayRecon/app/repository/memory"
	"github.com/ManuelReschke/PayRecon/internal/pkg/alerting"
	"github.com/ManuelReschke/PayRecon/internal/pkg/gateway"
	"github.com/ManuelReschke/PayRecon/internal/pkg/paymentsync"
	"github.com/ManuelReschke/PayRecon/internal/pkg/reconcile"
)

type fakeRunner struct {
	requests []paymentsync.ReconcileRequest
	maxAge   time.Duration
	limit    int
	err      error
}

func (r *fakeRunner) RunReconciliation(ctx context.Context, req paymentsync.ReconcileRequest, trigger models.SyncTrigger) (*paymentsync.ReconcileOutcome, error) {
	r.requests = append(r.requests, req)
	if r.err != nil {
		return nil, r.err
	}
	return &paymentsync.ReconcileOutcome{
		Result: &reconcile.Result{RunID: "run-1", TotalConsidered: 2, Matched: []reconcile.Match{{ExternalRef: "TX1"}}},
		Report: "RECONCILIATION REPORT run-1\n",
	}, nil
}

func (r *fakeRunner) RunPendingSync(ctx context.Context, maxAge time.Duration, limit int, trigger models.SyncTrigger) (*paymentsync.SyncOutcome, error) {
	r.maxAge = maxAge
	r.limit = limit
	return &paymentsync.SyncOutcome{RunID: "run-2", Considered: 3, Updated: 1, Unchanged: 2}, r.err
}

func (r *fakeRunner) RunStuckDetection(ctx context.Context, trigger models.SyncTrigger) (*paymentsync.StuckOutcome, error) {
	ref := "TX9"
	return &paymentsync.StuckOutcome{
		RunID:      "run-3",
		Considered: 1,
		Flagged: []paymentsync.StuckPayment{{
			Payment: models.PaymentRecord{ID: 9, ExternalRef: &ref, CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
			Reason:  paymentsync.StuckNoReference,
		}},
		Alerts: 1,
	}, r.err
}

type testEnv struct {
	runner *fakeRunner
	alerts *alerting.Emitter
	setup  setupFunc
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	repos := memory.New().Repositories()
	env := &testEnv{runner: &fakeRunner{}, alerts: alerting.NewEmitter(repos.Alert)}
	env.setup = func(ctx context.Context) (*cli, error) {
		return &cli{runner: env.runner, alerts: env.alerts, repos: repos, daysBack: 5}, nil
	}
	return env
}

func execute(t *testing.T, setup setupFunc, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(setup)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestReconcileCommand(t *testing.T) {
	env := newTestEnv(t)

	out, err := execute(t, env.setup, "reconcile")
	require.NoError(t, err)
	assert.Equal(t, "RECONCILIATION REPORT run-1\n", out)

	_, err = execute(t, env.setup, "reconcile", "--days-back", "7", "--auto-fix")
	require.NoError(t, err)

	require.Len(t, env.runner.requests, 2)
	assert.Equal(t, 5, env.runner.requests[0].DaysBack)
	assert.False(t, env.runner.requests[0].AutoFix)
	assert.Equal(t, 7, env.runner.requests[1].DaysBack)
	assert.True(t, env.runner.requests[1].AutoFix)

	_, err = execute(t, env.setup, "reconcile", "--days-back", "120")
	assert.Error(t, err)
}

func TestReconcileCommandJSON(t *testing.T) {
	env := newTestEnv(t)

	out, err := execute(t, env.setup, "reconcile", "--json")
	require.NoError(t, err)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &body))
	assert.Equal(t, "run-1", body["run_id"])
	assert.EqualValues(t, 2, body["total_considered"])
}

func TestReconcileCommandFailure(t *testing.T) {
	env := newTestEnv(t)
	env.runner.err = gateway.ErrUnparseableReport

	_, err := execute(t, env.setup, "reconcile")
	require.Error(t, err)
	assert.ErrorIs(t, err, gateway.ErrUnparseableReport)
}

func TestReconcileReportCommand(t *testing.T) {
	env := newTestEnv(t)
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "settlement.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("ref,amount,currency,status,timestamp\n"), 0o600))
	xlsxPath := filepath.Join(dir, "settlement.XLSX")
	require.NoError(t, os.WriteFile(xlsxPath, []byte("PK"), 0o600))

	_, err := execute(t, env.setup, "reconcile-report", csvPath)
	require.NoError(t, err)
	_, err = execute(t, env.setup, "reconcile-report", xlsxPath, "--auto-fix")
	require.NoError(t, err)
	_, err = execute(t, env.setup, "reconcile-report", csvPath, "--format", "xlsx")
	require.NoError(t, err)

	require.Len(t, env.runner.requests, 3)
	assert.Equal(t, paymentsync.FormatCSV, env.runner.requests[0].Format)
	assert.Contains(t, string(env.runner.requests[0].ReportContent), "ref,amount")
	assert.Equal(t, paymentsync.FormatXLSX, env.runner.requests[1].Format)
	assert.True(t, env.runner.requests[1].AutoFix)
	assert.Equal(t, paymentsync.FormatXLSX, env.runner.requests[2].Format)

	_, err = execute(t, env.setup, "reconcile-report", filepath.Join(dir, "missing.csv"))
	assert.Error(t, err)
}

func TestSyncPendingCommand(t *testing.T) {
	env := newTestEnv(t)

	out, err := execute(t, env.setup, "sync-pending", "--max-age", "2h", "--limit", "10")
	require.NoError(t, err)
	assert.Contains(t, out, "Run run-2: considered 3, updated 1, unchanged 2")
	assert.Equal(t, 2*time.Hour, env.runner.maxAge)
	assert.Equal(t, 10, env.runner.limit)

	_, err = execute(t, env.setup, "sync-pending", "--limit", "5000")
	assert.Error(t, err)
}

func TestDetectStuckCommand(t *testing.T) {
	env := newTestEnv(t)

	out, err := execute(t, env.setup, "detect-stuck")
	require.NoError(t, err)
	assert.Contains(t, out, "flagged 1")
	assert.Contains(t, out, "TX9")
	assert.Contains(t, out, "2026-01-02T03:04:05Z")
	assert.Contains(t, out, paymentsync.StuckNoReference)
}

func TestAlertsCommands(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, a, err := env.alerts.Emit(ctx, alerting.AlertInput{
		Type:        models.AlertTypeMissingInLedger,
		ExternalRef: "TX2",
		Severity:    models.AlertSeverityWarning,
		Message:     "gateway transaction TX2 is missing in the ledger",
		RunID:       "run-1",
	})
	require.NoError(t, err)

	out, err := execute(t, env.setup, "alerts", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "missing_in_ledger")
	assert.Contains(t, out, "TX2")

	id := strconv.FormatUint(uint64(a.ID), 10)
	out, err = execute(t, env.setup, "alerts", "resolve", id, "--by", "ops", "--note", "booked manually")
	require.NoError(t, err)
	assert.Contains(t, out, "resolved by ops")

	out, err = execute(t, env.setup, "alerts", "list")
	require.NoError(t, err)
	assert.NotContains(t, out, "TX2")

	out, err = execute(t, env.setup, "alerts", "list", "--status", "all", "--json")
	require.NoError(t, err)
	var alerts []models.Alert
	require.NoError(t, json.Unmarshal([]byte(out), &alerts))
	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertStatusResolved, alerts[0].Status)

	_, err = execute(t, env.setup, "alerts", "resolve", id)
	assert.ErrorContains(t, err, "already resolved")
	_, err = execute(t, env.setup, "alerts", "resolve", "99")
	assert.ErrorContains(t, err, "not found")
	_, err = execute(t, env.setup, "alerts", "resolve", "abc")
	assert.Error(t, err)
}

func TestSetupFailure(t *testing.T) {
	failing := func(ctx context.Context) (*cli, error) {
		return nil, errors.New("database unavailable")
	}
	_, err := execute(t, failing, "detect-stuck")
	assert.ErrorContains(t, err, "database unavailable")
}
