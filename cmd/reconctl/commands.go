package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ManuelReschke/PayRecon/app/models"
	"github.com/ManuelReschke/PayRecon/app/repository"
	"github.com/ManuelReschke/PayRecon/internal/pkg/alerting"
	"github.com/ManuelReschke/PayRecon/internal/pkg/paymentsync"
)

// prepare wires the engine and points its output at the command.
func prepare(cmd *cobra.Command, setup setupFunc) (*cli, error) {
	c, err := setup(cmd.Context())
	if err != nil {
		return nil, err
	}
	c.out = cmd.OutOrStdout()
	return c, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func reconcileCmd(setup setupFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile the ledger against the gateway API for the last days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := prepare(cmd, setup)
			if err != nil {
				return err
			}
			daysBack, _ := cmd.Flags().GetInt("days-back")
			if !cmd.Flags().Changed("days-back") && c.daysBack > 0 {
				daysBack = c.daysBack
			}
			if daysBack < 0 || daysBack > 90 {
				return fmt.Errorf("--days-back must be between 0 and 90")
			}
			autoFix := c.autoFixDefault
			if cmd.Flags().Changed("auto-fix") {
				autoFix, _ = cmd.Flags().GetBool("auto-fix")
			}
			asJSON, _ := cmd.Flags().GetBool("json")

			out, err := c.runner.RunReconciliation(commandContext(cmd), paymentsync.ReconcileRequest{
				DaysBack: daysBack,
				AutoFix:  autoFix,
			}, models.SyncTriggerManual)
			if err != nil {
				return fmt.Errorf("reconciliation failed: %w", err)
			}
			return c.printReconcile(out, asJSON)
		},
	}

	cmd.Flags().IntP("days-back", "d", 3, "Days of gateway history to compare")
	cmd.Flags().Bool("auto-fix", false, "Apply safe fixes to the ledger")
	cmd.Flags().BoolP("json", "j", false, "Output as JSON")

	return cmd
}

func reconcileReportCmd(setup setupFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile-report [file]",
		Short: "Reconcile the ledger against an exported gateway report (CSV or XLSX)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := prepare(cmd, setup)
			if err != nil {
				return err
			}
			content, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read report: %w", err)
			}
			format, _ := cmd.Flags().GetString("format")
			if format == "" {
				format = formatFromPath(args[0])
			}
			autoFix := c.autoFixDefault
			if cmd.Flags().Changed("auto-fix") {
				autoFix, _ = cmd.Flags().GetBool("auto-fix")
			}
			asJSON, _ := cmd.Flags().GetBool("json")

			out, err := c.runner.RunReconciliation(commandContext(cmd), paymentsync.ReconcileRequest{
				ReportContent: content,
				Format:        format,
				AutoFix:       autoFix,
			}, models.SyncTriggerManual)
			if err != nil {
				return fmt.Errorf("reconciliation failed: %w", err)
			}
			return c.printReconcile(out, asJSON)
		},
	}

	cmd.Flags().StringP("format", "f", "", "Report format (csv, xlsx); detected from the file name when empty")
	cmd.Flags().Bool("auto-fix", false, "Apply safe fixes to the ledger")
	cmd.Flags().BoolP("json", "j", false, "Output as JSON")

	return cmd
}

func syncPendingCmd(setup setupFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync-pending",
		Short: "Refresh pending payments from the gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := prepare(cmd, setup)
			if err != nil {
				return err
			}
			maxAge, _ := cmd.Flags().GetDuration("max-age")
			limit, _ := cmd.Flags().GetInt("limit")
			if limit < 0 || limit > 1000 {
				return fmt.Errorf("--limit must be between 0 and 1000")
			}

			out, err := c.runner.RunPendingSync(commandContext(cmd), maxAge, limit, models.SyncTriggerManual)
			if err != nil {
				return fmt.Errorf("pending sync failed: %w", err)
			}
			fmt.Fprintf(c.out, "Run %s: considered %d, updated %d, unchanged %d, not found %d, unknown %d, alerts %d, errors %d\n",
				out.RunID, out.Considered, out.Updated, out.Unchanged, out.NotFound, out.Unknown, out.Alerts, len(out.Errors))
			return nil
		},
	}

	cmd.Flags().Duration("max-age", 24*time.Hour, "Only sync payments created within this age")
	cmd.Flags().IntP("limit", "n", 50, "Maximum payments per run")

	return cmd
}

func detectStuckCmd(setup setupFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "detect-stuck",
		Short: "Flag payments that stayed pending past the stuck threshold",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := prepare(cmd, setup)
			if err != nil {
				return err
			}
			asJSON, _ := cmd.Flags().GetBool("json")

			out, err := c.runner.RunStuckDetection(commandContext(cmd), models.SyncTriggerManual)
			if err != nil {
				return fmt.Errorf("stuck detection failed: %w", err)
			}
			if asJSON {
				return writeJSON(c.out, out)
			}

			fmt.Fprintf(c.out, "Run %s: considered %d, flagged %d, alerts %d\n", out.RunID, out.Considered, len(out.Flagged), out.Alerts)
			w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
			for _, s := range out.Flagged {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", s.Payment.ID, refOrDash(s.Payment.Ref()), s.Payment.CreatedAt.Format(time.RFC3339), s.Reason)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolP("json", "j", false, "Output as JSON")

	return cmd
}

func alertsCmd(setup setupFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "List and resolve reconciliation alerts",
	}
	cmd.AddCommand(alertsListCmd(setup))
	cmd.AddCommand(alertsResolveCmd(setup))
	return cmd
}

func alertsListCmd(setup setupFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List alerts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := prepare(cmd, setup)
			if err != nil {
				return err
			}
			status, _ := cmd.Flags().GetString("status")
			alertType, _ := cmd.Flags().GetString("type")
			ref, _ := cmd.Flags().GetString("ref")
			limit, _ := cmd.Flags().GetInt("limit")
			asJSON, _ := cmd.Flags().GetBool("json")
			if status == "all" {
				status = ""
			}

			alerts, err := c.repos.Alert.List(commandContext(cmd), repository.AlertFilter{
				Status:      status,
				Type:        models.AlertType(alertType),
				ExternalRef: ref,
				Limit:       limit,
			})
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(c.out, alerts)
			}

			w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tREF\tSEVERITY\tSTATUS\tCREATED\tMESSAGE")
			for _, a := range alerts {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
					a.ID, a.Type, a.ExternalRef, a.Severity, a.Status, a.CreatedAt.Format(time.RFC3339), a.Message)
			}
			return w.Flush()
		},
	}

	cmd.Flags().String("status", models.AlertStatusActive, "Alert status (active, resolved, all)")
	cmd.Flags().StringP("type", "t", "", "Filter by alert type")
	cmd.Flags().String("ref", "", "Filter by external reference")
	cmd.Flags().IntP("limit", "n", 50, "Maximum results")
	cmd.Flags().BoolP("json", "j", false, "Output as JSON")

	return cmd
}

func alertsResolveCmd(setup setupFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve [id]",
		Short: "Resolve an active alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil || id == 0 {
				return fmt.Errorf("invalid alert id %q", args[0])
			}
			c, err := prepare(cmd, setup)
			if err != nil {
				return err
			}
			by, _ := cmd.Flags().GetString("by")
			note, _ := cmd.Flags().GetString("note")

			alert, err := c.alerts.Resolve(commandContext(cmd), uint(id), by, note)
			switch {
			case errors.Is(err, alerting.ErrAlertNotFound):
				return fmt.Errorf("alert %d not found", id)
			case errors.Is(err, alerting.ErrAlreadyResolved):
				return fmt.Errorf("alert %d is already resolved", id)
			case err != nil:
				return err
			}
			fmt.Fprintf(c.out, "Alert %d resolved by %s\n", alert.ID, alert.ResolvedBy)
			return nil
		},
	}

	cmd.Flags().String("by", "cli", "Operator resolving the alert")
	cmd.Flags().String("note", "", "Resolution note")

	return cmd
}

func (c *cli) printReconcile(out *paymentsync.ReconcileOutcome, asJSON bool) error {
	if out == nil || out.Result == nil {
		return errors.New("reconciliation returned no result")
	}
	if asJSON {
		return writeJSON(c.out, out)
	}
	if out.Report != "" {
		_, err := io.WriteString(c.out, out.Report)
		return err
	}
	s := out.Summary()
	fmt.Fprintf(c.out, "Run %s: considered %d, matched %d, missing %d, extra %d, mismatches %d, fixed %d, errors %d\n",
		out.RunID, s.TotalConsidered, s.Matched, s.Missing, s.Extra, s.Mismatches, s.Fixed, s.ErrorCount)
	return nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatFromPath(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".xlsx") {
		return paymentsync.FormatXLSX
	}
	return paymentsync.FormatCSV
}

func refOrDash(ref string) string {
	if ref == "" {
		return "-"
	}
	return ref
}
