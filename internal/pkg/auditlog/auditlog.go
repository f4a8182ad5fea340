package auditlog

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	logg     *logrus.Logger
	loggOnce sync.Once
)

// New creates a JSON logger writing to w.
func New(w io.Writer, level string) *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{})
	l.SetOutput(w)
	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return l
}

// GetLogger returns the process wide audit logger (stdout, info level).
func GetLogger() *logrus.Logger {
	loggOnce.Do(func() {
		if logg == nil {
			logg = New(os.Stdout, "info")
		}
	})
	return logg
}

// SetLogger replaces the process wide audit logger.
func SetLogger(l *logrus.Logger) {
	loggOnce.Do(func() {})
	logg = l
}

// FixEntry is one audit line for a fix attempt.
type FixEntry struct {
	RunID       string
	ExternalRef string
	PaymentID   uint
	Kind        string
	Action      string
	Outcome     string
	Reason      string
	Before      string
	After       string
	AutoFix     bool
	Err         error
}

// FixAttempt writes the audit line for a fix attempt. Failed attempts are
// logged at error level, everything else at info.
func FixAttempt(logger *logrus.Logger, e FixEntry) {
	if logger == nil {
		logger = GetLogger()
	}
	fields := logrus.Fields{
		"event":        "fix_attempt",
		"run_id":       e.RunID,
		"external_ref": e.ExternalRef,
		"payment_id":   e.PaymentID,
		"kind":         e.Kind,
		"action":       e.Action,
		"outcome":      e.Outcome,
		"reason":       e.Reason,
		"before":       e.Before,
		"after":        e.After,
		"auto_fix":     e.AutoFix,
	}
	if e.Err != nil {
		logger.WithFields(fields).WithError(e.Err).Error("fix attempt failed")
		return
	}
	logger.WithFields(fields).Info("fix attempt")
}

// LogError writes a structured error line with its call site context.
func LogError(logger *logrus.Logger, moduleName string, funcName string, context string, data any, err error) {
	if logger == nil {
		logger = GetLogger()
	}
	fields := logrus.Fields{
		"module":   moduleName,
		"funcName": funcName,
		"context":  context,
	}
	if data != nil {
		fields["data"] = data
	}
	logger.WithFields(fields).Error(err.Error())
}
