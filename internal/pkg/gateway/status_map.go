package gateway

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ManuelReschke/PayRecon/app/models"
)

// defaultStatusVocabulary maps the vocabulary of the gateways we talk to onto
// ledger statuses. Midtrans uses settlement/capture/deny/expire/cancel.
var defaultStatusVocabulary = map[string]models.PaymentStatus{
	"approved":       models.PaymentStatusCompleted,
	"accredited":     models.PaymentStatusCompleted,
	"completed":      models.PaymentStatusCompleted,
	"succeeded":      models.PaymentStatusCompleted,
	"success":        models.PaymentStatusCompleted,
	"paid":           models.PaymentStatusCompleted,
	"settled":        models.PaymentStatusCompleted,
	"settlement":     models.PaymentStatusCompleted,
	"capture":        models.PaymentStatusCompleted,
	"captured":       models.PaymentStatusCompleted,
	"pending":        models.PaymentStatusPending,
	"in_process":     models.PaymentStatusPending,
	"in_mediation":   models.PaymentStatusPending,
	"authorized":     models.PaymentStatusPending,
	"authorize":      models.PaymentStatusPending,
	"challenge":      models.PaymentStatusPending,
	"failed":         models.PaymentStatusFailed,
	"failure":        models.PaymentStatusFailed,
	"declined":       models.PaymentStatusFailed,
	"rejected":       models.PaymentStatusFailed,
	"deny":           models.PaymentStatusFailed,
	"denied":         models.PaymentStatusFailed,
	"expire":         models.PaymentStatusFailed,
	"expired":        models.PaymentStatusFailed,
	"error":          models.PaymentStatusFailed,
	"cancel":         models.PaymentStatusCancelled,
	"cancelled":      models.PaymentStatusCancelled,
	"canceled":       models.PaymentStatusCancelled,
	"voided":         models.PaymentStatusCancelled,
	"refund":         models.PaymentStatusRefunded,
	"refunded":       models.PaymentStatusRefunded,
	"partial_refund": models.PaymentStatusRefunded,
	"charged_back":   models.PaymentStatusRefunded,
	"chargeback":     models.PaymentStatusRefunded,
}

// StatusMap translates gateway status vocabulary into ledger statuses.
type StatusMap struct {
	entries map[string]models.PaymentStatus
}

// DefaultStatusMap returns the built-in vocabulary table.
func DefaultStatusMap() *StatusMap {
	entries := make(map[string]models.PaymentStatus, len(defaultStatusVocabulary))
	for k, v := range defaultStatusVocabulary {
		entries[k] = v
	}
	return &StatusMap{entries: entries}
}

type statusMapFile struct {
	Statuses map[string]string `yaml:"statuses"`
}

// LoadStatusMap returns the built-in table extended by the overrides in path.
// An empty path yields the built-in table.
func LoadStatusMap(path string) (*StatusMap, error) {
	m := DefaultStatusMap()
	if strings.TrimSpace(path) == "" {
		return m, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read status map %s: %w", path, err)
	}
	if err := m.ApplyYAML(data); err != nil {
		return nil, fmt.Errorf("invalid status map %s: %w", path, err)
	}
	return m, nil
}

// ApplyYAML merges a `statuses:` document into the table.
func (m *StatusMap) ApplyYAML(data []byte) error {
	var file statusMapFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return err
	}
	for raw, target := range file.Statuses {
		status := models.PaymentStatus(strings.ToLower(strings.TrimSpace(target)))
		if !status.Valid() {
			return fmt.Errorf("status %q maps to unknown ledger status %q", raw, target)
		}
		m.entries[normalizeVocabulary(raw)] = status
	}
	return nil
}

// Map resolves a raw gateway status. The second return value is false for
// vocabulary the table does not know.
func (m *StatusMap) Map(raw string) (models.PaymentStatus, bool) {
	status, ok := m.entries[normalizeVocabulary(raw)]
	return status, ok
}

func normalizeVocabulary(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, "-", "_")
	s = strings.ReplaceAll(s, " ", "_")
	return s
}
