package jobqueue

import (
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

// DefaultReconcileRule runs the full reconciliation every night at 03:00 UTC.
const DefaultReconcileRule = "FREQ=DAILY;BYHOUR=3;BYMINUTE=0;BYSECOND=0"

// Schedule is a recurrence rule for scheduled reconciliation runs.
type Schedule struct {
	rule *rrule.RRule
	text string
}

// ParseSchedule parses an RFC 5545 RRULE. An empty rule selects
// DefaultReconcileRule. Occurrences are computed in UTC from dtstart.
func ParseSchedule(text string, dtstart time.Time) (*Schedule, error) {
	text = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(text), "RRULE:"))
	if text == "" {
		text = DefaultReconcileRule
	}
	rule, err := rrule.StrToRRule(text)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", text, err)
	}
	rule.DTStart(dtstart.UTC().Truncate(time.Second))
	return &Schedule{rule: rule, text: text}, nil
}

// Next returns the first occurrence strictly after t, or the zero time when
// the rule has no more occurrences.
func (s *Schedule) Next(t time.Time) time.Time {
	return s.rule.After(t.UTC(), false)
}

func (s *Schedule) String() string {
	return s.text
}
