package jobqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSchedule(t *testing.T) {
	start := time.Date(2026, 3, 10, 12, 30, 15, 0, time.UTC)

	tests := []struct {
		name     string
		rule     string
		after    time.Time
		expected time.Time
	}{
		{
			name:     "default nightly run",
			rule:     "",
			after:    start,
			expected: time.Date(2026, 3, 11, 3, 0, 0, 0, time.UTC),
		},
		{
			name:     "rrule prefix is accepted",
			rule:     "RRULE:FREQ=HOURLY;BYMINUTE=15;BYSECOND=0",
			after:    start,
			expected: time.Date(2026, 3, 10, 13, 15, 0, 0, time.UTC),
		},
		{
			name:     "weekly on monday",
			rule:     "FREQ=WEEKLY;BYDAY=MO;BYHOUR=6;BYMINUTE=0;BYSECOND=0",
			after:    start,
			expected: time.Date(2026, 3, 16, 6, 0, 0, 0, time.UTC),
		},
		{
			name:     "occurrence equal to the reference time is skipped",
			rule:     "",
			after:    time.Date(2026, 3, 11, 3, 0, 0, 0, time.UTC),
			expected: time.Date(2026, 3, 12, 3, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := ParseSchedule(tt.rule, start)
			require.NoError(t, err)
			got := s.Next(tt.after)
			assert.True(t, tt.expected.Equal(got), "expected %s, got %s", tt.expected, got)
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	_, err := ParseSchedule("FREQ=SOMETIMES", time.Now())
	assert.Error(t, err)
}

func TestScheduleExhausted(t *testing.T) {
	start := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	s, err := ParseSchedule("FREQ=DAILY;COUNT=1;BYHOUR=3;BYMINUTE=0;BYSECOND=0", start)
	require.NoError(t, err)

	first := s.Next(start)
	assert.True(t, time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC).Equal(first), "got %s", first)
	assert.True(t, s.Next(first).IsZero())
}
