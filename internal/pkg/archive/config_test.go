package archive

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PayRecon/internal/pkg/env"
)

func TestLoadConfig(t *testing.T) {
	old := env.Env
	t.Cleanup(func() { env.Env = old })

	tests := []struct {
		name    string
		values  map[string]string
		wantErr string
	}{
		{name: "disabled needs nothing", values: map[string]string{}},
		{
			name:    "enabled without bucket",
			values:  map[string]string{"REPORT_ARCHIVE_ENABLED": "true", "S3_ACCESS_KEY_ID": "a", "S3_SECRET_ACCESS_KEY": "b"},
			wantErr: "S3_BUCKET_NAME",
		},
		{
			name:    "enabled without credentials",
			values:  map[string]string{"REPORT_ARCHIVE_ENABLED": "true", "S3_BUCKET_NAME": "reports"},
			wantErr: "S3_ACCESS_KEY_ID",
		},
		{
			name: "enabled and complete",
			values: map[string]string{
				"REPORT_ARCHIVE_ENABLED": "true",
				"S3_ACCESS_KEY_ID":       "a",
				"S3_SECRET_ACCESS_KEY":   "b",
				"S3_BUCKET_NAME":         "reports",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env.Env = tt.values
			cfg, err := LoadConfig()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, cfg)
		})
	}
}

func TestObjectKey(t *testing.T) {
	at := time.Date(2026, 3, 7, 23, 30, 0, 0, time.FixedZone("X", -2*60*60))
	cfg := &Config{Prefix: "reconciliation"}
	assert.Equal(t, "reconciliation/2026/03/08/run-1.txt", cfg.ObjectKey("run-1", ".txt", at))

	cfg.Prefix = ""
	assert.Equal(t, "2026/03/08/run-1.json", cfg.ObjectKey("run-1", ".json", at))
}
