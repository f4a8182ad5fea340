package archive

import (
	"errors"
	"fmt"
	"time"

	"github.com/ManuelReschke/PayRecon/internal/pkg/env"
)

// Config holds the report archive bucket configuration.
type Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	BucketName      string
	EndpointURL     string // Optional for S3-compatible services
	Prefix          string
	Enabled         bool
}

// LoadConfig loads the archive configuration from environment variables
func LoadConfig() (*Config, error) {
	config := &Config{
		AccessKeyID:     env.GetEnv("S3_ACCESS_KEY_ID", ""),
		SecretAccessKey: env.GetEnv("S3_SECRET_ACCESS_KEY", ""),
		Region:          env.GetEnv("S3_REGION", "us-east-1"),
		BucketName:      env.GetEnv("S3_BUCKET_NAME", ""),
		EndpointURL:     env.GetEnv("S3_ENDPOINT_URL", ""),
		Prefix:          env.GetEnv("S3_PREFIX", "reconciliation"),
		Enabled:         env.GetBool("REPORT_ARCHIVE_ENABLED", false),
	}

	// Validate required fields if the archive is enabled
	if config.Enabled {
		if config.AccessKeyID == "" {
			return nil, errors.New("S3_ACCESS_KEY_ID is required when the report archive is enabled")
		}
		if config.SecretAccessKey == "" {
			return nil, errors.New("S3_SECRET_ACCESS_KEY is required when the report archive is enabled")
		}
		if config.BucketName == "" {
			return nil, errors.New("S3_BUCKET_NAME is required when the report archive is enabled")
		}
	}

	return config, nil
}

// IsEnabled returns true if the archive is enabled
func (c *Config) IsEnabled() bool {
	return c.Enabled
}

// ObjectKey builds the key for an archived run artifact.
// Format: <prefix>/YYYY/MM/DD/<runID><ext>
func (c *Config) ObjectKey(runID, ext string, at time.Time) string {
	at = at.UTC()
	key := fmt.Sprintf("%04d/%02d/%02d/%s%s", at.Year(), int(at.Month()), at.Day(), runID, ext)
	if c.Prefix == "" {
		return key
	}
	return c.Prefix + "/" + key
}
