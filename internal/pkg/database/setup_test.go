package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PayRecon/internal/pkg/env"
)

func withEnv(t *testing.T, values map[string]string) {
	t.Helper()
	old := env.Env
	t.Cleanup(func() { env.Env = old })
	env.Env = values
}

func TestDriver(t *testing.T) {
	tests := []struct {
		value    string
		expected string
	}{
		{"", DriverMySQL},
		{"MySQL", DriverMySQL},
		{"postgres", DriverPostgres},
		{"postgresql", DriverPostgres},
		{" pgx ", DriverPostgres},
		{"oracle", "oracle"},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			values := map[string]string{}
			if tt.value != "" {
				values["DB_DRIVER"] = tt.value
			}
			withEnv(t, values)
			assert.Equal(t, tt.expected, Driver())
		})
	}
}

func TestDialector(t *testing.T) {
	withEnv(t, map[string]string{"DB_DRIVER": "mysql", "DB_USER": "payrecon", "DB_NAME": "payrecon"})
	d, err := Dialector()
	require.NoError(t, err)
	assert.Equal(t, "mysql", d.Name())

	withEnv(t, map[string]string{"DB_DRIVER": "postgres", "DB_USER": "payrecon", "DB_NAME": "payrecon"})
	d, err = Dialector()
	require.NoError(t, err)
	assert.Equal(t, "postgres", d.Name())

	withEnv(t, map[string]string{"DB_DRIVER": "oracle"})
	_, err = Dialector()
	assert.Error(t, err)
	assert.Error(t, SetupDatabase())
}
