package middleware

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newAdminApp(t *testing.T, hash string) *fiber.App {
	t.Helper()
	app := fiber.New()
	app.Get("/admin", AdminAPIKeyMiddleware(hash), func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"operator": Operator(c)})
	})
	return app
}

func keyHash(t *testing.T, key string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}

func TestAdminAPIKeyMiddleware(t *testing.T) {
	hash := keyHash(t, "s3cret-admin-key")

	tests := []struct {
		name     string
		hash     string
		headers  map[string]string
		status   int
		errCode  string
		operator string
	}{
		{"missing key", hash, nil, fiber.StatusUnauthorized, "unauthorized", ""},
		{"wrong key", hash, map[string]string{"X-API-Key": "guess"}, fiber.StatusUnauthorized, "unauthorized", ""},
		{"x-api-key header", hash, map[string]string{"X-API-Key": "s3cret-admin-key"}, fiber.StatusOK, "", "admin"},
		{"bearer token", hash, map[string]string{"Authorization": "Bearer s3cret-admin-key"}, fiber.StatusOK, "", "admin"},
		{"operator header", hash, map[string]string{"X-API-Key": "s3cret-admin-key", "X-Operator": "dana"}, fiber.StatusOK, "", "dana"},
		{"admin api disabled", "", map[string]string{"X-API-Key": "s3cret-admin-key"}, fiber.StatusServiceUnavailable, "admin_api_disabled", ""},
		{"broken hash", "not-a-bcrypt-hash", map[string]string{"X-API-Key": "s3cret-admin-key"}, fiber.StatusUnauthorized, "unauthorized", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newAdminApp(t, tt.hash)
			req := httptest.NewRequest("GET", "/admin", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}

			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)

			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			var decoded map[string]interface{}
			require.NoError(t, json.Unmarshal(body, &decoded))
			if tt.errCode != "" {
				assert.Equal(t, tt.errCode, decoded["error"])
			} else {
				assert.Equal(t, tt.operator, decoded["operator"])
			}
		})
	}
}

func TestAdminAPIKeyMiddlewareRemembersVerifiedKey(t *testing.T) {
	app := newAdminApp(t, keyHash(t, "s3cret-admin-key"))

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/admin", nil)
		req.Header.Set("X-API-Key", "s3cret-admin-key")
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	}

	req := httptest.NewRequest("GET", "/admin", nil)
	req.Header.Set("X-API-Key", "s3cret-admin-key ")
	resp, err := app.Test(req)
	require.NoError(t, err)
	// Header values are trimmed before comparison.
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}
