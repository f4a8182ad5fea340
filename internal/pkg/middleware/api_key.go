package middleware

import (
	"crypto/sha256"
	"strings"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"golang.org/x/crypto/bcrypt"
)

// LocalOperator holds the operator name of an authenticated admin request.
const LocalOperator = "ADMIN_OPERATOR"

// AdminAPIKeyMiddleware authenticates admin requests against the bcrypt hash
// of the admin key. An empty hash disables the admin API.
func AdminAPIKeyMiddleware(keyHash string) fiber.Handler {
	keyHash = strings.TrimSpace(keyHash)
	verified := &keyCache{}

	return func(c *fiber.Ctx) error {
		if keyHash == "" {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "admin_api_disabled", "message": "ADMIN_API_KEY_HASH is not configured"})
		}

		apiKey := extractAPIKeyFromHeader(c)
		if apiKey == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing API key"})
		}

		if !verified.contains(apiKey) {
			if err := bcrypt.CompareHashAndPassword([]byte(keyHash), []byte(apiKey)); err != nil {
				if err != bcrypt.ErrMismatchedHashAndPassword {
					log.Errorf("[AdminAuth] Admin key hash is unusable: %v", err)
				}
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid API key"})
			}
			verified.add(apiKey)
		}

		operator := strings.TrimSpace(c.Get("X-Operator"))
		if operator == "" {
			operator = "admin"
		}
		c.Locals(LocalOperator, operator)

		return c.Next()
	}
}

// Operator returns the operator name set by AdminAPIKeyMiddleware.
func Operator(c *fiber.Ctx) string {
	if v, ok := c.Locals(LocalOperator).(string); ok && v != "" {
		return v
	}
	return "admin"
}

// keyCache remembers digests of keys that already passed bcrypt, so only the
// first request with a key pays for the comparison.
type keyCache struct {
	mu   sync.RWMutex
	keys map[[sha256.Size]byte]struct{}
}

func (k *keyCache) contains(key string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.keys[sha256.Sum256([]byte(key))]
	return ok
}

func (k *keyCache) add(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.keys == nil {
		k.keys = make(map[[sha256.Size]byte]struct{})
	}
	k.keys[sha256.Sum256([]byte(key))] = struct{}{}
}

func extractAPIKeyFromHeader(c *fiber.Ctx) string {
	apiKey := strings.TrimSpace(c.Get("X-API-Key"))
	if apiKey != "" {
		return apiKey
	}
	auth := strings.TrimSpace(c.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
