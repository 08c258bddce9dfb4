// Package middleware holds the global fiber middleware of the HTTP surface.
package middleware

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/healthcheck"
	"github.com/gofiber/fiber/v2/middleware/keyauth"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	memoryStorage "github.com/gofiber/storage/memory/v2"
	redisStorage "github.com/gofiber/storage/redis/v2"
	"github.com/rs/xid"

	"texbot/internal/config"
	"texbot/internal/infra/logging"
	"texbot/internal/infra/tokens"
)

// HealthPath answers liveness probes.
const HealthPath = "/ops/health"

// TokenStore validates API keys.
type TokenStore interface {
	TokenRater
	Ready() bool
	Validate(token string) bool
}

// Options are the collaborators of Register. A nil Tokens disables API key
// authentication; a nil Storage selects NewRateLimitStorage.
type Options struct {
	Tokens  TokenStore
	Storage fiber.Storage
}

// NewRateLimitStorage returns redis-backed limiter storage when a redis host
// is configured, memory otherwise.
func NewRateLimitStorage(cfg config.Config) (store fiber.Storage) {
	store = memoryStorage.New()
	if cfg.Cache.RedisHost == "" {
		return store
	}
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Redis limiter store init panicked, falling back to memory", "panic", r)
		}
	}()
	store = redisStorage.New(redisStorage.Config{
		Addrs:    []string{cfg.Cache.RedisHost},
		Database: cfg.Cache.RateLimitDB,
	})
	logging.Info("Using Redis for rate limiting", "addr", cfg.Cache.RedisHost, "db", cfg.Cache.RateLimitDB)
	return store
}

// Register attaches the global middleware to app.
func Register(app *fiber.App, cfg config.Config, opts Options) {
	store := opts.Storage
	if store == nil {
		store = NewRateLimitStorage(cfg)
	}

	app.Use(cors.New())

	app.Use(requestid.New(requestid.Config{
		Generator: func() string { return xid.New().String() },
	}))

	app.Use(healthcheck.New(healthcheck.Config{
		LivenessEndpoint: HealthPath,
	}))

	rlCfg := RateLimitConfig{
		RateInterval:      cfg.RateLimiter.Interval,
		EnableUserLimiter: cfg.RateLimiter.EnableUserLimiter || cfg.RateLimiter.UserLimit > 0,
		UserLimit:         cfg.RateLimiter.UserLimit,
	}

	if opts.Tokens != nil {
		app.Use(keyAuth(opts.Tokens))
		rlCfg.EnableTokenRateLimiter = true
		app.Use(TokenRateLimit(rlCfg, opts.Tokens, store, NewLimiterCache()))
	}
	app.Use(UserRateLimit(rlCfg, store))

	app.Use(func(c *fiber.Ctx) error {
		logging.Info("Incoming request",
			"method", c.Method(),
			"path", c.Path(),
			"request_id", c.GetRespHeader(fiber.HeaderXRequestID),
		)
		return c.Next()
	})
}

func keyAuth(store TokenStore) fiber.Handler {
	return keyauth.New(keyauth.Config{
		KeyLookup:  "header:X-API-Key",
		ContextKey: APIKeyLocal,
		Validator: func(c *fiber.Ctx, key string) (bool, error) {
			if !store.Ready() {
				return false, tokens.ErrStoreNotReady
			}
			if !store.Validate(key) {
				return false, tokens.ErrInvalidAPIKey
			}
			return true, nil
		},
		Next: func(c *fiber.Ctx) bool {
			return c.Method() == fiber.MethodOptions || c.Get("X-API-Key") == ""
		},
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			status := fiber.StatusUnauthorized
			if err == nil {
				err = fiber.ErrUnauthorized
			}
			if errors.Is(err, tokens.ErrStoreNotReady) {
				status = fiber.StatusServiceUnavailable
			}
			return c.Status(status).JSON(fiber.Map{
				"error": fiber.Map{
					"code":    status,
					"message": err.Error(),
				},
			})
		},
	})
}
