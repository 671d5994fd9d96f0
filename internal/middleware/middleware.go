// Package middleware provides Gin middleware functions for the Lens API.
// It includes request ids, request logging, rate limiting, API key
// authentication and panic recovery.
package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/bigdegenenergy/open-cloud-ops/lens/internal/logging"
	"github.com/bigdegenenergy/open-cloud-ops/lens/pkg/cache"
)

const (
	// HeaderRequestID carries the request id in both directions.
	HeaderRequestID = "X-Request-ID"

	// ContextKeyProjectID holds the project resolved from the API key.
	ContextKeyProjectID = "project_id"
	// ContextKeyRequestID holds the request id.
	ContextKeyRequestID = "request_id"

	authCacheTTL    = 5 * time.Minute
	minAPIKeyLength = 16
)

// KeyResolver finds the project that owns an active API key.
type KeyResolver interface {
	ProjectForAPIKey(ctx context.Context, apiKey string) (projectID string, err error)
}

// ProjectID returns the project set by AuthMiddleware, or "".
func ProjectID(c *gin.Context) string {
	return c.GetString(ContextKeyProjectID)
}

// RequestIDMiddleware propagates the caller's X-Request-ID or assigns a new one.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(ContextKeyRequestID, id)
		c.Writer.Header().Set(HeaderRequestID, id)
		c.Next()
	}
}

// LoggingMiddleware returns a Gin middleware handler that logs request and
// response metadata including method, path, status code, latency, and client IP.
func LoggingMiddleware(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		if query != "" {
			path = path + "?" + query
		}

		args := []any{
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
			"bytes", c.Writer.Size(),
			"request_id", c.GetString(ContextKeyRequestID),
		}

		// Determine log level based on status code
		switch status := c.Writer.Status(); {
		case status >= 500:
			logger.Error("request failed", append(args, "errors", c.Errors.ByType(gin.ErrorTypePrivate).String())...)
		case status >= 400:
			logger.Warn("request rejected", args...)
		default:
			logger.Info("request served", args...)
		}
	}
}

// apiKeyFromRequest reads X-API-Key or an Authorization Bearer token.
func apiKeyFromRequest(c *gin.Context) string {
	if key := c.GetHeader("X-API-Key"); key != "" {
		return key
	}
	auth := c.GetHeader("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// RateLimitMiddleware returns a Gin middleware handler that enforces per-API-key
// rate limiting using Redis. It allows maxRequests within the specified window.
// Without a cache it limits in process; non-positive maxRequests disables it.
func RateLimitMiddleware(c *cache.Cache, maxRequests int64, window time.Duration, logger logging.Logger) gin.HandlerFunc {
	var local *LocalLimiter
	if c == nil && maxRequests > 0 {
		local = NewLocalLimiter(maxRequests, window)
	}

	return func(ctx *gin.Context) {
		if maxRequests <= 0 {
			ctx.Next()
			return
		}

		// Fall back to the client address for unauthenticated callers
		id := apiKeyFromRequest(ctx)
		if id == "" {
			id = ctx.ClientIP()
		} else {
			// Never put raw keys into Redis
			id = hashAPIKey(id)[:16]
		}

		var allowed bool
		if local != nil {
			allowed = local.Allow(id)
		} else {
			var err error
			allowed, err = c.RateLimitCheck(ctx.Request.Context(), id, maxRequests, window)
			if err != nil {
				// On Redis error, allow the request but log the issue
				logger.Warn("rate limit check failed", "error", err.Error())
				ctx.Next()
				return
			}
		}

		if !allowed {
			ctx.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many requests. Please slow down.",
			})
			return
		}

		ctx.Next()
	}
}

// hashAPIKey returns the hex-encoded SHA-256 hash of the given API key.
func hashAPIKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   "unauthorized",
		"message": message,
	})
}

// AuthMiddleware validates the caller's API key against the api_keys table and
// stores the owning project in the context. Validated keys are cached in
// Redis under their hash, never the raw key. redisCache may be nil.
func AuthMiddleware(resolver KeyResolver, redisCache *cache.Cache, logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := apiKeyFromRequest(c)
		if apiKey == "" {
			unauthorized(c, "Missing API key. Provide X-API-Key header or Authorization: Bearer <key>.")
			return
		}

		// Keys must be long enough to have a prefix and a secret
		if len(apiKey) < minAPIKeyLength {
			unauthorized(c, "Invalid API key format.")
			return
		}

		keyHash := hashAPIKey(apiKey)
		cacheKey := "auth:" + keyHash[:16]

		if redisCache != nil {
			projectID, err := redisCache.Get(c.Request.Context(), cacheKey)
			if err != nil {
				logger.Warn("auth cache read failed", "error", err.Error())
			}
			if err == nil && projectID != "" {
				c.Set(ContextKeyProjectID, projectID)
				c.Next()
				return
			}
		}

		projectID, err := resolver.ProjectForAPIKey(c.Request.Context(), apiKey)
		if err != nil {
			logger.Debug("api key lookup failed", "error", err.Error())
			unauthorized(c, "Invalid API key.")
			return
		}

		if redisCache != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			if err := redisCache.Set(ctx, cacheKey, projectID, authCacheTTL); err != nil {
				logger.Warn("auth cache write failed", "error", err.Error())
			}
			cancel()
		}

		c.Set(ContextKeyProjectID, projectID)
		c.Next()
	}
}

// AdminKeyMiddleware validates the X-Admin-Key header (or Bearer token)
// against the configured admin key.
func AdminKeyMiddleware(expectedKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("X-Admin-Key")
		if key == "" {
			key = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		}
		if expectedKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(expectedKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized: invalid or missing admin API key"})
			return
		}
		c.Next()
	}
}

// RecoveryMiddleware returns a Gin middleware that recovers from panics
// and returns a 500 error instead of crashing the server.
func RecoveryMiddleware(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("recovered from panic", "panic", err, "path", c.Request.URL.Path)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   "internal_server_error",
					"message": "An unexpected error occurred.",
				})
			}
		}()
		c.Next()
	}
}
