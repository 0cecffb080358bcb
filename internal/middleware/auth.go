package middleware

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"fairplay-backend/internal/services"
)

const (
	KeyUserID    = "user_id"
	KeySessionID = "session_id"

	HeaderProviderKey = "X-Provider-Key"
)

type TokenValidator interface {
	ValidateToken(token string) (*services.Claims, error)
}

type RateLimiter interface {
	CheckRateLimit(ctx context.Context, userID, action string, limit int, window time.Duration) (bool, error)
}

func AuthMiddleware(jwtService TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		var tokenString string

		if authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "UNAUTHORIZED", "details": "invalid authorization format"})
				return
			}
			tokenString = parts[1]
		} else {
			tokenString = c.Query("token")
			if tokenString == "" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "UNAUTHORIZED", "details": "authorization header required"})
				return
			}
		}

		claims, err := jwtService.ValidateToken(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "UNAUTHORIZED", "details": "invalid or expired token"})
			return
		}

		c.Set(KeyUserID, claims.UserID)
		c.Set(KeySessionID, claims.SessionID)

		c.Next()
	}
}

// ProviderKeyMiddleware guards the settlement bridge with a shared key. An
// empty key disables the bridge.
func ProviderKeyMiddleware(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(HeaderProviderKey)
		if key == "" || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "UNAUTHORIZED", "details": "invalid provider key"})
			return
		}
		c.Next()
	}
}

type RateLimits struct {
	Bets    int
	Cashout int
	Reveal  int
}

func DefaultRateLimits() RateLimits {
	return RateLimits{
		Bets:    services.DefaultRateLimitBets,
		Cashout: services.DefaultRateLimitCashout,
		Reveal:  services.DefaultRateLimitReveal,
	}
}

// RateLimitMiddleware caps wagering requests per user and minute. A failing
// limiter lets requests through.
func RateLimitMiddleware(limiter RateLimiter, limits RateLimits, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		userID := c.GetString(KeyUserID)
		if userID == "" {
			c.Next()
			return
		}

		path := c.FullPath()
		var (
			action string
			limit  int
		)
		switch {
		case path == "/api/rounds" || path == "/api/play" || path == "/api/crash/bet":
			action, limit = "bet", limits.Bets
		case strings.HasSuffix(path, "/settle") || path == "/api/crash/cashout":
			action, limit = "cashout", limits.Cashout
		case strings.HasSuffix(path, "/advance"):
			action, limit = "reveal", limits.Reveal
		default:
			c.Next()
			return
		}
		if limit <= 0 {
			c.Next()
			return
		}

		allowed, err := limiter.CheckRateLimit(c.Request.Context(), userID, action, limit, services.RateLimitWindow)
		if err != nil {
			logger.Warn("rate limiter unavailable", "user", userID, "action", action, "error", err)
			c.Next()
			return
		}
		if !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "RATE_LIMITED",
				"details":     "rate limit exceeded",
				"retry_after": services.RateLimitWindow.Seconds(),
			})
			return
		}

		c.Next()
	}
}
