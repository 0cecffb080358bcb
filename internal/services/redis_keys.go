package services

import "time"

const (
	KeyRateLimit = "ratelimit:%s:%s"

	DefaultRateLimitBets    = 30 // per minute
	DefaultRateLimitCashout = 60
	DefaultRateLimitReveal  = 120

	RateLimitWindow = time.Minute
)
