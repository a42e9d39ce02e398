// Package middleware provides HTTP middleware components for the notegrade server.
//
// Available middleware:
//   - RateLimiter: per-client token bucket limiting, keyed by API client
//     header or client IP
//
// Usage:
//
//	rl := middleware.NewRateLimiter(ctx, middleware.DefaultRateLimiterConfig())
//	handler = rl.Middleware(handler)
package middleware
