package idempotency

import (
	"net/http"
)

// Config holds middleware configuration
type Config struct {
	HeaderName   string
	ReplayHeader string
	MaxBodyBytes int64
	PayloadFunc  PayloadFunc
	Logger       Logger
}

// PayloadFunc extracts the payload to fingerprint from a request.
// Implementations that consume the body must restore it for the next handler.
type PayloadFunc func(r *http.Request, maxBodyBytes int64) (any, error)

// Option is a functional option for configuring the middleware
type Option func(*Config)

// WithHeaderName sets the HTTP header name for idempotency keys
func WithHeaderName(name string) Option {
	return func(c *Config) {
		c.HeaderName = name
	}
}

// WithReplayHeader sets the header marking replayed responses
func WithReplayHeader(name string) Option {
	return func(c *Config) {
		c.ReplayHeader = name
	}
}

// WithMaxBodyBytes limits how much of the request body is read for fingerprinting
func WithMaxBodyBytes(n int64) Option {
	return func(c *Config) {
		if n > 0 {
			c.MaxBodyBytes = n
		}
	}
}

// WithPayloadFunc sets a custom payload extraction function
func WithPayloadFunc(fn PayloadFunc) Option {
	return func(c *Config) {
		c.PayloadFunc = fn
	}
}

// WithLogger sets the logger used by the middleware
func WithLogger(log Logger) Option {
	return func(c *Config) {
		if log != nil {
			c.Logger = log
		}
	}
}
