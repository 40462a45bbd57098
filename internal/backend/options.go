// Package backend implements the HTTP+SSE client for a graph worker
// process. Unary calls carry retry, backoff and circuit-breaker
// discipline; streaming queries yield NDJSON chunks; long-running tasks
// are monitored over a server-sent-event channel.
package backend

import (
	"net/http"
	"time"
)

// Options enumerates the recognized client configuration.
type Options struct {
	BaseURL string
	APIKey  string

	Timeout time.Duration

	MaxRetries   int
	RetryDelay   time.Duration
	RetryBackoff float64

	MaxConnections          int
	MaxKeepaliveConnections int
	KeepaliveExpiry         time.Duration

	CircuitBreakerThreshold int
	CircuitBreakerTimeout   time.Duration

	VerifySSL bool
	Headers   map[string]string

	// RetryEnabled and BreakerEnabled mirror the global feature flags;
	// both default on.
	RetryEnabled   bool
	BreakerEnabled bool

	// Transport overrides the HTTP transport, used by the factory to
	// share one connection pool per base URL.
	Transport http.RoundTripper
}

// DefaultOptions returns the documented defaults for a base URL.
func DefaultOptions(baseURL, apiKey string) Options {
	return Options{
		BaseURL:                 baseURL,
		APIKey:                  apiKey,
		Timeout:                 60 * time.Second,
		MaxRetries:              3,
		RetryDelay:              time.Second,
		RetryBackoff:            2,
		MaxConnections:          20,
		MaxKeepaliveConnections: 10,
		KeepaliveExpiry:         30 * time.Second,
		CircuitBreakerThreshold: 5,
		CircuitBreakerTimeout:   60 * time.Second,
		VerifySSL:               true,
		RetryEnabled:            true,
		BreakerEnabled:          true,
	}
}

func (o *Options) applyDefaults() {
	if o.Timeout == 0 {
		o.Timeout = 60 * time.Second
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = time.Second
	}
	if o.RetryBackoff == 0 {
		o.RetryBackoff = 2
	}
	if o.MaxConnections == 0 {
		o.MaxConnections = 20
	}
	if o.MaxKeepaliveConnections == 0 {
		o.MaxKeepaliveConnections = 10
	}
	if o.KeepaliveExpiry == 0 {
		o.KeepaliveExpiry = 30 * time.Second
	}
	if o.CircuitBreakerThreshold == 0 {
		o.CircuitBreakerThreshold = 5
	}
	if o.CircuitBreakerTimeout == 0 {
		o.CircuitBreakerTimeout = 60 * time.Second
	}
}
