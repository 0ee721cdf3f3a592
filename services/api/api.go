// Package api serves the operator, tenant and gateway HTTP surfaces, plus the
// internal router that gateways reach through the proxy tunnel.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"gatewarden/services/access"
	"gatewarden/services/audit"
	"gatewarden/services/auth"
	"gatewarden/services/commands"
	"gatewarden/services/denylist"
	"gatewarden/services/events"
	"gatewarden/services/gateway"
	"gatewarden/services/keys"
	"gatewarden/services/proxy"
	"gatewarden/services/routepass"
)

const (
	defaultRateLimit  = 100
	defaultReqTimeout = 60 * time.Second
	eventBuffer       = 64
)

// AuditLog reads the audit trail.
type AuditLog interface {
	List(ctx context.Context, obj string, limit, offset int) ([]audit.Entry, error)
}

// Config controls runtime behaviour for the API handlers.
type Config struct {
	AllowedOrigins []string
	// RateLimit is requests per minute per client IP on the operator and tenant APIs.
	RateLimit      int
	RequestTimeout time.Duration
	BundleBucket   string
}

// Deps are the components the handlers drive.
type Deps struct {
	Tokens     *auth.Tokens
	Registry   *gateway.Registry
	Queue      *commands.Queue
	Dispatcher *commands.Dispatcher
	Bridge     *proxy.Bridge
	Denylist   *denylist.Service
	RoutePass  *routepass.Service
	Keys       *keys.Manager
	Access     *access.Service
	Hub        *events.Hub
	Audit      AuditLog
	Bundles    keys.ObjectStore
	// Health reports whether backing stores are reachable; nil means always ready.
	Health func(ctx context.Context) error
	// Middleware wraps every route, typically request logging and tracing.
	Middleware []func(next http.Handler) http.Handler
	Log        zerolog.Logger
}

// API wires dependencies and configuration for HTTP handlers.
type API struct {
	deps   Deps
	config Config
	log    zerolog.Logger
}

// New validates deps and applies defaults to cfg.
func New(deps Deps, cfg Config) (*API, error) {
	switch {
	case deps.Tokens == nil:
		return nil, errors.New("tokens are required")
	case deps.Registry == nil:
		return nil, errors.New("gateway registry is required")
	case deps.Queue == nil || deps.Dispatcher == nil:
		return nil, errors.New("command queue and dispatcher are required")
	case deps.Bridge == nil:
		return nil, errors.New("proxy bridge is required")
	case deps.Denylist == nil:
		return nil, errors.New("denylist service is required")
	case deps.RoutePass == nil:
		return nil, errors.New("route pass service is required")
	case deps.Keys == nil:
		return nil, errors.New("key manager is required")
	case deps.Access == nil:
		return nil, errors.New("access service is required")
	case deps.Hub == nil:
		return nil, errors.New("event hub is required")
	}

	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultReqTimeout
	}

	return &API{
		deps:   deps,
		config: cfg,
		log:    deps.Log.With().Str("component", "api").Logger(),
	}, nil
}
