package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gatewarden/services/auth"
)

// Routes constructs the chi router containing all public endpoints.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	for _, mw := range a.deps.Middleware {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", a.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		// Gateways authenticate in-band; their sockets sit outside the request
		// timeout and rate limit.
		r.Method(http.MethodGet, "/gateway/connect", a.deps.Registry.Handler())

		r.Group(func(r chi.Router) {
			r.Use(a.deps.Tokens.Middleware, auth.RequireRole(auth.Principal.Operator))
			r.Get("/admin/events", a.handleEventStream)
		})

		r.Group(func(r chi.Router) {
			r.Use(cors.Handler(cors.Options{
				AllowedOrigins:   a.allowedOrigins(),
				AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
				AllowCredentials: true,
				MaxAge:           int((10 * time.Minute).Seconds()),
			}))
			r.Use(httprate.LimitByIP(a.config.RateLimit, time.Minute))
			r.Use(a.deps.Tokens.Middleware)
			r.Use(middleware.Timeout(a.config.RequestTimeout))

			r.With(auth.RequireRole(isTenant)).Post("/route-passes", a.handleIssueRoutePass)

			r.Route("/admin", func(r chi.Router) {
				r.Use(auth.RequireRole(auth.Principal.Operator))

				r.Get("/commands", a.handleListCommands)
				r.Get("/commands/{commandID}", a.handleGetCommand)
				r.Get("/commands/{commandID}/attempts", a.handleCommandAttempts)
				r.With(auth.RequireRole(auth.Principal.Elevated)).Post("/commands/{commandID}/retry", a.handleRetryCommand)
				r.Post("/commands/{commandID}/cancel", a.handleCancelCommand)
				r.Post("/commands/{commandID}/requeue", a.handleRequeueCommand)

				r.Get("/gateways", a.handleListGateways)
				r.Post("/gateways/{facilityID}/probe", a.handleProbeGateway)
				r.Post("/gateways/{facilityID}/proxy", a.handleProxyGateway)

				r.Get("/facilities/{facilityID}/devices", a.handleListDevices)
				r.Get("/facilities/{facilityID}/denylist", a.handleFacilityDenylist)
				r.Get("/denylist", a.handleDenylistHistory)

				r.Put("/units/{unitID}/shares/{userID}", a.handleGrantShare)
				r.Delete("/units/{unitID}/shares/{userID}", a.handleRevokeShare)
				r.Post("/users/{userID}/deactivate", a.handleDeactivateUser)
				r.Post("/users/{userID}/reactivate", a.handleReactivateUser)
				r.Get("/users/{userID}/route-passes", a.handleRoutePassHistory)

				r.Group(func(r chi.Router) {
					r.Use(auth.RequireRole(auth.Principal.Global))
					r.Get("/keys", a.handleListKeys)
					r.Get("/keys/bundle", a.handleDownloadBundle)
					r.Get("/audit", a.handleAuditLog)
				})
				r.Group(func(r chi.Router) {
					r.Use(auth.RequireRole(isAdmin))
					r.Post("/keys/rotate", a.handleRotateKeys)
					r.Post("/keys/{keyID}/retire", a.handleRetireKey)
					r.Post("/keys/bundle/publish", a.handlePublishBundle)
				})
			})
		})
	})

	return r, nil
}

func (a *API) allowedOrigins() []string {
	if len(a.config.AllowedOrigins) == 0 {
		return []string{"*"}
	}
	return a.config.AllowedOrigins
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.deps.Health != nil {
		ctx, cancel := withTimeout(r.Context())
		defer cancel()
		if err := a.deps.Health(ctx); err != nil {
			respondError(w, http.StatusServiceUnavailable, err)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func isTenant(p auth.Principal) bool { return p.Role == auth.RoleTenant }

func isAdmin(p auth.Principal) bool { return p.Role == auth.RoleAdmin }
