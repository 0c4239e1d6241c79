package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"leasehold.org/internal/approval"
	"leasehold.org/internal/obs"
	"leasehold.org/internal/rbac"
)

// Pinger is checked by /readyz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config wires the HTTP layer to the authorization services.
type Config struct {
	Authorizer *rbac.Authorizer
	Gate       *approval.Gate
	Admin      *rbac.Admin
	Tokens     *Tokens
	Ready      Pinger
	Version    string
	// RateLimit is disabled when nil.
	RateLimit *RateLimiter
}

// API is the HTTP surface of the authorization service.
type API struct {
	authz   *rbac.Authorizer
	gate    *approval.Gate
	admin   *rbac.Admin
	tokens  *Tokens
	ready   Pinger
	version string
	limiter *RateLimiter
	router  chi.Router
}

func New(cfg Config) (*API, error) {
	if cfg.Authorizer == nil {
		return nil, errors.New("authorizer is required")
	}
	a := &API{
		authz:   cfg.Authorizer,
		gate:    cfg.Gate,
		admin:   cfg.Admin,
		tokens:  cfg.Tokens,
		ready:   cfg.Ready,
		version: cfg.Version,
		limiter: cfg.RateLimit,
	}
	a.router = a.routes()
	return a, nil
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID, SecurityHeaders, Logging, obs.Instrument)
	if a.limiter != nil {
		r.Use(a.limiter.Middleware)
	}
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Method(http.MethodGet, "/metrics", obs.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(a.withActor)
		r.Post("/authorize", a.handleAuthorize)
		r.Get("/scopes", a.handleScopes)
		r.Get("/scopes/filter", a.handleScopeFilter)

		r.Route("/approvals", func(r chi.Router) {
			r.Post("/", a.handleRequireApproval)
			r.Get("/", a.handleListApprovals)
			r.Get("/{id}", a.handleGetApproval)
			r.Post("/{id}/decision", a.handleDecideApproval)
		})

		r.Route("/actors/{actorID}", func(r chi.Router) {
			r.Get("/roles", a.handleListRoles)
			r.Post("/roles", a.handleAssignRole)
			r.Delete("/roles/{bindingID}", a.handleDeactivateRole)
			r.Get("/overrides", a.handleListOverrides)
			r.Post("/overrides", a.handleCreateOverride)
			r.Delete("/overrides/{overrideID}", a.handleRevokeOverride)
		})
	})
	return r
}

// Handler returns the fully wrapped router.
func (a *API) Handler() http.Handler { return a.router }

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "leasehold-authz",
		"version": a.version,
	})
}

// Ready checks the database and that a hierarchy snapshot can be loaded.
func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if a.ready != nil {
		if err := a.ready.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "error": "database unavailable"})
			return
		}
	}
	if _, err := a.authz.Hierarchy(ctx); err != nil {
		obs.Ctx(ctx).Warn().Err(err).Msg("readiness: hierarchy unavailable")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "error": "hierarchy unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// handleError maps service errors onto status codes. Denials are always
// reported as a generic 403 so clients learn nothing about the reason. Unknown
// resource types and corrupted scope data are configuration faults and fall
// through to 500.
func handleError(w http.ResponseWriter, r *http.Request, err error) {
	var conflict *approval.ConflictError
	switch {
	case errors.Is(err, rbac.ErrForbidden), errors.Is(err, rbac.ErrOutOfScope):
		writeError(w, r, http.StatusForbidden, "access denied")
	case errors.As(err, &conflict):
		payload := map[string]any{"error": "a pending approval already exists", "existing_id": conflict.ExistingID}
		if rid := obs.RequestIDFromContext(r.Context()); rid != "" {
			payload["request_id"] = rid
		}
		writeJSON(w, http.StatusConflict, payload)
	case errors.Is(err, approval.ErrInvalidTransition), errors.Is(err, rbac.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, rbac.ErrInvalidInput), errors.Is(err, approval.ErrInvalidInput),
		errors.Is(err, rbac.ErrUnknownPermission), errors.Is(err, rbac.ErrUnknownRole),
		errors.Is(err, approval.ErrUnknownWorkflow):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, rbac.ErrNotFound), errors.Is(err, approval.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
	default:
		obs.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{"error": msg}
	if rid := obs.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
