package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/ndagate/pkg/identity"
	"github.com/Mindburn-Labs/ndagate/pkg/nda"
)

// Options configure the middleware stack around the routes.
type Options struct {
	// RateLimiter throttles clients by IP; nil disables it.
	RateLimiter *IPRateLimiter
	// Idempotency enables Idempotency-Key replay; nil disables it.
	Idempotency *IdempotencyStore
	Logger      *slog.Logger
}

// Server exposes the NDA service over HTTP.
type Server struct {
	svc       *nda.Service
	validator *Validator
	logger    *slog.Logger
}

// NewServer creates a Server for svc.
func NewServer(svc *nda.Service) (*Server, error) {
	if svc == nil {
		return nil, errors.New("api: service is required")
	}
	v, err := NewValidator()
	if err != nil {
		return nil, err
	}
	return &Server{svc: svc, validator: v, logger: slog.Default().With("component", "api")}, nil
}

// Handler returns the routes wrapped in the standard middleware stack:
// request id, access log, rate limit, authentication, idempotency and the
// per-request check cache.
func (s *Server) Handler(auth identity.Authenticator, opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = s.logger
	}
	mw := []Middleware{RequestID, AccessLog(logger)}
	if opts.RateLimiter != nil {
		mw = append(mw, opts.RateLimiter.Middleware)
	}
	mw = append(mw, Authenticate(auth))
	if opts.Idempotency != nil {
		mw = append(mw, Idempotency(opts.Idempotency))
	}
	mw = append(mw, CheckCache)
	return Chain(s.Routes(), mw...)
}

// Routes registers every endpoint.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("PUT /v1/assets/{id}", s.handleRegisterAsset)

	mux.HandleFunc("POST /v1/requests", s.handleSubmit)
	mux.HandleFunc("GET /v1/requests", s.handleListRequests)
	mux.HandleFunc("GET /v1/requests/{id}", s.handleGetRequest)
	mux.HandleFunc("POST /v1/requests/{id}/respond", s.handleRespond)
	mux.HandleFunc("POST /v1/requests/{id}/withdraw", s.handleWithdraw)
	mux.HandleFunc("POST /v1/requests/{id}/draft", s.handleDraft)

	mux.HandleFunc("GET /v1/agreements", s.handleListAgreements)
	mux.HandleFunc("GET /v1/agreements/{id}", s.handleGetAgreement)
	mux.HandleFunc("GET /v1/agreements/{id}/document", s.handleDocument)
	mux.HandleFunc("POST /v1/agreements/{id}/sign", s.handleSign)
	mux.HandleFunc("POST /v1/agreements/{id}/decline", s.handleDecline)
	mux.HandleFunc("POST /v1/agreements/{id}/revoke", s.handleRevoke)

	mux.HandleFunc("GET /v1/access", s.handleCheck)
	mux.HandleFunc("POST /v1/access/sections", s.handleSections)
	mux.HandleFunc("GET /v1/grants", s.handleListGrants)

	mux.HandleFunc("GET /v1/audit/{type}/{id}", s.handleHistory)
	mux.HandleFunc("GET /v1/audit/{type}/{id}/export", s.handleExport)

	mux.HandleFunc("POST /v1/templates", s.handleCreateTemplate)
	mux.HandleFunc("GET /v1/templates", s.handleListTemplates)
	mux.HandleFunc("POST /v1/templates/{id}/revisions", s.handleReviseTemplate)
	mux.HandleFunc("POST /v1/templates/{id}/default", s.handleSetDefaultTemplate)
	mux.HandleFunc("POST /v1/templates/{id}/deactivate", s.handleDeactivateTemplate)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.svc.Store().Ping(ctx); err != nil {
		s.logger.WarnContext(ctx, "health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// principal returns the authenticated caller. Authenticate guarantees one on
// every non-public route.
func principal(r *http.Request) string {
	id, _ := identity.PrincipalFrom(r.Context())
	return id
}

// decode validates and unmarshals the body, writing a 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, schema string, dst any) bool {
	err := s.validator.Decode(w, r, schema, dst)
	if err == nil {
		return true
	}
	var be *errBody
	if errors.As(err, &be) {
		WriteBadRequest(w, r, be.msg)
	} else {
		WriteInternal(w, r, err)
	}
	return false
}
