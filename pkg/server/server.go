// Copyright 2026 Annex Project
//
// HTTP surface of the identity & federation core. Every /api/v1 call
// traverses the admission limiter (/health does not); mutating admin calls additionally pass
// the capability gate. Wire payload field names are part of the external
// contract and must not drift.

package server

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/seismicgear/annex/pkg/admission"
	"github.com/seismicgear/annex/pkg/database"
	"github.com/seismicgear/annex/pkg/errkind"
	"github.com/seismicgear/annex/pkg/federation"
	"github.com/seismicgear/annex/pkg/identity"
	"github.com/seismicgear/annex/pkg/policy"
)

// Server wires the HTTP handlers over the core services.
type Server struct {
	serverSlug string
	identity   *identity.Service
	engine     *federation.Engine
	cache      *federation.Cache
	limiter    *admission.Limiter
	gate       *admission.Gate
	repos      *database.Repositories
	policyFn   func() *policy.Policy
	setPolicy  func(*policy.Policy) error
	logger     *log.Logger

	requestsTotal   *prometheus.CounterVec
	admissionDenied *prometheus.CounterVec
}

// Config carries the server's collaborators.
type Config struct {
	ServerSlug string
	Identity   *identity.Service
	Engine     *federation.Engine
	Cache      *federation.Cache
	Limiter    *admission.Limiter
	Gate       *admission.Gate
	Repos      *database.Repositories
	PolicyFn   func() *policy.Policy
	SetPolicy  func(*policy.Policy) error
	Logger     *log.Logger
	Registerer prometheus.Registerer
}

// New creates the HTTP server wiring.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[API] ", log.LstdFlags)
	}
	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Server{
		serverSlug: cfg.ServerSlug,
		identity:   cfg.Identity,
		engine:     cfg.Engine,
		cache:      cfg.Cache,
		limiter:    cfg.Limiter,
		gate:       cfg.Gate,
		repos:      cfg.Repos,
		policyFn:   cfg.PolicyFn,
		setPolicy:  cfg.SetPolicy,
		logger:     logger,
		requestsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "annex_requests_total",
			Help: "API requests by endpoint class and outcome.",
		}, []string{"class", "outcome"}),
		admissionDenied: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "annex_admission_denied_total",
			Help: "Requests rejected by the admission limiter.",
		}, []string{"class"}),
	}
}

// Handler builds the API mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)

	mux.HandleFunc("/api/v1/register", s.admit(admission.ClassRegistration, s.handleRegister))
	mux.HandleFunc("/api/v1/path/", s.admit(admission.ClassDefault, s.handleGetPath))
	mux.HandleFunc("/api/v1/root", s.admit(admission.ClassDefault, s.handleRoot))
	mux.HandleFunc("/api/v1/verify_membership", s.admit(admission.ClassVerification, s.handleVerifyMembership))

	mux.HandleFunc("/api/v1/federation/handshake", s.admit(admission.ClassDefault, s.handleHandshake))
	mux.HandleFunc("/api/v1/federation/attest_identity", s.admit(admission.ClassVerification, s.handleAttestIdentity))

	mux.HandleFunc("/api/v1/instances", s.admit(admission.ClassDefault, s.handleInstances))
	mux.HandleFunc("/api/v1/events", s.admit(admission.ClassDefault, s.handleEvents))
	mux.HandleFunc("/api/v1/policy", s.admit(admission.ClassDefault, s.handlePolicy))
	mux.HandleFunc("/api/v1/identities/", s.admit(admission.ClassDefault, s.handleIdentities))

	return mux
}

// admit runs the rate limiter for an endpoint class before the handler.
func (s *Server) admit(class string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.limiter.Allow(remoteIP(r), class); err != nil {
			s.admissionDenied.WithLabelValues(class).Inc()
			s.writeErr(w, err)
			return
		}
		s.requestsTotal.WithLabelValues(class, "admitted").Inc()
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status": "ok",
		"server": s.serverSlug,
	}
	if err := s.repos.Client().Ping(r.Context()); err != nil {
		status["status"] = "degraded"
		status["database"] = "disconnected"
		s.writeJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	status["database"] = "connected"
	s.writeJSON(w, http.StatusOK, status)
}

// remoteIP extracts the bucket key for admission. X-Forwarded-For wins
// when the shell runs behind the bundled tunnel proxy.
func remoteIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// callerPseudonym identifies the caller for capability-gated operations.
func callerPseudonym(r *http.Request) string {
	return r.Header.Get("X-Annex-Pseudonym")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Printf("Error encoding response: %v", err)
	}
}

func (s *Server) writeErr(w http.ResponseWriter, err error) {
	ke := asKindError(err)
	s.writeJSON(w, statusFor(ke.Kind), errorBody{
		Error:             string(ke.Kind),
		Message:           ke.Message,
		RetryAfterSeconds: ke.RetryAfterSeconds,
	})
}

func (s *Server) methodNotAllowed(w http.ResponseWriter) {
	s.writeJSON(w, http.StatusMethodNotAllowed, errorBody{
		Error:   string(errkind.InvalidInput),
		Message: "method not allowed",
	})
}
