// Copyright 2025 Lumenworks
package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/lumenworks/card-forge/internal/artifact"
	"github.com/lumenworks/card-forge/internal/auth"
	"github.com/lumenworks/card-forge/internal/capacity"
	"github.com/lumenworks/card-forge/internal/config"
	"github.com/lumenworks/card-forge/internal/jobs"
	"github.com/lumenworks/card-forge/internal/ledger"
	"github.com/lumenworks/card-forge/internal/model"
	"github.com/lumenworks/card-forge/internal/queue"
	"go.uber.org/zap"
)

// Server is the intake API: it authenticates kiosk requests, enforces
// quotas, enqueues generation jobs and answers status polls.
type Server struct {
	cfg    *config.Config
	log    *zap.Logger
	auth   *auth.Authenticator
	ledger *ledger.Ledger
	jobs   *jobs.Store
	q      *queue.Queue
	caps   *capacity.Controller
	video  model.VideoClient
	store  artifact.Store
	audit  *AuditLogger
	server *http.Server
}

func NewServer(cfg *config.Config, log *zap.Logger, authr *auth.Authenticator, led *ledger.Ledger, js *jobs.Store, q *queue.Queue, caps *capacity.Controller, video model.VideoClient, store artifact.Store) *Server {
	s := &Server{
		cfg:    cfg,
		log:    log,
		auth:   authr,
		ledger: led,
		jobs:   js,
		q:      q,
		caps:   caps,
		video:  video,
		store:  store,
	}
	if cfg.Audit.Enabled {
		s.audit = NewAuditLogger(cfg.Audit)
	}
	return s
}

// Routes builds the handler with the full middleware chain.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/api/transform-card", s.requireAuth(s.handleTransformCard)).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/api/store-card", s.requireAuth(s.handleStoreCard)).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/api/print-card", s.requireAuth(s.handlePrintCard)).Methods(http.MethodPost, http.MethodOptions)

	var handler http.Handler = r
	if s.cfg.HTTP.RatePerMinute > 0 {
		handler = RateLimitMiddleware(s.cfg.HTTP.RatePerMinute, s.cfg.HTTP.RateBurst, s.log)(handler)
	}
	if s.cfg.HTTP.CORSEnabled {
		handler = CORSMiddleware(s.cfg.HTTP.CORSAllowOrigins)(handler)
	}
	handler = RequestIDMiddleware()(handler)
	handler = RecoveryMiddleware(s.log)(handler)
	return handler
}

// requireAuth wraps a handler with bearer-token validation and passes the
// claims through.
func (s *Server) requireAuth(next func(http.ResponseWriter, *http.Request, *auth.Claims)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := auth.FromRequest(r)
		if token == "" {
			respondError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}
		claims, err := s.auth.Validate(token)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		next(w, r, claims)
	}
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.HTTP.ListenAddr,
		Handler:      s.Routes(),
		ReadTimeout:  s.cfg.HTTP.ReadTimeout,
		WriteTimeout: s.cfg.HTTP.WriteTimeout,
	}
	s.log.Info("starting intake API",
		zap.String("addr", s.cfg.HTTP.ListenAddr),
		zap.Bool("cors", s.cfg.HTTP.CORSEnabled))
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.audit != nil {
		_ = s.audit.Close()
	}
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
