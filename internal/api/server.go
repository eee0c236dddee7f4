// Copyright 2025 James Ross

// Package api serves the admission surface: job submission, the admin usage
// snapshot, and the usage-event feedback endpoint.
package api

import (
	"context"
	"net/http"

	"github.com/flyingrobots/go-reasoning-orchestrator/internal/accounting"
	"github.com/flyingrobots/go-reasoning-orchestrator/internal/admission"
	"github.com/flyingrobots/go-reasoning-orchestrator/internal/config"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type Server struct {
	cfg    config.API
	server *http.Server
	audit  *AuditLogger
	logger *zap.Logger
}

func NewServer(cfg config.API, usageCfg config.UsageEvents, queue *admission.Queue, acct *accounting.Accounting, logger *zap.Logger) *Server {
	var audit *AuditLogger
	if cfg.AuditEnabled {
		audit = NewAuditLogger(cfg.AuditLogPath, cfg.AuditRotateSize, cfg.AuditMaxBackups)
	}

	h := NewHandler(queue, acct, usageCfg.Secret, cfg.AdminRole, cfg.AuthSecret, audit, logger)

	r := mux.NewRouter()
	r.Use(LoggingMiddleware(logger))

	auth := AuthMiddleware(cfg.AuthSecret, logger)
	limit := RateLimitMiddleware(cfg.RateLimitPerSec, cfg.RateLimitBurst)
	r.Handle("/reasoning/jobs", auth(limit(http.HandlerFunc(h.SubmitJob)))).Methods(http.MethodPost)
	r.Handle("/admin/usage", auth(http.HandlerFunc(h.GetUsage))).Methods(http.MethodGet)
	// The usage-event channel authenticates with its own shared secret, not
	// caller tokens: the worker may live outside the identity perimeter.
	r.HandleFunc("/admin/usage/events", h.PostUsageEvent).Methods(http.MethodPost)

	return &Server{
		cfg: cfg,
		server: &http.Server{
			Addr:         cfg.ListenAddr,
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		audit:  audit,
		logger: logger,
	}
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

func (s *Server) Start() error {
	s.logger.Info("starting admission API",
		zap.String("addr", s.cfg.ListenAddr),
		zap.Bool("auth_enabled", s.cfg.AuthSecret != ""))
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.audit != nil {
		_ = s.audit.Close()
	}
	return s.server.Shutdown(ctx)
}
