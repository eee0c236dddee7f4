// Copyright 2025 James Ross
package api

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/flyingrobots/go-reasoning-orchestrator/internal/accounting"
	"github.com/flyingrobots/go-reasoning-orchestrator/internal/admission"
	"github.com/flyingrobots/go-reasoning-orchestrator/internal/job"
	"github.com/flyingrobots/go-reasoning-orchestrator/internal/usage"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Handler struct {
	queue       *admission.Queue
	acct        *accounting.Accounting
	usageSecret string
	adminRole   string
	authSecret  string
	audit       *AuditLogger
	logger      *zap.Logger
}

func NewHandler(queue *admission.Queue, acct *accounting.Accounting, usageSecret, adminRole, authSecret string, audit *AuditLogger, logger *zap.Logger) *Handler {
	return &Handler{
		queue:       queue,
		acct:        acct,
		usageSecret: usageSecret,
		adminRole:   adminRole,
		authSecret:  authSecret,
		audit:       audit,
		logger:      logger,
	}
}

// SubmitJob handles POST /reasoning/jobs.
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	tenantID := h.resolveTenant(r)
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant id missing: provide X-Tenant-Id header or token claim")
		return
	}

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	jobID := req.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}
	j := job.ReasoningJob{
		JobID:    jobID,
		TenantID: tenantID,
		Claim:    req.Claim,
		Context:  req.Context,
		Criteria: req.Criteria,
	}

	info, err := h.queue.Enqueue(j)
	if err != nil {
		h.writeEnqueueError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, SubmitResponse{
		JobID:      jobID,
		Status:     "queued",
		QueueDepth: info.QueueDepth,
		Position:   info.Position,
		Quota:      info.Quota,
		Usage:      info.Usage,
	})
}

func (h *Handler) writeEnqueueError(w http.ResponseWriter, err error) {
	var invalid admission.InvalidJobError
	var quota admission.TenantQuotaExceededError
	var depth admission.QueueDepthExceededError
	switch {
	case errors.As(err, &invalid):
		writeError(w, http.StatusBadRequest, invalid.Error())
	case errors.As(err, &quota):
		u := quota.Usage
		writeStructuredError(w, http.StatusTooManyRequests, QuotaErrorDetail{
			Code:     "TenantQuotaExceeded",
			TenantID: quota.TenantID,
			Quota:    quota.Quota,
			Usage:    &u,
		})
	case errors.As(err, &depth):
		writeStructuredError(w, http.StatusTooManyRequests, QuotaErrorDetail{
			Code:       "QueueDepthExceeded",
			QueueDepth: depth.Depth,
			Limit:      depth.Limit,
		})
	case errors.Is(err, admission.ErrBusUnavailable):
		writeError(w, http.StatusServiceUnavailable, "message bus not configured")
	default:
		h.logger.Error("enqueue failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// GetUsage handles GET /admin/usage.
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	if h.authSecret != "" && !claims.HasRole(h.adminRole) {
		writeError(w, http.StatusForbidden, "admin role required")
		return
	}
	if h.audit != nil {
		subject := ""
		if claims != nil {
			subject = claims.Subject
		}
		_ = h.audit.Log(AuditEntry{
			Action:   "usage.snapshot",
			Subject:  subject,
			RemoteIP: clientIP(r),
		})
	}
	writeJSON(w, http.StatusOK, h.acct.Snapshot())
}

// PostUsageEvent handles POST /admin/usage/events, the worker lifecycle
// feedback channel.
func (h *Handler) PostUsageEvent(w http.ResponseWriter, r *http.Request) {
	if h.usageSecret != "" && r.Header.Get(usage.SecretHeader) != h.usageSecret {
		writeError(w, http.StatusUnauthorized, "invalid usage secret")
		return
	}

	var req UsageEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.TenantID == "" {
		writeError(w, http.StatusBadRequest, "tenantId must be non-empty")
		return
	}
	event := accounting.EventType(req.Type)
	if !event.Valid() {
		writeError(w, http.StatusBadRequest, "type must be one of started|completed|failed|rejected")
		return
	}

	h.acct.OnUsageEvent(req.TenantID, event)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// resolveTenant prefers the X-Tenant-Id header, then the tenantId claim,
// then oid.
func (h *Handler) resolveTenant(r *http.Request) string {
	if id := r.Header.Get("X-Tenant-Id"); id != "" {
		return id
	}
	if claims := ClaimsFromContext(r.Context()); claims != nil {
		if claims.TenantID != "" {
			return claims.TenantID
		}
		if claims.ObjectID != "" {
			return claims.ObjectID
		}
	}
	return ""
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
