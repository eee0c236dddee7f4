// Copyright 2025 James Ross
package api

import (
	"encoding/json"
	"net/http"

	"github.com/flyingrobots/go-reasoning-orchestrator/internal/accounting"
	"github.com/flyingrobots/go-reasoning-orchestrator/internal/job"
)

// SubmitRequest is the POST /reasoning/jobs body. JobID is optional; the
// server mints one when absent.
type SubmitRequest struct {
	JobID    string          `json:"jobId,omitempty"`
	Claim    string          `json:"claim"`
	Context  job.Context     `json:"context"`
	Criteria []job.Criterion `json:"criteria"`
}

type SubmitResponse struct {
	JobID      string           `json:"jobId"`
	Status     string           `json:"status"`
	QueueDepth int              `json:"queueDepth"`
	Position   int              `json:"position"`
	Quota      int              `json:"quota"`
	Usage      accounting.Usage `json:"usage"`
}

// QuotaErrorDetail is the structured 429 payload.
type QuotaErrorDetail struct {
	Code       string            `json:"code"`
	TenantID   string            `json:"tenantId,omitempty"`
	Quota      int               `json:"quota,omitempty"`
	Usage      *accounting.Usage `json:"usage,omitempty"`
	QueueDepth int               `json:"queueDepth,omitempty"`
	Limit      int               `json:"limit,omitempty"`
}

type UsageEventRequest struct {
	TenantID string `json:"tenantId"`
	Type     string `json:"type"`
}

// Claims are the token claims the API consults: tenant resolution and the
// admin role check.
type Claims struct {
	Subject   string   `json:"sub"`
	TenantID  string   `json:"tenantId"`
	ObjectID  string   `json:"oid"`
	Roles     []string `json:"roles"`
	ExpiresAt int64    `json:"exp"`
	IssuedAt  int64    `json:"iat"`
}

func (c *Claims) HasRole(role string) bool {
	if c == nil {
		return false
	}
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError emits the plain-string error shape: {"error": "..."}.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeStructuredError emits the coded error shape: {"error": {"code": ...}}.
func writeStructuredError(w http.ResponseWriter, status int, detail QuotaErrorDetail) {
	writeJSON(w, status, map[string]QuotaErrorDetail{"error": detail})
}
