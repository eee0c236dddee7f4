// Copyright 2025 James Ross
package admission

import (
	"errors"
	"fmt"

	"github.com/flyingrobots/go-reasoning-orchestrator/internal/accounting"
)

// ErrBusUnavailable means no bus sender is configured; nothing can be
// admitted because nothing could ever be dispatched.
var ErrBusUnavailable = errors.New("bus adapter not configured")

// InvalidJobError wraps a schema validation failure of an inbound job.
type InvalidJobError struct {
	Err error
}

func (e InvalidJobError) Error() string { return e.Err.Error() }
func (e InvalidJobError) Unwrap() error { return e.Err }

// TenantQuotaExceededError is returned when the per-tenant ceiling is hit.
type TenantQuotaExceededError struct {
	TenantID string
	Quota    int
	Usage    accounting.Usage
}

func (e TenantQuotaExceededError) Error() string {
	return fmt.Sprintf("tenant %s at quota %d (queued %d, active %d)",
		e.TenantID, e.Quota, e.Usage.Queued, e.Usage.Active)
}

// QueueDepthExceededError is returned when the global ceiling is hit.
type QueueDepthExceededError struct {
	Depth int
	Limit int
}

func (e QueueDepthExceededError) Error() string {
	return fmt.Sprintf("queue depth %d at limit %d", e.Depth, e.Limit)
}
