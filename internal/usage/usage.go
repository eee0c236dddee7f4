// Copyright 2025 James Ross

// Package usage carries worker lifecycle events back to admission accounting
// over HTTP, the webhook-style feedback loop that keeps the two processes out
// of a shared address space.
package usage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/flyingrobots/go-reasoning-orchestrator/internal/accounting"
	"github.com/flyingrobots/go-reasoning-orchestrator/internal/obs"
	"go.uber.org/zap"
)

// SecretHeader authenticates event posts when a shared secret is configured.
const SecretHeader = "x-usage-secret"

type Event struct {
	TenantID string               `json:"tenantId"`
	Type     accounting.EventType `json:"type"`
}

// Poster delivers lifecycle events. The worker holds one regardless of
// deployment shape: HTTP when split across processes, Local when colocated.
type Poster interface {
	Post(ctx context.Context, event Event) error
}

// HTTPPoster posts events to the admission API's usage endpoint.
type HTTPPoster struct {
	endpoint string
	secret   string
	http     *http.Client
	log      *zap.Logger
}

func NewHTTPPoster(endpoint, secret string, log *zap.Logger) *HTTPPoster {
	return &HTTPPoster{
		endpoint: endpoint,
		secret:   secret,
		http:     &http.Client{Timeout: 10 * time.Second},
		log:      log,
	}
}

func (p *HTTPPoster) Post(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.secret != "" {
		req.Header.Set(SecretHeader, p.secret)
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("usage event post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("usage event post: status %d", resp.StatusCode)
	}
	p.log.Debug("usage event posted",
		obs.String("tenantId", event.TenantID),
		obs.String("type", string(event.Type)))
	return nil
}

// LocalPoster applies events directly to an in-process accounting instance,
// for colocated deployments and tests.
type LocalPoster struct {
	Acct *accounting.Accounting
}

func (p LocalPoster) Post(_ context.Context, event Event) error {
	if !p.Acct.OnUsageEvent(event.TenantID, event.Type) {
		return fmt.Errorf("invalid usage event type %q", event.Type)
	}
	return nil
}
