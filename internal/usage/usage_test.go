// Copyright 2025 James Ross
package usage

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/flyingrobots/go-reasoning-orchestrator/internal/accounting"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHTTPPosterSendsSecretAndBody(t *testing.T) {
	var gotSecret string
	var gotEvent Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSecret = r.Header.Get(SecretHeader)
		_ = json.NewDecoder(r.Body).Decode(&gotEvent)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewHTTPPoster(srv.URL, "s3cret", zap.NewNop())
	err := p.Post(context.Background(), Event{TenantID: "t1", Type: accounting.EventCompleted})
	require.NoError(t, err)
	require.Equal(t, "s3cret", gotSecret)
	require.Equal(t, "t1", gotEvent.TenantID)
	require.Equal(t, accounting.EventCompleted, gotEvent.Type)
}

func TestHTTPPosterNon200IsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewHTTPPoster(srv.URL, "", zap.NewNop())
	err := p.Post(context.Background(), Event{TenantID: "t1", Type: accounting.EventFailed})
	require.Error(t, err)
	require.Contains(t, err.Error(), "401")
}

func TestLocalPosterAppliesEvent(t *testing.T) {
	acct := accounting.New(5, 50, nil)
	acct.TryAdmit("t1")
	acct.OnDispatchStart("t1")

	p := LocalPoster{Acct: acct}
	require.NoError(t, p.Post(context.Background(), Event{TenantID: "t1", Type: accounting.EventCompleted}))
	require.Equal(t, accounting.Usage{}, acct.UsageFor("t1"))

	err := p.Post(context.Background(), Event{TenantID: "t1", Type: "paused"})
	require.Error(t, err)
}
