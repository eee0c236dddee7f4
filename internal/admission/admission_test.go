// Copyright 2025 James Ross
package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/flyingrobots/go-reasoning-orchestrator/internal/accounting"
	"github.com/flyingrobots/go-reasoning-orchestrator/internal/job"
	"github.com/flyingrobots/go-reasoning-orchestrator/internal/obs"
	"github.com/flyingrobots/go-reasoning-orchestrator/internal/schema"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeSender records sends and can be scripted to fail.
type fakeSender struct {
	mu       sync.Mutex
	sent     []job.ReasoningJob
	props    []map[string]string
	failures int
}

func (f *fakeSender) Send(_ context.Context, body []byte, props map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("bus send failed")
	}
	var j job.ReasoningJob
	if err := json.Unmarshal(body, &j); err != nil {
		return err
	}
	f.sent = append(f.sent, j)
	f.props = append(f.props, props)
	return nil
}

func (f *fakeSender) Close() error { return nil }

func (f *fakeSender) sentJobs() []job.ReasoningJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]job.ReasoningJob, len(f.sent))
	copy(out, f.sent)
	return out
}

func testJob(id, tenant string) job.ReasoningJob {
	return job.ReasoningJob{
		JobID:    id,
		TenantID: tenant,
		Claim:    "c",
		Context:  job.Context{Documents: []job.Document{{ID: "d1", Content: "x"}}},
		Criteria: []job.Criterion{{ID: "k1", Description: "r"}},
	}
}

func newTestQueue(t *testing.T, quota, depth, inFlight int, sender *fakeSender) (*Queue, *accounting.Accounting) {
	t.Helper()
	acct := accounting.New(quota, depth, nil)
	registry := schema.MustNew()
	log := zap.NewNop()
	var s *fakeSender
	if sender != nil {
		s = sender
	}
	var q *Queue
	if s == nil {
		q = NewQueue(context.Background(), acct, registry, nil, inFlight, obs.NopSink{}, log)
	} else {
		q = NewQueue(context.Background(), acct, registry, s, inFlight, obs.NopSink{}, log)
	}
	return q, acct
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestEnqueueBusUnavailable(t *testing.T) {
	q, _ := newTestQueue(t, 2, 10, 2, nil)
	_, err := q.Enqueue(testJob("j1", "t1"))
	require.ErrorIs(t, err, ErrBusUnavailable)
}

func TestEnqueueInvalidJob(t *testing.T) {
	sender := &fakeSender{}
	q, acct := newTestQueue(t, 2, 10, 2, sender)
	j := testJob("j1", "t1")
	j.Claim = ""
	_, err := q.Enqueue(j)
	var invalid InvalidJobError
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, 0, acct.QueueDepth())
}

func TestEnqueueAndDispatch(t *testing.T) {
	sender := &fakeSender{}
	q, acct := newTestQueue(t, 2, 10, 2, sender)

	info, err := q.Enqueue(testJob("j1", "t1"))
	require.NoError(t, err)
	require.Equal(t, 1, info.Position)
	require.Equal(t, 1, info.QueueDepth)
	require.Equal(t, 2, info.Quota)
	require.Equal(t, accounting.Usage{Queued: 1}, info.Usage)

	waitFor(t, func() bool { return len(sender.sentJobs()) == 1 })
	waitFor(t, func() bool { return acct.UsageFor("t1") == (accounting.Usage{Active: 1}) })
	require.Equal(t, map[string]string{"tenantId": "t1"}, sender.props[0])
}

func TestEnqueueQuotaExceeded(t *testing.T) {
	// Block dispatch by scripting permanent failures so counters stay queued.
	sender := &fakeSender{failures: 1000}
	q, _ := newTestQueue(t, 1, 10, 1, sender)

	_, err := q.Enqueue(testJob("j1", "t1"))
	require.NoError(t, err)

	_, err = q.Enqueue(testJob("j2", "t1"))
	var quotaErr TenantQuotaExceededError
	require.ErrorAs(t, err, &quotaErr)
	require.Equal(t, "t1", quotaErr.TenantID)
	require.Equal(t, 1, quotaErr.Quota)
}

func TestEnqueueDepthExceeded(t *testing.T) {
	sender := &fakeSender{failures: 1000}
	q, _ := newTestQueue(t, 5, 1, 1, sender)

	_, err := q.Enqueue(testJob("j1", "t1"))
	require.NoError(t, err)

	_, err = q.Enqueue(testJob("j2", "t2"))
	var depthErr QueueDepthExceededError
	require.ErrorAs(t, err, &depthErr)
	require.Equal(t, 1, depthErr.Depth)
	require.Equal(t, 1, depthErr.Limit)
}

// A single-tenant stream within quota dispatches in admission order.
func TestDispatchFIFO(t *testing.T) {
	sender := &fakeSender{}
	q, _ := newTestQueue(t, 10, 50, 1, sender)

	const n = 8
	for i := 0; i < n; i++ {
		_, err := q.Enqueue(testJob(fmt.Sprintf("j%d", i), "t1"))
		require.NoError(t, err)
	}
	waitFor(t, func() bool { return len(sender.sentJobs()) == n })
	for i, sent := range sender.sentJobs() {
		require.Equal(t, fmt.Sprintf("j%d", i), sent.JobID)
	}
}

// After a send failure the counters revert and the job sits at the head; the
// next drain delivers it exactly once.
func TestDispatchFailureRecovery(t *testing.T) {
	sender := &fakeSender{failures: 1}
	q, acct := newTestQueue(t, 2, 10, 2, sender)

	_, err := q.Enqueue(testJob("j1", "t1"))
	require.NoError(t, err)

	waitFor(t, func() bool {
		return q.PendingLen() == 1 && acct.UsageFor("t1") == (accounting.Usage{Queued: 1})
	})

	q.Drain()
	waitFor(t, func() bool { return len(sender.sentJobs()) == 1 })
	waitFor(t, func() bool { return acct.UsageFor("t1") == (accounting.Usage{Active: 1}) })
	require.Equal(t, "j1", sender.sentJobs()[0].JobID)
	require.Equal(t, 0, q.PendingLen())
}

func TestRunRetriesStalledDispatch(t *testing.T) {
	sender := &fakeSender{failures: 1}
	q, _ := newTestQueue(t, 2, 10, 2, sender)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx, 10*time.Millisecond)

	_, err := q.Enqueue(testJob("j1", "t1"))
	require.NoError(t, err)

	waitFor(t, func() bool { return len(sender.sentJobs()) == 1 })
}

func TestDispatchConcurrencyBound(t *testing.T) {
	sender := &fakeSender{}
	q, _ := newTestQueue(t, 50, 50, 2, sender)
	for i := 0; i < 10; i++ {
		_, err := q.Enqueue(testJob(fmt.Sprintf("j%d", i), "t1"))
		require.NoError(t, err)
	}
	waitFor(t, func() bool { return len(sender.sentJobs()) == 10 })
}
