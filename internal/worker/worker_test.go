// Copyright 2025 James Ross
package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/flyingrobots/go-reasoning-orchestrator/internal/accounting"
	"github.com/flyingrobots/go-reasoning-orchestrator/internal/bus"
	"github.com/flyingrobots/go-reasoning-orchestrator/internal/config"
	"github.com/flyingrobots/go-reasoning-orchestrator/internal/job"
	"github.com/flyingrobots/go-reasoning-orchestrator/internal/llm"
	"github.com/flyingrobots/go-reasoning-orchestrator/internal/obs"
	"github.com/flyingrobots/go-reasoning-orchestrator/internal/pipeline"
	"github.com/flyingrobots/go-reasoning-orchestrator/internal/schema"
	"github.com/flyingrobots/go-reasoning-orchestrator/internal/usage"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var stageResponses = []string{
	`{"passages":[{"documentId":"d1","excerpt":"x","relevance":0.9}]}`,
	`{"matches":[{"criterionId":"k1","claimAspect":"a","matched":true,"confidence":0.8}]}`,
	`{"findings":[{"id":"f1","criterionId":"k1","statement":"s","severity":"low","confidence":0.7}]}`,
	`{"agreements":[{"findingId":"f1","agreement":0.6,"rationale":"because"}]}`,
	`{"categories":[{"name":"c","findingIds":["f1"],"summary":"s","score":0.5}]}`,
	`{"verdict":"supported","riskLevel":"medium","overallScore":0.4,"summary":"overall"}`,
}

type fakeLLM struct {
	mu        sync.Mutex
	responses []string
	i         int
	gate      chan struct{}
	entered   chan struct{}
	enterOnce sync.Once
}

func (f *fakeLLM) Complete(ctx context.Context, _ []llm.Message) (string, error) {
	if f.entered != nil {
		f.enterOnce.Do(func() { close(f.entered) })
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	resp := f.responses[f.i%len(f.responses)]
	f.i++
	return resp, nil
}

type fakeMessage struct {
	body        []byte
	mu          sync.Mutex
	completed   bool
	abandoned   bool
	deadReason  string
	deadDetail  string
	deadLetters int
}

func (m *fakeMessage) Body() []byte                   { return m.body }
func (m *fakeMessage) Properties() map[string]string  { return map[string]string{} }
func (m *fakeMessage) Complete(context.Context) error { m.mu.Lock(); defer m.mu.Unlock(); m.completed = true; return nil }
func (m *fakeMessage) Abandon(context.Context) error  { m.mu.Lock(); defer m.mu.Unlock(); m.abandoned = true; return nil }
func (m *fakeMessage) DeadLetter(_ context.Context, reason, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadLetters++
	m.deadReason = reason
	m.deadDetail = description
	return nil
}

type fakeSender struct {
	mu   sync.Mutex
	sent []job.Envelope
}

func (f *fakeSender) Send(_ context.Context, body []byte, _ map[string]string) error {
	var env job.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeSender) Close() error { return nil }

func (f *fakeSender) envelopes() []job.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]job.Envelope, len(f.sent))
	copy(out, f.sent)
	return out
}

type fakePoster struct {
	mu     sync.Mutex
	events []usage.Event
}

func (f *fakePoster) Post(_ context.Context, e usage.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func (f *fakePoster) types() []accounting.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]accounting.EventType, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.Type)
	}
	return out
}

// fakeReceiver delivers whatever the test feeds its channel.
type fakeReceiver struct {
	ch chan bus.Message
}

func (f *fakeReceiver) Subscribe(ctx context.Context, h bus.Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-f.ch:
			h.OnMessage(ctx, m)
		}
	}
}

func (f *fakeReceiver) Close() error { return nil }

func testWorkerConfig() config.Worker {
	return config.Worker{Concurrency: 1, PendingBuffer: 10}
}

func validBody(t *testing.T, id, tenant string) []byte {
	t.Helper()
	j := job.ReasoningJob{
		JobID:    id,
		TenantID: tenant,
		Claim:    "c",
		Context:  job.Context{Documents: []job.Document{{ID: "d1", Content: "x"}}},
		Criteria: []job.Criterion{{ID: "k1", Description: "r"}},
	}
	raw, err := json.Marshal(j)
	require.NoError(t, err)
	return raw
}

func newTestWorker(t *testing.T, cfg config.Worker, quota int, client llm.Client, out *fakeSender, poster usage.Poster) *Worker {
	t.Helper()
	registry := schema.MustNew()
	pipe := pipeline.New(client, registry, nil, zap.NewNop())
	return New(cfg, func(string) int { return quota }, &fakeReceiver{}, out, pipe, registry, poster, obs.NopSink{}, zap.NewNop())
}

func TestProcessHappyPath(t *testing.T) {
	out := &fakeSender{}
	poster := &fakePoster{}
	w := newTestWorker(t, testWorkerConfig(), 2, &fakeLLM{responses: stageResponses}, out, poster)

	msg := &fakeMessage{body: validBody(t, "j1", "t1")}
	w.process(context.Background(), msg)

	envs := out.envelopes()
	require.Len(t, envs, 1)
	require.Equal(t, "completed", envs[0].Status)
	require.Equal(t, "j1", envs[0].JobID)
	require.NotNil(t, envs[0].Result)
	require.Equal(t, "j1", envs[0].Result.JobID)
	require.True(t, msg.completed)
	require.Zero(t, msg.deadLetters)
	require.Equal(t, []accounting.EventType{accounting.EventStarted, accounting.EventCompleted}, poster.types())
	require.Zero(t, w.ActiveForTenant("t1"))
}

func TestProcessInvalidPayload(t *testing.T) {
	out := &fakeSender{}
	poster := &fakePoster{}
	w := newTestWorker(t, testWorkerConfig(), 2, &fakeLLM{responses: stageResponses}, out, poster)

	msg := &fakeMessage{body: []byte(`{"claim":""}`)}
	w.process(context.Background(), msg)

	require.Equal(t, 1, msg.deadLetters)
	require.Equal(t, "PipelineFailure", msg.deadReason)
	require.Empty(t, out.envelopes())
	require.Empty(t, poster.types(), "counters must not move for invalid payloads")
}

func TestProcessQuotaRejection(t *testing.T) {
	out := &fakeSender{}
	poster := &fakePoster{}
	w := newTestWorker(t, testWorkerConfig(), 1, &fakeLLM{responses: stageResponses}, out, poster)

	// Occupy the tenant's only slot.
	_, admitted := w.tryStart("t1", 1)
	require.True(t, admitted)

	msg := &fakeMessage{body: validBody(t, "j1", "t1")}
	w.process(context.Background(), msg)

	envs := out.envelopes()
	require.Len(t, envs, 1)
	require.Equal(t, "rejected", envs[0].Status)
	require.Nil(t, envs[0].Result)
	require.Equal(t, "TenantQuotaExceeded", envs[0].Error.Code)
	require.Equal(t, 1, envs[0].Error.Quota)
	require.Equal(t, 1, envs[0].Error.Active)
	require.True(t, msg.completed, "rejections complete, never dead-letter")
	require.Zero(t, msg.deadLetters)
	require.Equal(t, []accounting.EventType{accounting.EventRejected}, poster.types())
	require.Equal(t, 1, w.ActiveForTenant("t1"), "occupied slot untouched")
}

func TestProcessStageFailure(t *testing.T) {
	responses := append([]string{}, stageResponses...)
	responses[2] = "not-json"
	out := &fakeSender{}
	poster := &fakePoster{}
	w := newTestWorker(t, testWorkerConfig(), 2, &fakeLLM{responses: responses}, out, poster)

	msg := &fakeMessage{body: validBody(t, "j1", "t1")}
	w.process(context.Background(), msg)

	require.Empty(t, out.envelopes(), "no partial results")
	require.Equal(t, 1, msg.deadLetters)
	require.Equal(t, "PipelineFailure", msg.deadReason)
	require.Contains(t, msg.deadDetail, "Finding generation response was not valid JSON")
	require.Equal(t, []accounting.EventType{accounting.EventStarted, accounting.EventFailed}, poster.types())
	require.Zero(t, w.ActiveForTenant("t1"))
}

func TestRunAbandonsOverflow(t *testing.T) {
	gate := make(chan struct{})
	entered := make(chan struct{})
	client := &fakeLLM{responses: stageResponses, gate: gate, entered: entered}
	out := &fakeSender{}
	poster := &fakePoster{}

	cfg := config.Worker{Concurrency: 1, PendingBuffer: 1}
	registry := schema.MustNew()
	pipe := pipeline.New(client, registry, nil, zap.NewNop())

	first := &fakeMessage{body: validBody(t, "j1", "t1")}
	second := &fakeMessage{body: validBody(t, "j2", "t2")}
	third := &fakeMessage{body: validBody(t, "j3", "t3")}
	recv := &fakeReceiver{ch: make(chan bus.Message)}

	w := New(cfg, func(string) int { return 5 }, recv, out, pipe, registry, poster, obs.NopSink{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()

	// j1 occupies the single pipeline slot (blocked inside the LLM call),
	// j2 fills the buffer, j3 overflows and is abandoned.
	recv.ch <- first
	<-entered
	recv.ch <- second
	recv.ch <- third
	require.Eventually(t, func() bool {
		third.mu.Lock()
		defer third.mu.Unlock()
		return third.abandoned
	}, 2*time.Second, 10*time.Millisecond)

	close(gate)
	require.Eventually(t, func() bool {
		return len(out.envelopes()) == 2
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
	require.False(t, first.abandoned)
	require.False(t, second.abandoned)
}
