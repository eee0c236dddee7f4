// Copyright 2025 James Ross
package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/flyingrobots/go-reasoning-orchestrator/internal/breaker"
	"github.com/flyingrobots/go-reasoning-orchestrator/internal/job"
	"github.com/flyingrobots/go-reasoning-orchestrator/internal/llm"
	"github.com/flyingrobots/go-reasoning-orchestrator/internal/schema"
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

// fakeClient replays scripted responses and records prompts.
type fakeClient struct {
	responses []string
	errs      []error
	calls     [][]llm.Message
}

func (f *fakeClient) Complete(_ context.Context, messages []llm.Message) (string, error) {
	i := len(f.calls)
	f.calls = append(f.calls, messages)
	if i < len(f.errs) && f.errs[i] != nil {
		return "", f.errs[i]
	}
	if i >= len(f.responses) {
		return "", errors.New("no scripted response")
	}
	return f.responses[i], nil
}

func testJob() job.ReasoningJob {
	return job.ReasoningJob{
		JobID:    "j1",
		TenantID: "t1",
		Claim:    "c",
		Context:  job.Context{Documents: []job.Document{{ID: "d1", Content: "x"}}},
		Criteria: []job.Criterion{{ID: "k1", Description: "r"}},
	}
}

func TestRunHappyPath(t *testing.T) {
	client := &fakeClient{responses: stageResponses}
	p := New(client, schema.MustNew(), nil, zap.NewNop())

	result, err := p.Run(context.Background(), testJob())
	require.NoError(t, err)
	require.Equal(t, "j1", result.JobID)
	require.Len(t, result.Retrieval.Passages, 1)
	require.Len(t, result.Matching.Matches, 1)
	require.Equal(t, "f1", result.FindingGeneration.Findings[0].ID)
	require.Equal(t, 0.6, result.AgreementScoring.Agreements[0].Agreement)
	require.Equal(t, "c", result.CategorySynthesis.Categories[0].Name)
	require.Equal(t, "medium", result.OverallAssessment.RiskLevel)
	require.Len(t, client.calls, 6)
}

func TestRunPromptsCarryContract(t *testing.T) {
	client := &fakeClient{responses: stageResponses}
	p := New(client, schema.MustNew(), nil, zap.NewNop())

	_, err := p.Run(context.Background(), testJob())
	require.NoError(t, err)

	for _, call := range client.calls {
		require.Len(t, call, 2)
		require.Equal(t, "system", call[0].Role)
		require.Equal(t, systemPrompt, call[0].Content)
		require.Contains(t, call[1].Content, "schema")
	}
	// later stages see earlier outputs
	require.Contains(t, client.calls[1][1].Content, "passages")
	require.Contains(t, client.calls[5][1].Content, "categories")
}

func TestRunStageNotJSON(t *testing.T) {
	responses := append([]string{}, stageResponses...)
	responses[2] = "not-json"
	client := &fakeClient{responses: responses}
	p := New(client, schema.MustNew(), nil, zap.NewNop())

	_, err := p.Run(context.Background(), testJob())
	require.Error(t, err)
	require.Contains(t, err.Error(), "Finding generation response was not valid JSON")
	require.Len(t, client.calls, 3, "no stage after the failure may run")
}

func TestRunStageSchemaInvalid(t *testing.T) {
	responses := append([]string{}, stageResponses...)
	responses[3] = `{"agreements":[{"findingId":"f1","agreement":1.4,"rationale":"because"}]}`
	client := &fakeClient{responses: responses}
	p := New(client, schema.MustNew(), nil, zap.NewNop())

	_, err := p.Run(context.Background(), testJob())
	require.Error(t, err)
	require.Contains(t, err.Error(), "Agreement scoring failed schema validation")
}

func TestRunStageRequestFailure(t *testing.T) {
	client := &fakeClient{
		responses: stageResponses,
		errs:      []error{errors.New("llm request failed with status 503: busy")},
	}
	p := New(client, schema.MustNew(), nil, zap.NewNop())

	_, err := p.Run(context.Background(), testJob())
	require.Error(t, err)
	require.Contains(t, err.Error(), "Retrieval request failed")
	require.Contains(t, err.Error(), "status 503")
}

func TestRunBreakerOpenFailsFast(t *testing.T) {
	cb := breaker.New(time.Minute, time.Minute, 0.5, 1)
	cb.Record(false) // trips open
	require.Equal(t, breaker.Open, cb.State())

	client := &fakeClient{responses: stageResponses}
	p := New(client, schema.MustNew(), cb, zap.NewNop())

	_, err := p.Run(context.Background(), testJob())
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrLLMCircuitOpen))
	require.True(t, strings.Contains(err.Error(), "Retrieval"))
	require.Empty(t, client.calls)
}
