// Copyright 2025 James Ross

// Package pipeline runs the fixed six-stage chain of reasoning for one job:
// retrieval, matching, finding generation, agreement scoring, category
// synthesis, overall assessment. Stages are sequential (each consumes earlier
// outputs) and every stage's response is schema-validated before use.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flyingrobots/go-reasoning-orchestrator/internal/breaker"
	"github.com/flyingrobots/go-reasoning-orchestrator/internal/job"
	"github.com/flyingrobots/go-reasoning-orchestrator/internal/llm"
	"github.com/flyingrobots/go-reasoning-orchestrator/internal/obs"
	"github.com/flyingrobots/go-reasoning-orchestrator/internal/schema"
	"go.uber.org/zap"
)

const systemPrompt = "You are a reasoning worker. Respond with strict JSON only."

// ErrLLMCircuitOpen is returned when the breaker refuses a call; it fails the
// stage (and the job) like any other stage error.
var ErrLLMCircuitOpen = errors.New("llm circuit open")

type Pipeline struct {
	client   llm.Client
	registry *schema.Registry
	cb       *breaker.CircuitBreaker
	log      *zap.Logger
}

func New(client llm.Client, registry *schema.Registry, cb *breaker.CircuitBreaker, log *zap.Logger) *Pipeline {
	return &Pipeline{client: client, registry: registry, cb: cb, log: log}
}

type stage struct {
	name string
	kind schema.Kind
}

var stages = []stage{
	{"Retrieval", schema.Retrieval},
	{"Matching", schema.Matching},
	{"Finding generation", schema.FindingGeneration},
	{"Agreement scoring", schema.AgreementScoring},
	{"Category synthesis", schema.CategorySynthesis},
	{"Overall assessment", schema.OverallAssessment},
}

// Run executes all six stages for j. On any stage failure the whole job
// fails; no partial result is ever returned.
func (p *Pipeline) Run(ctx context.Context, j job.ReasoningJob) (*job.PipelineResult, error) {
	result := &job.PipelineResult{JobID: j.JobID}

	inputs := []func() any{
		func() any {
			return map[string]any{"claim": j.Claim, "documents": j.Context.Documents}
		},
		func() any {
			return map[string]any{"claim": j.Claim, "criteria": j.Criteria, "retrieval": result.Retrieval}
		},
		func() any {
			return map[string]any{"claim": j.Claim, "matches": result.Matching.Matches}
		},
		func() any {
			return map[string]any{"claim": j.Claim, "findings": result.FindingGeneration.Findings}
		},
		func() any {
			return map[string]any{"findings": result.FindingGeneration.Findings, "agreements": result.AgreementScoring.Agreements}
		},
		func() any {
			return map[string]any{
				"claim":      j.Claim,
				"findings":   result.FindingGeneration.Findings,
				"agreements": result.AgreementScoring.Agreements,
				"categories": result.CategorySynthesis.Categories,
			}
		},
	}
	targets := []any{
		&result.Retrieval,
		&result.Matching,
		&result.FindingGeneration,
		&result.AgreementScoring,
		&result.CategorySynthesis,
		&result.OverallAssessment,
	}

	for i, s := range stages {
		if err := p.runStage(ctx, s, inputs[i](), targets[i]); err != nil {
			return nil, err
		}
	}

	if err := p.registry.Validate(schema.Pipeline, result); err != nil {
		return nil, err
	}
	return result, nil
}

// runStage performs one LLM round trip: compose the prompt, call the model,
// parse the first choice as JSON, validate against the stage schema, and
// decode into target.
func (p *Pipeline) runStage(ctx context.Context, s stage, input any, target any) error {
	stageCtx, span := obs.StartStageSpan(ctx, s.name)
	defer span.End()

	inputJSON, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("%s input was not serializable: %w", s.name, err)
	}
	userPrompt := fmt.Sprintf("Task: %s\n\nRespond with a JSON object matching this schema:\n%s\n\nInput:\n%s",
		s.name, p.registry.Raw(s.kind), inputJSON)

	if p.cb != nil && !p.cb.Allow() {
		obs.RecordError(stageCtx, ErrLLMCircuitOpen)
		return fmt.Errorf("%s request refused: %w", s.name, ErrLLMCircuitOpen)
	}

	start := time.Now()
	content, err := p.client.Complete(stageCtx, []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userPrompt},
	})
	obs.StageDuration.WithLabelValues(s.name).Observe(time.Since(start).Seconds())
	if p.cb != nil {
		p.cb.Record(err == nil)
	}
	if err != nil {
		obs.RecordError(stageCtx, err)
		return fmt.Errorf("%s request failed: %w", s.name, err)
	}

	var parsed json.RawMessage
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		parseErr := fmt.Errorf("%s response was not valid JSON: %w", s.name, err)
		obs.RecordError(stageCtx, parseErr)
		return parseErr
	}
	if err := p.registry.Validate(s.kind, parsed); err != nil {
		obs.RecordError(stageCtx, err)
		return err
	}
	if err := json.Unmarshal(parsed, target); err != nil {
		return fmt.Errorf("%s response did not decode: %w", s.name, err)
	}

	obs.SetSpanSuccess(stageCtx)
	p.log.Debug("stage complete", obs.String("stage", s.name))
	return nil
}
