// Copyright 2025 James Ross

// Package schema holds the frozen JSON-schema contracts for the job payload,
// the six reasoning stage outputs, and the combined pipeline envelope. The
// registry is immutable after New.
package schema

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Kind names one of the registered schemas.
type Kind string

const (
	Job               Kind = "job"
	Retrieval         Kind = "retrieval"
	Matching          Kind = "matching"
	FindingGeneration Kind = "finding_generation"
	AgreementScoring  Kind = "agreement_scoring"
	CategorySynthesis Kind = "category_synthesis"
	OverallAssessment Kind = "overall_assessment"
	Pipeline          Kind = "pipeline"
)

// Label is the human-readable name used in validation error messages.
func (k Kind) Label() string {
	switch k {
	case Job:
		return "Job"
	case Retrieval:
		return "Retrieval"
	case Matching:
		return "Matching"
	case FindingGeneration:
		return "Finding generation"
	case AgreementScoring:
		return "Agreement scoring"
	case CategorySynthesis:
		return "Category synthesis"
	case OverallAssessment:
		return "Overall assessment"
	case Pipeline:
		return "Pipeline"
	}
	return string(k)
}

var stageFiles = map[Kind]string{
	Job:               "schemas/job.json",
	Retrieval:         "schemas/retrieval.json",
	Matching:          "schemas/matching.json",
	FindingGeneration: "schemas/finding_generation.json",
	AgreementScoring:  "schemas/agreement_scoring.json",
	CategorySynthesis: "schemas/category_synthesis.json",
	OverallAssessment: "schemas/overall_assessment.json",
	Pipeline:          "schemas/pipeline.json",
}

// refNames maps stage kinds to the $ref URLs used inside pipeline.json so the
// composed schema resolves against the same frozen definitions. The URLs are
// identifiers only; nothing is fetched.
var refNames = map[Kind]string{
	Retrieval:         "https://schemas.flyingrobots.dev/reasoning/retrieval.json",
	Matching:          "https://schemas.flyingrobots.dev/reasoning/matching.json",
	FindingGeneration: "https://schemas.flyingrobots.dev/reasoning/finding_generation.json",
	AgreementScoring:  "https://schemas.flyingrobots.dev/reasoning/agreement_scoring.json",
	CategorySynthesis: "https://schemas.flyingrobots.dev/reasoning/category_synthesis.json",
	OverallAssessment: "https://schemas.flyingrobots.dev/reasoning/overall_assessment.json",
}

type Registry struct {
	compiled map[Kind]*gojsonschema.Schema
	raw      map[Kind]json.RawMessage
}

// Raw returns the schema source for kind, for embedding into LLM prompts.
func (r *Registry) Raw(kind Kind) json.RawMessage {
	return r.raw[kind]
}

// New compiles every embedded schema once. Compilation failure is a
// programming error surfaced at boot.
func New() (*Registry, error) {
	r := &Registry{
		compiled: make(map[Kind]*gojsonschema.Schema, len(stageFiles)),
		raw:      make(map[Kind]json.RawMessage, len(stageFiles)),
	}
	for kind, path := range stageFiles {
		raw, err := schemaFS.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", path, err)
		}
		sl := gojsonschema.NewSchemaLoader()
		sl.Draft = gojsonschema.Draft7
		if kind == Pipeline {
			for refKind, refName := range refNames {
				refRaw, err := schemaFS.ReadFile(stageFiles[refKind])
				if err != nil {
					return nil, fmt.Errorf("read schema %s: %w", stageFiles[refKind], err)
				}
				if err := sl.AddSchema(refName, gojsonschema.NewBytesLoader(refRaw)); err != nil {
					return nil, fmt.Errorf("register schema %s: %w", refName, err)
				}
			}
		}
		compiled, err := sl.Compile(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", path, err)
		}
		r.compiled[kind] = compiled
		r.raw[kind] = json.RawMessage(raw)
	}
	return r, nil
}

// MustNew is New for boot paths where a broken embedded schema is fatal.
func MustNew() *Registry {
	r, err := New()
	if err != nil {
		panic(err)
	}
	return r
}

// Validate checks value (a Go value or raw JSON bytes) against the schema for
// kind. On failure the error message aggregates every violation as
// "<label> failed schema validation: <path> <msg>; ...".
func (r *Registry) Validate(kind Kind, value any) error {
	s, ok := r.compiled[kind]
	if !ok {
		return fmt.Errorf("unknown schema kind %q", kind)
	}
	var loader gojsonschema.JSONLoader
	switch v := value.(type) {
	case []byte:
		loader = gojsonschema.NewBytesLoader(v)
	case json.RawMessage:
		loader = gojsonschema.NewBytesLoader(v)
	case string:
		loader = gojsonschema.NewStringLoader(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("%s is not serializable: %w", kind.Label(), err)
		}
		loader = gojsonschema.NewBytesLoader(b)
	}
	result, err := s.Validate(loader)
	if err != nil {
		return fmt.Errorf("%s is not valid JSON: %w", kind.Label(), err)
	}
	if result.Valid() {
		return nil
	}
	parts := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		parts = append(parts, fmt.Sprintf("%s %s", e.Field(), e.Description()))
	}
	return fmt.Errorf("%s failed schema validation: %s", kind.Label(), strings.Join(parts, "; "))
}
