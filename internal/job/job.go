// Copyright 2025 James Ross
package job

import (
	"encoding/json"
	"time"
)

// Document is one piece of supplied evidence for a claim.
type Document struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

// Criterion is one evaluation criterion the pipeline scores a claim against.
type Criterion struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

type Context struct {
	Documents []Document `json:"documents"`
}

// ReasoningJob is the unit of work. Immutable after admission.
type ReasoningJob struct {
	JobID    string      `json:"jobId"`
	TenantID string      `json:"tenantId"`
	Claim    string      `json:"claim"`
	Context  Context     `json:"context"`
	Criteria []Criterion `json:"criteria"`
}

func (j ReasoningJob) Marshal() (string, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func Unmarshal(s string) (ReasoningJob, error) {
	var j ReasoningJob
	err := json.Unmarshal([]byte(s), &j)
	return j, err
}

// Stage outputs. Numeric scores are all on [0,1]; severity and risk use the
// low/medium/high scale enforced by the schema registry.

type Passage struct {
	DocumentID string  `json:"documentId"`
	Excerpt    string  `json:"excerpt"`
	Relevance  float64 `json:"relevance"`
}

type RetrievalResult struct {
	Passages []Passage `json:"passages"`
}

type Match struct {
	CriterionID string  `json:"criterionId"`
	ClaimAspect string  `json:"claimAspect"`
	Matched     bool    `json:"matched"`
	Confidence  float64 `json:"confidence"`
}

type MatchingResult struct {
	Matches []Match `json:"matches"`
}

type Finding struct {
	ID          string  `json:"id"`
	CriterionID string  `json:"criterionId"`
	Statement   string  `json:"statement"`
	Severity    string  `json:"severity"`
	Confidence  float64 `json:"confidence"`
}

type FindingGenerationResult struct {
	Findings []Finding `json:"findings"`
}

type Agreement struct {
	FindingID string  `json:"findingId"`
	Agreement float64 `json:"agreement"`
	Rationale string  `json:"rationale"`
}

type AgreementScoringResult struct {
	Agreements []Agreement `json:"agreements"`
}

type Category struct {
	Name       string   `json:"name"`
	FindingIDs []string `json:"findingIds"`
	Summary    string   `json:"summary"`
	Score      float64  `json:"score"`
}

type CategorySynthesisResult struct {
	Categories []Category `json:"categories"`
}

type OverallAssessmentResult struct {
	Verdict      string  `json:"verdict"`
	RiskLevel    string  `json:"riskLevel"`
	OverallScore float64 `json:"overallScore"`
	Summary      string  `json:"summary"`
}

// PipelineResult is the combined record of all six stages, emitted once per
// successful job.
type PipelineResult struct {
	JobID             string                  `json:"jobId"`
	Retrieval         RetrievalResult         `json:"retrieval"`
	Matching          MatchingResult          `json:"matching"`
	FindingGeneration FindingGenerationResult `json:"findingGeneration"`
	AgreementScoring  AgreementScoringResult  `json:"agreementScoring"`
	CategorySynthesis CategorySynthesisResult `json:"categorySynthesis"`
	OverallAssessment OverallAssessmentResult `json:"overallAssessment"`
}

// Envelope is what the worker writes to the output bus for a terminal job.
// Status is "completed" or "rejected"; Result and Error are mutually
// exclusive.
type Envelope struct {
	JobID       string          `json:"jobId"`
	TenantID    string          `json:"tenantId"`
	Status      string          `json:"status"`
	CompletedAt string          `json:"completedAt"`
	Result      *PipelineResult `json:"result,omitempty"`
	Error       *EnvelopeError  `json:"error,omitempty"`
}

type EnvelopeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Quota   int    `json:"quota,omitempty"`
	Active  int    `json:"active,omitempty"`
}

func CompletionEnvelope(j ReasoningJob, result *PipelineResult, now time.Time) Envelope {
	return Envelope{
		JobID:       j.JobID,
		TenantID:    j.TenantID,
		Status:      "completed",
		CompletedAt: now.UTC().Format(time.RFC3339),
		Result:      result,
	}
}

func RejectionEnvelope(j ReasoningJob, quota, active int, now time.Time) Envelope {
	return Envelope{
		JobID:       j.JobID,
		TenantID:    j.TenantID,
		Status:      "rejected",
		CompletedAt: now.UTC().Format(time.RFC3339),
		Error: &EnvelopeError{
			Code:    "TenantQuotaExceeded",
			Message: "tenant active reasoning jobs at quota",
			Quota:   quota,
			Active:  active,
		},
	}
}

func (e Envelope) Marshal() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
