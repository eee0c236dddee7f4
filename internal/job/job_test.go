// Copyright 2025 James Ross
package job

import (
	"encoding/json"
	"testing"
	"time"
)

func TestMarshalRoundTrip(t *testing.T) {
	j := ReasoningJob{
		JobID:    "j1",
		TenantID: "t1",
		Claim:    "c",
		Context:  Context{Documents: []Document{{ID: "d1", Content: "x"}}},
		Criteria: []Criterion{{ID: "k1", Description: "r"}},
	}
	s, err := j.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	back, err := Unmarshal(s)
	if err != nil {
		t.Fatal(err)
	}
	if back.JobID != "j1" || back.TenantID != "t1" || len(back.Context.Documents) != 1 {
		t.Fatalf("round trip mismatch: %+v", back)
	}
}

func TestRejectionEnvelopeShape(t *testing.T) {
	j := ReasoningJob{JobID: "j1", TenantID: "t1"}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	env := RejectionEnvelope(j, 2, 2, now)
	raw, err := env.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["status"] != "rejected" {
		t.Fatalf("expected rejected status, got %v", decoded["status"])
	}
	if decoded["completedAt"] != "2025-06-01T12:00:00Z" {
		t.Fatalf("unexpected completedAt %v", decoded["completedAt"])
	}
	errObj := decoded["error"].(map[string]any)
	if errObj["code"] != "TenantQuotaExceeded" {
		t.Fatalf("unexpected code %v", errObj["code"])
	}
	if _, hasResult := decoded["result"]; hasResult {
		t.Fatal("rejection envelope must not carry a result")
	}
}

func TestCompletionEnvelopeShape(t *testing.T) {
	j := ReasoningJob{JobID: "j1", TenantID: "t1"}
	result := &PipelineResult{JobID: "j1"}
	env := CompletionEnvelope(j, result, time.Now())
	if env.Status != "completed" || env.Result == nil || env.Error != nil {
		t.Fatalf("unexpected envelope %+v", env)
	}
}
