// Copyright 2026 OpenCircle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tracing records parent traces and child spans for pipeline
// and judge runs. The recorder is append-only: traces for failed runs
// remain for diagnostics even when the business entity is rolled back.
package tracing

import (
	"time"
)

// Status is the final status of a trace or span.
type Status string

const (
	StatusOK        Status = "ok"
	StatusError     Status = "error"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// Source identifies which subsystem produced a trace. Stored in a
// dedicated column so exact-match filtering is cheap.
type Source string

const (
	SourceDTAPipeline Source = "dta_pipeline"
	SourceJudge       Source = "judge"
	SourceEvaluation  Source = "evaluation"
	SourcePlayground  Source = "playground"
)

// SpanType classifies a child span.
type SpanType string

const (
	SpanTypeLLM      SpanType = "llm"
	SpanTypeTool     SpanType = "tool"
	SpanTypeWorkflow SpanType = "workflow"
)

// Trace is a persisted parent trace with its rollups.
type Trace struct {
	ID           string
	OTelTraceID  string
	Name         string
	Status       Status
	Tenant       string
	Creator      string
	Project      string
	Source       Source
	ParentTrace  string // parent_trace_id metadata, empty for roots
	InputData    string
	OutputData   string
	Metadata     map[string]string
	ModelName    string
	Provider     string
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	TotalCost    float64
	DurationMS   float64
	CreatedAt    time.Time
	ClosedAt     time.Time
}

// Span is a persisted child span.
type Span struct {
	ID               string
	OTelSpanID       string
	TraceID          string
	ParentSpanID     string
	Name             string
	Type             SpanType
	StartTime        time.Time
	EndTime          time.Time
	DurationMS       float64
	Model            string
	Params           map[string]interface{}
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Cost             float64
	Status           Status
	ErrorMessage     string
	Attempts         int
	Metadata         map[string]string
}
