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

// Package types contains shared types used across the loupe core.
// This package breaks import cycles by providing the neutral execution
// request/result shapes that both the engines and the provider adapters
// depend on.
package types

import (
	"context"
)

// Message represents a single message in a provider conversation.
type Message struct {
	// Role is the message sender (system, user, assistant)
	Role string

	// Content is the message text
	Content string
}

// ReasoningEffort values accepted by reasoning-profile models.
const (
	ReasoningEffortLow    = "low"
	ReasoningEffortMedium = "medium"
	ReasoningEffortHigh   = "high"
)

// ExecRequest is the neutral execution request handed to a provider
// adapter. Optional sampling parameters use pointers so the adapter can
// distinguish "caller supplied" from "caller omitted" when applying a
// model's parameter profile.
type ExecRequest struct {
	// Model is the catalog model name to execute against
	Model string

	// Messages is the ordered conversation (system prompt first)
	Messages []Message

	// Temperature is the sampling temperature in [0, 2], if provided
	Temperature *float64

	// TopP is the nucleus sampling parameter in [0, 1], if provided
	TopP *float64

	// MaxTokens caps the completion length (>= 1)
	MaxTokens int

	// ReasoningEffort is forwarded only to models whose profile
	// supports it (low, medium, high)
	ReasoningEffort string

	// ResponseFormat is a structured-output hint ("json_object" or
	// empty). Forwarded only when the profile supports it.
	ResponseFormat string
}

// ExecResult is the neutral result of a single provider call.
type ExecResult struct {
	// Content is the model's text output
	Content string

	// Token accounting as reported by the provider
	InputTokens  int
	OutputTokens int
	TotalTokens  int

	// Costs in USD, rounded to 1e-9
	InputCost  float64
	OutputCost float64
	TotalCost  float64

	// DurationMS is the wall-clock call duration in milliseconds
	DurationMS int64

	// FinishReason is the normalized stop reason (end_turn, max_tokens,
	// content_filter, ...)
	FinishReason string

	// ModelVersion is the exact model identifier the provider reports
	// having served the request with
	ModelVersion string

	// ProviderRequestID is the provider-side request identifier, when
	// the provider returns one
	ProviderRequestID string
}

// Provider is the interface implemented by provider adapters.
//
// Implementations translate the neutral request into the provider's
// wire format according to the model's parameter profile, execute the
// outbound HTTP call, and parse the response into tokens, cost, and
// latency. Implementations must not mutate caller state.
type Provider interface {
	// Exec sends a request to the provider and returns the parsed result
	Exec(ctx context.Context, req *ExecRequest) (*ExecResult, error)

	// Name returns the provider name (openai, anthropic, ...)
	Name() string

	// Model returns the model identifier this adapter targets
	Model() string
}

// Float64 returns a pointer to v. Convenience for building ExecRequests.
func Float64(v float64) *float64 {
	return &v
}
