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

// Package openai implements the provider adapter for OpenAI-style chat
// completion APIs. It serves the P1 (legacy chat), P2 (modern chat),
// and P3 (reasoning) parameter families.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/opencircle/loupe/pkg/catalog"
	"github.com/opencircle/loupe/pkg/llm"
	"github.com/opencircle/loupe/pkg/types"
)

// Default OpenAI configuration values. The base URL and timeout can be
// overridden via configuration ({provider}_base_url,
// {provider}_request_timeout_ms).
const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultTimeout = 120 * time.Second

	completionsPath = "/chat/completions"
)

// Client implements the types.Provider interface for OpenAI's API.
type Client struct {
	apiKey     string
	baseURL    string
	entry      catalog.Entry
	profile    catalog.ParameterProfile
	httpClient *http.Client
	logger     *zap.Logger
}

// Config holds configuration for the OpenAI client.
type Config struct {
	APIKey  string
	BaseURL string        // Default: https://api.openai.com/v1
	Timeout time.Duration // Default: 120s
	Entry   catalog.Entry // Catalog entry for the target model
	Logger  *zap.Logger
}

// NewClient creates a new OpenAI client for the model described by the
// catalog entry.
func NewClient(config Config) (*Client, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("API key required")
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	profile, err := config.Entry.Profile()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve parameter profile: %w", err)
	}

	return &Client{
		apiKey:  config.APIKey,
		baseURL: config.BaseURL,
		entry:   config.Entry,
		profile: profile,
		logger:  config.Logger,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}, nil
}

// Name returns the provider name.
func (c *Client) Name() string {
	return "openai"
}

// Model returns the model identifier.
func (c *Client) Model() string {
	return c.entry.ModelName
}

// Exec sends a neutral execution request to OpenAI and returns the
// parsed result.
func (c *Client) Exec(ctx context.Context, req *types.ExecRequest) (*types.ExecResult, error) {
	if err := llm.CheckContextWindow(c.entry, req); err != nil {
		return nil, err
	}

	payload := c.buildPayload(req)

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+completionsPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, llm.WrapTransport(c.Name(), c.entry.ModelName, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, llm.WrapTransport(c.Name(), c.entry.ModelName, err)
	}
	duration := time.Since(start)

	if httpResp.StatusCode != http.StatusOK {
		return nil, llm.ClassifyHTTP(c.Name(), c.entry.ModelName, httpResp.StatusCode, string(respBody))
	}

	var resp chatCompletionResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, &llm.ProviderError{
			Provider: c.Name(), Model: c.entry.ModelName,
			StatusCode: httpResp.StatusCode,
			Message:    fmt.Sprintf("unparseable response: %v", err),
		}
	}
	if resp.Error != nil {
		return nil, &llm.ProviderError{
			Provider: c.Name(), Model: c.entry.ModelName,
			StatusCode: httpResp.StatusCode,
			Message:    fmt.Sprintf("%s (type: %s)", resp.Error.Message, resp.Error.Type),
		}
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, &llm.ProviderError{
			Provider: c.Name(), Model: c.entry.ModelName,
			StatusCode: httpResp.StatusCode,
			Message:    "empty completion",
		}
	}

	return c.buildResult(&resp, duration), nil
}

// buildPayload assembles the wire payload: model and messages first,
// then profile-governed parameters.
func (c *Client) buildPayload(req *types.ExecRequest) map[string]interface{} {
	messages := make([]chatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, chatMessage{Role: m.Role, Content: m.Content})
	}

	payload := map[string]interface{}{
		"model":    c.entry.ModelVersion,
		"messages": messages,
	}
	llm.ApplyParams(payload, c.profile, req)
	return payload
}

func (c *Client) buildResult(resp *chatCompletionResponse, duration time.Duration) *types.ExecResult {
	choice := resp.Choices[0]

	inCost, outCost, total := llm.Cost(c.entry.Pricing, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	result := &types.ExecResult{
		Content:           choice.Message.Content,
		InputTokens:       resp.Usage.PromptTokens,
		OutputTokens:      resp.Usage.CompletionTokens,
		TotalTokens:       resp.Usage.TotalTokens,
		InputCost:         inCost,
		OutputCost:        outCost,
		TotalCost:         total,
		DurationMS:        duration.Milliseconds(),
		ModelVersion:      resp.Model,
		ProviderRequestID: resp.ID,
	}
	if result.TotalTokens == 0 {
		result.TotalTokens = result.InputTokens + result.OutputTokens
	}

	switch choice.FinishReason {
	case "stop":
		result.FinishReason = "end_turn"
	case "length":
		result.FinishReason = "max_tokens"
	case "content_filter":
		result.FinishReason = "content_filter"
	default:
		result.FinishReason = choice.FinishReason
	}
	return result
}

// Ensure Client implements the Provider interface.
var _ types.Provider = (*Client)(nil)
