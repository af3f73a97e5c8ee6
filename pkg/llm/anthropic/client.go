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

// Package anthropic implements the provider adapter for the Anthropic
// Messages API. It serves the P4 (mutually-exclusive sampling) family:
// at most one of temperature and top_p is sent, temperature preferred.
package anthropic

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

// Default Anthropic configuration values.
const (
	DefaultBaseURL   = "https://api.anthropic.com"
	DefaultTimeout   = 120 * time.Second
	DefaultMaxTokens = 4096

	messagesPath = "/v1/messages"
	apiVersion   = "2023-06-01"
)

// Client implements the types.Provider interface for Anthropic's
// Messages API.
type Client struct {
	apiKey     string
	baseURL    string
	entry      catalog.Entry
	profile    catalog.ParameterProfile
	httpClient *http.Client
	logger     *zap.Logger
}

// Config holds configuration for the Anthropic client.
type Config struct {
	APIKey  string
	BaseURL string        // Default: https://api.anthropic.com
	Timeout time.Duration // Default: 120s
	Entry   catalog.Entry // Catalog entry for the target model
	Logger  *zap.Logger
}

// NewClient creates a new Anthropic client for the model described by
// the catalog entry.
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
	return "anthropic"
}

// Model returns the model identifier.
func (c *Client) Model() string {
	return c.entry.ModelName
}

// messageResponse is the Messages API response shape.
type messageResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Exec sends a neutral execution request to Anthropic and returns the
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

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+messagesPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

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

	var resp messageResponse
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

	var content string
	for _, block := range resp.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}
	if content == "" {
		return nil, &llm.ProviderError{
			Provider: c.Name(), Model: c.entry.ModelName,
			StatusCode: httpResp.StatusCode,
			Message:    "empty completion",
		}
	}

	return c.buildResult(&resp, content, duration), nil
}

// buildPayload assembles the Messages API payload. System messages are
// carried in the separate system field; max_tokens is mandatory on this
// API so a default is applied when the caller omitted it.
func (c *Client) buildPayload(req *types.ExecRequest) map[string]interface{} {
	var system string
	messages := make([]map[string]string, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "system" {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		messages = append(messages, map[string]string{"role": m.Role, "content": m.Content})
	}

	payload := map[string]interface{}{
		"model":      c.entry.ModelVersion,
		"messages":   messages,
		"max_tokens": DefaultMaxTokens,
	}
	if system != "" {
		payload["system"] = system
	}
	llm.ApplyParams(payload, c.profile, req)
	return payload
}

func (c *Client) buildResult(resp *messageResponse, content string, duration time.Duration) *types.ExecResult {
	inCost, outCost, total := llm.Cost(c.entry.Pricing, resp.Usage.InputTokens, resp.Usage.OutputTokens)

	result := &types.ExecResult{
		Content:           content,
		InputTokens:       resp.Usage.InputTokens,
		OutputTokens:      resp.Usage.OutputTokens,
		TotalTokens:       resp.Usage.InputTokens + resp.Usage.OutputTokens,
		InputCost:         inCost,
		OutputCost:        outCost,
		TotalCost:         total,
		DurationMS:        duration.Milliseconds(),
		ModelVersion:      resp.Model,
		ProviderRequestID: resp.ID,
	}

	switch resp.StopReason {
	case "end_turn":
		result.FinishReason = "end_turn"
	case "max_tokens":
		result.FinishReason = "max_tokens"
	default:
		result.FinishReason = resp.StopReason
	}
	return result
}

// Ensure Client implements the Provider interface.
var _ types.Provider = (*Client)(nil)
