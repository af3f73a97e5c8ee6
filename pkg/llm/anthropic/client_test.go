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

package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencircle/loupe/pkg/catalog"
	"github.com/opencircle/loupe/pkg/llm"
	"github.com/opencircle/loupe/pkg/types"
)

func testEntry() catalog.Entry {
	return catalog.Entry{
		ModelName:     "sonnet",
		ModelVersion:  "sonnet-2025-05-01",
		Provider:      "anthropic",
		Family:        catalog.FamilyExclusiveSampling,
		Pricing:       catalog.Pricing{InputPerMTokens: 3, OutputPerMTokens: 15, Currency: "USD"},
		ContextWindow: catalog.ContextWindow{Input: 200000, Output: 8192},
		Active:        true,
	}
}

func okResponse(texts ...string) map[string]interface{} {
	content := make([]map[string]string, 0, len(texts))
	for _, t := range texts {
		content = append(content, map[string]string{"type": "text", "text": t})
	}
	return map[string]interface{}{
		"id":          "msg_abc",
		"model":       "sonnet-2025-05-01",
		"content":     content,
		"stop_reason": "end_turn",
		"usage":       map[string]int{"input_tokens": 200, "output_tokens": 100},
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{APIKey: "ak-test", BaseURL: srv.URL, Entry: testEntry()})
	require.NoError(t, err)
	return client
}

func TestExecPayloadShape(t *testing.T) {
	var payload map[string]interface{}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "ak-test", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		json.NewEncoder(w).Encode(okResponse("ok"))
	})

	_, err := client.Exec(context.Background(), &types.ExecRequest{
		Model: "sonnet",
		Messages: []types.Message{
			{Role: "system", Content: "be terse"},
			{Role: "user", Content: "hi"},
		},
		Temperature: types.Float64(0.3),
		TopP:        types.Float64(0.9),
	})
	require.NoError(t, err)

	assert.Equal(t, "sonnet-2025-05-01", payload["model"])
	assert.Equal(t, "be terse", payload["system"])

	// System messages are lifted out of the messages array.
	messages := payload["messages"].([]interface{})
	require.Len(t, messages, 1)
	assert.Equal(t, "user", messages[0].(map[string]interface{})["role"])

	// max_tokens is mandatory here, so the default applies when omitted.
	assert.Equal(t, float64(DefaultMaxTokens), payload["max_tokens"])

	// Temperature wins when both sampling knobs are supplied.
	assert.Equal(t, 0.3, payload["temperature"])
	assert.NotContains(t, payload, "top_p")
}

func TestExecConcatenatesTextBlocks(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(okResponse("part one, ", "part two"))
	})

	result, err := client.Exec(context.Background(), &types.ExecRequest{
		Model:    "sonnet",
		Messages: []types.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "part one, part two", result.Content)
	assert.Equal(t, 200, result.InputTokens)
	assert.Equal(t, 100, result.OutputTokens)
	assert.Equal(t, 300, result.TotalTokens)
	assert.Equal(t, 0.0006, result.InputCost)
	assert.Equal(t, 0.0015, result.OutputCost)
	assert.Equal(t, 0.0021, result.TotalCost)
	assert.Equal(t, "end_turn", result.FinishReason)
	assert.Equal(t, "msg_abc", result.ProviderRequestID)
}

func TestExecErrorEnvelope(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{"type": "invalid_request_error", "message": "bad tool"},
		})
	})

	_, err := client.Exec(context.Background(), &types.ExecRequest{
		Model:    "sonnet",
		Messages: []types.Message{{Role: "user", Content: "hi"}},
	})
	var provErr *llm.ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Contains(t, provErr.Message, "bad tool")
}

func TestExecClassifiesHTTPErrors(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := client.Exec(context.Background(), &types.ExecRequest{
		Model:    "sonnet",
		Messages: []types.Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	assert.True(t, llm.IsTransient(err))
}

func TestExecRejectsEmptyContent(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(okResponse())
	})

	_, err := client.Exec(context.Background(), &types.ExecRequest{
		Model:    "sonnet",
		Messages: []types.Message{{Role: "user", Content: "hi"}},
	})
	var provErr *llm.ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Contains(t, provErr.Message, "empty completion")
}
