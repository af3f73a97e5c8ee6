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

package llm

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/opencircle/loupe/pkg/catalog"
	"github.com/opencircle/loupe/pkg/types"
)

// EstimateTokens estimates the prompt token count for a conversation.
// Uses the model's tiktoken encoding when known, cl100k_base otherwise,
// and a bytes/4 heuristic if no encoder is available (offline builds).
func EstimateTokens(model string, messages []types.Message) int {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil || enc == nil {
		total := 0
		for _, m := range messages {
			total += len(m.Content) / 4
		}
		return total
	}

	total := 0
	for _, m := range messages {
		// Per-message wrapper overhead (role markers, separators).
		total += 4
		total += len(enc.Encode(m.Content, nil, nil))
	}
	return total
}

// CheckContextWindow rejects requests whose estimated prompt exceeds
// the model's input window. Returns a ProviderError so the caller
// treats it as fatal rather than retrying.
func CheckContextWindow(entry catalog.Entry, req *types.ExecRequest) error {
	if entry.ContextWindow.Input <= 0 {
		return nil
	}
	estimate := EstimateTokens(entry.ModelName, req.Messages)
	if estimate > entry.ContextWindow.Input {
		return &ProviderError{
			Provider: entry.Provider,
			Model:    entry.ModelName,
			Message: fmt.Sprintf("estimated prompt tokens %d exceed input window %d",
				estimate, entry.ContextWindow.Input),
		}
	}
	return nil
}
