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

// Package llm provides the neutral provider adapter layer: parameter
// profile enforcement, cost computation, error classification, and
// token estimation. Wire clients live in the per-provider subpackages.
package llm

import (
	"github.com/opencircle/loupe/pkg/catalog"
	"github.com/opencircle/loupe/pkg/types"
)

// ApplyParams applies the request's sampling parameters to a wire
// payload according to the model's parameter profile.
//
// Assembly order: the payload already carries model and messages;
// fixed overrides are applied first; then each request-provided
// parameter is forwarded iff the profile supports it, it was not
// already overridden, and no mutually-exclusive rule blocks it. When
// two provided parameters conflict, temperature wins.
func ApplyParams(payload map[string]interface{}, profile catalog.ParameterProfile, req *types.ExecRequest) {
	provided := map[string]bool{
		catalog.ParamTemperature:     req.Temperature != nil,
		catalog.ParamTopP:            req.TopP != nil,
		catalog.ParamMaxTokens:       req.MaxTokens > 0,
		catalog.ParamReasoningEffort: req.ReasoningEffort != "",
	}

	// Fixed overrides win over everything the caller supplied.
	overridden := map[string]bool{}
	for param, value := range profile.FixedOverrides {
		payload[wireField(profile, param)] = value
		overridden[param] = true
	}

	// Resolve mutually-exclusive pairs among provided params.
	blocked := map[string]bool{}
	for _, pair := range profile.MutuallyExclusive {
		a, b := pair[0], pair[1]
		if !provided[a] || !provided[b] {
			continue
		}
		switch {
		case a == catalog.ParamTemperature:
			blocked[b] = true
		case b == catalog.ParamTemperature:
			blocked[a] = true
		default:
			blocked[b] = true
		}
	}

	forward := func(param string, value interface{}) {
		if !provided[param] || overridden[param] || blocked[param] {
			return
		}
		if !profile.Supports(param) {
			return
		}
		payload[wireField(profile, param)] = value
	}

	if req.Temperature != nil {
		forward(catalog.ParamTemperature, *req.Temperature)
	}
	if req.TopP != nil {
		forward(catalog.ParamTopP, *req.TopP)
	}
	forward(catalog.ParamMaxTokens, req.MaxTokens)
	forward(catalog.ParamReasoningEffort, req.ReasoningEffort)

	if req.ResponseFormat != "" && profile.SupportsResponseFormat {
		payload["response_format"] = map[string]interface{}{"type": req.ResponseFormat}
	}
}

// wireField maps a neutral parameter name to the provider's wire field.
// Only the output cap is renamed across families.
func wireField(profile catalog.ParameterProfile, param string) string {
	if param == catalog.ParamMaxTokens {
		return profile.MaxTokensField
	}
	return param
}
