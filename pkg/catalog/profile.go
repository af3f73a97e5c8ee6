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

package catalog

import (
	"fmt"
)

// Family identifies a provider parameter-compatibility family.
// Each family maps to one payload-builder behavior in pkg/llm.
type Family string

const (
	// FamilyLegacyChat: output cap key is max_tokens; temperature and
	// top_p both accepted.
	FamilyLegacyChat Family = "P1"

	// FamilyModernChat: output cap key is max_completion_tokens;
	// temperature and top_p both accepted.
	FamilyModernChat Family = "P2"

	// FamilyReasoning: output cap key is max_completion_tokens;
	// temperature forced to 1.0; top_p omitted; reasoning_effort accepted.
	FamilyReasoning Family = "P3"

	// FamilyExclusiveSampling: exactly one of temperature and top_p may
	// be sent; temperature preferred when both are provided.
	FamilyExclusiveSampling Family = "P4"
)

// Wire parameter names used in profiles and payload assembly.
const (
	ParamTemperature     = "temperature"
	ParamTopP            = "top_p"
	ParamMaxTokens       = "max_tokens"
	ParamReasoningEffort = "reasoning_effort"

	FieldMaxTokens           = "max_tokens"
	FieldMaxCompletionTokens = "max_completion_tokens"
)

// ParameterProfile describes which sampling parameters a model family
// supports, forces, or forbids, and which wire field names the provider
// expects. The adapter consults this before constructing the payload.
type ParameterProfile struct {
	// Family tags the profile for logging and diagnostics
	Family Family

	// MaxTokensField is the wire field carrying the output cap
	MaxTokensField string

	// SupportedParams is the subset of neutral parameters actually
	// forwarded to the provider
	SupportedParams map[string]bool

	// FixedOverrides are values forcibly set regardless of the request
	FixedOverrides map[string]interface{}

	// MutuallyExclusive lists parameter pairs at most one of which may
	// appear in the payload; when both are provided, temperature wins
	MutuallyExclusive [][2]string

	// SupportsResponseFormat reports whether structured output may be
	// requested
	SupportsResponseFormat bool
}

// Supports reports whether the profile forwards the given neutral
// parameter name.
func (p ParameterProfile) Supports(param string) bool {
	return p.SupportedParams[param]
}

// EffectiveTemperature returns the temperature value the provider will
// actually use: the fixed override when the profile forces one,
// otherwise the requested value.
func (p ParameterProfile) EffectiveTemperature(requested float64) float64 {
	if v, ok := p.FixedOverrides[ParamTemperature]; ok {
		if f, ok := v.(float64); ok {
			return f
		}
	}
	return requested
}

// ProfileForFamily returns the built-in parameter profile for a family.
func ProfileForFamily(f Family) (ParameterProfile, error) {
	switch f {
	case FamilyLegacyChat:
		return ParameterProfile{
			Family:         FamilyLegacyChat,
			MaxTokensField: FieldMaxTokens,
			SupportedParams: map[string]bool{
				ParamTemperature: true,
				ParamTopP:        true,
				ParamMaxTokens:   true,
			},
			SupportsResponseFormat: true,
		}, nil

	case FamilyModernChat:
		return ParameterProfile{
			Family:         FamilyModernChat,
			MaxTokensField: FieldMaxCompletionTokens,
			SupportedParams: map[string]bool{
				ParamTemperature: true,
				ParamTopP:        true,
				ParamMaxTokens:   true,
			},
			SupportsResponseFormat: true,
		}, nil

	case FamilyReasoning:
		return ParameterProfile{
			Family:         FamilyReasoning,
			MaxTokensField: FieldMaxCompletionTokens,
			SupportedParams: map[string]bool{
				ParamMaxTokens:       true,
				ParamReasoningEffort: true,
			},
			FixedOverrides: map[string]interface{}{
				ParamTemperature: 1.0,
			},
			SupportsResponseFormat: true,
		}, nil

	case FamilyExclusiveSampling:
		return ParameterProfile{
			Family:         FamilyExclusiveSampling,
			MaxTokensField: FieldMaxTokens,
			SupportedParams: map[string]bool{
				ParamTemperature: true,
				ParamTopP:        true,
				ParamMaxTokens:   true,
			},
			MutuallyExclusive: [][2]string{
				{ParamTemperature, ParamTopP},
			},
			SupportsResponseFormat: false,
		}, nil

	default:
		return ParameterProfile{}, fmt.Errorf("unknown parameter family: %q", f)
	}
}
