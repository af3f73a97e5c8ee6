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

package judge

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/opencircle/loupe/pkg/store"
)

// truncationMarker is appended to reasoning when the unterminated-string
// repair recovered a truncated response.
const truncationMarker = "(response truncated)"

const verdictSchemaJSON = `{
	"type": "object",
	"required": ["winner", "scores", "reasoning"],
	"properties": {
		"winner": {"type": "string", "enum": ["A", "B", "tie"]},
		"scores": {
			"type": "object",
			"required": ["A", "B"],
			"properties": {
				"A": {"type": "object", "additionalProperties": {"type": "number"}},
				"B": {"type": "object", "additionalProperties": {"type": "number"}}
			}
		},
		"reasoning": {"type": "string", "minLength": 1}
	}
}`

var verdictSchema = gojsonschema.NewStringLoader(verdictSchemaJSON)

// parseOutcome is the result of one repair-chain pass.
type parseOutcome struct {
	Verdict store.Verdict
	// ClampedFields lists score paths clamped into [0, 1],
	// e.g. "scores.A.accuracy".
	ClampedFields []string
	Truncated     bool
}

// parseVerdict runs the structural repair chain on a raw judge
// response: strip code fences, strict parse, unterminated-string
// truncation, brace completion. The full-call retry on failure is the
// engine's responsibility.
func parseVerdict(raw string) (*parseOutcome, error) {
	s := stripFences(raw)
	if s == "" {
		return nil, fmt.Errorf("empty response")
	}

	if v, err := parseStrict(s); err == nil {
		return finishParse(v, false)
	}

	// Truncated mid-string: terminate the open literal, close the
	// braces, and flag the recovery. If the tail is unrecoverable, cut
	// back to the last complete `",` field boundary instead.
	if endsInString(s) {
		if v, err := parseStrict(closeBraces(s)); err == nil {
			return finishParse(v, true)
		}
		if idx := strings.LastIndex(s, `",`); idx >= 0 {
			if v, err := parseStrict(closeBraces(s[:idx+1])); err == nil {
				return finishParse(v, true)
			}
		}
		_, err := parseStrict(s)
		return nil, err
	}

	// Unclosed braces only: append the deficit and retry once.
	if v, err := parseStrict(closeBraces(s)); err == nil {
		return finishParse(v, false)
	}

	_, err := parseStrict(s)
	return nil, err
}

// endsInString reports whether s terminates inside an unclosed JSON
// string literal.
func endsInString(s string) bool {
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
		}
	}
	return inString
}

func parseStrict(s string) (*store.Verdict, error) {
	doc := gojsonschema.NewStringLoader(s)
	result, err := gojsonschema.Validate(verdictSchema, doc)
	if err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("schema violation: %s", strings.Join(msgs, "; "))
	}

	var v store.Verdict
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return &v, nil
}

// finishParse clamps out-of-range scores into [0, 1] and records which
// fields were touched.
func finishParse(v *store.Verdict, truncated bool) (*parseOutcome, error) {
	out := &parseOutcome{Verdict: *v, Truncated: truncated}

	sides := make([]string, 0, len(out.Verdict.Scores))
	for side := range out.Verdict.Scores {
		sides = append(sides, side)
	}
	sort.Strings(sides)
	for _, side := range sides {
		crits := make([]string, 0, len(out.Verdict.Scores[side]))
		for crit := range out.Verdict.Scores[side] {
			crits = append(crits, crit)
		}
		sort.Strings(crits)
		for _, crit := range crits {
			score := out.Verdict.Scores[side][crit]
			clamped := score
			if clamped < 0 {
				clamped = 0
			}
			if clamped > 1 {
				clamped = 1
			}
			if clamped != score {
				out.Verdict.Scores[side][crit] = clamped
				out.ClampedFields = append(out.ClampedFields, fmt.Sprintf("scores.%s.%s", side, crit))
			}
		}
	}

	if truncated {
		out.Verdict.Reasoning = strings.TrimRight(out.Verdict.Reasoning, " ") + " " + truncationMarker
	}
	return out, nil
}

// stripFences removes an enclosing markdown code fence, with or without
// a language tag, and trims whitespace.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		// Drop the fence line itself ("json", "JSON", or empty).
		first := strings.TrimSpace(s[:nl])
		if first == "" || strings.EqualFold(first, "json") {
			s = s[nl+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// closeBraces appends closing braces and brackets for any unclosed
// openers outside string literals.
func closeBraces(s string) string {
	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
			}
		}
	}
	if inString {
		s += `"`
	}
	for i := len(stack) - 1; i >= 0; i-- {
		s += string(stack[i])
	}
	return s
}
