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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validVerdict = `{
	"winner": "A",
	"scores": {
		"A": {"accuracy": 0.9, "clarity": 0.8},
		"B": {"accuracy": 0.6, "clarity": 0.7}
	},
	"reasoning": "A is more grounded in the transcript."
}`

func TestParseVerdictStrict(t *testing.T) {
	out, err := parseVerdict(validVerdict)
	require.NoError(t, err)
	assert.Equal(t, "A", out.Verdict.Winner)
	assert.Equal(t, 0.9, out.Verdict.Scores["A"]["accuracy"])
	assert.Empty(t, out.ClampedFields)
	assert.False(t, out.Truncated)
	assert.NotContains(t, out.Verdict.Reasoning, truncationMarker)
}

func TestParseVerdictStripsFences(t *testing.T) {
	for _, fenced := range []string{
		"```json\n" + validVerdict + "\n```",
		"```\n" + validVerdict + "\n```",
		"  " + validVerdict + "  ",
	} {
		out, err := parseVerdict(fenced)
		require.NoError(t, err, fenced)
		assert.Equal(t, "A", out.Verdict.Winner)
	}
}

func TestParseVerdictClosesMissingBraces(t *testing.T) {
	raw := `{"winner": "tie", "scores": {"A": {"accuracy": 0.8}, "B": {"accuracy": 0.8}}, "reasoning": "even"`
	out, err := parseVerdict(raw)
	require.NoError(t, err)
	assert.Equal(t, "tie", out.Verdict.Winner)
	assert.False(t, out.Truncated)
}

func TestParseVerdictRecoversTruncatedString(t *testing.T) {
	// The response was cut off mid-reasoning. The open literal gets
	// terminated, braces closed, and the recovery marked.
	raw := `{"winner": "B", "scores": {"A": {"accuracy": 0.5}, "B": {"accuracy": 0.9}}, "reasoning": "B covers the pricing discussion while A om`
	out, err := parseVerdict(raw)
	require.NoError(t, err)
	assert.Equal(t, "B", out.Verdict.Winner)
	assert.True(t, out.Truncated)
	assert.True(t, strings.HasSuffix(out.Verdict.Reasoning, truncationMarker))
	assert.Contains(t, out.Verdict.Reasoning, "B covers the pricing discussion")
}

func TestParseVerdictCutsBackToFieldBoundary(t *testing.T) {
	// Terminating the open literal yields a schema-invalid doc (the cut
	// lands inside a key), so the parser retreats to the last complete
	// field boundary.
	raw := `{"scores": {"A": {"accuracy": 0.5}, "B": {"accuracy": 0.9}}, "reasoning": "B wins", "winner": "B", "extr`
	out, err := parseVerdict(raw)
	require.NoError(t, err)
	assert.Equal(t, "B", out.Verdict.Winner)
	assert.True(t, out.Truncated)
}

func TestParseVerdictClampsScores(t *testing.T) {
	raw := `{
		"winner": "A",
		"scores": {"A": {"accuracy": 1.2, "clarity": 0.9}, "B": {"accuracy": -0.1}},
		"reasoning": "A wins"
	}`
	out, err := parseVerdict(raw)
	require.NoError(t, err)
	assert.Equal(t, 1.0, out.Verdict.Scores["A"]["accuracy"])
	assert.Equal(t, 0.9, out.Verdict.Scores["A"]["clarity"])
	assert.Equal(t, 0.0, out.Verdict.Scores["B"]["accuracy"])
	assert.Equal(t, []string{"scores.A.accuracy", "scores.B.accuracy"}, out.ClampedFields)
}

func TestParseVerdictRejectsBadDocuments(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"prose", "I think A is better overall."},
		{"invalid winner", `{"winner": "C", "scores": {"A": {}, "B": {}}, "reasoning": "x"}`},
		{"missing reasoning", `{"winner": "A", "scores": {"A": {}, "B": {}}}`},
		{"missing side", `{"winner": "A", "scores": {"A": {}}, "reasoning": "x"}`},
		{"non-numeric score", `{"winner": "A", "scores": {"A": {"accuracy": "high"}, "B": {}}, "reasoning": "x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseVerdict(tt.raw)
			assert.Error(t, err)
		})
	}
}

func TestEndsInString(t *testing.T) {
	assert.True(t, endsInString(`{"reasoning": "cut off he`))
	assert.False(t, endsInString(`{"reasoning": "complete"`))
	assert.False(t, endsInString(`{"a": 1`))
	// Escaped quotes do not close the literal.
	assert.True(t, endsInString(`{"reasoning": "said \"hello`))
}

func TestCloseBraces(t *testing.T) {
	assert.Equal(t, `{"a": {"b": 1}}`, closeBraces(`{"a": {"b": 1`))
	assert.Equal(t, `{"a": [1, 2]}`, closeBraces(`{"a": [1, 2`))
	assert.Equal(t, `{"a": "x"}`, closeBraces(`{"a": "x`))
	// Balanced input is untouched.
	assert.Equal(t, `{"a": 1}`, closeBraces(`{"a": 1}`))
	// Braces inside strings are not counted.
	assert.Equal(t, `{"a": "{{"}`, closeBraces(`{"a": "{{"`))
}
