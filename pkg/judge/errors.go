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
	"fmt"
)

// SameAnalysisError rejects comparing an analysis against itself.
type SameAnalysisError struct {
	ID string
}

func (e *SameAnalysisError) Error() string {
	return fmt.Sprintf("cannot compare analysis %s against itself", e.ID)
}

// CrossTenantError rejects comparisons across tenant boundaries.
type CrossTenantError struct {
	Tenant   string
	Analysis string
}

func (e *CrossTenantError) Error() string {
	return fmt.Sprintf("analysis %s does not belong to tenant %s", e.Analysis, e.Tenant)
}

// TranscriptMismatchError rejects comparisons of analyses produced from
// different transcripts. Transcript equality is byte-exact.
type TranscriptMismatchError struct {
	AnalysisA string
	AnalysisB string
}

func (e *TranscriptMismatchError) Error() string {
	return fmt.Sprintf("analyses %s and %s were produced from different transcripts",
		e.AnalysisA, e.AnalysisB)
}

// JudgeParseError is raised when a judge response cannot be parsed
// after structural auto-repair and one full retry.
type JudgeParseError struct {
	Segment string
	Err     error
}

func (e *JudgeParseError) Error() string {
	return fmt.Sprintf("judge response for %s unparseable after repair and retry: %v", e.Segment, e.Err)
}

func (e *JudgeParseError) Unwrap() error { return e.Err }
