// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package filequeue

import "strings"

// Outcome is the tag of a StageResult.
type Outcome string

const (
	// OutcomeValidated is returned by the validation stage.
	OutcomeValidated Outcome = "validated"
	// OutcomeProcessed is returned by processing stages.
	OutcomeProcessed Outcome = "processed"
	// OutcomeFailed is returned by any stage that could not complete.
	OutcomeFailed Outcome = "failed"
)

// Severity of a validation issue. Only SeverityError fails a stage.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is a domain problem found while working on a file.
type Issue struct {
	Type     string   `json:"type"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Artifact kinds.
const (
	ArtifactOriginal  = "original"
	ArtifactOptimized = "optimized"
	ArtifactThumbnail = "thumbnail"
)

// Artifact is one output file produced by a processing stage.
type Artifact struct {
	Kind      string `json:"kind"`
	Name      string `json:"name"`
	Path      string `json:"path"`
	URL       string `json:"url"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	SizeBytes int64  `json:"sizeBytes"`
	Format    string `json:"format"`
}

// StageResult is the outcome of a single worker invocation.
type StageResult struct {
	Outcome   Outcome                `json:"outcome"`
	Issues    []Issue                `json:"issues,omitempty"`
	Artifacts []Artifact             `json:"artifacts,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
}

// Validated creates a result for the validation stage. If any issue has
// error severity, the result is a failure with the messages of all
// such issues as its reason.
func Validated(issues []Issue) *StageResult {
	var fatal []string
	for _, issue := range issues {
		if issue.Severity == SeverityError {
			fatal = append(fatal, issue.Message)
		}
	}
	if len(fatal) > 0 {
		return &StageResult{Outcome: OutcomeFailed, Issues: issues, Reason: strings.Join(fatal, "; ")}
	}
	return &StageResult{Outcome: OutcomeValidated, Issues: issues}
}

// Processed creates a successful result carrying artifacts.
func Processed(artifacts []Artifact, metadata map[string]interface{}) *StageResult {
	return &StageResult{Outcome: OutcomeProcessed, Artifacts: artifacts, Metadata: metadata}
}

// FailedResult creates a failed result with the given reason.
func FailedResult(reason string) *StageResult {
	return &StageResult{Outcome: OutcomeFailed, Reason: reason}
}

// IsFailed returns true if the result is a failure.
func (r *StageResult) IsFailed() bool {
	return r != nil && r.Outcome == OutcomeFailed
}

// Valid returns true if no issue has error severity.
func (r *StageResult) Valid() bool {
	if r == nil {
		return false
	}
	for _, issue := range r.Issues {
		if issue.Severity == SeverityError {
			return false
		}
	}
	return r.Outcome != OutcomeFailed
}
