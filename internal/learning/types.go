// Package learning defines the learning-record domain model shared by the
// write-path components.
package learning

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidType rejects a record type outside the known set.
var ErrInvalidType = errors.New("unknown record type")

// Type classifies a learning record.
type Type string

const (
	// TypeFailure captures a mistake or anti-pattern, scored by severity.
	TypeFailure Type = "failure"

	// TypeSuccess captures an approach that worked, scored by severity
	// (how important it is to repeat it).
	TypeSuccess Type = "success"

	// TypeHeuristic captures a rule of thumb, scored by confidence.
	TypeHeuristic Type = "heuristic"

	// TypeExperiment captures a structured experiment and its outcome,
	// scored by confidence. Experiments allow a longer explanation body.
	TypeExperiment Type = "experiment"
)

// ParseType validates a record type string.
func ParseType(s string) (Type, error) {
	switch t := Type(s); t {
	case TypeFailure, TypeSuccess, TypeHeuristic, TypeExperiment:
		return t, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidType, s)
	}
}

// UsesSeverity reports whether this type is scored with a severity integer
// (1-5) rather than a confidence decimal.
func (t Type) UsesSeverity() bool {
	return t == TypeFailure || t == TypeSuccess
}

// Record is a single learning record as it flows through the write path.
//
// ID is zero until the index insert succeeds; a committed record always has
// a strictly positive ID. FilePath is relative to the documents root and is
// derived deterministically from domain, title and timestamp before any
// store is touched.
type Record struct {
	ID         int64     `json:"id,omitempty"`
	Type       Type      `json:"type"`
	Domain     string    `json:"domain"`
	Title      string    `json:"title"`
	Summary    string    `json:"summary"`
	Tags       []string  `json:"tags,omitempty"`
	Severity   int       `json:"severity,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	FilePath   string    `json:"filepath"`
	CreatedAt  time.Time `json:"created_at"`
}

// Score renders the type-appropriate score for display.
func (r *Record) Score() string {
	if r.Type.UsesSeverity() {
		return fmt.Sprintf("severity %d/5", r.Severity)
	}
	return fmt.Sprintf("confidence %.2f", r.Confidence)
}
