package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownFormat is returned when a payload matches no supported format.
	ErrUnknownFormat = errors.New("unable to detect payload format")

	// ErrUnsupportedMessageType is returned for HL7v2 messages other than ORU^R01.
	ErrUnsupportedMessageType = errors.New("unsupported HL7v2 message type")

	// ErrNoResults is returned when a well-formed payload yields no classifiable result.
	ErrNoResults = errors.New("no susceptibility results found")
)

// Issue is a single validation problem located by a path.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// JoinPath joins two path segments with a dot, skipping empty ones.
// Index segments such as "[3]" are appended without a separator.
func JoinPath(prefix, field string) string {
	switch {
	case prefix == "":
		return field
	case field == "":
		return prefix
	case strings.HasPrefix(field, "["):
		return prefix + field
	default:
		return prefix + "." + field
	}
}

// ValidationError reports every structural problem found in a payload.
type ValidationError struct {
	// Kind names the payload format: fhir, hl7v2 or json.
	Kind   string  `json:"kind"`
	Issues []Issue `json:"issues"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s validation failed: %s", e.Kind, joinIssues(e.Issues))
}

// RulesValidationError reports every problem found while loading rule files.
type RulesValidationError struct {
	Issues []Issue `json:"issues"`
}

func (e *RulesValidationError) Error() string {
	return fmt.Sprintf("ruleset validation failed: %s", joinIssues(e.Issues))
}

func joinIssues(issues []Issue) string {
	if len(issues) == 0 {
		return "no details"
	}
	parts := make([]string, len(issues))
	for i, issue := range issues {
		parts[i] = issue.String()
	}
	return strings.Join(parts, "; ")
}
