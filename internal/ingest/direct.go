package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/opensource-finance/amrclass/internal/domain"
)

// DirectJSONParser reads ClassificationInput objects.
type DirectJSONParser struct{}

// Format implements Parser.
func (DirectJSONParser) Format() domain.Format { return domain.FormatDirect }

// Parse accepts one object or an array. Every issue across every element
// is reported together.
func (DirectJSONParser) Parse(_ context.Context, payload []byte) (*domain.Parsed, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, jsonError(domain.Issue{Message: "empty payload"})
	}

	var inputs []domain.ClassificationInput
	single := false
	switch trimmed[0] {
	case '{':
		var in domain.ClassificationInput
		if err := json.Unmarshal(trimmed, &in); err != nil {
			return nil, fmt.Errorf("decode input: %w", err)
		}
		inputs = []domain.ClassificationInput{in}
		single = true
	case '[':
		if err := json.Unmarshal(trimmed, &inputs); err != nil {
			return nil, fmt.Errorf("decode inputs: %w", err)
		}
		if len(inputs) == 0 {
			return nil, jsonError(domain.Issue{Message: "at least one input is required"})
		}
	default:
		return nil, jsonError(domain.Issue{Message: "payload must be a JSON object or array"})
	}

	var issues []domain.Issue
	for i, in := range inputs {
		if m, ok := domain.ParseMethod(string(in.Method)); ok {
			inputs[i].Method = m
			in.Method = m
		}
		inputs[i].Features = in.Features.Normalized()
		in.Features = inputs[i].Features
		path := ""
		if !single {
			path = fmt.Sprintf("[%d]", i)
		}
		issues = append(issues, in.Validate(path)...)
	}
	if len(issues) > 0 {
		return nil, jsonError(issues...)
	}
	return &domain.Parsed{Inputs: inputs, Single: single}, nil
}

func jsonError(issues ...domain.Issue) error {
	return &domain.ValidationError{Kind: string(domain.FormatDirect), Issues: issues}
}
