// Package ingest detects payload formats and routes them to a parser.
package ingest

import (
	"context"
	"fmt"

	"github.com/opensource-finance/amrclass/internal/domain"
	"github.com/opensource-finance/amrclass/internal/fhir"
	"github.com/opensource-finance/amrclass/internal/hl7v2"
)

// Parser turns a payload into classification inputs.
type Parser interface {
	Format() domain.Format
	Parse(ctx context.Context, payload []byte) (*domain.Parsed, error)
}

// Dispatcher routes payloads to the parser for their format.
type Dispatcher struct {
	parsers map[domain.Format]Parser
}

// NewDispatcher registers parsers by their Format.
func NewDispatcher(parsers ...Parser) *Dispatcher {
	d := &Dispatcher{parsers: make(map[domain.Format]Parser, len(parsers))}
	for _, p := range parsers {
		d.parsers[p.Format()] = p
	}
	return d
}

// NewDefaultDispatcher wires the FHIR, HL7v2 and direct JSON parsers.
func NewDefaultDispatcher(fhirParser *fhir.Parser) *Dispatcher {
	return NewDispatcher(fhirParser, hl7v2.NewParser(), DirectJSONParser{})
}

// Parse detects the format and parses the payload. Direct JSON is never
// detected; use ParseAs.
func (d *Dispatcher) Parse(ctx context.Context, contentType string, payload []byte) (*domain.Parsed, domain.Format, error) {
	format, err := Detect(contentType, payload)
	if err != nil {
		return nil, "", err
	}
	parsed, err := d.ParseAs(ctx, format, payload)
	return parsed, format, err
}

// ParseAs parses payload with the parser registered for format.
func (d *Dispatcher) ParseAs(ctx context.Context, format domain.Format, payload []byte) (*domain.Parsed, error) {
	p, ok := d.parsers[format]
	if !ok {
		return nil, fmt.Errorf("%w: no parser for %q", domain.ErrUnknownFormat, format)
	}
	return p.Parse(ctx, payload)
}
