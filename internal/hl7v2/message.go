// Package hl7v2 reads ORU^R01 laboratory result messages.
package hl7v2

import (
	"errors"
	"strings"
)

// ErrNotHL7 is returned when the payload does not start with an MSH segment.
var ErrNotHL7 = errors.New("hl7v2: first segment must be MSH")

// Message is a tokenized HL7v2 message.
type Message struct {
	Segments []Segment
}

// Segment is one line of a message. Fields are stored from field 1, so
// Fields[0] of MSH is the field separator itself.
type Segment struct {
	Name   string
	Fields []Field
}

// Field is a field value split into repetitions and components.
type Field struct {
	Value   string
	Repeats [][]string
}

// Tokenize splits raw into segments, fields, repetitions and components.
// Segments may be separated by CR, LF or CRLF.
func Tokenize(raw string) (*Message, error) {
	text := strings.ReplaceAll(raw, "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")

	msg := &Message{}
	for _, line := range strings.Split(text, "\r") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(msg.Segments) == 0 && !strings.HasPrefix(line, "MSH|") {
			return nil, ErrNotHL7
		}
		msg.Segments = append(msg.Segments, tokenizeSegment(line))
	}
	if len(msg.Segments) == 0 {
		return nil, ErrNotHL7
	}
	return msg, nil
}

func tokenizeSegment(line string) Segment {
	name, rest, _ := strings.Cut(line, "|")
	seg := Segment{Name: name}

	if name == "MSH" {
		// MSH-1 is the separator; MSH-2 holds the encoding characters
		// and is kept verbatim.
		seg.Fields = append(seg.Fields, Field{Value: "|", Repeats: [][]string{{"|"}}})
		parts := strings.Split(rest, "|")
		if len(parts) > 0 {
			seg.Fields = append(seg.Fields, Field{Value: parts[0], Repeats: [][]string{{parts[0]}}})
			parts = parts[1:]
		}
		for _, p := range parts {
			seg.Fields = append(seg.Fields, tokenizeField(p))
		}
		return seg
	}

	for _, p := range strings.Split(rest, "|") {
		seg.Fields = append(seg.Fields, tokenizeField(p))
	}
	return seg
}

func tokenizeField(raw string) Field {
	f := Field{Value: raw}
	for _, rep := range strings.Split(raw, "~") {
		f.Repeats = append(f.Repeats, strings.Split(rep, "^"))
	}
	return f
}

// Field returns field n (1-based).
func (s *Segment) Field(n int) Field {
	if n < 1 || n > len(s.Fields) {
		return Field{}
	}
	return s.Fields[n-1]
}

// Component returns component c (1-based) of the first repetition of
// field n.
func (s *Segment) Component(n, c int) string {
	return s.Field(n).Component(c)
}

// Component returns component c (1-based) of the first repetition. Sub
// components after '&' are dropped.
func (f Field) Component(c int) string {
	if len(f.Repeats) == 0 || c < 1 || c > len(f.Repeats[0]) {
		return ""
	}
	v, _, _ := strings.Cut(f.Repeats[0][c-1], "&")
	return strings.TrimSpace(v)
}

// Values returns every non-empty component of every repetition.
func (f Field) Values() []string {
	var out []string
	for _, rep := range f.Repeats {
		for _, comp := range rep {
			if comp = strings.TrimSpace(comp); comp != "" {
				out = append(out, comp)
			}
		}
	}
	return out
}

// Segment returns the first segment named name.
func (m *Message) Segment(name string) *Segment {
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			return &m.Segments[i]
		}
	}
	return nil
}

// Type returns MSH-9 as "ORU^R01", ignoring a trailing structure component.
func (m *Message) Type() string {
	msh := m.Segment("MSH")
	if msh == nil {
		return ""
	}
	code, event := msh.Component(9, 1), msh.Component(9, 2)
	if event == "" {
		return code
	}
	return code + "^" + event
}

// ControlID returns MSH-10.
func (m *Message) ControlID() string {
	if msh := m.Segment("MSH"); msh != nil {
		return msh.Field(10).Value
	}
	return ""
}
