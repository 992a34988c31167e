package domain

// Format names a supported payload format.
type Format string

const (
	FormatFHIR   Format = "fhir"
	FormatHL7v2  Format = "hl7v2"
	FormatDirect Format = "json"
)

// ParseFormat maps a user-supplied name to a Format.
func ParseFormat(s string) (Format, bool) {
	switch s {
	case "fhir", "FHIR":
		return FormatFHIR, true
	case "hl7v2", "hl7", "HL7v2", "HL7":
		return FormatHL7v2, true
	case "json", "direct":
		return FormatDirect, true
	}
	return "", false
}

// Parsed is the output of a format parser.
type Parsed struct {
	Inputs []ClassificationInput

	// Single is true when the payload described exactly one input as a
	// bare object, so the response may be a single object too.
	Single bool
}
