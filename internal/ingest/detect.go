package ingest

import (
	"bytes"
	"strings"

	"github.com/opensource-finance/amrclass/internal/domain"
	"github.com/opensource-finance/amrclass/internal/hl7v2"
)

// Detect picks a format from the content type and the payload's first
// bytes. It never parses the payload.
func Detect(contentType string, payload []byte) (domain.Format, error) {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "hl7") || strings.Contains(ct, "er7") {
		return domain.FormatHL7v2, nil
	}
	if hl7v2.IsMessage(payload) {
		return domain.FormatHL7v2, nil
	}

	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return domain.FormatFHIR, nil
	}
	return "", domain.ErrUnknownFormat
}
