package hl7v2

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/opensource-finance/amrclass/internal/domain"
	"github.com/opensource-finance/amrclass/internal/terminology"
)

// MessageTypeORU is the only accepted message type.
const MessageTypeORU = "ORU^R01"

var (
	organismIdentifier = regexp.MustCompile(`(?i)organism|identification|isolate|culture`)
	suscIdentifier     = regexp.MustCompile(`(?i)suscept|mic|disc|disk|sensitiv|antibiotic|zone`)
	micCue             = regexp.MustCompile(`(?i)\bmic\b|minimum inhibitory`)
	discCue            = regexp.MustCompile(`(?i)\b(disk|disc|diffusion|zone)\b`)
	firstNumber        = regexp.MustCompile(`\d+(?:\.\d+)?|\.\d+`)
)

// organismLOINC are identification codes accepted in OBX-3.
var organismLOINC = map[string]bool{
	"634-6":   true,
	"11475-1": true,
}

// flagFeatures maps OBX-8 abnormal flags to feature keys.
var flagFeatures = map[string]string{
	"ESBL":   domain.FeatureESBL,
	"MRSA":   domain.FeatureMRSA,
	"VRE":    domain.FeatureVRE,
	"KPC":    domain.FeatureCarbapenemase,
	"NDM":    domain.FeatureCarbapenemase,
	"OXA":    domain.FeatureCarbapenemase,
	"OXA-48": domain.FeatureCarbapenemase,
	"VIM":    domain.FeatureCarbapenemase,
	"IMP":    domain.FeatureCarbapenemase,
	"CARB":   domain.FeatureCarbapenemase,
	"CPE":    domain.FeatureCarbapenemase,
	"DTEST":  domain.FeatureDTestPositive,
	"D-TEST": domain.FeatureDTestPositive,
}

// Parser extracts classification inputs from ORU^R01 messages.
type Parser struct{}

// NewParser returns an HL7v2 parser.
func NewParser() *Parser { return &Parser{} }

// Format implements ingest.Parser.
func (p *Parser) Format() domain.Format { return domain.FormatHL7v2 }

// Parse reads one message. The payload may be raw ER7 text or a JSON
// string literal holding it. OBX segments whose antibiotic cannot be
// resolved are skipped.
func (p *Parser) Parse(ctx context.Context, payload []byte) (*domain.Parsed, error) {
	raw, err := unwrap(payload)
	if err != nil {
		return nil, err
	}

	msg, err := Tokenize(raw)
	if err != nil {
		return nil, &domain.ValidationError{
			Kind:   string(domain.FormatHL7v2),
			Issues: []domain.Issue{{Path: "MSH", Message: err.Error()}},
		}
	}

	if msg.Type() != MessageTypeORU {
		return nil, fmt.Errorf("%w %q", domain.ErrUnsupportedMessageType, msg.Segment("MSH").Field(9).Value)
	}

	inputs := extract(ctx, msg)
	if len(inputs) == 0 {
		return nil, fmt.Errorf("hl7v2: %w", domain.ErrNoResults)
	}
	return &domain.Parsed{Inputs: inputs}, nil
}

func unwrap(payload []byte) (string, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", fmt.Errorf("decode hl7v2 string literal: %w", err)
		}
		return s, nil
	}
	return string(trimmed), nil
}

// resultContext is the organism and specimen state carried across OBX
// segments.
type resultContext struct {
	patientID    string
	specimenID   string
	specimenType string
	organism     string
	features     domain.Features
}

func extract(ctx context.Context, msg *Message) []domain.ClassificationInput {
	var rc resultContext
	if pid := msg.Segment("PID"); pid != nil {
		rc.patientID = pid.Component(3, 1)
	}
	if spm := msg.Segment("SPM"); spm != nil {
		rc.specimenID = spm.Component(2, 1)
		rc.specimenType = firstNonEmpty(spm.Component(4, 2), spm.Component(4, 1))
	}
	if rc.specimenID == "" {
		if obr := msg.Segment("OBR"); obr != nil {
			rc.specimenID = firstNonEmpty(obr.Component(3, 1), obr.Component(2, 1))
		}
	}

	var inputs []domain.ClassificationInput
	obxIndex := 0
	for i := range msg.Segments {
		seg := &msg.Segments[i]
		if seg.Name != "OBX" {
			continue
		}
		obxIndex++

		identifier := seg.Field(3)
		idText := strings.Join(identifier.Values(), " ")

		if isOrganism(identifier, idText) {
			value := seg.Field(5)
			rc.organism = terminology.NormalizeOrganism(firstNonEmpty(value.Component(2), value.Component(1)))
			rc.features = flags(seg.Field(8))
			continue
		}

		name, ok := resolveAntibiotic(identifier)
		if !ok {
			if suscIdentifier.MatchString(idText) {
				slog.DebugContext(ctx, "skipping OBX with unresolved antibiotic", "obx", obxIndex, "identifier", idText)
			}
			continue
		}
		if !suscIdentifier.MatchString(idText) && !isCode(identifier) {
			continue
		}
		inputs = append(inputs, rc.input(seg, obxIndex, name, idText))
	}
	return inputs
}

func (rc resultContext) input(seg *Segment, obxIndex int, antibiotic, idText string) domain.ClassificationInput {
	in := domain.ClassificationInput{
		Organism:   rc.organism,
		Antibiotic: antibiotic,
		SpecimenID: rc.specimenID,
		PatientID:  rc.patientID,
	}
	in.OrganismCode, _ = terminology.OrganismCode(rc.organism)
	in.AntibioticCode, _ = terminology.AntibioticCode(antibiotic)

	features := domain.Features{}
	for k, v := range rc.features {
		features[k] = v
	}
	for k, v := range flags(seg.Field(8)) {
		features[k] = v
	}
	if rc.specimenType != "" {
		features["specimen_type"] = rc.specimenType
	}
	if len(features) > 0 {
		in.Features = features
	}

	valueText := seg.Field(5).Value
	in.Method = method(seg.Field(6), valueText, idText)

	if num := firstNumber.FindString(valueText); num != "" {
		v, err := strconv.ParseFloat(num, 64)
		if err == nil {
			if in.Method == domain.MethodDisc {
				in.DiscZone = &v
			} else {
				in.MIC = &v
			}
		}
	} else {
		in.ParseWarnings = append(in.ParseWarnings, fmt.Sprintf("OBX %d has no numeric value (%q)", obxIndex, valueText))
	}
	return in
}

func isOrganism(identifier Field, idText string) bool {
	if organismLOINC[identifier.Component(1)] {
		return true
	}
	return organismIdentifier.MatchString(idText)
}

// resolveAntibiotic tries exact codes first, then names within each
// identifier component.
func resolveAntibiotic(identifier Field) (string, bool) {
	values := identifier.Values()
	for _, v := range values {
		if name, ok := terminology.AntibioticFromCode(v); ok {
			return name, true
		}
	}
	for _, v := range values {
		if name, ok := terminology.AntibioticFromText(v); ok {
			return name, true
		}
	}
	return "", false
}

func isCode(identifier Field) bool {
	_, ok := terminology.AntibioticFromCode(identifier.Component(1))
	return ok
}

// method reads OBX-6 units, then text cues, and defaults to MIC.
func method(units Field, value, identifier string) domain.Method {
	for _, u := range []string{units.Component(1), units.Component(2)} {
		switch strings.ToLower(u) {
		case "mg/l", "ug/ml", "µg/ml", "mcg/ml":
			return domain.MethodMIC
		case "mm":
			return domain.MethodDisc
		}
	}
	text := value + " " + identifier
	switch {
	case micCue.MatchString(text):
		return domain.MethodMIC
	case discCue.MatchString(text):
		return domain.MethodDisc
	}
	return domain.MethodMIC
}

func flags(f Field) domain.Features {
	var out domain.Features
	for _, v := range f.Values() {
		key, ok := flagFeatures[strings.ToUpper(v)]
		if !ok {
			continue
		}
		if out == nil {
			out = domain.Features{}
		}
		out[key] = true
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// IsMessage reports whether payload looks like an HL7v2 message, raw or
// wrapped in a JSON string.
func IsMessage(payload []byte) bool {
	raw, err := unwrap(payload)
	if err != nil {
		return false
	}
	return strings.HasPrefix(raw, "MSH|")
}
