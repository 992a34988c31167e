package fhir

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/amrclass/internal/domain"
	"github.com/opensource-finance/amrclass/internal/terminology"
)

var (
	micCue  = regexp.MustCompile(`(?i)\bmic\b|minimum inhibitory`)
	discCue = regexp.MustCompile(`(?i)\b(disk|disc|diffusion|zone)\b`)
)

// Parser extracts classification inputs from FHIR R4 JSON.
type Parser struct {
	validator terminology.CodeValidator
	timeout   time.Duration
}

// NewParser creates a FHIR parser. A nil validator uses the offline
// allow-list. timeout bounds each organism code check.
func NewParser(validator terminology.CodeValidator, timeout time.Duration) *Parser {
	if validator == nil {
		validator = terminology.OfflineValidator{}
	}
	return &Parser{validator: validator, timeout: timeout}
}

// Format implements ingest.Parser.
func (p *Parser) Format() domain.Format { return domain.FormatFHIR }

// entry is a decoded resource with its location in the payload.
type entry struct {
	path    string
	fullURL string
	obs     *Observation
	spec    *Specimen
}

// document indexes the resources of one payload.
type document struct {
	entries   []*entry
	byRef     map[string]*entry
	organisms map[*Observation]bool
	parent    map[*Observation]*Observation
}

// Parse accepts a Bundle, a single Observation or an array of Observations.
// Every susceptibility Observation must resolve an organism and an
// antibiotic or the whole payload is rejected.
func (p *Parser) Parse(ctx context.Context, payload []byte) (*domain.Parsed, error) {
	doc, single, err := decode(payload)
	if err != nil {
		return nil, err
	}

	var out issues
	var inputs []domain.ClassificationInput
	for _, e := range doc.entries {
		if e.obs == nil || doc.organisms[e.obs] {
			continue
		}
		in, ok := p.extract(ctx, doc, e, &out)
		if ok {
			inputs = append(inputs, in)
		}
	}
	if err := out.err(); err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		return nil, fmt.Errorf("fhir: %w", domain.ErrNoResults)
	}
	return &domain.Parsed{Inputs: inputs, Single: single && len(inputs) == 1}, nil
}

func decode(payload []byte) (*document, bool, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, false, &domain.ValidationError{
			Kind:   string(domain.FormatFHIR),
			Issues: []domain.Issue{{Message: "empty payload"}},
		}
	}

	doc := &document{
		byRef:     make(map[string]*entry),
		organisms: make(map[*Observation]bool),
		parent:    make(map[*Observation]*Observation),
	}
	var out issues
	single := false

	switch trimmed[0] {
	case '[':
		var raws []json.RawMessage
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			return nil, false, fmt.Errorf("decode observation array: %w", err)
		}
		for i, raw := range raws {
			doc.add(fmt.Sprintf("[%d]", i), "", raw, &out)
		}
	case '{':
		var head Resource
		if err := json.Unmarshal(trimmed, &head); err != nil {
			return nil, false, fmt.Errorf("decode resource: %w", err)
		}
		switch head.ResourceType {
		case "Bundle":
			var b Bundle
			if err := json.Unmarshal(trimmed, &b); err != nil {
				return nil, false, fmt.Errorf("decode bundle: %w", err)
			}
			validateBundle(&b, &out)
			for i, be := range b.Entry {
				doc.add(fmt.Sprintf("entry[%d].resource", i), be.FullURL, be.Resource, &out)
			}
		case "Observation":
			single = true
			doc.add("", "", trimmed, &out)
		case "":
			out.add("resourceType", "is required")
		default:
			out.add("resourceType", "expected Bundle or Observation, got %q", head.ResourceType)
		}
	default:
		return nil, false, fmt.Errorf("fhir payload must be a JSON object or array")
	}

	if err := out.err(); err != nil {
		return nil, false, err
	}
	doc.markOrganisms()
	return doc, single, nil
}

func (d *document) add(path, fullURL string, raw json.RawMessage, out *issues) {
	if len(raw) == 0 {
		out.add(path, "resource is required")
		return
	}
	var head Resource
	if err := json.Unmarshal(raw, &head); err != nil {
		out.add(path, "invalid resource: %v", err)
		return
	}
	if head.ResourceType == "" {
		out.add(domain.JoinPath(path, "resourceType"), "is required")
		return
	}

	e := &entry{path: path, fullURL: fullURL}
	switch head.ResourceType {
	case "Observation":
		var obs Observation
		if err := json.Unmarshal(raw, &obs); err != nil {
			out.add(path, "invalid Observation: %v", err)
			return
		}
		validateObservation(path, &obs, out)
		e.obs = &obs
	case "Specimen":
		var spec Specimen
		if err := json.Unmarshal(raw, &spec); err != nil {
			out.add(path, "invalid Specimen: %v", err)
			return
		}
		e.spec = &spec
	default:
		// Patients, reports and the like are tolerated but unused.
		return
	}

	d.entries = append(d.entries, e)
	if head.ID != "" {
		d.byRef[head.ResourceType+"/"+head.ID] = e
		d.byRef["urn:uuid:"+head.ID] = e
	}
	if fullURL != "" {
		d.byRef[fullURL] = e
	}
}

// markOrganisms flags organism identification observations: by code, by
// text, by being the target of derivedFrom, or by grouping members through
// hasMember. Members inherit their group's organism.
func (d *document) markOrganisms() {
	for _, e := range d.entries {
		if e.obs == nil {
			continue
		}
		if isOrganismObservation(e.obs) {
			d.organisms[e.obs] = true
		}
		for _, ref := range e.obs.DerivedFrom {
			if target := d.resolve(ref.Reference); target != nil && target.obs != nil {
				d.organisms[target.obs] = true
			}
		}
		if len(e.obs.HasMember) > 0 {
			d.organisms[e.obs] = true
			for _, ref := range e.obs.HasMember {
				if member := d.resolve(ref.Reference); member != nil && member.obs != nil {
					d.parent[member.obs] = e.obs
				}
			}
		}
	}
}

func (d *document) resolve(ref string) *entry {
	if ref == "" {
		return nil
	}
	if e, ok := d.byRef[ref]; ok {
		return e
	}
	// Absolute URLs such as http://host/fhir/Observation/1.
	if i := strings.LastIndex(ref, "/"); i > 0 {
		if j := strings.LastIndex(ref[:i], "/"); j >= 0 {
			if e, ok := d.byRef[ref[j+1:]]; ok {
				return e
			}
		}
	}
	return nil
}

func isOrganismObservation(obs *Observation) bool {
	if obs.Code == nil {
		return false
	}
	if c, ok := obs.Code.CodeIn(SystemLOINC); ok && organismCodes[c.Code] {
		return true
	}
	text := strings.ToLower(obs.Code.Text)
	for _, c := range obs.Code.Coding {
		text += " " + strings.ToLower(c.Display)
	}
	return strings.Contains(text, "organism") || strings.Contains(text, "bacteria identified")
}

// organismInfo is what an identification observation contributes.
type organismInfo struct {
	name     string
	code     string
	features domain.Features
}

func (p *Parser) extract(ctx context.Context, doc *document, e *entry, out *issues) (domain.ClassificationInput, bool) {
	obs := e.obs
	in := domain.ClassificationInput{}
	features := domain.Features{}

	org := doc.organismFor(obs)
	in.Organism = org.name
	in.OrganismCode = org.code
	for k, v := range org.features {
		features[k] = v
	}

	// Notes on the susceptibility observation add features and may name
	// the organism when nothing else did.
	for _, n := range obs.Note {
		name, nf := parseNote(n.Text)
		if in.Organism == "" && name != "" {
			in.Organism = name
		}
		for k, v := range nf {
			features[k] = v
		}
	}
	in.Organism = terminology.NormalizeOrganism(in.Organism)
	if len(features) > 0 {
		in.Features = features
	}
	// Known mechanism flags must be booleans.
	featureIssues := features.Validate(domain.JoinPath(e.path, "note"))
	*out = append(*out, featureIssues...)

	if in.OrganismCode != "" {
		in.OrganismCode, in.ParseWarnings = p.checkOrganismCode(ctx, in.OrganismCode, in.ParseWarnings)
	}

	in.Antibiotic, in.AntibioticCode = antibiotic(obs.Code)

	method, warnings, ok := methodOf(obs)
	in.ParseWarnings = append(in.ParseWarnings, warnings...)
	if ok {
		in.Method = method
	}

	if obs.ValueQuantity.HasValue() {
		if v, err := obs.ValueQuantity.Number(); err == nil {
			switch in.Method {
			case domain.MethodMIC:
				in.MIC = &v
			case domain.MethodDisc:
				in.DiscZone = &v
			}
		}
	} else {
		in.ParseWarnings = append(in.ParseWarnings, fmt.Sprintf("Observation %s has no valueQuantity", describe(e)))
	}

	if obs.Subject != nil {
		in.PatientID = referenceID(obs.Subject.Reference)
	}
	if obs.Specimen != nil {
		in.SpecimenID = doc.specimenID(obs.Specimen.Reference)
	}

	valid := len(featureIssues) == 0
	if in.Organism == "" {
		out.add(e.path, "susceptibility Observation has no organism")
		valid = false
	}
	if in.Antibiotic == "" {
		out.add(domain.JoinPath(e.path, "code"), "cannot determine antibiotic")
		valid = false
	}
	if !ok {
		out.add(domain.JoinPath(e.path, "method"), "cannot determine susceptibility method")
		valid = false
	}
	return in, valid
}

// organismFor follows derivedFrom, then the hasMember group, then falls
// back to the only organism identification in the payload.
func (d *document) organismFor(obs *Observation) organismInfo {
	for _, ref := range obs.DerivedFrom {
		target := d.resolve(ref.Reference)
		if target == nil || target.obs == nil {
			continue
		}
		if info := organismFromObservation(target.obs); info.name != "" || info.code != "" {
			return info
		}
	}
	if group, ok := d.parent[obs]; ok {
		if info := organismFromObservation(group); info.name != "" || info.code != "" {
			return info
		}
	}
	if len(obs.DerivedFrom) == 0 && len(d.organisms) == 1 {
		for only := range d.organisms {
			return organismFromObservation(only)
		}
	}
	return organismInfo{}
}

func organismFromObservation(obs *Observation) organismInfo {
	var info organismInfo
	if cc := obs.ValueCodeableConcept; cc != nil {
		if c, ok := cc.CodeIn(SystemSNOMED); ok {
			info.code = c.Code
			info.name = c.Display
		}
		if info.name == "" {
			info.name = cc.Text
		}
		if info.name == "" && info.code != "" {
			if o, ok := terminology.OrganismByCode(info.code); ok {
				info.name = o.Name
			}
		}
	}
	if info.name == "" {
		info.name = obs.ValueString
	}
	for _, n := range obs.Note {
		name, features := parseNote(n.Text)
		if info.name == "" {
			info.name = name
		}
		for k, v := range features {
			if info.features == nil {
				info.features = domain.Features{}
			}
			info.features[k] = v
		}
	}
	return info
}

// parseNote reads "Name; key=value; key=value". Values true and false
// become booleans, numbers become float64, anything else stays a string.
func parseNote(text string) (string, domain.Features) {
	var name string
	var features domain.Features
	for i, part := range strings.Split(text, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found {
			if i == 0 {
				name = part
			}
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			continue
		}
		if features == nil {
			features = domain.Features{}
		}
		features[key] = noteValue(strings.TrimSpace(value))
	}
	return name, features
}

func noteValue(s string) any {
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func (p *Parser) checkOrganismCode(ctx context.Context, code string, warnings []string) (string, []string) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	switch p.validator.ValidateOrganismCode(ctx, code) {
	case terminology.CodeInvalid:
		return "", append(warnings, fmt.Sprintf("SNOMED code %s is not a valid organism concept; code dropped", code))
	case terminology.CodeUnverified:
		return code, append(warnings, fmt.Sprintf("SNOMED code %s could not be verified", code))
	}
	return code, warnings
}

// antibiotic reads the agent name from the observation code. The first
// non-empty display wins with any bracketed suffix removed; a known agent
// name inside it replaces the whole text.
func antibiotic(code *CodeableConcept) (string, string) {
	if code == nil {
		return "", ""
	}
	var name string
	for _, c := range code.Coding {
		if c.Display != "" {
			name = stripBracket(c.Display)
			if name != "" {
				break
			}
		}
	}
	if name == "" {
		name = stripBracket(code.Text)
	}
	if known, ok := terminology.AntibioticFromText(name); ok {
		name = known
	}

	var atc string
	if c, ok := code.CodeIn(SystemATC); ok {
		atc = c.Code
	} else if name != "" {
		atc, _ = terminology.AntibioticCode(name)
	}
	return name, atc
}

func stripBracket(s string) string {
	if i := strings.Index(s, "["); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func methodOf(obs *Observation) (domain.Method, []string, bool) {
	unit := obs.ValueQuantity.UnitText()
	unitMethod, unitWarnings, unitOK := methodFromUnit(unit)

	if obs.Method != nil {
		for _, c := range obs.Method.Coding {
			m, ok := domain.ParseMethod(c.Code)
			if !ok {
				continue
			}
			if unitOK && unitMethod != m {
				return m, []string{fmt.Sprintf("method %s does not match unit %q", m, unit)}, true
			}
			return m, unitWarnings, true
		}
	}
	if unitOK {
		return unitMethod, unitWarnings, true
	}

	var cues []string
	if obs.Method != nil {
		cues = append(cues, obs.Method.Text)
		for _, c := range obs.Method.Coding {
			cues = append(cues, c.Display)
		}
	}
	if obs.Code != nil {
		cues = append(cues, obs.Code.Text)
		for _, c := range obs.Code.Coding {
			cues = append(cues, c.Display)
		}
	}
	text := strings.Join(cues, " ")
	switch {
	case micCue.MatchString(text):
		return domain.MethodMIC, nil, true
	case discCue.MatchString(text):
		return domain.MethodDisc, nil, true
	}
	return "", nil, false
}

// methodFromUnit infers the method from a valueQuantity unit.
func methodFromUnit(unit string) (domain.Method, []string, bool) {
	switch strings.ToLower(unit) {
	case "mg/l":
		return domain.MethodMIC, nil, true
	case "mm":
		return domain.MethodDisc, nil, true
	case "ug/ml", "µg/ml", "mcg/ml":
		return domain.MethodMIC, []string{fmt.Sprintf("non-standard MIC unit %q treated as mg/L", unit)}, true
	}
	return "", nil, false
}

// specimenID prefers the referenced Specimen's first identifier.
func (d *document) specimenID(ref string) string {
	if e := d.resolve(ref); e != nil && e.spec != nil {
		for _, id := range e.spec.Identifier {
			if id.Value != "" {
				return id.Value
			}
		}
		if e.spec.ID != "" {
			return e.spec.ID
		}
	}
	return referenceID(ref)
}

// referenceID returns the id part of "Type/id" or "urn:uuid:id".
func referenceID(ref string) string {
	ref = strings.TrimPrefix(ref, "urn:uuid:")
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		return ref[i+1:]
	}
	return ref
}

func describe(e *entry) string {
	if e.obs.ID != "" {
		return e.obs.ID
	}
	if e.path != "" {
		return e.path
	}
	return "(unnamed)"
}
