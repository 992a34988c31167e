package rules

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/opensource-finance/amrclass/internal/domain"
)

var (
	documentKeys  = map[string]bool{"version": true, "rules": true, "description": true}
	ruleKeys      = map[string]bool{"organism": true, "antibiotic": true, "method": true, "mic": true, "disc": true, "version": true, "exceptions": true}
	organismKeys  = map[string]bool{"name": true, "snomed": true}
	antibioticKey = map[string]bool{"name": true, "atc": true}
	micKeys       = map[string]bool{"susceptible_max": true, "intermediate_range": true, "resistant_min": true}
	discKeys      = map[string]bool{"susceptible_min_zone_mm": true, "intermediate_range_zone_mm": true, "resistant_max_zone_mm": true}
	exceptionKeys = map[string]bool{"when": true, "action": true}
)

// document is a decoded rule file.
type document struct {
	Version string
	Rules   []domain.Rule
}

// walker converts a generic decoded document into rules while recording
// every violation instead of stopping at the first.
type walker struct {
	source string
	issues []domain.Issue
}

func (w *walker) fail(path, format string, args ...any) {
	w.issues = append(w.issues, domain.Issue{
		Path:    w.source + ": " + path,
		Message: fmt.Sprintf(format, args...),
	})
}

func (w *walker) document(raw any) document {
	var doc document

	top, ok := raw.(map[string]any)
	if !ok {
		w.fail("$", "document must be a mapping with version and rules")
		return doc
	}
	w.unknownKeys("$", top, documentKeys)

	doc.Version = w.requiredString("version", top["version"], top)

	rawRules, present := top["rules"]
	if !present {
		w.fail("rules", "is required")
		return doc
	}
	list, ok := rawRules.([]any)
	if !ok {
		w.fail("rules", "must be a list")
		return doc
	}
	for i, item := range list {
		path := fmt.Sprintf("rules[%d]", i)
		if rule, ok := w.rule(path, item); ok {
			rule.Source = w.source
			rule.Index = i
			doc.Rules = append(doc.Rules, rule)
		}
	}
	return doc
}

func (w *walker) rule(path string, raw any) (domain.Rule, bool) {
	var r domain.Rule
	before := len(w.issues)

	m, ok := raw.(map[string]any)
	if !ok {
		w.fail(path, "must be a mapping")
		return r, false
	}
	w.unknownKeys(path, m, ruleKeys)

	if org, ok := w.mapping(path+".organism", m["organism"], true); ok {
		w.unknownKeys(path+".organism", org, organismKeys)
		r.Organism = w.requiredString(path+".organism.name", org["name"], org)
		r.OrganismCode = w.code(path+".organism.snomed", org["snomed"])
	}
	if abx, ok := w.mapping(path+".antibiotic", m["antibiotic"], true); ok {
		w.unknownKeys(path+".antibiotic", abx, antibioticKey)
		r.Antibiotic = w.requiredString(path+".antibiotic.name", abx["name"], abx)
		r.AntibioticCode = w.code(path+".antibiotic.atc", abx["atc"])
	}

	if s, ok := m["method"].(string); ok {
		method, valid := domain.ParseMethod(s)
		if !valid {
			w.fail(path+".method", "must be MIC or DISC, got %q", s)
		}
		r.Method = method
	} else {
		w.fail(path+".method", "is required and must be MIC or DISC")
	}

	if mic, ok := w.mapping(path+".mic", m["mic"], false); ok {
		w.unknownKeys(path+".mic", mic, micKeys)
		r.MIC = &domain.MICBreakpoints{
			SusceptibleMax:    w.threshold(path+".mic.susceptible_max", mic["susceptible_max"]),
			IntermediateRange: w.interval(path+".mic.intermediate_range", mic["intermediate_range"]),
			ResistantMin:      w.threshold(path+".mic.resistant_min", mic["resistant_min"]),
		}
	}
	if disc, ok := w.mapping(path+".disc", m["disc"], false); ok {
		w.unknownKeys(path+".disc", disc, discKeys)
		r.Disc = &domain.DiscBreakpoints{
			SusceptibleMinZoneMM:    w.threshold(path+".disc.susceptible_min_zone_mm", disc["susceptible_min_zone_mm"]),
			IntermediateRangeZoneMM: w.interval(path+".disc.intermediate_range_zone_mm", disc["intermediate_range_zone_mm"]),
			ResistantMaxZoneMM:      w.threshold(path+".disc.resistant_max_zone_mm", disc["resistant_max_zone_mm"]),
		}
	}

	switch r.Method {
	case domain.MethodMIC:
		if r.MIC == nil || (r.MIC.SusceptibleMax == nil && r.MIC.IntermediateRange == nil && r.MIC.ResistantMin == nil) {
			w.fail(path+".mic", "MIC rule requires at least one MIC breakpoint")
		}
	case domain.MethodDisc:
		if r.Disc == nil || (r.Disc.SusceptibleMinZoneMM == nil && r.Disc.IntermediateRangeZoneMM == nil && r.Disc.ResistantMaxZoneMM == nil) {
			w.fail(path+".disc", "DISC rule requires at least one disc breakpoint")
		}
	}

	if v, present := m["version"]; present {
		if s, ok := v.(string); ok {
			r.Version = s
		} else {
			w.fail(path+".version", "must be a string")
		}
	}

	if raw, present := m["exceptions"]; present {
		list, ok := raw.([]any)
		if !ok {
			w.fail(path+".exceptions", "must be a list")
		}
		for i, item := range list {
			if ex, ok := w.exception(fmt.Sprintf("%s.exceptions[%d]", path, i), item); ok {
				r.Exceptions = append(r.Exceptions, ex)
			}
		}
	}

	return r, len(w.issues) == before
}

func (w *walker) exception(path string, raw any) (domain.Exception, bool) {
	var ex domain.Exception
	m, ok := raw.(map[string]any)
	if !ok {
		w.fail(path, "must be a mapping with when and action")
		return ex, false
	}
	w.unknownKeys(path, m, exceptionKeys)

	ex.When = w.requiredString(path+".when", m["when"], m)
	action, _ := m["action"].(string)
	if domain.Decision(action) != domain.DecisionReview {
		w.fail(path+".action", "must be RR, got %v", m["action"])
		return ex, false
	}
	ex.Action = domain.DecisionReview
	if ex.When == "" {
		return ex, false
	}

	conds, err := CompileCondition(ex.When)
	if err != nil {
		w.fail(path+".when", "%v", err)
		return ex, false
	}
	ex.Conditions = conds
	return ex, true
}

func (w *walker) mapping(path string, raw any, required bool) (map[string]any, bool) {
	if raw == nil {
		if required {
			w.fail(path, "is required")
		}
		return nil, false
	}
	m, ok := raw.(map[string]any)
	if !ok {
		w.fail(path, "must be a mapping")
		return nil, false
	}
	return m, true
}

func (w *walker) requiredString(path string, raw any, parent map[string]any) string {
	key := path[strings.LastIndex(path, ".")+1:]
	if _, present := parent[key]; !present {
		w.fail(path, "is required")
		return ""
	}
	s, ok := raw.(string)
	if !ok || strings.TrimSpace(s) == "" {
		w.fail(path, "must be a non-empty string")
		return ""
	}
	return strings.TrimSpace(s)
}

// code accepts strings and unquoted integers, which YAML decodes as numbers.
func (w *walker) code(path string, raw any) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case float64:
		if v == math.Trunc(v) {
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	w.fail(path, "must be a string code")
	return ""
}

func (w *walker) threshold(path string, raw any) *float64 {
	if raw == nil {
		return nil
	}
	v, ok := toFloat(raw)
	if !ok {
		w.fail(path, "must be a number, got %v", raw)
		return nil
	}
	if v < 0 || math.IsInf(v, 0) || math.IsNaN(v) {
		w.fail(path, "must be a finite non-negative number")
		return nil
	}
	return &v
}

func (w *walker) interval(path string, raw any) *domain.Range {
	if raw == nil {
		return nil
	}
	list, ok := raw.([]any)
	if !ok || len(list) != 2 {
		w.fail(path, "must be a [low, high] pair")
		return nil
	}
	lo, okLo := toFloat(list[0])
	hi, okHi := toFloat(list[1])
	if !okLo || !okHi {
		w.fail(path, "bounds must be numbers")
		return nil
	}
	if lo > hi {
		w.fail(path, "low %g must not exceed high %g", lo, hi)
		return nil
	}
	return &domain.Range{Low: lo, High: hi}
}

func (w *walker) unknownKeys(path string, m map[string]any, allowed map[string]bool) {
	var unknown []string
	for k := range m {
		if !allowed[k] {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)
	for _, k := range unknown {
		w.fail(domain.JoinPath(strings.TrimPrefix(path, "$"), k), "unknown field")
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
