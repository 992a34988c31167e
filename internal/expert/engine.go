// Package expert applies organism-level expert rules on top of breakpoint
// decisions: intrinsic resistance, resistance mechanisms and screening tests.
package expert

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/opensource-finance/amrclass/internal/domain"
)

// Engine evaluates expert rules in ascending priority; the first match wins.
// The rule list is replaced wholesale on AddRule so readers never lock.
type Engine struct {
	rules atomic.Pointer[[]domain.ExpertRule]
	mu    sync.Mutex
}

// New creates an engine over the given rules.
func New(rules ...domain.ExpertRule) *Engine {
	e := &Engine{}
	sorted := normalize(rules)
	e.rules.Store(&sorted)
	return e
}

// NewDefault creates an engine loaded with the built-in catalog.
func NewDefault() *Engine {
	return New(BuiltinRules()...)
}

// Rules returns a snapshot of the rules in evaluation order.
func (e *Engine) Rules() []domain.ExpertRule {
	current := *e.rules.Load()
	out := make([]domain.ExpertRule, len(current))
	copy(out, current)
	return out
}

// AddRule inserts a rule, keeping equal priorities in insertion order.
func (e *Engine) AddRule(rule domain.ExpertRule) error {
	if err := validateRule(rule); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	current := *e.rules.Load()
	for _, r := range current {
		if r.ID == rule.ID {
			return fmt.Errorf("expert rule %q already exists", rule.ID)
		}
	}
	next := normalize(append(append([]domain.ExpertRule(nil), current...), rule))
	e.rules.Store(&next)
	return nil
}

// ApplyRules returns the action and note of the first matching rule, or
// the baseline decision and no notes when nothing matches.
func (e *Engine) ApplyRules(in domain.ClassificationInput, baseline domain.Decision) (domain.Decision, []string) {
	if r, ok := e.Match(in); ok {
		return r.Action, []string{r.Note}
	}
	return baseline, nil
}

// Match returns the first matching rule, if any.
func (e *Engine) Match(in domain.ClassificationInput) (domain.ExpertRule, bool) {
	organism := strings.ToLower(in.Organism)
	antibiotic := strings.ToLower(in.Antibiotic)

	for _, r := range *e.rules.Load() {
		if matches(r, organism, antibiotic, in) {
			return r, true
		}
	}
	return domain.ExpertRule{}, false
}

func matches(r domain.ExpertRule, organism, antibiotic string, in domain.ClassificationInput) bool {
	return containsAny(organism, r.OrganismPatterns) &&
		containsAny(antibiotic, r.AntibioticPatterns) &&
		domain.AllMatch(r.Conditions, in)
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// normalize lower-cases patterns and stable-sorts by priority.
func normalize(rules []domain.ExpertRule) []domain.ExpertRule {
	out := make([]domain.ExpertRule, len(rules))
	for i, r := range rules {
		r.OrganismPatterns = lowerAll(r.OrganismPatterns)
		r.AntibioticPatterns = lowerAll(r.AntibioticPatterns)
		out[i] = r
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority < out[j].Priority
	})
	return out
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(strings.TrimSpace(s))
	}
	return out
}

func validateRule(r domain.ExpertRule) error {
	var errs []error
	if r.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if len(r.OrganismPatterns) == 0 {
		errs = append(errs, errors.New("at least one organism pattern is required"))
	}
	if len(r.AntibioticPatterns) == 0 {
		errs = append(errs, errors.New("at least one antibiotic pattern is required"))
	}
	if !r.Action.Valid() {
		errs = append(errs, fmt.Errorf("invalid action %q", r.Action))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid expert rule: %w", errors.Join(errs...))
	}
	return nil
}
