// Package rules loads versioned breakpoint rulesets from YAML and JSON
// files and serves the active ruleset with atomic reloads.
package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/amrclass/internal/domain"
)

// maxParallelFiles bounds concurrent file decoding.
const maxParallelFiles = 8

// Loader reads rule files from a set of files or directories.
type Loader struct {
	Paths   []string
	Version string
}

// NewLoader creates a loader for the configured rules paths.
func NewLoader(cfg domain.RulesConfig) *Loader {
	return &Loader{Paths: cfg.Paths, Version: cfg.Version}
}

type fileResult struct {
	doc    document
	issues []domain.Issue
}

// Load reads, validates and aggregates every source into one Ruleset.
// Any problem in any file fails the whole load with a
// *domain.RulesValidationError listing every issue.
func (l *Loader) Load(ctx context.Context) (*domain.Ruleset, error) {
	files, issues := l.sources()
	if len(files) == 0 && len(issues) == 0 {
		issues = append(issues, domain.Issue{Path: strings.Join(l.Paths, ","), Message: "no rule files found"})
	}
	if len(issues) > 0 {
		return nil, &domain.RulesValidationError{Issues: issues}
	}

	results := make([]fileResult, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelFiles)
	for i, file := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = parseFile(file)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("loading rules: %w", err)
	}

	rs := &domain.Ruleset{
		Version:  l.Version,
		Sources:  files,
		LoadedAt: time.Now().UTC(),
	}
	for _, res := range results {
		issues = append(issues, res.issues...)
		rs.Rules = append(rs.Rules, res.doc.Rules...)
		if rs.Version == "" {
			rs.Version = res.doc.Version
		}
	}
	if len(issues) == 0 && len(rs.Rules) == 0 {
		issues = append(issues, domain.Issue{Path: strings.Join(files, ","), Message: "ruleset contains no rules"})
	}
	if len(issues) > 0 {
		return nil, &domain.RulesValidationError{Issues: issues}
	}

	rs.Warnings = duplicateWarnings(rs.Rules)
	for _, w := range rs.Warnings {
		slog.Warn("duplicate breakpoint rule", "detail", w, "version", rs.Version)
	}
	return rs, nil
}

// sources expands the configured paths into a sorted, de-duplicated file list.
func (l *Loader) sources() ([]string, []domain.Issue) {
	var (
		files  []string
		issues []domain.Issue
		seen   = make(map[string]bool)
	)
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			files = append(files, p)
		}
	}

	for _, p := range l.Paths {
		info, err := os.Stat(p)
		if err != nil {
			issues = append(issues, domain.Issue{Path: p, Message: fmt.Sprintf("cannot read rules path: %v", err)})
			continue
		}
		if !info.IsDir() {
			add(p)
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			issues = append(issues, domain.Issue{Path: p, Message: fmt.Sprintf("cannot list rules directory: %v", err)})
			continue
		}
		for _, e := range entries {
			if !e.IsDir() && isRuleFile(e.Name()) {
				add(filepath.Join(p, e.Name()))
			}
		}
	}
	sort.Strings(files)
	return files, issues
}

func isRuleFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

func parseFile(path string) fileResult {
	w := &walker{source: path}

	data, err := os.ReadFile(path)
	if err != nil {
		w.fail("$", "cannot read file: %v", err)
		return fileResult{issues: w.issues}
	}

	var raw any
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &raw)
	} else {
		err = yaml.Unmarshal(data, &raw)
	}
	if err != nil {
		w.fail("$", "cannot parse file: %v", err)
		return fileResult{issues: w.issues}
	}

	doc := w.document(raw)
	if len(w.issues) == 0 {
		if err := validateSchema(raw); err != nil {
			w.fail("$", "schema: %v", err)
		}
	}
	return fileResult{doc: doc, issues: w.issues}
}

func duplicateWarnings(rules []domain.Rule) []string {
	first := make(map[string]domain.Rule, len(rules))
	var warnings []string
	for _, r := range rules {
		key := r.Key()
		if prev, dup := first[key]; dup {
			warnings = append(warnings, fmt.Sprintf(
				"%s/%s/%s at %s rules[%d] is shadowed by %s rules[%d]",
				r.Organism, r.Antibiotic, r.Method, r.Source, r.Index, prev.Source, prev.Index))
			continue
		}
		first[key] = r
	}
	return warnings
}
