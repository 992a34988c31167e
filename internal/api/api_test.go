package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/amrclass/internal/audit"
	"github.com/opensource-finance/amrclass/internal/bus"
	"github.com/opensource-finance/amrclass/internal/classifier"
	"github.com/opensource-finance/amrclass/internal/domain"
	"github.com/opensource-finance/amrclass/internal/expert"
	"github.com/opensource-finance/amrclass/internal/fhir"
	"github.com/opensource-finance/amrclass/internal/ingest"
	"github.com/opensource-finance/amrclass/internal/repository"
	"github.com/opensource-finance/amrclass/internal/rules"
	"github.com/opensource-finance/amrclass/internal/worker"
)

const testRules = `
version: TEST-1
rules:
  - organism: {name: Escherichia coli, snomed: 112283007}
    antibiotic: {name: Ciprofloxacin, atc: J01MA02}
    method: MIC
    mic: {susceptible_max: 0.25, intermediate_range: [0.5, 0.5], resistant_min: 1}
  - organism: {name: Escherichia coli, snomed: 112283007}
    antibiotic: {name: Ciprofloxacin, atc: J01MA02}
    method: DISC
    disc: {susceptible_min_zone_mm: 25, intermediate_range_zone_mm: [22, 24], resistant_max_zone_mm: 21}
  - organism: {name: Klebsiella pneumoniae, snomed: 56415008}
    antibiotic: {name: Ceftriaxone, atc: J01DD04}
    method: MIC
    mic: {susceptible_max: 1, intermediate_range: [2, 2], resistant_min: 4}
`

type testEnv struct {
	server   *Server
	rulesDir string
	repo     *repository.SQLRepository
	sink     *worker.Worker
}

// newTestEnv wires the full stack over a temp rules dir, a channel bus
// and a temp SQLite audit store.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dir := t.TempDir()
	rulesDir := filepath.Join(dir, "rules")
	if err := os.Mkdir(rulesDir, 0o755); err != nil {
		t.Fatal(err)
	}
	writeRules(t, rulesDir, "rules.yaml", testRules)

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: filepath.Join(dir, "audit.db")})
	if err != nil {
		t.Fatalf("repository.New failed: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	sink := worker.NewWorker(eventBus, repo)
	if err := sink.Start(); err != nil {
		t.Fatalf("worker start failed: %v", err)
	}
	t.Cleanup(func() { sink.Stop() })

	store := rules.NewStore(rules.NewLoader(domain.RulesConfig{Paths: []string{rulesDir}}))
	experts := expert.NewDefault()

	server := NewServer(domain.ServerConfig{MaxBodyBytes: 1 << 16}, Deps{
		Store:      store,
		Experts:    experts,
		Classifier: classifier.New(store, experts),
		Dispatcher: ingest.NewDefaultDispatcher(fhir.NewParser(nil, 0)),
		Recorder:   audit.NewRecorder(eventBus, domain.AuditConfig{Enabled: true}),
		Repo:       repo,
		Bus:        eventBus,
		Version:    "test-v1",
	})
	return &testEnv{server: server, rulesDir: rulesDir, repo: repo, sink: sink}
}

func writeRules(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
		t.Fatalf("write rules: %v", err)
	}
}

func (e *testEnv) do(method, path, contentType, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rr := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
	}
	return v
}

func TestClassifyDirect(t *testing.T) {
	env := newTestEnv(t)

	t.Run("SingleObject", func(t *testing.T) {
		rr := env.do(http.MethodPost, "/classify/direct", "application/json",
			`{"organism":"Escherichia coli","antibiotic":"Ciprofloxacin","method":"MIC","mic_mg_L":0.125,"specimen_id":"S1"}`)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		res := decode[domain.ClassificationResult](t, rr)
		if res.Decision != domain.DecisionSusceptible {
			t.Errorf("expected S, got %s (%s)", res.Decision, res.Reason)
		}
		if res.RuleVersion != "TEST-1" {
			t.Errorf("expected rule version TEST-1, got %s", res.RuleVersion)
		}
		if got := rr.Header().Get(PayloadFormatHeader); got != "json" {
			t.Errorf("expected format header json, got %q", got)
		}
	})

	t.Run("ArrayKeepsOrder", func(t *testing.T) {
		rr := env.do(http.MethodPost, "/classify/direct", "application/json", `[
			{"organism":"Escherichia coli","antibiotic":"Ciprofloxacin","method":"DISC","disc_zone_mm":18},
			{"organism":"Klebsiella pneumoniae","antibiotic":"Ceftriaxone","method":"MIC","mic_mg_L":0.5,"features":{"esbl":true}}
		]`)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		results := decode[[]domain.ClassificationResult](t, rr)
		if len(results) != 2 {
			t.Fatalf("expected 2 results, got %d", len(results))
		}
		if results[0].Decision != domain.DecisionResistant {
			t.Errorf("disc 18 mm should be R, got %s", results[0].Decision)
		}
		if results[1].Decision != domain.DecisionResistant || !strings.Contains(results[1].Reason, "Expert") {
			t.Errorf("ESBL should force R, got %s: %s", results[1].Decision, results[1].Reason)
		}
	})

	t.Run("ValidationIssues", func(t *testing.T) {
		rr := env.do(http.MethodPost, "/classify/direct", "application/json",
			`[{"organism":"Escherichia coli","antibiotic":"Ciprofloxacin","method":"ETEST"}]`)
		if rr.Code != http.StatusUnprocessableEntity {
			t.Fatalf("expected status 422, got %d: %s", rr.Code, rr.Body.String())
		}
		resp := decode[ErrorResponse](t, rr)
		if resp.Kind != "json" || len(resp.Issues) != 1 || resp.Issues[0].Path != "[0].method" {
			t.Errorf("unexpected error response: %+v", resp)
		}
	})

	t.Run("MalformedJSON", func(t *testing.T) {
		rr := env.do(http.MethodPost, "/classify/direct", "application/json", `{"organism":`)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("EmptyBody", func(t *testing.T) {
		rr := env.do(http.MethodPost, "/classify/direct", "application/json", "")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("BodyTooLarge", func(t *testing.T) {
		rr := env.do(http.MethodPost, "/classify/direct", "application/json", strings.Repeat(" ", 1<<17))
		if rr.Code != http.StatusRequestEntityTooLarge {
			t.Errorf("expected status 413, got %d", rr.Code)
		}
	})
}

func TestClassifyDetect(t *testing.T) {
	env := newTestEnv(t)

	t.Run("FHIRBundle", func(t *testing.T) {
		mic := 0.5
		bundle, err := fhir.BuildBundle([]domain.ClassificationInput{{
			Organism:   "Escherichia coli",
			Antibiotic: "Ciprofloxacin",
			Method:     domain.MethodMIC,
			MIC:        &mic,
		}})
		if err != nil {
			t.Fatalf("BuildBundle failed: %v", err)
		}
		body, _ := json.Marshal(bundle)

		rr := env.do(http.MethodPost, "/classify", "application/fhir+json", string(body))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		results := decode[[]domain.ClassificationResult](t, rr)
		if len(results) != 1 || results[0].Decision != domain.DecisionIntermediate {
			t.Errorf("expected one I result, got %+v", results)
		}
		if got := rr.Header().Get(PayloadFormatHeader); got != "fhir" {
			t.Errorf("expected format header fhir, got %q", got)
		}
	})

	t.Run("HL7v2", func(t *testing.T) {
		msg := "MSH|^~\\&|LIS|MICRO|AMR|HOSP|20250301120000||ORU^R01|MSG1|P|2.5.1\r" +
			"PID|1||PAT-1\r" +
			"OBX|1|CE|634-6^Bacteria identified^LN||112283007^Escherichia coli^SCT||||||F\r" +
			"OBX|2|NM|CIP^Ciprofloxacin MIC^L||2|mg/L|||||F\r"

		rr := env.do(http.MethodPost, "/classify", "x-application/hl7-v2+er7", msg)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		results := decode[[]domain.ClassificationResult](t, rr)
		if len(results) != 1 || results[0].Decision != domain.DecisionResistant {
			t.Errorf("expected one R result, got %+v", results)
		}
	})

	t.Run("UnsupportedHL7Type", func(t *testing.T) {
		rr := env.do(http.MethodPost, "/classify/hl7v2", "text/plain", "MSH|^~\\&|A|B|C|D|20250301||ADT^A01|1|P|2.5\r")
		if rr.Code != http.StatusUnprocessableEntity {
			t.Errorf("expected status 422, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("UnknownFormat", func(t *testing.T) {
		rr := env.do(http.MethodPost, "/classify", "text/plain", "organism,antibiotic\n")
		if rr.Code != http.StatusUnsupportedMediaType {
			t.Errorf("expected status 415, got %d", rr.Code)
		}
	})

	t.Run("FHIRValidation", func(t *testing.T) {
		rr := env.do(http.MethodPost, "/classify/fhir", "application/fhir+json", `{"resourceType":"Patient","id":"p1"}`)
		if rr.Code != http.StatusUnprocessableEntity {
			t.Fatalf("expected status 422, got %d: %s", rr.Code, rr.Body.String())
		}
		if resp := decode[ErrorResponse](t, rr); resp.Kind != "fhir" || len(resp.Issues) == 0 {
			t.Errorf("expected fhir issues, got %+v", resp)
		}
	})
}

func TestRulesEndpoints(t *testing.T) {
	env := newTestEnv(t)

	t.Run("ListRules", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/rules?rules=false", "", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		resp := decode[RulesetResponse](t, rr)
		if resp.Version != "TEST-1" || resp.Count != 3 || len(resp.Rules) != 0 {
			t.Errorf("unexpected ruleset response: %+v", resp)
		}
	})

	t.Run("ReloadSuccess", func(t *testing.T) {
		writeRules(t, env.rulesDir, "rules.yaml", strings.Replace(testRules, "TEST-1", "TEST-2", 1))

		rr := env.do(http.MethodPost, "/rules/reload", "", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		res := decode[rules.ReloadResult](t, rr)
		if res.Version != "TEST-2" || res.Previous != "TEST-1" {
			t.Errorf("unexpected reload result: %+v", res)
		}
	})

	t.Run("ReloadFailureKeepsPrevious", func(t *testing.T) {
		writeRules(t, env.rulesDir, "broken.yaml", "version: BAD\nrules:\n  - organism: {name: Escherichia coli}\n    method: MIC\n")

		rr := env.do(http.MethodPost, "/rules/reload", "", "")
		if rr.Code != http.StatusUnprocessableEntity {
			t.Fatalf("expected status 422, got %d: %s", rr.Code, rr.Body.String())
		}
		resp := decode[ErrorResponse](t, rr)
		if resp.ActiveVersion != "TEST-2" || len(resp.Issues) == 0 {
			t.Errorf("unexpected reload failure response: %+v", resp)
		}

		rr = env.do(http.MethodGet, "/rules?rules=false", "", "")
		if resp := decode[RulesetResponse](t, rr); resp.Version != "TEST-2" {
			t.Errorf("previous ruleset should stay active, got %s", resp.Version)
		}
	})

	t.Run("ExpertRules", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/expert-rules", "", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		resp := decode[struct {
			Rules []domain.ExpertRule `json:"rules"`
			Count int                 `json:"count"`
		}](t, rr)
		if resp.Count == 0 || resp.Count != len(resp.Rules) {
			t.Errorf("unexpected expert rule listing: count=%d rules=%d", resp.Count, len(resp.Rules))
		}
	})
}

func TestAuditTrail(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/classify/direct", bytes.NewBufferString(
		`{"organism":"Escherichia coli","antibiotic":"Ciprofloxacin","method":"MIC","mic_mg_L":4,"patient_id":"P1"}`))
	req.Header.Set(RequestIDHeader, "req-audit-1")
	rr := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	deadline := time.Now().Add(2 * time.Second)
	for env.sink.GetStats().Saved < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	rr = env.do(http.MethodGet, "/audit?limit=10", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	list := decode[struct {
		Records []domain.AuditRecord `json:"records"`
	}](t, rr)
	if len(list.Records) != 1 {
		t.Fatalf("expected 1 audit record, got %d", len(list.Records))
	}
	got := list.Records[0]
	if got.RequestID != "req-audit-1" || got.Decision != "R" || got.PatientID != "P1" {
		t.Errorf("unexpected audit record: %+v", got)
	}

	rr = env.do(http.MethodGet, "/audit/"+got.ID, "", "")
	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
	rr = env.do(http.MethodGet, "/audit/missing", "", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rr.Code)
	}
	rr = env.do(http.MethodGet, "/audit?since=yesterday", "", "")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rr.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	t.Run("HealthCheck", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/health", "", "")
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
		resp := decode[map[string]any](t, rr)
		if resp["status"] != "healthy" {
			t.Errorf("expected status 'healthy', got '%v'", resp["status"])
		}
		if resp["version"] != "test-v1" {
			t.Errorf("expected version 'test-v1', got '%v'", resp["version"])
		}
	})

	t.Run("ReadyCheck", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/ready", "", "")
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("NotReadyWithoutRules", func(t *testing.T) {
		if err := os.Remove(filepath.Join(env.rulesDir, "rules.yaml")); err != nil {
			t.Fatal(err)
		}
		fresh := NewServer(domain.ServerConfig{}, Deps{
			Store: rules.NewStore(rules.NewLoader(domain.RulesConfig{Paths: []string{env.rulesDir}})),
		})
		req := httptest.NewRequest(http.MethodGet, "/ready", nil)
		rr := httptest.NewRecorder()
		fresh.Router().ServeHTTP(rr, req)
		if rr.Code != http.StatusServiceUnavailable {
			t.Errorf("expected status 503, got %d", rr.Code)
		}
	})
}

func TestMiddleware(t *testing.T) {
	env := newTestEnv(t)

	t.Run("RequestIDs", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/health", "", "")
		if rr.Header().Get(RequestIDHeader) == "" {
			t.Error("expected X-Request-ID header in response")
		}
		if rr.Header().Get(TraceIDHeader) == "" {
			t.Error("expected X-Trace-ID header in response")
		}
		if rr.Header().Get("Content-Type") != "application/json" {
			t.Error("expected Content-Type: application/json")
		}
	})

	t.Run("CORSPreflight", func(t *testing.T) {
		rr := env.do(http.MethodOptions, "/classify", "", "")
		if rr.Code != http.StatusNoContent {
			t.Errorf("expected status 204, got %d", rr.Code)
		}
	})

	t.Run("UnknownRouteIsJSON", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/breakpoints", "", "")
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
		if resp := decode[ErrorResponse](t, rr); resp.Error == "" {
			t.Error("expected an error message")
		}

		rr = env.do(http.MethodDelete, "/rules", "", "")
		if rr.Code != http.StatusMethodNotAllowed {
			t.Errorf("expected status 405, got %d", rr.Code)
		}
	})

	t.Run("RecoverFromPanic", func(t *testing.T) {
		h := RecoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			panic("boom")
		}))
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
		if resp := decode[ErrorResponse](t, rr); resp.Error != "internal server error" {
			t.Errorf("unexpected error body: %+v", resp)
		}
	})

	t.Run("KeepsCallerRequestID", func(t *testing.T) {
		var seen string
		h := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = GetRequestID(r.Context())
		}))
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "lab-42")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)

		if seen != "lab-42" || rr.Header().Get(RequestIDHeader) != "lab-42" {
			t.Errorf("request id not propagated: context %q, header %q", seen, rr.Header().Get(RequestIDHeader))
		}
	})
}
