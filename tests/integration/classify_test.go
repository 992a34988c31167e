//go:build integration
// +build integration

// Package integration runs end-to-end checks against a running amrclass
// server started with the shipped ruleset (rules/eucast-2025.yaml).
//
// Run with:
//
//	go run ./cmd/amrclass serve &
//	go test -tags=integration -v ./tests/integration/...
//
// AMRCLASS_TEST_URL overrides the default http://localhost:8080.
package integration

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"
)

func baseURL() string {
	if u := os.Getenv("AMRCLASS_TEST_URL"); u != "" {
		return u
	}
	return "http://localhost:8080"
}

// Result mirrors the fields of a classification result the tests read.
type Result struct {
	Organism    string `json:"organism"`
	Antibiotic  string `json:"antibiotic"`
	Method      string `json:"method"`
	Decision    string `json:"decision"`
	Reason      string `json:"reason"`
	RuleVersion string `json:"rule_version"`
}

func post(t *testing.T, path, contentType, body string) (int, []byte) {
	t.Helper()

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(baseURL()+path, contentType, bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	return resp.StatusCode, respBody
}

func classifyDirect(t *testing.T, body string) Result {
	t.Helper()
	status, resp := post(t, "/classify/direct", "application/json", body)
	if status != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", status, resp)
	}
	var res Result
	if err := json.Unmarshal(resp, &res); err != nil {
		t.Fatalf("Failed to parse response: %v\nBody: %s", err, resp)
	}
	return res
}

func TestServerHealthy(t *testing.T) {
	resp, err := http.Get(baseURL() + "/ready")
	if err != nil {
		t.Fatalf("Server not reachable: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Server not ready: status %d", resp.StatusCode)
	}
}

// TestScenarios covers the four reference classifications end to end.
func TestScenarios(t *testing.T) {
	t.Run("SusceptibleMIC", func(t *testing.T) {
		res := classifyDirect(t, `{"organism":"Escherichia coli","antibiotic":"Amoxicillin","method":"MIC","mic_mg_L":4.0}`)
		if res.Decision != "S" {
			t.Errorf("Expected S, got %s: %s", res.Decision, res.Reason)
		}
		if !strings.Contains(res.Reason, "MIC 4.0") || !strings.Contains(res.Reason, "<= susceptible_max 8.0") {
			t.Errorf("Unexpected reason: %s", res.Reason)
		}
	})

	t.Run("ResistantDisc", func(t *testing.T) {
		res := classifyDirect(t, `{"organism":"Staphylococcus aureus","antibiotic":"Ciprofloxacin","method":"DISC","disc_zone_mm":15.0}`)
		if res.Decision != "R" {
			t.Errorf("Expected R, got %s: %s", res.Decision, res.Reason)
		}
	})

	t.Run("ESBLOverride", func(t *testing.T) {
		for _, mic := range []string{"0.25", "8"} {
			res := classifyDirect(t, `{"organism":"Klebsiella pneumoniae","antibiotic":"Ceftriaxone","method":"MIC","mic_mg_L":`+mic+`,"features":{"esbl":true}}`)
			if res.Decision != "R" {
				t.Errorf("MIC %s: expected R, got %s: %s", mic, res.Decision, res.Reason)
			}
		}
	})

	t.Run("HL7MissingValue", func(t *testing.T) {
		msg := "MSH|^~\\&|LIS|MICRO|AMR|HOSP|20250301120000||ORU^R01|MSG1|P|2.5.1\r" +
			"PID|1||PAT-1\r" +
			"OBX|1|CE|634-6^Bacteria identified^LN||112283007^Escherichia coli^SCT||||||F\r" +
			"OBX|2|NM|AMX^Amoxicillin MIC^L||Missing|mg/L|||||F\r"

		status, resp := post(t, "/classify", "x-application/hl7-v2+er7", msg)
		if status != http.StatusOK {
			t.Fatalf("Expected 200, got %d: %s", status, resp)
		}
		var results []Result
		if err := json.Unmarshal(resp, &results); err != nil {
			t.Fatalf("Failed to parse response: %v", err)
		}
		if len(results) != 1 || results[0].Decision != "RR" || !strings.Contains(results[0].Reason, "Missing MIC value") {
			t.Errorf("Expected one RR with a missing value reason, got %+v", results)
		}
	})
}

func TestIntrinsicResistance(t *testing.T) {
	res := classifyDirect(t, `{"organism":"Pseudomonas aeruginosa","antibiotic":"Ampicillin","method":"MIC","mic_mg_L":0.5}`)
	if res.Decision != "R" {
		t.Errorf("Expected intrinsic R, got %s: %s", res.Decision, res.Reason)
	}
}

func TestErrorResponses(t *testing.T) {
	tests := []struct {
		name        string
		path        string
		contentType string
		body        string
		want        int
	}{
		{"UnknownFormat", "/classify", "text/plain", "not a payload", http.StatusUnsupportedMediaType},
		{"MalformedJSON", "/classify/direct", "application/json", `{"organism":`, http.StatusBadRequest},
		{"InvalidMethod", "/classify/direct", "application/json", `{"organism":"Escherichia coli","antibiotic":"Amoxicillin","method":"ETEST"}`, http.StatusUnprocessableEntity},
		{"WrongHL7Type", "/classify/hl7v2", "text/plain", "MSH|^~\\&|A|B|C|D|20250301||ADT^A01|1|P|2.5\r", http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := post(t, tt.path, tt.contentType, tt.body)
			if status != tt.want {
				t.Errorf("Expected %d, got %d: %s", tt.want, status, resp)
			}
		})
	}
}
