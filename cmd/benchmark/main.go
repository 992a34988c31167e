// Benchmark tool for measuring amrclass categorical agreement against
// reference susceptibility results.
//
// Usage:
//
//	go run ./cmd/benchmark -csv /path/to/reference.csv -url http://localhost:8080
//
// The CSV needs a header with the columns organism, antibiotic, method,
// value and expected (S, I, R or RR). The tool:
//  1. Reads the reference rows
//  2. Posts each row to POST /classify/direct
//  3. Compares the returned decision with the expected one
//  4. Prints categorical agreement, very major and major error rates and a
//     confusion matrix
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Case is one reference row.
type Case struct {
	Line       int
	Organism   string
	Antibiotic string
	Method     string
	Value      float64
	Expected   string
}

// ClassifyRequest is the direct JSON input format.
type ClassifyRequest struct {
	Organism   string   `json:"organism"`
	Antibiotic string   `json:"antibiotic"`
	Method     string   `json:"method"`
	MIC        *float64 `json:"mic_mg_L,omitempty"`
	DiscZone   *float64 `json:"disc_zone_mm,omitempty"`
}

// ClassifyResponse is the subset of a classification result we read.
type ClassifyResponse struct {
	Decision    string `json:"decision"`
	Reason      string `json:"reason"`
	RuleVersion string `json:"rule_version"`
}

// decisions indexes the confusion matrix rows and columns.
var decisions = []string{"S", "I", "R", "RR"}

func decisionIndex(d string) int {
	for i, v := range decisions {
		if v == d {
			return i
		}
	}
	return -1
}

// Metrics tracks benchmark results. Matrix is [expected][predicted].
type Metrics struct {
	mu     sync.Mutex
	Matrix [4][4]int64

	TotalProcessed   atomic.Int64
	TotalErrors      atomic.Int64
	ProcessingTimeMs atomic.Int64
}

// Add records one classified case.
func (m *Metrics) Add(expected, predicted string) {
	e, p := decisionIndex(expected), decisionIndex(predicted)
	if e < 0 || p < 0 {
		m.TotalErrors.Add(1)
		return
	}
	m.mu.Lock()
	m.Matrix[e][p]++
	m.mu.Unlock()
}

// Agreement is the share of cases whose decision matches exactly.
func (m *Metrics) Agreement() float64 {
	var agree, total int64
	for e := range m.Matrix {
		for p := range m.Matrix[e] {
			total += m.Matrix[e][p]
			if e == p {
				agree += m.Matrix[e][p]
			}
		}
	}
	if total == 0 {
		return 0
	}
	return float64(agree) / float64(total)
}

// VeryMajorRate is the share of resistant cases reported susceptible.
func (m *Metrics) VeryMajorRate() float64 {
	return rate(m.Matrix[2][0], m.Matrix[2])
}

// MajorRate is the share of susceptible cases reported resistant.
func (m *Metrics) MajorRate() float64 {
	return rate(m.Matrix[0][2], m.Matrix[0])
}

func rate(n int64, row [4]int64) float64 {
	var total int64
	for _, v := range row {
		total += v
	}
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total)
}

func main() {
	csvPath := flag.String("csv", "", "Path to reference CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "amrclass base URL")
	limit := flag.Int("limit", 0, "Maximum rows to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	verbose := flag.Bool("verbose", false, "Print each disagreement")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/reference.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("AMRCLASS BENCHMARK - categorical agreement")
	fmt.Printf("\nCSV File:  %s\n", *csvPath)
	fmt.Printf("URL:       %s\n", *baseURL)
	fmt.Printf("Workers:   %d\n", *workers)
	fmt.Printf("Limit:     %d\n", *limit)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: amrclass not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure amrclass is running:")
		fmt.Println("  go run ./cmd/amrclass serve")
		os.Exit(1)
	}

	f, err := os.Open(*csvPath)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	cases, skipped, err := readCases(f, *limit)
	f.Close()
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %d cases (%d rows skipped)\n", len(cases), skipped)

	start := time.Now()
	metrics := runBenchmark(cases, *baseURL, *workers, *verbose)
	printResults(os.Stdout, metrics, time.Since(start))
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// readCases parses the reference CSV. Rows with a bad value or decision
// are skipped and counted.
func readCases(r io.Reader, limit int) ([]Case, int, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read header: %w", err)
	}
	col := make(map[string]int)
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range []string{"organism", "antibiotic", "method", "value", "expected"} {
		if _, ok := col[name]; !ok {
			return nil, 0, fmt.Errorf("missing column %q", name)
		}
	}

	var cases []Case
	skipped := 0
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			skipped++
			continue
		}

		value, err := strconv.ParseFloat(strings.TrimLeft(record[col["value"]], "<=>"), 64)
		expected := strings.ToUpper(strings.TrimSpace(record[col["expected"]]))
		if err != nil || decisionIndex(expected) < 0 {
			skipped++
			continue
		}

		cases = append(cases, Case{
			Line:       line,
			Organism:   record[col["organism"]],
			Antibiotic: record[col["antibiotic"]],
			Method:     strings.ToUpper(record[col["method"]]),
			Value:      value,
			Expected:   expected,
		})
		if limit > 0 && len(cases) >= limit {
			break
		}
	}
	return cases, skipped, nil
}

func runBenchmark(cases []Case, baseURL string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}
	work := make(chan Case, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for c := range work {
				start := time.Now()
				result, err := classify(client, baseURL, c)
				metrics.ProcessingTimeMs.Add(time.Since(start).Milliseconds())
				metrics.TotalProcessed.Add(1)

				if err != nil {
					metrics.TotalErrors.Add(1)
					if verbose {
						fmt.Printf("ERROR line %d: %v\n", c.Line, err)
					}
					continue
				}

				metrics.Add(c.Expected, result.Decision)
				if verbose && result.Decision != c.Expected {
					fmt.Printf("line %-5d %-24s %-16s %-4s %8g expected %-2s got %-2s | %s\n",
						c.Line, c.Organism, c.Antibiotic, c.Method, c.Value,
						c.Expected, result.Decision, result.Reason)
				}
			}
		}()
	}

	for _, c := range cases {
		work <- c
	}
	close(work)
	wg.Wait()

	return metrics
}

func classify(client *http.Client, baseURL string, c Case) (*ClassifyResponse, error) {
	req := ClassifyRequest{
		Organism:   c.Organism,
		Antibiotic: c.Antibiotic,
		Method:     c.Method,
	}
	value := c.Value
	if c.Method == "DISC" || c.Method == "DISK" {
		req.DiscZone = &value
	} else {
		req.MIC = &value
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	resp, err := client.Post(baseURL+"/classify/direct", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result ClassifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func printResults(w io.Writer, m *Metrics, duration time.Duration) {
	fmt.Fprintln(w, "\nBENCHMARK RESULTS")

	fmt.Fprintf(w, "\nDATASET\n")
	fmt.Fprintf(w, "   Total Processed:  %d\n", m.TotalProcessed.Load())
	fmt.Fprintf(w, "   Errors:           %d\n", m.TotalErrors.Load())

	fmt.Fprintf(w, "\nCONFUSION MATRIX (rows expected, columns predicted)\n")
	fmt.Fprintf(w, "          %8s %8s %8s %8s\n", "S", "I", "R", "RR")
	for e, name := range decisions {
		fmt.Fprintf(w, "   %-4s   %8d %8d %8d %8d\n", name,
			m.Matrix[e][0], m.Matrix[e][1], m.Matrix[e][2], m.Matrix[e][3])
	}

	fmt.Fprintf(w, "\nAGREEMENT\n")
	fmt.Fprintf(w, "   Categorical agreement:  %.4f\n", m.Agreement())
	fmt.Fprintf(w, "   Very major errors:      %.4f  (expected R, reported S)\n", m.VeryMajorRate())
	fmt.Fprintf(w, "   Major errors:           %.4f  (expected S, reported R)\n", m.MajorRate())

	fmt.Fprintf(w, "\nPERFORMANCE\n")
	fmt.Fprintf(w, "   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if n := m.TotalProcessed.Load(); n > 0 {
		fmt.Fprintf(w, "   Avg Latency:      %.2f ms\n", float64(m.ProcessingTimeMs.Load())/float64(n))
		fmt.Fprintf(w, "   Throughput:       %.2f req/sec\n", float64(n)/duration.Seconds())
	}
	fmt.Fprintln(w)
}
