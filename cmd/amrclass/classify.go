package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/amrclass/internal/classifier"
	"github.com/opensource-finance/amrclass/internal/domain"
	"github.com/opensource-finance/amrclass/internal/expert"
	"github.com/opensource-finance/amrclass/internal/fhir"
	"github.com/opensource-finance/amrclass/internal/ingest"
	"github.com/opensource-finance/amrclass/internal/rules"
	"github.com/opensource-finance/amrclass/internal/terminology"
)

var classifyFlags struct {
	format   string
	rules    []string
	emitFHIR bool
}

var classifyCmd = &cobra.Command{
	Use:   "classify <file|->",
	Short: "Classify a payload file offline and print the results as JSON",
	Long: `Reads a FHIR, HL7v2 or direct JSON payload from a file (or stdin with -)
and classifies it against the configured ruleset without starting a server.
The format is detected unless --format is given; direct JSON always needs
--format json. With --emit-fhir a direct JSON payload is converted to a FHIR
collection Bundle instead of being classified.`,
	Args: cobra.ExactArgs(1),
	RunE: runClassify,
}

func init() {
	f := classifyCmd.Flags()
	f.StringVar(&classifyFlags.format, "format", "", "payload format: fhir, hl7v2 or json")
	f.StringSliceVar(&classifyFlags.rules, "rules", nil, "rule files or directories (overrides rules.paths)")
	f.BoolVar(&classifyFlags.emitFHIR, "emit-fhir", false, "convert direct JSON input to a FHIR Bundle")
}

func runClassify(cmd *cobra.Command, args []string) error {
	payload, err := readPayload(cmd, args[0])
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	dispatcher := ingest.NewDefaultDispatcher(fhir.NewParser(terminology.OfflineValidator{}, 0))

	var parsed *domain.Parsed
	switch {
	case classifyFlags.emitFHIR:
		parsed, err = dispatcher.ParseAs(ctx, domain.FormatDirect, payload)
	case classifyFlags.format != "":
		format, ok := domain.ParseFormat(classifyFlags.format)
		if !ok {
			return fmt.Errorf("unknown format %q (want fhir, hl7v2 or json)", classifyFlags.format)
		}
		parsed, err = dispatcher.ParseAs(ctx, format, payload)
	default:
		parsed, _, err = dispatcher.Parse(ctx, contentTypeFor(args[0]), payload)
	}
	if err != nil {
		return describeError(err)
	}

	if classifyFlags.emitFHIR {
		bundle, err := fhir.BuildBundle(parsed.Inputs)
		if err != nil {
			return err
		}
		return writeOutput(cmd.OutOrStdout(), bundle)
	}

	rulesCfg := cfg.Rules
	if len(classifyFlags.rules) > 0 {
		rulesCfg.Paths = classifyFlags.rules
	}
	store := rules.NewStore(rules.NewLoader(rulesCfg))
	results, err := classifier.New(store, expert.NewDefault()).ClassifyAll(ctx, parsed.Inputs)
	if err != nil {
		return describeError(err)
	}

	if parsed.Single && len(results) == 1 {
		return writeOutput(cmd.OutOrStdout(), results[0])
	}
	return writeOutput(cmd.OutOrStdout(), results)
}

func readPayload(cmd *cobra.Command, name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return data, nil
}

// contentTypeFor hints detection from well-known HL7 file extensions.
func contentTypeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".hl7", ".er7":
		return "x-application/hl7-v2+er7"
	}
	return ""
}

func writeOutput(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
