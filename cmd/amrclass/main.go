// amrclass - Antimicrobial susceptibility classification service.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/amrclass/internal/config"
	"github.com/opensource-finance/amrclass/internal/domain"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

var rootFlags struct {
	configFile string
	logLevel   string
}

// cfg is loaded once in PersistentPreRunE.
var cfg *domain.Config

var rootCmd = &cobra.Command{
	Use:   "amrclass",
	Short: "Classify antimicrobial susceptibility results against clinical breakpoints",
	Long: `amrclass classifies MIC and disc-diffusion results as S, I, R or RR
(manual review) against a versioned breakpoint ruleset, with expert rules
for intrinsic resistance and resistance mechanisms. Input may be FHIR R4,
HL7v2 ORU^R01 or direct JSON.`,
	SilenceUsage: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		loaded, err := config.Load(rootFlags.configFile)
		if err != nil {
			return err
		}
		if rootFlags.logLevel != "" {
			loaded.Logging.Level = rootFlags.logLevel
		}
		cfg = loaded
		slog.SetDefault(newLogger(cfg.Logging))
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&rootFlags.configFile, "config", "", "config file (default ./amrclass.yaml or /etc/amrclass/amrclass.yaml)")
	pf.StringVar(&rootFlags.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(classifyCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.Version = fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildDate)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newLogger builds the process logger. Logs go to stderr so classify
// output on stdout stays machine-readable.
func newLogger(c domain.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(c.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(c.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
