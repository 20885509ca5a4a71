package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Mao74/insurance-analyzer/internal/batch"
	"github.com/Mao74/insurance-analyzer/internal/extract"
	"github.com/Mao74/insurance-analyzer/internal/logger"
	"github.com/Mao74/insurance-analyzer/internal/masking"
)

const version = "0.3.0"

var (
	logLevel  string
	logFormat string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "maskbatch",
	Short:        "Mask sensitive policy data in documents and datasets",
	SilenceUsage: true,
}

func newLogger() (*logger.Logger, error) {
	return logger.New(logger.Config{
		Level:  logLevel,
		Format: logFormat,
		Stderr: true,
	})
}

// --- run ---

var (
	runInput     string
	runRules     string
	runOutput    string
	runWorkers   int
	runBatchSize int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Mask every record of a CSV, Parquet or JSON dataset into JSON lines",
	Args:  cobra.NoArgs,
	RunE:  runMask,
}

func runMask(cmd *cobra.Command, args []string) error {
	log, err := newLogger()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	inputs, err := batch.LoadRules(runRules)
	if err != nil {
		return err
	}
	if len(masking.BuildRules(inputs)) == 0 {
		log.Warn("Rule file has no values, records are copied unchanged", zap.String("rules", runRules))
	}

	out := os.Stdout
	if runOutput != "" && runOutput != "-" {
		f, err := os.Create(runOutput)
		if err != nil {
			return fmt.Errorf("failed to create output: %w", err)
		}
		defer f.Close()
		out = f
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pipeline := batch.NewPipeline(inputs, &batch.Config{
		BatchSize:      runBatchSize,
		WorkerCount:    runWorkers,
		ProgressReport: 1000,
	}, log.WithComponent("batch").Logger)

	result, err := pipeline.ProcessFile(ctx, runInput, out)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "%d records, %d replacements, %d skipped in %s\n",
		result.Written, result.Replacements, result.Skipped, result.Duration.Round(time.Millisecond))
	return nil
}

// --- preview ---

var (
	previewFile  string
	previewRules string
)

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Print the masked preview of one PDF or text document",
	Args:  cobra.NoArgs,
	RunE:  runPreview,
}

func runPreview(cmd *cobra.Command, args []string) error {
	inputs, err := batch.LoadRules(previewRules)
	if err != nil {
		return err
	}

	preview, err := batch.PreviewFile(extract.New(0), previewFile, inputs, masking.NewTerminalRenderer(os.Stdout))
	if err != nil {
		return err
	}

	fmt.Println(preview.Text)
	fmt.Fprintf(os.Stderr, "\n%d occorrenze mascherate in %s (%s)\n", preview.Count, preview.DocID, preview.Note)
	for _, f := range preview.Findings {
		fmt.Fprintf(os.Stderr, "  %-16s %-22s %d\n", f.Field, f.Placeholder, f.Count)
	}
	return nil
}

// --- version ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("maskbatch %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "Log format (json or console)")

	runCmd.Flags().StringVar(&runInput, "input", "", "Input dataset (CSV, Parquet, JSON or JSON lines)")
	runCmd.Flags().StringVar(&runRules, "rules", "", "YAML rule file with the values to mask")
	runCmd.Flags().StringVar(&runOutput, "output", "-", "Output JSON lines file (- for stdout)")
	runCmd.Flags().IntVar(&runWorkers, "workers", 4, "Number of worker goroutines")
	runCmd.Flags().IntVar(&runBatchSize, "batch-size", 500, "Records read per batch")
	_ = runCmd.MarkFlagRequired("input")
	_ = runCmd.MarkFlagRequired("rules")

	previewCmd.Flags().StringVar(&previewFile, "file", "", "PDF or text document")
	previewCmd.Flags().StringVar(&previewRules, "rules", "", "YAML rule file with the values to mask")
	_ = previewCmd.MarkFlagRequired("file")
	_ = previewCmd.MarkFlagRequired("rules")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(previewCmd)
	rootCmd.AddCommand(versionCmd)
}
