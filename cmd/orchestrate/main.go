// Command orchestrate runs a batch of prompts through the adaptive
// orchestrator and prints a stats summary, grounded on the teacher's
// cmd/demo/main.go wiring shape (construct dependencies, run, print
// results) adapted to this module's batch-of-prompts domain.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/flowmesh/orchestrator/config"
	"github.com/flowmesh/orchestrator/inference"
	"github.com/flowmesh/orchestrator/inference/anthropic"
	"github.com/flowmesh/orchestrator/inference/bedrock"
	"github.com/flowmesh/orchestrator/inference/openai"
	"github.com/flowmesh/orchestrator/orchestrate"
	"github.com/flowmesh/orchestrator/pricing"
	"github.com/flowmesh/orchestrator/stats"
	"github.com/flowmesh/orchestrator/telemetry"
)

func main() {
	modelsPath := flag.String("models", "models.yaml", "path to the models pricing/capability file")
	model := flag.String("model", "", "model identifier to submit requests against")
	provider := flag.String("provider", "anthropic", "remote provider: anthropic, openai, or bedrock")
	template := flag.String("template", "{{text}}", "prompt template; {{text}} is substituted with each input line")
	maxTPM := flag.Int("max-tpm", 60_000, "tokens-per-minute budget for the rate limiter")
	concurrency := flag.Int("concurrency", 10, "initial concurrency")
	flag.Parse()

	if *model == "" {
		fmt.Fprintln(os.Stderr, "orchestrate: -model is required")
		os.Exit(2)
	}

	if err := run(*modelsPath, *model, *provider, *template, *maxTPM, *concurrency); err != nil {
		fmt.Fprintln(os.Stderr, "orchestrate:", err)
		os.Exit(1)
	}
}

func run(modelsPath, model, provider, template string, maxTPM, concurrency int) error {
	models, err := config.LoadModels(modelsPath)
	if err != nil {
		return fmt.Errorf("loading models: %w", err)
	}

	ctx := context.Background()

	client, err := newClient(ctx, provider, model)
	if err != nil {
		return fmt.Errorf("constructing %s client: %w", provider, err)
	}

	log := telemetry.NewClueLogger()
	sm := stats.NewManager(pricing.NewTable(models), log)

	o, err := orchestrate.New(client, models, sm, orchestrate.Config{
		MaxTPM:             maxTPM,
		InitialConcurrency: concurrency,
		Logger:             log,
		Metrics:            telemetry.NewOTELMetrics(),
		Tracer:             telemetry.NewOTELTracer(),
	})
	if err != nil {
		return fmt.Errorf("constructing orchestrator: %w", err)
	}
	defer o.Close()

	texts, err := readLines(os.Stdin)
	if err != nil {
		return fmt.Errorf("reading prompts: %w", err)
	}
	if len(texts) == 0 {
		return fmt.Errorf("no prompts supplied on stdin")
	}

	result, err := o.ProcessBatch(ctx, texts, template, orchestrate.WithModel(model))
	if err != nil {
		return fmt.Errorf("processing batch: %w", err)
	}

	for _, outcome := range result.Results {
		status := "ok"
		if !outcome.Success {
			status = "error: " + outcome.Error
		}
		fmt.Printf("[%s] %s\n", outcome.ID, status)
	}

	fmt.Println()
	fmt.Println(sm.GetSummary(result.BatchID))
	return nil
}

func newClient(ctx context.Context, provider, model string) (inference.Client, error) {
	switch provider {
	case "anthropic":
		apiKey := os.Getenv("ANTHROPIC_API_KEY")
		return anthropic.NewFromAPIKey(apiKey, model)
	case "openai":
		apiKey := os.Getenv("OPENAI_API_KEY")
		return openai.NewFromAPIKey(apiKey, model)
	case "bedrock":
		return bedrock.NewFromDefaultConfig(ctx, model)
	default:
		return nil, fmt.Errorf("unknown provider %q (want anthropic, openai, or bedrock)", provider)
	}
}

func readLines(f *os.File) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}
