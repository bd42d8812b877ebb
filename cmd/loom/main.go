// Command loom runs a workflow JSON file against an OpenAI-compatible
// provider, streaming tokens to stdout.
//
// Usage:
//
//	loom [-config loom.toml] [-input "text"] workflow.json
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/internal/config"
	memsqlite "github.com/loomworks/loom/memory/sqlite"
	"github.com/loomworks/loom/observer"
	"github.com/loomworks/loom/provider/openai"
)

func main() {
	configPath := flag.String("config", os.Getenv("LOOM_CONFIG"), "path to TOML config")
	inputText := flag.String("input", "", "run input text")
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: loom [-config loom.toml] [-input text] workflow.json")
		os.Exit(2)
	}

	cfg := config.Load(*configPath)
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	data, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		log.Fatalf("read workflow: %v", err)
	}
	wf, err := loom.LoadWorkflow(data)
	if err != nil {
		log.Fatalf("load workflow: %v", err)
	}

	var opts []openai.Option
	if cfg.Provider.BaseURL != "" {
		opts = append(opts, openai.BaseURL(cfg.Provider.BaseURL))
	}
	provider := openai.New(cfg.Provider.APIKey, opts...)

	memory := memsqlite.New(cfg.Memory.Path)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := memory.Init(ctx); err != nil {
		log.Fatalf("init memory: %v", err)
	}

	engine := loom.New(provider,
		loom.WithLogger(logger),
		loom.WithDefaultModel(cfg.Provider.Model),
		loom.WithMaxIterations(cfg.Engine.MaxIterations),
		loom.WithMaxNodeExecutions(cfg.Engine.MaxNodeExecutions),
		loom.WithMaxToolIterations(cfg.Engine.MaxToolIterations),
		loom.WithMemory(memory),
		loom.WithCompaction(loom.CompactionConfig{
			Strategy:       cfg.Compaction.Strategy,
			ModelLimit:     cfg.Compaction.ModelLimit,
			Margin:         cfg.Compaction.Margin,
			PreserveRecent: cfg.Compaction.PreserveRecent,
			Model:          cfg.Compaction.Model,
		}),
	)

	callbacks := loom.Callbacks{
		OnToken: func(_, token string) {
			fmt.Print(token)
		},
		OnNodeError: func(nodeID string, err error) {
			fmt.Fprintf(os.Stderr, "\nnode %s: %v\n", nodeID, err)
		},
	}

	if cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(ctx)
		if err != nil {
			log.Fatalf("init observer: %v", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Warn("observer shutdown", "error", err)
			}
		}()
		callbacks = observer.Wrap(ctx, inst, callbacks)
	}

	result := engine.Execute(ctx, wf, loom.Input{Text: *inputText}, callbacks)
	fmt.Println()
	if !result.Success {
		log.Fatalf("run failed: %v", result.Error)
	}
	fmt.Println(result.Output)
}
