// Apura - rule-based fiscal apuração engine.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/openfiscal/apura/internal/api"
	"github.com/openfiscal/apura/internal/assess"
	"github.com/openfiscal/apura/internal/bus"
	"github.com/openfiscal/apura/internal/cache"
	"github.com/openfiscal/apura/internal/carryover"
	"github.com/openfiscal/apura/internal/domain"
	"github.com/openfiscal/apura/internal/repository"
	"github.com/openfiscal/apura/internal/rules"
	"github.com/openfiscal/apura/internal/ruleset"
	"github.com/openfiscal/apura/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("APURA_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting apura",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("APURA_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}
	if path := os.Getenv("APURA_RULE_PACK"); path != "" {
		cfg.Engine.RulePackPath = path
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Rule Engine
	engine, err := rules.NewEngine(rules.NewCatalog(), cfg.Engine.MinConfidence, cfg.Engine.MaxWorkers)
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}
	slog.Info("rule engine initialized",
		"min_confidence", cfg.Engine.MinConfidence,
		"max_workers", cfg.Engine.MaxWorkers,
	)

	// Optionally seed rules and benefits from a YAML pack
	if cfg.Engine.RulePackPath != "" {
		if err := seedRulePack(ctx, repo, engine, cfg.Engine.RulePackPath); err != nil {
			slog.Error("failed to seed rule pack", "path", cfg.Engine.RulePackPath, "error", err)
			os.Exit(1)
		}
	}

	// Initialize Benefit Stacker and Carryover Manager
	stacker := rules.NewStacker(nil)
	carry := carryover.NewManager(repo)

	// Initialize Runner
	runner := assess.NewRunner(repo, cacheImpl, busImpl, engine, stacker, carry, cfg.Engine.ReviewThreshold)
	slog.Info("runner initialized", "review_threshold", cfg.Engine.ReviewThreshold)

	// Initialize async Worker (Pro tier)
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("APURA_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, runner)

		// Taxpayers to process (comma-separated, empty = global subscription)
		var taxpayerIDs []string
		if envTaxpayers := os.Getenv("APURA_TAXPAYERS"); envTaxpayers != "" {
			taxpayerIDs = strings.Split(envTaxpayers, ",")
		}

		workerCfg := worker.Config{
			TaxpayerIDs: taxpayerIDs,
		}

		if err := asyncWorker.Start(workerCfg); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "taxpayer_count", len(taxpayerIDs))
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, engine, runner, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("apura is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("apura shutdown complete")
}

// seedRulePack loads a YAML pack and writes its rules and benefits for the
// taxpayers named in APURA_TAXPAYERS.
func seedRulePack(ctx context.Context, repo domain.Repository, engine *rules.Engine, path string) error {
	envTaxpayers := os.Getenv("APURA_TAXPAYERS")
	if envTaxpayers == "" {
		slog.Warn("rule pack configured but APURA_TAXPAYERS is empty - skipping seed", "path", path)
		return nil
	}

	pack, err := ruleset.Load(path)
	if err != nil {
		return err
	}

	seeder := ruleset.NewSeeder(repo, engine)
	for _, taxpayerID := range strings.Split(envTaxpayers, ",") {
		result, err := seeder.Seed(ctx, strings.TrimSpace(taxpayerID), pack)
		if err != nil {
			return err
		}
		slog.Info("rule pack applied",
			"taxpayer_id", taxpayerID,
			"version", pack.Version,
			"rules", result.RuleCount,
			"benefits", result.BenefitCount,
		)
	}
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║                 APURA                     ║")
	fmt.Println("  ║       Fiscal Assessment Engine            ║")
	fmt.Println("  ║    Every item, every period, settled.     ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /runs              - Execute an apuração run")
	fmt.Println("    GET  /runs/{id}         - Get a run by ID")
	fmt.Println("    GET  /rules             - List all rules")
	fmt.Println("    POST /rules             - Create a new rule")
	fmt.Println("    POST /rules/reload      - Refresh the cached rule set")
	fmt.Println("    POST /rules/proposals   - Propose an extracted rule")
	fmt.Println("    GET  /credits/{period}  - Get carried credit for a period")
	fmt.Println("    GET  /health            - Health check")
	fmt.Println()
}
