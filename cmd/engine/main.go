// Command engine runs the adaptive job scheduling engine.
//
// # Commands
//
//	start        run continuously, polling for due jobs until SIGINT/SIGTERM
//	process      run exactly one cycle, print the result as JSON, and exit
//	status       print the engine's cumulative counters
//	unlock-jobs  force-clear stale job leases and exit
//	help         print this usage text
//
// # Configuration
//
// Environment variables are documented in internal/config. At minimum,
// DATABASE_URL and AI_API_KEY must be set.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/cronicorn/engine/internal/config"
	"github.com/cronicorn/engine/internal/cycle"
	"github.com/cronicorn/engine/internal/db"
	"github.com/cronicorn/engine/internal/db/leasecache"
	"github.com/cronicorn/engine/internal/db/mongostore"
	"github.com/cronicorn/engine/internal/engine"
	"github.com/cronicorn/engine/internal/executor"
	"github.com/cronicorn/engine/internal/hooks"
	"github.com/cronicorn/engine/internal/model"
	"github.com/cronicorn/engine/internal/model/anthropicmodel"
	"github.com/cronicorn/engine/internal/model/openaimodel"
	"github.com/cronicorn/engine/internal/model/ratelimit"
	"github.com/cronicorn/engine/internal/pipeline"
	"github.com/cronicorn/engine/internal/plan"
	"github.com/cronicorn/engine/internal/promptopt"
	"github.com/cronicorn/engine/internal/schedule"
	"github.com/cronicorn/engine/internal/schema"
	"github.com/cronicorn/engine/internal/strategy"
	"github.com/cronicorn/engine/internal/telemetry"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	if err := run(os.Args[1], os.Args[2:]); err != nil {
		log.Fatal(err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: engine <start|process|status|unlock-jobs|help>")
}

func run(cmd string, _ []string) error {
	if cmd == "help" {
		usage()
		return nil
	}

	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log_ := telemetry.NewClueLogger()

	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.DatabaseURL))
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}
	defer func() {
		if err := mongoClient.Disconnect(ctx); err != nil {
			log_.Warn(ctx, "mongo disconnect failed", "error", err.Error())
		}
	}()

	var leaseCache mongostore.LeaseCache
	if url := os.Getenv("REDIS_URL"); url != "" {
		rdb := redis.NewClient(&redis.Options{Addr: url})
		defer rdb.Close()
		cache, err := leasecache.New(leasecache.Options{Redis: rdb, KeyPrefix: "engine"})
		if err != nil {
			return fmt.Errorf("build lease cache: %w", err)
		}
		leaseCache = cache
	}

	store, err := mongostore.New(ctx, mongostore.Options{
		Client:     mongoClient,
		Database:   "engine",
		LeaseCache: leaseCache,
	})
	if err != nil {
		return fmt.Errorf("build store: %w", err)
	}

	var database db.DatabaseService = store

	lm, err := buildLanguageModel(cfg)
	if err != nil {
		return fmt.Errorf("build language model: %w", err)
	}

	events := hooks.NewBus()

	planSchema, err := schema.Compile("executionPlan", schema.ExecutionPlanDoc)
	if err != nil {
		return fmt.Errorf("compile plan schema: %w", err)
	}
	scheduleSchema, err := schema.Compile("scheduleDecision", schema.ScheduleDecisionDoc)
	if err != nil {
		return fmt.Errorf("compile schedule schema: %w", err)
	}

	promptOptCfg := promptopt.Config{
		Enabled:                 cfg.PromptOpt.Enabled,
		MaxMessages:             cfg.PromptOpt.MaxMessages,
		MinRecentMessages:       cfg.PromptOpt.MinRecentMessages,
		MaxEndpointUsageEntries: cfg.PromptOpt.MaxEndpointUsageEntries,
	}

	planner := plan.New(lm, planSchema, plan.Config{
		Temperature:              cfg.AI.Temperature,
		ValidateSemantics:        cfg.Validation.ValidateSemantics,
		SemanticStrict:           cfg.Validation.SemanticStrict,
		RepairMalformedResponses: cfg.Validation.RepairMalformedResponses,
		MaxRepairAttempts:        cfg.Validation.MaxRepairAttempts,
		PromptOpt:                promptOptCfg,
	}, events, log_)

	scheduler := schedule.New(lm, scheduleSchema, schedule.Config{
		Temperature:              cfg.AI.Temperature,
		ValidateSemantics:        cfg.Validation.ValidateSemantics,
		SemanticStrict:           cfg.Validation.SemanticStrict,
		RepairMalformedResponses: cfg.Validation.RepairMalformedResponses,
		MaxRepairAttempts:        cfg.Validation.MaxRepairAttempts,
		PromptOpt:                promptOptCfg,
	}, events, log_)

	runner := strategy.New(executor.New(nil), strategy.Config{
		DefaultConcurrencyLimit:   cfg.Execution.DefaultConcurrencyLimit,
		MaxConcurrency:            cfg.Execution.MaxConcurrency,
		DefaultTimeoutMs:          cfg.Execution.DefaultTimeoutMs,
		ResponseContentLengthLimit: cfg.Execution.ResponseContentLengthLimit,
		MaxEndpointRetries:        cfg.Execution.MaxEndpointRetries,
	})

	p := pipeline.New(database, planner, scheduler, runner, pipeline.Config{
		LeaseDuration:        time.Duration(cfg.Scheduler.StaleLockThresholdMs) * time.Millisecond,
		WarnFailureRatio:     cfg.Execution.WarnFailureRatio,
		CriticalFailureRatio: cfg.Execution.CriticalFailureRatio,
	}, events, log_, telemetry.NewOtelTracer())

	cycleRunner := cycle.New(database, p, cycle.Config{
		MaxBatchSize:      cfg.Scheduler.MaxBatchSize,
		JobConcurrency:    cfg.Scheduler.JobProcessingConcurrency,
		Interval:          time.Duration(cfg.Scheduler.ProcessingIntervalMs) * time.Millisecond,
		AllowCancellation: cfg.Execution.AllowCancellation,
	}, log_)

	eng := engine.New(database, cycleRunner, log_)

	switch cmd {
	case "start":
		return cmdStart(ctx, eng)
	case "process":
		return cmdProcess(ctx, eng)
	case "status":
		return cmdStatus(eng)
	case "unlock-jobs":
		return cmdUnlockJobs(ctx, eng)
	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdStart(ctx context.Context, eng *engine.Engine) error {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(sigCtx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	<-sigCtx.Done()
	log.Println("shutdown signal received, stopping engine")
	eng.Stop()
	return nil
}

func cmdProcess(ctx context.Context, eng *engine.Engine) error {
	result, err := eng.ProcessCycle(ctx)
	if err != nil {
		return fmt.Errorf("process cycle: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	if result.FailedJobs > 0 {
		os.Exit(1)
	}
	return nil
}

func cmdStatus(eng *engine.Engine) error {
	status, counters := eng.Status()
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"status":       status,
		"counters":     counters,
		"currentCycle": eng.CurrentCycleProgress(),
	})
}

func cmdUnlockJobs(ctx context.Context, eng *engine.Engine) error {
	n, err := eng.ForceUnlockStaleJobs(ctx)
	if err != nil {
		return fmt.Errorf("unlock stale jobs: %w", err)
	}
	fmt.Printf("unlocked %d stale job(s)\n", n)
	return nil
}

func buildLanguageModel(cfg config.Config) (model.LanguageModel, error) {
	var lm model.LanguageModel
	var err error

	switch cfg.AI.Provider {
	case "anthropic":
		lm, err = anthropicmodel.NewFromAPIKey(cfg.AI.APIKey, cfg.AI.Model)
	case "openai":
		lm, err = openaimodel.NewFromAPIKey(cfg.AI.APIKey, cfg.AI.Model)
	default:
		return nil, errors.New("unknown AI_PROVIDER: " + cfg.AI.Provider)
	}
	if err != nil {
		return nil, err
	}

	return ratelimit.New(lm, 0, 0), nil
}
