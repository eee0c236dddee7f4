// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/flyingrobots/go-reasoning-orchestrator/internal/accounting"
	"github.com/flyingrobots/go-reasoning-orchestrator/internal/admission"
	"github.com/flyingrobots/go-reasoning-orchestrator/internal/api"
	"github.com/flyingrobots/go-reasoning-orchestrator/internal/breaker"
	"github.com/flyingrobots/go-reasoning-orchestrator/internal/bus"
	"github.com/flyingrobots/go-reasoning-orchestrator/internal/config"
	"github.com/flyingrobots/go-reasoning-orchestrator/internal/llm"
	"github.com/flyingrobots/go-reasoning-orchestrator/internal/obs"
	"github.com/flyingrobots/go-reasoning-orchestrator/internal/pipeline"
	"github.com/flyingrobots/go-reasoning-orchestrator/internal/redisclient"
	"github.com/flyingrobots/go-reasoning-orchestrator/internal/schema"
	"github.com/flyingrobots/go-reasoning-orchestrator/internal/usage"
	"github.com/flyingrobots/go-reasoning-orchestrator/internal/worker"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "all", "Role to run: api|worker|all")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	for _, warning := range cfg.Warnings {
		logger.Warn(warning)
	}

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = obs.TracerShutdown(context.Background(), tp) }()
	}

	rdb := redisclient.New(cfg)
	defer rdb.Close()

	readyCheck := func(c context.Context) error {
		_, err := rdb.Ping(c).Result()
		return err
	}
	httpSrv := obs.StartHTTPServer(cfg.Observability.MetricsPort, readyCheck)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	registry, err := schema.New()
	if err != nil {
		logger.Fatal("schema registry init failed", obs.Err(err))
	}
	sink := obs.NewZapSink(logger)
	acct := accounting.New(cfg.Admission.DefaultQuota, cfg.Admission.QueueDepthLimit, cfg.Admission.TenantQuotas)

	var wg sync.WaitGroup
	runAPISide := role == "api" || role == "all"
	runWorkerSide := role == "worker" || role == "all"
	if !runAPISide && !runWorkerSide {
		logger.Fatal("unknown role", obs.String("role", role))
	}

	if runAPISide {
		sender := bus.NewRedisSender(rdb, cfg.Worker.JobQueue)
		queue := admission.NewQueue(ctx, acct, registry, sender, cfg.Admission.DispatchConcurrency, sink, logger)
		go queue.Run(ctx, 2*time.Second)

		srv := api.NewServer(cfg.API, cfg.UsageEvents, queue, acct, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Start(); err != nil {
				logger.Error("api server error", obs.Err(err))
				cancel()
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if runWorkerSide {
		// Colocated deployments feed accounting directly; split ones go over
		// HTTP with the shared secret when a usage endpoint is configured,
		// and otherwise feed this process's own accounting.
		var poster usage.Poster
		if role == "all" || cfg.UsageEvents.Endpoint == "" {
			poster = usage.LocalPoster{Acct: acct}
		} else {
			poster = usage.NewHTTPPoster(cfg.UsageEvents.Endpoint, cfg.UsageEvents.Secret, logger)
		}

		cb := breaker.New(cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod, cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples)
		go watchBreaker(ctx, cb)

		client := llm.NewHTTPClient(cfg.LLM)
		pipe := pipeline.New(client, registry, cb, logger)
		receiver := bus.NewRedisReceiver(rdb, cfg.Worker, logger)
		out := bus.NewRedisSender(rdb, cfg.Worker.ResultQueue)
		wrk := worker.New(cfg.Worker, quotaResolver(cfg), receiver, out, pipe, registry, poster, sink, logger)
		rep := bus.NewReaper(rdb, cfg.Worker, logger)
		go rep.Run(ctx)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := wrk.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("worker error", obs.Err(err))
				cancel()
			}
		}()
	}

	wg.Wait()
}

func quotaResolver(cfg *config.Config) func(string) int {
	return func(tenantID string) int {
		if q, ok := cfg.Admission.TenantQuotas[tenantID]; ok {
			return q
		}
		return cfg.Admission.DefaultQuota
	}
}

func watchBreaker(ctx context.Context, cb *breaker.CircuitBreaker) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			switch cb.State() {
			case breaker.Closed:
				obs.LLMBreakerState.Set(0)
			case breaker.HalfOpen:
				obs.LLMBreakerState.Set(1)
			case breaker.Open:
				obs.LLMBreakerState.Set(2)
			}
		}
	}
}
