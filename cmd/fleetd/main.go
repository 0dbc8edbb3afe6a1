// Command fleetd runs the agent fleet orchestrator. With -submit set
// it submits that one task, awaits it, prints the result, and exits;
// otherwise it serves the HTTP API on -listen (or http.listen_addr
// from config) until signaled to stop.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fleetlabs/orchestrator/internal/config"
	"github.com/fleetlabs/orchestrator/internal/fleet"
	"github.com/fleetlabs/orchestrator/internal/httpapi"
	"github.com/fleetlabs/orchestrator/internal/ledger"
	"github.com/fleetlabs/orchestrator/internal/memory"
	"github.com/fleetlabs/orchestrator/internal/observability"
	"github.com/fleetlabs/orchestrator/internal/orchestrator"
	"github.com/fleetlabs/orchestrator/internal/router"
	"github.com/fleetlabs/orchestrator/internal/searchindex"
)

const (
	exitOK            = 0
	exitConfigError   = 1
	exitRuntimeFatal  = 2
	exitIntegrityFail = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	configDir := flag.String("config", "", "directory containing config.yaml (defaults to . and ./config)")
	project := flag.String("project", "default", "project name for one-shot submit mode")
	description := flag.String("submit", "", "task description; when set, runs one-shot submit-and-await instead of serving HTTP")
	listenAddr := flag.String("listen", "", "HTTP listen address; overrides http.listen_addr from config")
	flag.Parse()

	var configPaths []string
	if *configDir != "" {
		configPaths = []string{*configDir}
	}

	cfg, err := config.Load(configPaths...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return exitConfigError
	}
	if *listenAddr != "" {
		cfg.HTTP.ListenAddr = *listenAddr
	}

	logger := observability.NewLogger(&observability.LoggerConfig{
		Level:      observability.LogLevel(cfg.App.LogLevel),
		JSONOutput: true,
		Output:     os.Stdout,
		WithCaller: true,
	})

	metrics := observability.NewMetricsCollector(observability.MetricsConfig{
		Enabled: cfg.Observability.MetricsEnabled,
		Path:    "/metrics",
	}, nil)

	tracer, err := observability.NewTracer(observability.TracingConfig{
		Enabled:       cfg.Observability.TracingEnabled,
		ServiceName:   "fleetd",
		Exporter:      cfg.Observability.TracingExporter,
		JaegerURL:     cfg.Observability.JaegerURL,
		OTLPEndpoint:  cfg.Observability.OTLPEndpoint,
		SamplingRatio: 1.0,
	})
	if err != nil {
		logger.Error("failed to build tracer", observability.Err(err))
		return exitRuntimeFatal
	}
	defer tracer.Close(context.Background())

	idxStore, err := searchindex.NewMemoryStore(cfg.Index.DataDir)
	if err != nil {
		logger.Error("failed to open search index store", observability.Err(err))
		return exitRuntimeFatal
	}
	index := searchindex.New(idxStore, metrics, logger)

	mem := memory.New(cfg.Memory.DataDir, index, metrics, logger)

	l, err := buildLedger(cfg.Ledger, metrics, logger)
	if err != nil {
		logger.Error("failed to build ledger", observability.Err(err))
		return exitRuntimeFatal
	}

	providerSpecs := make([]fleet.ProviderSpec, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		providerSpecs = append(providerSpecs, fleet.ProviderSpec{
			Name:                 p.Name,
			BaseURL:              p.BaseURL,
			Credential:           p.Credential,
			ConcurrencyCap:       p.ConcurrencyCap,
			TokenBudgetPerMinute: p.TokenBudgetPerMinute,
			Models:               p.Models,
			SlotShare:            p.SlotShare,
		})
	}

	f, err := fleet.New(fleet.Config{
		WorkerCount:  cfg.App.WorkerCount,
		Providers:    providerSpecs,
		CacheEnabled: cfg.Cache.Enabled,
		CacheTTL:     cfg.Cache.TTL(),
		CacheBackend: cfg.Cache.Backend,
		RedisAddr:    cfg.Cache.RedisAddr,
	}, metrics, logger)
	if err != nil {
		logger.Error("failed to build fleet", observability.Err(err))
		return exitRuntimeFatal
	}

	r := router.New(f, buildModelTable(cfg.Providers, cfg.Routing), metrics, logger)

	orch := orchestrator.New(f, r, l, mem, metrics, logger, orchestrator.Config{
		ContextWindows:                   defaultContextWindows(),
		ReservedTokensForPromptAndOutput: 1024,
		Tracer:                           tracer,
	})

	if *description == "" && cfg.HTTP.ListenAddr == "" {
		fmt.Fprintln(os.Stderr, "either -submit or http.listen_addr must be set")
		return exitConfigError
	}

	if *description != "" {
		return runOneShot(orch, mem, *project, *description)
	}
	return serveHTTP(orch, index, mem, l, logger, cfg.HTTP.ListenAddr)
}

func buildLedger(cfg config.LedgerConfig, metrics *observability.MetricsCollector, logger observability.Logger) (*ledger.Ledger, error) {
	var store ledger.Store
	var err error
	switch cfg.Backend {
	case "postgres":
		pg := ledger.DefaultPostgresConfig()
		pg.Host = cfg.Postgres.Host
		pg.Port = cfg.Postgres.Port
		pg.Database = cfg.Postgres.Database
		pg.User = cfg.Postgres.User
		pg.Password = cfg.Postgres.Password
		pg.SSLMode = cfg.Postgres.SSLMode
		store, err = ledger.NewPostgresStore(pg)
	default:
		store, err = ledger.NewDiskStore(cfg.DataDir)
	}
	if err != nil {
		return nil, err
	}

	l := ledger.New(store, cfg.GenesisID, metrics, logger)
	if len(cfg.KafkaBrokers) > 0 {
		l = l.WithStream(ledger.NewKafkaStream(ledger.KafkaStreamConfig{
			Brokers:      cfg.KafkaBrokers,
			Topic:        cfg.KafkaTopic,
			BatchSize:    ledger.DefaultKafkaStreamConfig().BatchSize,
			BatchTimeout: ledger.DefaultKafkaStreamConfig().BatchTimeout,
		}))
	}
	return l, nil
}

// buildModelTable declares, once at start-up, the ordered candidate
// list per strategy: every configured provider that serves the
// strategy's configured model, in configuration order. Aggregate
// reuses the Standard model, since aggregation is Standard-class work
// by the spec's own classification rule.
func buildModelTable(providers []config.ProviderConfig, routing config.RoutingConfig) router.ModelTable {
	table := router.ModelTable{}
	add := func(strategy router.Strategy, model string) {
		for _, p := range providers {
			if containsModel(p.Models, model) {
				table[strategy] = append(table[strategy], router.Candidate{Provider: p.Name, Model: model})
			}
		}
	}
	add(router.Fast, routing.FastModel)
	add(router.Standard, routing.StandardModel)
	add(router.Deep, routing.DeepModel)
	add(router.Aggregate, routing.StandardModel)
	return table
}

func containsModel(models []string, target string) bool {
	for _, m := range models {
		if m == target {
			return true
		}
	}
	return false
}

// defaultContextWindows mirrors the well-known context sizes for the
// model families the default routing config names; an operator
// running other models overrides this via a richer RoutingConfig in a
// future revision, tracked as an open item rather than guessed at
// here.
func defaultContextWindows() router.ContextWindows {
	return router.ContextWindows{
		"gpt-4o":      128000,
		"gpt-4o-mini": 128000,
	}
}

func runOneShot(orch *orchestrator.Orchestrator, mem *memory.Memory, project, description string) int {
	ctx := context.Background()
	if !mem.Exists(project) {
		if err := mem.InitializeProject(ctx, project, nil); err != nil {
			fmt.Fprintf(os.Stderr, "failed to initialize project %q: %v\n", project, err)
			return exitRuntimeFatal
		}
	}

	handle, err := orch.Submit(ctx, project, description, nil, time.Time{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "submit failed: %v\n", err)
		return exitRuntimeFatal
	}

	result, err := orch.Await(ctx, handle, time.Now().Add(10*time.Minute))
	if err != nil {
		fmt.Fprintf(os.Stderr, "await failed: %v\n", err)
		return exitRuntimeFatal
	}

	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))
	if result.Failed {
		return exitRuntimeFatal
	}
	return exitOK
}

func serveHTTP(orch *orchestrator.Orchestrator, index *searchindex.Index, mem *memory.Memory, l *ledger.Ledger, logger observability.Logger, addr string) int {
	cfg := httpapi.DefaultServerConfig()
	cfg.Addr = addr
	srv := httpapi.NewWithConfig(orch, index, mem, l, logger, cfg)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", observability.String("addr", addr))
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Error("http server failed", observability.Err(err))
		return exitRuntimeFatal
	case <-sigCh:
		logger.Info("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", observability.Err(err))
		return exitRuntimeFatal
	}
	return exitOK
}
