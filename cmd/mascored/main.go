// Command mascored is the MAS Core process entrypoint: it loads
// CoreConfig, wires every subsystem, serves the control-plane HTTP
// API, and shuts everything down in reverse dependency order on
// SIGINT/SIGTERM. Grounded on the teacher's main-wiring shape seen
// across its example binaries (config -> discovery -> agent ->
// HTTP server -> signal-driven graceful shutdown).
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"github.com/MycosoftLabs/mycosoft-mas-sub011/actiongate"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/agent"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/bus"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/config"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/controlplane"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/llmgateway"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/llmgateway/providers/anthropic"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/llmgateway/providers/bedrock"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/llmgateway/providers/openai"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/logging"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/metrics"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/registry"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/resilience"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/scheduler"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/store/postgres"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/supervisor"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.New(config.WithConfigFile(os.Getenv("MAS_CONFIG_FILE")))
	if err != nil {
		return err
	}

	logger := logging.New(cfg.Logging.ServiceName, logging.Level(cfg.Logging.Level), os.Stdout)
	sink := metrics.New()
	logging.SetMetricHook(func(level, component string, fields map[string]interface{}) {
		if level == "error" {
			sink.Counter("agent_runs_total", "agent", component, "status", "error")
		}
	})
	logger.Info("starting mascore", cfg.Sanitized())

	reg, err := registry.New(ctx, cfg.Redis.URL, cfg.Namespace, registry.WithTTL(cfg.Redis.TTL), registry.WithLogger(logger), registry.WithMetrics(sink))
	if err != nil {
		return err
	}

	b := bus.New(bus.WithLogger(logger), bus.WithMetrics(sink))

	pg, err := postgres.Open(ctx, cfg.Store.DSN, cfg.Store.MaxConns, cfg.Store.ConnMaxLifetime)
	if err != nil {
		return err
	}
	defer pg.Close()
	if err := pg.Migrate(ctx); err != nil {
		return err
	}

	var providers []llmgateway.Provider
	policy := llmgateway.RoutingPolicy{ByRole: map[string]string{}}
	for _, p := range cfg.LLM.Providers {
		switch p.Name {
		case "openai":
			providers = append(providers, openai.New(openai.Config{APIKey: p.APIKey, BaseURL: p.BaseURL, Model: p.Model}))
		case "anthropic":
			providers = append(providers, anthropic.New(anthropic.Config{APIKey: p.APIKey, BaseURL: p.BaseURL, Model: p.Model}))
		case "bedrock":
			awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(p.Region))
			if err != nil {
				return err
			}
			providers = append(providers, bedrock.New(bedrock.Config{AWSConfig: awsCfg, Model: p.Model}))
		}
	}
	policy.DefaultChain = cfg.LLM.FallbackChain
	gateway := llmgateway.New(providers, llmgateway.WithPolicy(policy), llmgateway.WithLogger(logger), llmgateway.WithMetrics(sink))

	dispatcher := newAgentDispatcher()
	sched := scheduler.New(reg, dispatcher,
		scheduler.WithBucketCapacity(int64(cfg.Scheduler.RoleBucketCapacity)),
		scheduler.WithAgentCapacity(int64(cfg.Scheduler.PerAgentCapacity)),
		scheduler.WithRetryConfig(resilience.RetryConfig{
			MaxAttempts: cfg.Scheduler.MaxRetries, BaseDelay: cfg.Scheduler.BaseBackoff, MaxDelay: cfg.Scheduler.MaxBackoff,
		}),
		scheduler.WithAdmissionBudget(cfg.Scheduler.AdmissionBudget),
		scheduler.WithDefaultDeadline(cfg.Scheduler.DefaultTaskDeadline),
		scheduler.WithBus(b),
		scheduler.WithLogger(logger), scheduler.WithMetrics(sink),
	)

	gate := actiongate.New(pg, cfg.ActionGate.RiskyRequireApproval,
		actiongate.WithApprovalTimeout(cfg.ActionGate.ApprovalTimeout),
		actiongate.WithLogger(logger), actiongate.WithMetrics(sink),
	)

	sup := supervisor.New(supervisor.WithLogger(logger), supervisor.WithMetrics(sink))
	go sup.Run(ctx)

	server := controlplane.New(controlplane.Config{
		Registry: reg, Scheduler: sched, Gateway: gateway, Gate: gate, Feedback: pg, Bus: b,
		Logger: logger, Metrics: sink,
	})

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Address + portSuffix(cfg.HTTP.Port),
		Handler:      server.Handler(cfg.CORS.AllowedOrigins),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("control-plane listening", map[string]interface{}{"addr": httpServer.Addr})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	logger.Info("shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", map[string]interface{}{"error": err.Error()})
	}
	return sup.Shutdown(shutdownCtx)
}

func portSuffix(port int) string {
	if port == 0 {
		return ""
	}
	return ":" + strconv.Itoa(port)
}

// agentDispatcher resolves a registered agent id to its live
// agent.TaskHandler, populated as agents start up via Register. It
// implements scheduler.Dispatcher.
type agentDispatcher struct {
	mu       sync.RWMutex
	handlers map[string]agent.TaskHandler
}

func newAgentDispatcher() *agentDispatcher {
	return &agentDispatcher{handlers: make(map[string]agent.TaskHandler)}
}

func (d *agentDispatcher) Register(id string, h agent.TaskHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[id] = h
}

func (d *agentDispatcher) Deregister(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.handlers, id)
}

func (d *agentDispatcher) Resolve(id string) (agent.TaskHandler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[id]
	return h, ok
}
