package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/scrape-orchestrator/internal/cost"
	"github.com/sells-group/scrape-orchestrator/internal/intent"
	"github.com/sells-group/scrape-orchestrator/internal/orchestrator"
	"github.com/sells-group/scrape-orchestrator/internal/pattern"
	"github.com/sells-group/scrape-orchestrator/internal/progress"
	"github.com/sells-group/scrape-orchestrator/internal/resilience"
	"github.com/sells-group/scrape-orchestrator/internal/scheduler"
	"github.com/sells-group/scrape-orchestrator/internal/schema"
	"github.com/sells-group/scrape-orchestrator/internal/session"
	"github.com/sells-group/scrape-orchestrator/internal/store"
	"github.com/sells-group/scrape-orchestrator/internal/tools"
	"github.com/sells-group/scrape-orchestrator/pkg/anthropic"
	"github.com/sells-group/scrape-orchestrator/pkg/firecrawl"
	"github.com/sells-group/scrape-orchestrator/pkg/jina"
	"github.com/sells-group/scrape-orchestrator/pkg/ollama"
)

// runtime holds the wired application for one run mode.
type runtime struct {
	store    store.Store
	bus      *progress.Bus
	registry *tools.Registry
	selector *tools.Selector
	sessions *session.Manager
	matcher  *pattern.Matcher
	sched    *scheduler.Scheduler
	pool     *scheduler.WorkerPool
	orch     *orchestrator.Orchestrator
	ollama   ollama.Client

	closers []func()
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// initRuntime validates config for the mode and wires every component the
// mode needs. Modes that classify or embed block until Ollama answers.
func initRuntime(ctx context.Context, mode string) (*runtime, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	r := &runtime{}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	r.store = st
	r.closers = append(r.closers, func() { _ = st.Close() })

	if err := st.Migrate(ctx); err != nil {
		return nil, err
	}

	r.bus = progress.NewBus(st)
	r.closers = append(r.closers, r.bus.Close)

	r.ollama = ollama.NewClient(cfg.Ollama.Endpoint)

	needsModels := mode == "serve" || mode == "worker" || mode == "strategy-test"
	if needsModels && cfg.Intent.Provider != "anthropic" {
		err := resilience.WaitForDependency(ctx, "ollama", cfg.Ollama.Endpoint,
			resilience.RetryConfig{MaxAttempts: 5, InitialBackoff: 2 * time.Second},
			func(ctx context.Context) error {
				if !r.ollama.IsRunning(ctx) {
					return eris.New("ollama not responding")
				}
				return nil
			})
		if err != nil {
			r.Close()
			return nil, err
		}
	}

	r.registry = buildRegistry()
	r.selector = tools.NewSelector(r.registry, st)
	tracker := tools.NewPerformanceTracker(st, cost.NewCalculator(cost.DefaultRates()))
	r.sessions = session.NewManager(st, cfg.Session)

	r.matcher = pattern.NewMatcher(st, &ollamaEmbedder{
		client: r.ollama,
		model:  cfg.Ollama.EmbedModel,
	}, cfg.Matcher)

	classifier := intent.NewClassifier(buildCompleter(r.ollama), cfg.Intent)

	r.pool = scheduler.NewWorkerPool(st, r.bus, r.registry, r.selector, tracker, cfg.Scheduler).
		WithLearning(r.matcher).
		WithDetector(schema.NewDetector(cfg.Detector))
	r.sched = scheduler.NewScheduler(st, r.bus, cfg.Scheduler)
	r.sched.AttachPool(r.pool)

	r.orch = orchestrator.New(st, r.sessions, classifier, r.matcher, r.selector, r.sched)

	zap.L().Info("runtime initialized",
		zap.String("mode", mode),
		zap.String("store", cfg.Store.Driver),
		zap.Strings("tools", r.registry.AllNames()))
	return r, nil
}

func openStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return store.NewSQLite(cfg.Store.DatabaseURL)
	}
}

// buildRegistry registers every tool the config has credentials for. The
// local HTTP fetcher is always available.
func buildRegistry() *tools.Registry {
	reg := tools.NewRegistry()
	reg.Register(tools.NewLocalHTTPTool())

	if cfg.Jina.Key != "" {
		client := jina.NewClient(cfg.Jina.Key,
			jina.WithBaseURL(cfg.Jina.BaseURL),
			jina.WithSearchBaseURL(cfg.Jina.SearchBaseURL))
		reg.Register(tools.NewJinaTool(client))
	}

	if cfg.Firecrawl.Key != "" {
		client := firecrawl.NewClient(cfg.Firecrawl.Key,
			firecrawl.WithBaseURL(cfg.Firecrawl.BaseURL))
		reg.Register(tools.NewFirecrawlTool(client))
	}

	return reg
}

func buildCompleter(oc ollama.Client) intent.Completer {
	if cfg.Intent.Provider == "anthropic" {
		return intent.NewAnthropicCompleter(anthropic.NewClient(cfg.Anthropic.Key), cfg.Anthropic.Model)
	}
	return intent.NewOllamaCompleter(oc, cfg.Intent.Model)
}

// ollamaEmbedder adapts the Ollama client to the matcher's Embedder.
type ollamaEmbedder struct {
	client ollama.Client
	model  string
}

func (e *ollamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return e.client.Embed(ctx, e.model, text)
}

func (e *ollamaEmbedder) Model() string { return e.model }
