// Package app wires the full Alter runtime: state store, guards, tools,
// model clients, agent, consciousness driver, maintenance jobs, and the
// chat surfaces. It owns every component's lifecycle and tears them down
// in reverse dependency order on exit.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	alter "github.com/nevindra/alter"
	"github.com/nevindra/alter/frontend/telegram"
	"github.com/nevindra/alter/frontend/terminal"
	"github.com/nevindra/alter/internal/config"
	"github.com/nevindra/alter/internal/httpapi"
	"github.com/nevindra/alter/internal/netguard"
	"github.com/nevindra/alter/internal/pathguard"
	"github.com/nevindra/alter/observer"
	"github.com/nevindra/alter/provider/resolve"
	"github.com/nevindra/alter/store/sqlite"
	"github.com/nevindra/alter/tools/browser"
	"github.com/nevindra/alter/tools/code"
	"github.com/nevindra/alter/tools/file"
	"github.com/nevindra/alter/tools/knowledge"
	"github.com/nevindra/alter/tools/memory"
	"github.com/nevindra/alter/tools/shell"
	"github.com/nevindra/alter/tools/wait"
	"github.com/nevindra/alter/tools/web"
)

const (
	// shutdownTimeout bounds the teardown hooks once the run context is
	// already gone.
	shutdownTimeout = 15 * time.Second

	// Retention caps applied by the hourly maintenance job. Knowledge and
	// thought retention mirror what the consciousness driver enforces per
	// cycle, so pruning still happens when the driver is disabled.
	keepMemories  = 1000
	keepKnowledge = 10000
	thoughtMaxAge = 7 * 24 * time.Hour
)

// App is the assembled runtime. New builds every component from config;
// Run and RunTerminal start the surfaces and block until the context ends.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	shutdown  *alter.ShutdownCoordinator
	bus       *alter.Bus
	store     *sqlite.Store
	usage     *alter.UsageAccountant
	registry  *alter.Registry
	browser   *browser.Tool
	agent     *alter.Agent
	conscious *alter.Consciousness
	api       *httpapi.Server
	telegram  *telegram.Frontend
	cron      *cron.Cron
	inst      *observer.Instruments
}

// Option configures an App.
type Option func(*App)

// WithLogger sets the structured logger for every component.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// New constructs the runtime from cfg. The context is used for
// construction-time work (observability exporters); it is not retained.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	logger := a.logger

	a.shutdown = alter.NewShutdownCoordinator(alter.ShutdownLogger(logger))

	// Observability first: it is registered first so its exporters flush
	// last, after every other hook has run.
	if cfg.Observer.Enabled {
		inst, stop, err := observer.Init(ctx, cfg.Observer.Endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("observer init: %w", err)
		}
		a.inst = inst
		a.shutdown.OnShutdown("observer", stop)
	}

	a.bus = alter.NewBus()
	a.shutdown.OnShutdown("bus", func(context.Context) error {
		a.bus.Close()
		return nil
	})

	a.store = sqlite.New(cfg.Database.Path,
		sqlite.WithLogger(logger),
		sqlite.WithBus(a.bus))
	a.shutdown.OnShutdown("store", func(context.Context) error {
		return a.store.Close()
	})

	if err := os.MkdirAll(cfg.Workspace.Path, 0o755); err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}
	paths, err := pathguard.New(cfg.Workspace.Path)
	if err != nil {
		return nil, fmt.Errorf("workspace guard: %w", err)
	}
	net := netguard.New()

	a.usage = alter.NewUsageAccountant()

	primary, err := a.provider(resolve.Config{
		Provider: cfg.LLM.Provider,
		APIKey:   cfg.LLM.APIKey,
		Model:    cfg.LLM.Model,
		BaseURL:  cfg.LLM.BaseURL,
	}, cfg.LLM.RequestsPerMinute, cfg.LLM.TokensPerMinute)
	if err != nil {
		return nil, fmt.Errorf("primary model: %w", err)
	}
	reflector, err := a.provider(resolve.Config{
		Provider: cfg.Reflection.Provider,
		APIKey:   cfg.Reflection.APIKey,
		Model:    cfg.Reflection.Model,
		BaseURL:  cfg.Reflection.BaseURL,
	}, cfg.Reflection.RequestsPerMinute, cfg.Reflection.TokensPerMinute)
	if err != nil {
		return nil, fmt.Errorf("reflection model: %w", err)
	}

	var embed alter.EmbedFunc
	if cfg.Embedding.APIKey != "" {
		embed, err = resolve.Embedder(resolve.EmbedConfig{
			Provider:   cfg.Embedding.Provider,
			APIKey:     cfg.Embedding.APIKey,
			Model:      cfg.Embedding.Model,
			Dimensions: cfg.Embedding.Dimensions,
		})
		if err != nil {
			return nil, fmt.Errorf("embedder: %w", err)
		}
		embed = alter.WithEmbedRetry(embed, alter.RetryLogger(logger))
		if a.inst != nil {
			embed = observer.WrapEmbedder(embed, cfg.Embedding.Model, a.inst)
		}
	}

	a.browser = browser.New(net, cfg.Workspace.ScreenshotDir)
	a.shutdown.OnShutdown("browser", func(context.Context) error {
		a.browser.Close()
		return nil
	})

	a.registry = alter.NewRegistry(alter.RegistryLogger(logger))
	a.register(shell.New(paths))
	a.register(file.New(paths))
	a.register(web.New(net))
	a.register(code.New(paths))
	a.register(a.browser)
	a.register(memory.New(a.store))
	a.register(wait.New())
	if embed != nil {
		a.register(knowledge.New(a.store, embed))
	} else {
		logger.Info("no embedding key configured, knowledge tool disabled")
	}

	a.agent = alter.New(primary, a.store, a.registry,
		alter.AgentLogger(logger),
		alter.AgentShutdown(a.shutdown))

	if cfg.Consciousness.Enabled {
		mind := reflector
		if cfg.Consciousness.GenesisModel == "primary" {
			mind = primary
		}
		a.conscious = alter.NewConsciousness(a.agent, a.store, mind,
			alter.ConsciousnessLogger(logger),
			alter.ConsciousnessShutdown(a.shutdown),
			alter.ConsciousnessWorkspace(cfg.Workspace.Path),
			alter.ConsciousnessHourlyDebt(cfg.Consciousness.HourlyDebt))
	}

	apiOpts := []httpapi.Option{
		httpapi.WithLogger(logger),
		httpapi.WithUsage(a.usage),
		httpapi.WithScreenshots(a.browser),
	}
	if cfg.HTTP.MaxChatRuns > 0 {
		apiOpts = append(apiOpts, httpapi.WithMaxRuns(cfg.HTTP.MaxChatRuns))
	}
	if a.conscious != nil {
		apiOpts = append(apiOpts, httpapi.WithConsciousness(a.conscious))
	}
	a.api = httpapi.New(a.agent, a.store, a.bus, apiOpts...)

	if cfg.Telegram.Token != "" {
		feOpts := []telegram.Option{
			telegram.WithLogger(logger),
			telegram.WithWorkspace(cfg.Workspace.Path),
		}
		if a.conscious != nil {
			feOpts = append(feOpts, telegram.WithConsciousness(a.conscious))
		}
		if id, err := strconv.ParseInt(cfg.Telegram.AllowedUserID, 10, 64); err == nil && id != 0 {
			feOpts = append(feOpts, telegram.AllowUser(id))
		}
		a.telegram = telegram.New(telegram.NewClient(cfg.Telegram.Token), a.agent, a.store, feOpts...)
	}

	a.cron = a.maintenance()
	a.shutdown.OnShutdown("maintenance", func(ctx context.Context) error {
		select {
		case <-a.cron.Stop().Done():
		case <-ctx.Done():
		}
		return nil
	})

	return a, nil
}

// provider builds one model client: resolve, then retry, then rate
// limiting with shared usage accounting, then observability.
func (a *App) provider(rc resolve.Config, rpm, tpm int) (alter.Provider, error) {
	p, err := resolve.Provider(rc)
	if err != nil {
		return nil, err
	}
	p = alter.WithRetry(p, alter.RetryLogger(a.logger))
	limits := []alter.RateLimitOption{alter.WithUsageAccounting(a.usage)}
	if rpm > 0 {
		limits = append(limits, alter.RequestsPerMinute(rpm))
	}
	if tpm > 0 {
		limits = append(limits, alter.TokensPerMinute(tpm))
	}
	p = alter.WithRateLimit(p, limits...)
	if a.inst != nil {
		p = observer.WrapProvider(p, rc.Model, a.inst)
	}
	return p, nil
}

// register adds a tool to the registry, instrumented when the observer is
// on.
func (a *App) register(t alter.Tool) {
	if a.inst != nil {
		t = observer.WrapTool(t, a.inst)
	}
	a.registry.Register(t)
}

// maintenance schedules the background janitor: a browser recycle check
// every minute, and hourly screenshot cleanup plus retention pruning.
func (a *App) maintenance() *cron.Cron {
	c := cron.New()

	c.AddFunc("@every 1m", func() {
		a.browser.Maintain()
	})

	c.AddFunc("@every 1h", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		if n, err := a.browser.CleanScreenshots(); err != nil {
			a.logger.Warn("screenshot cleanup failed", "error", err)
		} else if n > 0 {
			a.logger.Info("screenshots cleaned", "removed", n)
		}
		if n, err := a.store.PruneMemory(ctx, keepMemories); err != nil {
			a.logger.Warn("pruning memory", "error", err)
		} else if n > 0 {
			a.logger.Info("memory pruned", "removed", n)
		}
		if n, err := a.store.PruneKnowledge(ctx, keepKnowledge); err != nil {
			a.logger.Warn("pruning knowledge", "error", err)
		} else if n > 0 {
			a.logger.Info("knowledge pruned", "removed", n)
		}
		if n, err := a.store.PruneThoughts(ctx, thoughtMaxAge); err != nil {
			a.logger.Warn("pruning thoughts", "error", err)
		} else if n > 0 {
			a.logger.Info("thoughts pruned", "removed", n)
		}
	})

	return c
}

// Run starts the service surfaces: the HTTP API, the Telegram frontend
// when a token is configured, and the consciousness driver when enabled.
// It blocks until ctx ends, then runs the shutdown hooks.
func (a *App) Run(ctx context.Context) error {
	if err := a.store.Init(ctx); err != nil {
		return fmt.Errorf("store init: %w", err)
	}
	a.cron.Start()

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return a.api.Serve(gctx, a.cfg.HTTP.Addr)
	})
	if a.telegram != nil {
		group.Go(func() error {
			return a.telegram.Run(gctx)
		})
	}
	if a.conscious != nil {
		group.Go(func() error {
			return a.conscious.Run(gctx)
		})
	}
	a.logger.Info("alter running",
		"http", a.cfg.HTTP.Addr,
		"telegram", a.telegram != nil,
		"consciousness", a.conscious != nil)

	err := group.Wait()
	a.teardown()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// RunTerminal starts interactive mode: a readline REPL on stdin plus the
// consciousness driver. The HTTP API and Telegram frontend stay offline.
func (a *App) RunTerminal(ctx context.Context) error {
	if err := a.store.Init(ctx); err != nil {
		return fmt.Errorf("store init: %w", err)
	}
	a.cron.Start()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	group, gctx := errgroup.WithContext(ctx)
	if a.conscious != nil {
		group.Go(func() error {
			return a.conscious.Run(gctx)
		})
	}

	replOpts := []terminal.Option{
		terminal.WithLogger(a.logger),
		terminal.WithHistoryFile(filepath.Join(a.cfg.Workspace.Path, ".alter_history")),
	}
	if a.conscious != nil {
		replOpts = append(replOpts, terminal.WithConsciousness(a.conscious))
	}
	repl := terminal.New(a.agent, a.store, replOpts...)

	err := repl.Run(gctx)
	cancel()
	_ = group.Wait()
	a.teardown()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// teardown runs the shutdown hooks under a fresh deadline; the run context
// is already cancelled by the time hooks execute.
func (a *App) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = a.shutdown.Shutdown(ctx)
}
