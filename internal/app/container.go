package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/doeshing/sidekick/internal/application/assistant"
	configapp "github.com/doeshing/sidekick/internal/application/config"
	"github.com/doeshing/sidekick/internal/application/conversation"
	"github.com/doeshing/sidekick/internal/application/notify"
	"github.com/doeshing/sidekick/internal/application/orchestrator"
	"github.com/doeshing/sidekick/internal/domain"
	"github.com/doeshing/sidekick/internal/infrastructure/ai"
	"github.com/doeshing/sidekick/internal/infrastructure/config"
	"github.com/doeshing/sidekick/internal/infrastructure/executor"
	"github.com/doeshing/sidekick/internal/infrastructure/metrics"
	"github.com/doeshing/sidekick/internal/infrastructure/speech"
	"github.com/doeshing/sidekick/internal/infrastructure/store"
	"github.com/doeshing/sidekick/internal/pkg/logger"
	"github.com/doeshing/sidekick/internal/ports"
)

// Options tunes BuildContainer.
type Options struct {
	ConfigPath string
	Verbose    bool
	// Recover finishes records left behind by a previous owner. Only the
	// long-lived process that owns execution may set it; a short-lived CLI
	// sharing the store would otherwise fail commands another process is
	// still running.
	Recover bool
	// Clock overrides the real clock, for tests.
	Clock clockwork.Clock
}

// Container wires up application services with infrastructure adapters.
type Container struct {
	Config       domain.Config
	ConfigLoader *config.FileLoader
	Logger       *logger.ZapLogger
	Store        ports.CommandStore
	Notifier     *notify.Notifier
	Agenda       *executor.AgendaExecutor
	Router       *executor.Router
	Classifier   ports.IntentClassifier
	Registry     *prometheus.Registry
	Metrics      *metrics.Metrics
	Session      *assistant.Session
}

// LoadConfig reads and validates the configuration without building services.
func LoadConfig(ctx context.Context, path string) (*config.FileLoader, domain.Config, error) {
	loader := config.NewFileLoader(path)
	cfg, err := loader.Load(ctx)
	if err != nil {
		return nil, domain.Config{}, err
	}
	if err := configapp.Validate(cfg); err != nil {
		return loader, cfg, fmt.Errorf("invalid configuration %s: %w", loader.Path(), err)
	}
	return loader, cfg, nil
}

// BuildContainer constructs the dependency graph. With opts.Recover, records
// left behind by a previous run are recovered before it returns.
func BuildContainer(ctx context.Context, opts Options) (*Container, error) {
	loader, cfg, err := LoadConfig(ctx, opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	log, err := logger.New(opts.Verbose)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	commandStore, err := store.Open(ctx, cfg.Store, loader.Home(), store.WithClock(clock))
	if err != nil {
		return nil, err
	}
	c := &Container{
		Config:       cfg,
		ConfigLoader: loader,
		Logger:       log,
		Store:        commandStore,
	}
	err = c.wire(ctx, clock)
	if err == nil && opts.Recover {
		err = c.recover(ctx)
	}
	if err != nil {
		if c.Session != nil {
			return nil, errors.Join(err, c.Session.Close(ctx))
		}
		return nil, errors.Join(err, commandStore.Close())
	}
	return c, nil
}

func (c *Container) wire(ctx context.Context, clock clockwork.Clock) error {
	cfg := c.Config
	client := &http.Client{Timeout: domain.DefaultHTTPClientTimeout}

	classifier, err := ai.Build(ai.NewFactoryWithClient(client), cfg, c.Logger.Named("classifier"))
	if err != nil {
		return err
	}
	c.Classifier = classifier

	c.Agenda = executor.NewAgendaExecutor(clock)
	router, err := executor.Build(cfg.Execution, c.Agenda, client)
	if err != nil {
		return err
	}
	c.Router = router

	c.Notifier = notify.New(c.Store, c.Logger.Named("notify"))

	c.Registry = prometheus.NewRegistry()
	c.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.Metrics = metrics.New(c.Registry)
	if err := c.Metrics.WatchSubscriptions(func() int { return c.Notifier.Stats().Active }); err != nil {
		return err
	}

	log := conversation.NewLog(cfg.Assistant.Greeting, clock)
	service, err := orchestrator.New(orchestrator.Dependencies{
		Classifier:      classifier,
		Executor:        router,
		Store:           c.Store,
		Notifier:        c.Notifier,
		Journal:         log,
		Observer:        c.Metrics,
		Logger:          c.Logger.Named("orchestrator"),
		Clock:           clock,
		ClassifyTimeout: seconds(cfg.Classifier.TimeoutSeconds),
		ExecuteTimeout:  seconds(cfg.Execution.TimeoutSeconds),
	})
	if err != nil {
		return err
	}

	var recognizer ports.SpeechRecognizer
	if cfg.Voice.Enabled {
		recognizer = speech.NewWhisper(cfg.Voice, client)
	}
	session, err := assistant.New(assistant.Dependencies{
		Orchestrator: service,
		Notifier:     c.Notifier,
		Conversation: log,
		Store:        c.Store,
		Recognizer:   recognizer,
		VoiceTimeout: seconds(cfg.Voice.TimeoutSeconds),
		Logger:       c.Logger.Named("session"),
	})
	if err != nil {
		return err
	}
	c.Session = session
	return nil
}

func (c *Container) recover(ctx context.Context) error {
	if _, err := c.Session.Recover(ctx); err != nil {
		return fmt.Errorf("recover commands: %w", err)
	}
	return nil
}

// PruneExpired removes terminal records older than days; days <= 0 uses
// store.retention_days.
func (c *Container) PruneExpired(ctx context.Context, now time.Time, days int) (int, error) {
	if days <= 0 {
		days = c.Config.Store.RetentionDays
	}
	if days <= 0 {
		days = domain.DefaultRetentionDays
	}
	removed, err := c.Session.Prune(ctx, now.AddDate(0, 0, -days))
	if err != nil {
		return 0, fmt.Errorf("prune commands: %w", err)
	}
	if removed > 0 {
		c.Logger.Info("pruned commands", map[string]interface{}{"removed": removed, "retention_days": days})
	}
	return removed, nil
}

// Close tears the session down and flushes the logger.
func (c *Container) Close(ctx context.Context) error {
	err := c.Session.Close(ctx)
	_ = c.Logger.Sync()
	return err
}

func seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}
