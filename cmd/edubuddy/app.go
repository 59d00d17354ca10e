package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/normanking/edubuddy/internal/audit"
	"github.com/normanking/edubuddy/internal/bus"
	"github.com/normanking/edubuddy/internal/config"
	"github.com/normanking/edubuddy/internal/conversation"
	"github.com/normanking/edubuddy/internal/llm"
	"github.com/normanking/edubuddy/internal/logging"
	"github.com/normanking/edubuddy/internal/pipeline"
	"github.com/normanking/edubuddy/internal/registry"
	"github.com/normanking/edubuddy/internal/router"
	"github.com/normanking/edubuddy/internal/safety"
	"github.com/normanking/edubuddy/internal/specialist"
	"github.com/normanking/edubuddy/internal/store"
)

// app holds the wired components shared by every command.
type app struct {
	cfg      *config.Config
	records  store.RecordStore
	registry *registry.Registry
	factory  *llm.Factory
	gate     *safety.Gate
	bus      *bus.Bus
	orch     *pipeline.Orchestrator
	admin    *pipeline.Admin

	closers []io.Closer
}

type appOptions struct {
	// events creates the event bus.
	events bool
}

// newApp opens storage, restores the registry and assembles the turn
// pipeline from cfg.
func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	records, err := store.Open(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &app{cfg: cfg, records: records}
	a.closers = append(a.closers, records)

	a.registry = registry.New(records,
		registry.WithLogger(logging.Component("registry")),
		registry.WithBaseConfigs(cfg.BaseConfigs()),
	)
	if err := a.registry.Load(ctx); err != nil {
		a.close()
		return nil, err
	}

	if opts.events && cfg.Events.Enabled {
		a.bus = bus.NewWithHistory(cfg.Events.HistorySize)
		a.closers = append(a.closers, closerFunc(a.bus.Close))
	}

	rt, err := router.New(cfg.Router, router.WithLogger(logging.Component("router")))
	if err != nil {
		a.close()
		return nil, err
	}

	a.factory = llm.NewFactory(cfg.LLM.Providers, cfg.LLM.DefaultProvider, logging.Component("llm"))
	specialists := specialist.NewDefaultSet(a.registry,
		func(ac registry.AgentConfig) (specialist.Generator, error) {
			g, err := a.factory.Generator(ac)
			if err != nil {
				return nil, err
			}
			return g, nil
		},
		specialist.WithLogger(logging.Component("specialist")),
	)

	gate, err := a.newGate()
	if err != nil {
		a.close()
		return nil, err
	}
	a.gate = gate

	sink, err := a.newAuditSink()
	if err != nil {
		a.close()
		return nil, err
	}

	a.orch, err = pipeline.New(pipeline.Deps{
		Router:        rt,
		Specialists:   specialists,
		Gate:          gate,
		Conversations: conversation.New(records, cfg.Conversation, logging.Component("conversation")),
		Violations:    audit.NewViolationLog(records),
		Audit:         sink,
		Bus:           a.bus,
		SafeMessage:   cfg.Safety.SafeMessage,
	}, pipeline.WithLogger(logging.Component("pipeline")))
	if err != nil {
		a.close()
		return nil, err
	}
	a.admin = pipeline.NewAdmin(a.registry, a.bus, logging.Component("admin"))
	return a, nil
}

func (a *app) newGate() (*safety.Gate, error) {
	opts := []safety.Option{safety.WithLogger(logging.Component("safety"))}

	sem := a.cfg.Safety.Semantic
	if sem.Enabled {
		p, err := a.factory.Provider(sem.Provider)
		if err != nil {
			return nil, fmt.Errorf("semantic safety provider: %w", err)
		}
		opts = append(opts,
			safety.WithSemanticChecker(llm.NewChatChecker(p, sem.Model)),
			safety.WithSemanticTimeout(sem.Timeout),
		)
	}
	return safety.NewGate(a.cfg.Safety.Rules, opts...)
}

// newAuditSink fans interactions and violations out to the log and, when
// configured, to Redis, behind a bounded queue.
func (a *app) newAuditSink() (audit.Sink, error) {
	sinks := audit.Multi{audit.NewLogSink(logging.Component("audit"))}

	rc := a.cfg.Audit.Redis
	if rc.Enabled {
		rs, err := audit.NewRedisSink(rc.RedisConfig)
		if err != nil {
			return nil, fmt.Errorf("redis audit sink: %w", err)
		}
		a.closers = append(a.closers, rs)
		sinks = append(sinks, rs)
	}

	async := audit.NewAsyncSink(sinks, a.cfg.Audit.QueueSize, logging.Component("audit"))
	// Drain before the Redis client and store close.
	a.closers = append(a.closers, async)
	return async, nil
}

// applyConfig pushes the hot-reloadable parts of cfg into running components.
func (a *app) applyConfig(cfg *config.Config, log zerolog.Logger) {
	if err := a.gate.UpdateRules(cfg.Safety.Rules); err != nil {
		log.Error().Err(err).Msg("safety rules rejected, keeping previous")
	}
	a.registry.SetBaseConfigs(cfg.BaseConfigs())
	a.orch.SetSafeMessage(cfg.Safety.SafeMessage)
	a.cfg = cfg

	if a.bus != nil {
		ev := bus.NewEvent(bus.EventConfigReloaded)
		ev.Details = getConfigPath()
		_ = a.bus.Publish(ev)
	}
}

// close releases resources in reverse order of acquisition.
func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil && !errors.Is(err, bus.ErrClosed) {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
