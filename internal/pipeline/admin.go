package pipeline

import (
	"context"
	"time"

	"github.com/normanking/edubuddy/internal/bus"
	"github.com/normanking/edubuddy/internal/metrics"
	"github.com/normanking/edubuddy/internal/registry"
	"github.com/rs/zerolog"
)

// Admin exposes registry administration and announces every successful
// mutation on the event bus. The registry logs the mutations themselves.
type Admin struct {
	reg *registry.Registry
	bus *bus.Bus
	log zerolog.Logger
	now func() time.Time
}

// NewAdmin creates an Admin. b may be nil.
func NewAdmin(reg *registry.Registry, b *bus.Bus, log zerolog.Logger) *Admin {
	a := &Admin{reg: reg, bus: b, log: log, now: time.Now}
	a.syncExperimentGauge()
	return a
}

// Register adds a version of model.
func (a *Admin) Register(ctx context.Context, model, artifact string, m map[string]float64) (registry.ModelVersion, error) {
	v, err := a.reg.Register(ctx, model, artifact, m)
	if err != nil {
		return v, err
	}
	a.publish(bus.EventModelRegistered, func(e *bus.Event) {
		e.Model, e.Version, e.Details = model, v.ID, artifact
	})
	return v, nil
}

// Activate makes versionID the active version of model.
func (a *Admin) Activate(ctx context.Context, model, versionID string) (registry.ModelVersion, error) {
	v, err := a.reg.Activate(ctx, model, versionID)
	if err != nil {
		return v, err
	}
	a.publish(bus.EventModelActivated, func(e *bus.Event) {
		e.Model, e.Version, e.Details = model, v.ID, v.Artifact
	})
	return v, nil
}

// Rollback activates the version steps before the current one.
func (a *Admin) Rollback(ctx context.Context, model string, steps int) (registry.ModelVersion, error) {
	v, err := a.reg.Rollback(ctx, model, steps)
	if err != nil {
		return v, err
	}
	a.publish(bus.EventModelRolledBack, func(e *bus.Event) {
		e.Model, e.Version, e.Details = model, v.ID, v.Artifact
	})
	return v, nil
}

// Versions lists the versions of model, oldest first.
func (a *Admin) Versions(model string) ([]registry.ModelVersion, error) {
	return a.reg.Versions(model)
}

// Models lists the registered logical models.
func (a *Admin) Models() []string {
	return a.reg.Models()
}

// StartExperiment starts or replaces an experiment.
func (a *Admin) StartExperiment(ctx context.Context, name string, variants []registry.Variant) (registry.Experiment, error) {
	exp, err := a.reg.StartExperiment(ctx, name, variants)
	if err != nil {
		return exp, err
	}
	a.publish(bus.EventExperimentStarted, func(e *bus.Event) { e.Experiment = exp.Name })
	a.syncExperimentGauge()
	return exp, nil
}

// StopExperiment marks an experiment inactive.
func (a *Admin) StopExperiment(ctx context.Context, name string) error {
	if err := a.reg.StopExperiment(ctx, name); err != nil {
		return err
	}
	a.publish(bus.EventExperimentStopped, func(e *bus.Event) { e.Experiment = name })
	a.syncExperimentGauge()
	return nil
}

// ExpireExperiments stops every active experiment older than maxAge.
func (a *Admin) ExpireExperiments(ctx context.Context, maxAge time.Duration) ([]string, error) {
	stopped, err := a.reg.ExpireExperiments(ctx, a.now(), maxAge)
	for _, name := range stopped {
		a.log.Info().Str("experiment", name).Dur("max_age", maxAge).Msg("experiment expired")
		a.publish(bus.EventExperimentStopped, func(e *bus.Event) {
			e.Experiment, e.Details = name, "expired"
		})
	}
	if len(stopped) > 0 {
		a.syncExperimentGauge()
	}
	return stopped, err
}

// Experiments lists experiments ordered by start time.
func (a *Admin) Experiments() []registry.Experiment {
	return a.reg.Experiments()
}

// Experiment returns one experiment.
func (a *Admin) Experiment(name string) (registry.Experiment, bool) {
	return a.reg.Experiment(name)
}

// SelectVariant returns the variant of experiment assigned to userID.
func (a *Admin) SelectVariant(experiment, userID string) (registry.Variant, bool) {
	return a.reg.SelectVariant(experiment, userID)
}

func (a *Admin) syncExperimentGauge() {
	active := 0
	for _, exp := range a.reg.Experiments() {
		if exp.Active {
			active++
		}
	}
	metrics.ActiveExperiments.Set(float64(active))
}

func (a *Admin) publish(t bus.EventType, fill func(*bus.Event)) {
	if a.bus == nil {
		return
	}
	ev := bus.NewEvent(t)
	fill(&ev)
	_ = a.bus.Publish(ev)
}
