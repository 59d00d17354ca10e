// Package scheduler runs the periodic maintenance jobs: expiring stale
// experiments and logging a stats report.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// jobTimeout bounds one run of the expiry sweep.
const jobTimeout = 30 * time.Second

// Expirer stops experiments older than maxAge.
type Expirer interface {
	ExpireExperiments(ctx context.Context, maxAge time.Duration) ([]string, error)
}

// Reporter renders a one-line status summary.
type Reporter func() string

// Config selects the jobs. An empty spec disables its job, as does a zero
// MaxExperimentAge for the expiry sweep.
type Config struct {
	MaxExperimentAge time.Duration
	ExpirySpec       string
	ReportSpec       string
}

// Scheduler manages cron jobs.
type Scheduler struct {
	cron     *cron.Cron
	cfg      Config
	expirer  Expirer
	reporter Reporter
	log      zerolog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
}

// New creates a scheduler and registers the enabled jobs. Either of expirer
// and reporter may be nil.
func New(cfg Config, expirer Expirer, reporter Reporter, log zerolog.Logger) (*Scheduler, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:     cron.New(cron.WithChain(cron.Recover(cronLogger{log}), cron.SkipIfStillRunning(cronLogger{log}))),
		cfg:      cfg,
		expirer:  expirer,
		reporter: reporter,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
	}

	if expirer != nil && cfg.ExpirySpec != "" && cfg.MaxExperimentAge > 0 {
		if _, err := s.cron.AddFunc(cfg.ExpirySpec, s.runExpiry); err != nil {
			cancel()
			return nil, fmt.Errorf("expiry spec %q: %w", cfg.ExpirySpec, err)
		}
	}
	if reporter != nil && cfg.ReportSpec != "" {
		if _, err := s.cron.AddFunc(cfg.ReportSpec, s.runReport); err != nil {
			cancel()
			return nil, fmt.Errorf("report spec %q: %w", cfg.ReportSpec, err)
		}
	}
	return s, nil
}

// Jobs returns the number of registered jobs.
func (s *Scheduler) Jobs() int {
	return len(s.cron.Entries())
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.log.Info().Int("jobs", s.Jobs()).Msg("scheduler started")
	s.cron.Start()
}

// Stop stops the scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	s.cancel()
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) runExpiry() {
	ctx, cancel := context.WithTimeout(s.ctx, jobTimeout)
	defer cancel()

	stopped, err := s.expirer.ExpireExperiments(ctx, s.cfg.MaxExperimentAge)
	if err != nil {
		s.log.Error().Err(err).Strs("stopped", stopped).Msg("experiment expiry sweep failed")
		return
	}
	if len(stopped) > 0 {
		s.log.Info().Strs("experiments", stopped).Msg("expired experiments stopped")
	}
}

func (s *Scheduler) runReport() {
	s.log.Info().Str("report", s.reporter()).Msg("stats report")
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
