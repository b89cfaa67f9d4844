// Package scheduler runs the expiry sweep: the periodic pass that moves
// time-based states forward without any interactive trigger.
//
// Each entity is transitioned in its own transaction under its own
// deadline. A failure is logged and counted, and the entity is picked up
// again on the next cycle.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Mindburn-Labs/ndagate/pkg/agreements"
	"github.com/Mindburn-Labs/ndagate/pkg/contracts"
	"github.com/Mindburn-Labs/ndagate/pkg/grants"
	"github.com/Mindburn-Labs/ndagate/pkg/notify"
	"github.com/Mindburn-Labs/ndagate/pkg/requests"
	"github.com/Mindburn-Labs/ndagate/pkg/store"
)

// Sweep steps, in execution order.
const (
	StepRequests   = "pending_requests"
	StepDrafts     = "drafted_agreements"
	StepAgreements = "active_agreements"
	StepGrants     = "expired_grants"
)

// Config tunes the sweep.
type Config struct {
	Interval      time.Duration
	EntityTimeout time.Duration
	BatchSize     int
}

// DefaultConfig returns the built-in sweep settings.
func DefaultConfig() Config {
	return Config{Interval: 5 * time.Minute, EntityTimeout: 5 * time.Second, BatchSize: 500}
}

// Deps bundles the state owners the sweep drives.
type Deps struct {
	Store    *store.Store
	Requests *requests.Manager
	Ledger   *agreements.Ledger
	Grants   *grants.Engine
	Notifier notify.Notifier
	// Meter is optional; the global meter is used when nil.
	Meter metric.Meter
}

// Scheduler is the expiry sweep.
type Scheduler struct {
	store    *store.Store
	requests *requests.Manager
	ledger   *agreements.Ledger
	grants   *grants.Engine
	notifier notify.Notifier
	cfg      Config
	clock    func() time.Time
	logger   *slog.Logger

	transitions metric.Int64Counter
	failures    metric.Int64Counter
}

// New creates a Scheduler.
func New(d Deps, cfg Config) (*Scheduler, error) {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.EntityTimeout <= 0 {
		cfg.EntityTimeout = def.EntityTimeout
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	meter := d.Meter
	if meter == nil {
		meter = otel.Meter("ndagate/scheduler")
	}
	notifier := d.Notifier
	if notifier == nil {
		notifier = notify.Discard
	}

	s := &Scheduler{
		store:    d.Store,
		requests: d.Requests,
		ledger:   d.Ledger,
		grants:   d.Grants,
		notifier: notifier,
		cfg:      cfg,
		clock:    time.Now,
		logger:   slog.Default().With("component", "scheduler"),
	}
	var err error
	s.transitions, err = meter.Int64Counter("ndagate.sweep.transitions",
		metric.WithDescription("Entities moved to a terminal state by the sweep"),
		metric.WithUnit("{entity}"),
	)
	if err != nil {
		return nil, err
	}
	s.failures, err = meter.Int64Counter("ndagate.sweep.failures",
		metric.WithDescription("Entities the sweep failed to transition"),
		metric.WithUnit("{entity}"),
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *Scheduler) WithClock(clock func() time.Time) *Scheduler {
	s.clock = clock
	return s
}

// StepResult counts the outcome of one sweep step.
type StepResult struct {
	Step         string
	Candidates   int
	Transitioned int
	Failed       int
	// ListErr is set when the candidates could not be listed at all.
	ListErr error
}

// Report is the outcome of one sweep.
type Report struct {
	Steps []StepResult
}

// Transitioned sums transitions across steps.
func (r Report) Transitioned() int {
	n := 0
	for _, s := range r.Steps {
		n += s.Transitioned
	}
	return n
}

// Failed sums per-entity failures across steps, counting a failed listing as one.
func (r Report) Failed() int {
	n := 0
	for _, s := range r.Steps {
		n += s.Failed
		if s.ListErr != nil {
			n++
		}
	}
	return n
}

// Run sweeps immediately and then every interval until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "expiry scheduler started", "interval", s.cfg.Interval)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		s.Sweep(ctx)
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "expiry scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep runs every step once.
func (s *Scheduler) Sweep(ctx context.Context) Report {
	start := s.clock()
	report := Report{Steps: []StepResult{
		s.step(ctx, StepRequests, s.pendingRequests, s.expireRequest),
		s.step(ctx, StepDrafts, s.staleDrafts, s.expireDraft),
		s.step(ctx, StepAgreements, s.endedAgreements, s.expireAgreement),
		s.step(ctx, StepGrants, s.endedGrants, s.expireGrant),
	}}
	level := slog.LevelInfo
	if report.Failed() > 0 {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "sweep finished",
		"transitioned", report.Transitioned(),
		"failed", report.Failed(),
		"duration", s.clock().Sub(start),
	)
	return report
}

type (
	listFunc  func(ctx context.Context, q *store.Queries) ([]string, error)
	applyFunc func(ctx context.Context, q *store.Queries, id string) (changed bool, ev *contracts.Event, err error)
)

func (s *Scheduler) step(ctx context.Context, name string, list listFunc, apply applyFunc) StepResult {
	res := StepResult{Step: name}
	attrs := metric.WithAttributes(attribute.String("step", name))

	ids, err := list(ctx, s.store.Queries())
	if err != nil {
		res.ListErr = err
		s.failures.Add(ctx, 1, attrs)
		s.logger.WarnContext(ctx, "sweep listing failed", "step", name, "error", err)
		return res
	}
	res.Candidates = len(ids)

	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		changed, ev, err := s.apply(ctx, id, apply)
		if err != nil {
			res.Failed++
			s.failures.Add(ctx, 1, attrs)
			s.logger.WarnContext(ctx, "sweep transition failed", "step", name, "subject_id", id, "error", err)
			continue
		}
		if !changed {
			continue
		}
		res.Transitioned++
		s.transitions.Add(ctx, 1, attrs)
		if ev != nil {
			s.notifier.Emit(ctx, *ev)
		}
	}
	return res
}

// apply runs one entity transition in its own transaction and deadline.
func (s *Scheduler) apply(ctx context.Context, id string, fn applyFunc) (bool, *contracts.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.EntityTimeout)
	defer cancel()
	var (
		changed bool
		ev      *contracts.Event
	)
	err := s.store.InTx(ctx, func(q *store.Queries) error {
		var err error
		changed, ev, err = fn(ctx, q, id)
		return err
	})
	if err != nil {
		return false, nil, err
	}
	return changed, ev, nil
}
