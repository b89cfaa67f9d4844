package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Mindburn-Labs/ndagate/pkg/artifacts"
	"github.com/Mindburn-Labs/ndagate/pkg/config"
	"github.com/Mindburn-Labs/ndagate/pkg/contracts"
	"github.com/Mindburn-Labs/ndagate/pkg/limiter"
	"github.com/Mindburn-Labs/ndagate/pkg/nda"
	"github.com/Mindburn-Labs/ndagate/pkg/notify"
	"github.com/Mindburn-Labs/ndagate/pkg/observability"
	"github.com/Mindburn-Labs/ndagate/pkg/scheduler"
	"github.com/Mindburn-Labs/ndagate/pkg/store"
)

// app holds everything a command needs, and how to release it.
type app struct {
	svc       *nda.Service
	scheduler *scheduler.Scheduler
	closers   []func() error
}

func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	dialect, err := store.ParseDialect(cfg.DatabaseDriver)
	if err != nil {
		return nil, err
	}
	return store.Open(ctx, dialect, cfg.DatabaseURL)
}

func newApp(ctx context.Context, cfg *config.Config, policy *config.Policy) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	tel := observability.DefaultConfig()
	tel.Enabled = cfg.OTelEnabled
	tel.OTLPEndpoint = cfg.OTelEndpoint
	tel.Insecure = cfg.OTelInsecure
	telemetry, err := observability.New(ctx, tel)
	if err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	a.closers = append(a.closers, func() error { return telemetry.Shutdown(context.Background()) })

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, st.Close)
	if err := st.Migrate(ctx); err != nil {
		return nil, err
	}

	objects, err := artifacts.New(ctx, cfg.Artifacts)
	if err != nil {
		return nil, fmt.Errorf("artifact store: %w", err)
	}

	var lim limiter.Store = limiter.NewMemoryStore()
	if cfg.RedisAddr != "" {
		rs := limiter.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := rs.Ping(ctx); err != nil {
			_ = rs.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		a.closers = append(a.closers, rs.Close)
		lim = rs
	}

	var notifier notify.Notifier = notify.NewLogNotifier(nil)
	if cfg.AMQPURL != "" {
		pub, err := notify.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return nil, fmt.Errorf("amqp: %w", err)
		}
		a.closers = append(a.closers, pub.Close)
		notifier = notify.Multi{notifier, pub}
	}

	a.svc, err = nda.New(ctx, nda.Deps{
		Store:     st,
		Objects:   objects,
		Notifier:  notifier,
		Limiter:   lim,
		Admins:    contracts.NewAdmins(cfg.Admins...),
		Telemetry: telemetry,
	}, nda.Policy{Requests: policy.Requests(), Agreements: policy.Agreements()})
	if err != nil {
		return nil, err
	}

	a.scheduler, err = scheduler.New(scheduler.Deps{
		Store:    st,
		Requests: a.svc.Requests(),
		Ledger:   a.svc.Ledger(),
		Grants:   a.svc.Grants(),
		Notifier: notifier,
		Meter:    telemetry.Meter(),
	}, policy.Scheduler())
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}
