package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/rezonia/nfse-submitter/internal/certstore"
	"github.com/rezonia/nfse-submitter/internal/config"
	"github.com/rezonia/nfse-submitter/internal/engine"
	"github.com/rezonia/nfse-submitter/internal/events"
	"github.com/rezonia/nfse-submitter/internal/lock"
	"github.com/rezonia/nfse-submitter/internal/lock/redislock"
	"github.com/rezonia/nfse-submitter/internal/metrics"
	"github.com/rezonia/nfse-submitter/internal/municipality"
	"github.com/rezonia/nfse-submitter/internal/reconciler"
	"github.com/rezonia/nfse-submitter/internal/scheduler"
	"github.com/rezonia/nfse-submitter/internal/signer"
	"github.com/rezonia/nfse-submitter/internal/store"
	"github.com/rezonia/nfse-submitter/internal/store/dynamo"
	"github.com/rezonia/nfse-submitter/internal/store/memory"
	"github.com/rezonia/nfse-submitter/internal/store/postgres"
)

// app is every long-lived component of a running submitter
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	certs      *certstore.Store
	adapters   *municipality.Registry
	store      store.Store
	locker     lock.Locker
	publisher  events.Publisher
	engine     *engine.Engine
	scheduler  *scheduler.Scheduler
	reconciler *reconciler.Reconciler

	closers []func(context.Context) error
}

// buildApp wires the configured store, lock, events, certificates and
// adapters into an engine, a scheduler and a reconciler
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	built := false
	defer func() {
		if !built {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	var err error

	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	if a.store, err = a.openStore(ctx); err != nil {
		return nil, err
	}
	if a.locker, err = a.openLocker(ctx); err != nil {
		return nil, err
	}
	if a.publisher, err = a.openPublisher(); err != nil {
		return nil, err
	}

	if a.certs, err = cfg.OpenCertStore(ctx, logger); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return a.certs.Close() })

	if a.adapters, err = cfg.Registry(a.certs, a.metrics, logger); err != nil {
		return nil, err
	}

	// the handler closes over the engine and reconciler built below
	var handler scheduler.Handler
	a.scheduler = scheduler.New(func(ctx context.Context, t scheduler.Task) { handler(ctx, t) },
		scheduler.WithLogger(logger),
		scheduler.WithMetrics(a.metrics),
	)
	cfg.ConfigureQueues(a.scheduler)

	opts := append(cfg.EngineOptions(),
		engine.WithQueue(a.scheduler),
		engine.WithLogger(logger),
		engine.WithMetrics(a.metrics),
		engine.WithPublisher(a.publisher),
	)
	sign := signer.New(a.certs, a.adapters, signer.WithLogger(logger))
	a.engine = engine.New(a.store, a.locker, a.adapters, sign, a.certs, opts...)

	a.reconciler = reconciler.New(a.engine, a.store,
		reconciler.WithLogger(logger),
		reconciler.WithScanInterval(cfg.Reconciler.ScanInterval.Std()),
	)
	handler = reconciler.Handler(a.engine, a.reconciler, logger)

	built = true
	return a, nil
}

func (a *app) openStore(ctx context.Context) (store.Store, error) {
	switch a.cfg.Storage.Driver {
	case config.StorePostgres:
		pool, err := postgres.Connect(ctx, a.cfg.Storage.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { pool.Close(); return nil })
		st := postgres.New(pool)
		if err := st.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		a.logger.Info("record store ready", "driver", "postgres")
		return st, nil
	case config.StoreDynamoDB:
		client, err := dynamo.Connect(ctx)
		if err != nil {
			return nil, err
		}
		st := dynamo.New(client, a.cfg.Storage.DynamoDBTable)
		if err := st.EnsureTable(ctx); err != nil {
			return nil, fmt.Errorf("ensure table: %w", err)
		}
		a.logger.Info("record store ready", "driver", "dynamodb", "table", a.cfg.Storage.DynamoDBTable)
		return st, nil
	default:
		a.logger.Warn("using in-memory record store; records are lost on restart")
		return memory.New(), nil
	}
}

func (a *app) openLocker(ctx context.Context) (lock.Locker, error) {
	if a.cfg.Lock.Driver != config.LockRedis {
		return lock.NewLocal(), nil
	}
	client, err := redislock.Connect(ctx, a.cfg.Lock.RedisURL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return client.Close() })
	return redislock.New(client,
		redislock.WithTTL(a.cfg.Lock.TTL.Std()),
		redislock.WithLogger(a.logger),
	), nil
}

func (a *app) openPublisher() (events.Publisher, error) {
	logPub := events.NewLogPublisher(a.logger)
	if a.cfg.Events.Driver != config.EventsKafka {
		return logPub, nil
	}
	kafka, err := events.NewKafkaPublisher(a.cfg.Events.Brokers, a.cfg.Events.Topic, a.logger)
	if err != nil {
		return nil, err
	}
	pub := events.Multi{logPub, kafka}
	a.closers = append(a.closers, pub.Close)
	return pub, nil
}

// Close releases connections in reverse order of creation
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
