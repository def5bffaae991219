package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/javimosch/superqueues/internal/audit"
	"github.com/javimosch/superqueues/internal/auth"
	"github.com/javimosch/superqueues/internal/broker"
	cfgpkg "github.com/javimosch/superqueues/internal/config"
	"github.com/javimosch/superqueues/internal/idempotency"
	"github.com/javimosch/superqueues/internal/kv"
	"github.com/javimosch/superqueues/internal/lease"
	"github.com/javimosch/superqueues/internal/services/queues"
	"github.com/javimosch/superqueues/internal/settings"
	pebblestore "github.com/javimosch/superqueues/internal/storage/pebble"
	"github.com/javimosch/superqueues/pkg/log"
)

// Options for building the Runtime.
type Options struct {
	Config cfgpkg.Config
	Logger log.Logger
}

// Runtime owns every stateful dependency of a running instance.
type Runtime struct {
	config cfgpkg.Config
	logger log.Logger

	db *pebblestore.DB
	kv kv.Store
	mq broker.Broker

	auth   *auth.Store
	audit  *audit.Service
	queues *queues.Service
}

// Open builds the full dependency graph by driver selection and starts
// the background reclaimer.
func Open(opts Options) (*Runtime, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = log.NewLogger()
	}

	db, err := pebblestore.Open(pebblestore.Options{DataDir: cfg.DataDir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	store, err := openKV(cfg.KV)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	mq, err := openBroker(cfg, logger)
	if err != nil {
		_ = store.Close()
		_ = db.Close()
		return nil, err
	}

	settingsStore := settings.NewStore(db)
	defaultMode, err := audit.ParseMode(cfg.Audit.Mode)
	if err != nil {
		defaultMode = audit.ModeFull
	}
	auditSvc := audit.NewService(db, settingsStore, defaultMode, logger)

	authStore := auth.NewStore(db, logger)
	if err := authStore.Bootstrap(cfg.Auth.BootstrapKeys); err != nil {
		_ = mq.Close()
		_ = store.Close()
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap api keys: %w", err)
	}

	leases := lease.NewStore(store, time.Duration(cfg.Queue.ReceiptTTLMaxMs)*time.Millisecond)
	idem := idempotency.NewCache(store, time.Duration(cfg.Queue.IdempotencyTTLMs)*time.Millisecond)

	queueSvc := queues.NewService(mq, leases, idem, auditSvc, cfg.Queue, logger)
	queueSvc.StartReclaimer()

	return &Runtime{
		config: cfg,
		logger: logger,
		db:     db,
		kv:     store,
		mq:     mq,
		auth:   authStore,
		audit:  auditSvc,
		queues: queueSvc,
	}, nil
}

func openKV(cfg cfgpkg.KVConfig) (kv.Store, error) {
	switch cfg.Driver {
	case "memory":
		return kv.NewMemoryStore(), nil
	case "redis", "":
		store, err := kv.NewRedisStore(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("open redis: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown kv driver %q", cfg.Driver)
	}
}

func openBroker(cfg cfgpkg.Config, logger log.Logger) (broker.Broker, error) {
	delays := make([]time.Duration, 0, len(cfg.Queue.RetryDelaysMs))
	for _, ms := range cfg.Queue.RetryDelaysMs {
		delays = append(delays, time.Duration(ms)*time.Millisecond)
	}
	switch cfg.Broker.Driver {
	case "memory":
		return broker.NewMemoryBroker(delays, logger), nil
	case "amqp", "":
		namer := broker.Namer{Tenant: cfg.Namespace.Tenant, Env: cfg.Namespace.Env}
		b, err := broker.NewAMQPBroker(cfg.Broker.URL, namer, delays, cfg.Broker.PrefetchDefault, logger)
		if err != nil {
			return nil, fmt.Errorf("open broker: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown broker driver %q", cfg.Broker.Driver)
	}
}

// Close stops the reclaimer and releases every resource.
func (r *Runtime) Close() error {
	if r.queues != nil {
		r.queues.StopReclaimer()
	}
	var errs []error
	if r.mq != nil {
		errs = append(errs, r.mq.Close())
	}
	if r.kv != nil {
		errs = append(errs, r.kv.Close())
	}
	if r.db != nil {
		errs = append(errs, r.db.Close())
	}
	return errors.Join(errs...)
}

// CheckHealth probes storage, the key-value store and the broker.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.db == nil {
		return errors.New("storage not open")
	}
	it, err := r.db.NewIter(nil)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	it.Close()
	if err := r.kv.Ping(ctx); err != nil {
		return fmt.Errorf("kv: %w", err)
	}
	if err := r.mq.Ping(ctx); err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	return nil
}

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }

// Logger returns the base logger.
func (r *Runtime) Logger() log.Logger { return r.logger }

// Auth returns the credential store.
func (r *Runtime) Auth() *auth.Store { return r.auth }

// Audit returns the audit service.
func (r *Runtime) Audit() *audit.Service { return r.audit }

// Queues returns the queue service.
func (r *Runtime) Queues() *queues.Service { return r.queues }

// DB exposes the underlying database for internal use.
func (r *Runtime) DB() *pebblestore.DB { return r.db }
