package cli

import (
	"context"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/codec"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/config"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/crypto"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/db"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/errors"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/kv"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/logging"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/server"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/sync"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/sync/conflict"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/sync/connectivity"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/sync/queue"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/sync/transport"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/telemetry"
)

// BadgerDir is the badger directory created inside the data directory.
const BadgerDir = "badger"

// Runtime is a fully wired daemon.
type Runtime struct {
	Config    *config.Config
	Store     kv.Store
	DB        *db.DB
	Repo      *db.Repository
	Queue     *queue.Store
	Monitor   *connectivity.Monitor
	Resolver  *conflict.Resolver
	Telemetry *telemetry.Batcher
	Engine    *sync.Engine
	Server    *server.Server
}

// NewRuntime builds every component from cfg without starting anything.
func NewRuntime(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	rt := &Runtime{Config: cfg}

	if err := rt.openStore(); err != nil {
		return nil, err
	}

	built, err := rt.build(ctx)
	if err != nil {
		rt.Close()
		return nil, err
	}
	return built, nil
}

func (rt *Runtime) openStore() error {
	cfg := rt.Config
	switch cfg.Store.Backend {
	case config.BackendMemory:
		rt.Store = kv.NewMemory()

	case config.BackendBadger:
		store, err := kv.OpenBadger(filepath.Join(cfg.DataDir, BadgerDir))
		if err != nil {
			return errors.Wrap(errors.ErrDatabase, "open badger store", err)
		}
		rt.Store = store

	default:
		database, err := db.Open(cfg.DataDir)
		if err != nil {
			return errors.Wrap(errors.ErrDatabase, "open sqlite store", err)
		}
		if err := database.Migrate(); err != nil {
			database.Close()
			return errors.Wrap(errors.ErrMigration, "migrate sqlite store", err)
		}
		rt.DB = database
		rt.Repo = db.NewRepository(database.DB)
		rt.Store = db.NewKVStore(database.DB, rt.Repo)
	}

	logging.Info("Store opened", map[string]interface{}{
		"backend":  cfg.Store.Backend,
		"data_dir": cfg.DataDir,
	})
	return nil
}

func (rt *Runtime) build(ctx context.Context) (*Runtime, error) {
	cfg := rt.Config

	c, err := codec.ByName(cfg.Store.Codec)
	if err != nil {
		return nil, errors.Wrap(errors.ErrConfig, "store codec", err)
	}
	if cfg.Store.EncryptionKey != "" {
		salt, err := crypto.LoadOrCreateSalt(rt.Store)
		if err != nil {
			return nil, err
		}
		sealer, err := crypto.NewSealer(cfg.Store.EncryptionKey, salt)
		if err != nil {
			return nil, errors.Wrap(errors.ErrConfig, "store encryption key", err)
		}
		c = codec.Sealed{Inner: c, Cipher: sealer}
	}
	rt.Queue = queue.New(rt.Store, queue.Config{
		MaxSize:             cfg.Store.MaxSize,
		DefaultAttemptLimit: cfg.Store.AttemptLimit,
		Codec:               c,
	})

	var creds transport.CredentialProvider
	if cfg.Transport.Token != "" {
		creds = transport.StaticToken(cfg.Transport.Token)
	}
	tr, err := transport.New(transport.Config{
		BaseURL: cfg.Transport.BaseURL,
		Timeout: cfg.Sync.TransportTimeout,
		Headers: cfg.Transport.Headers,
	}, creds)
	if err != nil {
		return nil, err
	}

	rt.Monitor = connectivity.NewMonitor(
		connectivity.NewHTTPProber(cfg.ProbeURL(), nil),
		connectivity.Config{
			ProbeInterval: cfg.Connectivity.ProbeInterval,
			ProbeTimeout:  cfg.Connectivity.ProbeTimeout,
			StableFor:     cfg.Connectivity.StableFor,
			Unknown:       connectivity.UnknownPolicy(cfg.Connectivity.Unknown),
		},
	)

	strategy, err := conflict.StrategyByName(cfg.Sync.Strategy)
	if err != nil {
		return nil, errors.Wrap(errors.ErrConfig, "conflict strategy", err)
	}
	var recorder conflict.Recorder = conflict.LogRecorder{}
	if rt.Repo != nil {
		recorder = rt.Repo
	}
	rt.Resolver = conflict.NewResolver(strategy, conflict.WithRecorder(recorder))

	sink, err := newSink(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rt.Telemetry = telemetry.NewBatcher(sink, cfg.Telemetry.Config,
		telemetry.WithStore(rt.Store),
		telemetry.WithOnlineCheck(rt.Monitor.IsOnline),
	)

	rt.Engine, err = sync.New(sync.Deps{
		Queue:        rt.Queue,
		Store:        rt.Store,
		Transport:    tr,
		Connectivity: rt.Monitor,
		Resolver:     rt.Resolver,
		Telemetry:    rt.Telemetry,
	}, sync.Config{
		TransportTimeout: cfg.Sync.TransportTimeout,
		TickInterval:     cfg.Sync.TickInterval,
		BackoffBase:      cfg.Sync.BackoffBase,
		BackoffMax:       cfg.Sync.BackoffMax,
	})
	if err != nil {
		return nil, err
	}

	opts := server.Options{Telemetry: rt.Telemetry}
	if rt.Repo != nil {
		opts.Conflicts = rt.Repo
	}
	rt.Server = server.New(rt.Engine, opts)

	return rt, nil
}

// newSink selects the telemetry destination.
func newSink(ctx context.Context, cfg *config.Config) (telemetry.Sink, error) {
	switch cfg.Telemetry.Sink {
	case config.SinkHTTP:
		sink := telemetry.NewHTTPSink(cfg.Telemetry.URL, nil)
		if cfg.Transport.Token != "" {
			token := transport.StaticToken(cfg.Transport.Token)
			sink.Token = token.Token
		}
		return sink, nil
	case config.SinkS3:
		return telemetry.NewS3Sink(ctx, cfg.Telemetry.S3)
	}
	return telemetry.NopSink{}, nil
}

// Run starts the engine and its background loops and blocks until ctx is
// cancelled or one of them fails. The engine is stopped before returning.
func (rt *Runtime) Run(ctx context.Context) error {
	if err := rt.Engine.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return rt.Monitor.Run(gctx)
	})
	g.Go(func() error {
		return rt.Telemetry.Run(gctx)
	})
	if rt.Config.Server.Enabled {
		g.Go(func() error {
			return rt.Server.Run(gctx, rt.Config.Server.Addr)
		})
	}

	err := g.Wait()
	if stopErr := rt.Engine.Stop(); stopErr != nil && err == nil {
		err = stopErr
	}
	return err
}

// Close flushes pending conflict records and releases the store.
func (rt *Runtime) Close() error {
	if rt.Resolver != nil {
		rt.Resolver.Close()
	}
	return rt.closeStore()
}

func (rt *Runtime) closeStore() error {
	var firstErr error
	if rt.Store != nil {
		if err := rt.Store.Close(); err != nil {
			firstErr = err
		}
	}
	if rt.DB != nil {
		if err := rt.DB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
