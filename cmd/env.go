package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ddr-archive/corpus-cli/internal/allowlist"
	"github.com/ddr-archive/corpus-cli/internal/config"
	"github.com/ddr-archive/corpus-cli/internal/db"
	"github.com/ddr-archive/corpus-cli/internal/pidsync"
	"github.com/ddr-archive/corpus-cli/internal/provenance"
	"github.com/ddr-archive/corpus-cli/internal/resilience"
	"github.com/ddr-archive/corpus-cli/internal/snapshot"
	"github.com/ddr-archive/corpus-cli/internal/source"
	"github.com/ddr-archive/corpus-cli/internal/store"
)

func initStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "corpus.db"
		}
		st, err = store.NewSQLite(dsn)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, db.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

// syncEnv bundles the components shared by the sync, serve and worker
// commands.
type syncEnv struct {
	Store        store.Store
	Registry     *source.Registry
	Orchestrator *pidsync.Orchestrator
	Ledger       *provenance.Ledger
	Snapshots    *snapshot.Builder
}

func (e *syncEnv) Close() {
	if e.Orchestrator != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.Orchestrator.Shutdown(ctx); err != nil {
			zap.L().Warn("orchestrator shutdown incomplete", zap.Error(err))
		}
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initSyncEnv(ctx context.Context) (*syncEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &syncEnv{Store: st}

	reg, err := source.LoadRegistry(cfg.Sync.SourcesFile)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Registry = reg

	var handoff pidsync.Handoff
	if cfg.Sync.HandoffURL != "" {
		handoff = pidsync.NewHTTPHandoff(cfg.Sync.HandoffURL, time.Duration(cfg.Sync.HandoffTimeoutSec)*time.Second)
	}

	r := cfg.Sync.Retry
	orch := pidsync.New(st, handoff, pidsync.Config{
		CheckpointEvery: cfg.Sync.CheckpointEvery,
		StaleClaimAfter: cfg.Sync.StaleClaimAfter(),
		Retry:           resilience.FromRetryConfig(r.MaxAttempts, r.InitialBackoffMs, r.MaxBackoffMs, r.Multiplier, r.JitterFraction),
	})
	env.Orchestrator = orch

	clientOpts := clientOptions(cfg.Source)
	for _, def := range reg.Sources {
		src, err := source.Open(def, clientOpts)
		if err != nil {
			env.Close()
			return nil, err
		}
		pattern, err := def.Pattern()
		if err != nil {
			env.Close()
			return nil, err
		}
		orch.Register(def.ID, src, allowlist.New(pattern), def.Frequency)
	}

	publisher, err := initPublisher(ctx)
	if err != nil {
		env.Close()
		return nil, err
	}

	env.Ledger = provenance.New(st)
	env.Snapshots = snapshot.NewBuilder(st, publisher)

	zap.L().Info("sync environment ready",
		zap.String("store", cfg.Store.Driver),
		zap.Strings("sources", reg.IDs()),
		zap.Bool("handoff", handoff != nil),
		zap.Bool("manifest_publishing", publisher != nil),
	)
	return env, nil
}

// initPublisher returns the S3 manifest publisher, or nil when no bucket is
// configured.
func initPublisher(ctx context.Context) (snapshot.Publisher, error) {
	if cfg.Snapshot.Bucket == "" {
		return nil, nil
	}
	pub, err := snapshot.NewS3Publisher(ctx, snapshot.S3Options{
		Bucket:         cfg.Snapshot.Bucket,
		Prefix:         cfg.Snapshot.Prefix,
		Region:         cfg.Snapshot.Region,
		Endpoint:       cfg.Snapshot.Endpoint,
		ForcePathStyle: cfg.Snapshot.ForcePathStyle,
	})
	if err != nil {
		return nil, err
	}
	return pub, nil
}

// clientOptions maps the source transport config. Zero circuit values fall
// back to the breaker defaults.
func clientOptions(sc config.SourceConfig) source.ClientOptions {
	return source.ClientOptions{
		Timeout:    time.Duration(sc.TimeoutSecs) * time.Second,
		RatePerSec: sc.RatePerSec,
		Burst:      sc.Burst,
		Circuit:    resilience.FromCircuitConfig(sc.CircuitFailureThreshold, sc.CircuitResetSecs),
	}
}
