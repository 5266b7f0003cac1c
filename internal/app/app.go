// Package app wires the engine, its stores and its surfaces together and
// runs them under one errgroup.
package app

import (
	"PrivateMarkets/internal/archive"
	"PrivateMarkets/internal/cache/redis"
	"PrivateMarkets/internal/cfmm"
	"PrivateMarkets/internal/compute"
	"PrivateMarkets/internal/compute/devcluster"
	"PrivateMarkets/internal/compute/sealed"
	"PrivateMarkets/internal/config"
	"PrivateMarkets/internal/core"
	"PrivateMarkets/internal/ingestion"
	"PrivateMarkets/internal/ledger"
	"PrivateMarkets/internal/observability"
	"PrivateMarkets/internal/persistence"
	"PrivateMarkets/internal/projection"
	"PrivateMarkets/internal/query"
	"PrivateMarkets/internal/scheduler"
	"PrivateMarkets/internal/server"
	"PrivateMarkets/internal/store/postgres"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const retiredWarmLimit = 100_000

// App owns every long-lived dependency. Close releases them.
type App struct {
	cfg    *config.Config
	logger zerolog.Logger

	db    *sql.DB
	pg    *postgres.Client
	redis *redis.Client
	nc    *nats.Conn
}

func New(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// Close releases connections opened by Run.
func (a *App) Close() {
	if a.nc != nil {
		a.nc.Drain()
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if a.pg != nil {
		a.pg.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}

// Run recovers state from the event log, starts every worker and server,
// and blocks until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	cfg := a.cfg
	log := a.logger
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	health := observability.NewHealthChecker()
	clock := core.SystemClock{}

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	a.db = db
	db.SetMaxOpenConns(cfg.Postgres.MaxConns)
	db.SetMaxIdleConns(cfg.Postgres.MinConns)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	health.AddCheck("postgres", db.PingContext)

	if cfg.Postgres.RunMigrations {
		migrator := persistence.NewMigrator(db, persistence.Migrations, "migrations", log)
		if err := migrator.Up(ctx); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}

	pg, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		MaxConns: cfg.Postgres.MaxConns,
		MinConns: cfg.Postgres.MinConns,
	})
	if err != nil {
		return err
	}
	a.pg = pg
	store := postgres.NewMarketStore(pg.Pool())

	// --- Recovery ---
	reader := persistence.NewEventLogReader(db)
	nextSeq, tip, err := reader.VerifyChain(ctx, 1000)
	if err != nil {
		return fmt.Errorf("recover event chain: %w", err)
	}

	persistChan := make(chan core.Output, cfg.Engine.PersistChanSize)
	projectionChan := make(chan core.Output, cfg.Engine.ProjectionChanSize)
	journalChan := make(chan *ledger.Batch, cfg.Engine.JournalChanSize)

	tokens := ledger.NewLedger(clock.Now, journalChan)
	batches := 0
	if err := reader.LoadBatches(ctx, func(b *ledger.Batch) error {
		batches++
		return tokens.Replay(b)
	}); err != nil {
		return fmt.Errorf("replay journal: %w", err)
	}
	if err := tokens.Validate(); err != nil {
		return fmt.Errorf("replayed ledger: %w", err)
	}
	log.Info().
		Int64("next_sequence", nextSeq).
		Int("ledger_batches", batches).
		Msg("state recovered")

	retiredStore := persistence.NewPostgresRetiredStore(db)
	retired := compute.NewRetiredSet(cfg.Compute.RetiredCapacity, retiredStore)
	if n, err := retired.Warm(ctx, retiredWarmLimit); err != nil {
		log.Warn().Err(err).Msg("warm retired handles")
	} else {
		metrics.SetRetiredSize(n)
	}

	// --- Redis (optional) ---
	var (
		locker      core.Locker
		recordCache query.RecordCache
	)
	if cfg.Redis.Enabled {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return err
		}
		a.redis = rc
		locker = redis.NewMarketLock(rc, cfg.Redis.LockTTL.Duration)
		recordCache = redis.NewRecordCache(rc, cfg.Redis.RecordTTL.Duration)
		health.AddCheck("redis", rc.Ping)
	}

	// --- Compute gateway ---
	verifier, err := a.verifier()
	if err != nil {
		return err
	}
	gateway := compute.NewGateway(compute.GatewayConfig{
		Retired:  retired,
		Verifier: verifier,
		Now:      clock.Now,
		Metrics:  metrics,
		Logger:   log.With().Str("component", "gateway").Logger(),
	})

	var js jetstream.JetStream
	if cfg.NATS.Enabled {
		nc, stream, err := ingestion.ConnectNATS(cfg.NATS.URL, log)
		if err != nil {
			return err
		}
		a.nc, js = nc, stream
		if err := ingestion.EnsureStreams(ctx, js, ingestion.NewStreamNames(cfg.NATS.Stream), log); err != nil {
			return err
		}
		health.AddCheck("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New("nats disconnected")
			}
			return nil
		})
	}

	var cluster *devcluster.Cluster
	switch cfg.Compute.Mode {
	case "nats":
		gateway.SetDispatcher(ingestion.NewNATSDispatcher(js))
	default:
		cluster, err = a.devCluster()
		if err != nil {
			return err
		}
		cluster.Attach(gateway)
		gateway.SetDispatcher(cluster)
		defer cluster.Close()
	}

	// --- Engine ---
	policy, _ := cfmm.ParseCreditPolicy(cfg.Engine.CreditPolicy)
	engine, err := core.NewEngine(core.Config{
		Repo:             store,
		Ledger:           tokens,
		Gateway:          gateway,
		Emitter:          core.NewEmitter(nextSeq, tip, persistChan, projectionChan, metrics),
		Locker:           locker,
		Clock:            clock,
		CreditPolicy:     policy,
		MinResolverStake: cfg.Engine.MinResolverStake,
		Operators:        cfg.IsOperator,
		Metrics:          metrics,
		Logger:           log.With().Str("component", "engine").Logger(),
	})
	if err != nil {
		return err
	}

	// --- Read side and durable fan-out ---
	queries := query.NewQueryService(db, engine, recordCache, log)
	hub := server.NewHub(metrics, log)

	var archiver *archive.Archiver
	if cfg.S3.Enabled {
		s3, err := archive.NewS3Store(ctx, archive.S3Config{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return err
		}
		health.AddCheck("s3", s3.Health)
		archiver = archive.NewArchiver(archive.Config{
			Store:   s3,
			Events:  reader,
			Markets: engine,
			Prefix:  cfg.S3.Prefix,
			Now:     clock.Now,
			Metrics: metrics,
			Logger:  log,
		})
	}

	var publisher *ingestion.OutboundPublisher
	if js != nil {
		publisher = ingestion.NewOutboundPublisher(js, 4096, metrics, log)
	}

	persistWorker := persistence.NewWorker(persistence.WorkerConfig{
		DB:           db,
		Events:       persistChan,
		Journals:     journalChan,
		BatchSize:    cfg.Engine.PersistBatchSize,
		FlushTimeout: cfg.Engine.PersistFlushTimeout.Duration,
		AfterFlush: func(outs []core.Output) {
			queries.Observe(outs)
			hub.Observe(outs)
			if publisher != nil {
				publisher.Observe(outs)
			}
			if archiver != nil {
				archiver.Observe(outs)
			}
		},
		Metrics: metrics,
		Logger:  log.With().Str("component", "persistence").Logger(),
	})

	projections := projection.NewWorker(projection.Config{
		DB:      db,
		Input:   projectionChan,
		Metrics: metrics,
		Logger:  log,
	})

	sched, err := scheduler.New(scheduler.Config{
		BatchSpec:     cfg.Scheduler.BatchSpec,
		PurgeSpec:     cfg.Scheduler.PurgeSpec,
		RetainSeconds: int64(cfg.Scheduler.RetainRetired.Seconds()),
		Clearer:       engine,
		Purger:        retiredStore,
		Now:           clock.Now,
		Metrics:       metrics,
		Logger:        log.With().Str("component", "scheduler").Logger(),
	})
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	// --- Surfaces ---
	executor := ingestion.NewExecutor(engine, tokens, cfg.IsOperator, metrics, log)

	var subscriber *ingestion.NATSSubscriber
	if js != nil {
		subscriber = ingestion.NewNATSSubscriber(js, ingestion.NewStreamNames(cfg.NATS.Stream),
			cfg.NATS.Durable, gateway, executor, log)
	}

	var httpServer *server.HTTPServer
	if cfg.Server.HTTPAddr != "" {
		httpServer, err = server.NewHTTPServer(cfg.Server.HTTPAddr, server.HTTPDeps{
			Commands:  executor,
			Callbacks: gateway,
			Reads:     queries,
			Auth:      server.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
			Operators: cfg.IsOperator,
			Hub:       hub,
			Rebuilder: projections,
			Health:    health,
			Metrics:   metrics,
			Logger:    log,
		})
		if err != nil {
			return err
		}
	}
	var grpcServer *server.GRPCServer
	if cfg.Server.GRPCAddr != "" {
		grpcServer = server.NewGRPCServer(cfg.Server.GRPCAddr, gateway, metrics, log)
	}

	if subscriber != nil {
		if err := subscriber.Subscribe(ctx); err != nil {
			return err
		}
	}

	// --- Run ---
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return persistWorker.Run(ctx) })
	g.Go(func() error { return projections.Run(ctx) })
	g.Go(func() error { return queries.RunCacheUpdates(ctx) })
	g.Go(func() error { return hub.Run(ctx) })
	g.Go(func() error { return sched.Run(ctx) })
	if archiver != nil {
		g.Go(func() error { return archiver.Run(ctx) })
	}
	if publisher != nil {
		g.Go(func() error { return publisher.Run(ctx) })
	}
	if subscriber != nil {
		g.Go(func() error {
			<-ctx.Done()
			subscriber.Stop()
			return nil
		})
	}
	if httpServer != nil {
		g.Go(func() error { return httpServer.Start(ctx) })
	}
	if grpcServer != nil {
		g.Go(func() error { return grpcServer.Start(ctx) })
		grpcServer.SetServing(true)
	}
	if cfg.Server.MetricsAddr != "" {
		g.Go(func() error { return server.StartMetrics(ctx, cfg.Server.MetricsAddr, log) })
	}

	health.SetReady(true)
	log.Info().
		Int64("sequence", nextSeq).
		Str("compute_mode", cfg.Compute.Mode).
		Str("http", cfg.Server.HTTPAddr).
		Str("grpc", cfg.Server.GRPCAddr).
		Msg("privatemarkets ready")

	err = g.Wait()
	health.SetReady(false)
	if cluster != nil {
		cluster.Wait()
	}
	return err
}

// verifier builds the callback signature check. Without a signer address
// the dev cluster's own key is trusted, and a remote cluster's callbacks
// are accepted unsigned.
func (a *App) verifier() (compute.Verifier, error) {
	addr := a.cfg.Compute.SignerAddress
	if addr == "" && a.cfg.Compute.Mode == "dev" && a.cfg.Compute.SignerKey != "" {
		s, err := compute.NewSigner(a.cfg.Compute.SignerKey)
		if err != nil {
			return nil, fmt.Errorf("compute signer: %w", err)
		}
		addr = s.Address().Hex()
	}
	if addr == "" {
		a.logger.Warn().Msg("no callback signer configured, accepting unsigned callbacks")
		return nil, nil
	}
	v, err := compute.NewAddressVerifier(addr)
	if err != nil {
		return nil, fmt.Errorf("compute verifier: %w", err)
	}
	return v, nil
}

func (a *App) devCluster() (*devcluster.Cluster, error) {
	cc := a.cfg.Compute
	var (
		keys sealed.KeyPair
		err  error
	)
	if cc.ClusterPublicKey != "" && cc.ClusterPrivateKey != "" {
		keys, err = sealed.ParseKeyPair(cc.ClusterPublicKey, cc.ClusterPrivateKey)
	} else {
		keys, err = sealed.GenerateKeyPair()
	}
	if err != nil {
		return nil, fmt.Errorf("dev cluster keys: %w", err)
	}

	var signer *compute.Signer
	if cc.SignerKey != "" {
		if signer, err = compute.NewSigner(cc.SignerKey); err != nil {
			return nil, fmt.Errorf("dev cluster signer: %w", err)
		}
	}

	a.logger.Info().
		Str("cluster_public_key", keys.PublicHex()).
		Msg("in-process compute cluster enabled; seal inputs to this key")
	return devcluster.New(devcluster.Config{
		Keys:   keys,
		Signer: signer,
		Delay:  cc.DevDelay.Duration,
		Logger: a.logger.With().Str("component", "devcluster").Logger(),
	}), nil
}
