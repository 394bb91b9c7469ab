package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"PerpClearing/internal/config"
	"PerpClearing/internal/engine"
	"PerpClearing/internal/ingestion"
	"PerpClearing/internal/instruction"
	"PerpClearing/internal/observability"
	"PerpClearing/internal/persistence"
	"PerpClearing/internal/projection"
	"PerpClearing/internal/server"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const replayPageSize = 1000

func main() {
	log := observability.NewLogger("clearinghouse")
	log.Info().Msg("clearing house starting")

	cfg, err := config.LoadFromEnv(os.Getenv("CH_ENV_FILE"))
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	svc := config.LoadService()

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", svc.PostgresURL)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("postgres ping")
	}
	if err := persistence.NewMigrator(db, svc.MigrationsDir, observability.NewLogger("migrator")).Up(ctx); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}

	snapMgr := persistence.NewSnapshotManager(db)
	dbChecker := persistence.NewPostgresIdempotencyChecker(db)

	// --- Observability ---
	metrics := observability.NewMetrics(nil)
	healthChecker := observability.NewHealthChecker()

	// --- Read views ---
	views, closeViews, err := openViews(ctx, svc)
	if err != nil {
		log.Fatal().Err(err).Msg("open view store")
	}
	defer closeViews()

	// --- Channels ---
	// Persist blocks the engine when full; projection drops.
	persistChan := make(chan engine.Output, svc.PersistChanSize)
	projectionChan := make(chan engine.Output, svc.ProjectionChanSize)
	viewChan := make(chan engine.Output, svc.ProjectionChanSize)
	publishChan := make(chan engine.Output, svc.ProjectionChanSize)
	instrChan := make(chan instruction.Instruction, svc.InstructionChanSize)
	snapChan := make(chan *engine.SnapshotState, 1)

	metrics.SetChannelMetrics("persist", 0, svc.PersistChanSize)
	metrics.SetChannelMetrics("projection", 0, svc.ProjectionChanSize)
	metrics.SetChannelMetrics("instructions", 0, svc.InstructionChanSize)

	engineLog := observability.NewLogger("engine")
	opts := engine.Options{
		Config:              cfg,
		IdempotencyCapacity: svc.IdempotencyLRUCapacity,
		Persist:             persistChan,
		Projection:          projectionChan,
		SnapshotInterval:    svc.SnapshotInterval,
		OnSnapshot: func(s *engine.SnapshotState) {
			select {
			case snapChan <- s:
			default:
				engineLog.Warn().Int64("sequence", s.Sequence).Msg("snapshot skipped, previous one still saving")
			}
		},
		Metrics: metrics,
		Logger:  &engineLog,
	}

	// --- Recovery: load snapshot, then replay the log ---
	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to load snapshot, replaying from genesis")
		snap = nil
	}
	var eng *engine.Engine
	if snap != nil {
		eng, err = engine.Restore(opts, snap)
		if err != nil {
			log.Fatal().Err(err).Int64("sequence", snap.Sequence).Msg("restore snapshot")
		}
		log.Info().Int64("sequence", snap.Sequence).Msg("restored snapshot")
	} else {
		eng, err = engine.New(opts)
		if err != nil {
			log.Fatal().Err(err).Msg("create engine")
		}
		log.Info().Msg("no snapshot found, cold start")
	}
	healthChecker.ReportSequence(eng.Sequence)

	// Workers run on their own context so that shutdown can drain them
	// after the engine stops.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	errChan := make(chan error, 16)

	persistWorker := persistence.NewPersistenceWorker(db, persistChan, svc.PersistBatchSize,
		svc.PersistFlushTimeout, metrics, observability.NewLogger("persistence"))
	if head, err := snapMgr.GetLatestSequence(ctx); err == nil {
		persistWorker.SetLastSequence(head)
	}
	persistDone := make(chan struct{})
	go func() {
		defer close(persistDone)
		if err := persistWorker.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("persistence worker: %w", err)
		}
	}()

	viewWorker := projection.NewWorker(views, viewChan, metrics, observability.NewLogger("projection"))
	if snap != nil {
		if err := viewWorker.Rebuild(ctx, snap); err != nil {
			log.Warn().Err(err).Msg("rebuild views from snapshot")
		}
	}
	go viewWorker.Run(workerCtx)
	go ingestion.Fanout(workerCtx, projectionChan, func(i int) {
		if i == 0 {
			metrics.ProjectionDrops.Inc()
		} else {
			metrics.PublishDrops.Inc()
		}
	}, viewChan, publishChan)

	from := int64(0)
	if snap != nil {
		from = snap.Sequence
	}
	replayed, err := snapMgr.Replay(ctx, from, replayPageSize, eng)
	if err != nil {
		log.Fatal().Err(err).Int64("replayed", replayed).Msg("event replay failed")
	}
	log.Info().Int64("replayed", replayed).Int64("sequence", eng.Sequence()).Msg("replay complete")

	eng.EnableDBDedup(dbChecker)
	if keys, err := dbChecker.RecentKeys(ctx, svc.IdempotencyLRUCapacity); err != nil {
		log.Warn().Err(err).Msg("warm idempotency cache")
	} else {
		eng.WarmIdempotency(keys)
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(svc.NATSURL, observability.NewLogger("nats"))
	if err != nil {
		log.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()
	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		log.Fatal().Err(err).Msg("ensure NATS streams")
	}
	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		log.Fatal().Err(err).Msg("ensure outbound stream")
	}
	publisher := ingestion.NewOutboundPublisher(js, publishChan, metrics, observability.NewLogger("publisher"))
	go publisher.Run(workerCtx)

	// --- Engine ---
	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		if err := eng.Run(ctx, instrChan); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("engine: %w", err)
		}
	}()

	healthChecker.AddCheck("postgres", db.PingContext)
	healthChecker.AddCheck("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return errors.New("not connected")
		}
		return nil
	})

	subscriber := ingestion.NewNATSSubscriber(js, instrChan, observability.NewLogger("ingestion"))
	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		log.Fatal().Err(err).Msg("nats subscribe")
	}

	// --- Snapshots ---
	go runSnapshots(ctx, snapChan, snapMgr, persistWorker, opts, metrics, observability.NewLogger("snapshot"))

	// --- Servers ---
	api := server.NewAPI(eng, views, metrics, observability.NewLogger("api"))
	srv, err := server.New(svc.GRPCAddr, svc.HTTPAddr, server.Deps{
		API:           api,
		HealthChecker: healthChecker,
		Log:           observability.NewLogger("server"),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("create server")
	}
	go func() { errChan <- srv.StartGRPC(ctx) }()
	go func() { errChan <- srv.StartHTTP(ctx) }()
	go func() { errChan <- server.StartMetrics(ctx, svc.MetricsAddr, observability.NewLogger("metrics")) }()
	go reportChannels(ctx, metrics, persistChan, projectionChan, instrChan)

	srv.SetServing(true)
	log.Info().
		Int64("sequence", eng.Sequence()).
		Str("grpc", svc.GRPCAddr).
		Str("http", svc.HTTPAddr).
		Str("metrics", svc.MetricsAddr).
		Msg("clearing house ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		log.Error().Err(err).Msg("component failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop intake, let the engine finish, drain persistence, then take a
	// final snapshot from the quiesced engine.
	srv.SetServing(false)
	subscriber.Stop()
	cancel()
	engineStopped := true
	select {
	case <-engineDone:
	case <-time.After(10 * time.Second):
		engineStopped = false
		log.Error().Msg("engine did not stop in time")
	}

	// The engine is the only sender on these channels.
	if engineStopped {
		close(persistChan)
		close(projectionChan)
		select {
		case <-persistDone:
		case <-time.After(30 * time.Second):
			log.Error().Msg("persistence did not drain in time")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	switch {
	case !engineStopped:
		log.Warn().Msg("engine still running, skipping final snapshot")
	case persistWorker.LastSequence() < eng.Sequence():
		log.Warn().
			Int64("persisted", persistWorker.LastSequence()).
			Int64("sequence", eng.Sequence()).
			Msg("event log behind engine, skipping final snapshot")
	default:
		if err := saveSnapshot(shutdownCtx, eng.Snapshot(), snapMgr, opts, metrics); err != nil {
			log.Error().Err(err).Msg("final snapshot failed")
		} else {
			log.Info().Int64("sequence", eng.Sequence()).Msg("final snapshot saved")
		}
	}
	stopWorkers()

	log.Info().Msg("clearing house shutdown complete")
}

// openViews returns the Redis view store when CH_REDIS_ADDR is set and
// the in-memory store otherwise.
func openViews(ctx context.Context, svc config.Service) (projection.ViewStore, func(), error) {
	if svc.RedisAddr == "" {
		return projection.NewMemoryViewStore(), func() {}, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: svc.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	return projection.NewRedisViewStore(rdb, "clearing:"), func() { rdb.Close() }, nil
}

// runSnapshots saves snapshots handed off by the engine. A snapshot is
// written only once the event log has caught up with it.
func runSnapshots(
	ctx context.Context,
	in <-chan *engine.SnapshotState,
	snapMgr *persistence.SnapshotManager,
	persisted *persistence.PersistenceWorker,
	opts engine.Options,
	metrics *observability.Metrics,
	log zerolog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-in:
			for persisted.LastSequence() < snap.Sequence {
				select {
				case <-ctx.Done():
					return
				case <-time.After(50 * time.Millisecond):
				}
			}
			if err := saveSnapshot(ctx, snap, snapMgr, opts, metrics); err != nil {
				log.Warn().Err(err).Int64("sequence", snap.Sequence).Msg("snapshot failed")
				continue
			}
			log.Info().Int64("sequence", snap.Sequence).Msg("snapshot saved")
		}
	}
}

// saveSnapshot writes snap, proves it restores to the same state hash and
// only then marks it usable for recovery.
func saveSnapshot(
	ctx context.Context,
	snap *engine.SnapshotState,
	snapMgr *persistence.SnapshotManager,
	opts engine.Options,
	metrics *observability.Metrics,
) error {
	size, err := snapMgr.SaveSnapshot(ctx, snap, time.Now())
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	verifyOpts := engine.Options{Config: opts.Config, IdempotencyCapacity: opts.IdempotencyCapacity}
	restored, err := engine.Restore(verifyOpts, snap)
	if err != nil {
		return fmt.Errorf("verify snapshot %d: %w", snap.Sequence, err)
	}
	if restored.StateHash() != snap.StateHash {
		return fmt.Errorf("verify snapshot %d: state hash mismatch", snap.Sequence)
	}
	if err := snapMgr.MarkVerified(ctx, snap.Sequence); err != nil {
		return fmt.Errorf("mark snapshot verified: %w", err)
	}

	if metrics != nil {
		metrics.SnapshotTaken.Inc()
		metrics.SnapshotSizeBytes.Set(float64(size))
		metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	return nil
}

func reportChannels(
	ctx context.Context,
	metrics *observability.Metrics,
	persist, projection chan engine.Output,
	instructions chan instruction.Instruction,
) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetChannelMetrics("persist", len(persist), cap(persist))
			metrics.SetChannelMetrics("projection", len(projection), cap(projection))
			metrics.SetChannelMetrics("instructions", len(instructions), cap(instructions))
		}
	}
}
