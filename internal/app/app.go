// Package app wires the poller, workers, queue and stores into a running
// service.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"attachsync/pkg/checkpoint"
	"attachsync/pkg/config"
	"attachsync/pkg/logger"
	"attachsync/pkg/missive"
	"attachsync/pkg/poller"
	"attachsync/pkg/processor"
	"attachsync/pkg/queue"
	"attachsync/pkg/ratelimit"
	"attachsync/pkg/state"
	"attachsync/pkg/worker"
)

// App owns every long lived component of the sync service.
type App struct {
	cfg    *config.Config
	log    logger.Logger
	db     *sql.DB
	queue  queue.Queue
	store  *state.Store
	client *missive.Client
	poller *poller.Poller
}

// New builds the service from a validated configuration.
func New(cfg *config.Config, log logger.Logger) (*App, error) {
	db, err := state.Open(cfg.Queue.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store, err := state.NewStore(db, cfg.Worker.MaxRetries, log)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	var q queue.Queue
	switch cfg.Queue.Backend {
	case "spool":
		q, err = queue.NewSpool(cfg.Queue.SpoolDir, cfg.Queue.RetryBackoff, log)
	case "database":
		q, err = queue.NewDB(db, cfg.Queue.RetryBackoff, log)
	default:
		err = fmt.Errorf("unknown queue backend: %q", cfg.Queue.Backend)
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open queue: %w", err)
	}

	limiter := ratelimit.NewTokenBucket(cfg.RateLimit.RequestsPerMinute, time.Minute)
	client := missive.NewClient(
		cfg.Missive.BaseURL,
		cfg.Missive.APIToken,
		cfg.Download.Timeout,
		cfg.Download.RetryAttempts,
		limiter,
		log,
	)

	cp, err := checkpoint.NewManager(
		cfg.Poller.CheckpointDir,
		cfg.Poller.BackfillOverlap,
		firstRunDefault(cfg),
		log,
	)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open checkpoint: %w", err)
	}

	p := poller.New(client, q, cp, cfg.Poller.Interval, log)

	return &App{
		cfg:    cfg,
		log:    log,
		db:     db,
		queue:  q,
		store:  store,
		client: client,
		poller: p,
	}, nil
}

// firstRunDefault resolves the poll window used when no checkpoint exists.
// An explicit process-after date wins over the lookback window.
func firstRunDefault(cfg *config.Config) func() time.Time {
	if cfg.Missive.ProcessAfter != "" {
		after, err := config.ParseProcessAfter(cfg.Missive.ProcessAfter)
		if err == nil {
			return func() time.Time { return after }
		}
	}
	lookback := cfg.Poller.FirstRunLookback
	return func() time.Time { return time.Now().Add(-lookback) }
}

// Run starts the poller and workers and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.recover()

	classifier := processor.Classifier{
		MinImageBytes:     a.cfg.Skip.MinImageBytes,
		MinImageDimension: a.cfg.Skip.MinImageDimension,
	}
	rules := processor.PathRules{
		SubjectMaxLen: a.cfg.Storage.SubjectMaxLen,
		NameMaxLen:    a.cfg.Storage.NameMaxLen,
	}

	proc, err := processor.New(
		a.client,
		a.store,
		a.cfg.Storage.BaseDirectory,
		rules,
		a.cfg.Download.URLExpiryBuffer,
		a.log,
	)
	if err != nil {
		return fmt.Errorf("failed to build processor: %w", err)
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.poller.Run(ctx)
	}()

	for i := 0; i < a.cfg.Worker.Concurrency; i++ {
		w := worker.New(
			a.queue,
			a.client,
			a.store,
			proc,
			classifier,
			a.cfg.Worker.BatchSize,
			a.cfg.Worker.IdleSleep,
			a.log.WithField("worker", i),
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.reclaimLoop(ctx)
	}()

	a.log.InfoWithFields("service started", map[string]interface{}{
		"queue_backend": a.cfg.Queue.Backend,
		"workers":       a.cfg.Worker.Concurrency,
		"poll_interval": a.cfg.Poller.Interval.String(),
	})

	<-ctx.Done()
	a.log.Info("shutting down")
	wg.Wait()
	return nil
}

// recover returns work abandoned by a previous crashed run. Must complete
// before any new claim is taken.
func (a *App) recover() {
	if n, err := a.queue.Reclaim(a.cfg.Queue.StaleClaimTimeout); err != nil {
		a.log.WithError(err).Warn("failed to reclaim stale queue entries")
	} else if n > 0 {
		a.log.WithField("count", n).Info("reclaimed stale queue entries")
	}

	if n, err := a.store.ResetStuck(a.cfg.Queue.StaleClaimTimeout); err != nil {
		a.log.WithError(err).Warn("failed to reset stuck downloads")
	} else if n > 0 {
		a.log.WithField("count", n).Info("reset stuck downloads")
	}
}

// reclaimLoop periodically returns stale claims to the ready pool so a
// crashed worker cannot strand work until the next restart.
func (a *App) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Queue.StaleClaimTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := a.queue.Reclaim(a.cfg.Queue.StaleClaimTimeout); err != nil {
				a.log.WithError(err).Warn("reclaim sweep failed")
			} else if n > 0 {
				a.log.WithField("count", n).Info("reclaimed stale queue entries")
			}
		}
	}
}

// Status reports queue depth and per-status attachment counts.
func (a *App) Status() (int, map[state.Status]int, error) {
	counts, err := a.store.Counts()
	if err != nil {
		return 0, nil, err
	}
	return a.queue.Size(), counts, nil
}

// Close releases the database handle.
func (a *App) Close() error {
	return a.db.Close()
}
