package tasks

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/agentmem/memoryd/internal/pool"
	"github.com/agentmem/memoryd/types"
)

// Config configures Runtime. It follows the same Redis dial shape as
// store.RedisAdapterConfig so operators can point both at the same
// instance or split them, and the same goroutine-pool shape the teacher
// uses for bounded worker concurrency.
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	KeyPrefix    string

	MaxWorkers     int
	QueueSize      int
	PollInterval   time.Duration
	LeaseDuration  time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c Config) withDefaults() Config {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "tasks:"
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 20
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 500
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	return c
}

// Runtime is the Background Task Runtime (C6): a Redis-backed durable
// queue with at-least-once delivery, at-most-one-in-flight-per-fingerprint
// coalescing, periodic scheduling, and crash recovery via lease expiry.
// In-flight execution is fanned out over an internal/pool.GoroutinePool,
// matching the worker-pool idiom the teacher uses for bounded concurrency.
type Runtime struct {
	client *redis.Client
	prefix string
	cfg    Config
	pool   *pool.GoroutinePool
	logger *zap.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	periodic []periodicEntry

	stopCh chan struct{}
	wg     sync.WaitGroup
}

type periodicEntry struct {
	PeriodicEntry
}

// New dials Redis and constructs a Runtime. Call RegisterHandler for every
// task name the runtime must be able to execute, then Start.
func New(cfg Config, logger *zap.Logger) (*Runtime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, types.NewError(types.ErrStoreUnavailable, "redis ping failed").WithCause(err)
	}

	workerPool := pool.NewGoroutinePool(pool.GoroutinePoolConfig{
		MaxWorkers: cfg.MaxWorkers,
		QueueSize:  cfg.QueueSize,
	})

	return &Runtime{
		client:   client,
		prefix:   cfg.KeyPrefix,
		cfg:      cfg,
		pool:     workerPool,
		logger:   logger,
		handlers: make(map[string]Handler),
		stopCh:   make(chan struct{}),
	}, nil
}

// RegisterHandler associates a task name with the function that executes
// it. Must be called before Start for names that may already be pending
// from a prior run.
func (r *Runtime) RegisterHandler(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// SchedulePeriodic registers a recurring task. Each tick attempts to
// enqueue taskName with a fingerprint derived from name alone, so a tick
// landing while the previous run is still pending or in-flight coalesces
// into a no-op rather than piling up duplicate work.
func (r *Runtime) SchedulePeriodic(entry PeriodicEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.periodic = append(r.periodic, periodicEntry{entry})
}

func (r *Runtime) pendingKey() string    { return r.prefix + "pending" }
func (r *Runtime) processingKey() string { return r.prefix + "processing" }
func (r *Runtime) dataKey(id string) string { return r.prefix + "data:" + id }
func (r *Runtime) fpKey(fp string) string   { return r.prefix + "fp:" + fp }

// Enqueue implements working.TaskEnqueuer and the general C6 enqueue
// contract of spec.md §6. A non-empty fingerprint deduplicates against any
// task with the same fingerprint that is still pending or in-flight.
func (r *Runtime) Enqueue(ctx context.Context, taskName string, args map[string]any, fingerprint string) error {
	return r.enqueueAt(ctx, taskName, args, fingerprint, time.Now().UTC())
}

// EnqueueAfter is Enqueue with an explicit delay before the task becomes
// eligible for execution.
func (r *Runtime) EnqueueAfter(ctx context.Context, taskName string, args map[string]any, fingerprint string, delay time.Duration) error {
	return r.enqueueAt(ctx, taskName, args, fingerprint, time.Now().UTC().Add(delay))
}

func (r *Runtime) enqueueAt(ctx context.Context, taskName string, args map[string]any, fingerprint string, notBefore time.Time) error {
	id := uuid.NewString()

	if fingerprint != "" {
		ok, err := r.client.SetNX(ctx, r.fpKey(fingerprint), id, 24*time.Hour).Result()
		if err != nil {
			return types.NewError(types.ErrStoreUnavailable, "fingerprint lock failed").WithCause(err).WithRetryable(true)
		}
		if !ok {
			// Coalesced: a task with this fingerprint is already pending
			// or in-flight.
			return nil
		}
	}

	task := Task{
		ID:          id,
		Name:        taskName,
		Args:        args,
		Fingerprint: fingerprint,
		MaxAttempts: r.cfg.MaxAttempts,
		CreatedAt:   time.Now().UTC(),
		NotBefore:   notBefore,
	}
	data, err := task.marshal()
	if err != nil {
		return types.NewError(types.ErrInternal, "marshal task failed").WithCause(err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.dataKey(id), data, 0)
	pipe.ZAdd(ctx, r.pendingKey(), redis.Z{Score: float64(notBefore.Unix()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return types.NewError(types.ErrStoreUnavailable, "enqueue failed").WithCause(err).WithRetryable(true)
	}
	return nil
}

// Start launches the poll loop, the lease-recovery sweep, and one ticker
// per registered periodic entry. It returns immediately; call Stop to shut
// down cleanly.
func (r *Runtime) Start(ctx context.Context) error {
	r.wg.Add(2)
	go r.pollLoop(ctx)
	go r.recoveryLoop(ctx)

	r.mu.Lock()
	entries := append([]periodicEntry(nil), r.periodic...)
	r.mu.Unlock()

	for _, e := range entries {
		r.wg.Add(1)
		go r.periodicLoop(ctx, e.PeriodicEntry)
	}
	return nil
}

// Stop signals all loops to exit and closes the worker pool, waiting for
// in-flight tasks to finish.
func (r *Runtime) Stop() {
	close(r.stopCh)
	r.wg.Wait()
	r.pool.Close()
}

// Close releases the Redis connection. Call after Stop.
func (r *Runtime) Close() error {
	return r.client.Close()
}

// Ping verifies Redis connectivity, for use as a readiness check.
func (r *Runtime) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Runtime) pollLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.claimDue(ctx)
		}
	}
}

// claimDue moves due tasks from pending to processing and submits each to
// the worker pool. The ZRem/ZAdd pair is not atomic across a crash between
// the two calls, but a task left only in pending is simply claimed again
// next tick, and a task double-claimed is idempotent because handlers are
// expected to be safe to re-run (spec.md invariant: promotion is
// idempotent via the watermark).
func (r *Runtime) claimDue(ctx context.Context) {
	now := time.Now().UTC()
	ids, err := r.client.ZRangeByScore(ctx, r.pendingKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.Unix()),
		Count: int64(r.cfg.MaxWorkers),
	}).Result()
	if err != nil {
		r.logger.Warn("claim due: zrangebyscore failed", zap.Error(err))
		return
	}

	for _, id := range ids {
		leaseExpiry := now.Add(r.cfg.LeaseDuration)
		pipe := r.client.TxPipeline()
		pipe.ZRem(ctx, r.pendingKey(), id)
		pipe.ZAdd(ctx, r.processingKey(), redis.Z{Score: float64(leaseExpiry.Unix()), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			r.logger.Warn("claim due: move to processing failed", zap.String("task_id", id), zap.Error(err))
			continue
		}

		taskID := id
		submitErr := r.pool.Submit(ctx, func(taskCtx context.Context) error {
			r.runTask(taskCtx, taskID)
			return nil
		})
		if submitErr != nil {
			r.logger.Warn("claim due: pool submit failed, returning task to pending", zap.String("task_id", id), zap.Error(submitErr))
			r.requeue(ctx, id, now)
		}
	}
}

// recoveryLoop requeues tasks whose processing lease has expired without
// the worker marking completion — the crash-recovery path.
func (r *Runtime) recoveryLoop(ctx context.Context) {
	defer r.wg.Done()
	interval := r.cfg.LeaseDuration / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.recoverExpired(ctx)
		}
	}
}

func (r *Runtime) recoverExpired(ctx context.Context) {
	now := time.Now().UTC()
	ids, err := r.client.ZRangeByScore(ctx, r.processingKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.Unix()),
	}).Result()
	if err != nil {
		r.logger.Warn("recovery: zrangebyscore failed", zap.Error(err))
		return
	}
	for _, id := range ids {
		data, err := r.client.Get(ctx, r.dataKey(id)).Bytes()
		if err == redis.Nil {
			r.client.ZRem(ctx, r.processingKey(), id)
			continue
		}
		if err != nil {
			continue
		}
		task, err := unmarshalTask(data)
		if err != nil {
			r.logger.Error("recovery: corrupt task data, dropping", zap.String("task_id", id), zap.Error(err))
			pipe := r.client.TxPipeline()
			pipe.Del(ctx, r.dataKey(id))
			pipe.ZRem(ctx, r.processingKey(), id)
			if _, err := pipe.Exec(ctx); err != nil {
				r.logger.Warn("recovery: corrupt task cleanup failed", zap.String("task_id", id), zap.Error(err))
			}
			continue
		}
		r.logger.Warn("recovery: requeueing task with expired lease",
			zap.String("task_id", id), zap.String("task_name", task.Name))
		r.requeue(ctx, id, now)
	}
}

func (r *Runtime) requeue(ctx context.Context, id string, at time.Time) {
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, r.processingKey(), id)
	pipe.ZAdd(ctx, r.pendingKey(), redis.Z{Score: float64(at.Unix()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn("requeue failed", zap.String("task_id", id), zap.Error(err))
	}
}

func (r *Runtime) periodicLoop(ctx context.Context, entry PeriodicEntry) {
	defer r.wg.Done()
	ticker := time.NewTicker(entry.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			fp := "periodic:" + entry.TaskName
			if err := r.Enqueue(ctx, entry.TaskName, entry.Args, fp); err != nil {
				r.logger.Warn("periodic enqueue failed", zap.String("task_name", entry.TaskName), zap.Error(err))
			}
		}
	}
}

// runTask loads, executes, and finalizes a single claimed task: success
// removes it entirely; failure reschedules with exponential backoff up to
// MaxAttempts, after which the task is dead-lettered (logged and dropped).
func (r *Runtime) runTask(ctx context.Context, id string) {
	data, err := r.client.Get(ctx, r.dataKey(id)).Bytes()
	if err == redis.Nil {
		r.client.ZRem(ctx, r.processingKey(), id)
		return
	}
	if err != nil {
		r.logger.Warn("run task: load failed", zap.String("task_id", id), zap.Error(err))
		return
	}
	task, err := unmarshalTask(data)
	if err != nil {
		r.logger.Error("run task: corrupt task data, dropping", zap.String("task_id", id), zap.Error(err))
		r.finish(ctx, Task{ID: id})
		return
	}

	r.mu.Lock()
	handler, ok := r.handlers[task.Name]
	r.mu.Unlock()
	if !ok {
		r.logger.Error("run task: no handler registered, dropping", zap.String("task_name", task.Name))
		r.finish(ctx, task)
		return
	}

	task.Attempts++
	runErr := handler(ctx, task)
	if runErr == nil {
		r.finish(ctx, task)
		return
	}

	task.LastError = runErr.Error()
	r.logger.Warn("run task: handler failed",
		zap.String("task_id", task.ID), zap.String("task_name", task.Name),
		zap.Int("attempt", task.Attempts), zap.Error(runErr))

	if task.Attempts >= task.MaxAttempts {
		r.logger.Error("run task: max attempts exceeded, dead-lettering",
			zap.String("task_id", task.ID), zap.String("task_name", task.Name))
		r.finish(ctx, task)
		return
	}

	task.NotBefore = time.Now().UTC().Add(r.backoff(task.Attempts))
	data, err = task.marshal()
	if err != nil {
		r.finish(ctx, task)
		return
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.dataKey(task.ID), data, 0)
	pipe.ZRem(ctx, r.processingKey(), task.ID)
	pipe.ZAdd(ctx, r.pendingKey(), redis.Z{Score: float64(task.NotBefore.Unix()), Member: task.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn("run task: reschedule failed", zap.String("task_id", task.ID), zap.Error(err))
	}
}

// finish removes all trace of a terminal task (success or dead-letter) and
// releases its fingerprint lock so future Enqueue calls are not coalesced
// against a task that will never run again.
func (r *Runtime) finish(ctx context.Context, task Task) {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.dataKey(task.ID))
	pipe.ZRem(ctx, r.processingKey(), task.ID)
	pipe.ZRem(ctx, r.pendingKey(), task.ID)
	if task.Fingerprint != "" {
		pipe.Del(ctx, r.fpKey(task.Fingerprint))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn("finish: cleanup failed", zap.String("task_id", task.ID), zap.Error(err))
	}
}

func (r *Runtime) backoff(attempt int) time.Duration {
	delay := float64(r.cfg.InitialBackoff) * math.Pow(2, float64(attempt-1))
	if delay > float64(r.cfg.MaxBackoff) {
		delay = float64(r.cfg.MaxBackoff)
	}
	return time.Duration(delay)
}

// Stats reports worker-pool utilization for observability.
func (r *Runtime) Stats() pool.GoroutinePoolStats {
	return r.pool.Stats()
}
