package tasks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func redisZ(at time.Time, member string) redis.Z {
	return redis.Z{Score: float64(at.Unix()), Member: member}
}

func setupTestRuntime(t *testing.T, cfg Config) (*miniredis.Miniredis, *Runtime) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	cfg.Addr = mr.Addr()
	rt, err := New(cfg, zap.NewNop())
	require.NoError(t, err)

	return mr, rt
}

func TestRuntime_Enqueue_RunsHandler(t *testing.T) {
	_, rt := setupTestRuntime(t, Config{PollInterval: 20 * time.Millisecond})
	defer rt.Close()

	var mu sync.Mutex
	var gotName string
	done := make(chan struct{})

	rt.RegisterHandler("greet", func(ctx context.Context, task Task) error {
		mu.Lock()
		gotName, _ = task.Args["name"].(string)
		mu.Unlock()
		close(done)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, rt.Start(ctx))
	defer rt.Stop()

	require.NoError(t, rt.Enqueue(context.Background(), "greet", map[string]any{"name": "ada"}, ""))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not run in time")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "ada", gotName)
}

func TestRuntime_Enqueue_CoalescesSameFingerprint(t *testing.T) {
	mr, rt := setupTestRuntime(t, Config{})
	defer rt.Close()
	ctx := context.Background()

	require.NoError(t, rt.Enqueue(ctx, "noop", nil, "fp-1"))
	require.NoError(t, rt.Enqueue(ctx, "noop", nil, "fp-1"))

	members, err := mr.ZMembers(rt.pendingKey())
	require.NoError(t, err)
	assert.Equal(t, 1, len(members))
}

func TestRuntime_Enqueue_DistinctFingerprintsBothQueue(t *testing.T) {
	mr, rt := setupTestRuntime(t, Config{})
	defer rt.Close()
	ctx := context.Background()

	require.NoError(t, rt.Enqueue(ctx, "noop", nil, "fp-1"))
	require.NoError(t, rt.Enqueue(ctx, "noop", nil, "fp-2"))

	members, err := mr.ZMembers(rt.pendingKey())
	require.NoError(t, err)
	assert.Equal(t, 2, len(members))
}

func TestRuntime_FailedTask_RetriesThenDeadLetters(t *testing.T) {
	_, rt := setupTestRuntime(t, Config{
		PollInterval:   10 * time.Millisecond,
		MaxAttempts:    2,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
	})
	defer rt.Close()

	var mu sync.Mutex
	attempts := 0
	done := make(chan struct{})

	rt.RegisterHandler("fail", func(ctx context.Context, task Task) error {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n >= 2 {
			close(done)
		}
		return assert.AnError
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, rt.Start(ctx))
	defer rt.Stop()

	require.NoError(t, rt.Enqueue(context.Background(), "fail", nil, ""))

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("handler did not reach max attempts in time")
	}

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, attempts)
}

func TestRuntime_RecoverExpired_RequeuesStaleProcessingEntry(t *testing.T) {
	_, rt := setupTestRuntime(t, Config{LeaseDuration: time.Second})
	defer rt.Close()
	ctx := context.Background()

	require.NoError(t, rt.Enqueue(ctx, "noop", nil, ""))
	ids, err := rt.client.ZRange(ctx, rt.pendingKey(), 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, ids, 1)
	id := ids[0]

	// Simulate a worker claim whose lease already expired, without letting
	// the (unhandled) task actually execute and self-clean.
	expired := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, rt.client.ZRem(ctx, rt.pendingKey(), id).Err())
	require.NoError(t, rt.client.ZAdd(ctx, rt.processingKey(), redisZ(expired, id)).Err())

	rt.recoverExpired(ctx)

	pending, err := rt.client.ZCard(ctx, rt.pendingKey()).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, pending)

	processing, err := rt.client.ZCard(ctx, rt.processingKey()).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 0, processing)
}

func TestRuntime_RecoverExpired_DropsCorruptData(t *testing.T) {
	_, rt := setupTestRuntime(t, Config{LeaseDuration: time.Second})
	defer rt.Close()
	ctx := context.Background()

	id := "corrupt-1"
	expired := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, rt.client.Set(ctx, rt.dataKey(id), []byte("not json"), 0).Err())
	require.NoError(t, rt.client.ZAdd(ctx, rt.processingKey(), redisZ(expired, id)).Err())

	rt.recoverExpired(ctx)

	processing, err := rt.client.ZCard(ctx, rt.processingKey()).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 0, processing, "corrupt entry must be removed from processing")

	exists, err := rt.client.Exists(ctx, rt.dataKey(id)).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 0, exists, "corrupt data blob must not be left orphaned")
}

func TestRuntime_RunTask_DropsCorruptDataAndClearsRealID(t *testing.T) {
	_, rt := setupTestRuntime(t, Config{})
	defer rt.Close()
	ctx := context.Background()

	id := "corrupt-2"
	require.NoError(t, rt.client.Set(ctx, rt.dataKey(id), []byte("not json"), 0).Err())
	require.NoError(t, rt.client.ZAdd(ctx, rt.processingKey(), redisZ(time.Now().UTC(), id)).Err())

	rt.runTask(ctx, id)

	processing, err := rt.client.ZCard(ctx, rt.processingKey()).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 0, processing, "the real task id must be removed from processing, not the zero-value id")

	exists, err := rt.client.Exists(ctx, rt.dataKey(id)).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 0, exists, "corrupt data blob must not be left orphaned")
}

func TestRuntime_SchedulePeriodic_EnqueuesOnTick(t *testing.T) {
	mr, rt := setupTestRuntime(t, Config{})
	defer rt.Close()

	rt.SchedulePeriodic(PeriodicEntry{TaskName: "sweep", Interval: 30 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, rt.Start(ctx))
	defer rt.Stop()

	require.Eventually(t, func() bool {
		members, err := mr.ZMembers(rt.pendingKey())
		return err == nil && len(members) >= 1
	}, 2*time.Second, 20*time.Millisecond)
}
