// Package working implements the Working Memory Store (C3): session-scoped
// mutable state with TTL renewal and summarization triggers.
package working

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/agentmem/memoryd/internal/memkeys"
	"github.com/agentmem/memoryd/types"
)

// TaskEnqueuer is the C6 dependency used to schedule the SummarizeSession
// task when a session crosses its summarization threshold.
type TaskEnqueuer interface {
	Enqueue(ctx context.Context, taskName string, args map[string]any, fingerprint string) error
}

// Config configures Store.
type Config struct {
	Addr                   string
	Password               string
	DB                     int
	PoolSize               int
	MinIdleConns           int
	KeyPrefix              string
	DefaultTTLSeconds      int
	ContextWindowMax       int
	SummarizationThreshold float64
}

// Store is the Redis-backed C3 implementation. Per-key writes are
// serialized with an in-process advisory lock (§5); reads never block.
type Store struct {
	client   *redis.Client
	keyPrefix string
	cfg      Config
	logger   *zap.Logger
	tasks    TaskEnqueuer

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New dials Redis and verifies connectivity.
func New(cfg Config, tasks TaskEnqueuer, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
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

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "memory:"
	}

	return &Store{
		client:    client,
		keyPrefix: prefix,
		cfg:       cfg,
		logger:    logger,
		tasks:     tasks,
		locks:     make(map[string]*sync.Mutex),
	}, nil
}

func (s *Store) Close() error { return s.client.Close() }

// Ping verifies Redis connectivity, for use as a readiness check.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) key(namespace, userID, sessionID string) string {
	return s.keyPrefix + memkeys.WorkingMemoryKey(namespace, userID, sessionID)
}

func (s *Store) lockFor(key string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	m, ok := s.locks[key]
	if !ok {
		m = &sync.Mutex{}
		s.locks[key] = m
	}
	return m
}

// Get fetches a WorkingMemory, optionally limiting the returned message
// tail to recentMessagesLimit (0 = all). Returns nil, nil if absent. Reads
// are lock-free.
func (s *Store) Get(ctx context.Context, namespace, userID, sessionID string, recentMessagesLimit int) (*types.WorkingMemory, error) {
	data, err := s.client.Get(ctx, s.key(namespace, userID, sessionID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewError(types.ErrStoreUnavailable, "redis get failed").WithCause(err).WithRetryable(true)
	}

	var wm types.WorkingMemory
	if err := json.Unmarshal(data, &wm); err != nil {
		return nil, types.NewError(types.ErrInternal, "unmarshal working memory failed").WithCause(err)
	}

	if recentMessagesLimit > 0 && len(wm.Messages) > recentMessagesLimit {
		wm.Messages = wm.Messages[len(wm.Messages)-recentMessagesLimit:]
	}
	return &wm, nil
}

// Set whole-object replaces a WorkingMemory. The server assigns
// LastAccessedAt and renews the TTL (invariant 5).
func (s *Store) Set(ctx context.Context, wm *types.WorkingMemory) error {
	if wm == nil || wm.SessionID == "" {
		return types.NewError(types.ErrInputInvalid, "session_id is required")
	}

	key := s.key(wm.Namespace, wm.UserID, wm.SessionID)
	lock := s.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	wm.LastAccessedAt = time.Now().UTC()
	ttl := wm.TTLSeconds
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTLSeconds
	}

	data, err := json.Marshal(wm)
	if err != nil {
		return types.NewError(types.ErrInternal, "marshal working memory failed").WithCause(err)
	}

	if err := s.client.Set(ctx, key, data, time.Duration(ttl)*time.Second).Err(); err != nil {
		return types.NewError(types.ErrStoreUnavailable, "redis set failed").WithCause(err).WithRetryable(true)
	}
	return nil
}

// AppendMessages atomically appends to Messages and returns the appended
// tail's ids, renewing the session TTL. It checks the summarization
// trigger after the append.
func (s *Store) AppendMessages(ctx context.Context, namespace, userID, sessionID string, messages []types.MemoryMessage) ([]string, error) {
	key := s.key(namespace, userID, sessionID)
	lock := s.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	wm, err := s.getLocked(ctx, namespace, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if wm == nil {
		wm = &types.WorkingMemory{
			SessionID:      sessionID,
			UserID:         userID,
			Namespace:      namespace,
			TTLSeconds:     s.cfg.DefaultTTLSeconds,
			Strategy:       types.ExtractionStrategy{Kind: types.StrategyDiscrete},
			LastAccessedAt: time.Now().UTC(),
		}
	}

	ids := make([]string, 0, len(messages))
	for _, m := range messages {
		wm.Messages = append(wm.Messages, m)
		ids = append(ids, m.ID)
	}
	wm.TokensEstimate = estimateTokens(wm)

	if err := s.setLocked(ctx, wm); err != nil {
		return nil, err
	}

	s.maybeTriggerSummarization(ctx, wm)
	return ids, nil
}

// StageMemories appends candidate records to the staged Memories set, each
// marked not-yet-persisted.
func (s *Store) StageMemories(ctx context.Context, namespace, userID, sessionID string, records []types.MemoryRecord) error {
	key := s.key(namespace, userID, sessionID)
	lock := s.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	wm, err := s.getLocked(ctx, namespace, userID, sessionID)
	if err != nil {
		return err
	}
	if wm == nil {
		return types.NewError(types.ErrNotFound, "working memory not found")
	}

	for i := range records {
		records[i].PersistedAt = nil
	}
	wm.Memories = append(wm.Memories, records...)
	return s.setLocked(ctx, wm)
}

// Delete removes a WorkingMemory entirely.
func (s *Store) Delete(ctx context.Context, namespace, userID, sessionID string) error {
	key := s.key(namespace, userID, sessionID)
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return types.NewError(types.ErrStoreUnavailable, "redis delete failed").WithCause(err).WithRetryable(true)
	}
	return nil
}

func (s *Store) getLocked(ctx context.Context, namespace, userID, sessionID string) (*types.WorkingMemory, error) {
	data, err := s.client.Get(ctx, s.key(namespace, userID, sessionID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewError(types.ErrStoreUnavailable, "redis get failed").WithCause(err).WithRetryable(true)
	}
	var wm types.WorkingMemory
	if err := json.Unmarshal(data, &wm); err != nil {
		return nil, types.NewError(types.ErrInternal, "unmarshal working memory failed").WithCause(err)
	}
	return &wm, nil
}

func (s *Store) setLocked(ctx context.Context, wm *types.WorkingMemory) error {
	wm.LastAccessedAt = time.Now().UTC()
	ttl := wm.TTLSeconds
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTLSeconds
	}
	data, err := json.Marshal(wm)
	if err != nil {
		return types.NewError(types.ErrInternal, "marshal working memory failed").WithCause(err)
	}
	key := s.key(wm.Namespace, wm.UserID, wm.SessionID)
	if err := s.client.Set(ctx, key, data, time.Duration(ttl)*time.Second).Err(); err != nil {
		return types.NewError(types.ErrStoreUnavailable, "redis set failed").WithCause(err).WithRetryable(true)
	}
	return nil
}

// maybeTriggerSummarization enqueues SummarizeSession when tokens_estimate
// crosses summarization_threshold of context_window_max, bumping the
// session's summarization epoch so concurrent triggers coalesce onto one
// fingerprint.
func (s *Store) maybeTriggerSummarization(ctx context.Context, wm *types.WorkingMemory) {
	if s.tasks == nil || s.cfg.ContextWindowMax <= 0 {
		return
	}
	ratio := float64(wm.TokensEstimate) / float64(s.cfg.ContextWindowMax)
	if ratio < s.cfg.SummarizationThreshold {
		return
	}

	fingerprint := fmt.Sprintf("summarize:%s:%s:%s:epoch:%d", wm.Namespace, wm.UserID, wm.SessionID, wm.SummarizationEpoch)
	err := s.tasks.Enqueue(ctx, "SummarizeSession", map[string]any{
		"namespace":  wm.Namespace,
		"user_id":    wm.UserID,
		"session_id": wm.SessionID,
	}, fingerprint)
	if err != nil {
		s.logger.Warn("failed to enqueue SummarizeSession", zap.Error(err), zap.String("session_id", wm.SessionID))
		return
	}
	wm.SummarizationEpoch++
	if err := s.setLocked(ctx, wm); err != nil {
		s.logger.Warn("failed to persist summarization epoch", zap.Error(err), zap.String("session_id", wm.SessionID))
	}
}

// estimateTokens is the deterministic fallback tokenizer (spec.md §9):
// words+context, 1 token ≈ 0.75 words, used when no model-specific
// tokenizer is configured. internal/tokencount supersedes this for
// model-aware counting.
func estimateTokens(wm *types.WorkingMemory) int {
	words := 0
	for _, m := range wm.Messages {
		words += len(splitWords(m.Content))
	}
	words += len(splitWords(wm.Context))
	return int(float64(words) / 0.75)
}

func splitWords(s string) []string {
	var words []string
	start := -1
	for i, r := range s {
		if r == ' ' || r == '\n' || r == '\t' {
			if start >= 0 {
				words = append(words, s[start:i])
				start = -1
			}
		} else if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		words = append(words, s[start:])
	}
	return words
}
