package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/agentmem/memoryd/internal/memkeys"
	"github.com/agentmem/memoryd/types"
)

// RedisAdapterConfig configures RedisAdapter, the default C2 backend.
type RedisAdapterConfig struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	KeyPrefix    string
}

// RedisAdapter implements Adapter over Redis hashes for record payloads
// plus Redis sets for the secondary indexes of §4.1. Vector search is a
// client-side brute-force scan over the candidate set produced by filter
// pushdown — adequate at the scale the spec targets; QdrantAdapter offers
// native ANN search as an alternate behind the same interface.
type RedisAdapter struct {
	client    *redis.Client
	keyPrefix string
	logger    *zap.Logger
}

// NewRedisAdapter dials Redis and verifies connectivity.
func NewRedisAdapter(cfg RedisAdapterConfig, logger *zap.Logger) (*RedisAdapter, error) {
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

	return &RedisAdapter{client: client, keyPrefix: prefix, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (s *RedisAdapter) Close() error {
	return s.client.Close()
}

func (s *RedisAdapter) recordKey(id string) string {
	return s.keyPrefix + memkeys.LongTermRecordKey(id)
}

func (s *RedisAdapter) indexKey(suffix string) string {
	return s.keyPrefix + suffix
}

// redisRecord is the wire shape stored under recordKey(id); it embeds
// types.MemoryRecord unchanged, so the vector is stored as the JSON
// encoding of its []float32.
type redisRecord struct {
	types.MemoryRecord
}

func (s *RedisAdapter) Put(ctx context.Context, record *types.MemoryRecord) error {
	if record == nil || record.ID == "" {
		return types.NewError(types.ErrInputInvalid, "record.id is required")
	}

	data, err := json.Marshal(redisRecord{*record})
	if err != nil {
		return types.NewError(types.ErrInternal, "marshal record failed").WithCause(err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.recordKey(record.ID), data, 0)

	if record.Namespace != "" {
		pipe.SAdd(ctx, s.indexKey(memkeys.NamespaceIndexKey(record.Namespace)), record.ID)
	}
	if record.UserID != "" {
		pipe.SAdd(ctx, s.indexKey(memkeys.UserIndexKey(record.UserID)), record.ID)
	}
	if record.SessionID != "" {
		pipe.SAdd(ctx, s.indexKey(memkeys.SessionIndexKey(record.SessionID)), record.ID)
	}
	if record.MemoryType != "" {
		pipe.SAdd(ctx, s.indexKey(memkeys.TypeIndexKey(string(record.MemoryType))), record.ID)
	}
	for _, topic := range record.Topics {
		pipe.SAdd(ctx, s.indexKey(memkeys.TopicIndexKey(topic)), record.ID)
	}
	for _, entity := range record.Entities {
		pipe.SAdd(ctx, s.indexKey(memkeys.EntityIndexKey(entity)), record.ID)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return types.NewError(types.ErrStoreUnavailable, "redis put failed").WithCause(err).WithRetryable(true)
	}
	return nil
}

func (s *RedisAdapter) Get(ctx context.Context, id string) (*types.MemoryRecord, error) {
	data, err := s.client.Get(ctx, s.recordKey(id)).Bytes()
	if err == redis.Nil {
		return nil, types.NewError(types.ErrNotFound, "record not found: "+id)
	}
	if err != nil {
		return nil, types.NewError(types.ErrStoreUnavailable, "redis get failed").WithCause(err).WithRetryable(true)
	}

	var rr redisRecord
	if err := json.Unmarshal(data, &rr); err != nil {
		return nil, types.NewError(types.ErrInternal, "unmarshal record failed").WithCause(err)
	}
	return &rr.MemoryRecord, nil
}

func (s *RedisAdapter) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.recordKey(id)
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return types.NewError(types.ErrStoreUnavailable, "redis delete failed").WithCause(err).WithRetryable(true)
	}
	return nil
}

// UpdateFields performs a read-modify-write under a per-record Redis lock,
// acting as the compare-and-set required by §4.2 (single-writer-per-key is
// enough to make this safe at the scale the adapter targets).
func (s *RedisAdapter) UpdateFields(ctx context.Context, id string, fields map[string]any) error {
	if err := ValidateUpdateFields(fields); err != nil {
		return err
	}

	lockKey := s.recordKey(id) + ":lock"
	ok, err := s.client.SetNX(ctx, lockKey, "1", 5*time.Second).Result()
	if err != nil {
		return types.NewError(types.ErrStoreUnavailable, "redis lock failed").WithCause(err).WithRetryable(true)
	}
	if !ok {
		return types.NewError(types.ErrConflict, "record is concurrently updated: "+id).WithRetryable(true)
	}
	defer s.client.Del(ctx, lockKey)

	record, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	applyFields(record, fields)
	return s.Put(ctx, record)
}

// Search scans the filter-pushed-down candidate set and ranks it by cosine
// similarity client-side. Candidate retrieval prefers the most selective
// index available (session > user > namespace > type); with none set it
// falls back to a full SCAN, which is adequate at the development/test
// scale this adapter targets but not a production hot path.
func (s *RedisAdapter) Search(ctx context.Context, query SearchQuery) (*types.SearchResponse, error) {
	ids, err := s.candidateIDs(ctx, query.Filter)
	if err != nil {
		return nil, err
	}

	var results []redisScoredRecord

	for _, id := range ids {
		record, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		if !record.IsSearchable() {
			continue
		}
		if !matchFilter(record, query.Filter) {
			continue
		}

		sim := 1.0
		if len(query.Vector) > 0 && len(record.Vector) > 0 {
			sim = cosineSimilarity(query.Vector, record.Vector)
			if query.DistanceThreshold != nil && (1-sim) > *query.DistanceThreshold {
				continue
			}
		}
		results = append(results, redisScoredRecord{record: record, score: sim})
	}

	sortScored(results)

	total := len(results)
	offset, limit := query.Offset, query.Limit
	if limit <= 0 {
		limit = total
	}
	end := offset + limit
	if offset > total {
		offset = total
	}
	if end > total {
		end = total
	}

	out := make([]types.SearchResult, 0, end-offset)
	for _, sc := range results[offset:end] {
		out = append(out, types.SearchResult{Record: *sc.record, Similarity: sc.score, Score: sc.score})
	}

	resp := &types.SearchResponse{Total: total, Memories: out}
	if end < total {
		next := end
		resp.NextOffset = &next
	}
	return resp, nil
}

type redisScoredRecord struct {
	record *types.MemoryRecord
	score  float64
}

func sortScored(s []redisScoredRecord) {
	sort.Slice(s, func(i, j int) bool { return s[i].score > s[j].score })
}

func (s *RedisAdapter) Count(ctx context.Context, filter types.SearchFilter) (int, error) {
	ids, err := s.candidateIDs(ctx, filter)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, id := range ids {
		record, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		if record.IsSearchable() && matchFilter(record, filter) {
			count++
		}
	}
	return count, nil
}

// candidateIDs picks the first available index to seed the candidate set.
func (s *RedisAdapter) candidateIDs(ctx context.Context, filter types.SearchFilter) ([]string, error) {
	if filter.SessionID != nil && filter.SessionID.Eq != nil {
		return s.membersOf(ctx, memkeys.SessionIndexKey(fmt.Sprint(filter.SessionID.Eq)))
	}
	if filter.UserID != nil && filter.UserID.Eq != nil {
		return s.membersOf(ctx, memkeys.UserIndexKey(fmt.Sprint(filter.UserID.Eq)))
	}
	if filter.Namespace != nil && filter.Namespace.Eq != nil {
		return s.membersOf(ctx, memkeys.NamespaceIndexKey(fmt.Sprint(filter.Namespace.Eq)))
	}
	if filter.MemoryType != nil && filter.MemoryType.Eq != nil {
		return s.membersOf(ctx, memkeys.TypeIndexKey(fmt.Sprint(filter.MemoryType.Eq)))
	}
	return s.scanAllIDs(ctx)
}

func (s *RedisAdapter) membersOf(ctx context.Context, indexSuffix string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey(indexSuffix)).Result()
	if err != nil {
		return nil, types.NewError(types.ErrStoreUnavailable, "redis smembers failed").WithCause(err).WithRetryable(true)
	}
	return ids, nil
}

func (s *RedisAdapter) scanAllIDs(ctx context.Context) ([]string, error) {
	var ids []string
	prefix := s.keyPrefix + "ltm:"
	iter := s.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if len(key) > len(prefix) {
			ids = append(ids, key[len(prefix):])
		}
	}
	if err := iter.Err(); err != nil {
		return nil, types.NewError(types.ErrStoreUnavailable, "redis scan failed").WithCause(err).WithRetryable(true)
	}
	return ids, nil
}

