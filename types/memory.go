// Package types provides unified type definitions for the AgentFlow framework.
package types

import "time"

// MessageRole identifies the speaker of a MemoryMessage.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
	RoleTool      MessageRole = "tool"
)

// MemoryType is the coarse category of a MemoryRecord: a fact/preference
// (semantic), an event with time (episodic), or a raw message (message).
type MemoryType string

const (
	MemoryTypeSemantic MemoryType = "semantic"
	MemoryTypeEpisodic MemoryType = "episodic"
	MemoryTypeMessage  MemoryType = "message"
)

// MemoryMessage is one turn in a WorkingMemory's ordered message log.
// Its ID is a lexicographically sortable, monotonic identifier (ULID-shape)
// so that "process in increasing id order" (promotion watermarking) reduces
// to a string comparison.
type MemoryMessage struct {
	ID        string      `json:"id"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	CreatedAt time.Time   `json:"created_at"`
}

// ExtractionStrategyKind is the closed set of promotion strategies plus one
// escape hatch (custom) that runs an operator-supplied prompt.
type ExtractionStrategyKind string

const (
	StrategyDiscrete    ExtractionStrategyKind = "discrete"
	StrategySummary     ExtractionStrategyKind = "summary"
	StrategyPreferences ExtractionStrategyKind = "preferences"
	StrategyCustom      ExtractionStrategyKind = "custom"
)

// ExtractionStrategy is the strategy descriptor carried on a WorkingMemory.
// CustomPrompt is only meaningful when Kind == StrategyCustom, and must pass
// the security validator before a pipeline run will use it.
type ExtractionStrategy struct {
	Kind         ExtractionStrategyKind `json:"kind"`
	CustomPrompt string                 `json:"custom_prompt,omitempty"`
}

// WorkingMemory is the session-scoped, ephemeral C3 entity keyed by
// (namespace, user_id, session_id). See internal/memkeys for the key
// encoding.
type WorkingMemory struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id,omitempty"`
	Namespace string `json:"namespace,omitempty"`

	Messages []MemoryMessage `json:"messages"`
	Memories []MemoryRecord  `json:"memories"`

	Context string         `json:"context,omitempty"`
	Data    map[string]any `json:"data,omitempty"`

	Strategy ExtractionStrategy `json:"strategy"`

	TTLSeconds     int `json:"ttl_seconds"`
	TokensEstimate int `json:"tokens_estimate"`

	// PromotionWatermark is the highest MemoryMessage.ID whose promotion is
	// known complete (invariant 6).
	PromotionWatermark string `json:"promotion_watermark,omitempty"`
	// SummarizationEpoch increments each time a SummarizeSession task is
	// enqueued for this session, so concurrent triggers coalesce.
	SummarizationEpoch int `json:"summarization_epoch,omitempty"`

	LastAccessedAt time.Time `json:"last_accessed_at"`
}

// MemoryRecord is the long-term (C4) entity: immutable except for the
// enrichment-owned fields called out below (invariant 3).
type MemoryRecord struct {
	ID         string     `json:"id"`
	Text       string     `json:"text"`
	MemoryType MemoryType `json:"memory_type"`

	Namespace string `json:"namespace,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	EventDate *time.Time `json:"event_date,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	LastAccessedAt time.Time  `json:"last_accessed_at,omitempty"`
	AccessCount    int        `json:"access_count"`
	PersistedAt    *time.Time `json:"persisted_at,omitempty"`

	// Hash is a pure function of (text, user_id, namespace, session_id,
	// memory_type, event_date) — see internal/memkeys.RecordHash.
	Hash string `json:"hash"`

	// Enrichment-owned fields. Only these, plus LastAccessedAt,
	// AccessCount, and SupersededBy, may change after PersistedAt is set.
	Vector   []float32 `json:"vector,omitempty"`
	Topics   []string  `json:"topics,omitempty"`
	Entities []string  `json:"entities,omitempty"`

	SupersededBy      string   `json:"superseded_by,omitempty"`
	DiscreteSourceIDs []string `json:"discrete_source_ids,omitempty"`

	// EnrichmentFailed marks a record whose Embed/TagTopics/ExtractEntities
	// stage exhausted retries; it is retained and remains filter-searchable.
	EnrichmentFailed bool `json:"enrichment_failed,omitempty"`
}

// IsSearchable reports whether the record may appear in search results
// (invariants 1 and 4): it must be persisted and not superseded.
func (r *MemoryRecord) IsSearchable() bool {
	return r.PersistedAt != nil && r.SupersededBy == ""
}

// FilterOp is a single-field filter expression, per spec's tagged-variant
// filter AST: {eq, ne, any_of, none_of, gt, lt, gte, lte, between}. Only the
// fields meaningful to a given field's type are populated by callers; the
// adapter layer renders whichever are set into its native filter form.
type FilterOp struct {
	Eq   any   `json:"eq,omitempty"`
	Ne   any   `json:"ne,omitempty"`
	Any  []any `json:"any_of,omitempty"`
	None []any `json:"none_of,omitempty"`

	Gt  any `json:"gt,omitempty"`
	Lt  any `json:"lt,omitempty"`
	Gte any `json:"gte,omitempty"`
	Lte any `json:"lte,omitempty"`

	Between *[2]any `json:"between,omitempty"`
}

// IsZero reports whether no operator is set on this FilterOp.
func (f FilterOp) IsZero() bool {
	return f.Eq == nil && f.Ne == nil && f.Any == nil && f.None == nil &&
		f.Gt == nil && f.Lt == nil && f.Gte == nil && f.Lte == nil && f.Between == nil
}

// SearchFilter is the field-keyed filter expression accepted by the Query
// Service and C2 adapter's search/count operations (spec.md §6).
type SearchFilter struct {
	Namespace      *FilterOp `json:"namespace,omitempty"`
	UserID         *FilterOp `json:"user_id,omitempty"`
	SessionID      *FilterOp `json:"session_id,omitempty"`
	Topics         *FilterOp `json:"topics,omitempty"`
	Entities       *FilterOp `json:"entities,omitempty"`
	MemoryType     *FilterOp `json:"memory_type,omitempty"`
	CreatedAt      *FilterOp `json:"created_at,omitempty"`
	LastAccessedAt *FilterOp `json:"last_accessed_at,omitempty"`
	EventDate      *FilterOp `json:"event_date,omitempty"`
}

// MemoryQuery is a hybrid search request against the Query Service.
type MemoryQuery struct {
	Text              string       `json:"text,omitempty"`
	Filter            SearchFilter `json:"filter,omitempty"`
	DistanceThreshold *float64     `json:"distance_threshold,omitempty"`
	Limit             int          `json:"limit"`
	Offset            int          `json:"offset"`
	OptimizeQuery     bool         `json:"optimize_query,omitempty"`
}

// SearchResult is one scored hit returned by the Query Service.
type SearchResult struct {
	Record     MemoryRecord `json:"record"`
	Similarity float64      `json:"similarity"`
	Score      float64      `json:"score"`
}

// SearchResponse is the Query Service's search(query) return shape.
type SearchResponse struct {
	Total      int            `json:"total"`
	Memories   []SearchResult `json:"memories"`
	NextOffset *int           `json:"next_offset,omitempty"`
}

// MemoryStats provides statistics about memory usage.
type MemoryStats struct {
	TotalRecords   int            `json:"total_records"`
	ByCategory     map[string]int `json:"by_category"`
	OldestRecord   time.Time      `json:"oldest_record,omitempty"`
	NewestRecord   time.Time      `json:"newest_record,omitempty"`
	TotalSizeBytes int64          `json:"total_size_bytes,omitempty"`
}
