// Package pipeline implements the Enrichment & Promotion Pipeline (C5): the
// algorithmic core that turns staged working-memory content into enriched,
// deduplicated long-term records.
package pipeline

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentmem/memoryd/internal/idgen"
	"github.com/agentmem/memoryd/internal/tokencount"
	"github.com/agentmem/memoryd/memory/longterm"
	"github.com/agentmem/memoryd/memory/working"
	"github.com/agentmem/memoryd/store"
	"github.com/agentmem/memoryd/types"
)

// llmProvider is the subset of llmclient.Client the pipeline depends on.
// Declaring it here (rather than taking *llmclient.Client directly) keeps
// the pipeline testable without an HTTP-backed fake.
type llmProvider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Classify(ctx context.Context, text string, taxonomy []string) ([]string, error)
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// Config holds the tunables of spec.md §6's configuration surface that
// govern pipeline behavior.
type Config struct {
	TopicTaxonomy           []string
	DedupDistanceThreshold  float64
	DedupTopK               int
	EnableDiscreteExtraction bool
	EnableTopicExtraction   bool
	EnableNER               bool
	TopicModelSource        string // "llm" | "local"
	ForgettingEnabled       bool
	ForgettingMaxAgeDays    int
	ForgettingMinAccess     int
	CompactionBatchSize     int
}

func (c Config) withDefaults() Config {
	if c.DedupDistanceThreshold <= 0 {
		c.DedupDistanceThreshold = 0.1
	}
	if c.DedupTopK <= 0 {
		c.DedupTopK = 5
	}
	if c.CompactionBatchSize <= 0 {
		c.CompactionBatchSize = 500
	}
	return c
}

// Pipeline wires the C5 stages to their C3/C4/outbound-client dependencies.
// Every exported method is independently safe to run as a C6 task handler.
type Pipeline struct {
	working  *working.Store
	longterm *longterm.Store
	llm      llmProvider
	tokens   *tokencount.Counter
	cfg      Config
	logger   *zap.Logger
}

// New builds a Pipeline. llm is typically an *llmclient.Client.
func New(workingStore *working.Store, longtermStore *longterm.Store, llm llmProvider, tokens *tokencount.Counter, cfg Config, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		working:  workingStore,
		longterm: longtermStore,
		llm:      llm,
		tokens:   tokens,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
}

// RunPromotion executes the full promotion path for one session:
// ExtractFromSession -> DedupeBatch -> Persist -> Embed -> TagTopics ->
// ExtractEntities -> AdvanceWatermark. Each stage is individually
// idempotent, so a crash mid-run leaves state that a re-run safely
// continues from (invariant 6, S6).
func (p *Pipeline) RunPromotion(ctx context.Context, namespace, userID, sessionID string) error {
	candidates, maxSourceID, err := p.ExtractFromSession(ctx, namespace, userID, sessionID)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	survivors, err := p.DedupeBatch(ctx, candidates)
	if err != nil {
		return err
	}

	persisted, err := p.Persist(ctx, survivors)
	if err != nil {
		return err
	}

	if len(persisted) > 0 {
		if err := p.Embed(ctx, persisted); err != nil {
			p.logger.Warn("embed stage failed for part of batch", zap.Error(err))
		}
		if p.cfg.EnableTopicExtraction {
			if err := p.TagTopics(ctx, persisted); err != nil {
				p.logger.Warn("tag topics stage failed for part of batch", zap.Error(err))
			}
		}
		if p.cfg.EnableNER {
			if err := p.ExtractEntities(ctx, persisted); err != nil {
				p.logger.Warn("extract entities stage failed for part of batch", zap.Error(err))
			}
		}
	}

	return p.AdvanceWatermark(ctx, namespace, userID, sessionID, maxSourceID)
}

// ExtractFromSession reads WorkingMemory messages above the session
// watermark and runs the configured extraction strategy, returning
// candidate records with discrete_source_ids set and persisted_at=nil, plus
// the highest source message id observed (for AdvanceWatermark). A session
// whose watermark already covers all messages returns an empty batch — the
// no-op re-run required by invariant 6.
func (p *Pipeline) ExtractFromSession(ctx context.Context, namespace, userID, sessionID string) ([]*types.MemoryRecord, string, error) {
	wm, err := p.working.Get(ctx, namespace, userID, sessionID, 0)
	if err != nil {
		return nil, "", err
	}
	if wm == nil {
		return nil, "", nil
	}

	unprocessed := messagesAfterWatermark(wm.Messages, wm.PromotionWatermark)
	if len(unprocessed) == 0 {
		return nil, wm.PromotionWatermark, nil
	}

	maxSourceID := unprocessed[len(unprocessed)-1].ID

	var candidates []*types.MemoryRecord
	switch wm.Strategy.Kind {
	case types.StrategySummary:
		candidates, err = p.extractSummary(ctx, unprocessed, wm)
	case types.StrategyPreferences:
		candidates, err = p.extractPreferences(unprocessed, wm)
	case types.StrategyCustom:
		candidates, err = p.extractCustom(ctx, unprocessed, wm)
	default:
		candidates, err = p.extractDiscrete(unprocessed, wm)
	}
	if err != nil {
		return nil, "", err
	}

	return candidates, maxSourceID, nil
}

func messagesAfterWatermark(messages []types.MemoryMessage, watermark string) []types.MemoryMessage {
	if watermark == "" {
		return messages
	}
	for i, m := range messages {
		if m.ID > watermark {
			return messages[i:]
		}
	}
	return nil
}

// extractDiscrete produces one atomic semantic record per user message, the
// simplest faithful rendering of "discrete facts/preferences" absent an LLM
// call: each user utterance becomes a candidate fact, left for DedupeBatch
// and downstream enrichment to refine.
func (p *Pipeline) extractDiscrete(messages []types.MemoryMessage, wm *types.WorkingMemory) ([]*types.MemoryRecord, error) {
	var out []*types.MemoryRecord
	for _, m := range messages {
		if m.Role != types.RoleUser || strings.TrimSpace(m.Content) == "" {
			continue
		}
		out = append(out, &types.MemoryRecord{
			ID:                idgen.NewID(),
			Text:              m.Content,
			MemoryType:        types.MemoryTypeSemantic,
			Namespace:         wm.Namespace,
			UserID:            wm.UserID,
			SessionID:         wm.SessionID,
			DiscreteSourceIDs: []string{m.ID},
		})
	}
	return out, nil
}

// extractPreferences is extractDiscrete restricted to first-person
// statements, a conservative heuristic (messages containing "I " or "my ")
// in absence of a classifier call for every utterance.
func (p *Pipeline) extractPreferences(messages []types.MemoryMessage, wm *types.WorkingMemory) ([]*types.MemoryRecord, error) {
	var out []*types.MemoryRecord
	for _, m := range messages {
		if m.Role != types.RoleUser {
			continue
		}
		lower := strings.ToLower(m.Content)
		if !strings.Contains(lower, "i ") && !strings.Contains(lower, "my ") && !strings.HasPrefix(lower, "i'") {
			continue
		}
		out = append(out, &types.MemoryRecord{
			ID:                idgen.NewID(),
			Text:              m.Content,
			MemoryType:        types.MemoryTypeSemantic,
			Namespace:         wm.Namespace,
			UserID:            wm.UserID,
			SessionID:         wm.SessionID,
			DiscreteSourceIDs: []string{m.ID},
		})
	}
	return out, nil
}

// extractSummary produces a single episodic record summarizing the segment
// via the configured generation model.
func (p *Pipeline) extractSummary(ctx context.Context, messages []types.MemoryMessage, wm *types.WorkingMemory) ([]*types.MemoryRecord, error) {
	if len(messages) == 0 {
		return nil, nil
	}
	var transcript strings.Builder
	ids := make([]string, 0, len(messages))
	for _, m := range messages {
		transcript.WriteString(string(m.Role))
		transcript.WriteString(": ")
		transcript.WriteString(m.Content)
		transcript.WriteString("\n")
		ids = append(ids, m.ID)
	}

	summary, err := p.llm.Generate(ctx, "Summarize the following conversation segment in 2-3 sentences:\n\n"+transcript.String(), 256)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	return []*types.MemoryRecord{{
		ID:                idgen.NewID(),
		Text:              summary,
		MemoryType:        types.MemoryTypeEpisodic,
		Namespace:         wm.Namespace,
		UserID:            wm.UserID,
		SessionID:         wm.SessionID,
		EventDate:         &now,
		DiscreteSourceIDs: ids,
	}}, nil
}

// extractCustom runs a strategy-provided prompt after the security
// validator rejects anything resembling an attempt to escape the
// extraction context (injection markers, directives to ignore prior
// instructions).
func (p *Pipeline) extractCustom(ctx context.Context, messages []types.MemoryMessage, wm *types.WorkingMemory) ([]*types.MemoryRecord, error) {
	if err := validateCustomPrompt(wm.Strategy.CustomPrompt); err != nil {
		return nil, err
	}

	var transcript strings.Builder
	ids := make([]string, 0, len(messages))
	for _, m := range messages {
		transcript.WriteString(string(m.Role))
		transcript.WriteString(": ")
		transcript.WriteString(m.Content)
		transcript.WriteString("\n")
		ids = append(ids, m.ID)
	}

	text, err := p.llm.Generate(ctx, wm.Strategy.CustomPrompt+"\n\n"+transcript.String(), 512)
	if err != nil {
		return nil, err
	}

	return []*types.MemoryRecord{{
		ID:                idgen.NewID(),
		Text:              text,
		MemoryType:        types.MemoryTypeSemantic,
		Namespace:         wm.Namespace,
		UserID:            wm.UserID,
		SessionID:         wm.SessionID,
		DiscreteSourceIDs: ids,
	}}, nil
}

var customPromptDenylist = []string{
	"ignore previous instructions",
	"ignore all prior instructions",
	"disregard the system prompt",
	"you are now",
}

// validateCustomPrompt is the §7 SecurityRejected gate for the custom
// extraction strategy: a length bound plus a denylist of common
// instruction-override phrasing. It is intentionally conservative, not
// exhaustive — custom strategies are an escape hatch, not a general prompt
// sandbox.
func validateCustomPrompt(prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return types.NewError(types.ErrSecurityRejected, "custom strategy prompt must not be empty")
	}
	if len(prompt) > 4000 {
		return types.NewError(types.ErrSecurityRejected, "custom strategy prompt exceeds maximum length")
	}
	lower := strings.ToLower(prompt)
	for _, phrase := range customPromptDenylist {
		if strings.Contains(lower, phrase) {
			return types.NewError(types.ErrSecurityRejected, "custom strategy prompt failed validation")
		}
	}
	return nil
}

// Persist calls C4 Create for each surviving candidate, which itself
// short-circuits on exact dedup; the returned slice holds the final
// (possibly pre-existing) records in input order.
func (p *Pipeline) Persist(ctx context.Context, candidates []*types.MemoryRecord) ([]*types.MemoryRecord, error) {
	out := make([]*types.MemoryRecord, 0, len(candidates))
	for _, c := range candidates {
		res, err := p.longterm.Create(ctx, c)
		if err != nil {
			return nil, err
		}
		out = append(out, res.Record)
	}
	return out, nil
}

// AdvanceWatermark records the highest promoted source message id so a
// re-run of ExtractFromSession skips already-processed messages (invariant
// 6). maxSourceID is the empty string when nothing was extracted, in which
// case this is a no-op.
func (p *Pipeline) AdvanceWatermark(ctx context.Context, namespace, userID, sessionID, maxSourceID string) error {
	if maxSourceID == "" {
		return nil
	}
	wm, err := p.working.Get(ctx, namespace, userID, sessionID, 0)
	if err != nil {
		return err
	}
	if wm == nil {
		return nil
	}
	if maxSourceID <= wm.PromotionWatermark {
		return nil
	}
	wm.PromotionWatermark = maxSourceID
	return p.working.Set(ctx, wm)
}

// SummarizeSession is the handler for the SummarizeSession task emitted by
// C3 when a session's token estimate crosses summarization_threshold
// (spec.md §4.3). It forces the summary extraction strategy over the
// unprocessed message tail regardless of the session's configured
// strategy, persists the resulting episodic record, advances the
// promotion watermark past the summarized messages, and trims them out of
// WorkingMemory so the context window stops growing. Messages already
// covered by the watermark are left untouched — a session re-summarized
// before new messages arrive is a no-op, matching the at-least-once
// task-execution model.
func (p *Pipeline) SummarizeSession(ctx context.Context, namespace, userID, sessionID string) error {
	wm, err := p.working.Get(ctx, namespace, userID, sessionID, 0)
	if err != nil {
		return err
	}
	if wm == nil {
		return nil
	}

	unprocessed := messagesAfterWatermark(wm.Messages, wm.PromotionWatermark)
	if len(unprocessed) == 0 {
		return nil
	}
	maxSourceID := unprocessed[len(unprocessed)-1].ID

	candidates, err := p.extractSummary(ctx, unprocessed, wm)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	survivors, err := p.DedupeBatch(ctx, candidates)
	if err != nil {
		return err
	}
	if len(survivors) > 0 {
		persisted, err := p.Persist(ctx, survivors)
		if err != nil {
			return err
		}
		if err := p.Embed(ctx, persisted); err != nil {
			p.logger.Warn("summarize: embed stage failed", zap.Error(err))
		}
	}

	if err := p.AdvanceWatermark(ctx, namespace, userID, sessionID, maxSourceID); err != nil {
		return err
	}

	wm, err = p.working.Get(ctx, namespace, userID, sessionID, 0)
	if err != nil || wm == nil {
		return err
	}
	wm.Messages = messagesAfterWatermark(wm.Messages, wm.PromotionWatermark)
	if p.tokens != nil {
		if n, err := p.tokens.CountMessages(wm.Messages, wm.Context); err == nil {
			wm.TokensEstimate = n
		}
	}
	return p.working.Set(ctx, wm)
}

// Forget deletes long-term records whose last_accessed_at is older than
// ForgettingMaxAgeDays and whose access_count is below ForgettingMinAccess,
// exempting episodic records with a future event_date, in small batches
// with a logged audit trail (S4).
func (p *Pipeline) Forget(ctx context.Context) (int, error) {
	if !p.cfg.ForgettingEnabled {
		return 0, nil
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -p.cfg.ForgettingMaxAgeDays)
	resp, err := p.longterm.Search(ctx, store.SearchQuery{Limit: p.cfg.CompactionBatchSize})
	if err != nil {
		return 0, err
	}

	var toDelete []string
	for _, r := range resp.Memories {
		rec := r.Record
		if rec.MemoryType == types.MemoryTypeEpisodic && rec.EventDate != nil && rec.EventDate.After(time.Now().UTC()) {
			continue
		}
		if rec.LastAccessedAt.Before(cutoff) && rec.AccessCount < p.cfg.ForgettingMinAccess {
			toDelete = append(toDelete, rec.ID)
		}
	}
	if len(toDelete) == 0 {
		return 0, nil
	}

	if err := p.longterm.Delete(ctx, toDelete); err != nil {
		return 0, err
	}
	p.logger.Info("forget: deleted aged records", zap.Int("count", len(toDelete)), zap.Strings("ids", toDelete))
	return len(toDelete), nil
}

// Compact re-runs the semantic-dedup step across a bounded window of
// recently created records, grouped by (user_id, namespace), to catch
// cross-session duplicates DedupeBatch's per-session view misses.
func (p *Pipeline) Compact(ctx context.Context) (int, error) {
	resp, err := p.longterm.Search(ctx, store.SearchQuery{Limit: p.cfg.CompactionBatchSize})
	if err != nil {
		return 0, err
	}

	groups := make(map[string][]types.MemoryRecord)
	for _, r := range resp.Memories {
		key := r.Record.UserID + "\x00" + r.Record.Namespace
		groups[key] = append(groups[key], r.Record)
	}

	superseded := 0
	for _, group := range groups {
		sort.Slice(group, func(i, j int) bool { return group[i].CreatedAt.Before(group[j].CreatedAt) })
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				a, b := group[i], group[j]
				if a.SupersededBy != "" || b.SupersededBy != "" || len(a.Vector) == 0 || len(b.Vector) == 0 {
					continue
				}
				if cosineDistance(a.Vector, b.Vector) > p.cfg.DedupDistanceThreshold {
					continue
				}
				if isTokenSuperset(b.Text, a.Text) {
					if err := p.longterm.Supersede(ctx, a.ID, b.ID); err == nil {
						superseded++
					}
				}
			}
		}
	}
	return superseded, nil
}
