package pipeline

import (
	"context"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/agentmem/memoryd/internal/memkeys"
	"github.com/agentmem/memoryd/store"
	"github.com/agentmem/memoryd/types"
)

// DedupeBatch runs the two-phase dedup of spec.md §4.5 stage 2 over a
// batch of not-yet-persisted candidates: an exact hash phase, then a
// semantic phase comparing each surviving candidate's embedding against
// its top-k nearest existing long-term records.
func (p *Pipeline) DedupeBatch(ctx context.Context, candidates []*types.MemoryRecord) ([]*types.MemoryRecord, error) {
	exact, err := p.dedupeExact(ctx, candidates)
	if err != nil {
		return nil, err
	}
	if len(exact) == 0 {
		return nil, nil
	}
	return p.dedupeSemantic(ctx, exact)
}

// dedupeExact drops any candidate whose content+identity hash already
// exists among non-superseded long-term records.
func (p *Pipeline) dedupeExact(ctx context.Context, candidates []*types.MemoryRecord) ([]*types.MemoryRecord, error) {
	var survivors []*types.MemoryRecord
	for _, c := range candidates {
		hash := recordHash(c)
		c.Hash = hash

		existing, err := p.findExactMatch(ctx, c)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			continue
		}
		survivors = append(survivors, c)
	}
	return survivors, nil
}

func (p *Pipeline) findExactMatch(ctx context.Context, c *types.MemoryRecord) (*types.MemoryRecord, error) {
	filter := types.SearchFilter{}
	if c.UserID != "" {
		filter.UserID = &types.FilterOp{Eq: c.UserID}
	}
	if c.Namespace != "" {
		filter.Namespace = &types.FilterOp{Eq: c.Namespace}
	}
	resp, err := p.longterm.Search(ctx, store.SearchQuery{Filter: filter, Limit: 1000})
	if err != nil {
		return nil, err
	}
	for _, r := range resp.Memories {
		if r.Record.Hash == c.Hash {
			rec := r.Record
			return &rec, nil
		}
	}
	return nil, nil
}

// dedupeSemantic embeds surviving candidates, then for each runs a top-k
// vector search scoped to the same (user_id, namespace). A hit within
// DedupeDistanceThreshold is resolved by text containment: the superset
// text wins and the other is superseded; otherwise the candidate is
// dropped and its hit is touched.
func (p *Pipeline) dedupeSemantic(ctx context.Context, candidates []*types.MemoryRecord) ([]*types.MemoryRecord, error) {
	texts := make([]string, len(candidates))
	for i, c := range candidates {
		texts[i] = c.Text
	}
	vectors, err := p.llm.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	for i, c := range candidates {
		c.Vector = vectors[i]
	}

	var survivors []*types.MemoryRecord
	var touchIDs []string

	for _, c := range candidates {
		filter := types.SearchFilter{}
		if c.UserID != "" {
			filter.UserID = &types.FilterOp{Eq: c.UserID}
		}
		if c.Namespace != "" {
			filter.Namespace = &types.FilterOp{Eq: c.Namespace}
		}

		resp, err := p.longterm.Search(ctx, store.SearchQuery{
			Vector: c.Vector,
			Filter: filter,
			Limit:  p.cfg.DedupTopK,
		})
		if err != nil {
			return nil, err
		}
		if len(resp.Memories) == 0 {
			survivors = append(survivors, c)
			continue
		}

		top := resp.Memories[0]
		distance := 1 - top.Similarity
		if distance > p.cfg.DedupDistanceThreshold {
			survivors = append(survivors, c)
			continue
		}

		if isTokenSuperset(c.Text, top.Record.Text) {
			if err := p.longterm.Supersede(ctx, top.Record.ID, c.ID); err != nil {
				return nil, err
			}
			survivors = append(survivors, c)
		} else {
			touchIDs = append(touchIDs, top.Record.ID)
		}
	}

	if len(touchIDs) > 0 {
		_ = p.longterm.Touch(ctx, touchIDs)
	}
	return survivors, nil
}

// Embed assigns vectors to already-persisted records via update_fields,
// batched through llmclient. A provider failure marks the record
// enrichment_failed=true but leaves it otherwise intact and searchable by
// filter (spec.md §4.5 stage 3): a poisoned record is never silently
// dropped.
func (p *Pipeline) Embed(ctx context.Context, records []*types.MemoryRecord) error {
	texts := make([]string, len(records))
	for i, r := range records {
		texts[i] = r.Text
	}

	vectors, err := p.llm.Embed(ctx, texts)
	if err != nil {
		for _, r := range records {
			_ = p.longterm.Update(ctx, r.ID, map[string]any{"enrichment_failed": true})
		}
		return err
	}

	for i, r := range records {
		if err := p.longterm.Update(ctx, r.ID, map[string]any{"vector": vectors[i]}); err != nil {
			p.logger.Warn("embed: update_fields failed", zap.Error(err))
			continue
		}
		r.Vector = vectors[i]
	}
	return nil
}

// TagTopics classifies each record against the configured taxonomy with the
// LLM client's Classify and writes the resulting labels; it writes nothing
// when TopicTaxonomy is empty. There is no local topic model: every
// TopicModelSource value, "local" included, goes through Classify.
func (p *Pipeline) TagTopics(ctx context.Context, records []*types.MemoryRecord) error {
	if p.cfg.TopicModelSource != "local" && len(p.cfg.TopicTaxonomy) == 0 {
		return nil
	}
	for _, r := range records {
		labels, err := p.llm.Classify(ctx, r.Text, p.cfg.TopicTaxonomy)
		if err != nil {
			return err
		}
		if len(labels) == 0 {
			continue
		}
		if err := p.longterm.Update(ctx, r.ID, map[string]any{"topics": labels}); err != nil {
			return err
		}
		r.Topics = labels
	}
	return nil
}

// ExtractEntities writes a heuristic capitalized-span entity extraction —
// a deterministic stand-in for a trained NER model, which the examples
// corpus does not provide. Multi-word capitalized runs are treated as a
// single entity; the pronoun "I" is not an entity.
func (p *Pipeline) ExtractEntities(ctx context.Context, records []*types.MemoryRecord) error {
	for _, r := range records {
		entities := extractCapitalizedSpans(r.Text)
		if len(entities) == 0 {
			continue
		}
		if err := p.longterm.Update(ctx, r.ID, map[string]any{"entities": entities}); err != nil {
			return err
		}
		r.Entities = entities
	}
	return nil
}

func extractCapitalizedSpans(text string) []string {
	var out []string
	var current []string
	flush := func() {
		if len(current) > 0 {
			out = append(out, strings.Join(current, " "))
			current = nil
		}
	}
	for _, word := range strings.Fields(text) {
		trimmed := strings.Trim(word, ".,!?;:\"'()")
		if trimmed == "" {
			flush()
			continue
		}
		r := []rune(trimmed)
		if r[0] >= 'A' && r[0] <= 'Z' && trimmed != "I" {
			current = append(current, trimmed)
		} else {
			flush()
		}
	}
	flush()
	return dedupeStrings(out)
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// isTokenSuperset reports whether a's token set strictly contains b's.
func isTokenSuperset(a, b string) bool {
	aSet := tokenSet(a)
	bSet := tokenSet(b)
	if len(aSet) <= len(bSet) {
		return false
	}
	for t := range bSet {
		if !aSet[t] {
			return false
		}
	}
	return true
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		set[strings.Trim(w, ".,!?;:\"'()")] = true
	}
	return set
}

func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}

// recordHash wraps internal/memkeys.RecordHash for candidate records that
// have not yet been assigned their final hash by longterm.Store.Create.
func recordHash(r *types.MemoryRecord) string {
	return memkeys.RecordHash(r.Text, r.UserID, r.Namespace, r.SessionID, string(r.MemoryType), r.EventDate)
}
