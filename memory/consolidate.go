package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/rs/zerolog"

	"github.com/jotkeep/recall/llm"
	"github.com/jotkeep/recall/metrics"
)

// Consolidator merges redundant long-term memories and retires stale
// ones. Runs on a slow cadence, independent of the reflection pipeline.
type Consolidator struct {
	store       *Store
	completer   llm.Completer
	minMemories int
	logger      zerolog.Logger
}

func NewConsolidator(store *Store, completer llm.Completer, minMemories int, logger zerolog.Logger) *Consolidator {
	if minMemories <= 0 {
		minMemories = 5
	}
	return &Consolidator{
		store:       store,
		completer:   completer,
		minMemories: minMemories,
		logger:      logger.With().Str("component", "consolidator").Logger(),
	}
}

type mergeProposal struct {
	IDs     []int64  `json:"ids"`
	Summary string   `json:"summary"`
	Score   *float64 `json:"score,omitempty"`
}

type consolidationPlan struct {
	Merges    []mergeProposal `json:"merges"`
	Deletions []int64         `json:"deletions"`
}

// Consolidate reviews one user's active memories and applies the merge
// plan in a single transaction. Users with too few memories are skipped
// outright so the model never sees a trivially small set.
func (c *Consolidator) Consolidate(ctx context.Context, userID string) (ConsolidationResult, error) {
	var result ConsolidationResult

	memories, err := c.store.LongTermMemories(ctx, userID, false, 0)
	if err != nil {
		return result, fmt.Errorf("load memories: %w", err)
	}
	if len(memories) < c.minMemories {
		c.logger.Debug().
			Str("user_id", userID).
			Int("count", len(memories)).
			Int("min", c.minMemories).
			Msg("Consolidate: below minimum, skipping")
		return result, nil
	}

	byID := make(map[int64]*LongTermMemory, len(memories))
	for _, m := range memories {
		byID[m.ID] = m
	}

	plan, err := c.propose(ctx, memories)
	if err != nil {
		return result, err
	}

	// Validate before touching storage: drop merges referencing unknown
	// ids or fewer than two memories, and deletions of unknown ids.
	var merges []mergeProposal
	consumed := make(map[int64]bool)
	for _, mp := range plan.Merges {
		if len(mp.IDs) < 2 || strings.TrimSpace(mp.Summary) == "" {
			c.logger.Debug().Interface("merge", mp).Msg("Consolidate: dropping degenerate merge")
			continue
		}
		ok := true
		for _, id := range mp.IDs {
			if byID[id] == nil || consumed[id] {
				ok = false
				break
			}
		}
		if !ok {
			c.logger.Debug().Interface("merge", mp).Msg("Consolidate: dropping merge with invalid ids")
			continue
		}
		for _, id := range mp.IDs {
			consumed[id] = true
		}
		merges = append(merges, mp)
	}
	var deletions []int64
	for _, id := range plan.Deletions {
		if byID[id] == nil || consumed[id] {
			continue
		}
		consumed[id] = true
		deletions = append(deletions, id)
	}
	if len(merges) == 0 && len(deletions) == 0 {
		c.logger.Info().Str("user_id", userID).Msg("Consolidate: plan is empty")
		return result, nil
	}

	// Embed replacement summaries before the transaction opens.
	embeddings := make([][]float32, len(merges))
	if c.store.embedder != nil {
		for i, mp := range merges {
			vec, err := c.store.embedder.Embed(ctx, mp.Summary)
			if err != nil {
				c.logger.Error().Err(err).Msg("Consolidate: embedding failed, storing merged memory without embedding")
				continue
			}
			embeddings[i] = vec
		}
	}

	tx, err := c.store.db.BeginTx(ctx, nil)
	if err != nil {
		return result, err
	}
	defer func() { _ = tx.Rollback() }()

	for i, mp := range merges {
		importance := 0.0
		for _, id := range mp.IDs {
			if byID[id].Importance > importance {
				importance = byID[id].Importance
			}
		}
		if mp.Score != nil {
			importance = clamp01(*mp.Score)
		}
		merged := &LongTermMemory{
			UserID:      userID,
			SummaryText: mp.Summary,
			Importance:  importance,
			Source:      SourceRefined,
		}
		if _, err := c.store.createMemoryTx(ctx, tx, merged, embeddings[i]); err != nil {
			return ConsolidationResult{}, err
		}
		if err := c.archiveTx(ctx, tx, userID, mp.IDs); err != nil {
			return ConsolidationResult{}, err
		}
		result.MergeGroups++
		result.MemoriesMerged += len(mp.IDs)
		result.MemoriesCreated++
	}
	if len(deletions) > 0 {
		if err := c.archiveTx(ctx, tx, userID, deletions); err != nil {
			return ConsolidationResult{}, err
		}
		result.MemoriesRemoved = len(deletions)
	}

	if err := tx.Commit(); err != nil {
		return ConsolidationResult{}, fmt.Errorf("commit consolidation: %w", err)
	}

	c.logger.Info().
		Str("user_id", userID).
		Int("merge_groups", result.MergeGroups).
		Int("merged", result.MemoriesMerged).
		Int("removed", result.MemoriesRemoved).
		Msg("Consolidation applied")
	return result, nil
}

// ConsolidateAll sweeps every active user. Per-user failures are logged
// and do not stop the sweep.
func (c *Consolidator) ConsolidateAll(ctx context.Context) {
	userIDs, err := c.store.ActiveUserIDs(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("ConsolidateAll: listing users failed")
		return
	}
	for _, userID := range userIDs {
		if _, err := c.Consolidate(ctx, userID); err != nil {
			c.logger.Error().Err(err).Str("user_id", userID).Msg("ConsolidateAll: user failed")
		}
	}
}

func (c *Consolidator) propose(ctx context.Context, memories []*LongTermMemory) (*consolidationPlan, error) {
	system := `You are the memory hygiene module of a personal notes assistant.

You will receive the user's long-term memories, each with a numeric id and
an importance score. Identify groups that state the same underlying fact
and memories that are obsolete or contradicted by newer ones.

Output MUST be valid JSON with this exact shape:
{
  "merges": [
    {"ids": [number, ...], "summary": string, "score": number}
  ],
  "deletions": [number, ...]
}

Requirements:
- Each merge group has at least two ids and a replacement summary that
  preserves all information from the group.
- "score" is the importance of the replacement, between 0.0 and 1.0.
- Never place the same id in more than one group or in both a group and
  the deletions list.
- When nothing needs attention, output {"merges": [], "deletions": []}.

You must output ONLY the JSON object.`

	var sb strings.Builder
	for _, m := range memories {
		sb.WriteString(fmt.Sprintf("[id=%d, importance=%.2f, %s] %s\n",
			m.ID, m.Importance, m.CreatedAt.Format(time.DateOnly), m.SummaryText))
	}

	reply, err := c.completer.Complete(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: sb.String()},
	})
	if err != nil {
		return nil, err
	}

	raw := llm.StripFences(reply)
	var plan consolidationPlan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, &llm.ContractError{Step: "consolidation_plan", Raw: raw, Err: err}
	}
	if plan.Merges == nil && plan.Deletions == nil {
		return nil, &llm.ContractError{Step: "consolidation_plan", Raw: raw,
			Err: fmt.Errorf("missing merges and deletions")}
	}
	return &plan, nil
}

// archiveTx soft-retires memories instead of deleting rows so the merge
// history stays reconstructable.
func (c *Consolidator) archiveTx(ctx context.Context, tx *sql.Tx, userID string, ids []int64) error {
	metrics.DBQueries.Inc()
	_, err := StatementBuilder().
		Update("long_term_memories").
		Set("is_archived", 1).
		Where(sq.Eq{"user_id": userID, "id": ids}).
		RunWith(tx).
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("archive memories: %w", err)
	}
	return nil
}
