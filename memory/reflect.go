package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jotkeep/recall/llm"
	"github.com/jotkeep/recall/metrics"
)

// Locker is the per-user mutual exclusion primitive for reflection runs.
// Acquire returns false when the lock is already held; it never signals
// "already held" through an error. Backed by a key-value store so
// independent worker processes coordinate correctly.
type Locker interface {
	Acquire(ctx context.Context, userID string) (bool, error)
	Release(ctx context.Context, userID string) error
}

// HistoryRecorder records recent engine actions per user in a bounded
// list. Best-effort: record failures must not fail the caller.
type HistoryRecorder interface {
	Record(ctx context.Context, userID, action string) error
}

// Reflector runs the consolidation pipeline that turns raw notes into
// long-term memories, identity updates, and relation graph edges.
type Reflector struct {
	store         *Store
	completer     llm.Completer
	cache         *AnalysisCache
	locker        Locker
	history       HistoryRecorder
	noteThreshold int
	logger        zerolog.Logger
}

// NewReflector wires the pipeline. cache and history may be nil; they
// only feed gauges and the action log.
func NewReflector(store *Store, completer llm.Completer, cache *AnalysisCache, locker Locker, history HistoryRecorder, noteThreshold int, logger zerolog.Logger) *Reflector {
	if noteThreshold <= 0 {
		noteThreshold = 5
	}
	return &Reflector{
		store:         store,
		completer:     completer,
		cache:         cache,
		locker:        locker,
		history:       history,
		noteThreshold: noteThreshold,
		logger:        logger.With().Str("component", "reflector").Logger(),
	}
}

// MaybeReflect runs the pipeline only when the user has accumulated
// enough unreflected notes. Used by the incremental trigger.
func (r *Reflector) MaybeReflect(ctx context.Context, userID string) error {
	count, err := r.store.CountUnreflected(ctx, userID)
	if err != nil {
		return fmt.Errorf("count unreflected: %w", err)
	}
	if count < int64(r.noteThreshold) {
		r.logger.Debug().
			Str("user_id", userID).
			Int64("unreflected", count).
			Int("threshold", r.noteThreshold).
			Msg("MaybeReflect: below threshold, skipping")
		return nil
	}
	return r.Run(ctx, userID)
}

// RunBatch runs the pipeline for each user in sequence. One user's
// failure never aborts a sibling's processing; errors are logged and the
// batch continues.
func (r *Reflector) RunBatch(ctx context.Context, userIDs []string) {
	for _, userID := range userIDs {
		if err := r.Run(ctx, userID); err != nil {
			r.logger.Error().Err(err).Str("user_id", userID).Msg("RunBatch: user reflection failed")
		}
	}
}

// Run executes one reflection cycle for one user: facts extraction,
// identity update, relation extraction, committed atomically. When the
// per-user lock is held elsewhere the run is skipped, not queued.
func (r *Reflector) Run(ctx context.Context, userID string) error {
	if r.locker != nil {
		acquired, err := r.locker.Acquire(ctx, userID)
		if err != nil {
			return fmt.Errorf("acquire reflection lock: %w", err)
		}
		if !acquired {
			r.logger.Info().Str("user_id", userID).Msg("Run: reflection lock held, skipping")
			return nil
		}
		defer func() {
			if err := r.locker.Release(ctx, userID); err != nil {
				r.logger.Warn().Err(err).Str("user_id", userID).Msg("Run: lock release failed")
			}
		}()
	}

	notes, err := r.store.UnreflectedNotes(ctx, userID)
	if err != nil {
		return fmt.Errorf("load unreflected notes: %w", err)
	}
	if len(notes) == 0 {
		r.logger.Debug().Str("user_id", userID).Msg("Run: nothing to reflect")
		return nil
	}

	profile, err := r.store.GetProfile(ctx, userID)
	if err != nil {
		return fmt.Errorf("load profile: %w", err)
	}

	// All gateway calls happen before the transaction opens so a failure
	// at any step leaves zero writes behind.
	facts, err := r.extractFacts(ctx, notes)
	if err != nil {
		return fmt.Errorf("facts extraction: %w", err)
	}
	identity, err := r.updateIdentity(ctx, notes, profile)
	if err != nil {
		return fmt.Errorf("identity update: %w", err)
	}
	candidates, err := r.extractRelations(ctx, notes)
	if err != nil {
		return fmt.Errorf("relation extraction: %w", err)
	}

	var embedding []float32
	if r.store.embedder != nil {
		embedding, err = r.store.embedder.Embed(ctx, facts.Summary)
		if err != nil {
			r.logger.Error().Err(err).Msg("Run: embedding failed, storing memory without embedding")
			embedding = nil
		}
	}

	// Replace identity wholesale; preferences are not merged.
	profile.StableIdentity = identity.StableIdentity
	profile.VolatilePreferences = identity.VolatilePreferences
	for _, n := range notes {
		if n.Mood != "" {
			profile.EmotionHistory.Add(EmotionEntry{Mood: n.Mood, Date: n.CreatedAt, NoteID: n.ID})
		}
	}

	tx, err := r.store.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	mem := &LongTermMemory{
		UserID:      userID,
		SummaryText: facts.Summary,
		Importance:  facts.Importance,
		Source:      SourceInferred,
	}
	if _, err := r.store.createMemoryTx(ctx, tx, mem, embedding); err != nil {
		return err
	}
	if err := r.store.saveProfileTx(ctx, tx, profile); err != nil {
		return err
	}
	if _, err := r.store.upsertRelationsTx(ctx, tx, userID, candidates); err != nil {
		return err
	}

	noteIDs := make([]interface{}, len(notes))
	marks := make([]string, len(notes))
	for i, n := range notes {
		noteIDs[i] = n.ID
		marks[i] = "?"
	}
	metrics.DBQueries.Inc()
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE notes SET reflected = 1 WHERE id IN (%s)`, strings.Join(marks, ",")),
		noteIDs...); err != nil {
		return fmt.Errorf("mark notes reflected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reflection: %w", err)
	}

	r.afterRun(ctx, userID)
	r.logger.Info().
		Str("user_id", userID).
		Int("notes", len(notes)).
		Int("relations", len(candidates)).
		Msg("Reflection cycle committed")
	return nil
}

// afterRun refreshes gauges and the action log. Everything here is
// best-effort and cannot fail the run.
func (r *Reflector) afterRun(ctx context.Context, userID string) {
	metrics.ReflectionOps.Inc()
	if counts, err := r.store.GraphCounts(ctx, userID); err == nil {
		metrics.GraphNodes.WithLabelValues(userID).Set(float64(counts.Nodes))
		metrics.GraphEdges.WithLabelValues(userID).Set(float64(counts.Edges))
	} else {
		r.logger.Warn().Err(err).Str("user_id", userID).Msg("afterRun: graph counts failed")
	}
	if r.cache != nil {
		metrics.ReflectionCacheHitRate.Set(r.cache.HitRate())
	}
	if r.history != nil {
		if err := r.history.Record(ctx, userID, "reflection"); err != nil {
			r.logger.Warn().Err(err).Str("user_id", userID).Msg("afterRun: history record failed")
		}
	}
}

// ---- step 1: facts extraction ---------------------------------------------

type extractedFacts struct {
	Summary    string
	Importance float64
}

func (r *Reflector) extractFacts(ctx context.Context, notes []*Note) (*extractedFacts, error) {
	system := `You are the memory consolidation module of a personal notes assistant.

You will receive a batch of the user's recent notes. Distill them into one
durable long-term memory.

Output MUST be valid JSON with this exact shape and no extra keys:
{
  "facts_summary": string,
  "importance_score": number
}

Requirements:
- "facts_summary" is a concise third-person summary of the durable facts.
- "importance_score" is between 0.0 and 1.0.

You must output ONLY the JSON object. Do not include explanations,
comments, or surrounding text.`

	reply, err := r.completer.Complete(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: renderNotes(notes)},
	})
	if err != nil {
		return nil, err
	}

	raw := llm.StripFences(reply)
	var out struct {
		FactsSummary    *string  `json:"facts_summary"`
		ImportanceScore *float64 `json:"importance_score"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, &llm.ContractError{Step: "facts_extraction", Raw: raw, Err: err}
	}
	if out.FactsSummary == nil || strings.TrimSpace(*out.FactsSummary) == "" {
		return nil, &llm.ContractError{Step: "facts_extraction", Raw: raw,
			Err: fmt.Errorf("missing facts_summary")}
	}
	if out.ImportanceScore == nil {
		return nil, &llm.ContractError{Step: "facts_extraction", Raw: raw,
			Err: fmt.Errorf("missing importance_score")}
	}
	return &extractedFacts{
		Summary:    *out.FactsSummary,
		Importance: clamp01(*out.ImportanceScore),
	}, nil
}

// ---- step 2: identity update ----------------------------------------------

type extractedIdentity struct {
	StableIdentity      string
	VolatilePreferences map[string]string
}

func (r *Reflector) updateIdentity(ctx context.Context, notes []*Note, profile *UserProfile) (*extractedIdentity, error) {
	system := `You are the identity tracking module of a personal notes assistant.

You will receive the user's current identity description, their current
situational preferences, and a batch of recent notes. Produce the updated
identity split.

Output MUST be valid JSON with this exact shape and no extra keys:
{
  "stable_identity": string,
  "volatile_preferences": object
}

Requirements:
- "stable_identity" is the full replacement text for slow-changing core traits.
- "volatile_preferences" is a flat string-to-string object replacing the
  previous situational state entirely. Do not merge; output the complete set.

You must output ONLY the JSON object.`

	prefsJSON, err := json.Marshal(profile.VolatilePreferences)
	if err != nil {
		return nil, fmt.Errorf("marshal current prefs: %w", err)
	}
	user := fmt.Sprintf("Current stable identity:\n%s\n\nCurrent volatile preferences:\n%s\n\nRecent notes:\n%s",
		profile.StableIdentity, string(prefsJSON), renderNotes(notes))

	reply, err := r.completer.Complete(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: user},
	})
	if err != nil {
		return nil, err
	}

	raw := llm.StripFences(reply)
	var out struct {
		StableIdentity      *string           `json:"stable_identity"`
		VolatilePreferences map[string]string `json:"volatile_preferences"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, &llm.ContractError{Step: "identity_update", Raw: raw, Err: err}
	}
	if out.StableIdentity == nil {
		return nil, &llm.ContractError{Step: "identity_update", Raw: raw,
			Err: fmt.Errorf("missing stable_identity")}
	}
	if out.VolatilePreferences == nil {
		return nil, &llm.ContractError{Step: "identity_update", Raw: raw,
			Err: fmt.Errorf("missing volatile_preferences")}
	}
	return &extractedIdentity{
		StableIdentity:      *out.StableIdentity,
		VolatilePreferences: out.VolatilePreferences,
	}, nil
}

// ---- step 3: relation extraction ------------------------------------------

func (r *Reflector) extractRelations(ctx context.Context, notes []*Note) ([]RelationCandidate, error) {
	system := `You are the relation extraction module of a personal notes assistant.

You will receive a batch of the user's notes, each with its numeric id.
Identify meaningful relations between pairs of notes.

Output MUST be a valid JSON array (possibly empty) of objects with this
exact shape:
[
  {
    "note_id1": number,
    "note_id2": number,
    "relation_type": string,
    "strength": number,
    "confidence": number
  }
]

Requirements:
- Only reference ids that appear in the input.
- "strength" and "confidence" are between 0.0 and 1.0.
- Never relate a note to itself.

You must output ONLY the JSON array.`

	// Include recent neighbors so the model can link new notes to prior context.
	var userSB strings.Builder
	userSB.WriteString("Notes:\n")
	userSB.WriteString(renderNotes(notes))
	if len(notes) > 0 {
		recent, err := r.store.RecentNotes(ctx, notes[0].UserID, 10)
		if err == nil && len(recent) > 0 {
			userSB.WriteString("\nNeighboring notes:\n")
			userSB.WriteString(renderNotes(recent))
		}
	}

	reply, err := r.completer.Complete(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: userSB.String()},
	})
	if err != nil {
		return nil, err
	}

	raw := llm.StripFences(reply)
	var out []RelationCandidate
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, &llm.ContractError{Step: "relation_extraction", Raw: raw, Err: err}
	}
	return out, nil
}

// ---- helpers --------------------------------------------------------------

func renderNotes(notes []*Note) string {
	var sb strings.Builder
	for _, n := range notes {
		text := n.Summary
		if text == "" {
			text = n.RawText
		}
		sb.WriteString(fmt.Sprintf("[id=%d, %s] %s\n", n.ID, n.CreatedAt.Format(time.DateOnly), text))
	}
	return sb.String()
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
