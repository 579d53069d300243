package memory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/rs/zerolog"

	"github.com/jotkeep/recall/llm"
	"github.com/jotkeep/recall/metrics"
)

// BlobStore deletes the external payload behind a note's storage key.
// Delete on a missing key must succeed.
type BlobStore interface {
	Delete(ctx context.Context, key string) error
}

// RetentionConfig controls the forgetting policy. Zero values fall back
// to the documented defaults.
type RetentionConfig struct {
	MemoryHardDeleteAge time.Duration
	NoteHardDeleteAge   time.Duration
	NoteImportanceFloor float64
	SoftArchiveAge      time.Duration
	SoftArchiveFloor    float64
	WeakRelationFloor   float64
}

func (c *RetentionConfig) applyDefaults() {
	if c.MemoryHardDeleteAge <= 0 {
		c.MemoryHardDeleteAge = 365 * 24 * time.Hour
	}
	if c.NoteHardDeleteAge <= 0 {
		c.NoteHardDeleteAge = 90 * 24 * time.Hour
	}
	if c.NoteImportanceFloor <= 0 {
		c.NoteImportanceFloor = 0.3
	}
	if c.SoftArchiveAge <= 0 {
		c.SoftArchiveAge = 180 * 24 * time.Hour
	}
	if c.SoftArchiveFloor <= 0 {
		c.SoftArchiveFloor = 0.4
	}
	if c.WeakRelationFloor <= 0 {
		c.WeakRelationFloor = 0.3
	}
}

// RetentionPolicy applies the age and importance based forgetting rules
// across all users.
type RetentionPolicy struct {
	store     *Store
	completer llm.Completer
	blobs     BlobStore
	cfg       RetentionConfig
	logger    zerolog.Logger
}

// NewRetentionPolicy wires the sweep. completer and blobs may be nil;
// without a completer soft-archived memories keep their full text as
// the archived summary, without blobs external payloads are left alone.
func NewRetentionPolicy(store *Store, completer llm.Completer, blobs BlobStore, cfg RetentionConfig, logger zerolog.Logger) *RetentionPolicy {
	cfg.applyDefaults()
	return &RetentionPolicy{
		store:     store,
		completer: completer,
		blobs:     blobs,
		cfg:       cfg,
		logger:    logger.With().Str("component", "retention").Logger(),
	}
}

// Sweep runs every retention rule once. Stages are independent; a
// failing stage is logged and the sweep continues, so the returned
// counts are meaningful even alongside a non-nil error.
func (p *RetentionPolicy) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	var errs []string

	n, err := p.hardDeleteMemories(ctx)
	result.MemoriesDeleted = n
	if err != nil {
		p.logger.Error().Err(err).Msg("Sweep: memory hard delete failed")
		errs = append(errs, fmt.Sprintf("memory hard delete: %v", err))
	}

	n, err = p.hardDeleteNotes(ctx)
	result.NotesDeleted = n
	if err != nil {
		p.logger.Error().Err(err).Msg("Sweep: note hard delete failed")
		errs = append(errs, fmt.Sprintf("note hard delete: %v", err))
	}

	n, err = p.softArchiveMemories(ctx)
	result.MemoriesArchived = n
	if err != nil {
		p.logger.Error().Err(err).Msg("Sweep: soft archive failed")
		errs = append(errs, fmt.Sprintf("soft archive: %v", err))
	}

	n, err = p.pruneRelations(ctx)
	result.RelationsPruned = n
	if err != nil {
		p.logger.Error().Err(err).Msg("Sweep: relation pruning failed")
		errs = append(errs, fmt.Sprintf("relation pruning: %v", err))
	}

	p.logger.Info().
		Int("memories_deleted", result.MemoriesDeleted).
		Int("notes_deleted", result.NotesDeleted).
		Int("memories_archived", result.MemoriesArchived).
		Int("relations_pruned", result.RelationsPruned).
		Msg("Retention sweep finished")

	if len(errs) > 0 {
		return result, fmt.Errorf("retention sweep: %s", strings.Join(errs, "; "))
	}
	return result, nil
}

// hardDeleteMemories removes memories older than the hard-delete age
// regardless of importance or archive state.
func (p *RetentionPolicy) hardDeleteMemories(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-p.cfg.MemoryHardDeleteAge).Unix()
	metrics.DBQueries.Inc()
	res, err := StatementBuilder().
		Delete("long_term_memories").
		Where(sq.Lt{"created_at": cutoff}).
		RunWith(p.store.db).
		ExecContext(ctx)
	if err != nil {
		return 0, err
	}
	return rowsAffected(res), nil
}

// hardDeleteNotes removes old low-importance notes along with their
// external payloads. Blob deletion is best effort; a failed delete is
// logged and never blocks the row delete. Relations referencing a
// deleted note go with it via the foreign key cascade.
func (p *RetentionPolicy) hardDeleteNotes(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-p.cfg.NoteHardDeleteAge).Unix()

	metrics.DBQueries.Inc()
	queryStr, args, err := StatementBuilder().
		Select("id", "storage_key").
		From("notes").
		Where(sq.Lt{"created_at": cutoff}).
		Where(sq.Lt{"importance": p.cfg.NoteImportanceFloor}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build query: %w", err)
	}
	rows, err := p.store.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var ids []int64
	var keys []string
	for rows.Next() {
		var id int64
		var key sql.NullString
		if err := rows.Scan(&id, &key); err != nil {
			return 0, err
		}
		ids = append(ids, id)
		if key.Valid && key.String != "" {
			keys = append(keys, key.String)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	if p.blobs != nil {
		for _, key := range keys {
			if err := p.blobs.Delete(ctx, key); err != nil {
				p.logger.Warn().Err(err).Str("storage_key", key).Msg("hardDeleteNotes: blob delete failed")
			}
		}
	}

	metrics.DBQueries.Inc()
	res, err := StatementBuilder().
		Delete("notes").
		Where(sq.Eq{"id": ids}).
		RunWith(p.store.db).
		ExecContext(ctx)
	if err != nil {
		return 0, err
	}
	return rowsAffected(res), nil
}

// softArchiveMemories compresses aging low-importance memories into a
// short archived summary instead of deleting them. Each row is handled
// independently so one bad row cannot stall the stage.
func (p *RetentionPolicy) softArchiveMemories(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-p.cfg.SoftArchiveAge).Unix()

	metrics.DBQueries.Inc()
	queryStr, args, err := StatementBuilder().
		Select("id", "summary_text").
		From("long_term_memories").
		Where(sq.Lt{"created_at": cutoff}).
		Where(sq.Lt{"importance": p.cfg.SoftArchiveFloor}).
		Where(sq.Eq{"is_archived": 0}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build query: %w", err)
	}
	rows, err := p.store.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return 0, err
	}

	type candidate struct {
		id   int64
		text string
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.text); err != nil {
			rows.Close()
			return 0, err
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	archived := 0
	for _, c := range candidates {
		summary, err := p.compress(ctx, c.text)
		if err != nil {
			p.logger.Warn().Err(err).Int64("memory_id", c.id).Msg("softArchiveMemories: compression failed, skipping row")
			continue
		}
		metrics.DBQueries.Inc()
		_, err = StatementBuilder().
			Update("long_term_memories").
			Set("is_archived", 1).
			Set("archived_summary", summary).
			Where(sq.Eq{"id": c.id}).
			RunWith(p.store.db).
			ExecContext(ctx)
		if err != nil {
			p.logger.Warn().Err(err).Int64("memory_id", c.id).Msg("softArchiveMemories: update failed, skipping row")
			continue
		}
		archived++
	}
	return archived, nil
}

func (p *RetentionPolicy) compress(ctx context.Context, text string) (string, error) {
	if p.completer == nil {
		return text, nil
	}
	system := `Compress the following memory into a single short sentence that keeps
its essential fact. Output only the sentence, nothing else.`
	reply, err := p.completer.Complete(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: text},
	})
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(llm.StripFences(reply))
	if summary == "" {
		return "", fmt.Errorf("empty archival summary")
	}
	return summary, nil
}

// pruneRelations drops edges too weak to ever pass the blended-score
// gate the context builder applies.
func (p *RetentionPolicy) pruneRelations(ctx context.Context) (int, error) {
	metrics.DBQueries.Inc()
	res, err := StatementBuilder().
		Delete("note_relations").
		Where(sq.Lt{"strength": p.cfg.WeakRelationFloor}).
		RunWith(p.store.db).
		ExecContext(ctx)
	if err != nil {
		return 0, err
	}
	return rowsAffected(res), nil
}

func rowsAffected(res sql.Result) int {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return int(n)
}
