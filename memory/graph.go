package memory

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/samber/lo"

	"github.com/jotkeep/recall/metrics"
)

// UpsertRelations validates and inserts candidate edges produced by the
// reflection pipeline. Malformed candidates (unknown note ids, notes of
// another user, out-of-range strength/confidence, self-loops) are dropped
// entirely, never stored with clamped values. Duplicate edges between the
// same pair are allowed to accumulate; the maintenance passes prune them.
// Returns the number of edges inserted.
func (s *Store) UpsertRelations(ctx context.Context, userID string, candidates []RelationCandidate) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	inserted, err := s.upsertRelationsTx(ctx, tx, userID, candidates)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

func (s *Store) upsertRelationsTx(ctx context.Context, tx *sql.Tx, userID string, candidates []RelationCandidate) (int, error) {
	if len(candidates) == 0 {
		return 0, nil
	}

	ownedIDs, err := s.noteIDsForUserTx(ctx, tx, userID)
	if err != nil {
		return 0, err
	}

	valid := lo.Filter(candidates, func(c RelationCandidate, _ int) bool {
		switch {
		case c.NoteID1 == c.NoteID2:
			s.logger.Debug().Int64("note_id", c.NoteID1).Msg("UpsertRelations: dropping self-loop")
			return false
		case c.Strength < 0 || c.Strength > 1 || c.Confidence < 0 || c.Confidence > 1:
			s.logger.Debug().
				Int64("note_id1", c.NoteID1).
				Int64("note_id2", c.NoteID2).
				Float64("strength", c.Strength).
				Float64("confidence", c.Confidence).
				Msg("UpsertRelations: dropping out-of-range candidate")
			return false
		case !ownedIDs[c.NoteID1] || !ownedIDs[c.NoteID2]:
			s.logger.Debug().
				Int64("note_id1", c.NoteID1).
				Int64("note_id2", c.NoteID2).
				Msg("UpsertRelations: dropping candidate referencing unknown note")
			return false
		}
		return true
	})
	if len(valid) == 0 {
		s.logger.Warn().
			Int("candidates", len(candidates)).
			Msg("UpsertRelations: no valid candidates after validation")
		return 0, nil
	}

	nowUnix := now()
	query := StatementBuilder().
		Insert("note_relations").
		Columns("note_id1", "note_id2", "relation_type", "strength", "confidence", "created_at")
	for _, c := range valid {
		relType := c.RelationType
		if relType == "" {
			relType = "related"
		}
		query = query.Values(c.NoteID1, c.NoteID2, relType, c.Strength, c.Confidence, nowUnix)
	}

	queryStr, args, err := query.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build insert query: %w", err)
	}
	metrics.DBQueries.Inc()
	if _, err := tx.ExecContext(ctx, queryStr, args...); err != nil {
		return 0, fmt.Errorf("insert relations: %w", err)
	}

	s.logger.Info().
		Int("inserted", len(valid)).
		Int("dropped", len(candidates)-len(valid)).
		Str("user_id", userID).
		Msg("UpsertRelations: edges stored")
	return len(valid), nil
}

func (s *Store) noteIDsForUserTx(ctx context.Context, tx *sql.Tx, userID string) (map[int64]bool, error) {
	metrics.DBQueries.Inc()
	rows, err := tx.QueryContext(ctx, `SELECT id FROM notes WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("load note ids: %w", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	ids := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// Neighbors expands edges touching the given notes and returns the
// neighbor notes whose blended score (strength * confidence) exceeds
// minBlended, ranked by blended score descending. Neighbors below the
// floor are excluded entirely, not ranked lower.
func (s *Store) Neighbors(ctx context.Context, noteIDs []int64, minBlended float64) ([]Neighbor, error) {
	if len(noteIDs) == 0 {
		return nil, nil
	}

	query := StatementBuilder().
		Select(SelectRelationColumns()...).
		From("note_relations").
		Where(sq.Or{sq.Eq{"note_id1": noteIDs}, sq.Eq{"note_id2": noteIDs}})
	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	metrics.DBQueries.Inc()
	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	seed := make(map[int64]bool, len(noteIDs))
	for _, id := range noteIDs {
		seed[id] = true
	}

	// Keep the best blended score per neighbor; duplicate edges between
	// the same pair accumulate at write time.
	best := make(map[int64]Neighbor)
	for rows.Next() {
		rel, err := scanRelation(rows)
		if err != nil {
			return nil, err
		}
		blended := rel.BlendedScore()
		if blended <= minBlended {
			continue
		}
		for _, otherID := range []int64{rel.NoteID1, rel.NoteID2} {
			if seed[otherID] {
				continue
			}
			if existing, ok := best[otherID]; !ok || blended > existing.Blended {
				best[otherID] = Neighbor{RelationType: rel.RelationType, Blended: blended}
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(best) == 0 {
		return nil, nil
	}

	neighborIDs := lo.Keys(best)
	notes, err := s.notesByIDs(ctx, neighborIDs)
	if err != nil {
		return nil, err
	}

	var neighbors []Neighbor
	for _, n := range notes {
		nb := best[n.ID]
		nb.Note = n
		neighbors = append(neighbors, nb)
	}
	sort.Slice(neighbors, func(i, j int) bool {
		return neighbors[i].Blended > neighbors[j].Blended
	})
	return neighbors, nil
}

func (s *Store) notesByIDs(ctx context.Context, ids []int64) ([]*Note, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := StatementBuilder().
		Select(SelectNoteColumns()...).
		From("notes").
		Where(sq.Eq{"id": ids})
	return s.queryNotes(ctx, query)
}

// GraphCounts returns node and edge totals for one user's relation graph,
// used to refresh the graph gauges after each reflection run.
func (s *Store) GraphCounts(ctx context.Context, userID string) (GraphCounts, error) {
	var counts GraphCounts
	metrics.DBQueries.Inc()
	if err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM notes WHERE user_id = ?
`, userID).Scan(&counts.Nodes); err != nil {
		return counts, err
	}
	metrics.DBQueries.Inc()
	if err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM note_relations r
JOIN notes n1 ON n1.id = r.note_id1
WHERE n1.user_id = ?
`, userID).Scan(&counts.Edges); err != nil {
		return counts, err
	}
	return counts, nil
}

func scanRelation(rows *sql.Rows) (*NoteRelation, error) {
	var (
		id        int64
		noteID1   int64
		noteID2   int64
		relType   string
		strength  float64
		conf      float64
		createdAt int64
	)
	if err := rows.Scan(&id, &noteID1, &noteID2, &relType, &strength, &conf, &createdAt); err != nil {
		return nil, err
	}
	return &NoteRelation{
		ID:           id,
		NoteID1:      noteID1,
		NoteID2:      noteID2,
		RelationType: relType,
		Strength:     strength,
		Confidence:   conf,
		CreatedAt:    time.Unix(createdAt, 0),
	}, nil
}
