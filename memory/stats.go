package memory

import (
	"context"
	"fmt"

	"github.com/jotkeep/recall/metrics"
)

// UserStats is a per-user health snapshot for gauges and logs.
type UserStats struct {
	ActiveMemories   int64       `json:"active_memories"`
	ArchivedMemories int64       `json:"archived_memories"`
	UnreflectedNotes int64       `json:"unreflected_notes"`
	Graph            GraphCounts `json:"graph"`
}

// Stats collects memory and graph counts for one user.
func (s *Store) Stats(ctx context.Context, userID string) (UserStats, error) {
	var stats UserStats

	active, err := s.CountActiveMemories(ctx, userID)
	if err != nil {
		return stats, fmt.Errorf("count active memories: %w", err)
	}
	stats.ActiveMemories = active

	metrics.DBQueries.Inc()
	err = s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM long_term_memories WHERE user_id = ? AND is_archived = 1
`, userID).Scan(&stats.ArchivedMemories)
	if err != nil {
		return stats, fmt.Errorf("count archived memories: %w", err)
	}

	unreflected, err := s.CountUnreflected(ctx, userID)
	if err != nil {
		return stats, fmt.Errorf("count unreflected notes: %w", err)
	}
	stats.UnreflectedNotes = unreflected

	counts, err := s.GraphCounts(ctx, userID)
	if err != nil {
		return stats, fmt.Errorf("graph counts: %w", err)
	}
	stats.Graph = counts

	return stats, nil
}
