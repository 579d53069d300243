package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/rs/zerolog"

	"github.com/jotkeep/recall/llm"
	"github.com/jotkeep/recall/metrics"
)

// ErrCacheMiss is returned when no usable cached analysis exists.
var ErrCacheMiss = errors.New("cache miss")

// AnalysisCache maps an analysis request fingerprint (input text plus
// scope) to a previously computed result. Hits are declared on exact text
// match first, then nearest-neighbor similarity within the same scope.
// Concurrent writers racing on the same fingerprint are acceptable: last
// write wins, because analysis results are idempotent given the same input.
type AnalysisCache struct {
	db        *sql.DB
	embedder  llm.Embedder
	threshold float64
	logger    zerolog.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// NewAnalysisCache creates a cache over db. threshold is the cosine
// similarity above which a near-neighbor entry counts as a hit.
func NewAnalysisCache(db *sql.DB, embedder llm.Embedder, threshold float64, logger zerolog.Logger) *AnalysisCache {
	if threshold <= 0 {
		threshold = 0.85
	}
	return &AnalysisCache{
		db:        db,
		embedder:  embedder,
		threshold: threshold,
		logger:    logger.With().Str("component", "analysis_cache").Logger(),
	}
}

const cacheTypeSemantic = "semantic_analysis"

// Lookup returns the cached result for text within scope, or ErrCacheMiss.
// Every lookup emits a hit/miss counter; metric emission cannot affect the
// result.
func (c *AnalysisCache) Lookup(ctx context.Context, text, scope string) (string, error) {
	if scope == "" {
		scope = "general"
	}
	nowUnix := time.Now().Unix()

	// Fast path: exact text match.
	metrics.DBQueries.Inc()
	var result string
	err := c.db.QueryRowContext(ctx, `
SELECT result_json FROM cached_analyses
WHERE scope = ? AND input_text = ? AND expires_at > ?
ORDER BY created_at DESC LIMIT 1
`, scope, text, nowUnix).Scan(&result)
	if err == nil {
		c.hits.Add(1)
		metrics.CacheHits.WithLabelValues(cacheTypeSemantic).Inc()
		c.logger.Debug().Str("scope", scope).Msg("Lookup: exact hit")
		return result, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("cache exact lookup: %w", err)
	}

	// Slow path: nearest neighbor within the scope.
	if c.embedder != nil {
		hit, hitErr := c.lookupBySimilarity(ctx, text, scope, nowUnix)
		if hitErr == nil {
			c.hits.Add(1)
			metrics.CacheHits.WithLabelValues(cacheTypeSemantic).Inc()
			return hit, nil
		}
		if !errors.Is(hitErr, ErrCacheMiss) {
			return "", hitErr
		}
	}

	c.misses.Add(1)
	metrics.CacheMisses.WithLabelValues(cacheTypeSemantic).Inc()
	return "", ErrCacheMiss
}

func (c *AnalysisCache) lookupBySimilarity(ctx context.Context, text, scope string, nowUnix int64) (string, error) {
	queryVec, err := c.embedder.Embed(ctx, text)
	if err != nil {
		// Embedding trouble degrades the cache to exact-match only.
		c.logger.Warn().Err(err).Msg("Lookup: embed failed, skipping similarity search")
		return "", ErrCacheMiss
	}

	query := StatementBuilder().
		Select("embedding", "result_json").
		From("cached_analyses").
		Where(sq.Eq{"scope": scope}).
		Where(sq.Gt{"expires_at": nowUnix}).
		OrderBy("created_at DESC").
		Limit(500)
	queryStr, args, err := query.ToSql()
	if err != nil {
		return "", fmt.Errorf("build query: %w", err)
	}

	metrics.DBQueries.Inc()
	rows, err := c.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return "", fmt.Errorf("cache similarity query: %w", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	bestScore := c.threshold
	var bestResult string
	found := false
	for rows.Next() {
		var embBlob []byte
		var result string
		if err := rows.Scan(&embBlob, &result); err != nil {
			return "", err
		}
		vec, err := DecodeEmbedding(embBlob)
		if err != nil || len(vec) == 0 {
			continue
		}
		score := CosineSimilarity(queryVec, vec)
		if score >= bestScore {
			bestScore = score
			bestResult = result
			found = true
		}
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	if !found {
		return "", ErrCacheMiss
	}
	c.logger.Debug().
		Str("scope", scope).
		Float64("score", bestScore).
		Msg("Lookup: similarity hit")
	return bestResult, nil
}

// Store writes an analysis result for text within scope. An existing
// entry with the same exact fingerprint is replaced; no cross-process
// locking, last write wins.
func (c *AnalysisCache) Store(ctx context.Context, userID *string, text, scope, result string, ttl time.Duration) error {
	if scope == "" {
		scope = "general"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	var embedding []float32
	if c.embedder != nil {
		var err error
		embedding, err = c.embedder.Embed(ctx, text)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Store: embed failed, caching without embedding")
			embedding = nil
		}
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	metrics.DBQueries.Inc()
	if _, err := tx.ExecContext(ctx, `
DELETE FROM cached_analyses WHERE scope = ? AND input_text = ?
`, scope, text); err != nil {
		return fmt.Errorf("cache overwrite delete: %w", err)
	}

	var userVal interface{}
	if userID != nil {
		userVal = *userID
	}
	nowUnix := time.Now().Unix()
	metrics.DBQueries.Inc()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO cached_analyses (user_id, scope, input_text, embedding, result_json, created_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, userVal, scope, text, EncodeEmbedding(embedding), result, nowUnix, nowUnix+int64(ttl.Seconds())); err != nil {
		return fmt.Errorf("cache insert: %w", err)
	}
	return tx.Commit()
}

// PurgeExpired bulk-deletes expired entries and reports how many went.
func (c *AnalysisCache) PurgeExpired(ctx context.Context) (int64, error) {
	metrics.DBQueries.Inc()
	res, err := c.db.ExecContext(ctx, `
DELETE FROM cached_analyses WHERE expires_at <= ?
`, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("cache purge: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		c.logger.Info().Int64("deleted", deleted).Msg("PurgeExpired: removed expired cache entries")
	}
	return deleted, nil
}

// HitRate returns the process-lifetime hit rate observed by this cache,
// used to refresh the reflection hit-rate gauge after each run.
func (c *AnalysisCache) HitRate() float64 {
	hits := c.hits.Load()
	total := hits + c.misses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
