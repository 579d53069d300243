package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/rs/zerolog"

	"github.com/jotkeep/recall/llm"
	"github.com/jotkeep/recall/metrics"
)

// ErrNotFound is returned when an operation targets a row that does not exist.
var ErrNotFound = errors.New("not found")

// Store owns all persistence for notes, long-term memories, relations,
// user identity fields, and the analysis cache. Other components read and
// write only through its accessors.
type Store struct {
	db         *sql.DB
	embedder   llm.Embedder
	historyCap int
	logger     zerolog.Logger
}

// NewStore creates and returns a Store. historyCap bounds the per-user
// emotion history and adaptive preference containers.
func NewStore(db *sql.DB, embedder llm.Embedder, historyCap int, logger zerolog.Logger) (*Store, error) {
	if historyCap <= 0 {
		historyCap = 100
	}
	logger = logger.With().Str("component", "memory_store").Logger()
	logger.Info().Int("historyCap", historyCap).Msg("Initializing new Store with DB and Embedder")
	return &Store{db: db, embedder: embedder, historyCap: historyCap, logger: logger}, nil
}

// DB exposes the underlying handle for components that share the store's
// connection (cache, tests).
func (s *Store) DB() *sql.DB { return s.db }

// EmbedText generates an embedding for the given text.
// Returns an error if no embedder is configured.
func (s *Store) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if s.embedder == nil {
		return nil, fmt.Errorf("no embedder configured")
	}
	return s.embedder.Embed(ctx, text)
}

func now() int64 { return time.Now().Unix() }

// ---- users / identity -----------------------------------------------------

// EnsureUser creates the user row if it does not exist yet.
func (s *Store) EnsureUser(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return errors.New("user id is empty")
	}
	nowUnix := now()
	metrics.DBQueries.Inc()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO users (id, created_at, updated_at) VALUES (?, ?, ?)
ON CONFLICT(id) DO NOTHING
`, userID, nowUnix, nowUnix)
	if err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	return nil
}

// GetProfile loads the identity split for one user.
func (s *Store) GetProfile(ctx context.Context, userID string) (*UserProfile, error) {
	metrics.DBQueries.Inc()
	row := s.db.QueryRowContext(ctx, `
SELECT id, stable_identity, volatile_prefs_json, emotion_history_json,
       adaptive_prefs_json, active, created_at, updated_at
FROM users WHERE id = ?
`, userID)

	var (
		id         string
		stable     string
		volatile   sql.NullString
		emotions   sql.NullString
		adaptive   sql.NullString
		active     int64
		createdAt  int64
		updatedAt  int64
	)
	if err := row.Scan(&id, &stable, &volatile, &emotions, &adaptive, &active, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %q: %w", userID, ErrNotFound)
		}
		return nil, err
	}

	profile := &UserProfile{
		UserID:              id,
		StableIdentity:      stable,
		VolatilePreferences: map[string]string{},
		EmotionHistory:      NewEmotionLog(s.historyCap),
		AdaptivePreferences: NewAdaptiveMap(s.historyCap),
		Active:              active != 0,
		CreatedAt:           time.Unix(createdAt, 0),
		UpdatedAt:           time.Unix(updatedAt, 0),
	}
	if volatile.Valid && volatile.String != "" {
		if err := json.Unmarshal([]byte(volatile.String), &profile.VolatilePreferences); err != nil {
			s.logger.Warn().Err(err).Str("user_id", userID).Msg("GetProfile: bad volatile prefs JSON, resetting")
			profile.VolatilePreferences = map[string]string{}
		}
	}
	if emotions.Valid && emotions.String != "" {
		if err := json.Unmarshal([]byte(emotions.String), profile.EmotionHistory); err != nil {
			s.logger.Warn().Err(err).Str("user_id", userID).Msg("GetProfile: bad emotion history JSON, resetting")
			profile.EmotionHistory = NewEmotionLog(s.historyCap)
		}
	}
	if adaptive.Valid && adaptive.String != "" {
		if err := json.Unmarshal([]byte(adaptive.String), profile.AdaptivePreferences); err != nil {
			s.logger.Warn().Err(err).Str("user_id", userID).Msg("GetProfile: bad adaptive prefs JSON, resetting")
			profile.AdaptivePreferences = NewAdaptiveMap(s.historyCap)
		}
	}
	return profile, nil
}

// SaveProfile persists the identity split for one user.
func (s *Store) SaveProfile(ctx context.Context, profile *UserProfile) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := s.saveProfileTx(ctx, tx, profile); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) saveProfileTx(ctx context.Context, tx *sql.Tx, profile *UserProfile) error {
	volatileJSON, err := json.Marshal(profile.VolatilePreferences)
	if err != nil {
		return fmt.Errorf("marshal volatile prefs: %w", err)
	}
	emotionsJSON, err := json.Marshal(profile.EmotionHistory)
	if err != nil {
		return fmt.Errorf("marshal emotion history: %w", err)
	}
	adaptiveJSON, err := json.Marshal(profile.AdaptivePreferences)
	if err != nil {
		return fmt.Errorf("marshal adaptive prefs: %w", err)
	}

	metrics.DBQueries.Inc()
	res, err := tx.ExecContext(ctx, `
UPDATE users
SET stable_identity = ?, volatile_prefs_json = ?, emotion_history_json = ?,
    adaptive_prefs_json = ?, updated_at = ?
WHERE id = ?
`, profile.StableIdentity, string(volatileJSON), string(emotionsJSON),
		string(adaptiveJSON), now(), profile.UserID)
	if err != nil {
		return fmt.Errorf("update user profile: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("user %q: %w", profile.UserID, ErrNotFound)
	}
	return nil
}

// ActiveUserIDs returns the ids of all active users, for bulk dispatch.
func (s *Store) ActiveUserIDs(ctx context.Context) ([]string, error) {
	metrics.DBQueries.Inc()
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM users WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("active users: %w", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ---- notes ----------------------------------------------------------------

// CreateNote stores a note and embeds its summary (or raw text) for
// vector retrieval. An embedding failure is logged and the note saved
// without one, matching the store's best-effort embedding policy.
func (s *Store) CreateNote(ctx context.Context, note *Note) (Note, error) {
	if strings.TrimSpace(note.RawText) == "" {
		s.logger.Warn().Str("method", "CreateNote").Msg("Attempted to store note with empty raw text")
		return Note{}, errors.New("raw text is empty")
	}
	if note.UserID == "" {
		return Note{}, errors.New("user id is empty")
	}
	if note.Importance == 0 {
		note.Importance = 0.5
	}
	if note.Status == "" {
		note.Status = NoteStatusReceived
	}

	embedText := note.Summary
	if embedText == "" {
		embedText = note.RawText
	}
	var embedding []float32
	if s.embedder != nil {
		var err error
		embedding, err = s.embedder.Embed(ctx, embedText)
		if err != nil {
			s.logger.Error().Str("method", "CreateNote").Err(err).
				Msg("Embedding failed. Saving anyway without embedding.")
			embedding = nil
		}
	}

	tagsJSON, err := marshalNullable(note.Tags)
	if err != nil {
		return Note{}, fmt.Errorf("marshal tags: %w", err)
	}
	itemsJSON, err := marshalNullable(note.ActionItems)
	if err != nil {
		return Note{}, fmt.Errorf("marshal action items: %w", err)
	}

	nowUnix := now()
	var storageVal interface{}
	if note.StorageKey != nil {
		storageVal = *note.StorageKey
	}

	query := StatementBuilder().
		Insert("notes").
		Columns("user_id", "raw_text", "title", "summary", "tags_json", "mood",
			"action_items_json", "importance", "status", "storage_key",
			"embedding", "reflected", "created_at").
		Values(note.UserID, note.RawText, note.Title, note.Summary, tagsJSON, note.Mood,
			itemsJSON, note.Importance, string(note.Status), storageVal,
			EncodeEmbedding(embedding), 0, nowUnix)

	queryStr, args, err := query.ToSql()
	if err != nil {
		return Note{}, fmt.Errorf("build insert query: %w", err)
	}

	metrics.DBQueries.Inc()
	res, err := s.db.ExecContext(ctx, queryStr, args...)
	if err != nil {
		s.logger.Error().Str("method", "CreateNote").Err(err).Msg("Failed to insert note")
		return Note{}, fmt.Errorf("insert note: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Note{}, err
	}

	s.logger.Info().
		Str("method", "CreateNote").
		Str("user_id", note.UserID).
		Int64("id", id).
		Str("raw", truncateString(note.RawText, 40)).
		Msg("Note stored")

	stored := *note
	stored.ID = id
	stored.Embedding = embedding
	stored.Reflected = false
	stored.CreatedAt = time.Unix(nowUnix, 0)
	return stored, nil
}

// GetNote loads one note by id.
func (s *Store) GetNote(ctx context.Context, id int64) (*Note, error) {
	query := StatementBuilder().
		Select(SelectNoteColumns()...).
		From("notes").
		Where(sq.Eq{"id": id})
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

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("note %d: %w", id, ErrNotFound)
	}
	return scanNote(rows)
}

// RecentNotes returns the newest n notes for a user, newest first.
func (s *Store) RecentNotes(ctx context.Context, userID string, n int) ([]*Note, error) {
	if n <= 0 {
		n = 5
	}
	query := StatementBuilder().
		Select(SelectNoteColumns()...).
		From("notes").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(n)) //nolint:gosec // n validated above
	return s.queryNotes(ctx, query)
}

// UnreflectedNotes returns the user's notes not yet consumed by a
// reflection run, oldest first.
func (s *Store) UnreflectedNotes(ctx context.Context, userID string) ([]*Note, error) {
	query := StatementBuilder().
		Select(SelectNoteColumns()...).
		From("notes").
		Where(sq.Eq{"user_id": userID, "reflected": 0}).
		OrderBy("created_at ASC", "id ASC")
	return s.queryNotes(ctx, query)
}

// CountUnreflected returns the number of notes awaiting reflection.
func (s *Store) CountUnreflected(ctx context.Context, userID string) (int64, error) {
	metrics.DBQueries.Inc()
	var count int64
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM notes WHERE user_id = ? AND reflected = 0
`, userID).Scan(&count)
	return count, err
}

// SimilarNotes runs a vector similarity scan over the user's notes and
// returns the top-k most similar to the query vector, excluding excludeID.
func (s *Store) SimilarNotes(ctx context.Context, userID string, queryVec []float32, k int, excludeID int64) ([]*Note, []float64, error) {
	if len(queryVec) == 0 || k <= 0 {
		return nil, nil, nil
	}
	const candidateLimit = 500

	query := StatementBuilder().
		Select(SelectNoteColumns()...).
		From("notes").
		Where(sq.Eq{"user_id": userID}).
		Where(sq.NotEq{"id": excludeID}).
		OrderBy("created_at DESC").
		Limit(candidateLimit)
	notes, err := s.queryNotes(ctx, query)
	if err != nil {
		return nil, nil, err
	}

	type scored struct {
		note  *Note
		score float64
	}
	var candidates []scored
	for _, n := range notes {
		if len(n.Embedding) == 0 {
			continue
		}
		score := CosineSimilarity(queryVec, n.Embedding)
		if score <= 0 {
			continue
		}
		candidates = append(candidates, scored{note: n, score: score})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}

	out := make([]*Note, len(candidates))
	scores := make([]float64, len(candidates))
	for i, c := range candidates {
		out[i] = c.note
		scores[i] = c.score
	}
	return out, scores, nil
}

func (s *Store) queryNotes(ctx context.Context, query sq.SelectBuilder) ([]*Note, error) {
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

	var notes []*Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

func scanNote(rows *sql.Rows) (*Note, error) {
	var (
		id         int64
		userID     string
		rawText    string
		title      string
		summary    string
		tagsJSON   sql.NullString
		mood       string
		itemsJSON  sql.NullString
		importance float64
		status     string
		storageKey sql.NullString
		embBlob    []byte
		reflected  int64
		createdAt  int64
	)
	if err := rows.Scan(&id, &userID, &rawText, &title, &summary, &tagsJSON,
		&mood, &itemsJSON, &importance, &status, &storageKey,
		&embBlob, &reflected, &createdAt); err != nil {
		return nil, err
	}

	vec, err := DecodeEmbedding(embBlob)
	if err != nil {
		return nil, err
	}

	note := &Note{
		ID:         id,
		UserID:     userID,
		RawText:    rawText,
		Title:      title,
		Summary:    summary,
		Mood:       mood,
		Importance: importance,
		Status:     NoteStatus(status),
		Embedding:  vec,
		Reflected:  reflected != 0,
		CreatedAt:  time.Unix(createdAt, 0),
	}
	if tagsJSON.Valid && tagsJSON.String != "" {
		_ = json.Unmarshal([]byte(tagsJSON.String), &note.Tags)
	}
	if itemsJSON.Valid && itemsJSON.String != "" {
		_ = json.Unmarshal([]byte(itemsJSON.String), &note.ActionItems)
	}
	if storageKey.Valid {
		v := storageKey.String
		note.StorageKey = &v
	}
	return note, nil
}

// ---- long-term memories ---------------------------------------------------

// CreateMemory inserts a long-term memory, embedding its summary text.
func (s *Store) CreateMemory(ctx context.Context, mem *LongTermMemory) (LongTermMemory, error) {
	if strings.TrimSpace(mem.SummaryText) == "" {
		return LongTermMemory{}, errors.New("summary text is empty")
	}
	if mem.UserID == "" {
		return LongTermMemory{}, errors.New("user id is empty")
	}

	var embedding []float32
	if s.embedder != nil {
		var err error
		embedding, err = s.embedder.Embed(ctx, mem.SummaryText)
		if err != nil {
			s.logger.Error().Str("method", "CreateMemory").Err(err).
				Msg("Embedding failed. Saving anyway without embedding.")
			embedding = nil
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return LongTermMemory{}, err
	}
	defer func() { _ = tx.Rollback() }()

	stored, err := s.createMemoryTx(ctx, tx, mem, embedding)
	if err != nil {
		return LongTermMemory{}, err
	}
	if err := tx.Commit(); err != nil {
		return LongTermMemory{}, err
	}
	return stored, nil
}

func (s *Store) createMemoryTx(ctx context.Context, tx *sql.Tx, mem *LongTermMemory, embedding []float32) (LongTermMemory, error) {
	if mem.Confidence == 0 {
		mem.Confidence = 1.0
	}
	if mem.Source == "" {
		mem.Source = SourceInferred
	}
	nowUnix := now()

	query := StatementBuilder().
		Insert("long_term_memories").
		Columns("user_id", "summary_text", "importance", "confidence",
			"source", "is_archived", "archived_summary", "embedding", "created_at").
		Values(mem.UserID, mem.SummaryText, mem.Importance, mem.Confidence,
			string(mem.Source), boolToInt(mem.IsArchived), nullableString(mem.ArchivedSummary),
			EncodeEmbedding(embedding), nowUnix)

	queryStr, args, err := query.ToSql()
	if err != nil {
		return LongTermMemory{}, fmt.Errorf("build insert query: %w", err)
	}
	metrics.DBQueries.Inc()
	res, err := tx.ExecContext(ctx, queryStr, args...)
	if err != nil {
		return LongTermMemory{}, fmt.Errorf("insert long_term_memory: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return LongTermMemory{}, err
	}

	stored := *mem
	stored.ID = id
	stored.Embedding = embedding
	stored.CreatedAt = time.Unix(nowUnix, 0)
	return stored, nil
}

// LongTermMemories returns the user's memories ranked by importance
// descending. Archived rows are excluded unless includeArchived is set.
func (s *Store) LongTermMemories(ctx context.Context, userID string, includeArchived bool, limit int) ([]*LongTermMemory, error) {
	query := StatementBuilder().
		Select(SelectMemoryColumns()...).
		From("long_term_memories").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("importance DESC", "created_at DESC")
	if !includeArchived {
		query = query.Where(sq.Eq{"is_archived": 0})
	}
	if limit > 0 {
		query = query.Limit(uint64(limit)) //nolint:gosec // limit validated by caller
	}

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

	var memories []*LongTermMemory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

// GetMemory loads one memory row by id, archived or not.
func (s *Store) GetMemory(ctx context.Context, id int64) (*LongTermMemory, error) {
	query := StatementBuilder().
		Select(SelectMemoryColumns()...).
		From("long_term_memories").
		Where(sq.Eq{"id": id})
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

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("memory %d: %w", id, ErrNotFound)
	}
	return scanMemory(rows)
}

// CountActiveMemories returns the number of non-archived memories.
func (s *Store) CountActiveMemories(ctx context.Context, userID string) (int64, error) {
	metrics.DBQueries.Inc()
	var count int64
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM long_term_memories WHERE user_id = ? AND is_archived = 0
`, userID).Scan(&count)
	return count, err
}

// RejectMemory applies the user feedback override in one operation:
// confidence zeroed, source marked rejected, row archived. Rejecting a
// nonexistent id reports ErrNotFound without mutating any row.
func (s *Store) RejectMemory(ctx context.Context, userID string, id int64) error {
	metrics.DBQueries.Inc()
	res, err := s.db.ExecContext(ctx, `
UPDATE long_term_memories
SET confidence = 0.0, source = ?, is_archived = 1
WHERE id = ? AND user_id = ?
`, string(SourceRejectedByUser), id, userID)
	if err != nil {
		return fmt.Errorf("reject memory: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("memory %d: %w", id, ErrNotFound)
	}
	s.logger.Info().Int64("id", id).Str("user_id", userID).Msg("Memory rejected by user")
	return nil
}

// RestoreMemory clears the archived flag. Restoring an already-active
// memory is a no-op, not an error; the original summary_text is not
// regenerated.
func (s *Store) RestoreMemory(ctx context.Context, id int64) error {
	metrics.DBQueries.Inc()
	res, err := s.db.ExecContext(ctx, `
UPDATE long_term_memories SET is_archived = 0 WHERE id = ?
`, id)
	if err != nil {
		return fmt.Errorf("restore memory: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish "already restored" from "missing".
		if _, err := s.GetMemory(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func scanMemory(rows *sql.Rows) (*LongTermMemory, error) {
	var (
		id          int64
		userID      string
		summaryText string
		importance  float64
		confidence  float64
		source      string
		isArchived  int64
		archivedSum sql.NullString
		embBlob     []byte
		createdAt   int64
	)
	if err := rows.Scan(&id, &userID, &summaryText, &importance, &confidence,
		&source, &isArchived, &archivedSum, &embBlob, &createdAt); err != nil {
		return nil, err
	}
	vec, err := DecodeEmbedding(embBlob)
	if err != nil {
		return nil, err
	}
	mem := &LongTermMemory{
		ID:          id,
		UserID:      userID,
		SummaryText: summaryText,
		Importance:  importance,
		Confidence:  confidence,
		Source:      MemorySource(source),
		IsArchived:  isArchived != 0,
		Embedding:   vec,
		CreatedAt:   time.Unix(createdAt, 0),
	}
	if archivedSum.Valid {
		mem.ArchivedSummary = archivedSum.String
	}
	return mem, nil
}

// ---- helpers --------------------------------------------------------------

func marshalNullable(v []string) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Helper function to safely truncate strings (for log safety).
func truncateString(s string, n int) string {
	rs := []rune(s)
	if len(rs) > n {
		return string(rs[:n]) + "..."
	}
	return s
}
