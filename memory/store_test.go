package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jotkeep/recall/migrations"

	_ "github.com/mattn/go-sqlite3"
)

type stubEmbedder struct{}

func (stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{float32(len(text)), 1.0}, nil
}

type failingEmbedder struct{}

func (failingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, errors.New("embedder down")
}

// semanticEmbedder creates embeddings based on word content to simulate
// semantic similarity. Documents with overlapping words get similar
// embeddings, deterministically and with no external services.
type semanticEmbedder struct {
	dimensions int
}

func newSemanticEmbedder(dimensions int) *semanticEmbedder {
	return &semanticEmbedder{dimensions: dimensions}
}

func (e *semanticEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		return make([]float32, e.dimensions), nil
	}

	embedding := make([]float32, e.dimensions)
	for _, word := range words {
		h := fnv.New32a()
		if _, err := h.Write([]byte(word)); err != nil {
			return nil, err
		}
		hash := h.Sum32()

		// Each word influences a few dimensions so overlapping texts
		// land close together.
		for i := 0; i < 3; i++ {
			dim := int((hash + uint32(i)*2654435761) % uint32(e.dimensions)) //nolint:gosec // test code
			embedding[dim] += float32(math.Sin(float64(hash+uint32(i))*0.1) + 1.0)
		}
	}

	var magnitude float32
	for _, val := range embedding {
		magnitude += val * val
	}
	magnitude = float32(math.Sqrt(float64(magnitude)))
	if magnitude > 0 {
		for i := range embedding {
			embedding[i] /= magnitude
		}
	}
	return embedding, nil
}

// setupTestDB creates an in-memory database and runs the real migrations.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:?_foreign_keys=on")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get working directory: %v", err)
	}

	migrationsPath := filepath.Join(cwd, "..", "migrations")
	if !fileExists(filepath.Join(migrationsPath, "000001_initial_schema.up.sql")) {
		migrationsPath = filepath.Join("..", "migrations")
	}

	if err := migrations.RunMigrations(db, migrationsPath, zerolog.Nop()); err != nil {
		_ = db.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	return db
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func newTestStore(t *testing.T, embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}) (*Store, *sql.DB) {
	t.Helper()
	db := setupTestDB(t)
	t.Cleanup(func() { _ = db.Close() })
	store, err := NewStore(db, embedder, 100, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store, db
}

func mustEnsureUser(t *testing.T, store *Store, userID string) {
	t.Helper()
	if err := store.EnsureUser(context.Background(), userID); err != nil {
		t.Fatalf("EnsureUser(%s): %v", userID, err)
	}
}

func mustCreateNote(t *testing.T, store *Store, note *Note) Note {
	t.Helper()
	created, err := store.CreateNote(context.Background(), note)
	if err != nil {
		t.Fatalf("CreateNote: %v", err)
	}
	return created
}

// ageRow backdates a row's created_at so retention rules see it as old.
func ageRow(t *testing.T, db *sql.DB, table string, id int64, age time.Duration) {
	t.Helper()
	_, err := db.Exec(
		fmt.Sprintf("UPDATE %s SET created_at = ? WHERE id = ?", table),
		time.Now().Add(-age).Unix(), id)
	if err != nil {
		t.Fatalf("age %s row %d: %v", table, id, err)
	}
}

func TestStore_CreateNoteDefaults(t *testing.T) {
	store, _ := newTestStore(t, stubEmbedder{})
	ctx := context.Background()
	mustEnsureUser(t, store, "u1")

	created := mustCreateNote(t, store, &Note{
		UserID:  "u1",
		RawText: "remember to water the plants",
	})
	if created.ID == 0 {
		t.Fatalf("expected assigned id")
	}
	if created.Importance != 0.5 {
		t.Fatalf("expected default importance 0.5, got %v", created.Importance)
	}
	if created.Status != NoteStatusReceived {
		t.Fatalf("expected default status %q, got %q", NoteStatusReceived, created.Status)
	}

	got, err := store.GetNote(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetNote: %v", err)
	}
	if got.RawText != "remember to water the plants" {
		t.Fatalf("unexpected raw text %q", got.RawText)
	}
	if len(got.Embedding) == 0 {
		t.Fatalf("expected stored embedding")
	}
	if got.Reflected {
		t.Fatalf("new note must start unreflected")
	}
}

func TestStore_CreateNoteSurvivesEmbedFailure(t *testing.T) {
	store, _ := newTestStore(t, failingEmbedder{})
	mustEnsureUser(t, store, "u1")

	created := mustCreateNote(t, store, &Note{UserID: "u1", RawText: "text"})
	got, err := store.GetNote(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("GetNote: %v", err)
	}
	if len(got.Embedding) != 0 {
		t.Fatalf("expected note without embedding, got %d dims", len(got.Embedding))
	}
}

func TestStore_RecentNotesNewestFirst(t *testing.T) {
	store, db := newTestStore(t, stubEmbedder{})
	ctx := context.Background()
	mustEnsureUser(t, store, "u1")

	var ids []int64
	for i := 0; i < 3; i++ {
		n := mustCreateNote(t, store, &Note{UserID: "u1", RawText: fmt.Sprintf("note %d", i)})
		ids = append(ids, n.ID)
		ageRow(t, db, "notes", n.ID, time.Duration(3-i)*time.Hour)
	}

	recent, err := store.RecentNotes(ctx, "u1", 2)
	if err != nil {
		t.Fatalf("RecentNotes: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 notes, got %d", len(recent))
	}
	if recent[0].ID != ids[2] || recent[1].ID != ids[1] {
		t.Fatalf("expected newest-first order, got %d, %d", recent[0].ID, recent[1].ID)
	}
}

func TestStore_SimilarNotesRanksByContent(t *testing.T) {
	store, _ := newTestStore(t, newSemanticEmbedder(128))
	ctx := context.Background()
	mustEnsureUser(t, store, "u1")

	target := mustCreateNote(t, store, &Note{UserID: "u1", RawText: "planning the garden irrigation system"})
	mustCreateNote(t, store, &Note{UserID: "u1", RawText: "garden irrigation schedule for summer"})
	mustCreateNote(t, store, &Note{UserID: "u1", RawText: "quarterly tax filing deadline"})

	queryVec, err := store.EmbedText(ctx, "garden irrigation")
	if err != nil {
		t.Fatalf("EmbedText: %v", err)
	}
	notes, scores, err := store.SimilarNotes(ctx, "u1", queryVec, 2, target.ID)
	if err != nil {
		t.Fatalf("SimilarNotes: %v", err)
	}
	if len(notes) == 0 {
		t.Fatalf("expected similar notes")
	}
	for _, n := range notes {
		if n.ID == target.ID {
			t.Fatalf("excluded note %d returned", target.ID)
		}
	}
	if !strings.Contains(notes[0].RawText, "irrigation") {
		t.Fatalf("expected irrigation note ranked first, got %q", notes[0].RawText)
	}
	if len(scores) != len(notes) {
		t.Fatalf("scores/notes length mismatch: %d vs %d", len(scores), len(notes))
	}
	for i := 1; i < len(scores); i++ {
		if scores[i] > scores[i-1] {
			t.Fatalf("scores not descending: %v", scores)
		}
	}
}

func TestStore_ProfileRoundTrip(t *testing.T) {
	store, _ := newTestStore(t, stubEmbedder{})
	ctx := context.Background()
	mustEnsureUser(t, store, "u1")

	profile, err := store.GetProfile(ctx, "u1")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	profile.StableIdentity = "software engineer, keeps a vegetable garden"
	profile.VolatilePreferences = map[string]string{"tone": "brief"}
	profile.EmotionHistory.Add(EmotionEntry{Mood: "tired", Date: time.Now(), NoteID: 1})
	profile.AdaptivePreferences.Set("reply_length", "short")

	if err := store.SaveProfile(ctx, profile); err != nil {
		t.Fatalf("SaveProfile: %v", err)
	}

	got, err := store.GetProfile(ctx, "u1")
	if err != nil {
		t.Fatalf("GetProfile after save: %v", err)
	}
	if got.StableIdentity != profile.StableIdentity {
		t.Fatalf("stable identity lost: %q", got.StableIdentity)
	}
	if got.VolatilePreferences["tone"] != "brief" {
		t.Fatalf("volatile prefs lost: %v", got.VolatilePreferences)
	}
	latest, ok := got.EmotionHistory.Latest()
	if !ok || latest.Mood != "tired" {
		t.Fatalf("emotion history lost: %+v", latest)
	}
	if v, ok := got.AdaptivePreferences.Get("reply_length"); !ok || v != "short" {
		t.Fatalf("adaptive prefs lost")
	}
}

func TestStore_SaveProfileUnknownUser(t *testing.T) {
	store, _ := newTestStore(t, stubEmbedder{})
	err := store.SaveProfile(context.Background(), &UserProfile{
		UserID:              "ghost",
		EmotionHistory:      NewEmotionLog(10),
		AdaptivePreferences: NewAdaptiveMap(10),
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_LongTermMemoriesExcludeArchived(t *testing.T) {
	store, _ := newTestStore(t, stubEmbedder{})
	ctx := context.Background()
	mustEnsureUser(t, store, "u1")

	active, err := store.CreateMemory(ctx, &LongTermMemory{
		UserID: "u1", SummaryText: "likes espresso", Importance: 0.9,
	})
	if err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}
	archived, err := store.CreateMemory(ctx, &LongTermMemory{
		UserID: "u1", SummaryText: "old address", Importance: 0.8,
	})
	if err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}
	if err := store.RejectMemory(ctx, "u1", archived.ID); err != nil {
		t.Fatalf("RejectMemory: %v", err)
	}

	memories, err := store.LongTermMemories(ctx, "u1", false, 0)
	if err != nil {
		t.Fatalf("LongTermMemories: %v", err)
	}
	if len(memories) != 1 || memories[0].ID != active.ID {
		t.Fatalf("expected only the active memory, got %d rows", len(memories))
	}

	all, err := store.LongTermMemories(ctx, "u1", true, 0)
	if err != nil {
		t.Fatalf("LongTermMemories(includeArchived): %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected both memories when including archived, got %d", len(all))
	}
}

func TestStore_RejectMemorySemantics(t *testing.T) {
	store, _ := newTestStore(t, stubEmbedder{})
	ctx := context.Background()
	mustEnsureUser(t, store, "u1")

	mem, err := store.CreateMemory(ctx, &LongTermMemory{
		UserID: "u1", SummaryText: "wrong inference", Importance: 0.7,
	})
	if err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}

	if err := store.RejectMemory(ctx, "u1", mem.ID); err != nil {
		t.Fatalf("RejectMemory: %v", err)
	}
	got, err := store.GetMemory(ctx, mem.ID)
	if err != nil {
		t.Fatalf("GetMemory: %v", err)
	}
	if got.Confidence != 0.0 {
		t.Fatalf("expected zero confidence, got %v", got.Confidence)
	}
	if got.Source != SourceRejectedByUser {
		t.Fatalf("expected rejected source, got %q", got.Source)
	}
	if !got.IsArchived {
		t.Fatalf("rejected memory must be archived")
	}

	if err := store.RejectMemory(ctx, "u1", 99999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown id, got %v", err)
	}
	if err := store.RejectMemory(ctx, "other-user", mem.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for wrong owner, got %v", err)
	}
}

func TestStore_RestoreMemoryIdempotent(t *testing.T) {
	store, _ := newTestStore(t, stubEmbedder{})
	ctx := context.Background()
	mustEnsureUser(t, store, "u1")

	mem, err := store.CreateMemory(ctx, &LongTermMemory{
		UserID: "u1", SummaryText: "fact", Importance: 0.6,
	})
	if err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}
	if err := store.RejectMemory(ctx, "u1", mem.ID); err != nil {
		t.Fatalf("RejectMemory: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := store.RestoreMemory(ctx, mem.ID); err != nil {
			t.Fatalf("RestoreMemory (attempt %d): %v", i+1, err)
		}
	}
	got, err := store.GetMemory(ctx, mem.ID)
	if err != nil {
		t.Fatalf("GetMemory: %v", err)
	}
	if got.IsArchived {
		t.Fatalf("memory still archived after restore")
	}

	if err := store.RestoreMemory(ctx, 99999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown id, got %v", err)
	}
}

func TestStore_Stats(t *testing.T) {
	store, _ := newTestStore(t, stubEmbedder{})
	ctx := context.Background()
	mustEnsureUser(t, store, "u1")

	mustCreateNote(t, store, &Note{UserID: "u1", RawText: "a"})
	if _, err := store.CreateMemory(ctx, &LongTermMemory{UserID: "u1", SummaryText: "m", Importance: 0.5}); err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}
	rejected, err := store.CreateMemory(ctx, &LongTermMemory{UserID: "u1", SummaryText: "r", Importance: 0.5})
	if err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}
	if err := store.RejectMemory(ctx, "u1", rejected.ID); err != nil {
		t.Fatalf("RejectMemory: %v", err)
	}

	stats, err := store.Stats(ctx, "u1")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.ActiveMemories != 1 || stats.ArchivedMemories != 1 {
		t.Fatalf("unexpected memory counts: %+v", stats)
	}
	if stats.UnreflectedNotes != 1 {
		t.Fatalf("expected 1 unreflected note, got %d", stats.UnreflectedNotes)
	}
}
