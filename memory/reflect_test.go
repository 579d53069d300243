package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"github.com/jotkeep/recall/llm"
)

// scriptedCompleter returns canned replies in order.
type scriptedCompleter struct {
	replies []string
	calls   int
}

func (s *scriptedCompleter) Complete(ctx context.Context, messages []llm.Message) (string, error) {
	if s.calls >= len(s.replies) {
		return "", errors.New("no scripted reply left")
	}
	reply := s.replies[s.calls]
	s.calls++
	return reply, nil
}

type stubLocker struct {
	allow    bool
	acquires int
	releases int
}

func (l *stubLocker) Acquire(ctx context.Context, userID string) (bool, error) {
	l.acquires++
	return l.allow, nil
}

func (l *stubLocker) Release(ctx context.Context, userID string) error {
	l.releases++
	return nil
}

type recordingHistory struct {
	actions []string
}

func (h *recordingHistory) Record(ctx context.Context, userID, action string) error {
	h.actions = append(h.actions, action)
	return nil
}

func TestReflector_RunHappyPath(t *testing.T) {
	store, _ := newTestStore(t, stubEmbedder{})
	ctx := context.Background()
	mustEnsureUser(t, store, "u1")

	a := mustCreateNote(t, store, &Note{UserID: "u1", RawText: "started morning runs", Mood: "energized"})
	b := mustCreateNote(t, store, &Note{UserID: "u1", RawText: "signed up for a 10k race", Mood: "excited"})

	completer := &scriptedCompleter{replies: []string{
		`{"facts_summary": "Training for a 10k race with morning runs.", "importance_score": 0.8}`,
		`{"stable_identity": "Recreational runner", "volatile_preferences": {"focus": "race prep"}}`,
		fmt.Sprintf("```json\n[{\"note_id1\": %d, \"note_id2\": %d, \"relation_type\": \"follows_up\", \"strength\": 0.9, \"confidence\": 0.8}]\n```", b.ID, a.ID),
	}}
	locker := &stubLocker{allow: true}
	history := &recordingHistory{}

	r := NewReflector(store, completer, nil, locker, history, 1, zerolog.Nop())
	if err := r.Run(ctx, "u1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	memories, err := store.LongTermMemories(ctx, "u1", false, 0)
	if err != nil {
		t.Fatalf("LongTermMemories: %v", err)
	}
	if len(memories) != 1 {
		t.Fatalf("expected 1 memory, got %d", len(memories))
	}
	if memories[0].Source != SourceInferred {
		t.Fatalf("expected inferred source, got %q", memories[0].Source)
	}
	if memories[0].Importance != 0.8 {
		t.Fatalf("expected importance 0.8, got %v", memories[0].Importance)
	}
	if len(memories[0].Embedding) == 0 {
		t.Fatalf("expected memory embedding")
	}

	profile, err := store.GetProfile(ctx, "u1")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if profile.StableIdentity != "Recreational runner" {
		t.Fatalf("identity not replaced: %q", profile.StableIdentity)
	}
	if profile.VolatilePreferences["focus"] != "race prep" {
		t.Fatalf("volatile prefs not replaced: %v", profile.VolatilePreferences)
	}
	if profile.EmotionHistory.Len() != 2 {
		t.Fatalf("expected 2 emotion entries, got %d", profile.EmotionHistory.Len())
	}

	neighbors, err := store.Neighbors(ctx, []int64{a.ID}, 0.3)
	if err != nil {
		t.Fatalf("Neighbors: %v", err)
	}
	if len(neighbors) != 1 || neighbors[0].Note.ID != b.ID {
		t.Fatalf("expected relation to note %d, got %+v", b.ID, neighbors)
	}
	if neighbors[0].RelationType != "follows_up" {
		t.Fatalf("unexpected relation type %q", neighbors[0].RelationType)
	}

	unreflected, err := store.CountUnreflected(ctx, "u1")
	if err != nil {
		t.Fatalf("CountUnreflected: %v", err)
	}
	if unreflected != 0 {
		t.Fatalf("expected all notes marked reflected, %d remain", unreflected)
	}

	if locker.acquires != 1 || locker.releases != 1 {
		t.Fatalf("lock not used once: acquires=%d releases=%d", locker.acquires, locker.releases)
	}
	if len(history.actions) != 1 || history.actions[0] != "reflection" {
		t.Fatalf("expected one reflection history entry, got %v", history.actions)
	}
}

func TestReflector_LateStepFailureLeavesNoWrites(t *testing.T) {
	store, _ := newTestStore(t, stubEmbedder{})
	ctx := context.Background()
	mustEnsureUser(t, store, "u1")

	mustCreateNote(t, store, &Note{UserID: "u1", RawText: "note one"})
	mustCreateNote(t, store, &Note{UserID: "u1", RawText: "note two"})

	completer := &scriptedCompleter{replies: []string{
		`{"facts_summary": "Some facts.", "importance_score": 0.5}`,
		`{"stable_identity": "Someone", "volatile_preferences": {}}`,
		`this is not json at all`,
	}}
	r := NewReflector(store, completer, nil, &stubLocker{allow: true}, nil, 1, zerolog.Nop())

	err := r.Run(ctx, "u1")
	if err == nil {
		t.Fatalf("expected run to fail")
	}
	var contractErr *llm.ContractError
	if !errors.As(err, &contractErr) {
		t.Fatalf("expected ContractError, got %v", err)
	}
	if contractErr.Raw != "this is not json at all" {
		t.Fatalf("raw model output not preserved: %q", contractErr.Raw)
	}

	// The earlier steps succeeded, but nothing may have been committed.
	count, err := store.CountActiveMemories(ctx, "u1")
	if err != nil {
		t.Fatalf("CountActiveMemories: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no memories after failed run, got %d", count)
	}
	profile, err := store.GetProfile(ctx, "u1")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if profile.StableIdentity != "" {
		t.Fatalf("identity must stay untouched, got %q", profile.StableIdentity)
	}
	unreflected, err := store.CountUnreflected(ctx, "u1")
	if err != nil {
		t.Fatalf("CountUnreflected: %v", err)
	}
	if unreflected != 2 {
		t.Fatalf("notes must stay unreflected, %d remain", unreflected)
	}
}

func TestReflector_SkipsWhenLockHeld(t *testing.T) {
	store, _ := newTestStore(t, stubEmbedder{})
	ctx := context.Background()
	mustEnsureUser(t, store, "u1")
	mustCreateNote(t, store, &Note{UserID: "u1", RawText: "note"})

	completer := &scriptedCompleter{}
	locker := &stubLocker{allow: false}
	r := NewReflector(store, completer, nil, locker, nil, 1, zerolog.Nop())

	if err := r.Run(ctx, "u1"); err != nil {
		t.Fatalf("Run with held lock must not error: %v", err)
	}
	if completer.calls != 0 {
		t.Fatalf("no gateway calls expected, got %d", completer.calls)
	}
	if locker.releases != 0 {
		t.Fatalf("must not release a lock it never acquired")
	}
}

func TestReflector_MaybeReflectThreshold(t *testing.T) {
	store, _ := newTestStore(t, stubEmbedder{})
	ctx := context.Background()
	mustEnsureUser(t, store, "u1")

	mustCreateNote(t, store, &Note{UserID: "u1", RawText: "one"})
	completer := &scriptedCompleter{replies: []string{
		`{"facts_summary": "Facts.", "importance_score": 0.5}`,
		`{"stable_identity": "Someone", "volatile_preferences": {}}`,
		`[]`,
	}}
	r := NewReflector(store, completer, nil, &stubLocker{allow: true}, nil, 2, zerolog.Nop())

	if err := r.MaybeReflect(ctx, "u1"); err != nil {
		t.Fatalf("MaybeReflect below threshold: %v", err)
	}
	if completer.calls != 0 {
		t.Fatalf("below threshold must not call the gateway, got %d calls", completer.calls)
	}

	mustCreateNote(t, store, &Note{UserID: "u1", RawText: "two"})
	if err := r.MaybeReflect(ctx, "u1"); err != nil {
		t.Fatalf("MaybeReflect at threshold: %v", err)
	}
	if completer.calls != 3 {
		t.Fatalf("expected full pipeline at threshold, got %d calls", completer.calls)
	}
}

func TestReflector_RunBatchContinuesPastFailure(t *testing.T) {
	store, _ := newTestStore(t, stubEmbedder{})
	ctx := context.Background()
	mustEnsureUser(t, store, "bad")
	mustEnsureUser(t, store, "good")
	mustCreateNote(t, store, &Note{UserID: "bad", RawText: "bad note"})
	mustCreateNote(t, store, &Note{UserID: "good", RawText: "good note"})

	completer := &scriptedCompleter{replies: []string{
		`garbage`, // bad user fails at step 1
		`{"facts_summary": "Good facts.", "importance_score": 0.6}`,
		`{"stable_identity": "Good user", "volatile_preferences": {}}`,
		`[]`,
	}}
	r := NewReflector(store, completer, nil, &stubLocker{allow: true}, nil, 1, zerolog.Nop())

	r.RunBatch(ctx, []string{"bad", "good"})

	count, err := store.CountActiveMemories(ctx, "good")
	if err != nil {
		t.Fatalf("CountActiveMemories: %v", err)
	}
	if count != 1 {
		t.Fatalf("sibling user must still be processed, got %d memories", count)
	}
}
