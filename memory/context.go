package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/jotkeep/recall/metrics"
)

// BuilderConfig tunes the hierarchical context builder. Zero values fall
// back to the documented defaults.
type BuilderConfig struct {
	ShortTermCount    int     // newest note summaries injected
	MediumTermTopM    int     // vector-similar notes per build
	LongTermTopK      int     // long-term memories per build
	BlendedScoreFloor float64 // strength*confidence gate for graph neighbors
	TokenBudget       int     // hard budget for the rendered context
	CharsPerToken     int     // token approximation divisor
}

func (c *BuilderConfig) applyDefaults() {
	if c.ShortTermCount <= 0 {
		c.ShortTermCount = 5
	}
	if c.MediumTermTopM <= 0 {
		c.MediumTermTopM = 5
	}
	if c.LongTermTopK <= 0 {
		c.LongTermTopK = 5
	}
	if c.BlendedScoreFloor == 0 {
		c.BlendedScoreFloor = 0.3
	}
	if c.TokenBudget <= 0 {
		c.TokenBudget = 800
	}
	if c.CharsPerToken <= 0 {
		c.CharsPerToken = 4
	}
}

// ContextBuilder composes the tiered retrieval context injected ahead of
// a new note's analysis prompt.
type ContextBuilder struct {
	store  *Store
	cfg    BuilderConfig
	logger zerolog.Logger
}

// NewContextBuilder creates a builder over store.
func NewContextBuilder(store *Store, cfg BuilderConfig, logger zerolog.Logger) *ContextBuilder {
	cfg.applyDefaults()
	return &ContextBuilder{
		store:  store,
		cfg:    cfg,
		logger: logger.With().Str("component", "context_builder").Logger(),
	}
}

// section is one trimmable block of the rendered context. Sections are
// rendered in slice order; trimming happens in trimOrder priority.
type section struct {
	header string
	lines  []string
}

func (s *section) render(sb *strings.Builder) {
	if len(s.lines) == 0 {
		return
	}
	sb.WriteString(s.header)
	sb.WriteString("\n")
	for _, line := range s.lines {
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
}

func (s *section) size() int {
	if len(s.lines) == 0 {
		return 0
	}
	n := len(s.header) + 2
	for _, line := range s.lines {
		n += len(line) + 1
	}
	return n
}

// Build composes identity blocks plus the three memory tiers for the
// given note and returns the rendered context string.
func (b *ContextBuilder) Build(ctx context.Context, note *Note) (string, error) {
	if note == nil {
		return "", fmt.Errorf("note is nil")
	}

	profile, err := b.store.GetProfile(ctx, note.UserID)
	if err != nil {
		return "", fmt.Errorf("load profile: %w", err)
	}

	identity := b.identitySections(profile)

	shortTerm, err := b.shortTermSection(ctx, note)
	if err != nil {
		return "", err
	}
	mediumTerm, err := b.mediumTermSection(ctx, note)
	if err != nil {
		return "", err
	}
	longTerm, err := b.longTermSection(ctx, note.UserID)
	if err != nil {
		return "", err
	}

	sections := append(identity, shortTerm, mediumTerm, longTerm)

	// Trim priority: long-term first, then medium-term; short-term is
	// preserved longest. Identity blocks are not trimmed.
	b.truncate(sections, []*section{longTerm, mediumTerm, shortTerm})

	var sb strings.Builder
	for _, sec := range sections {
		sec.render(&sb)
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func (b *ContextBuilder) identitySections(profile *UserProfile) []*section {
	var sections []*section

	if strings.TrimSpace(profile.StableIdentity) != "" {
		sections = append(sections, &section{
			header: "User identity:",
			lines:  []string{profile.StableIdentity},
		})
	}

	if len(profile.VolatilePreferences) > 0 {
		keys := make([]string, 0, len(profile.VolatilePreferences))
		for k := range profile.VolatilePreferences {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		lines := make([]string, len(keys))
		for i, k := range keys {
			lines[i] = fmt.Sprintf("- %s: %s", k, profile.VolatilePreferences[k])
		}
		sections = append(sections, &section{header: "Current preferences:", lines: lines})
	}

	// The last observed mood becomes tone guidance only. It never alters
	// routing or intent fields.
	if latest, ok := profile.EmotionHistory.Latest(); ok && latest.Mood != "" {
		sections = append(sections, &section{
			header: "Tone guidance:",
			lines: []string{fmt.Sprintf(
				"The user was previously feeling %s; adjust tone accordingly.", latest.Mood)},
		})
	}

	if profile.AdaptivePreferences.Len() > 0 {
		items := profile.AdaptivePreferences.Items()
		lines := make([]string, len(items))
		for i, it := range items {
			lines[i] = fmt.Sprintf("- %s: %s", it.Key, it.Value)
		}
		sections = append(sections, &section{header: "Adaptive Learning:", lines: lines})
	}

	return sections
}

func (b *ContextBuilder) shortTermSection(ctx context.Context, note *Note) (*section, error) {
	recent, err := b.store.RecentNotes(ctx, note.UserID, b.cfg.ShortTermCount)
	if err != nil {
		return nil, fmt.Errorf("recent notes: %w", err)
	}
	sec := &section{header: "Short-term context:"}
	for _, n := range recent {
		if n.ID == note.ID {
			continue
		}
		sec.lines = append(sec.lines, "- "+noteDigest(n))
	}
	return sec, nil
}

func (b *ContextBuilder) mediumTermSection(ctx context.Context, note *Note) (*section, error) {
	queryVec := note.Embedding
	if len(queryVec) == 0 {
		text := note.Summary
		if text == "" {
			text = note.RawText
		}
		vec, err := b.store.EmbedText(ctx, text)
		if err != nil {
			b.logger.Warn().Err(err).Int64("note_id", note.ID).
				Msg("mediumTermSection: embed failed, skipping tier")
			return &section{header: "Recent/medium-term context:"}, nil
		}
		queryVec = vec
	}

	similar, scores, err := b.store.SimilarNotes(ctx, note.UserID, queryVec, b.cfg.MediumTermTopM, note.ID)
	if err != nil {
		return nil, fmt.Errorf("similar notes: %w", err)
	}

	sec := &section{header: "Recent/medium-term context:"}
	seen := make(map[int64]bool, len(similar))
	similarIDs := make([]int64, 0, len(similar))
	for i, n := range similar {
		seen[n.ID] = true
		similarIDs = append(similarIDs, n.ID)
		sec.lines = append(sec.lines, fmt.Sprintf("- %s (similarity %.2f)", noteDigest(n), scores[i]))
	}

	// Graph expansion around the vector hits. Neighbors below the blended
	// floor were already excluded by the store.
	neighbors, err := b.store.Neighbors(ctx, similarIDs, b.cfg.BlendedScoreFloor)
	if err != nil {
		return nil, fmt.Errorf("graph neighbors: %w", err)
	}
	for _, nb := range neighbors {
		if seen[nb.Note.ID] || nb.Note.ID == note.ID {
			continue
		}
		seen[nb.Note.ID] = true
		sec.lines = append(sec.lines, fmt.Sprintf(
			"- %s (%s, blended %.2f)", noteDigest(nb.Note), nb.RelationType, nb.Blended))
	}
	return sec, nil
}

func (b *ContextBuilder) longTermSection(ctx context.Context, userID string) (*section, error) {
	memories, err := b.store.LongTermMemories(ctx, userID, false, b.cfg.LongTermTopK)
	if err != nil {
		return nil, fmt.Errorf("long-term memories: %w", err)
	}
	sec := &section{header: "Long-term knowledge:"}
	for _, m := range memories {
		sec.lines = append(sec.lines, "- "+m.SummaryText)
	}
	return sec, nil
}

// truncate drops lines from the sections in trimOrder until the rendered
// size fits the token budget. A truncation is counted and logged, never
// silent.
func (b *ContextBuilder) truncate(all []*section, trimOrder []*section) {
	budgetChars := b.cfg.TokenBudget * b.cfg.CharsPerToken

	total := func() int {
		n := 0
		for _, sec := range all {
			n += sec.size()
		}
		return n
	}

	if total() <= budgetChars {
		return
	}

	metrics.ContextTruncations.Inc()
	before := total()

	for _, sec := range trimOrder {
		for len(sec.lines) > 0 && total() > budgetChars {
			sec.lines = sec.lines[:len(sec.lines)-1]
		}
		if total() <= budgetChars {
			break
		}
	}

	b.logger.Warn().
		Int("beforeChars", before).
		Int("afterChars", total()).
		Int("budgetChars", budgetChars).
		Msg("Context exceeded token budget, trimmed")
}

func noteDigest(n *Note) string {
	text := n.Summary
	if text == "" {
		text = truncateString(n.RawText, 120)
	}
	if n.Title != "" {
		text = n.Title + ": " + text
	}
	return fmt.Sprintf("[%s] %s", n.CreatedAt.Format("2006-01-02"), text)
}
