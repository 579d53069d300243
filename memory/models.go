package memory

import "time"

// NoteStatus tracks a note through the ingestion pipeline.
type NoteStatus string

const (
	NoteStatusReceived    NoteStatus = "received"
	NoteStatusTranscribed NoteStatus = "transcribed"
	NoteStatusAnalyzed    NoteStatus = "analyzed"
	NoteStatusFailed      NoteStatus = "failed"
)

// MemorySource records how a long-term memory came to exist.
type MemorySource string

const (
	SourceInferred       MemorySource = "inferred"
	SourceRejectedByUser MemorySource = "rejected_by_user"
	SourceRefined        MemorySource = "refined"
)

// Note is a single ingested voice/text note plus its derived fields.
// The ingestion pipeline owns creation; this engine reads notes and marks
// them reflected.
type Note struct {
	ID          int64      `json:"id"`
	UserID      string     `json:"user_id"`
	RawText     string     `json:"raw_text"`
	Title       string     `json:"title,omitempty"`
	Summary     string     `json:"summary,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	Mood        string     `json:"mood,omitempty"`
	ActionItems []string   `json:"action_items,omitempty"`
	Importance  float64    `json:"importance"`
	Status      NoteStatus `json:"status"`
	StorageKey  *string    `json:"storage_key,omitempty"` // optional blob reference
	Embedding   []float32  `json:"embedding,omitempty"`
	Reflected   bool       `json:"reflected"`
	CreatedAt   time.Time  `json:"created_at"`
}

// LongTermMemory is a durable consolidated memory produced by reflection.
type LongTermMemory struct {
	ID              int64        `json:"id"`
	UserID          string       `json:"user_id"`
	SummaryText     string       `json:"summary_text"`
	Importance      float64      `json:"importance"`
	Confidence      float64      `json:"confidence"`
	Source          MemorySource `json:"source"`
	IsArchived      bool         `json:"is_archived"`
	ArchivedSummary string       `json:"archived_summary,omitempty"` // compressed display text for archived rows
	Embedding       []float32    `json:"embedding,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
}

// DisplayText returns the text suitable for rendering: the compressed
// summary for archived rows, the full summary otherwise.
func (m *LongTermMemory) DisplayText() string {
	if m.IsArchived && m.ArchivedSummary != "" {
		return m.ArchivedSummary
	}
	if m.IsArchived {
		return ""
	}
	return m.SummaryText
}

// NoteRelation is a weighted edge between two notes. Conceptually
// undirected; stored with the ids in insertion order.
type NoteRelation struct {
	ID           int64     `json:"id"`
	NoteID1      int64     `json:"note_id1"`
	NoteID2      int64     `json:"note_id2"`
	RelationType string    `json:"relation_type"`
	Strength     float64   `json:"strength"`
	Confidence   float64   `json:"confidence"`
	CreatedAt    time.Time `json:"created_at"`
}

// BlendedScore gates graph-neighbor inclusion during retrieval.
func (r *NoteRelation) BlendedScore() float64 {
	return r.Strength * r.Confidence
}

// RelationCandidate is an unvalidated edge proposed by the reflection
// pipeline's extraction step.
type RelationCandidate struct {
	NoteID1      int64   `json:"note_id1"`
	NoteID2      int64   `json:"note_id2"`
	RelationType string  `json:"relation_type"`
	Strength     float64 `json:"strength"`
	Confidence   float64 `json:"confidence"`
}

// Neighbor is a graph neighbor surviving the blended-score gate.
type Neighbor struct {
	Note         *Note
	RelationType string
	Blended      float64
}

// CachedAnalysis is a previously computed analysis result keyed by
// semantic similarity of the input text.
type CachedAnalysis struct {
	ID        int64     `json:"id"`
	UserID    *string   `json:"user_id,omitempty"` // nil for cross-user generic scopes
	Scope     string    `json:"scope"`
	InputText string    `json:"input_text"`
	Embedding []float32 `json:"embedding,omitempty"`
	Result    string    `json:"result"` // structured payload, stored as JSON text
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// EmotionEntry is one observation in a user's bounded emotion history.
type EmotionEntry struct {
	Mood   string    `json:"mood"`
	Date   time.Time `json:"date"`
	NoteID int64     `json:"note_id"`
}

// UserProfile is the identity split for one user: slow-changing core
// traits plus fast-changing situational state and two bounded learned
// containers.
type UserProfile struct {
	UserID              string
	StableIdentity      string
	VolatilePreferences map[string]string
	EmotionHistory      *EmotionLog
	AdaptivePreferences *AdaptiveMap
	Active              bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// GraphCounts holds node/edge totals for the relation graph gauges.
type GraphCounts struct {
	Nodes int64
	Edges int64
}

// SweepResult reports what one retention sweep did. Counts default to
// zero for rules that did not execute.
type SweepResult struct {
	MemoriesDeleted  int `json:"memories_deleted"`
	NotesDeleted     int `json:"notes_deleted"`
	MemoriesArchived int `json:"memories_archived"`
	RelationsPruned  int `json:"relations_pruned"`
}

// ConsolidationResult reports what one self-improvement pass did.
type ConsolidationResult struct {
	MergeGroups     int `json:"merge_groups"`
	MemoriesMerged  int `json:"memories_merged"`
	MemoriesRemoved int `json:"memories_removed"`
	MemoriesCreated int `json:"memories_created"`
}
