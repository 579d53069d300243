package memory

import (
	sq "github.com/Masterminds/squirrel"
)

// StatementBuilder returns a Squirrel StatementBuilder configured for SQLite.
// SQLite uses '?' as placeholders, which is Squirrel's default.
func StatementBuilder() sq.StatementBuilderType {
	return sq.StatementBuilder
}

// SelectNoteColumns returns the standard column list for notes SELECT queries.
func SelectNoteColumns() []string {
	return []string{
		"id", "user_id", "raw_text", "title", "summary", "tags_json",
		"mood", "action_items_json", "importance", "status", "storage_key",
		"embedding", "reflected", "created_at",
	}
}

// SelectMemoryColumns returns the standard column list for
// long_term_memories SELECT queries.
func SelectMemoryColumns() []string {
	return []string{
		"id", "user_id", "summary_text", "importance", "confidence",
		"source", "is_archived", "archived_summary", "embedding", "created_at",
	}
}

// SelectRelationColumns returns the standard column list for
// note_relations SELECT queries.
func SelectRelationColumns() []string {
	return []string{
		"id", "note_id1", "note_id2", "relation_type", "strength",
		"confidence", "created_at",
	}
}
