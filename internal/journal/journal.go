package journal

import (
	"context"
	"time"
)

// Logical collections, one table each in the postgres journal.
const (
	CollectionMessages  = "agent_messages"
	CollectionTasks     = "task_assignments"
	CollectionSessions  = "collaboration_sessions"
	CollectionConflicts = "agent_conflicts"
)

// Journal is an append/read document store used for persistence and audit
// replay. In-memory state is the source of truth for routing decisions; the
// journal exists for recovery and history queries only.
type Journal interface {
	// Create writes a new document. Writing an existing id overwrites it.
	Create(ctx context.Context, collection, id string, doc map[string]any) error
	// Update overwrites the document for id.
	Update(ctx context.Context, collection, id string, doc map[string]any) error
	// DeleteExpired removes documents whose expires_at is before the cutoff.
	DeleteExpired(ctx context.Context, collection string, before time.Time) (int64, error)
	// Recent returns up to limit documents, newest first.
	Recent(ctx context.Context, collection string, limit int) ([]map[string]any, error)
	Close()
}

// Nop is a Journal that discards everything. Used when no database is
// configured and in unit tests.
type Nop struct{}

func (Nop) Create(context.Context, string, string, map[string]any) error { return nil }
func (Nop) Update(context.Context, string, string, map[string]any) error { return nil }
func (Nop) DeleteExpired(context.Context, string, time.Time) (int64, error) {
	return 0, nil
}
func (Nop) Recent(context.Context, string, int) ([]map[string]any, error) { return nil, nil }
func (Nop) Close()                                                        {}
