package journal

import (
	"context"
	"testing"
	"time"

	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"
)

// startPostgres starts a PostgreSQL testcontainer and returns a migrated
// journal.
func startPostgres(t *testing.T) *Postgres {
	t.Helper()
	ctx := context.Background()

	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("overseer_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("pg connection string: %v", err)
	}

	p, err := NewPostgres(dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(p.Close)

	if err := p.Migrate(ctx, "../../migrations"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return p
}

func TestPostgresJournal(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	p := startPostgres(t)
	ctx := context.Background()

	t.Run("create and read back", func(t *testing.T) {
		doc := map[string]any{"id": "m1", "sender_id": "a", "type": "status_update"}
		if err := p.Create(ctx, CollectionMessages, "m1", doc); err != nil {
			t.Fatal(err)
		}

		docs, err := p.Recent(ctx, CollectionMessages, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(docs) != 1 || docs[0]["sender_id"] != "a" {
			t.Errorf("got %v", docs)
		}
	})

	t.Run("update overwrites", func(t *testing.T) {
		p.Create(ctx, CollectionTasks, "t1", map[string]any{"status": "pending"})
		if err := p.Update(ctx, CollectionTasks, "t1", map[string]any{"status": "completed"}); err != nil {
			t.Fatal(err)
		}

		docs, _ := p.Recent(ctx, CollectionTasks, 10)
		if len(docs) != 1 || docs[0]["status"] != "completed" {
			t.Errorf("got %v", docs)
		}
	})

	t.Run("update before create is kept", func(t *testing.T) {
		if err := p.Update(ctx, CollectionSessions, "s1", map[string]any{"status": "active"}); err != nil {
			t.Fatal(err)
		}
		docs, _ := p.Recent(ctx, CollectionSessions, 10)
		if len(docs) != 1 {
			t.Errorf("got %v", docs)
		}
	})

	t.Run("delete expired", func(t *testing.T) {
		past := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339Nano)
		future := time.Now().UTC().Add(time.Hour).Format(time.RFC3339Nano)
		p.Create(ctx, CollectionConflicts, "old", map[string]any{"expires_at": past})
		p.Create(ctx, CollectionConflicts, "fresh", map[string]any{"expires_at": future})
		p.Create(ctx, CollectionConflicts, "forever", map[string]any{})

		n, err := p.DeleteExpired(ctx, CollectionConflicts, time.Now().UTC())
		if err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Errorf("deleted %d, want 1", n)
		}

		docs, _ := p.Recent(ctx, CollectionConflicts, 10)
		if len(docs) != 2 {
			t.Errorf("got %d docs, want 2", len(docs))
		}
	})

	t.Run("unknown collection rejected", func(t *testing.T) {
		if err := p.Create(ctx, "arbitrary_table", "x", nil); err == nil {
			t.Error("unknown collection must be rejected")
		}
		if _, err := p.Recent(ctx, "arbitrary_table", 10); err == nil {
			t.Error("unknown collection must be rejected")
		}
	})
}

func TestWriterFlushesToPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	p := startPostgres(t)
	w := NewWriter(p, 64, zap.NewNop())

	w.Create(CollectionMessages, "w1", map[string]any{"id": "w1", "sender_id": "writer"})
	w.Close() // drains the queue

	docs, err := p.Recent(context.Background(), CollectionMessages, 10)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, d := range docs {
		if d["id"] == "w1" {
			found = true
		}
	}
	if !found {
		t.Errorf("queued write not flushed, got %v", docs)
	}
}
