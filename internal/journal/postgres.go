package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Table names are fixed per collection; anything else is rejected so a
// collection string can never reach SQL unchecked.
var tables = map[string]string{
	CollectionMessages:  "agent_messages",
	CollectionTasks:     "task_assignments",
	CollectionSessions:  "collaboration_sessions",
	CollectionConflicts: "agent_conflicts",
}

// Postgres is a Journal backed by a pgx connection pool.
type Postgres struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgres connects to postgres and pings it.
func NewPostgres(dsn string, logger *zap.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("PostgreSQL connected")
	return &Postgres{db: pool, logger: logger}, nil
}

// Migrate reads and executes all .up.sql files from the migrations directory.
func (p *Postgres) Migrate(ctx context.Context, migrationsDir string) error {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(migrationsDir, f))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := p.db.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		p.logger.Info("Migration applied", zap.String("file", f))
	}
	return nil
}

func (p *Postgres) Create(ctx context.Context, collection, id string, doc map[string]any) error {
	table, ok := tables[collection]
	if !ok {
		return fmt.Errorf("unknown collection %q", collection)
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal doc: %w", err)
	}

	_, err = p.db.Exec(ctx,
		`INSERT INTO `+table+` (id, doc, expires_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, expires_at = EXCLUDED.expires_at`,
		id, body, expiry(doc),
	)
	if err != nil {
		return fmt.Errorf("insert %s/%s: %w", collection, id, err)
	}
	return nil
}

func (p *Postgres) Update(ctx context.Context, collection, id string, doc map[string]any) error {
	// Updates are upserts: a mutation observed before its create (the writer
	// queue does not guarantee cross-entity ordering) must not be lost.
	return p.Create(ctx, collection, id, doc)
}

func (p *Postgres) DeleteExpired(ctx context.Context, collection string, before time.Time) (int64, error) {
	table, ok := tables[collection]
	if !ok {
		return 0, fmt.Errorf("unknown collection %q", collection)
	}

	tag, err := p.db.Exec(ctx,
		`DELETE FROM `+table+` WHERE expires_at IS NOT NULL AND expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("delete expired %s: %w", collection, err)
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) Recent(ctx context.Context, collection string, limit int) ([]map[string]any, error) {
	table, ok := tables[collection]
	if !ok {
		return nil, fmt.Errorf("unknown collection %q", collection)
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := p.db.Query(ctx,
		`SELECT doc FROM `+table+` ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	defer rows.Close()

	var docs []map[string]any
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan %s: %w", collection, err)
		}
		var doc map[string]any
		if err := json.Unmarshal(body, &doc); err != nil {
			continue
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// Close shuts down the connection pool.
func (p *Postgres) Close() {
	p.db.Close()
}

// expiry pulls an RFC3339 expires_at out of a document, if present.
func expiry(doc map[string]any) *time.Time {
	raw, ok := doc["expires_at"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case time.Time:
		return &v
	case *time.Time:
		return v
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return &t
		}
	}
	return nil
}
