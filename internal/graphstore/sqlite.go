package graphstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fyrsmithlabs/reviewmemory/internal/models"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore persists history in an embedded SQLite database (pure Go, no
// CGO). Graph edges are plain tables; cycle detection loads the repository's
// DEPENDS_ON edges and enumerates them in memory.
type SQLiteStore struct {
	db   *sql.DB
	opts Options
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at path and applies
// migrations.
func NewSQLiteStore(ctx context.Context, path string, opts Options) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite has a single writer; one connection serializes access and
	// avoids "database is locked" under concurrent reviews.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, opts: opts.withDefaults()}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrate runs embedded SQL migrations in filename order, once each.
func (s *SQLiteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()
		var count int
		if err := s.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx,
			"INSERT INTO schema_migrations (filename, applied_at) VALUES (?, ?)",
			name, timeNow().Unix()); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}
	return nil
}

// storeError classifies a database error. Constraint violations become
// models.ErrConflict; anything else means the store cannot serve the call.
func storeError(op string, err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
		return fmt.Errorf("sqlite %s: %w: %v", op, models.ErrConflict, err)
	}
	return models.NewStoreError("sqlite", op, err)
}

func (s *SQLiteStore) UpsertChangeRecord(ctx context.Context, rec *models.ChangeRecord) error {
	if err := normalizeRecord(rec); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError("upsert_change_record", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO change_records (id, repo_owner, repo_name, number, title, author, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			updated_at = max(change_records.updated_at, excluded.updated_at)`,
		rec.ID, rec.Repo.Owner, rec.Repo.Name, rec.Number, rec.Title, rec.Author,
		string(rec.State), rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano())
	if err != nil {
		return storeError("upsert_change_record", err)
	}

	repo := rec.Repo.String()
	for _, path := range rec.Files {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO file_nodes (repo, path) VALUES (?, ?)", repo, path); err != nil {
			return storeError("upsert_file_node", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO modifies (record_id, path, position)
			VALUES (?, ?, (SELECT COUNT(*) FROM modifies WHERE record_id = ?))`,
			rec.ID, path, rec.ID); err != nil {
			return storeError("upsert_modifies", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storeError("upsert_change_record", err)
	}
	return nil
}

func (s *SQLiteStore) GetChangeRecord(ctx context.Context, id string) (*models.ChangeRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, repo_owner, repo_name, number, title, author, state, created_at, updated_at
		FROM change_records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("change record %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, storeError("get_change_record", err)
	}
	if rec.Files, err = s.recordFiles(ctx, id); err != nil {
		return nil, err
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner, extra ...any) (*models.ChangeRecord, error) {
	var (
		rec              models.ChangeRecord
		state            string
		created, updated int64
	)
	dest := append([]any{
		&rec.ID, &rec.Repo.Owner, &rec.Repo.Name, &rec.Number,
		&rec.Title, &rec.Author, &state, &created, &updated,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	rec.State = models.ChangeState(state)
	rec.CreatedAt = time.Unix(0, created).UTC()
	rec.UpdatedAt = time.Unix(0, updated).UTC()
	return &rec, nil
}

func (s *SQLiteStore) recordFiles(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT path FROM modifies WHERE record_id = ? ORDER BY position", id)
	if err != nil {
		return nil, storeError("record_files", err)
	}
	defer rows.Close()

	var files []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, storeError("record_files", err)
		}
		files = append(files, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("record_files", err)
	}
	return files, nil
}

func (s *SQLiteStore) UpsertDependency(ctx context.Context, repo models.Repo, from, to string) error {
	if err := validateDependency(repo, from, to); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError("upsert_dependency", err)
	}
	defer func() { _ = tx.Rollback() }()

	r := repo.String()
	for _, p := range []string{from, to} {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO file_nodes (repo, path) VALUES (?, ?)", r, p); err != nil {
			return storeError("upsert_dependency", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO depends_on (repo, from_path, to_path) VALUES (?, ?, ?)", r, from, to); err != nil {
		return storeError("upsert_dependency", err)
	}
	if err := tx.Commit(); err != nil {
		return storeError("upsert_dependency", err)
	}
	return nil
}

func (s *SQLiteStore) FindRelatedByFileOverlap(ctx context.Context, q OverlapQuery) ([]RelatedChange, error) {
	files := models.UniqueFiles(q.Files)
	if len(files) == 0 {
		return nil, nil
	}

	var sb strings.Builder
	sb.WriteString(`
		SELECT r.id, r.repo_owner, r.repo_name, r.number, r.title, r.author, r.state, r.created_at, r.updated_at,
		       COUNT(*) AS overlap
		FROM change_records r
		JOIN modifies m ON m.record_id = r.id
		WHERE r.repo_owner = ? AND r.repo_name = ? AND m.path IN (`)
	args := []any{q.Repo.Owner, q.Repo.Name}
	for i, f := range files {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("?")
		args = append(args, f)
	}
	sb.WriteString(")")
	if since := windowStart(q.WindowDays); !since.IsZero() {
		sb.WriteString(" AND r.updated_at >= ?")
		args = append(args, since.UnixNano())
	}
	if q.State != "" {
		sb.WriteString(" AND r.state = ?")
		args = append(args, string(q.State))
	}
	sb.WriteString(" GROUP BY r.id ORDER BY overlap DESC, r.updated_at DESC, r.id ASC")
	if q.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, storeError("find_related", err)
	}
	var related []RelatedChange
	for rows.Next() {
		var overlap int
		rec, err := scanRecord(rows, &overlap)
		if err != nil {
			rows.Close()
			return nil, storeError("find_related", err)
		}
		related = append(related, RelatedChange{Record: rec, OverlapCount: overlap})
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, storeError("find_related", err)
	}

	// Files are loaded after the cursor is closed; the pool has one connection.
	for _, rc := range related {
		if rc.Record.Files, err = s.recordFiles(ctx, rc.Record.ID); err != nil {
			return nil, err
		}
	}
	return related, nil
}

func (s *SQLiteStore) FileFrequencies(ctx context.Context, repo models.Repo, windowDays int) ([]FileFrequency, error) {
	query := `
		SELECT m.path, COUNT(*) AS n
		FROM modifies m
		JOIN change_records r ON r.id = m.record_id
		WHERE r.repo_owner = ? AND r.repo_name = ?`
	args := []any{repo.Owner, repo.Name}
	if since := windowStart(windowDays); !since.IsZero() {
		query += " AND r.updated_at >= ?"
		args = append(args, since.UnixNano())
	}
	query += " GROUP BY m.path"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("file_frequencies", err)
	}
	defer rows.Close()

	var freqs []FileFrequency
	for rows.Next() {
		var f FileFrequency
		if err := rows.Scan(&f.Path, &f.Count); err != nil {
			return nil, storeError("file_frequencies", err)
		}
		freqs = append(freqs, f)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("file_frequencies", err)
	}
	return sortFrequencies(freqs), nil
}

func (s *SQLiteStore) DetectCycles(ctx context.Context, repo models.Repo) (*CycleReport, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT from_path, to_path FROM depends_on WHERE repo = ?", repo.String())
	if err != nil {
		return nil, storeError("detect_cycles", err)
	}
	adj := make(map[string][]string)
	for rows.Next() {
		var from, to string
		if err := rows.Scan(&from, &to); err != nil {
			rows.Close()
			return nil, storeError("detect_cycles", err)
		}
		adj[from] = append(adj[from], to)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, storeError("detect_cycles", err)
	}
	return detectCycles(ctx, s.opts.Pool, adj, s.opts)
}

func (s *SQLiteStore) StoreFeedback(ctx context.Context, entry *models.FeedbackEntry) error {
	if err := validateFeedback(entry); err != nil {
		return err
	}
	var exists int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM change_records WHERE id = ?", entry.ChangeRecordID).Scan(&exists); err != nil {
		return storeError("store_feedback", err)
	}
	if exists == 0 {
		return fmt.Errorf("change record %s: %w", entry.ChangeRecordID, models.ErrNotFound)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feedback (id, change_record_id, finding_id, type, source, reviewer, category,
		                      file, line, comment, correction, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.ChangeRecordID, entry.FindingID, string(entry.Type), string(entry.Source),
		entry.Reviewer, entry.Category, entry.File, entry.Line, entry.Comment, entry.Correction,
		entry.Timestamp.UnixNano())
	if err != nil {
		return storeError("store_feedback", err)
	}
	return nil
}

const feedbackColumns = `id, change_record_id, finding_id, type, source, reviewer, category,
	file, line, comment, correction, ts`

func (s *SQLiteStore) ReadFeedback(ctx context.Context, findingID string) ([]*models.FeedbackEntry, error) {
	return s.queryFeedback(ctx, "read_feedback",
		"SELECT "+feedbackColumns+" FROM feedback WHERE finding_id = ? ORDER BY ts", findingID)
}

func (s *SQLiteStore) ListFeedback(ctx context.Context, since time.Time) ([]*models.FeedbackEntry, error) {
	return s.queryFeedback(ctx, "list_feedback",
		"SELECT "+feedbackColumns+" FROM feedback WHERE ts >= ? ORDER BY ts", since.UnixNano())
}

func (s *SQLiteStore) queryFeedback(ctx context.Context, op, query string, args ...any) ([]*models.FeedbackEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError(op, err)
	}
	defer rows.Close()

	var out []*models.FeedbackEntry
	for rows.Next() {
		var (
			e           models.FeedbackEntry
			typ, source string
			ts          int64
		)
		if err := rows.Scan(&e.ID, &e.ChangeRecordID, &e.FindingID, &typ, &source, &e.Reviewer,
			&e.Category, &e.File, &e.Line, &e.Comment, &e.Correction, &ts); err != nil {
			return nil, storeError(op, err)
		}
		e.Type = models.FeedbackType(typ)
		e.Source = models.FeedbackSource(source)
		e.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(op, err)
	}
	return out, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return storeError("ping", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
