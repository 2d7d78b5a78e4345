package graphstore

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/fyrsmithlabs/reviewmemory/internal/models"
)

// Neo4jConfig configures a Neo4jStore.
type Neo4jConfig struct {
	URI      string
	User     string
	Password string
	Database string
}

// Neo4jStore keeps the history as a property graph:
//
//	(:ChangeRecord)-[:MODIFIES {position}]->(:File)
//	(:File)-[:DEPENDS_ON]->(:File)
//	(:Feedback)-[:FEEDBACK_ON]->(:ChangeRecord)
type Neo4jStore struct {
	driver neo4j.DriverWithContext
	db     string
	opts   Options
}

var _ Store = (*Neo4jStore)(nil)

// NewNeo4jStore connects and verifies connectivity.
func NewNeo4jStore(ctx context.Context, cfg Neo4jConfig, opts Options) (*Neo4jStore, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.User, cfg.Password, ""))
	if err != nil {
		return nil, models.NewStoreError("neo4j", "connect", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, models.NewStoreError("neo4j", "connect", err)
	}

	s := &Neo4jStore{driver: driver, db: cfg.Database, opts: opts.withDefaults()}
	if err := s.ensureSchema(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, err
	}
	return s, nil
}

func (s *Neo4jStore) ensureSchema(ctx context.Context) error {
	for _, q := range []string{
		"CREATE CONSTRAINT change_record_id IF NOT EXISTS FOR (c:ChangeRecord) REQUIRE c.id IS UNIQUE",
		"CREATE CONSTRAINT feedback_id IF NOT EXISTS FOR (f:Feedback) REQUIRE f.id IS UNIQUE",
		"CREATE INDEX file_key IF NOT EXISTS FOR (f:File) ON (f.repo, f.path)",
		"CREATE INDEX feedback_finding IF NOT EXISTS FOR (f:Feedback) ON (f.finding_id)",
	} {
		if _, err := s.write(ctx, "ensure_schema", q, nil); err != nil {
			return err
		}
	}
	return nil
}

func (s *Neo4jStore) write(ctx context.Context, op, query string, params map[string]any) (*neo4j.EagerResult, error) {
	res, err := neo4j.ExecuteQuery(ctx, s.driver, query, params, neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase(s.db), neo4j.ExecuteQueryWithWritersRouting())
	if err != nil {
		return nil, models.NewStoreError("neo4j", op, err)
	}
	return res, nil
}

func (s *Neo4jStore) read(ctx context.Context, op, query string, params map[string]any) (*neo4j.EagerResult, error) {
	res, err := neo4j.ExecuteQuery(ctx, s.driver, query, params, neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase(s.db), neo4j.ExecuteQueryWithReadersRouting())
	if err != nil {
		return nil, models.NewStoreError("neo4j", op, err)
	}
	return res, nil
}

func (s *Neo4jStore) UpsertChangeRecord(ctx context.Context, rec *models.ChangeRecord) error {
	if err := normalizeRecord(rec); err != nil {
		return err
	}
	files := make([]any, len(rec.Files))
	for i, f := range rec.Files {
		files[i] = f
	}

	// Positions continue after the edges the record already has so the
	// original file order survives repeated upserts.
	_, err := s.write(ctx, "upsert_change_record", `
		MERGE (c:ChangeRecord {id: $id})
		ON CREATE SET c.repo_owner = $owner, c.repo_name = $name, c.number = $number,
		              c.title = $title, c.author = $author, c.created_at = $created,
		              c.updated_at = $updated
		SET c.state = $state,
		    c.updated_at = CASE WHEN $updated > c.updated_at THEN $updated ELSE c.updated_at END
		WITH c
		OPTIONAL MATCH (c)-[existing:MODIFIES]->()
		WITH c, count(existing) AS base
		UNWIND range(0, size($files) - 1) AS i
		WITH c, base, i, $files[i] AS path
		MERGE (f:File {repo: $repo, path: path})
		MERGE (c)-[m:MODIFIES]->(f)
		ON CREATE SET m.position = base + i`,
		map[string]any{
			"id":      rec.ID,
			"owner":   rec.Repo.Owner,
			"name":    rec.Repo.Name,
			"repo":    rec.Repo.String(),
			"number":  int64(rec.Number),
			"title":   rec.Title,
			"author":  rec.Author,
			"state":   string(rec.State),
			"created": rec.CreatedAt.UnixNano(),
			"updated": rec.UpdatedAt.UnixNano(),
			"files":   files,
		})
	return err
}

const recordReturn = `c.id AS id, c.repo_owner AS owner, c.repo_name AS name, c.number AS number,
	c.title AS title, c.author AS author, c.state AS state,
	c.created_at AS created, c.updated_at AS updated`

func (s *Neo4jStore) GetChangeRecord(ctx context.Context, id string) (*models.ChangeRecord, error) {
	res, err := s.read(ctx, "get_change_record", `
		MATCH (c:ChangeRecord {id: $id})
		OPTIONAL MATCH (c)-[m:MODIFIES]->(f:File)
		WITH c, f.path AS path, m.position AS pos ORDER BY pos
		RETURN `+recordReturn+`, [p IN collect(path) WHERE p IS NOT NULL] AS files`,
		map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if len(res.Records) == 0 {
		return nil, fmt.Errorf("change record %s: %w", id, models.ErrNotFound)
	}
	rec := recordFromNeo4j(res.Records[0])
	rec.Files = stringSlice(res.Records[0], "files")
	return rec, nil
}

func (s *Neo4jStore) UpsertDependency(ctx context.Context, repo models.Repo, from, to string) error {
	if err := validateDependency(repo, from, to); err != nil {
		return err
	}
	_, err := s.write(ctx, "upsert_dependency", `
		MERGE (a:File {repo: $repo, path: $from})
		MERGE (b:File {repo: $repo, path: $to})
		MERGE (a)-[:DEPENDS_ON]->(b)`,
		map[string]any{"repo": repo.String(), "from": from, "to": to})
	return err
}

func (s *Neo4jStore) FindRelatedByFileOverlap(ctx context.Context, q OverlapQuery) ([]RelatedChange, error) {
	files := models.UniqueFiles(q.Files)
	if len(files) == 0 {
		return nil, nil
	}
	paths := make([]any, len(files))
	for i, f := range files {
		paths[i] = f
	}
	var since int64
	if t := windowStart(q.WindowDays); !t.IsZero() {
		since = t.UnixNano()
	}
	limit := int64(q.Limit)
	if limit <= 0 {
		limit = 1 << 31
	}

	res, err := s.read(ctx, "find_related", `
		MATCH (c:ChangeRecord)-[:MODIFIES]->(f:File)
		WHERE f.repo = $repo AND f.path IN $paths
		  AND c.updated_at >= $since
		  AND ($state = '' OR c.state = $state)
		WITH c, count(f) AS overlap
		ORDER BY overlap DESC, c.updated_at DESC, c.id ASC
		LIMIT $limit
		OPTIONAL MATCH (c)-[m:MODIFIES]->(all:File)
		WITH c, overlap, all.path AS path, m.position AS pos ORDER BY pos
		WITH c, overlap, collect(path) AS files
		RETURN `+recordReturn+`, overlap, files
		ORDER BY overlap DESC, updated DESC, id ASC`,
		map[string]any{
			"repo":  q.Repo.String(),
			"paths": paths,
			"since": since,
			"state": string(q.State),
			"limit": limit,
		})
	if err != nil {
		return nil, err
	}

	related := make([]RelatedChange, 0, len(res.Records))
	for _, r := range res.Records {
		rec := recordFromNeo4j(r)
		rec.Files = stringSlice(r, "files")
		related = append(related, RelatedChange{Record: rec, OverlapCount: intValue(r, "overlap")})
	}
	return related, nil
}

func (s *Neo4jStore) FileFrequencies(ctx context.Context, repo models.Repo, windowDays int) ([]FileFrequency, error) {
	var since int64
	if t := windowStart(windowDays); !t.IsZero() {
		since = t.UnixNano()
	}
	res, err := s.read(ctx, "file_frequencies", `
		MATCH (c:ChangeRecord)-[:MODIFIES]->(f:File {repo: $repo})
		WHERE c.updated_at >= $since
		RETURN f.path AS path, count(c) AS n`,
		map[string]any{"repo": repo.String(), "since": since})
	if err != nil {
		return nil, err
	}
	freqs := make([]FileFrequency, 0, len(res.Records))
	for _, r := range res.Records {
		freqs = append(freqs, FileFrequency{Path: stringValue(r, "path"), Count: intValue(r, "n")})
	}
	return sortFrequencies(freqs), nil
}

func (s *Neo4jStore) DetectCycles(ctx context.Context, repo models.Repo) (*CycleReport, error) {
	res, err := s.read(ctx, "detect_cycles", `
		MATCH (a:File {repo: $repo})-[:DEPENDS_ON]->(b:File)
		RETURN a.path AS from, b.path AS to`,
		map[string]any{"repo": repo.String()})
	if err != nil {
		return nil, err
	}
	adj := make(map[string][]string)
	for _, r := range res.Records {
		from := stringValue(r, "from")
		adj[from] = append(adj[from], stringValue(r, "to"))
	}
	return detectCycles(ctx, s.opts.Pool, adj, s.opts)
}

func (s *Neo4jStore) StoreFeedback(ctx context.Context, entry *models.FeedbackEntry) error {
	if err := validateFeedback(entry); err != nil {
		return err
	}
	res, err := s.write(ctx, "store_feedback", `
		MATCH (c:ChangeRecord {id: $record})
		MERGE (f:Feedback {id: $id})
		ON CREATE SET f.change_record_id = $record, f.finding_id = $finding, f.type = $type,
		              f.source = $source, f.reviewer = $reviewer, f.category = $category,
		              f.file = $file, f.line = $line, f.comment = $comment,
		              f.correction = $correction, f.ts = $ts
		MERGE (f)-[:FEEDBACK_ON]->(c)
		RETURN f.id AS id`,
		map[string]any{
			"record":     entry.ChangeRecordID,
			"id":         entry.ID,
			"finding":    entry.FindingID,
			"type":       string(entry.Type),
			"source":     string(entry.Source),
			"reviewer":   entry.Reviewer,
			"category":   entry.Category,
			"file":       entry.File,
			"line":       int64(entry.Line),
			"comment":    entry.Comment,
			"correction": entry.Correction,
			"ts":         entry.Timestamp.UnixNano(),
		})
	if err != nil {
		return err
	}
	if len(res.Records) == 0 {
		return fmt.Errorf("change record %s: %w", entry.ChangeRecordID, models.ErrNotFound)
	}
	return nil
}

const feedbackReturn = `f.id AS id, f.change_record_id AS record, f.finding_id AS finding,
	f.type AS type, f.source AS source, f.reviewer AS reviewer, f.category AS category,
	f.file AS file, f.line AS line, f.comment AS comment, f.correction AS correction, f.ts AS ts`

func (s *Neo4jStore) ReadFeedback(ctx context.Context, findingID string) ([]*models.FeedbackEntry, error) {
	res, err := s.read(ctx, "read_feedback", `
		MATCH (f:Feedback {finding_id: $finding})
		RETURN `+feedbackReturn+` ORDER BY ts`,
		map[string]any{"finding": findingID})
	if err != nil {
		return nil, err
	}
	return feedbackFromNeo4j(res.Records), nil
}

func (s *Neo4jStore) ListFeedback(ctx context.Context, since time.Time) ([]*models.FeedbackEntry, error) {
	res, err := s.read(ctx, "list_feedback", `
		MATCH (f:Feedback) WHERE f.ts >= $since
		RETURN `+feedbackReturn+` ORDER BY ts`,
		map[string]any{"since": since.UnixNano()})
	if err != nil {
		return nil, err
	}
	return feedbackFromNeo4j(res.Records), nil
}

func (s *Neo4jStore) Ping(ctx context.Context) error {
	if err := s.driver.VerifyConnectivity(ctx); err != nil {
		return models.NewStoreError("neo4j", "ping", err)
	}
	return nil
}

func (s *Neo4jStore) Close() error {
	return s.driver.Close(context.Background())
}

func recordFromNeo4j(r *neo4j.Record) *models.ChangeRecord {
	return &models.ChangeRecord{
		ID:        stringValue(r, "id"),
		Repo:      models.Repo{Owner: stringValue(r, "owner"), Name: stringValue(r, "name")},
		Number:    intValue(r, "number"),
		Title:     stringValue(r, "title"),
		Author:    stringValue(r, "author"),
		State:     models.ChangeState(stringValue(r, "state")),
		CreatedAt: time.Unix(0, int64Value(r, "created")).UTC(),
		UpdatedAt: time.Unix(0, int64Value(r, "updated")).UTC(),
	}
}

func feedbackFromNeo4j(records []*neo4j.Record) []*models.FeedbackEntry {
	out := make([]*models.FeedbackEntry, 0, len(records))
	for _, r := range records {
		out = append(out, &models.FeedbackEntry{
			ID:             stringValue(r, "id"),
			ChangeRecordID: stringValue(r, "record"),
			FindingID:      stringValue(r, "finding"),
			Type:           models.FeedbackType(stringValue(r, "type")),
			Source:         models.FeedbackSource(stringValue(r, "source")),
			Reviewer:       stringValue(r, "reviewer"),
			Category:       stringValue(r, "category"),
			File:           stringValue(r, "file"),
			Line:           intValue(r, "line"),
			Comment:        stringValue(r, "comment"),
			Correction:     stringValue(r, "correction"),
			Timestamp:      time.Unix(0, int64Value(r, "ts")).UTC(),
		})
	}
	return out
}

func stringValue(r *neo4j.Record, key string) string {
	v, ok := r.Get(key)
	if !ok || v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

func int64Value(r *neo4j.Record, key string) int64 {
	v, ok := r.Get(key)
	if !ok || v == nil {
		return 0
	}
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func intValue(r *neo4j.Record, key string) int {
	return int(int64Value(r, key))
}

func stringSlice(r *neo4j.Record, key string) []string {
	v, ok := r.Get(key)
	if !ok || v == nil {
		return nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
