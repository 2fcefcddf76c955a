package data

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/exastris/exastris/internal/biz/repo"
	"github.com/exastris/exastris/internal/errors"

	_ "modernc.org/sqlite"
)

// documentStore implements the document store on a single SQLite table
type documentStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewDocumentStore opens (or creates) the SQLite document store at dbPath
func NewDocumentStore(dbPath string) (repo.DocumentStore, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create db directory")
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	// SQLite allows one writer; serialize through a single connection
	db.SetMaxOpenConns(1)

	store, err := newDocumentStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func newDocumentStore(db *sql.DB) (*documentStore, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			datatype TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create table")
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_documents_datatype ON documents(datatype)`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create index")
	}

	return &documentStore{db: db, now: time.Now}, nil
}

var fieldPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

// whereClause builds the SQL predicate and arguments for q
func whereClause(q repo.Query) (string, []interface{}, error) {
	clauses := []string{"datatype = ?"}
	args := []interface{}{q.Datatype}

	conj := func(conds []repo.Condition) (string, error) {
		parts := make([]string, 0, len(conds))
		for _, c := range conds {
			if !fieldPattern.MatchString(c.Field) {
				return "", errors.Newf("invalid query field %q", c.Field)
			}
			parts = append(parts, "json_extract(body, '$."+c.Field+"') = ?")
			args = append(args, c.Value)
		}
		return strings.Join(parts, " AND "), nil
	}

	if len(q.Where) > 0 {
		s, err := conj(q.Where)
		if err != nil {
			return "", nil, err
		}
		clauses = append(clauses, s)
	}

	if len(q.AnyOf) > 0 {
		groups := make([]string, 0, len(q.AnyOf))
		for _, g := range q.AnyOf {
			if len(g) == 0 {
				continue
			}
			s, err := conj(g)
			if err != nil {
				return "", nil, err
			}
			groups = append(groups, "("+s+")")
		}
		if len(groups) > 0 {
			clauses = append(clauses, "("+strings.Join(groups, " OR ")+")")
		}
	}

	return strings.Join(clauses, " AND "), args, nil
}

// Find returns all documents matching the query in insertion order
func (s *documentStore) Find(ctx context.Context, q repo.Query) ([]repo.Document, error) {
	where, args, err := whereClause(q)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, datatype, body FROM documents WHERE `+where+` ORDER BY created_at, rowid`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query documents")
	}
	defer rows.Close()

	var docs []repo.Document
	for rows.Next() {
		var doc repo.Document
		var body string
		if err := rows.Scan(&doc.ID, &doc.Datatype, &body); err != nil {
			return nil, errors.Wrap(err, "failed to scan document")
		}
		doc.Body = []byte(body)
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read documents")
	}
	return docs, nil
}

// FindOne returns the first matching document, or nil
func (s *documentStore) FindOne(ctx context.Context, q repo.Query) (*repo.Document, error) {
	docs, err := s.Find(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return &docs[0], nil
}

// Insert stores a new document under a fresh id
func (s *documentStore) Insert(ctx context.Context, doc repo.Document) (repo.Document, error) {
	doc.ID = uuid.NewString()
	now := s.now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, datatype, body, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, doc.ID, doc.Datatype, string(doc.Body), now, now)
	if err != nil {
		return repo.Document{}, errors.Wrapf(err, "failed to insert %s", doc.Datatype)
	}
	return doc, nil
}

// Update replaces the body of the document with the given id
func (s *documentStore) Update(ctx context.Context, id string, doc repo.Document) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents SET body = ?, updated_at = ? WHERE id = ? AND datatype = ?
	`, string(doc.Body), s.now().UnixMilli(), id, doc.Datatype)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to update %s %s", doc.Datatype, id)
	}
	return result.RowsAffected()
}

// Count returns the number of matching documents
func (s *documentStore) Count(ctx context.Context, q repo.Query) (int64, error) {
	where, args, err := whereClause(q)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE `+where, args...).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "failed to count documents")
	}
	return n, nil
}

// Close closes the database
func (s *documentStore) Close() error {
	return s.db.Close()
}
