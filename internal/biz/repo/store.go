package repo

import (
	"context"
	"encoding/json"
)

// Document is a stored record tagged with its datatype
type Document struct {
	ID       string
	Datatype string
	Body     json.RawMessage
}

// Condition matches a top-level or dotted JSON field against a value
type Condition struct {
	Field string
	Value interface{}
}

// Query selects documents of one datatype.
// All Where conditions must hold; when AnyOf is set, at least one group must hold entirely.
type Query struct {
	Datatype string
	Where    []Condition
	AnyOf    [][]Condition
}

// Eq builds an equality condition
func Eq(field string, value interface{}) Condition {
	return Condition{Field: field, Value: value}
}

// DocumentStore is the document persistence interface
// Responsible for entity persistence (SQLite)
type DocumentStore interface {
	// Find returns all documents matching the query
	Find(ctx context.Context, q Query) ([]Document, error)

	// FindOne returns the first matching document, or nil
	FindOne(ctx context.Context, q Query) (*Document, error)

	// Insert stores a new document and returns it with its assigned ID
	Insert(ctx context.Context, doc Document) (Document, error)

	// Update replaces the document with the given ID and returns the number of replaced documents
	Update(ctx context.Context, id string, doc Document) (int64, error)

	// Count returns the number of matching documents
	Count(ctx context.Context, q Query) (int64, error)

	// Close releases the store
	Close() error
}
