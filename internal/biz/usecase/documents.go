package usecase

import (
	"context"
	"encoding/json"

	"github.com/exastris/exastris/internal/biz/repo"
	"github.com/exastris/exastris/internal/errors"
)

func encodeDocument(datatype string, id string, v interface{}) (repo.Document, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return repo.Document{}, errors.Wrapf(err, "failed to encode %s", datatype)
	}
	return repo.Document{ID: id, Datatype: datatype, Body: body}, nil
}

func decodeDocument[T any](doc repo.Document) (T, error) {
	var v T
	if err := json.Unmarshal(doc.Body, &v); err != nil {
		return v, errors.Wrapf(err, "failed to decode %s %s", doc.Datatype, doc.ID)
	}
	return v, nil
}

// findOne loads one typed entity; ok is false when nothing matched
func findOne[T any](ctx context.Context, store repo.DocumentStore, q repo.Query, setID func(*T, string)) (T, bool, error) {
	var zero T
	doc, err := store.FindOne(ctx, q)
	if err != nil {
		return zero, false, errors.MarkTransient(errors.Wrapf(err, "failed to find %s", q.Datatype))
	}
	if doc == nil {
		return zero, false, nil
	}
	v, err := decodeDocument[T](*doc)
	if err != nil {
		return zero, false, err
	}
	setID(&v, doc.ID)
	return v, true, nil
}

// findAll loads every typed entity matching q
func findAll[T any](ctx context.Context, store repo.DocumentStore, q repo.Query, setID func(*T, string)) ([]T, error) {
	docs, err := store.Find(ctx, q)
	if err != nil {
		return nil, errors.MarkTransient(errors.Wrapf(err, "failed to load %s", q.Datatype))
	}
	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		v, err := decodeDocument[T](doc)
		if err != nil {
			return nil, err
		}
		setID(&v, doc.ID)
		out = append(out, v)
	}
	return out, nil
}

// save inserts a new entity or updates an existing one and returns the store id
func save(ctx context.Context, store repo.DocumentStore, datatype, id string, v interface{}) (string, error) {
	doc, err := encodeDocument(datatype, id, v)
	if err != nil {
		return "", err
	}
	if id == "" {
		inserted, err := store.Insert(ctx, doc)
		if err != nil {
			return "", errors.MarkTransient(errors.Wrapf(err, "failed to insert %s", datatype))
		}
		return inserted.ID, nil
	}
	n, err := store.Update(ctx, id, doc)
	if err != nil {
		return "", errors.MarkTransient(errors.Wrapf(err, "failed to update %s %s", datatype, id))
	}
	if n == 0 {
		return "", errors.MarkTransient(errors.Newf("%s %s was not updated", datatype, id))
	}
	return id, nil
}
