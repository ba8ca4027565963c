// Package docstore defines the document persistence collaborator used by the allocation core
// and its Postgres, MongoDB and in-memory implementations.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("document not found")

// IDField is the key carrying the document identifier inside a Document.
const IDField = "id"

// Document is a plain key-value document.
type Document map[string]interface{}

// Filter selects documents whose top-level fields equal the given values.
type Filter map[string]interface{}

// Store is the abstract document store: get, getAll, query, set (overwrite) and update (merge).
type Store interface {
	Get(ctx context.Context, collection, id string) (Document, error)
	GetAll(ctx context.Context, collection string) ([]Document, error)
	Query(ctx context.Context, collection string, filter Filter) ([]Document, error)
	Set(ctx context.Context, collection, id string, doc Document) error
	Update(ctx context.Context, collection, id string, fields Document) error
}

// ID returns the identifier embedded in the document.
func (d Document) ID() string {
	id, _ := d[IDField].(string)
	return id
}

// Encode converts a JSON-tagged struct into a Document.
func Encode(v interface{}) (Document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return doc, nil
}

// Decode converts a Document into the JSON-tagged destination.
func Decode(doc Document, dest interface{}) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("decode document %q: %w", doc.ID(), err)
	}
	return nil
}

func withID(doc Document, id string) Document {
	if doc == nil {
		doc = Document{}
	}
	doc[IDField] = id
	return doc
}

func matches(doc Document, filter Filter) bool {
	for key, want := range filter {
		got, ok := doc[key]
		if !ok {
			return false
		}
		if !equalJSON(got, want) {
			return false
		}
	}
	return true
}

func equalJSON(a, b interface{}) bool {
	ra, errA := json.Marshal(a)
	rb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ra) == string(rb)
}
