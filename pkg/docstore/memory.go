package docstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// Memory is an in-process Store for development and tests. Reads return clones.
type Memory struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]map[string][]byte)}
}

// Get returns a copy of the stored document.
func (m *Memory) Get(ctx context.Context, collection, id string) (Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	raw, ok := m.data[collection][id]
	if !ok {
		return nil, ErrNotFound
	}
	return unmarshal(raw)
}

// GetAll returns every document of the collection ordered by id.
func (m *Memory) GetAll(ctx context.Context, collection string) ([]Document, error) {
	return m.Query(ctx, collection, nil)
}

// Query returns documents matching the equality filter ordered by id.
func (m *Memory) Query(ctx context.Context, collection string, filter Filter) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.data[collection]))
	for id := range m.data[collection] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	docs := make([]Document, 0, len(ids))
	for _, id := range ids {
		doc, err := unmarshal(m.data[collection][id])
		if err != nil {
			return nil, err
		}
		if matches(doc, filter) {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

// Set overwrites (or creates) the document.
func (m *Memory) Set(ctx context.Context, collection, id string, doc Document) error {
	raw, err := json.Marshal(withID(cloneShallow(doc), id))
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[collection] == nil {
		m.data[collection] = make(map[string][]byte)
	}
	m.data[collection][id] = raw
	return nil
}

// Update merges top-level fields into an existing document.
func (m *Memory) Update(ctx context.Context, collection, id string, fields Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.data[collection][id]
	if !ok {
		return ErrNotFound
	}
	doc, err := unmarshal(raw)
	if err != nil {
		return err
	}
	for k, v := range fields {
		doc[k] = v
	}
	merged, err := json.Marshal(withID(doc, id))
	if err != nil {
		return err
	}
	m.data[collection][id] = merged
	return nil
}

func cloneShallow(doc Document) Document {
	out := make(Document, len(doc)+1)
	for k, v := range doc {
		out[k] = v
	}
	return out
}

func unmarshal(raw []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
