package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/memora-health/platform/internal/shared/types"
)

// MemoryDocumentStore keeps documents in process. Used in development
// when no database is configured and as a test double.
type MemoryDocumentStore struct {
	mu   sync.RWMutex
	docs map[string]map[string]*memoryDoc
	seq  int
}

type memoryDoc struct {
	data    map[string]any
	created time.Time
	seq     int
}

func NewMemoryDocumentStore() *MemoryDocumentStore {
	return &MemoryDocumentStore{docs: make(map[string]map[string]*memoryDoc)}
}

func (s *MemoryDocumentStore) Put(ctx context.Context, collection, id string, record any) (string, error) {
	data, err := toObject(record)
	if err != nil {
		return "", err
	}
	if id == "" {
		id = types.NewID().String()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	coll, ok := s.docs[collection]
	if !ok {
		coll = make(map[string]*memoryDoc)
		s.docs[collection] = coll
	}
	s.seq++
	coll[id] = &memoryDoc{data: data, created: time.Now(), seq: s.seq}
	return id, nil
}

func (s *MemoryDocumentStore) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	patch, err := toObject(fields)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[collection][id]
	if !ok {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	for k, v := range patch {
		doc.data[k] = v
	}
	return nil
}

func (s *MemoryDocumentStore) Get(ctx context.Context, collection, id string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[collection][id]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	return copyObject(doc.data), nil
}

func (s *MemoryDocumentStore) ListByPatient(ctx context.Context, collection, patientID string, limit int) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type entry struct {
		id  string
		doc *memoryDoc
	}
	var matches []entry
	for id, doc := range s.docs[collection] {
		if doc.data["patientId"] == patientID {
			matches = append(matches, entry{id, doc})
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].doc.seq > matches[j].doc.seq
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}

	out := make([]Document, 0, len(matches))
	for _, m := range matches {
		out = append(out, Document{ID: m.id, Data: copyObject(m.doc.data)})
	}
	return out, nil
}

// Count returns the number of documents in a collection.
func (s *MemoryDocumentStore) Count(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs[collection])
}

func toObject(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return nil, fmt.Errorf("record must encode to a JSON object")
	}
	return obj, nil
}

func copyObject(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// MemoryBlobStore keeps uploaded media in process.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string]Blob
}

// Blob is an object held by MemoryBlobStore.
type Blob struct {
	Data        []byte
	ContentType string
}

func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string]Blob)}
}

func (s *MemoryBlobStore) Upload(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[path] = Blob{Data: append([]byte(nil), data...), ContentType: contentType}
	return path, nil
}

func (s *MemoryBlobStore) URL(ctx context.Context, ref string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.blobs[ref]; !ok {
		return "", fmt.Errorf("blob %s: %w", ref, ErrNotFound)
	}
	return "memory://" + ref, nil
}

// Object returns a stored blob.
func (s *MemoryBlobStore) Object(path string) (Blob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[path]
	return b, ok
}

// Paths lists stored object paths in lexical order.
func (s *MemoryBlobStore) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	paths := make([]string, 0, len(s.blobs))
	for p := range s.blobs {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
