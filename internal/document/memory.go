package document

import (
	"context"
	"sync"
)

type memoryObject struct {
	data []byte
	meta Metadata
}

// MemoryStore keeps documents in process. Used by tests and local runs
// without a bucket.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memoryObject)}
}

func (s *MemoryStore) Store(ctx context.Context, data []byte, meta Metadata) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyDocument
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := NewID()
	buf := make([]byte, len(data))
	copy(buf, data)
	meta.ContentType = contentTypeOrDefault(meta.ContentType)

	s.mu.Lock()
	s.objects[id] = memoryObject{data: buf, meta: meta}
	s.mu.Unlock()
	return id, nil
}

func (s *MemoryStore) Fetch(ctx context.Context, id string) ([]byte, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	s.mu.RLock()
	obj, ok := s.objects[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrDocumentNotFound
	}
	out := make([]byte, len(obj.data))
	copy(out, obj.data)
	return out, nil
}

func (s *MemoryStore) Exists(ctx context.Context, id string) (bool, error) {
	if err := ValidateID(id); err != nil {
		return false, err
	}
	s.mu.RLock()
	_, ok := s.objects[id]
	s.mu.RUnlock()
	return ok, nil
}

// Metadata returns what was stored alongside a document.
func (s *MemoryStore) Metadata(id string) (Metadata, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[id]
	return obj.meta, ok
}

// Len reports how many documents are held.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
