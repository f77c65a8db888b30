package provider

import (
	"context"
	"sync"
	"time"
)

// Blob is an adapter-managed object persisted on behalf of backends without
// server-side named caches or file storage.
type Blob struct {
	Name      string
	Kind      string
	Payload   []byte
	ExpiresAt time.Time
}

const (
	BlobUpload = "upload"
	BlobPrefix = "prefix"
)

// BlobStore persists blobs. GetBlob and DeleteBlob return an error wrapping
// ErrNotFound when the name is unknown.
type BlobStore interface {
	PutBlob(ctx context.Context, blob Blob) error
	GetBlob(ctx context.Context, name string) (Blob, error)
	DeleteBlob(ctx context.Context, name string) error
}

// MemoryBlobStore is a process-local BlobStore.
type MemoryBlobStore struct {
	mu    sync.Mutex
	blobs map[string]Blob
}

// NewMemoryBlobStore creates an empty store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string]Blob)}
}

func (s *MemoryBlobStore) PutBlob(_ context.Context, blob Blob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob.Payload = append([]byte(nil), blob.Payload...)
	s.blobs[blob.Name] = blob
	return nil
}

func (s *MemoryBlobStore) GetBlob(_ context.Context, name string) (Blob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[name]
	if !ok {
		return Blob{}, ErrNotFound
	}
	return b, nil
}

func (s *MemoryBlobStore) DeleteBlob(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[name]; !ok {
		return ErrNotFound
	}
	delete(s.blobs, name)
	return nil
}
