package blobstore

import (
	"bytes"
	"context"
	"io"
	"sync"
)

type storedBlob struct {
	metadata BlobMetadata
	content  []byte
}

// InMemoryBlobStore is a thread-safe, in-memory BlobStore for tests and
// development.
type InMemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string]*storedBlob
}

func NewInMemoryBlobStore() *InMemoryBlobStore {
	return &InMemoryBlobStore{blobs: make(map[string]*storedBlob)}
}

func memKey(ctx context.Context, id string) string {
	return tenantOf(ctx) + "/" + id
}

func (s *InMemoryBlobStore) Upload(ctx context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	meta, data, err := prepare(meta, content)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.blobs[memKey(ctx, meta.ID)] = &storedBlob{metadata: meta, content: data}
	s.mu.Unlock()

	out := meta
	return &out, nil
}

func (s *InMemoryBlobStore) Download(ctx context.Context, id string) (io.ReadCloser, *BlobMetadata, error) {
	s.mu.RLock()
	blob, ok := s.blobs[memKey(ctx, id)]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, ErrBlobNotFound
	}
	meta := blob.metadata
	return io.NopCloser(bytes.NewReader(blob.content)), &meta, nil
}

func (s *InMemoryBlobStore) GetMetadata(ctx context.Context, id string) (*BlobMetadata, error) {
	s.mu.RLock()
	blob, ok := s.blobs[memKey(ctx, id)]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrBlobNotFound
	}
	meta := blob.metadata
	return &meta, nil
}

func (s *InMemoryBlobStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memKey(ctx, id)
	if _, ok := s.blobs[key]; !ok {
		return ErrBlobNotFound
	}
	delete(s.blobs, key)
	return nil
}

// ListByPatient returns the tenant's blobs for a patient, newest first,
// optionally filtered by category.
func (s *InMemoryBlobStore) ListByPatient(ctx context.Context, patientID, category string) ([]*BlobMetadata, error) {
	prefix := tenantOf(ctx) + "/"

	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*BlobMetadata
	for key, b := range s.blobs {
		if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
			continue
		}
		if b.metadata.PatientID != patientID {
			continue
		}
		if category != "" && b.metadata.Category != category {
			continue
		}
		m := b.metadata
		matched = append(matched, &m)
	}
	sortByCreated(matched)
	return matched, nil
}

func (s *InMemoryBlobStore) Ping(context.Context) error { return nil }
