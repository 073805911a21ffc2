package plan

//go:generate mockgen -source=ports.go -destination=mocks/mocks.go -package=mocks Renderer,BlobStore

import (
	"context"
	"sync"

	id "heirloom/pkg/domain"
)

// RenderedDoc is the renderer's output for one document.
type RenderedDoc struct {
	Bytes           []byte
	RendererVersion string
}

// Renderer is the port to the external document renderer. Implementations
// must be deterministic for the same inputs and renderer version, and must
// return errors coded renderer_transient or renderer_permanent.
type Renderer interface {
	Render(ctx context.Context, docType id.DocType, state id.StateCode, answers map[string]any) (*RenderedDoc, error)
}

// BlobStore is the port to content-addressed document storage. Put is
// idempotent: writing the same hash twice is a no-op.
type BlobStore interface {
	Put(ctx context.Context, contentHash string, data []byte) error
	Get(ctx context.Context, contentHash string) ([]byte, error)
}

// InMemoryBlobStore backs tests and local development.
type InMemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewInMemoryBlobStore() *InMemoryBlobStore {
	return &InMemoryBlobStore{blobs: make(map[string][]byte)}
}

func (s *InMemoryBlobStore) Put(_ context.Context, contentHash string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.blobs[contentHash]; exists {
		return nil
	}
	s.blobs[contentHash] = append([]byte(nil), data...)
	return nil
}

func (s *InMemoryBlobStore) Get(_ context.Context, contentHash string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[contentHash]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), data...), nil
}

// Len reports how many blobs are stored. Test helper.
func (s *InMemoryBlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
