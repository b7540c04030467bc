package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

type memoryObject struct {
	data []byte
	info Info
}

// MemoryStore keeps objects in process. Used in tests and when no object
// storage endpoint is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: map[string]memoryObject{}, now: time.Now}
}

func (s *MemoryStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (Info, error) {
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return Info{}, fmt.Errorf("read body for %s: %w", key, err)
	}
	if size >= 0 && int64(len(data)) != size {
		return Info{}, fmt.Errorf("put object %s: expected %d bytes, got %d", key, size, len(data))
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	info := Info{Key: key, Size: int64(len(data)), ContentType: contentType, ModifiedAt: s.now().UTC()}

	s.mu.Lock()
	s.objects[key] = memoryObject{data: data, info: info}
	s.mu.Unlock()
	return info, nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (io.ReadCloser, Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, Info{}, err
	}
	s.mu.RLock()
	object, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, Info{}, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	return io.NopCloser(bytes.NewReader(object.data)), object.info, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; !ok {
		return fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	delete(s.objects, key)
	return nil
}

func (s *MemoryStore) PresignGet(context.Context, string, time.Duration) (string, error) {
	return "", ErrPresignUnsupported
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
