// Package memory keeps artifacts and fetch records in process memory.
package memory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// Object is a stored artifact.
type Object struct {
	Data        []byte
	ContentType string
}

// BlobStore keeps artifacts keyed by object name and hands out memory:// URIs.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string]Object
}

// NewBlobStore creates an empty BlobStore.
func NewBlobStore() *BlobStore {
	return &BlobStore{objects: make(map[string]Object)}
}

// PutObject buffers data under name, replacing any previous object.
func (s *BlobStore) PutObject(ctx context.Context, name string, contentType string, data io.Reader) (string, error) {
	name = strings.Trim(strings.TrimSpace(name), "/")
	if name == "" {
		return "", errors.New("object name is required")
	}
	buf, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("buffer object %s: %w", name, err)
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("put object canceled: %w", err)
	}

	s.mu.Lock()
	s.objects[name] = Object{Data: buf, ContentType: contentType}
	s.mu.Unlock()
	return "memory://" + name, nil
}

// Object returns a copy of the named artifact.
func (s *BlobStore) Object(name string) (Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[name]
	if !ok {
		return Object{}, false
	}
	obj.Data = append([]byte(nil), obj.Data...)
	return obj, true
}

// Names lists stored object names in lexical order.
func (s *BlobStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.objects))
	for name := range s.objects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
