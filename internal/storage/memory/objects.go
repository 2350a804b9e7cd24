package memory

import (
	"context"
	"sync"

	"github.com/anoint-array/platform/internal/storage"
)

// Objects is an in-memory storage.ObjectStore.
type Objects struct {
	mu      sync.RWMutex
	objects map[string][]byte
	types   map[string]string
}

var _ storage.ObjectStore = (*Objects)(nil)

// NewObjects creates an empty object store.
func NewObjects() *Objects {
	return &Objects{
		objects: make(map[string][]byte),
		types:   make(map[string]string),
	}
}

func objectKey(bucket, path string) string {
	return bucket + "/" + path
}

// Put stores a copy of data, replacing any existing object.
func (o *Objects) Put(_ context.Context, bucket, path string, data []byte, contentType string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	key := objectKey(bucket, path)
	o.objects[key] = append([]byte(nil), data...)
	o.types[key] = contentType
	return nil
}

// Get returns a copy of the object.
func (o *Objects) Get(_ context.Context, bucket, path string) ([]byte, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	data, ok := o.objects[objectKey(bucket, path)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// Delete removes the object if present.
func (o *Objects) Delete(_ context.Context, bucket, path string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	key := objectKey(bucket, path)
	delete(o.objects, key)
	delete(o.types, key)
	return nil
}

// ContentType returns the content type an object was stored with.
func (o *Objects) ContentType(bucket, path string) string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.types[objectKey(bucket, path)]
}
