package supabase

import (
	"context"

	"github.com/anoint-array/platform/internal/storage"
	"github.com/anoint-array/platform/supabase/client"
)

// Objects adapts Supabase Storage to storage.ObjectStore.
type Objects struct {
	client *client.Client
}

var _ storage.ObjectStore = (*Objects)(nil)

// NewObjects creates an object store over c.
func NewObjects(c *client.Client) *Objects {
	return &Objects{client: c}
}

// Put uploads data, replacing an existing object.
func (o *Objects) Put(ctx context.Context, bucket, path string, data []byte, contentType string) error {
	return mapError("upload "+bucket, o.client.Storage().From(bucket).Upload(ctx, path, data, contentType, true))
}

// Get downloads an object.
func (o *Objects) Get(ctx context.Context, bucket, path string) ([]byte, error) {
	data, err := o.client.Storage().From(bucket).Download(ctx, path)
	if err != nil {
		return nil, mapError("download "+bucket, err)
	}
	return data, nil
}

// Delete removes an object.
func (o *Objects) Delete(ctx context.Context, bucket, path string) error {
	return mapError("delete "+bucket, o.client.Storage().From(bucket).Delete(ctx, []string{path}))
}

