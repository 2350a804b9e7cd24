package storage

import "context"

// Buckets used by the platform.
const (
	BucketSealArrays = "seal-arrays"
	BucketGlyphSets  = "glyph_sets"
	BucketTemplates  = "templates"
	BucketSamples    = "samples"
)

// ObjectStore stores binary objects in named buckets.
type ObjectStore interface {
	Put(ctx context.Context, bucket, path string, data []byte, contentType string) error
	// Get returns ErrNotFound when the object does not exist.
	Get(ctx context.Context, bucket, path string) ([]byte, error)
	Delete(ctx context.Context, bucket, path string) error
}
