package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// =============================================================================
// Storage Operations
// =============================================================================

// Storage returns a storage client.
func (c *Client) Storage() *StorageClient {
	return &StorageClient{client: c}
}

// StorageClient handles storage operations.
type StorageClient struct {
	client *Client
}

// From returns a bucket client.
func (s *StorageClient) From(bucket string) *BucketClient {
	return &BucketClient{
		client: s.client,
		bucket: bucket,
	}
}

// BucketClient handles bucket operations.
type BucketClient struct {
	client *Client
	bucket string
}

func (b *BucketClient) objectURL(path string) string {
	return fmt.Sprintf("%s/storage/v1/object/%s/%s", b.client.baseURL, b.bucket, strings.TrimPrefix(path, "/"))
}

// Upload stores data at path. With upsert an existing object is replaced.
func (b *BucketClient) Upload(ctx context.Context, path string, data []byte, contentType string, upsert bool) error {
	req, err := newRequest(ctx, http.MethodPost, b.objectURL(path), data)
	if err != nil {
		return err
	}

	b.client.setHeaders(req, b.client.apiKey)
	req.Header.Set("Content-Type", contentType)
	if upsert {
		req.Header.Set("x-upsert", "true")
	}

	return b.client.doJSON(req, nil)
}

// Download downloads a file.
func (b *BucketClient) Download(ctx context.Context, path string) ([]byte, error) {
	req, err := newRequest(ctx, http.MethodGet, b.objectURL(path), nil)
	if err != nil {
		return nil, err
	}
	b.client.setHeaders(req, b.client.apiKey)
	req.Header.Set("Accept", "*/*")

	resp, err := b.client.do(req)
	if err != nil {
		return nil, err
	}
	if err := resp.Error(); err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Delete deletes files.
func (b *BucketClient) Delete(ctx context.Context, paths []string) error {
	body, err := json.Marshal(map[string][]string{"prefixes": paths})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := newRequest(ctx, http.MethodDelete, fmt.Sprintf("%s/storage/v1/object/%s", b.client.baseURL, b.bucket), body)
	if err != nil {
		return err
	}
	b.client.setHeaders(req, b.client.apiKey)
	req.Header.Set("Content-Type", "application/json")

	return b.client.doJSON(req, nil)
}

// GetPublicURL returns the public URL for a file in a public bucket.
func (b *BucketClient) GetPublicURL(path string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", b.client.baseURL, b.bucket, strings.TrimPrefix(path, "/"))
}

// CreateSignedURL returns a time-limited URL for a private object.
func (b *BucketClient) CreateSignedURL(ctx context.Context, path string, expiresInSeconds int) (string, error) {
	body, err := json.Marshal(map[string]int{"expiresIn": expiresInSeconds})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	reqURL := fmt.Sprintf("%s/storage/v1/object/sign/%s/%s", b.client.baseURL, b.bucket, strings.TrimPrefix(path, "/"))
	req, err := newRequest(ctx, http.MethodPost, reqURL, body)
	if err != nil {
		return "", err
	}
	b.client.setHeaders(req, b.client.apiKey)
	req.Header.Set("Content-Type", "application/json")

	var out struct {
		SignedURL string `json:"signedURL"`
	}
	if err := b.client.doJSON(req, &out); err != nil {
		return "", err
	}
	if out.SignedURL == "" {
		return "", fmt.Errorf("storage returned empty signed URL")
	}
	return b.client.baseURL + "/storage/v1" + out.SignedURL, nil
}
