// Package sealarray computes numerology profiles and renders personalized
// seal array images.
package sealarray

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	svcerrors "github.com/anoint-array/platform/internal/errors"
	"github.com/anoint-array/platform/internal/logging"
	"github.com/anoint-array/platform/internal/storage"
)

const (
	ServiceID = "sealarray"

	// MaxImageUpload bounds template and sample uploads.
	MaxImageUpload = 10 << 20

	activeGlyphPath = "active.json"
)

// ImageKind selects the bucket an uploaded image goes to.
type ImageKind string

const (
	KindTemplate ImageKind = "templates"
	KindSample   ImageKind = "samples"
)

var imageExtensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/webp": ".webp",
}

// Artifact describes a generated seal array.
type Artifact struct {
	Path    string  `json:"path"`
	Bucket  string  `json:"bucket"`
	Size    int     `json:"size"`
	Profile Profile `json:"profile"`
}

// Upload describes a stored template or sample image.
type Upload struct {
	Bucket      string `json:"bucket"`
	Path        string `json:"path"`
	ContentType string `json:"content_type"`
	SizeBytes   int    `json:"size_bytes"`
}

// Service renders seal arrays and manages glyph sets and reference images.
type Service struct {
	objects storage.ObjectStore
	logger  *logging.Logger
	now     func() time.Time

	mu     sync.RWMutex
	active *GlyphSet
}

// New creates the service.
func New(objects storage.ObjectStore, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{objects: objects, logger: logger, now: time.Now}
}

// ArtifactPath is the storage path of an order's image.
func ArtifactPath(orderID string) string {
	return "orders/" + orderID + ".png"
}

// Preview computes the profile without rendering.
func (s *Service) Preview(name, birthDate string) (Profile, error) {
	return NewProfile(name, birthDate)
}

// Generate renders the seal array for an order and uploads it. Repeating a
// call for the same order overwrites the object with identical bytes.
func (s *Service) Generate(ctx context.Context, orderID, name, birthDate string, size int) (*Artifact, error) {
	if strings.TrimSpace(orderID) == "" {
		return nil, svcerrors.InvalidInput("order id is required")
	}
	profile, err := NewProfile(name, birthDate)
	if err != nil {
		return nil, err
	}
	glyphs, err := s.ActiveGlyphs(ctx)
	if err != nil {
		return nil, err
	}

	size = ClampSize(size)
	start := s.now()
	img, err := Render(profile, glyphs, size)
	if err != nil {
		return nil, svcerrors.Internal("failed to render seal array", err)
	}

	p := ArtifactPath(orderID)
	if err := s.objects.Put(ctx, storage.BucketSealArrays, p, img, "image/png"); err != nil {
		return nil, svcerrors.Upstream("storage", true, err)
	}

	s.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"order_id":  orderID,
		"path":      p,
		"bytes":     len(img),
		"life_path": profile.LifePath,
		"duration":  s.now().Sub(start).String(),
	}).Info("seal array generated")

	return &Artifact{Path: p, Bucket: storage.BucketSealArrays, Size: size, Profile: profile}, nil
}

// ActiveGlyphs returns the cached glyph set, loading it from storage on
// first use. The built-in set is used when none was uploaded.
func (s *Service) ActiveGlyphs(ctx context.Context) (*GlyphSet, error) {
	s.mu.RLock()
	cached := s.active
	s.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	data, err := s.objects.Get(ctx, storage.BucketGlyphSets, activeGlyphPath)
	var set *GlyphSet
	switch {
	case stderrors.Is(err, storage.ErrNotFound):
		set = DefaultGlyphs()
	case err != nil:
		return nil, svcerrors.Upstream("storage", true, err)
	default:
		set = &GlyphSet{}
		if err := json.Unmarshal(data, set); err != nil {
			s.logger.WithError(err).Warn("stored glyph set is unreadable, using defaults")
			set = DefaultGlyphs()
		}
	}

	s.mu.Lock()
	if s.active == nil {
		s.active = set
	}
	set = s.active
	s.mu.Unlock()
	return set, nil
}

// UploadGlyphs parses a glyph CSV, stores it as the active set and keeps a
// timestamped copy.
func (s *Service) UploadGlyphs(ctx context.Context, name string, csvData []byte) (*GlyphSet, error) {
	glyphs, err := ParseGlyphCSV(bytes.NewReader(csvData))
	if err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = "uploaded"
	}
	set := &GlyphSet{Name: name, Glyphs: glyphs}
	data, err := json.Marshal(set)
	if err != nil {
		return nil, svcerrors.Internal("failed to encode glyph set", err)
	}

	archive := fmt.Sprintf("sets/%s.json", s.now().UTC().Format("20060102T150405Z"))
	if err := s.objects.Put(ctx, storage.BucketGlyphSets, archive, data, "application/json"); err != nil {
		return nil, svcerrors.Upstream("storage", true, err)
	}
	if err := s.objects.Put(ctx, storage.BucketGlyphSets, activeGlyphPath, data, "application/json"); err != nil {
		return nil, svcerrors.Upstream("storage", true, err)
	}

	s.mu.Lock()
	s.active = set
	s.mu.Unlock()

	s.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"name":   name,
		"glyphs": len(glyphs),
	}).Info("glyph set uploaded")
	return set, nil
}

// UploadImage stores a template or sample image. The content type is
// sniffed from the data; the client-supplied name only contributes its
// base name.
func (s *Service) UploadImage(ctx context.Context, kind ImageKind, filename string, data []byte) (*Upload, error) {
	var bucket string
	switch kind {
	case KindTemplate:
		bucket = storage.BucketTemplates
	case KindSample:
		bucket = storage.BucketSamples
	default:
		return nil, svcerrors.InvalidInput("unknown image kind")
	}
	if len(data) == 0 {
		return nil, svcerrors.InvalidInput("file is empty")
	}
	if len(data) > MaxImageUpload {
		return nil, svcerrors.InvalidInput("file exceeds 10 MiB").WithDetails("limit_bytes", MaxImageUpload)
	}
	contentType := http.DetectContentType(data)
	ext, ok := imageExtensions[contentType]
	if !ok {
		return nil, svcerrors.InvalidFormat("file", "PNG, JPEG or WEBP image")
	}

	base := strings.TrimSuffix(path.Base(strings.ReplaceAll(filename, "\\", "/")), path.Ext(filename))
	base = sanitizeName(base)
	objectPath := uuid.NewString() + ext
	if base != "" {
		objectPath = base + "-" + objectPath
	}

	if err := s.objects.Put(ctx, bucket, objectPath, data, contentType); err != nil {
		return nil, svcerrors.Upstream("storage", true, err)
	}
	s.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"bucket": bucket,
		"path":   objectPath,
		"bytes":  len(data),
	}).Info("image uploaded")
	return &Upload{Bucket: bucket, Path: objectPath, ContentType: contentType, SizeBytes: len(data)}, nil
}

func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == ' ':
			b.WriteByte('-')
		}
		if b.Len() >= 48 {
			break
		}
	}
	return strings.Trim(b.String(), "-")
}
