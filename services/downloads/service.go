// Package downloads issues and validates time- and count-limited download
// links for purchased seal arrays.
package downloads

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/anoint-array/platform/internal/config"
	"github.com/anoint-array/platform/internal/domain/download"
	"github.com/anoint-array/platform/internal/domain/order"
	svcerrors "github.com/anoint-array/platform/internal/errors"
	"github.com/anoint-array/platform/internal/logging"
	"github.com/anoint-array/platform/internal/metrics"
	"github.com/anoint-array/platform/internal/storage"
)

const (
	ServiceID = "downloads"

	tokenBytes = 32
)

var (
	hkdfSalt = []byte("anoint-downloads")
	hkdfInfo = []byte("download-token-v1")
)

// Reason explains why a token was refused.
type Reason string

const (
	ReasonInvalid    Reason = "invalid"
	ReasonExpired    Reason = "expired"
	ReasonExhausted  Reason = "exhausted"
	ReasonSuspicious Reason = "suspicious"
)

// RefusedError is returned when a token cannot be used.
type RefusedError struct {
	Reason Reason
}

func (e *RefusedError) Error() string {
	return "download refused: " + string(e.Reason)
}

func refused(reason Reason) error {
	cause := &RefusedError{Reason: reason}
	se := &svcerrors.ServiceError{Err: cause}
	switch reason {
	case ReasonExpired:
		se.Code, se.HTTPStatus, se.Message = svcerrors.CodeNotFound, http.StatusGone, "Download link has expired"
	case ReasonExhausted:
		se.Code, se.HTTPStatus, se.Message = svcerrors.CodeRateLimitExceeded, http.StatusTooManyRequests, "Download limit reached"
	case ReasonSuspicious:
		se.Code, se.HTTPStatus, se.Message = svcerrors.CodeForbidden, http.StatusForbidden, "Download link used from too many locations"
	default:
		se.Code, se.HTTPStatus, se.Message = svcerrors.CodeNotFound, http.StatusNotFound, "Download link is invalid"
	}
	return se.WithDetails("reason", string(reason))
}

// ReasonOf extracts the refusal reason from err.
func ReasonOf(err error) (Reason, bool) {
	var re *RefusedError
	if stderrors.As(err, &re) {
		return re.Reason, true
	}
	return "", false
}

// Issued is a freshly created grant with its one-time plaintext token.
type Issued struct {
	Token string         `json:"token"`
	URL   string         `json:"url"`
	Grant download.Grant `json:"grant"`
}

// Config wires the service.
type Config struct {
	Settings config.DownloadsConfig
	Bundle   config.BundleConfig
	// BaseURL prefixes links as <BaseURL>/api/downloads/<token>.
	BaseURL string
	Grants  storage.DownloadStore
	Objects storage.ObjectStore
	Guard   IPGuard
	Metrics *metrics.Metrics
	Logger  *logging.Logger
}

// Service manages download grants.
type Service struct {
	settings config.DownloadsConfig
	bundle   config.BundleConfig
	baseURL  string
	key      []byte
	grants   storage.DownloadStore
	objects  storage.ObjectStore
	guard    IPGuard
	metrics  *metrics.Metrics
	logger   *logging.Logger
	now      func() time.Time
}

// New creates the service. Without a signing secret a random one is used,
// so links do not survive a restart.
func New(cfg Config) (*Service, error) {
	if cfg.Grants == nil || cfg.Objects == nil {
		return nil, fmt.Errorf("downloads: grant and object stores are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	settings := cfg.Settings
	if settings.TTL <= 0 {
		settings.TTL = 72 * time.Hour
	}
	if settings.MaxDownloads <= 0 {
		settings.MaxDownloads = 5
	}
	if settings.MaxDistinctIPs <= 0 {
		settings.MaxDistinctIPs = 3
	}

	secret := []byte(settings.SigningSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("downloads: generate secret: %w", err)
		}
		logger.Warn("DOWNLOAD_SIGNING_SECRET not set; download links will not survive a restart")
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, hkdfSalt, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("downloads: derive key: %w", err)
	}

	guard := cfg.Guard
	if guard == nil {
		guard = NewMemoryGuard()
	}
	return &Service{
		settings: settings,
		bundle:   cfg.Bundle,
		baseURL:  strings.TrimSuffix(cfg.BaseURL, "/"),
		key:      key,
		grants:   cfg.Grants,
		objects:  cfg.Objects,
		guard:    guard,
		metrics:  cfg.Metrics,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// HashToken returns the keyed hash stored in place of token.
func (s *Service) HashToken(token string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// URL returns the public link for token.
func (s *Service) URL(token string) string {
	return s.baseURL + "/api/downloads/" + token
}

// Issue creates a grant for an order. The plaintext token is only ever
// returned here.
func (s *Service) Issue(ctx context.Context, orderID, userID, fileName string) (*Issued, error) {
	if orderID == "" {
		return nil, svcerrors.InvalidInput("order id is required")
	}
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, svcerrors.Internal("failed to generate token", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	now := s.now().UTC()
	grant, err := s.grants.CreateGrant(ctx, download.Grant{
		OrderID:      orderID,
		UserID:       userID,
		TokenHash:    s.HashToken(token),
		FileName:     fileName,
		MaxDownloads: s.settings.MaxDownloads,
		ExpiresAt:    now.Add(s.settings.TTL),
		CreatedAt:    now,
	})
	if err != nil {
		return nil, svcerrors.Internal("failed to store download grant", err)
	}

	s.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"order_id":   orderID,
		"grant_id":   grant.ID,
		"expires_at": grant.ExpiresAt,
	}).Info("download grant issued")
	return &Issued{Token: token, URL: s.URL(token), Grant: grant}, nil
}

// Validate checks token for clientIP. Checks run in order: unknown token,
// expiry, download count, then distinct IPs. The IP is recorded before the
// distinct-IP check.
func (s *Service) Validate(ctx context.Context, token, clientIP string) (*download.Grant, error) {
	grant, err := s.validate(ctx, token, clientIP)
	if err != nil {
		if reason, ok := ReasonOf(err); ok {
			s.metrics.RecordDownload(string(reason))
			if reason == ReasonSuspicious {
				s.logger.LogSecurityEvent(ctx, "download_suspicious", map[string]interface{}{
					"grant_id": grant.ID,
					"ip":       clientIP,
				})
			}
		}
		return nil, err
	}
	return grant, nil
}

func (s *Service) validate(ctx context.Context, token, clientIP string) (*download.Grant, error) {
	token = strings.TrimSpace(token)
	if token == "" || len(token) > 128 {
		return &download.Grant{}, refused(ReasonInvalid)
	}
	grant, err := s.grants.GetGrantByTokenHash(ctx, s.HashToken(token))
	if stderrors.Is(err, storage.ErrNotFound) {
		return &download.Grant{}, refused(ReasonInvalid)
	}
	if err != nil {
		return &download.Grant{}, svcerrors.Internal("failed to load download grant", err)
	}

	if grant.Expired(s.now()) {
		return &grant, refused(ReasonExpired)
	}
	if grant.Exhausted() {
		return &grant, refused(ReasonExhausted)
	}
	distinct, err := s.guard.RecordIP(ctx, grant.ID, clientIP, grant.ExpiresAt)
	if err != nil {
		return &grant, svcerrors.Upstream("redis", true, err)
	}
	if distinct > s.settings.MaxDistinctIPs {
		return &grant, refused(ReasonSuspicious)
	}
	return &grant, nil
}

// Consume validates token and counts one download.
func (s *Service) Consume(ctx context.Context, token, clientIP string) (*download.Grant, error) {
	grant, err := s.Validate(ctx, token, clientIP)
	if err != nil {
		return nil, err
	}
	return s.count(ctx, grant)
}

func (s *Service) count(ctx context.Context, grant *download.Grant) (*download.Grant, error) {
	updated, err := s.grants.IncrementDownload(ctx, grant.ID, s.now().UTC())
	if stderrors.Is(err, storage.ErrConflict) {
		s.metrics.RecordDownload(string(ReasonExhausted))
		return nil, refused(ReasonExhausted)
	}
	if err != nil {
		return nil, svcerrors.Internal("failed to record download", err)
	}
	s.metrics.RecordDownload("ok")
	s.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"grant_id": updated.ID,
		"order_id": updated.OrderID,
		"count":    updated.DownloadCount,
	}).Info("download consumed")
	return &updated, nil
}

// ActiveGrants counts grants that can still be used.
func (s *Service) ActiveGrants(ctx context.Context) (int, error) {
	grants, err := s.grants.ListGrants(ctx, "")
	if err != nil {
		return 0, err
	}
	now := s.now()
	n := 0
	for i := range grants {
		if grants[i].Active(now) {
			n++
		}
	}
	return n, nil
}

// OrderLoader fetches the order behind a grant.
type OrderLoader interface {
	GetOrder(ctx context.Context, id string) (order.Order, error)
}

// Serve validates token, builds the bundle for its order and streams it.
// The download is only counted once the bundle is ready.
func (s *Service) Serve(ctx context.Context, w http.ResponseWriter, orders OrderLoader, token, clientIP string) error {
	grant, err := s.Validate(ctx, token, clientIP)
	if err != nil {
		return err
	}
	o, err := orders.GetOrder(ctx, grant.OrderID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return svcerrors.NotFound("order", grant.OrderID)
		}
		return svcerrors.Internal("failed to load order", err)
	}

	var buf bytes.Buffer
	if err := s.WriteBundle(ctx, &buf, &o); err != nil {
		return err
	}
	if _, err := s.count(ctx, grant); err != nil {
		return err
	}

	name := grant.FileName
	if name == "" {
		name = BundleName(&o)
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, err = w.Write(buf.Bytes())
	return err
}
