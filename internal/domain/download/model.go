package download

import "time"

// Grant entitles the holder of a download token to fetch an order's bundle.
// TokenHash holds the keyed hash of the token; the token itself is never
// stored.
type Grant struct {
	ID               string     `json:"id" db:"id"`
	OrderID          string     `json:"order_id" db:"order_id"`
	UserID           string     `json:"user_id" db:"user_id"`
	TokenHash        string     `json:"token_hash" db:"token_hash"`
	FileName         string     `json:"file_name" db:"file_name"`
	MaxDownloads     int        `json:"max_downloads" db:"max_downloads"`
	DownloadCount    int        `json:"download_count" db:"download_count"`
	ExpiresAt        time.Time  `json:"expires_at" db:"expires_at"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	LastDownloadedAt *time.Time `json:"last_downloaded_at,omitempty" db:"last_downloaded_at"`
}

// Expired reports whether the grant has expired at now.
func (g *Grant) Expired(now time.Time) bool {
	return !now.Before(g.ExpiresAt)
}

// Exhausted reports whether every allowed download has been used.
func (g *Grant) Exhausted() bool {
	return g.DownloadCount >= g.MaxDownloads
}

// Active reports whether the grant can still be used at now.
func (g *Grant) Active(now time.Time) bool {
	return !g.Expired(now) && !g.Exhausted()
}
