package backup

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/anoint-array/platform/internal/domain/account"
	"github.com/anoint-array/platform/internal/domain/download"
	"github.com/anoint-array/platform/internal/domain/marketing"
	"github.com/anoint-array/platform/internal/domain/order"
)

// SnapshotVersion is the current snapshot file format.
const SnapshotVersion = 1

// TableCounts maps a table name to its row count. Stored as a JSON column.
type TableCounts map[string]int

// Value implements driver.Valuer.
func (t TableCounts) Value() (driver.Value, error) {
	if t == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(t)
}

// Scan implements sql.Scanner.
func (t *TableCounts) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*t = nil
		return nil
	case []byte:
		return json.Unmarshal(v, t)
	case string:
		return json.Unmarshal([]byte(v), t)
	default:
		return fmt.Errorf("unsupported table counts type %T", src)
	}
}

// Record describes a backup file written to disk.
type Record struct {
	ID        string      `json:"id" db:"id"`
	FileName  string      `json:"file_name" db:"file_name"`
	SizeBytes int64       `json:"size_bytes" db:"size_bytes"`
	Checksum  string      `json:"checksum" db:"checksum"`
	Tables    TableCounts `json:"tables" db:"tables"`
	CreatedBy string      `json:"created_by" db:"created_by"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
}

// Snapshot is the full content of a backup file.
type Snapshot struct {
	Version   int                           `json:"version"`
	CreatedAt time.Time                     `json:"created_at"`
	Profiles  []account.Profile             `json:"profiles"`
	Orders    []order.Order                 `json:"orders"`
	Labels    []order.ShippingLabel         `json:"shipping_labels"`
	Grants    []download.Grant              `json:"digital_downloads"`
	Waitlist  []marketing.WaitlistEntry     `json:"vip_waitlist"`
	Contacts  []marketing.ContactSubmission `json:"contact_submissions"`
}

// Counts returns the number of rows per table.
func (s *Snapshot) Counts() TableCounts {
	return TableCounts{
		"profiles":            len(s.Profiles),
		"orders":              len(s.Orders),
		"shipping_labels":     len(s.Labels),
		"digital_downloads":   len(s.Grants),
		"vip_waitlist":        len(s.Waitlist),
		"contact_submissions": len(s.Contacts),
	}
}
