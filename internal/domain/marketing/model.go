package marketing

import "time"

// WaitlistEntry is a VIP waitlist signup. Email is unique, case-insensitive.
type WaitlistEntry struct {
	ID        string    `json:"id" db:"id"`
	Email     string    `json:"email" db:"email"`
	Name      string    `json:"name,omitempty" db:"name"`
	Source    string    `json:"source,omitempty" db:"source"`
	Confirmed bool      `json:"confirmed" db:"confirmed"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ContactStatus tracks admin triage of a contact submission.
type ContactStatus string

const (
	ContactNew      ContactStatus = "new"
	ContactRead     ContactStatus = "read"
	ContactArchived ContactStatus = "archived"
)

// Valid reports whether s is a known contact status.
func (s ContactStatus) Valid() bool {
	return s == ContactNew || s == ContactRead || s == ContactArchived
}

// ContactSubmission is a message from the public contact form.
type ContactSubmission struct {
	ID        string        `json:"id" db:"id"`
	Name      string        `json:"name" db:"name"`
	Email     string        `json:"email" db:"email"`
	Subject   string        `json:"subject" db:"subject"`
	Message   string        `json:"message" db:"message"`
	Status    ContactStatus `json:"status" db:"status"`
	CreatedAt time.Time     `json:"created_at" db:"created_at"`
}
