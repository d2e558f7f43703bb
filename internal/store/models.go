package store

import "time"

type User struct {
	ID           string
	DisplayName  string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

type Logbook struct {
	ID        string
	Name      string
	Slug      string
	Theme     string
	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Membership ties a user to a logbook with one of parent, family or friend.
type Membership struct {
	LogbookID string
	UserID    string
	Role      string
	CreatedAt time.Time
	// Joined fields for API responses
	DisplayName string
	Email       string
}

// Override is the persisted deviation of one section from its defaults.
// A nil Visible inherits the default visibility.
type Override struct {
	LogbookID  string
	PageType   string
	SectionKey string
	Visible    *bool
	Fields     map[string]any
	UpdatedBy  string
	UpdatedAt  time.Time
}

// OverridePatch carries only the parts of an override being changed. Fields
// absent from the patch are left untouched.
type OverridePatch struct {
	Visible   *bool
	Fields    map[string]any
	UpdatedBy string
}

// OverrideKey identifies an override row without its payload.
type OverrideKey struct {
	LogbookID  string
	PageType   string
	SectionKey string
}

type Invite struct {
	Token      string
	LogbookID  string
	Email      string
	Role       string
	InvitedBy  string
	ExpiresAt  time.Time
	RedeemedAt *time.Time
	RedeemedBy string
	CreatedAt  time.Time
}

type Media struct {
	ID          string
	LogbookID   string
	ObjectKey   string
	Filename    string
	ContentType string
	SizeBytes   int64
	Caption     string
	UploadedBy  string
	CreatedAt   time.Time
}


// MemberLogbook is a logbook as seen by one of its members.
type MemberLogbook struct {
	Logbook
	Role string
}
