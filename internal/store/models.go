package store

import "time"

// User is an identity record. UserID is the opaque id issued by the external
// identity provider; it is the only id callers outside this process ever hold.
type User struct {
	ID        string
	UserID    string
	Username  string
	Name      string
	Bio       string
	Image     string
	Onboarded bool
	CreatedAt time.Time
}

// Community is a group account. CommunityID is the external organization id
// pushed by the identity provider's webhook.
type Community struct {
	ID          string
	CommunityID string
	Username    string
	Name        string
	Bio         string
	Image       string
	CreatedBy   string
	CreatedAt   time.Time
}

// Thread is a post when ParentID is nil and a reply otherwise. Children are
// derived from ParentID, so a reply's membership in its parent's child list
// and its back-reference are the same row.
type Thread struct {
	ID          string
	Body        string
	AuthorID    string
	CommunityID *string
	ParentID    *string
	CreatedAt   time.Time
}
