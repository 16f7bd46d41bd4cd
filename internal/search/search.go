// Package search provides the user and community directory search, backed by
// Meilisearch when configured and healthy, with a Postgres fallback.
package search

import "context"

// Query describes a directory search request.
type Query struct {
	Text          string
	ExcludeUserID string // external id left out of user results
	Offset        int
	Limit         int
	SortDesc      bool // by creation time
}

// UserRecord is the data indexed and returned for a user directory entry.
type UserRecord struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	Name      string `json:"name"`
	Bio       string `json:"bio"`
	Image     string `json:"image"`
	CreatedAt int64  `json:"createdAt"`
}

// CommunityRecord is the data indexed and returned for a community entry.
type CommunityRecord struct {
	ID          string `json:"id"`
	CommunityID string `json:"communityId"`
	Username    string `json:"username"`
	Name        string `json:"name"`
	Bio         string `json:"bio"`
	Image       string `json:"image"`
	CreatedAt   int64  `json:"createdAt"`
}

// Directory can answer paginated directory queries.
type Directory interface {
	SearchUsers(ctx context.Context, q Query) ([]UserRecord, int, error)
	SearchCommunities(ctx context.Context, q Query) ([]CommunityRecord, int, error)
}
