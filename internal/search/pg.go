package search

import (
	"context"
	"database/sql"
	"fmt"
)

// PgDirectory answers directory queries with ILIKE substring matching
// straight from Postgres. It is the fallback when Meilisearch is not
// configured or unhealthy.
type PgDirectory struct {
	db *sql.DB
}

func NewPgDirectory(db *sql.DB) *PgDirectory {
	return &PgDirectory{db: db}
}

func (p *PgDirectory) SearchUsers(ctx context.Context, q Query) ([]UserRecord, int, error) {
	query := fmt.Sprintf(`
		SELECT id, user_id, username, name, bio, image
		FROM users
		WHERE user_id <> $1
		  AND ($2 = '' OR username ILIKE '%%' || $2 || '%%' OR name ILIKE '%%' || $2 || '%%')
		ORDER BY created_at %s
		OFFSET $3
		LIMIT $4
	`, sortOrder(q))
	rows, err := p.db.QueryContext(ctx, query, q.ExcludeUserID, q.Text, q.Offset, limitOrDefault(q))
	if err != nil {
		return nil, 0, fmt.Errorf("search users: %w", err)
	}
	defer rows.Close()

	results := make([]UserRecord, 0)
	for rows.Next() {
		var u UserRecord
		if err := rows.Scan(&u.ID, &u.UserID, &u.Username, &u.Name, &u.Bio, &u.Image); err != nil {
			return nil, 0, fmt.Errorf("scan user result: %w", err)
		}
		results = append(results, u)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate user results: %w", err)
	}

	var total int
	if err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM users
		WHERE user_id <> $1
		  AND ($2 = '' OR username ILIKE '%' || $2 || '%' OR name ILIKE '%' || $2 || '%')
	`, q.ExcludeUserID, q.Text).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count user results: %w", err)
	}
	return results, total, nil
}

func (p *PgDirectory) SearchCommunities(ctx context.Context, q Query) ([]CommunityRecord, int, error) {
	query := fmt.Sprintf(`
		SELECT id, community_id, username, name, bio, image
		FROM communities
		WHERE ($1 = '' OR username ILIKE '%%' || $1 || '%%' OR name ILIKE '%%' || $1 || '%%')
		ORDER BY created_at %s
		OFFSET $2
		LIMIT $3
	`, sortOrder(q))
	rows, err := p.db.QueryContext(ctx, query, q.Text, q.Offset, limitOrDefault(q))
	if err != nil {
		return nil, 0, fmt.Errorf("search communities: %w", err)
	}
	defer rows.Close()

	results := make([]CommunityRecord, 0)
	for rows.Next() {
		var c CommunityRecord
		if err := rows.Scan(&c.ID, &c.CommunityID, &c.Username, &c.Name, &c.Bio, &c.Image); err != nil {
			return nil, 0, fmt.Errorf("scan community result: %w", err)
		}
		results = append(results, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate community results: %w", err)
	}

	var total int
	if err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM communities
		WHERE ($1 = '' OR username ILIKE '%' || $1 || '%' OR name ILIKE '%' || $1 || '%')
	`, q.Text).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count community results: %w", err)
	}
	return results, total, nil
}

func sortOrder(q Query) string {
	if q.SortDesc {
		return "DESC"
	}
	return "ASC"
}

func limitOrDefault(q Query) int {
	if q.Limit <= 0 {
		return 20
	}
	return q.Limit
}
