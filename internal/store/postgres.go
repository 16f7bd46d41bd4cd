package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// violation (duplicate username, duplicate external id).
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- users ---

func (s *PostgresStore) UpsertUser(ctx context.Context, user User) (User, error) {
	const query = `
		INSERT INTO users (id, user_id, username, name, bio, image, onboarded)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE)
		ON CONFLICT (user_id)
		DO UPDATE SET username=EXCLUDED.username, name=EXCLUDED.name, bio=EXCLUDED.bio, image=EXCLUDED.image, onboarded=TRUE
		RETURNING id, user_id, username, name, bio, image, onboarded, created_at
	`
	var saved User
	err := s.db.QueryRowContext(ctx, query, user.ID, user.UserID, user.Username, user.Name, user.Bio, user.Image).Scan(
		&saved.ID,
		&saved.UserID,
		&saved.Username,
		&saved.Name,
		&saved.Bio,
		&saved.Image,
		&saved.Onboarded,
		&saved.CreatedAt,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return User{}, err
		}
		return User{}, fmt.Errorf("upsert user: %w", err)
	}
	return saved, nil
}

func (s *PostgresStore) GetUserByExternalID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, username, name, bio, image, onboarded, created_at
		FROM users
		WHERE user_id=$1
	`, userID).Scan(&user.ID, &user.UserID, &user.Username, &user.Name, &user.Bio, &user.Image, &user.Onboarded, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUsersByIDs(ctx context.Context, ids []string) ([]User, error) {
	if len(ids) == 0 {
		return []User{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, username, name, bio, image, onboarded, created_at
		FROM users
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("get users by ids: %w", err)
	}
	defer rows.Close()

	items := make([]User, 0, len(ids))
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.UserID, &user.Username, &user.Name, &user.Bio, &user.Image, &user.Onboarded, &user.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		items = append(items, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return items, nil
}

// ListAllUsers returns every user, oldest first. Used to seed the directory
// index on startup.
func (s *PostgresStore) ListAllUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, username, name, bio, image, onboarded, created_at
		FROM users
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list all users: %w", err)
	}
	defer rows.Close()

	items := make([]User, 0)
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.UserID, &user.Username, &user.Name, &user.Bio, &user.Image, &user.Onboarded, &user.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		items = append(items, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return items, nil
}

// --- communities ---

func (s *PostgresStore) UpsertCommunity(ctx context.Context, community Community) (Community, error) {
	const query = `
		INSERT INTO communities (id, community_id, username, name, bio, image, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (community_id)
		DO UPDATE SET username=EXCLUDED.username, name=EXCLUDED.name, bio=EXCLUDED.bio, image=EXCLUDED.image
		RETURNING id, community_id, username, name, bio, image, created_by, created_at
	`
	var saved Community
	err := s.db.QueryRowContext(ctx, query,
		community.ID, community.CommunityID, community.Username, community.Name, community.Bio, community.Image, community.CreatedBy,
	).Scan(&saved.ID, &saved.CommunityID, &saved.Username, &saved.Name, &saved.Bio, &saved.Image, &saved.CreatedBy, &saved.CreatedAt)
	if err != nil {
		return Community{}, fmt.Errorf("upsert community: %w", err)
	}
	return saved, nil
}

func (s *PostgresStore) GetCommunityByExternalID(ctx context.Context, communityID string) (Community, error) {
	var community Community
	err := s.db.QueryRowContext(ctx, `
		SELECT id, community_id, username, name, bio, image, created_by, created_at
		FROM communities
		WHERE community_id=$1
	`, communityID).Scan(&community.ID, &community.CommunityID, &community.Username, &community.Name, &community.Bio, &community.Image, &community.CreatedBy, &community.CreatedAt)
	if err != nil {
		return Community{}, err
	}
	return community, nil
}

func (s *PostgresStore) GetCommunitiesByIDs(ctx context.Context, ids []string) ([]Community, error) {
	if len(ids) == 0 {
		return []Community{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, community_id, username, name, bio, image, created_by, created_at
		FROM communities
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("get communities by ids: %w", err)
	}
	defer rows.Close()

	items := make([]Community, 0, len(ids))
	for rows.Next() {
		var community Community
		if err := rows.Scan(&community.ID, &community.CommunityID, &community.Username, &community.Name, &community.Bio, &community.Image, &community.CreatedBy, &community.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan community: %w", err)
		}
		items = append(items, community)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate communities: %w", err)
	}
	return items, nil
}

// ListAllCommunities returns every community, oldest first.
func (s *PostgresStore) ListAllCommunities(ctx context.Context) ([]Community, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, community_id, username, name, bio, image, created_by, created_at
		FROM communities
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list all communities: %w", err)
	}
	defer rows.Close()

	items := make([]Community, 0)
	for rows.Next() {
		var community Community
		if err := rows.Scan(&community.ID, &community.CommunityID, &community.Username, &community.Name, &community.Bio, &community.Image, &community.CreatedBy, &community.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan community: %w", err)
		}
		items = append(items, community)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate communities: %w", err)
	}
	return items, nil
}

// DeleteCommunity removes the community row; threads that referenced it are
// detached rather than deleted, since a thread survives its community.
func (s *PostgresStore) DeleteCommunity(ctx context.Context, communityID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete community: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE threads SET community_id=NULL
		WHERE community_id = (SELECT id FROM communities WHERE community_id=$1)
	`, communityID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("detach community threads: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM communities WHERE community_id=$1`, communityID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete community: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete community: %w", err)
	}
	return nil
}

func (s *PostgresStore) AddCommunityMember(ctx context.Context, communityID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO community_members (community_id, user_id)
		SELECT c.id, u.id
		FROM communities c, users u
		WHERE c.community_id=$1 AND u.user_id=$2
		ON CONFLICT (community_id, user_id) DO NOTHING
	`, communityID, userID)
	if err != nil {
		return fmt.Errorf("add community member: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveCommunityMember(ctx context.Context, communityID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM community_members cm
		USING communities c, users u
		WHERE cm.community_id = c.id AND cm.user_id = u.id
		  AND c.community_id=$1 AND u.user_id=$2
	`, communityID, userID)
	if err != nil {
		return fmt.Errorf("remove community member: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListCommunityMembers(ctx context.Context, communityID string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.user_id, u.username, u.name, u.bio, u.image, u.onboarded, u.created_at
		FROM community_members cm
		JOIN communities c ON c.id = cm.community_id
		JOIN users u ON u.id = cm.user_id
		WHERE c.community_id=$1
		ORDER BY cm.created_at ASC
	`, communityID)
	if err != nil {
		return nil, fmt.Errorf("list community members: %w", err)
	}
	defer rows.Close()

	items := make([]User, 0)
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.UserID, &user.Username, &user.Name, &user.Bio, &user.Image, &user.Onboarded, &user.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan community member: %w", err)
		}
		items = append(items, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate community members: %w", err)
	}
	return items, nil
}

// --- threads ---

func (s *PostgresStore) InsertThread(ctx context.Context, thread Thread) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO threads (id, body, author_id, community_id, parent_id)
		VALUES ($1, $2, $3, $4, $5)
	`, thread.ID, thread.Body, thread.AuthorID, thread.CommunityID, thread.ParentID)
	if err != nil {
		return fmt.Errorf("insert thread: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetThread(ctx context.Context, threadID string) (Thread, error) {
	var thread Thread
	err := s.db.QueryRowContext(ctx, `
		SELECT id, body, author_id, community_id, parent_id, created_at
		FROM threads
		WHERE id=$1
	`, threadID).Scan(&thread.ID, &thread.Body, &thread.AuthorID, &thread.CommunityID, &thread.ParentID, &thread.CreatedAt)
	if err != nil {
		return Thread{}, err
	}
	return thread, nil
}

func (s *PostgresStore) ListTopLevelThreads(ctx context.Context, offset, limit int) ([]Thread, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, body, author_id, community_id, parent_id, created_at
		FROM threads
		WHERE parent_id IS NULL
		ORDER BY created_at DESC
		OFFSET $1
		LIMIT $2
	`, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("list top-level threads: %w", err)
	}
	return scanThreads(rows)
}

func (s *PostgresStore) CountTopLevelThreads(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM threads WHERE parent_id IS NULL`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count top-level threads: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) ListThreadsByAuthor(ctx context.Context, authorID string, topLevelOnly bool) ([]Thread, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, body, author_id, community_id, parent_id, created_at
		FROM threads
		WHERE author_id=$1
		  AND (NOT $2::boolean OR parent_id IS NULL)
		ORDER BY created_at ASC
	`, authorID, topLevelOnly)
	if err != nil {
		return nil, fmt.Errorf("list threads by author: %w", err)
	}
	return scanThreads(rows)
}

func (s *PostgresStore) ListThreadsByCommunity(ctx context.Context, communityID string) ([]Thread, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, body, author_id, community_id, parent_id, created_at
		FROM threads
		WHERE community_id=$1 AND parent_id IS NULL
		ORDER BY created_at ASC
	`, communityID)
	if err != nil {
		return nil, fmt.Errorf("list threads by community: %w", err)
	}
	return scanThreads(rows)
}

// ListChildThreads returns the direct replies of every thread in parentIDs in
// one round trip, oldest first.
func (s *PostgresStore) ListChildThreads(ctx context.Context, parentIDs []string) ([]Thread, error) {
	if len(parentIDs) == 0 {
		return []Thread{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, body, author_id, community_id, parent_id, created_at
		FROM threads
		WHERE parent_id = ANY($1)
		ORDER BY created_at ASC
	`, parentIDs)
	if err != nil {
		return nil, fmt.Errorf("list child threads: %w", err)
	}
	return scanThreads(rows)
}

// DeleteThreads removes every thread in ids in a single transaction. The
// parent/child foreign key is checked at statement end, so a subtree can be
// deleted in one statement regardless of row order.
func (s *PostgresStore) DeleteThreads(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete threads: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE id = ANY($1)`, ids); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete threads: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete threads: %w", err)
	}
	return nil
}

// ListReplyActivity returns replies whose parent was authored by authorID but
// which were written by someone else, newest first.
func (s *PostgresStore) ListReplyActivity(ctx context.Context, authorID string) ([]Thread, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.body, c.author_id, c.community_id, c.parent_id, c.created_at
		FROM threads c
		JOIN threads p ON p.id = c.parent_id
		WHERE p.author_id=$1 AND c.author_id <> $1
		ORDER BY c.created_at DESC
	`, authorID)
	if err != nil {
		return nil, fmt.Errorf("list reply activity: %w", err)
	}
	return scanThreads(rows)
}

func scanThreads(rows *sql.Rows) ([]Thread, error) {
	defer rows.Close()
	items := make([]Thread, 0)
	for rows.Next() {
		var thread Thread
		if err := rows.Scan(&thread.ID, &thread.Body, &thread.AuthorID, &thread.CommunityID, &thread.ParentID, &thread.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		items = append(items, thread)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate threads: %w", err)
	}
	return items, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
