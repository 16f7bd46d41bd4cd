package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"loom/api/internal/cache"
	"loom/api/internal/config"
	"loom/api/internal/search"
	"loom/api/internal/store"
	"loom/api/internal/util"
)

type dataStore interface {
	UpsertUser(context.Context, store.User) (store.User, error)
	GetUserByExternalID(context.Context, string) (store.User, error)
	GetUsersByIDs(context.Context, []string) ([]store.User, error)
	ListAllUsers(context.Context) ([]store.User, error)
	ListAllCommunities(context.Context) ([]store.Community, error)
	UpsertCommunity(context.Context, store.Community) (store.Community, error)
	GetCommunityByExternalID(context.Context, string) (store.Community, error)
	GetCommunitiesByIDs(context.Context, []string) ([]store.Community, error)
	DeleteCommunity(context.Context, string) error
	AddCommunityMember(context.Context, string, string) error
	RemoveCommunityMember(context.Context, string, string) error
	ListCommunityMembers(context.Context, string) ([]store.User, error)
	InsertThread(context.Context, store.Thread) error
	GetThread(context.Context, string) (store.Thread, error)
	ListTopLevelThreads(context.Context, int, int) ([]store.Thread, error)
	CountTopLevelThreads(context.Context) (int, error)
	ListThreadsByAuthor(context.Context, string, bool) ([]store.Thread, error)
	ListThreadsByCommunity(context.Context, string) ([]store.Thread, error)
	ListChildThreads(context.Context, []string) ([]store.Thread, error)
	DeleteThreads(context.Context, []string) error
	ListReplyActivity(context.Context, string) ([]store.Thread, error)
	Ping(ctx context.Context) error
}

type directory interface {
	SearchUsers(context.Context, search.Query) ([]search.UserRecord, int, error)
	SearchCommunities(context.Context, search.Query) ([]search.CommunityRecord, int, error)
	IndexUser(search.UserRecord)
	IndexCommunity(search.CommunityRecord)
	RemoveCommunity(string)
	ReindexAll([]search.UserRecord, []search.CommunityRecord)
}

type revalidator interface {
	Invalidate(ctx context.Context, path string) error
}

type Service struct {
	cfg    config.Config
	store  dataStore
	search directory
	cache  revalidator
}

func New(cfg config.Config, dataStore *store.PostgresStore, searchService *search.Service, pageCache *cache.RedisCache) *Service {
	s := &Service{
		cfg:    cfg,
		store:  dataStore,
		search: searchService,
	}
	if pageCache != nil {
		s.cache = pageCache
	}
	return s
}

// revalidate signals the presentation layer that a render path went stale.
// Mutations succeed even when the signal cannot be delivered.
func (s *Service) revalidate(ctx context.Context, path string) {
	if s.cache == nil || path == "" {
		return
	}
	if err := s.cache.Invalidate(ctx, path); err != nil {
		log.Printf("cache: invalidate %s: %v", path, err)
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Bootstrap seeds the directory search index from the store so a fresh index
// catches up with existing profiles and communities.
func (s *Service) Bootstrap(ctx context.Context) error {
	users, err := s.store.ListAllUsers(ctx)
	if err != nil {
		return fmt.Errorf("load users for reindex: %w", err)
	}
	communities, err := s.store.ListAllCommunities(ctx)
	if err != nil {
		return fmt.Errorf("load communities for reindex: %w", err)
	}

	userRecords := make([]search.UserRecord, 0, len(users))
	for _, user := range users {
		userRecords = append(userRecords, search.UserRecord{
			ID:        user.ID,
			UserID:    user.UserID,
			Username:  user.Username,
			Name:      user.Name,
			Bio:       user.Bio,
			Image:     user.Image,
			CreatedAt: user.CreatedAt.Unix(),
		})
	}
	communityRecords := make([]search.CommunityRecord, 0, len(communities))
	for _, community := range communities {
		communityRecords = append(communityRecords, search.CommunityRecord{
			ID:          community.ID,
			CommunityID: community.CommunityID,
			Username:    community.Username,
			Name:        community.Name,
			Bio:         community.Bio,
			Image:       community.Image,
			CreatedAt:   community.CreatedAt.Unix(),
		})
	}

	s.search.ReindexAll(userRecords, communityRecords)
	return nil
}

// --- view types ---

type AuthorView struct {
	ID       string `json:"id"`
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
	Name     string `json:"name"`
	Image    string `json:"image"`
}

type CommunityView struct {
	ID          string `json:"id"`
	CommunityID string `json:"communityId"`
	Username    string `json:"username,omitempty"`
	Name        string `json:"name"`
	Image       string `json:"image"`
}

type ThreadView struct {
	ID        string         `json:"id"`
	Text      string         `json:"text"`
	Author    AuthorView     `json:"author"`
	Community *CommunityView `json:"community,omitempty"`
	ParentID  *string        `json:"parentId,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	Children  []ThreadView   `json:"children"`
}

type UserView struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	Name      string    `json:"name"`
	Bio       string    `json:"bio"`
	Image     string    `json:"image"`
	Onboarded bool      `json:"onboarded"`
	CreatedAt time.Time `json:"createdAt"`
}

type PostsPage struct {
	Posts       []ThreadView `json:"posts"`
	HasNextPage bool         `json:"hasNextPage"`
}

type UsersPage struct {
	Users       []search.UserRecord `json:"users"`
	HasNextPage bool                `json:"hasNextPage"`
}

type CommunitiesPage struct {
	Communities []search.CommunityRecord `json:"communities"`
	HasNextPage bool                     `json:"hasNextPage"`
}

type ProfileThreads struct {
	User    UserView     `json:"user"`
	Threads []ThreadView `json:"threads"`
}

type CommunityThreads struct {
	Community CommunityView `json:"community"`
	Bio       string        `json:"bio"`
	Members   []AuthorView  `json:"members"`
	Threads   []ThreadView  `json:"threads"`
}

func userView(u store.User) UserView {
	return UserView{
		ID:        u.ID,
		UserID:    u.UserID,
		Username:  u.Username,
		Name:      u.Name,
		Bio:       u.Bio,
		Image:     u.Image,
		Onboarded: u.Onboarded,
		CreatedAt: u.CreatedAt,
	}
}

func authorView(u store.User) AuthorView {
	return AuthorView{ID: u.ID, UserID: u.UserID, Username: u.Username, Name: u.Name, Image: u.Image}
}

func communityView(c store.Community) CommunityView {
	return CommunityView{ID: c.ID, CommunityID: c.CommunityID, Username: c.Username, Name: c.Name, Image: c.Image}
}

// --- thread operations ---

type CreateThreadInput struct {
	Text        string `json:"text"`
	CommunityID string `json:"communityId"`
	Path        string `json:"path"`
}

// CreateThread inserts a new top-level post for the calling user. A community
// id that does not resolve is silently dropped and the post is created
// without a community.
func (s *Service) CreateThread(ctx context.Context, authorUserID string, input CreateThreadInput) (ThreadView, error) {
	text := strings.TrimSpace(input.Text)
	if text == "" {
		return ThreadView{}, domainError(http.StatusBadRequest, "VALIDATION", "Thread text must not be empty", nil)
	}

	author, err := s.store.GetUserByExternalID(ctx, authorUserID)
	if errors.Is(err, sql.ErrNoRows) {
		return ThreadView{}, domainError(http.StatusNotFound, "NOT_FOUND", "Author not found", nil)
	}
	if err != nil {
		return ThreadView{}, fmt.Errorf("lookup author: %w", err)
	}

	var communityRef *string
	var view *CommunityView
	if input.CommunityID != "" {
		community, err := s.store.GetCommunityByExternalID(ctx, input.CommunityID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// unknown community: post without one
		case err != nil:
			return ThreadView{}, fmt.Errorf("lookup community: %w", err)
		default:
			communityRef = &community.ID
			cv := communityView(community)
			view = &cv
		}
	}

	thread := store.Thread{
		ID:          util.NewID("th"),
		Body:        text,
		AuthorID:    author.ID,
		CommunityID: communityRef,
		CreatedAt:   time.Now(),
	}
	if err := s.store.InsertThread(ctx, thread); err != nil {
		return ThreadView{}, err
	}

	s.revalidate(ctx, input.Path)

	return ThreadView{
		ID:        thread.ID,
		Text:      thread.Body,
		Author:    authorView(author),
		Community: view,
		CreatedAt: thread.CreatedAt,
		Children:  []ThreadView{},
	}, nil
}

// FetchPosts returns one page of top-level posts, newest first, with author,
// community and one level of replies (each reply carrying its author).
func (s *Service) FetchPosts(ctx context.Context, pageNumber, pageSize int) (PostsPage, error) {
	if pageNumber < 1 {
		pageNumber = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	offset := (pageNumber - 1) * pageSize

	threads, err := s.store.ListTopLevelThreads(ctx, offset, pageSize)
	if err != nil {
		return PostsPage{}, err
	}
	total, err := s.store.CountTopLevelThreads(ctx)
	if err != nil {
		return PostsPage{}, err
	}

	parentIDs := threadIDs(threads)
	children, err := s.store.ListChildThreads(ctx, parentIDs)
	if err != nil {
		return PostsPage{}, err
	}

	users, err := s.usersByID(ctx, collectAuthorIDs(threads, children))
	if err != nil {
		return PostsPage{}, err
	}
	communities, err := s.communitiesByID(ctx, collectCommunityIDs(threads))
	if err != nil {
		return PostsPage{}, err
	}

	childrenByParent := groupByParent(children)
	posts := make([]ThreadView, 0, len(threads))
	for _, thread := range threads {
		posts = append(posts, s.threadView(thread, users, communities, childrenByParent[thread.ID], nil))
	}

	return PostsPage{
		Posts:       posts,
		HasNextPage: total > offset+len(threads),
	}, nil
}

// FetchThreadByID resolves a thread with two levels of replies for the detail
// view. Returns nil when the id does not resolve.
func (s *Service) FetchThreadByID(ctx context.Context, threadID string) (*ThreadView, error) {
	thread, err := s.store.GetThread(ctx, threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	children, err := s.store.ListChildThreads(ctx, []string{thread.ID})
	if err != nil {
		return nil, err
	}
	grandchildren, err := s.store.ListChildThreads(ctx, threadIDs(children))
	if err != nil {
		return nil, err
	}

	all := append(append([]store.Thread{thread}, children...), grandchildren...)
	users, err := s.usersByID(ctx, collectAuthorIDs(all, nil))
	if err != nil {
		return nil, err
	}
	communities, err := s.communitiesByID(ctx, collectCommunityIDs([]store.Thread{thread}))
	if err != nil {
		return nil, err
	}

	view := s.threadView(thread, users, communities, children, groupByParent(grandchildren))
	return &view, nil
}

type AddCommentInput struct {
	Text string `json:"text"`
	Path string `json:"path"`
}

// AddComment creates a reply under an existing thread. The reply is a single
// row insert; its membership in the parent's child list is implied by the
// parent reference, so concurrent replies cannot lose each other.
func (s *Service) AddComment(ctx context.Context, threadID, authorUserID string, input AddCommentInput) (ThreadView, error) {
	text := strings.TrimSpace(input.Text)
	if text == "" {
		return ThreadView{}, domainError(http.StatusBadRequest, "VALIDATION", "Comment text must not be empty", nil)
	}

	parent, err := s.store.GetThread(ctx, threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return ThreadView{}, domainError(http.StatusNotFound, "NOT_FOUND", "Thread not found", nil)
	}
	if err != nil {
		return ThreadView{}, fmt.Errorf("lookup thread: %w", err)
	}

	author, err := s.store.GetUserByExternalID(ctx, authorUserID)
	if errors.Is(err, sql.ErrNoRows) {
		return ThreadView{}, domainError(http.StatusNotFound, "NOT_FOUND", "Author not found", nil)
	}
	if err != nil {
		return ThreadView{}, fmt.Errorf("lookup author: %w", err)
	}

	comment := store.Thread{
		ID:        util.NewID("th"),
		Body:      text,
		AuthorID:  author.ID,
		ParentID:  &parent.ID,
		CreatedAt: time.Now(),
	}
	if err := s.store.InsertThread(ctx, comment); err != nil {
		return ThreadView{}, err
	}

	s.revalidate(ctx, input.Path)

	return ThreadView{
		ID:        comment.ID,
		Text:      comment.Body,
		Author:    authorView(author),
		ParentID:  comment.ParentID,
		CreatedAt: comment.CreatedAt,
		Children:  []ThreadView{},
	}, nil
}

// ListDescendants walks the full reply tree below threadID with an explicit
// frontier instead of recursion, so arbitrarily deep chains cannot exhaust
// the stack. Parents always precede their children in the result.
func (s *Service) ListDescendants(ctx context.Context, threadID string) ([]store.Thread, error) {
	descendants := make([]store.Thread, 0)
	frontier := []string{threadID}
	for len(frontier) > 0 {
		batch, err := s.store.ListChildThreads(ctx, frontier)
		if err != nil {
			return nil, err
		}
		descendants = append(descendants, batch...)
		frontier = threadIDs(batch)
	}
	return descendants, nil
}

// DeleteThread removes a thread and every transitive reply. Descendants are
// enumerated before the first delete, since enumeration depends on the
// parent references still being present; the deletion itself is one
// transaction, so author and community listings never see a half-removed
// subtree.
func (s *Service) DeleteThread(ctx context.Context, threadID, path string) error {
	if _, err := s.store.GetThread(ctx, threadID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domainError(http.StatusNotFound, "NOT_FOUND", "Thread not found", nil)
		}
		return fmt.Errorf("lookup thread: %w", err)
	}

	descendants, err := s.ListDescendants(ctx, threadID)
	if err != nil {
		return err
	}

	ids := append([]string{threadID}, threadIDs(descendants)...)
	if err := s.store.DeleteThreads(ctx, ids); err != nil {
		return err
	}

	s.revalidate(ctx, path)
	return nil
}

// --- user operations ---

type UpsertUserInput struct {
	Username string `json:"username"`
	Name     string `json:"name"`
	Bio      string `json:"bio"`
	Image    string `json:"image"`
}

// UpsertUser creates or updates the calling user's profile, keyed by the
// external identity id, and marks them onboarded. Usernames are stored
// lower-cased; a taken username surfaces as a conflict.
func (s *Service) UpsertUser(ctx context.Context, userID string, input UpsertUserInput) (UserView, error) {
	username := strings.ToLower(strings.TrimSpace(input.Username))
	name := strings.TrimSpace(input.Name)
	if username == "" || name == "" {
		return UserView{}, domainError(http.StatusBadRequest, "VALIDATION", "Username and name are required", nil)
	}

	saved, err := s.store.UpsertUser(ctx, store.User{
		ID:       util.NewID("usr"),
		UserID:   userID,
		Username: username,
		Name:     name,
		Bio:      input.Bio,
		Image:    input.Image,
	})
	if err != nil {
		if store.IsUniqueViolation(err) {
			return UserView{}, domainError(http.StatusConflict, "CONFLICT", "Username is already taken", nil)
		}
		return UserView{}, err
	}

	s.search.IndexUser(search.UserRecord{
		ID:        saved.ID,
		UserID:    saved.UserID,
		Username:  saved.Username,
		Name:      saved.Name,
		Bio:       saved.Bio,
		Image:     saved.Image,
		CreatedAt: saved.CreatedAt.Unix(),
	})

	return userView(saved), nil
}

// FetchUser returns the profile for an external identity id, or nil if the
// user has not onboarded yet.
func (s *Service) FetchUser(ctx context.Context, userID string) (*UserView, error) {
	user, err := s.store.GetUserByExternalID(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	view := userView(user)
	return &view, nil
}

// FetchUserPosts returns the user's own top-level threads with one level of
// replies, each reply with its author.
func (s *Service) FetchUserPosts(ctx context.Context, userID string) (*ProfileThreads, error) {
	user, err := s.store.GetUserByExternalID(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	threads, err := s.store.ListThreadsByAuthor(ctx, user.ID, true)
	if err != nil {
		return nil, err
	}
	children, err := s.store.ListChildThreads(ctx, threadIDs(threads))
	if err != nil {
		return nil, err
	}

	users, err := s.usersByID(ctx, collectAuthorIDs(threads, children))
	if err != nil {
		return nil, err
	}
	communities, err := s.communitiesByID(ctx, collectCommunityIDs(threads))
	if err != nil {
		return nil, err
	}

	childrenByParent := groupByParent(children)
	views := make([]ThreadView, 0, len(threads))
	for _, thread := range threads {
		views = append(views, s.threadView(thread, users, communities, childrenByParent[thread.ID], nil))
	}

	return &ProfileThreads{User: userView(user), Threads: views}, nil
}

type SearchInput struct {
	Text       string
	PageNumber int
	PageSize   int
	SortDesc   bool
}

// SearchUsers pages through the user directory, excluding the caller. An
// empty search string matches everyone.
func (s *Service) SearchUsers(ctx context.Context, excludeUserID string, input SearchInput) (UsersPage, error) {
	query, offset := directoryQuery(input)
	query.ExcludeUserID = excludeUserID

	users, total, err := s.search.SearchUsers(ctx, query)
	if err != nil {
		return UsersPage{}, err
	}
	if users == nil {
		users = []search.UserRecord{}
	}
	return UsersPage{Users: users, HasNextPage: total > offset+len(users)}, nil
}

// SearchCommunities pages through the community directory.
func (s *Service) SearchCommunities(ctx context.Context, input SearchInput) (CommunitiesPage, error) {
	query, offset := directoryQuery(input)

	communities, total, err := s.search.SearchCommunities(ctx, query)
	if err != nil {
		return CommunitiesPage{}, err
	}
	if communities == nil {
		communities = []search.CommunityRecord{}
	}
	return CommunitiesPage{Communities: communities, HasNextPage: total > offset+len(communities)}, nil
}

func directoryQuery(input SearchInput) (search.Query, int) {
	pageNumber := input.PageNumber
	if pageNumber < 1 {
		pageNumber = 1
	}
	pageSize := input.PageSize
	if pageSize < 1 {
		pageSize = 20
	}
	offset := (pageNumber - 1) * pageSize
	return search.Query{
		Text:     strings.TrimSpace(input.Text),
		Offset:   offset,
		Limit:    pageSize,
		SortDesc: input.SortDesc,
	}, offset
}

// ActivityItem is a reply someone else left on one of the user's threads.
type ActivityItem struct {
	ID        string     `json:"id"`
	Text      string     `json:"text"`
	ParentID  string     `json:"parentId"`
	Author    AuthorView `json:"author"`
	CreatedAt time.Time  `json:"createdAt"`
}

// GetActivity lists direct replies to the user's threads written by other
// users, newest first. Replies deeper in the tree do not count as activity.
func (s *Service) GetActivity(ctx context.Context, userID string) ([]ActivityItem, error) {
	user, err := s.store.GetUserByExternalID(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return []ActivityItem{}, nil
	}
	if err != nil {
		return nil, err
	}

	replies, err := s.store.ListReplyActivity(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	users, err := s.usersByID(ctx, collectAuthorIDs(replies, nil))
	if err != nil {
		return nil, err
	}

	items := make([]ActivityItem, 0, len(replies))
	for _, reply := range replies {
		parentID := ""
		if reply.ParentID != nil {
			parentID = *reply.ParentID
		}
		items = append(items, ActivityItem{
			ID:        reply.ID,
			Text:      reply.Body,
			ParentID:  parentID,
			Author:    authorView(users[reply.AuthorID]),
			CreatedAt: reply.CreatedAt,
		})
	}
	return items, nil
}

// --- community operations ---

type CommunityInput struct {
	CommunityID string
	Name        string
	Username    string
	Image       string
	CreatedBy   string
}

// UpsertCommunity mirrors an organization pushed by the identity provider's
// webhook into the store and the directory index.
func (s *Service) UpsertCommunity(ctx context.Context, input CommunityInput) (CommunityView, error) {
	if input.CommunityID == "" || strings.TrimSpace(input.Name) == "" {
		return CommunityView{}, domainError(http.StatusBadRequest, "VALIDATION", "Community id and name are required", nil)
	}

	saved, err := s.store.UpsertCommunity(ctx, store.Community{
		ID:          util.NewID("cmt"),
		CommunityID: input.CommunityID,
		Username:    strings.ToLower(strings.TrimSpace(input.Username)),
		Name:        strings.TrimSpace(input.Name),
		Image:       input.Image,
		CreatedBy:   input.CreatedBy,
	})
	if err != nil {
		return CommunityView{}, err
	}

	s.search.IndexCommunity(search.CommunityRecord{
		ID:          saved.ID,
		CommunityID: saved.CommunityID,
		Username:    saved.Username,
		Name:        saved.Name,
		Bio:         saved.Bio,
		Image:       saved.Image,
		CreatedAt:   saved.CreatedAt.Unix(),
	})

	return communityView(saved), nil
}

// RemoveCommunity deletes a community record; its threads survive without a
// community reference.
func (s *Service) RemoveCommunity(ctx context.Context, communityID string) error {
	community, err := s.store.GetCommunityByExternalID(ctx, communityID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup community: %w", err)
	}

	if err := s.store.DeleteCommunity(ctx, communityID); err != nil {
		return err
	}
	s.search.RemoveCommunity(community.ID)
	return nil
}

func (s *Service) AddCommunityMember(ctx context.Context, communityID, userID string) error {
	return s.store.AddCommunityMember(ctx, communityID, userID)
}

func (s *Service) RemoveCommunityMember(ctx context.Context, communityID, userID string) error {
	return s.store.RemoveCommunityMember(ctx, communityID, userID)
}

// FetchCommunityPosts returns a community's top-level threads with the same
// population shape as FetchUserPosts, plus the member roster.
func (s *Service) FetchCommunityPosts(ctx context.Context, communityID string) (*CommunityThreads, error) {
	community, err := s.store.GetCommunityByExternalID(ctx, communityID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	threads, err := s.store.ListThreadsByCommunity(ctx, community.ID)
	if err != nil {
		return nil, err
	}
	children, err := s.store.ListChildThreads(ctx, threadIDs(threads))
	if err != nil {
		return nil, err
	}
	users, err := s.usersByID(ctx, collectAuthorIDs(threads, children))
	if err != nil {
		return nil, err
	}

	members, err := s.store.ListCommunityMembers(ctx, communityID)
	if err != nil {
		return nil, err
	}
	memberViews := make([]AuthorView, 0, len(members))
	for _, member := range members {
		memberViews = append(memberViews, authorView(member))
	}

	communities := map[string]store.Community{community.ID: community}
	childrenByParent := groupByParent(children)
	views := make([]ThreadView, 0, len(threads))
	for _, thread := range threads {
		views = append(views, s.threadView(thread, users, communities, childrenByParent[thread.ID], nil))
	}

	return &CommunityThreads{
		Community: communityView(community),
		Bio:       community.Bio,
		Members:   memberViews,
		Threads:   views,
	}, nil
}

// --- population helpers ---

func (s *Service) threadView(
	thread store.Thread,
	users map[string]store.User,
	communities map[string]store.Community,
	children []store.Thread,
	grandchildrenByParent map[string][]store.Thread,
) ThreadView {
	view := ThreadView{
		ID:        thread.ID,
		Text:      thread.Body,
		Author:    authorView(users[thread.AuthorID]),
		ParentID:  thread.ParentID,
		CreatedAt: thread.CreatedAt,
		Children:  []ThreadView{},
	}
	if thread.CommunityID != nil {
		if community, ok := communities[*thread.CommunityID]; ok {
			cv := communityView(community)
			view.Community = &cv
		}
	}
	for _, child := range children {
		var grandchildren []store.Thread
		if grandchildrenByParent != nil {
			grandchildren = grandchildrenByParent[child.ID]
		}
		view.Children = append(view.Children, s.threadView(child, users, communities, grandchildren, nil))
	}
	return view
}

func (s *Service) usersByID(ctx context.Context, ids []string) (map[string]store.User, error) {
	users, err := s.store.GetUsersByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]store.User, len(users))
	for _, user := range users {
		byID[user.ID] = user
	}
	return byID, nil
}

func (s *Service) communitiesByID(ctx context.Context, ids []string) (map[string]store.Community, error) {
	communities, err := s.store.GetCommunitiesByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]store.Community, len(communities))
	for _, community := range communities {
		byID[community.ID] = community
	}
	return byID, nil
}

func threadIDs(threads []store.Thread) []string {
	ids := make([]string, 0, len(threads))
	for _, thread := range threads {
		ids = append(ids, thread.ID)
	}
	return ids
}

func collectAuthorIDs(threads, more []store.Thread) []string {
	seen := make(map[string]struct{})
	ids := make([]string, 0, len(threads)+len(more))
	for _, thread := range append(append([]store.Thread{}, threads...), more...) {
		if _, ok := seen[thread.AuthorID]; ok {
			continue
		}
		seen[thread.AuthorID] = struct{}{}
		ids = append(ids, thread.AuthorID)
	}
	return ids
}

func collectCommunityIDs(threads []store.Thread) []string {
	seen := make(map[string]struct{})
	ids := make([]string, 0)
	for _, thread := range threads {
		if thread.CommunityID == nil {
			continue
		}
		if _, ok := seen[*thread.CommunityID]; ok {
			continue
		}
		seen[*thread.CommunityID] = struct{}{}
		ids = append(ids, *thread.CommunityID)
	}
	return ids
}

func groupByParent(threads []store.Thread) map[string][]store.Thread {
	grouped := make(map[string][]store.Thread)
	for _, thread := range threads {
		if thread.ParentID == nil {
			continue
		}
		grouped[*thread.ParentID] = append(grouped[*thread.ParentID], thread)
	}
	return grouped
}
