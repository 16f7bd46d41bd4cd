package search

import (
	"context"
	"testing"
)

type fakeFallback struct {
	searchUsersFn       func(context.Context, Query) ([]UserRecord, int, error)
	searchCommunitiesFn func(context.Context, Query) ([]CommunityRecord, int, error)
}

func (f *fakeFallback) SearchUsers(ctx context.Context, q Query) ([]UserRecord, int, error) {
	if f.searchUsersFn != nil {
		return f.searchUsersFn(ctx, q)
	}
	return nil, 0, nil
}

func (f *fakeFallback) SearchCommunities(ctx context.Context, q Query) ([]CommunityRecord, int, error) {
	if f.searchCommunitiesFn != nil {
		return f.searchCommunitiesFn(ctx, q)
	}
	return nil, 0, nil
}

func TestSearchUsersUsesFallbackWithoutMeilisearch(t *testing.T) {
	var gotQuery Query
	fallback := &fakeFallback{
		searchUsersFn: func(_ context.Context, q Query) ([]UserRecord, int, error) {
			gotQuery = q
			return []UserRecord{{ID: "usr_1", Username: "casey"}}, 1, nil
		},
	}
	svc := NewService(nil, fallback)

	users, total, err := svc.SearchUsers(context.Background(), Query{Text: "ca", Limit: 10, ExcludeUserID: "ext_9"})
	if err != nil {
		t.Fatalf("SearchUsers() error = %v", err)
	}
	if total != 1 || len(users) != 1 || users[0].Username != "casey" {
		t.Fatalf("unexpected results: %v (total %d)", users, total)
	}
	if gotQuery.ExcludeUserID != "ext_9" {
		t.Fatalf("expected exclusion forwarded, got %+v", gotQuery)
	}
}

func TestSearchUsersSkipsUnhealthyMeilisearch(t *testing.T) {
	fallbackCalled := false
	fallback := &fakeFallback{
		searchUsersFn: func(context.Context, Query) ([]UserRecord, int, error) {
			fallbackCalled = true
			return nil, 0, nil
		},
	}
	// never reachable, so the health loop leaves the client unhealthy
	meiliClient := NewMeili("http://127.0.0.1:1", "")
	defer meiliClient.Close()
	svc := NewService(meiliClient, fallback)

	if _, _, err := svc.SearchUsers(context.Background(), Query{Text: "x"}); err != nil {
		t.Fatalf("SearchUsers() error = %v", err)
	}
	if !fallbackCalled {
		t.Fatal("expected fallback to serve the query")
	}
}

func TestSearchCommunitiesUsesFallbackWithoutMeilisearch(t *testing.T) {
	fallback := &fakeFallback{
		searchCommunitiesFn: func(context.Context, Query) ([]CommunityRecord, int, error) {
			return []CommunityRecord{{ID: "cmt_1", Name: "Gophers"}}, 1, nil
		},
	}
	svc := NewService(nil, fallback)

	communities, total, err := svc.SearchCommunities(context.Background(), Query{Text: "go"})
	if err != nil {
		t.Fatalf("SearchCommunities() error = %v", err)
	}
	if total != 1 || len(communities) != 1 || communities[0].Name != "Gophers" {
		t.Fatalf("unexpected results: %v (total %d)", communities, total)
	}
}

func TestIndexingIsNoopWithoutMeilisearch(t *testing.T) {
	svc := NewService(nil, &fakeFallback{})

	// must not panic or block
	svc.IndexUser(UserRecord{ID: "usr_1"})
	svc.IndexCommunity(CommunityRecord{ID: "cmt_1"})
	svc.RemoveCommunity("cmt_1")
	svc.ReindexAll([]UserRecord{{ID: "usr_1"}}, nil)
}
