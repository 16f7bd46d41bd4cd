package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const (
	idxUsers       = "loom_users"
	idxCommunities = "loom_communities"
)

// Meili implements Directory via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the directory indexes.
// An unreachable instance is tolerated; the health loop reconfigures when it
// comes back.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	indexes := []struct {
		uid        string
		filterable []string
		searchable []string
	}{
		{
			uid:        idxUsers,
			filterable: []string{"userId"},
			searchable: []string{"username", "name"},
		},
		{
			uid:        idxCommunities,
			filterable: []string{"communityId"},
			searchable: []string{"username", "name"},
		},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{
			Uid:        idx.uid,
			PrimaryKey: "id",
		}); err != nil {
			log.Printf("search: create index %s (may already exist): %v", idx.uid, err)
		}

		index := m.client.Index(idx.uid)
		filterableInterface := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			filterableInterface[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&filterableInterface); err != nil {
			log.Printf("search: update filterable attrs for %s: %v", idx.uid, err)
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			log.Printf("search: update searchable attrs for %s: %v", idx.uid, err)
		}
		sortable := []string{"createdAt"}
		if _, err := index.UpdateSortableAttributes(&sortable); err != nil {
			log.Printf("search: update sortable attrs for %s: %v", idx.uid, err)
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) searchRequest(q Query) *meili.SearchRequest {
	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}
	sort := "createdAt:asc"
	if q.SortDesc {
		sort = "createdAt:desc"
	}
	return &meili.SearchRequest{
		Limit:  limit,
		Offset: int64(q.Offset),
		Sort:   []string{sort},
	}
}

// SearchUsers queries the user directory index.
func (m *Meili) SearchUsers(_ context.Context, q Query) ([]UserRecord, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	request := m.searchRequest(q)
	if q.ExcludeUserID != "" {
		request.Filter = fmt.Sprintf("userId != %q", q.ExcludeUserID)
	}

	resp, err := m.client.Index(idxUsers).Search(q.Text, request)
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch user search: %w", err)
	}

	results := make([]UserRecord, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		results = append(results, UserRecord{
			ID:       decodeString(hit, "id"),
			UserID:   decodeString(hit, "userId"),
			Username: decodeString(hit, "username"),
			Name:     decodeString(hit, "name"),
			Bio:      decodeString(hit, "bio"),
			Image:    decodeString(hit, "image"),
		})
	}
	return results, int(resp.EstimatedTotalHits), nil
}

// SearchCommunities queries the community directory index.
func (m *Meili) SearchCommunities(_ context.Context, q Query) ([]CommunityRecord, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	resp, err := m.client.Index(idxCommunities).Search(q.Text, m.searchRequest(q))
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch community search: %w", err)
	}

	results := make([]CommunityRecord, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		results = append(results, CommunityRecord{
			ID:          decodeString(hit, "id"),
			CommunityID: decodeString(hit, "communityId"),
			Username:    decodeString(hit, "username"),
			Name:        decodeString(hit, "name"),
			Bio:         decodeString(hit, "bio"),
			Image:       decodeString(hit, "image"),
		})
	}
	return results, int(resp.EstimatedTotalHits), nil
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

// IndexUser adds or updates a user in the directory index.
func (m *Meili) IndexUser(u UserRecord) error {
	_, err := m.client.Index(idxUsers).AddDocuments([]UserRecord{u}, nil)
	return err
}

// IndexCommunity adds or updates a community in the directory index.
func (m *Meili) IndexCommunity(c CommunityRecord) error {
	_, err := m.client.Index(idxCommunities).AddDocuments([]CommunityRecord{c}, nil)
	return err
}

// DeleteCommunity removes a community from the directory index.
func (m *Meili) DeleteCommunity(id string) error {
	_, err := m.client.Index(idxCommunities).DeleteDocument(id, nil)
	return err
}

// IndexUsers bulk-indexes users.
func (m *Meili) IndexUsers(users []UserRecord) error {
	if len(users) == 0 {
		return nil
	}
	_, err := m.client.Index(idxUsers).AddDocuments(users, nil)
	return err
}

// IndexCommunities bulk-indexes communities.
func (m *Meili) IndexCommunities(communities []CommunityRecord) error {
	if len(communities) == 0 {
		return nil
	}
	_, err := m.client.Index(idxCommunities).AddDocuments(communities, nil)
	return err
}
