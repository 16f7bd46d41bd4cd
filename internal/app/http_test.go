package app

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"loom/api/internal/identity"
	"loom/api/internal/store"
)

var testSecret = []byte("test-secret")

func newTestServer(fs *fakeStore) *HTTPServer {
	return NewHTTPServer(newTestService(fs), nil, nil, testSecret, []byte("whsec"), "*")
}

func sessionToken(t *testing.T, userID string) string {
	t.Helper()
	token, err := identity.IssueToken(testSecret, identity.Claims{
		Sub:  userID,
		Name: "Casey",
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(&fakeStore{})

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}

	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if ok, exists := response["ok"]; !exists || ok != true {
		t.Errorf("expected ok=true, got %v", ok)
	}
}

func TestAuthenticatedRoutesRejectMissingToken(t *testing.T) {
	server := newTestServer(&fakeStore{})

	for _, path := range []string{"/api/posts", "/api/users/me", "/api/communities?search=go"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rr := httptest.NewRecorder()

		server.Handler().ServeHTTP(rr, req)

		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", path, rr.Code)
		}
	}
}

func TestAuthenticatedRoutesRejectExpiredToken(t *testing.T) {
	server := newTestServer(&fakeStore{})
	expired, err := identity.IssueToken(testSecret, identity.Claims{
		Sub: "ext_1",
		Exp: time.Now().Add(-time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/posts", nil)
	req.Header.Set("Authorization", "Bearer "+expired)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for expired token, got %d", rr.Code)
	}
}

func TestCreateThreadEndpoint(t *testing.T) {
	fs := &fakeStore{
		getUserByExternalIDFn: existingUser("usr_1", "ext_1"),
	}
	server := newTestServer(fs)

	body, _ := json.Marshal(map[string]string{"text": "hello from http"})
	req := httptest.NewRequest(http.MethodPost, "/api/threads", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+sessionToken(t, "ext_1"))
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var thread ThreadView
	if err := json.Unmarshal(rr.Body.Bytes(), &thread); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if thread.Text != "hello from http" {
		t.Errorf("unexpected text %q", thread.Text)
	}
	if !strings.HasPrefix(thread.ID, "th_") {
		t.Errorf("unexpected thread id %q", thread.ID)
	}
}

func TestCreateThreadEmptyTextIs400(t *testing.T) {
	fs := &fakeStore{getUserByExternalIDFn: existingUser("usr_1", "ext_1")}
	server := newTestServer(fs)

	body, _ := json.Marshal(map[string]string{"text": "  "})
	req := httptest.NewRequest(http.MethodPost, "/api/threads", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+sessionToken(t, "ext_1"))
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}

func TestGetThreadMissingIs404(t *testing.T) {
	server := newTestServer(&fakeStore{})

	req := httptest.NewRequest(http.MethodGet, "/api/threads/th_gone", nil)
	req.Header.Set("Authorization", "Bearer "+sessionToken(t, "ext_1"))
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
}

func TestGetUserMeResolvesTokenSubject(t *testing.T) {
	fs := &fakeStore{
		getUserByExternalIDFn: func(_ context.Context, userID string) (store.User, error) {
			if userID != "ext_1" {
				return store.User{}, sql.ErrNoRows
			}
			return store.User{ID: "usr_1", UserID: "ext_1", Username: "casey", Name: "Casey", Onboarded: true}, nil
		},
	}
	server := newTestServer(fs)

	req := httptest.NewRequest(http.MethodGet, "/api/users/me", nil)
	req.Header.Set("Authorization", "Bearer "+sessionToken(t, "ext_1"))
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var user UserView
	if err := json.Unmarshal(rr.Body.Bytes(), &user); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if user.Username != "casey" || !user.Onboarded {
		t.Errorf("unexpected user: %+v", user)
	}
}

func TestSessionEndpointWithoutToken(t *testing.T) {
	server := newTestServer(&fakeStore{})

	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if response["authenticated"] != false {
		t.Errorf("expected authenticated=false, got %v", response["authenticated"])
	}
}

func signWebhook(secret []byte, msgID, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s.%s.%s", msgID, timestamp, body)
	return "v1," + base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestIdentityWebhookUpsertsCommunity(t *testing.T) {
	var saved store.Community
	fs := &fakeStore{
		upsertCommunityFn: func(_ context.Context, community store.Community) (store.Community, error) {
			saved = community
			return community, nil
		},
	}
	server := newTestServer(fs)

	body := []byte(`{"type":"organization.created","data":{"id":"org_1","name":"Gophers","slug":"gophers","image_url":"img","created_by":"ext_1"}}`)
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/identity", bytes.NewReader(body))
	req.Header.Set("svix-id", "msg_1")
	req.Header.Set("svix-timestamp", timestamp)
	req.Header.Set("svix-signature", signWebhook([]byte("whsec"), "msg_1", timestamp, body))
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if saved.CommunityID != "org_1" || saved.Name != "Gophers" {
		t.Errorf("unexpected community saved: %+v", saved)
	}
}

func TestIdentityWebhookRejectsBadSignature(t *testing.T) {
	server := newTestServer(&fakeStore{})

	body := []byte(`{"type":"organization.created","data":{"id":"org_1"}}`)
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/identity", bytes.NewReader(body))
	req.Header.Set("svix-id", "msg_1")
	req.Header.Set("svix-timestamp", timestamp)
	req.Header.Set("svix-signature", "v1,"+base64.StdEncoding.EncodeToString([]byte("forged")))
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for bad signature, got %d", rr.Code)
	}
}

type memoryPageCache struct {
	pages map[string][]byte
	sets  int
}

func (m *memoryPageCache) GetPage(_ context.Context, path string) ([]byte, bool, error) {
	payload, ok := m.pages[path]
	return payload, ok, nil
}

func (m *memoryPageCache) SetPage(_ context.Context, path string, payload []byte) error {
	m.sets++
	m.pages[path] = payload
	return nil
}

func TestFetchPostsFirstPageIsCached(t *testing.T) {
	listCalls := 0
	fs := &fakeStore{
		listTopLevelThreadsFn: func(context.Context, int, int) ([]store.Thread, error) {
			listCalls++
			return []store.Thread{{ID: "th_1", Body: "cached", AuthorID: "usr_1"}}, nil
		},
		countTopLevelThreadsFn: func(context.Context) (int, error) { return 1, nil },
	}
	pages := &memoryPageCache{pages: map[string][]byte{}}
	server := NewHTTPServer(newTestService(fs), nil, pages, testSecret, []byte("whsec"), "*")
	token := sessionToken(t, "ext_1")

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/posts", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rr := httptest.NewRecorder()
		server.Handler().ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rr.Code)
		}
	}

	if listCalls != 1 {
		t.Errorf("expected one store read with a warm cache, got %d", listCalls)
	}
	if pages.sets != 1 {
		t.Errorf("expected one cache write, got %d", pages.sets)
	}
}

func TestFetchPostsLaterPagesBypassCache(t *testing.T) {
	fs := &fakeStore{
		countTopLevelThreadsFn: func(context.Context) (int, error) { return 0, nil },
	}
	pages := &memoryPageCache{pages: map[string][]byte{}}
	server := NewHTTPServer(newTestService(fs), nil, pages, testSecret, []byte("whsec"), "*")

	req := httptest.NewRequest(http.MethodGet, "/api/posts?page=2", nil)
	req.Header.Set("Authorization", "Bearer "+sessionToken(t, "ext_1"))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if pages.sets != 0 {
		t.Errorf("expected no cache writes for page 2, got %d", pages.sets)
	}
}

func TestAvatarUploadUnavailableWithoutMedia(t *testing.T) {
	server := newTestServer(&fakeStore{})

	req := httptest.NewRequest(http.MethodPost, "/api/media/avatar", nil)
	req.Header.Set("Authorization", "Bearer "+sessionToken(t, "ext_1"))
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rr.Code)
	}
}
