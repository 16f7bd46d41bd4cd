package app

import (
	"bytes"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"loom/api/internal/identity"
	"loom/api/internal/media"
)

// PageCache is the render-path cache consulted for the home feed. Nil when
// Redis is not configured.
type PageCache interface {
	GetPage(ctx context.Context, path string) ([]byte, bool, error)
	SetPage(ctx context.Context, path string, payload []byte) error
}

type HTTPServer struct {
	service       *Service
	media         *media.Service
	pages         PageCache
	sessionSecret []byte
	webhookSecret []byte
	corsOrigin    string
}

func NewHTTPServer(service *Service, mediaService *media.Service, pages PageCache, sessionSecret, webhookSecret []byte, corsOrigin string) *HTTPServer {
	return &HTTPServer{
		service:       service,
		media:         mediaService,
		pages:         pages,
		sessionSecret: sessionSecret,
		webhookSecret: webhookSecret,
		corsOrigin:    corsOrigin,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/webhooks/identity" {
		s.handleIdentityWebhook(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		claims, err := identity.ParseToken(s.sessionSecret, token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "userId": claims.Sub, "name": claims.Name})
		return
	}

	// Everything below requires a session.
	claims, err := identity.ParseToken(s.sessionSecret, bearerToken(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch {
	case r.Method == http.MethodGet && len(parts) == 2 && parts[1] == "posts":
		s.handleFetchPosts(w, r)
	case r.Method == http.MethodPost && len(parts) == 2 && parts[1] == "threads":
		s.handleCreateThread(w, r, claims)
	case len(parts) == 3 && parts[1] == "threads" && r.Method == http.MethodGet:
		s.handleGetThread(w, r, parts[2])
	case len(parts) == 3 && parts[1] == "threads" && r.Method == http.MethodDelete:
		s.handleDeleteThread(w, r, parts[2])
	case r.Method == http.MethodPost && len(parts) == 4 && parts[1] == "threads" && parts[3] == "comments":
		s.handleAddComment(w, r, parts[2], claims)
	case r.Method == http.MethodGet && len(parts) == 4 && parts[1] == "threads" && parts[3] == "replies":
		s.handleListReplies(w, r, parts[2])
	case r.Method == http.MethodPost && len(parts) == 2 && parts[1] == "users":
		s.handleUpsertUser(w, r, claims)
	case r.Method == http.MethodGet && len(parts) == 2 && parts[1] == "users":
		s.handleSearchUsers(w, r, claims)
	case r.Method == http.MethodGet && len(parts) == 3 && parts[1] == "users" && parts[2] == "me":
		s.handleGetUser(w, r, claims.Sub)
	case r.Method == http.MethodGet && len(parts) == 3 && parts[1] == "users":
		s.handleGetUser(w, r, parts[2])
	case r.Method == http.MethodGet && len(parts) == 4 && parts[1] == "users" && parts[3] == "posts":
		s.handleUserPosts(w, r, parts[2])
	case r.Method == http.MethodGet && len(parts) == 4 && parts[1] == "users" && parts[3] == "activity":
		s.handleActivity(w, r, parts[2])
	case r.Method == http.MethodGet && len(parts) == 2 && parts[1] == "communities":
		s.handleSearchCommunities(w, r)
	case r.Method == http.MethodGet && len(parts) == 4 && parts[1] == "communities" && parts[3] == "posts":
		s.handleCommunityPosts(w, r, parts[2])
	case r.Method == http.MethodPost && len(parts) == 3 && parts[1] == "media" && parts[2] == "avatar":
		s.handleUploadAvatar(w, r)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

const homeFeedPath = "/"

func (s *HTTPServer) handleFetchPosts(w http.ResponseWriter, r *http.Request) {
	pageNumber := queryInt(r, "page", 1)
	pageSize := queryInt(r, "pageSize", 20)

	cacheable := s.pages != nil && pageNumber == 1 && pageSize == 20
	if cacheable {
		if cached, ok, err := s.pages.GetPage(r.Context(), homeFeedPath); err == nil && ok {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(cached)
			return
		}
	}

	page, err := s.service.FetchPosts(r.Context(), pageNumber, pageSize)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	if cacheable {
		if payload, err := json.Marshal(page); err == nil {
			if err := s.pages.SetPage(r.Context(), homeFeedPath, payload); err != nil {
				log.Printf("cache: store home feed: %v", err)
			}
		}
	}

	writeJSON(w, http.StatusOK, page)
}

func (s *HTTPServer) handleCreateThread(w http.ResponseWriter, r *http.Request, claims identity.Claims) {
	var body CreateThreadInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	thread, err := s.service.CreateThread(r.Context(), claims.Sub, body)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, thread)
}

func (s *HTTPServer) handleGetThread(w http.ResponseWriter, r *http.Request, threadID string) {
	thread, err := s.service.FetchThreadByID(r.Context(), threadID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	if thread == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Thread not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, thread)
}

func (s *HTTPServer) handleDeleteThread(w http.ResponseWriter, r *http.Request, threadID string) {
	path := r.URL.Query().Get("path")
	if err := s.service.DeleteThread(r.Context(), threadID, path); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleAddComment(w http.ResponseWriter, r *http.Request, threadID string, claims identity.Claims) {
	var body AddCommentInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	comment, err := s.service.AddComment(r.Context(), threadID, claims.Sub, body)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, comment)
}

func (s *HTTPServer) handleListReplies(w http.ResponseWriter, r *http.Request, threadID string) {
	descendants, err := s.service.ListDescendants(r.Context(), threadID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	ids := make([]string, 0, len(descendants))
	for _, d := range descendants {
		ids = append(ids, d.ID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ids": ids, "count": len(ids)})
}

func (s *HTTPServer) handleUpsertUser(w http.ResponseWriter, r *http.Request, claims identity.Claims) {
	var body UpsertUserInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	user, err := s.service.UpsertUser(r.Context(), claims.Sub, body)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *HTTPServer) handleGetUser(w http.ResponseWriter, r *http.Request, userID string) {
	user, err := s.service.FetchUser(r.Context(), userID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "User not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *HTTPServer) handleUserPosts(w http.ResponseWriter, r *http.Request, userID string) {
	profile, err := s.service.FetchUserPosts(r.Context(), userID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	if profile == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "User not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *HTTPServer) handleActivity(w http.ResponseWriter, r *http.Request, userID string) {
	items, err := s.service.GetActivity(r.Context(), userID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"activity": items})
}

func (s *HTTPServer) handleSearchUsers(w http.ResponseWriter, r *http.Request, claims identity.Claims) {
	page, err := s.service.SearchUsers(r.Context(), claims.Sub, searchInput(r))
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *HTTPServer) handleSearchCommunities(w http.ResponseWriter, r *http.Request) {
	page, err := s.service.SearchCommunities(r.Context(), searchInput(r))
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *HTTPServer) handleCommunityPosts(w http.ResponseWriter, r *http.Request, communityID string) {
	community, err := s.service.FetchCommunityPosts(r.Context(), communityID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	if community == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Community not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, community)
}

func (s *HTTPServer) handleUploadAvatar(w http.ResponseWriter, r *http.Request) {
	if s.media == nil {
		writeError(w, http.StatusServiceUnavailable, "MEDIA_UNAVAILABLE", "Media storage not configured", nil)
		return
	}

	if err := r.ParseMultipartForm(media.MaxAvatarBytes); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid multipart body", nil)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "file field is required", nil)
		return
	}
	defer file.Close()

	url, err := s.media.UploadAvatar(r.Context(), header.Header.Get("Content-Type"), header.Size, file)
	if err != nil {
		if errors.Is(err, media.ErrTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "TOO_LARGE", "Image exceeds the size limit", nil)
			return
		}
		if errors.Is(err, media.ErrBadType) {
			writeError(w, http.StatusUnsupportedMediaType, "BAD_TYPE", "Unsupported image type", nil)
			return
		}
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"url": url})
}

func (s *HTTPServer) handleIdentityWebhook(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(http.MaxBytesReader(w, r.Body, 1<<20)); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "unreadable body", nil)
		return
	}

	event, err := identity.VerifyWebhook(
		s.webhookSecret,
		r.Header.Get("svix-id"),
		r.Header.Get("svix-timestamp"),
		r.Header.Get("svix-signature"),
		buf.Bytes(),
	)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "BAD_SIGNATURE", "Webhook verification failed", nil)
		return
	}

	if err := s.dispatchIdentityEvent(r.Context(), event); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) dispatchIdentityEvent(ctx context.Context, event identity.Event) error {
	switch event.Type {
	case identity.EventCommunityCreated, identity.EventCommunityUpdated:
		data, err := event.Community()
		if err != nil {
			return err
		}
		_, err = s.service.UpsertCommunity(ctx, CommunityInput{
			CommunityID: data.ID,
			Name:        data.Name,
			Username:    data.Slug,
			Image:       data.ImageURL,
			CreatedBy:   data.CreatedBy,
		})
		return err
	case identity.EventCommunityDeleted:
		data, err := event.Community()
		if err != nil {
			return err
		}
		return s.service.RemoveCommunity(ctx, data.ID)
	case identity.EventMemberAdded:
		data, err := event.Membership()
		if err != nil {
			return err
		}
		return s.service.AddCommunityMember(ctx, data.Organization.ID, data.PublicUserData.UserID)
	case identity.EventMemberRemoved:
		data, err := event.Membership()
		if err != nil {
			return err
		}
		return s.service.RemoveCommunityMember(ctx, data.Organization.ID, data.PublicUserData.UserID)
	default:
		// unhandled event types are acknowledged so the provider stops retrying
		return nil
	}
}

func searchInput(r *http.Request) SearchInput {
	return SearchInput{
		Text:       r.URL.Query().Get("search"),
		PageNumber: queryInt(r, "page", 1),
		PageSize:   queryInt(r, "pageSize", 20),
		SortDesc:   r.URL.Query().Get("sort") == "desc",
	}
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 1 {
		return fallback
	}
	return value
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, identity.ErrInvalidToken) || errors.Is(err, identity.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
