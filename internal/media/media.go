// Package media stores uploaded profile images in S3-compatible object
// storage and hands back the stable URL the rest of the system keeps.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MaxAvatarBytes is the upload policy limit: a single image of at most 4MB.
const MaxAvatarBytes = 4 << 20

var (
	ErrTooLarge = errors.New("image exceeds 4MB limit")
	ErrBadType  = errors.New("unsupported image type")
)

var allowedTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// objectStore is the slice of the MinIO client the service needs.
type objectStore interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Service uploads avatars and returns their public URLs.
type Service struct {
	store   objectStore
	bucket  string
	baseURL string
}

// New connects to the object store and ensures the avatar bucket exists.
func New(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool, baseURL string) (*Service, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect object store: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}

	if baseURL == "" {
		scheme := "http"
		if useSSL {
			scheme = "https"
		}
		baseURL = fmt.Sprintf("%s://%s/%s", scheme, endpoint, bucket)
	}

	return &Service{store: client, bucket: bucket, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// NewWithStore creates a service over an existing object store.
func NewWithStore(store objectStore, bucket, baseURL string) *Service {
	return &Service{store: store, bucket: bucket, baseURL: strings.TrimRight(baseURL, "/")}
}

// UploadAvatar validates the upload policy, stores the image under a fresh
// key and returns its URL.
func (s *Service) UploadAvatar(ctx context.Context, contentType string, size int64, r io.Reader) (string, error) {
	ext, ok := allowedTypes[normalizeContentType(contentType)]
	if !ok {
		return "", ErrBadType
	}
	if size <= 0 || size > MaxAvatarBytes {
		return "", ErrTooLarge
	}

	key := path.Join("avatars", uuid.NewString()+ext)
	if _, err := s.store.PutObject(ctx, s.bucket, key, io.LimitReader(r, MaxAvatarBytes), size, minio.PutObjectOptions{
		ContentType: contentType,
	}); err != nil {
		return "", fmt.Errorf("store avatar: %w", err)
	}

	return s.baseURL + "/" + key, nil
}

func normalizeContentType(value string) string {
	base, _, _ := strings.Cut(value, ";")
	return strings.ToLower(strings.TrimSpace(base))
}
