package uploads

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// DocumentStorage keeps the raw uploaded files in MinIO/S3 so the original
// bytes stay retrievable after text extraction.
type DocumentStorage struct {
	client    *minio.Client
	bucket    string
	publicURL string
}

// NewDocumentStorageFromEnv initialises DocumentStorage using MINIO_* environment
// variables. Returns (nil, nil) when the variables are absent; raw file
// retention is optional.
func NewDocumentStorageFromEnv() (*DocumentStorage, error) {
	endpoint := strings.TrimSpace(os.Getenv("MINIO_ENDPOINT"))
	accessKey := strings.TrimSpace(os.Getenv("MINIO_ACCESS_KEY"))
	secretKey := strings.TrimSpace(os.Getenv("MINIO_SECRET_KEY"))
	bucket := strings.TrimSpace(os.Getenv("MINIO_BUCKET"))
	if endpoint == "" || accessKey == "" || secretKey == "" || bucket == "" {
		return nil, nil
	}

	useSSL := strings.EqualFold(strings.TrimSpace(os.Getenv("MINIO_USE_SSL")), "true")
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("uploads: init minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("uploads: check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("uploads: create bucket: %w", err)
		}
	}

	publicURL := strings.TrimSpace(os.Getenv("MINIO_PUBLIC_URL"))
	if publicURL == "" {
		scheme := "http"
		if useSSL {
			scheme = "https"
		}
		publicURL = fmt.Sprintf("%s://%s", scheme, endpoint)
	}

	return &DocumentStorage{
		client:    client,
		bucket:    bucket,
		publicURL: strings.TrimSuffix(publicURL, "/"),
	}, nil
}

// Store uploads the raw document beneath documents/<uuid><ext> and returns
// its public URL.
func (s *DocumentStorage) Store(ctx context.Context, filename string, data []byte) (string, error) {
	if s == nil || s.client == nil {
		return "", errors.New("uploads: document storage not configured")
	}
	if len(data) == 0 {
		return "", errors.New("uploads: document is empty")
	}

	contentType := mimetype.Detect(data).String()

	ext := strings.ToLower(strings.TrimSpace(filepath.Ext(filename)))
	if ext == "" {
		ext = mimetype.Detect(data).Extension()
	}
	if ext == "" {
		ext = ".bin"
	}
	objectName := path.Join("documents", uuid.NewString()+ext)

	uploadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	reader := bytes.NewReader(data)
	_, err := s.client.PutObject(uploadCtx, s.bucket, objectName, reader, int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("uploads: store document: %w", err)
	}

	return s.buildPublicURL(objectName), nil
}

// PresignedURL returns a temporary download link for a stored document.
func (s *DocumentStorage) PresignedURL(ctx context.Context, raw string, expiry time.Duration) (string, error) {
	if s == nil || s.client == nil {
		return strings.TrimSpace(raw), nil
	}

	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", nil
	}
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}

	objectName := s.objectName(trimmed)
	if objectName == "" {
		return trimmed, nil
	}

	presignCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	url, err := s.client.PresignedGetObject(presignCtx, s.bucket, objectName, expiry, nil)
	if err != nil {
		return "", err
	}
	return url.String(), nil
}

// objectName maps a stored ref back to the bucket object it names. Refs
// pointing outside this storage come back empty.
func (s *DocumentStorage) objectName(ref string) string {
	base := strings.TrimSuffix(s.publicURL, "/")
	object := strings.TrimPrefix(ref, base)
	object = strings.TrimPrefix(object, "/")
	object = strings.TrimPrefix(object, s.bucket+"/")
	if object == "" || strings.Contains(object, "://") {
		return ""
	}
	return object
}

func (s *DocumentStorage) buildPublicURL(objectName string) string {
	base := strings.TrimSuffix(s.publicURL, "/")
	object := strings.TrimPrefix(objectName, "/")
	return fmt.Sprintf("%s/%s/%s", base, s.bucket, object)
}
