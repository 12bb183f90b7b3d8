// Package gcs stores receipt images in a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"taxledger/internal/store"
)

const uploadTimeout = 2 * time.Minute

type Config struct {
	Bucket string
	// CredentialsFile is a service account key. Empty means Application
	// Default Credentials.
	CredentialsFile string
	// PublicBaseURL, when set, is used to build receipt references
	// instead of gs:// URIs.
	PublicBaseURL string
	// Prefix is prepended to every object name.
	Prefix string
}

type Store struct {
	client *storage.Client
	bucket *storage.BucketHandle
	cfg    Config
}

func New(ctx context.Context, cfg Config, opts ...option.ClientOption) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &Store{client: client, bucket: client.Bucket(cfg.Bucket), cfg: cfg}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

// Upload writes data to the object for key. Without Overwrite the write
// fails if the object already exists.
func (s *Store) Upload(ctx context.Context, key string, data []byte, opts store.UploadOptions) (string, error) {
	name := s.objectName(key)
	obj := s.bucket.Object(name)
	if !opts.Overwrite {
		obj = obj.If(storage.Conditions{DoesNotExist: true})
	}

	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	w := obj.NewWriter(ctx)
	w.ContentType = opts.ContentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("write object %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize upload of %s: %w", name, err)
	}
	return s.ref(name), nil
}

// Receipt downloads the object for key.
func (s *Store) Receipt(ctx context.Context, key string) ([]byte, string, error) {
	name := s.objectName(key)
	rc, err := s.bucket.Object(name).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, "", store.ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("read object %s: %w", name, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, "", fmt.Errorf("read object %s: %w", name, err)
	}
	return data, rc.Attrs.ContentType, nil
}

func (s *Store) objectName(key string) string {
	return strings.TrimSuffix(s.cfg.Prefix, "/") + pathSep(s.cfg.Prefix) + key
}

func (s *Store) ref(name string) string {
	if s.cfg.PublicBaseURL != "" {
		return strings.TrimSuffix(s.cfg.PublicBaseURL, "/") + "/" + name
	}
	return "gs://" + s.cfg.Bucket + "/" + name
}

func pathSep(prefix string) string {
	if prefix == "" {
		return ""
	}
	return "/"
}
