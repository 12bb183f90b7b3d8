//go:build integration

package gcs

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/google/uuid"

	"taxledger/internal/store"
)

// Integration tests need a bucket and credentials.
// Run with: GCS_BUCKET=... go test -tags=integration ./internal/store/gcs

func TestIntegration_UploadAndRead(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	bucket := os.Getenv("GCS_BUCKET")
	if bucket == "" {
		t.Skip("GCS_BUCKET not set, skipping integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, Config{
		Bucket:          bucket,
		CredentialsFile: os.Getenv("GCS_CREDENTIALS_FILE"),
		Prefix:          "integration-tests",
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Close()

	key := "it/" + uuid.NewString()
	if _, err := s.Upload(ctx, key, []byte("one"), store.UploadOptions{ContentType: "image/png"}); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if _, err := s.Upload(ctx, key, []byte("two"), store.UploadOptions{ContentType: "image/png"}); err == nil {
		t.Fatal("upload without overwrite should fail")
	}
	if _, err := s.Upload(ctx, key, []byte("two"), store.UploadOptions{ContentType: "image/png", Overwrite: true}); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	data, ct, err := s.Receipt(ctx, key)
	if err != nil || !bytes.Equal(data, []byte("two")) || ct != "image/png" {
		t.Fatalf("unexpected object %q %q %v", data, ct, err)
	}
}
