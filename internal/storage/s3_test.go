package storage

import (
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

func TestS3Storage_KeyPrefix(t *testing.T) {
	client := s3.New(s3.Options{Region: "eu-central-1", Credentials: aws.AnonymousCredentials{}})
	cfg := DefaultS3Config()
	cfg.Prefix = "inventory/attic/"
	s := NewS3StorageWithClient(client, "archive", cfg)

	if got := s.key("geo-index-1.tsv.zst"); got != "inventory/attic/geo-index-1.tsv.zst" {
		t.Errorf("unexpected key %q", got)
	}
	if s.maxRetries != 3 {
		t.Errorf("expected 3 retries, got %d", s.maxRetries)
	}
}

func TestDefaultS3Config(t *testing.T) {
	cfg := DefaultS3Config()
	if cfg.Region != "us-east-1" {
		t.Errorf("expected default region us-east-1, got %s", cfg.Region)
	}
	if cfg.UsePathStyle {
		t.Error("expected virtual-hosted style by default")
	}
}

func TestContentType(t *testing.T) {
	tests := map[string]string{
		"geo-index-20110304T050607-1a2b3c4d.tsv.zst": "application/zstd",
		"geo-index-20110304T050607-1a2b3c4d.tsv":     "text/tab-separated-values",
		"notes.txt":                                  "application/octet-stream",
	}
	for objectPath, want := range tests {
		if got := contentType(objectPath); got != want {
			t.Errorf("contentType(%q) = %q, want %q", objectPath, got, want)
		}
	}
}

func TestIsNotFound(t *testing.T) {
	if !isNotFound(fmt.Errorf("get: %w", &types.NoSuchKey{})) {
		t.Error("expected NoSuchKey to be not found")
	}
	if !isNotFound(&types.NotFound{}) {
		t.Error("expected NotFound to be not found")
	}
	if isNotFound(errors.New("timeout")) {
		t.Error("expected plain error to be retryable")
	}
}
