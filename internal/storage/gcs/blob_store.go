// Package gcs provides a BlobStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// Config captures the bucket layout for fetched artifacts.
type Config struct {
	Bucket string `mapstructure:"bucket"`
	// Prefix is prepended to every object name.
	Prefix string `mapstructure:"prefix"`
	// SkipExisting uploads with a does-not-exist precondition and treats a
	// failed precondition as success. Safe when object names are content digests.
	SkipExisting bool `mapstructure:"skip_existing"`
	// Metadata is attached to every uploaded object.
	Metadata map[string]string `mapstructure:"metadata"`
}

// BlobStore uploads artifacts to a configured GCS bucket.
type BlobStore struct {
	client *storage.Client
	cfg    Config
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &BlobStore{client: client, cfg: cfg}, nil
}

// PutObject uploads data and returns its gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, name string, contentType string, r io.Reader) (string, error) {
	name = strings.Trim(strings.TrimSpace(name), "/")
	if name == "" {
		return "", errors.New("object name is required")
	}
	if s.cfg.Prefix != "" {
		name = path.Join(s.cfg.Prefix, name)
	}
	uri := fmt.Sprintf("gs://%s/%s", s.cfg.Bucket, name)

	obj := s.client.Bucket(s.cfg.Bucket).Object(name)
	if s.cfg.SkipExisting {
		obj = obj.If(storage.Conditions{DoesNotExist: true})
	}
	w := obj.NewWriter(ctx)
	w.ContentType = contentType
	if len(s.cfg.Metadata) > 0 {
		w.Metadata = s.cfg.Metadata
	}

	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("upload %s: %w", uri, err)
	}
	if err := w.Close(); err != nil {
		if s.cfg.SkipExisting && alreadyExists(err) {
			return uri, nil
		}
		return "", fmt.Errorf("finalize %s: %w", uri, err)
	}
	return uri, nil
}

func alreadyExists(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}
