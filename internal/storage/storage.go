// Package storage defines where fetch artifacts and fetch records are kept.
package storage

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/JakeFAU/robustfetch/internal/fetch"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// BlobStore keeps a durable copy of downloaded artifacts.
type BlobStore interface {
	// PutObject stores r under path and returns a URI for the stored object.
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// RecordStore persists fetch records.
type RecordStore interface {
	Save(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (Record, error)
}

// State is the lifecycle stage of a fetch run.
type State string

// Run states.
const (
	StateQueued  State = "queued"
	StateRunning State = "running"
	StateDone    State = "done"
)

// Record is the durable account of one fetch run.
type Record struct {
	ID          string       `json:"id"`
	State       State        `json:"state"`
	Result      fetch.Result `json:"result"`
	SHA256      string       `json:"sha256,omitempty"`
	SizeBytes   int64        `json:"size_bytes,omitempty"`
	BlobURI     string       `json:"blob_uri,omitempty"`
	PDFPath     string       `json:"pdf_path,omitempty"`
	PDFEngine   string       `json:"pdf_engine,omitempty"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt time.Time    `json:"completed_at"`
}
