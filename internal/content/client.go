// Package content talks to the file store that backs every entity: a GitHub
// repository through its contents API, or a plain directory for local use.
//
// Paths are repository-relative and slash separated ("clients/org-1/clients-acme.json").
// Every file carries a content hash (the git blob SHA) which doubles as the
// optimistic-concurrency token for updates and deletes.
package content

import (
	"context"
	"fmt"

	"github.com/containerd/errdefs"
)

var (
	// ErrNotFound is returned when a file does not exist.
	ErrNotFound = fmt.Errorf("content not found: %w", errdefs.ErrNotFound)
	// ErrConflict is returned when a write precondition (content hash) does not hold.
	ErrConflict = fmt.Errorf("content changed concurrently: %w", errdefs.ErrConflict)
	// ErrUnavailable is returned when the host could not be reached or failed.
	ErrUnavailable = fmt.Errorf("content host unavailable: %w", errdefs.ErrUnavailable)
	// ErrInvalidPath is returned for paths that do not name a file inside the store.
	ErrInvalidPath = fmt.Errorf("invalid content path: %w", errdefs.ErrInvalidArgument)
)

const (
	EntryTypeFile = "file"
	EntryTypeDir  = "dir"
)

// Entry is one item of a directory listing.
type Entry struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Type string `json:"type"`
	Hash string `json:"hash"`
}

// WriteResult reports the outcome of a put or delete.
type WriteResult struct {
	Path      string `json:"path"`
	Hash      string `json:"hash,omitempty"` // empty after a delete
	CommitSHA string `json:"commit_sha,omitempty"`
}

// Client is the file-store contract the data provider is built on.
type Client interface {
	// ListDirectory returns the entries of a directory. A missing directory is
	// an empty listing, not an error. If path names a file, the listing holds
	// that single file.
	ListDirectory(ctx context.Context, path string) ([]Entry, error)
	// GetFile returns the decoded bytes of a file and its content hash.
	GetFile(ctx context.Context, path string) ([]byte, string, error)
	// PutFile creates (expectedHash == "") or replaces (expectedHash == live hash) a file.
	PutFile(ctx context.Context, path string, data []byte, message, expectedHash string) (WriteResult, error)
	// DeleteFile removes a file whose live hash must equal hash.
	DeleteFile(ctx context.Context, path, hash, message string) (WriteResult, error)
}

// IsConflict reports whether err is a failed write precondition.
func IsConflict(err error) bool { return errdefs.IsConflict(err) }

// IsNotFound reports whether err means the file does not exist.
func IsNotFound(err error) bool { return errdefs.IsNotFound(err) }

// IsUnavailable reports whether err is a transient host failure.
func IsUnavailable(err error) bool { return errdefs.IsUnavailable(err) }
