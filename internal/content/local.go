package content

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/bassista/gitrecords/internal/logger"
)

// LocalClient implements Client over a directory on disk. Hashes are git blob
// SHA-1s so a checkout of the backing repository behaves like the remote.
type LocalClient struct {
	root string
	mu   sync.Mutex
}

var _ Client = (*LocalClient)(nil)

// NewLocalClient creates a client rooted at dir, creating it if needed.
func NewLocalClient(dir string) (*LocalClient, error) {
	if dir == "" {
		return nil, errors.New("local content root is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve content root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create content root: %w", err)
	}
	return &LocalClient{root: abs}, nil
}

// Root returns the absolute directory backing the client.
func (l *LocalClient) Root() string { return l.root }

func (l *LocalClient) ListDirectory(ctx context.Context, p string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, rel, err := l.resolve(p)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %v: %w", rel, err, ErrUnavailable)
	}
	if !info.IsDir() {
		hash, err := hashFile(full)
		if err != nil {
			return nil, fmt.Errorf("list %s: %v: %w", rel, err, ErrUnavailable)
		}
		return []Entry{{Name: path.Base(rel), Path: rel, Type: EntryTypeFile, Hash: hash}}, nil
	}

	dirEntries, err := os.ReadDir(full)
	if err != nil {
		return nil, fmt.Errorf("list %s: %v: %w", rel, err, ErrUnavailable)
	}
	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if strings.Contains(de.Name(), ".tmp-") {
			continue
		}
		entry := Entry{Name: de.Name(), Path: path.Join(rel, de.Name()), Type: EntryTypeFile}
		if de.IsDir() {
			entry.Type = EntryTypeDir
		} else {
			hash, err := hashFile(filepath.Join(full, de.Name()))
			if err != nil {
				return nil, fmt.Errorf("list %s: %v: %w", rel, err, ErrUnavailable)
			}
			entry.Hash = hash
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (l *LocalClient) GetFile(ctx context.Context, p string) ([]byte, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	full, rel, err := l.resolve(p)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, "", fmt.Errorf("get %s: %w", rel, ErrNotFound)
	}
	if err != nil {
		return nil, "", fmt.Errorf("get %s: %v: %w", rel, err, ErrUnavailable)
	}
	return data, blobHash(data), nil
}

func (l *LocalClient) PutFile(ctx context.Context, p string, data []byte, message, expectedHash string) (WriteResult, error) {
	if err := ctx.Err(); err != nil {
		return WriteResult{}, err
	}
	full, rel, err := l.resolve(p)
	if err != nil {
		return WriteResult{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	current, err := hashFile(full)
	exists := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return WriteResult{}, fmt.Errorf("put %s: %v: %w", rel, err, ErrUnavailable)
	}
	switch {
	case expectedHash == "" && exists:
		return WriteResult{}, fmt.Errorf("put %s: file already exists: %w", rel, ErrConflict)
	case expectedHash != "" && !exists:
		return WriteResult{}, fmt.Errorf("put %s: file vanished: %w", rel, ErrConflict)
	case expectedHash != "" && current != expectedHash:
		return WriteResult{}, fmt.Errorf("put %s: %w", rel, ErrConflict)
	}

	if err := writeAtomic(full, data); err != nil {
		return WriteResult{}, fmt.Errorf("put %s: %w", rel, err)
	}
	hash := blobHash(data)
	logger.WithComponent("content-local").Debugf("%s: wrote %s (%s)", message, rel, hash)
	return WriteResult{Path: rel, Hash: hash}, nil
}

func (l *LocalClient) DeleteFile(ctx context.Context, p, hash, message string) (WriteResult, error) {
	if err := ctx.Err(); err != nil {
		return WriteResult{}, err
	}
	full, rel, err := l.resolve(p)
	if err != nil {
		return WriteResult{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	current, err := hashFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return WriteResult{}, fmt.Errorf("delete %s: %w", rel, ErrNotFound)
	}
	if err != nil {
		return WriteResult{}, fmt.Errorf("delete %s: %v: %w", rel, err, ErrUnavailable)
	}
	if current != hash {
		return WriteResult{}, fmt.Errorf("delete %s: %w", rel, ErrConflict)
	}
	if err := os.Remove(full); err != nil {
		return WriteResult{}, fmt.Errorf("delete %s: %w", rel, err)
	}
	logger.WithComponent("content-local").Debugf("%s: removed %s", message, rel)
	return WriteResult{Path: rel}, nil
}

// resolve maps a repository path onto the filesystem, refusing paths that escape the root.
func (l *LocalClient) resolve(p string) (string, string, error) {
	rel := path.Clean("/" + strings.TrimSpace(p))
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" || rel == "." {
		return l.root, "", nil
	}
	if strings.HasPrefix(rel, "..") {
		return "", "", fmt.Errorf("%q: %w", p, ErrInvalidPath)
	}
	return filepath.Join(l.root, filepath.FromSlash(rel)), rel, nil
}

// relative converts an absolute filesystem path back to a repository path.
func (l *LocalClient) relative(full string) (string, bool) {
	rel, err := filepath.Rel(l.root, full)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// writeAtomic writes data through a temp file and rename so readers never see partial files.
func writeAtomic(full string, data []byte) error {
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, filepath.Base(full)+".tmp-")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpFile.Name(), full); err != nil {
		return fmt.Errorf("replace file: %w", err)
	}
	return nil
}

func hashFile(full string) (string, error) {
	data, err := os.ReadFile(full)
	if err != nil {
		return "", err
	}
	return blobHash(data), nil
}

// blobHash is the git object id of data stored as a blob.
func blobHash(data []byte) string {
	h := sha1.New()
	h.Write([]byte("blob " + strconv.Itoa(len(data)) + "\x00"))
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
