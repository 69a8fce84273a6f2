package content

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGitHub serves the subset of the contents API the client uses.
type fakeGitHub struct {
	mu        sync.Mutex
	files     map[string][]byte
	commits   int
	failReads int
	reads     int
	authSeen  string
}

func newFakeGitHub() *fakeGitHub {
	return &fakeGitHub{files: map[string][]byte{}}
}

type fakeFileBody struct {
	Message string `json:"message"`
	Content []byte `json:"content"`
	SHA     string `json:"sha"`
	Branch  string `json:"branch"`
}

func (f *fakeGitHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const prefix = "/repos/acme/records/contents/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		http.NotFound(w, r)
		return
	}
	p := strings.TrimPrefix(r.URL.Path, prefix)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.authSeen = r.Header.Get("Authorization")

	switch r.Method {
	case http.MethodGet:
		f.reads++
		if f.failReads > 0 {
			f.failReads--
			writeJSON(w, http.StatusBadGateway, map[string]any{"message": "Bad Gateway"})
			return
		}
		if r.URL.Query().Get("ref") != "main" {
			writeJSON(w, http.StatusNotFound, map[string]any{"message": "No commit found for the ref"})
			return
		}
		if data, ok := f.files[p]; ok {
			writeJSON(w, http.StatusOK, fileJSON(p, data))
			return
		}
		items := f.children(p)
		if len(items) == 0 {
			writeJSON(w, http.StatusNotFound, map[string]any{"message": "Not Found"})
			return
		}
		writeJSON(w, http.StatusOK, items)
	case http.MethodPut:
		var body fakeFileBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"message": err.Error()})
			return
		}
		current, exists := f.files[p]
		if body.SHA == "" && exists {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"message": `Invalid request. "sha" wasn't supplied.`})
			return
		}
		if body.SHA != "" && (!exists || blobHash(current) != body.SHA) {
			writeJSON(w, http.StatusConflict, map[string]any{"message": "does not match"})
			return
		}
		f.files[p] = body.Content
		f.commits++
		status := http.StatusOK
		if !exists {
			status = http.StatusCreated
		}
		writeJSON(w, status, map[string]any{
			"content": map[string]any{"name": path.Base(p), "path": p, "sha": blobHash(body.Content), "type": "file"},
			"commit":  map[string]any{"sha": "commit-" + string(rune('0'+f.commits))},
		})
	case http.MethodDelete:
		var body fakeFileBody
		_ = json.NewDecoder(r.Body).Decode(&body)
		current, exists := f.files[p]
		if !exists {
			writeJSON(w, http.StatusNotFound, map[string]any{"message": "Not Found"})
			return
		}
		if blobHash(current) != body.SHA {
			writeJSON(w, http.StatusConflict, map[string]any{"message": "does not match"})
			return
		}
		delete(f.files, p)
		f.commits++
		writeJSON(w, http.StatusOK, map[string]any{"content": nil, "commit": map[string]any{"sha": "commit-del"}})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeGitHub) children(dir string) []map[string]any {
	seen := map[string]map[string]any{}
	for p, data := range f.files {
		if !strings.HasPrefix(p, dir+"/") {
			continue
		}
		rest := strings.TrimPrefix(p, dir+"/")
		if i := strings.Index(rest, "/"); i >= 0 {
			name := rest[:i]
			seen[name] = map[string]any{"name": name, "path": dir + "/" + name, "type": "dir", "sha": "tree"}
			continue
		}
		seen[rest] = map[string]any{"name": rest, "path": p, "type": "file", "sha": blobHash(data)}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	items := make([]map[string]any, 0, len(names))
	for _, n := range names {
		items = append(items, seen[n])
	}
	return items
}

func fileJSON(p string, data []byte) map[string]any {
	return map[string]any{
		"type":     "file",
		"encoding": "base64",
		"name":     path.Base(p),
		"path":     p,
		"sha":      blobHash(data),
		"content":  base64.StdEncoding.EncodeToString(data),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestGitHubClient(t *testing.T, fake *fakeGitHub) *GitHubClient {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	c, err := NewGitHubClient(GitHubOptions{
		Owner:         "acme",
		Repo:          "records",
		Branch:        "main",
		Token:         "secret-token",
		BaseURL:       srv.URL,
		ReadRetries:   2,
		RetryInterval: time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

func TestNewGitHubClient_RequiresRepository(t *testing.T) {
	_, err := NewGitHubClient(GitHubOptions{Owner: "acme"})
	assert.Error(t, err)
}

func TestGitHubClient_CreateReadList(t *testing.T) {
	fake := newFakeGitHub()
	c := newTestGitHubClient(t, fake)
	ctx := context.Background()

	res, err := c.PutFile(ctx, "clients/org-42/clients-acme.json", []byte(`{"id":"c1"}`), "create clients/c1", "")
	require.NoError(t, err)
	assert.Equal(t, blobHash([]byte(`{"id":"c1"}`)), res.Hash)
	assert.NotEmpty(t, res.CommitSHA)
	assert.Equal(t, "Bearer secret-token", fake.authSeen)

	data, hash, err := c.GetFile(ctx, "clients/org-42/clients-acme.json")
	require.NoError(t, err)
	assert.Equal(t, `{"id":"c1"}`, string(data))
	assert.Equal(t, res.Hash, hash)

	entries, err := c.ListDirectory(ctx, "clients/org-42")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "clients-acme.json", entries[0].Name)
	assert.Equal(t, EntryTypeFile, entries[0].Type)
	assert.Equal(t, res.Hash, entries[0].Hash)
}

func TestGitHubClient_ListMissingDirectoryIsEmpty(t *testing.T) {
	c := newTestGitHubClient(t, newFakeGitHub())
	entries, err := c.ListDirectory(context.Background(), "projects/org-1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestGitHubClient_GetMissingFile(t *testing.T) {
	c := newTestGitHubClient(t, newFakeGitHub())
	_, _, err := c.GetFile(context.Background(), "projects/org-1/nope.json")
	assert.True(t, IsNotFound(err))
}

func TestGitHubClient_ReadsRetryTransientFailures(t *testing.T) {
	fake := newFakeGitHub()
	fake.files["tags/org-1/tags-red.json"] = []byte(`{"id":"t1"}`)
	fake.failReads = 2
	c := newTestGitHubClient(t, fake)

	data, _, err := c.GetFile(context.Background(), "tags/org-1/tags-red.json")
	require.NoError(t, err)
	assert.Equal(t, `{"id":"t1"}`, string(data))
	assert.Equal(t, 3, fake.reads)
}

func TestGitHubClient_ReadsSurfaceUnavailableAfterRetries(t *testing.T) {
	fake := newFakeGitHub()
	fake.failReads = 10
	c := newTestGitHubClient(t, fake)

	_, err := c.ListDirectory(context.Background(), "tags/org-1")
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
	assert.Equal(t, 3, fake.reads, "one attempt plus two retries")
}

func TestGitHubClient_WritePreconditions(t *testing.T) {
	fake := newFakeGitHub()
	c := newTestGitHubClient(t, fake)
	ctx := context.Background()

	first, err := c.PutFile(ctx, "tasks/org-1/tasks-a.json", []byte(`{"v":1}`), "create", "")
	require.NoError(t, err)

	_, err = c.PutFile(ctx, "tasks/org-1/tasks-a.json", []byte(`{"v":1}`), "create again", "")
	assert.True(t, IsConflict(err), "422 on existing file maps to conflict")

	second, err := c.PutFile(ctx, "tasks/org-1/tasks-a.json", []byte(`{"v":2}`), "update", first.Hash)
	require.NoError(t, err)

	_, err = c.PutFile(ctx, "tasks/org-1/tasks-a.json", []byte(`{"v":3}`), "stale", first.Hash)
	assert.True(t, IsConflict(err), "409 on stale sha maps to conflict")

	_, err = c.DeleteFile(ctx, "tasks/org-1/tasks-a.json", first.Hash, "stale delete")
	assert.True(t, IsConflict(err))

	res, err := c.DeleteFile(ctx, "tasks/org-1/tasks-a.json", second.Hash, "delete")
	require.NoError(t, err)
	assert.Equal(t, "commit-del", res.CommitSHA)

	_, err = c.DeleteFile(ctx, "tasks/org-1/tasks-a.json", second.Hash, "delete again")
	assert.True(t, IsNotFound(err))
}

func TestGitHubClient_DeleteRequiresHash(t *testing.T) {
	c := newTestGitHubClient(t, newFakeGitHub())
	_, err := c.DeleteFile(context.Background(), "tasks/org-1/tasks-a.json", "", "delete")
	assert.Error(t, err)
}
