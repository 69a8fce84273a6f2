package datastore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bassista/gitrecords/internal/cache"
	"github.com/bassista/gitrecords/internal/content"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingClient wraps a content client, counting calls and letting tests inject behavior.
type countingClient struct {
	content.Client
	lists atomic.Int32
	gets  atomic.Int32
	puts    atomic.Int32
	deletes atomic.Int32

	mu        sync.Mutex
	beforePut func(path, expectedHash string)
	afterGet  func(path string)
	listErr   error
}

func (c *countingClient) ListDirectory(ctx context.Context, p string) ([]content.Entry, error) {
	c.lists.Add(1)
	c.mu.Lock()
	err := c.listErr
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return c.Client.ListDirectory(ctx, p)
}

func (c *countingClient) GetFile(ctx context.Context, p string) ([]byte, string, error) {
	c.gets.Add(1)
	data, hash, err := c.Client.GetFile(ctx, p)
	c.mu.Lock()
	hook := c.afterGet
	c.afterGet = nil
	c.mu.Unlock()
	if hook != nil {
		hook(p)
	}
	return data, hash, err
}

func (c *countingClient) DeleteFile(ctx context.Context, p, hash, message string) (content.WriteResult, error) {
	c.deletes.Add(1)
	return c.Client.DeleteFile(ctx, p, hash, message)
}

// holdNextGet parks the next GetFile, after it has read the file, until the
// returned release func is called. reached is closed once it is parked.
func (c *countingClient) holdNextGet() (reached <-chan struct{}, release func()) {
	parked := make(chan struct{})
	gate := make(chan struct{})
	c.mu.Lock()
	c.afterGet = func(string) {
		close(parked)
		<-gate
	}
	c.mu.Unlock()
	var once sync.Once
	return parked, func() { once.Do(func() { close(gate) }) }
}

func (c *countingClient) PutFile(ctx context.Context, p string, data []byte, message, expectedHash string) (content.WriteResult, error) {
	c.puts.Add(1)
	c.mu.Lock()
	hook := c.beforePut
	c.beforePut = nil
	c.mu.Unlock()
	if hook != nil {
		hook(p, expectedHash)
	}
	return c.Client.PutFile(ctx, p, data, message, expectedHash)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	provider *Provider
	local    *content.LocalClient
	client   *countingClient
	store    *cache.Store
	clock    *testClock
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(
		Entity{Type: "users"},
		Entity{Type: "clients", Scoped: true},
		Entity{Type: "tasks", Scoped: true},
	)
	require.NoError(t, err)
	return r
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	local, err := content.NewLocalClient(t.TempDir())
	require.NoError(t, err)
	clock := &testClock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	store := cache.NewStore().WithClock(clock.Now)
	client := &countingClient{Client: local}

	var seq atomic.Int32
	p, err := New(client, store, testRegistry(t), Options{
		TTL: time.Minute,
		Now: clock.Now,
		NewID: func() string {
			return fmt.Sprintf("id-%d", seq.Add(1))
		},
	})
	require.NoError(t, err)
	return &fixture{provider: p, local: local, client: client, store: store, clock: clock}
}

func (f *fixture) writeRaw(t *testing.T, rel string, body string) {
	t.Helper()
	full := filepath.Join(f.local.Root(), filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(body), 0o644))
}

func TestNew_RequiresDependencies(t *testing.T) {
	reg := testRegistry(t)
	_, err := New(nil, cache.NewStore(), reg, Options{})
	assert.Error(t, err)
	local, _ := content.NewLocalClient(t.TempDir())
	_, err = New(local, nil, reg, Options{})
	assert.Error(t, err)
	_, err = New(local, cache.NewStore(), nil, Options{})
	assert.Error(t, err)
}

func TestProvider_ScopeValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.provider.GetAll(ctx, "invoices", "org-1")
	assert.ErrorIs(t, err, ErrUnknownEntity)
	assert.True(t, IsInvalidArgument(err))

	_, err = f.provider.GetAll(ctx, "clients", "")
	assert.ErrorIs(t, err, ErrMissingOrganization)

	_, err = f.provider.Create(ctx, "clients", map[string]any{"name": "x"}, "../etc")
	assert.ErrorIs(t, err, ErrInvalidRecord)

	users, err := f.provider.GetAll(ctx, "users", "")
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestProvider_CreateAndFind(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.provider.Create(ctx, "clients", map[string]any{"name": "Acme Corp", "archived": false}, "org-1")
	require.NoError(t, err)
	assert.Equal(t, "id-1", rec.ID())
	assert.Equal(t, "org-1", rec.OrganizationID())
	assert.Equal(t, "2026-03-02T10:00:00.000000Z", rec[FieldCreatedAt])
	assert.Equal(t, rec[FieldCreatedAt], rec[FieldUpdatedAt])

	_, err = os.Stat(filepath.Join(f.local.Root(), "clients", "org-1", "clients-acme-corp.json"))
	require.NoError(t, err)

	got, found, err := f.provider.Find(ctx, "clients", "id-1", "org-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, rec, got)

	_, found, err = f.provider.Find(ctx, "clients", "id-1", "org-2")
	require.NoError(t, err)
	assert.False(t, found, "records never leak across organizations")
}

func TestProvider_CreateKeepsSuppliedIDAndRejectsForeignOrganization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.provider.Create(ctx, "users", map[string]any{"id": "u-7", "name": "Ada"}, "")
	require.NoError(t, err)
	assert.Equal(t, "u-7", rec.ID())
	_, scoped := rec[FieldOrganizationID]
	assert.False(t, scoped)

	_, err = f.provider.Create(ctx, "clients", map[string]any{"name": "Acme", "organization_id": "org-2"}, "org-1")
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestProvider_CreateFallsBackToIDFileName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.provider.Create(ctx, "clients", map[string]any{"name": "Acme"}, "org-1")
	require.NoError(t, err)
	second, err := f.provider.Create(ctx, "clients", map[string]any{"name": "Acme"}, "org-1")
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(f.local.Root(), "clients", "org-1", "clients-id-2.json"))
	require.NoError(t, err)

	all, err := f.provider.GetAll(ctx, "clients", "org-1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	got, found, err := f.provider.Find(ctx, "clients", second.ID(), "org-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "Acme", got[FieldName])
}

func TestProvider_UpdateMergesAndProtectsManagedFields(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.provider.Create(ctx, "tasks", map[string]any{"name": "Design", "is_done": false, "project_id": "p-1"}, "org-1")
	require.NoError(t, err)

	updated, found, err := f.provider.Update(ctx, "tasks", created.ID(), map[string]any{
		"is_done":         true,
		"name":            "Design review",
		"id":              "hijack",
		"organization_id": "org-9",
		"created_at":      "1999-01-01T00:00:00.000000Z",
	}, "org-1")
	require.NoError(t, err)
	require.True(t, found)

	assert.Equal(t, created.ID(), updated.ID())
	assert.Equal(t, "org-1", updated.OrganizationID())
	assert.Equal(t, created[FieldCreatedAt], updated[FieldCreatedAt])
	assert.Equal(t, true, updated["is_done"])
	assert.Equal(t, "p-1", updated["project_id"])
	assert.Greater(t, updated[FieldUpdatedAt].(string), created[FieldUpdatedAt].(string),
		"updated_at advances even when the clock has not")

	// the file keeps its original name after a rename
	_, err = os.Stat(filepath.Join(f.local.Root(), "tasks", "org-1", "tasks-design.json"))
	require.NoError(t, err)

	got, _, err := f.provider.Find(ctx, "tasks", created.ID(), "org-1")
	require.NoError(t, err)
	assert.Equal(t, updated, got)
}

func TestProvider_UpdateAndDeleteMissingRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, found, err := f.provider.Update(ctx, "tasks", "nope", map[string]any{"is_done": true}, "org-1")
	require.NoError(t, err)
	assert.False(t, found)

	_, err = f.provider.Create(ctx, "tasks", map[string]any{"name": "Keep me"}, "org-1")
	require.NoError(t, err)
	f.client.puts.Store(0)

	deleted, err := f.provider.Delete(ctx, "tasks", "nope", "org-1")
	require.NoError(t, err)
	assert.False(t, deleted)
	assert.Zero(t, f.client.puts.Load())
	assert.Zero(t, f.client.deletes.Load())

	all, err := f.provider.GetAll(ctx, "tasks", "org-1")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestProvider_Delete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	keep, err := f.provider.Create(ctx, "clients", map[string]any{"name": "Keep"}, "org-1")
	require.NoError(t, err)
	drop, err := f.provider.Create(ctx, "clients", map[string]any{"name": "Drop"}, "org-1")
	require.NoError(t, err)

	deleted, err := f.provider.Delete(ctx, "clients", drop.ID(), "org-1")
	require.NoError(t, err)
	assert.True(t, deleted)

	all, err := f.provider.GetAll(ctx, "clients", "org-1")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, keep.ID(), all[0].ID())
}

func TestProvider_QueryFiltersInListingOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.writeRaw(t, "tasks/org-1/a.json", `{"id":"t1","name":"A","is_done":true,"project_id":"p1"}`)
	f.writeRaw(t, "tasks/org-1/b.json", `{"id":"t2","name":"B","is_done":false,"project_id":"p1"}`)
	f.writeRaw(t, "tasks/org-1/c.json", `{"id":"t3","name":"C","is_done":true,"project_id":"p2"}`)
	f.writeRaw(t, "tasks/org-1/d.json", `{"id":"t4","name":"D","project_id":"p1"}`)

	done, err := f.provider.Query(ctx, "tasks", map[string]any{"is_done": true}, "org-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t3"}, ids(done))

	both, err := f.provider.Query(ctx, "tasks", map[string]any{"is_done": true, "project_id": "p1"}, "org-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, ids(both))

	unset, err := f.provider.Query(ctx, "tasks", map[string]any{"is_done": nil}, "org-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"t4"}, ids(unset))

	all, err := f.provider.Query(ctx, "tasks", nil, "org-1")
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestProvider_SkipsUndecodableFiles(t *testing.T) {
	f := newFixture(t)
	f.writeRaw(t, "clients/org-1/good.json", `{"id":"c1","name":"Good"}`)
	f.writeRaw(t, "clients/org-1/broken.json", `{"id":`)
	f.writeRaw(t, "clients/org-1/noid.json", `{"name":"No id"}`)
	f.writeRaw(t, "clients/org-1/array.json", `[1,2]`)
	f.writeRaw(t, "clients/org-1/README.md", `not a record`)
	f.writeRaw(t, "clients/org-1/nested/deep.json", `{"id":"c9"}`)

	all, err := f.provider.GetAll(context.Background(), "clients", "org-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, ids(all))
}

func TestProvider_ServesReadsFromCacheUntilExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.writeRaw(t, "clients/org-1/a.json", `{"id":"c1","name":"Old"}`)

	first, err := f.provider.GetAll(ctx, "clients", "org-1")
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.EqualValues(t, 1, f.client.lists.Load())

	f.writeRaw(t, "clients/org-1/a.json", `{"id":"c1","name":"New"}`)

	cached, err := f.provider.GetAll(ctx, "clients", "org-1")
	require.NoError(t, err)
	assert.Equal(t, "Old", cached[0][FieldName])
	assert.EqualValues(t, 1, f.client.lists.Load())

	f.clock.Advance(2 * time.Minute)
	fresh, err := f.provider.GetAll(ctx, "clients", "org-1")
	require.NoError(t, err)
	assert.Equal(t, "New", fresh[0][FieldName])
	assert.EqualValues(t, 2, f.client.lists.Load())
}

func TestProvider_ReturnedRecordsDoNotAliasCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.writeRaw(t, "clients/org-1/a.json", `{"id":"c1","name":"Acme","tags":["x"]}`)

	all, err := f.provider.GetAll(ctx, "clients", "org-1")
	require.NoError(t, err)
	all[0][FieldName] = "mutated"
	all[0]["tags"].([]any)[0] = "y"

	again, err := f.provider.GetAll(ctx, "clients", "org-1")
	require.NoError(t, err)
	assert.Equal(t, "Acme", again[0][FieldName])
	assert.Equal(t, []any{"x"}, again[0]["tags"])
}

func TestProvider_RefreshAndEvictOnWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.writeRaw(t, "clients/org-1/a.json", `{"id":"c1","name":"Old"}`)

	_, err := f.provider.GetAll(ctx, "clients", "org-1")
	require.NoError(t, err)
	_, hit, _ := f.store.Get(ctx, cache.BucketKey("clients", "org-1"))
	require.True(t, hit)

	f.writeRaw(t, "clients/org-1/a.json", `{"id":"c1","name":"New"}`)
	refreshed, err := f.provider.Refresh(ctx, "clients", "org-1")
	require.NoError(t, err)
	assert.Equal(t, "New", refreshed[0][FieldName])

	_, err = f.provider.Create(ctx, "clients", map[string]any{"name": "Other"}, "org-1")
	require.NoError(t, err)
	_, hit, _ = f.store.Get(ctx, cache.BucketKey("clients", "org-1"))
	assert.False(t, hit, "writes evict their bucket")
}

func TestProvider_WriteReusesUnchangedContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.writeRaw(t, "clients/org-1/a.json", `{"id":"c1","name":"A"}`)
	f.writeRaw(t, "clients/org-1/b.json", `{"id":"c2","name":"B"}`)

	_, err := f.provider.GetAll(ctx, "clients", "org-1")
	require.NoError(t, err)
	require.EqualValues(t, 2, f.client.gets.Load())

	_, found, err := f.provider.Update(ctx, "clients", "c2", map[string]any{"archived": true}, "org-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.EqualValues(t, 2, f.client.gets.Load(), "hash-matched files are not downloaded again")
	assert.EqualValues(t, 2, f.client.lists.Load(), "writes always list afresh")
}

func TestProvider_UpdateRetriesOnConcurrentWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.provider.Create(ctx, "tasks", map[string]any{"name": "Write docs", "is_done": false}, "org-1")
	require.NoError(t, err)

	// Another writer changes the same file between our read and our write.
	f.client.mu.Lock()
	f.client.beforePut = func(path, expectedHash string) {
		data, hash, err := f.local.GetFile(ctx, path)
		require.NoError(t, err)
		other := strings.Replace(string(data), `"is_done": false`, `"is_done": false,
  "project_id": "p-42"`, 1)
		_, err = f.local.PutFile(ctx, path, []byte(other), "external", hash)
		require.NoError(t, err)
	}
	f.client.mu.Unlock()

	updated, found, err := f.provider.Update(ctx, "tasks", created.ID(), map[string]any{"is_done": true}, "org-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, true, updated["is_done"])
	assert.Equal(t, "p-42", updated["project_id"], "the concurrent change survives the retry")

	got, _, err := f.provider.Find(ctx, "tasks", created.ID(), "org-1")
	require.NoError(t, err)
	assert.Equal(t, true, got["is_done"])
	assert.Equal(t, "p-42", got["project_id"])
}

func TestProvider_UpdateGivesUpAfterMaxRetries(t *testing.T) {
	local, err := content.NewLocalClient(t.TempDir())
	require.NoError(t, err)
	client := &alwaysConflicting{Client: local}
	p, err := New(client, cache.NewStore(), testRegistry(t), Options{MaxWriteRetries: 2})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = local.PutFile(ctx, "clients/org-1/a.json", []byte(`{"id":"c1","name":"A"}`), "seed", "")
	require.NoError(t, err)

	_, _, err = p.Update(ctx, "clients", "c1", map[string]any{"archived": true}, "org-1")
	require.Error(t, err)
	assert.True(t, content.IsConflict(err))
	assert.EqualValues(t, 3, client.puts.Load())
}

func TestProvider_WriteRetriesDisabled(t *testing.T) {
	local, err := content.NewLocalClient(t.TempDir())
	require.NoError(t, err)
	client := &alwaysConflicting{Client: local}
	p, err := New(client, cache.NewStore(), testRegistry(t), Options{MaxWriteRetries: NoWriteRetries})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = local.PutFile(ctx, "clients/org-1/a.json", []byte(`{"id":"c1","name":"A"}`), "seed", "")
	require.NoError(t, err)

	_, _, err = p.Update(ctx, "clients", "c1", map[string]any{"archived": true}, "org-1")
	assert.True(t, content.IsConflict(err))
	assert.EqualValues(t, 1, client.puts.Load())
}

type alwaysConflicting struct {
	content.Client
	puts atomic.Int32
}

func (c *alwaysConflicting) PutFile(context.Context, string, []byte, string, string) (content.WriteResult, error) {
	c.puts.Add(1)
	return content.WriteResult{}, content.ErrConflict
}

func TestProvider_SurfacesUnavailableHost(t *testing.T) {
	f := newFixture(t)
	f.client.mu.Lock()
	f.client.listErr = fmt.Errorf("list: %w", content.ErrUnavailable)
	f.client.mu.Unlock()

	_, err := f.provider.GetAll(context.Background(), "clients", "org-1")
	require.Error(t, err)
	assert.True(t, content.IsUnavailable(err))

	_, err = f.provider.Create(context.Background(), "clients", map[string]any{"name": "x"}, "org-1")
	require.NoError(t, err, "create does not list")
}

func TestProvider_ConcurrentReadsShareOneFetch(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 20; i++ {
		f.writeRaw(t, fmt.Sprintf("clients/org-1/c%02d.json", i), fmt.Sprintf(`{"id":"c%02d"}`, i))
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			all, err := f.provider.GetAll(context.Background(), "clients", "org-1")
			assert.NoError(t, err)
			assert.Len(t, all, 20)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, f.client.lists.Load(), int32(8))
}

func ids(records []Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID()
	}
	return out
}

func TestProvider_ReadAfterWriteSkipsLoadInFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.provider.Create(ctx, "clients", map[string]any{"name": "Acme"}, "org-1")
	require.NoError(t, err)

	reached, release := f.client.holdNextGet()
	defer release()
	early := make(chan []Record, 1)
	go func() {
		records, _ := f.provider.GetAll(ctx, "clients", "org-1")
		early <- records
	}()
	<-reached

	_, found, err := f.provider.Update(ctx, "clients", created.ID(), map[string]any{"name": "Renamed"}, "org-1")
	require.NoError(t, err)
	require.True(t, found)

	type result struct {
		rec Record
		err error
	}
	after := make(chan result, 1)
	go func() {
		rec, _, err := f.provider.Find(ctx, "clients", created.ID(), "org-1")
		after <- result{rec, err}
	}()
	select {
	case res := <-after:
		require.NoError(t, res.err)
		assert.Equal(t, "Renamed", res.rec["name"])
	case <-time.After(5 * time.Second):
		t.Fatal("read after update waited on the load started before it")
	}

	release()
	stale := <-early
	require.Len(t, stale, 1)
	assert.Equal(t, "Acme", stale[0]["name"], "the early read started before the update")

	got, _, err := f.provider.Find(ctx, "clients", created.ID(), "org-1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got["name"], "the early snapshot must not be cached")
}

func TestProvider_ForgetDropsSnapshotOfLoadInFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.provider.Create(ctx, "clients", map[string]any{"name": "Acme"}, "org-1")
	require.NoError(t, err)

	reached, release := f.client.holdNextGet()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.provider.GetAll(ctx, "clients", "org-1")
	}()
	<-reached

	key := cache.BucketKey("clients", "org-1")
	require.NoError(t, f.provider.Forget(ctx, key))
	release()
	<-done

	_, hit, err := f.store.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestProvider_CancelledReaderDoesNotFailSharedLoad(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.provider.Create(ctx, "clients", map[string]any{"name": "Acme"}, "org-1")
	require.NoError(t, err)

	reached, release := f.client.holdNextGet()
	defer release()

	cancelled, cancel := context.WithCancel(ctx)
	first := make(chan error, 1)
	go func() {
		_, err := f.provider.GetAll(cancelled, "clients", "org-1")
		first <- err
	}()
	<-reached

	type result struct {
		records []Record
		err     error
	}
	second := make(chan result, 1)
	go func() {
		records, err := f.provider.GetAll(ctx, "clients", "org-1")
		second <- result{records, err}
	}()

	cancel()
	assert.ErrorIs(t, <-first, context.Canceled)

	release()
	res := <-second
	require.NoError(t, res.err)
	require.Len(t, res.records, 1)
	assert.Equal(t, "Acme", res.records[0]["name"])
}
