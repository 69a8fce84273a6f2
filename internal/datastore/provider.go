// Package datastore maps entity operations onto files of the content store.
//
// Every (entity type, organization) pair is a bucket: one directory holding one
// JSON file per record, and one cache key holding the decoded directory. Reads
// are served from the bucket snapshot until it expires or is evicted; writes
// re-list the directory, locate the target by the id inside the content and use
// the file hash as an optimistic-concurrency precondition. Every write evicts
// its bucket before returning.
package datastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bassista/gitrecords/internal/cache"
	"github.com/bassista/gitrecords/internal/content"
	"github.com/bassista/gitrecords/internal/logger"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Options tunes a Provider. Zero values fall back to the defaults below.
type Options struct {
	TTL time.Duration
	// MaxWriteRetries bounds conflict retries of Update and Delete.
	// NoWriteRetries turns them off.
	MaxWriteRetries  int
	FetchConcurrency int
	// FetchTimeout bounds a shared bucket load, which outlives the caller that started it.
	FetchTimeout time.Duration
	Now              func() time.Time
	NewID            func() string
}

const (
	DefaultTTL              = 30 * time.Second
	DefaultMaxWriteRetries  = 3
	DefaultFetchConcurrency = 8
	DefaultFetchTimeout     = time.Minute

	NoWriteRetries = -1
)

type Provider struct {
	client   content.Client
	cache    cache.Cache
	registry *Registry
	opts     Options
	loads    singleflight.Group

	// generations counts evictions per cache key; a load that saw one during
	// its fetch does not store its snapshot.
	genMu       sync.Mutex
	generations map[string]uint64
}

func New(client content.Client, c cache.Cache, registry *Registry, opts Options) (*Provider, error) {
	if client == nil {
		return nil, errors.New("content client is nil")
	}
	if c == nil {
		return nil, errors.New("cache is nil")
	}
	if registry == nil {
		return nil, errors.New("entity registry is nil")
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	switch {
	case opts.MaxWriteRetries == 0:
		opts.MaxWriteRetries = DefaultMaxWriteRetries
	case opts.MaxWriteRetries < 0:
		opts.MaxWriteRetries = 0
	}
	if opts.FetchConcurrency <= 0 {
		opts.FetchConcurrency = DefaultFetchConcurrency
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Provider{
		client:      client,
		cache:       c,
		registry:    registry,
		opts:        opts,
		generations: map[string]uint64{},
	}, nil
}

// Registry exposes the entity table the provider was built with.
func (p *Provider) Registry() *Registry { return p.registry }

type bucket struct {
	entity Entity
	org    string
	dir    string
	key    string
}

func (p *Provider) bucketFor(entityType, organizationID string) (bucket, error) {
	e, ok := p.registry.Lookup(entityType)
	if !ok {
		return bucket{}, fmt.Errorf("%s: %w", entityType, ErrUnknownEntity)
	}
	if !e.Scoped {
		return bucket{entity: e, dir: e.Path, key: cache.BucketKey(e.Type, "")}, nil
	}
	if organizationID == "" {
		return bucket{}, fmt.Errorf("%s: %w", entityType, ErrMissingOrganization)
	}
	if strings.ContainsAny(organizationID, `/\`) || organizationID == "." || organizationID == ".." {
		return bucket{}, fmt.Errorf("organization_id %q: %w", organizationID, ErrInvalidRecord)
	}
	return bucket{
		entity: e,
		org:    organizationID,
		dir:    e.Path + "/" + organizationID,
		key:    cache.BucketKey(e.Type, organizationID),
	}, nil
}

// GetAll returns every record of a bucket, in remote listing order.
func (p *Provider) GetAll(ctx context.Context, entityType, organizationID string) ([]Record, error) {
	b, err := p.bucketFor(entityType, organizationID)
	if err != nil {
		return nil, err
	}
	entries, err := p.load(ctx, b)
	if err != nil {
		return nil, err
	}
	records := make([]Record, len(entries))
	for i, e := range entries {
		records[i] = e.Record.Clone()
	}
	return records, nil
}

// Find returns the first record of the bucket whose id matches.
func (p *Provider) Find(ctx context.Context, entityType, id, organizationID string) (Record, bool, error) {
	records, err := p.GetAll(ctx, entityType, organizationID)
	if err != nil {
		return nil, false, err
	}
	for _, rec := range records {
		if rec.ID() == id {
			return rec, true, nil
		}
	}
	return nil, false, nil
}

// Query returns the records whose fields equal every filter value, preserving order.
func (p *Provider) Query(ctx context.Context, entityType string, filters map[string]any, organizationID string) ([]Record, error) {
	normalized := make(map[string]any, len(filters))
	for field, value := range filters {
		v, err := normalizeValue(value)
		if err != nil {
			return nil, err
		}
		normalized[field] = v
	}

	records, err := p.GetAll(ctx, entityType, organizationID)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(records))
	for _, rec := range records {
		if matches(rec, normalized) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Create stamps and writes a new record. No duplicate-id check is made: ids
// are expected to be globally unique.
func (p *Provider) Create(ctx context.Context, entityType string, data map[string]any, organizationID string) (Record, error) {
	b, err := p.bucketFor(entityType, organizationID)
	if err != nil {
		return nil, err
	}
	rec, err := normalizeRecord(data)
	if err != nil {
		return nil, err
	}

	if id := rec.ID(); id != "" {
		rec[FieldID] = id
	} else {
		rec[FieldID] = p.opts.NewID()
	}
	if b.entity.Scoped {
		if org := rec.OrganizationID(); org != "" && org != b.org {
			return nil, fmt.Errorf("organization_id %q does not match scope %q: %w", org, b.org, ErrInvalidRecord)
		}
		rec[FieldOrganizationID] = b.org
	}
	now := p.opts.Now()
	if _, ok := rec[FieldCreatedAt].(string); !ok {
		rec[FieldCreatedAt] = nextTimestamp(now, nil)
	}
	rec[FieldUpdatedAt] = nextTimestamp(now, nil)

	body, err := encodeRecord(rec)
	if err != nil {
		return nil, err
	}
	message := fmt.Sprintf("create %s/%s", b.entity.Type, rec.ID())
	log := logger.WithEntity("provider", b.entity.Type, b.org)

	path := b.dir + "/" + fileName(b.entity.Type, rec)
	_, err = p.client.PutFile(ctx, path, body, message, "")
	if content.IsConflict(err) {
		if fallback := b.dir + "/" + idFileName(b.entity.Type, rec); fallback != path {
			log.Infof("%s is taken, writing %s instead", path, fallback)
			path = fallback
			_, err = p.client.PutFile(ctx, path, body, message, "")
		}
	}
	p.evict(ctx, b)
	if err != nil {
		if content.IsConflict(err) {
			writeConflicts.WithLabelValues(b.entity.Type, "create").Inc()
		}
		return nil, fmt.Errorf("create %s/%s: %w", b.entity.Type, rec.ID(), err)
	}
	log.Debugf("created %s at %s", rec.ID(), path)
	return rec.Clone(), nil
}

// protectedFields are provider-managed and never taken from update input.
var protectedFields = map[string]bool{
	FieldID:             true,
	FieldOrganizationID: true,
	FieldCreatedAt:      true,
	FieldUpdatedAt:      true,
}

// Update merges partial over the stored record and rewrites its original file.
// A stale hash triggers a re-read and re-merge, up to MaxWriteRetries times.
// found is false when no record has the id.
func (p *Provider) Update(ctx context.Context, entityType, id string, partial map[string]any, organizationID string) (Record, bool, error) {
	b, err := p.bucketFor(entityType, organizationID)
	if err != nil {
		return nil, false, err
	}
	changes, err := normalizeRecord(partial)
	if err != nil {
		return nil, false, err
	}
	log := logger.WithEntity("provider", b.entity.Type, b.org)
	message := fmt.Sprintf("update %s/%s", b.entity.Type, id)

	for attempt := 0; ; attempt++ {
		target, found, err := p.locate(ctx, b, id)
		if err != nil {
			return nil, false, err
		}
		if !found {
			p.evict(ctx, b)
			return nil, false, nil
		}

		merged := target.Record.Clone()
		for field, value := range changes {
			if protectedFields[field] {
				continue
			}
			merged[field] = value
		}
		merged[FieldUpdatedAt] = nextTimestamp(p.opts.Now(), target.Record[FieldUpdatedAt])

		body, err := encodeRecord(merged)
		if err != nil {
			return nil, false, err
		}
		_, err = p.client.PutFile(ctx, target.Path, body, message, target.Hash)
		p.evict(ctx, b)
		if err == nil {
			log.Debugf("updated %s at %s", id, target.Path)
			return merged, true, nil
		}
		if !content.IsConflict(err) {
			return nil, false, fmt.Errorf("update %s/%s: %w", b.entity.Type, id, err)
		}
		writeConflicts.WithLabelValues(b.entity.Type, "update").Inc()
		if attempt >= p.opts.MaxWriteRetries {
			return nil, false, fmt.Errorf("update %s/%s after %d attempts: %w", b.entity.Type, id, attempt+1, err)
		}
		log.Infof("update %s conflicted with a concurrent write, retrying with fresh state", id)
	}
}

// Delete removes the record's file. It reports false, without writing, when no record has the id.
func (p *Provider) Delete(ctx context.Context, entityType, id, organizationID string) (bool, error) {
	b, err := p.bucketFor(entityType, organizationID)
	if err != nil {
		return false, err
	}
	log := logger.WithEntity("provider", b.entity.Type, b.org)
	message := fmt.Sprintf("delete %s/%s", b.entity.Type, id)

	for attempt := 0; ; attempt++ {
		target, found, err := p.locate(ctx, b, id)
		if err != nil {
			return false, err
		}
		if !found {
			p.evict(ctx, b)
			return false, nil
		}

		_, err = p.client.DeleteFile(ctx, target.Path, target.Hash, message)
		p.evict(ctx, b)
		if err == nil {
			log.Debugf("deleted %s at %s", id, target.Path)
			return true, nil
		}
		// A vanished file is re-located like a changed one: the record may have moved.
		if !content.IsConflict(err) && !content.IsNotFound(err) {
			return false, fmt.Errorf("delete %s/%s: %w", b.entity.Type, id, err)
		}
		writeConflicts.WithLabelValues(b.entity.Type, "delete").Inc()
		if attempt >= p.opts.MaxWriteRetries {
			return false, fmt.Errorf("delete %s/%s after %d attempts: %w", b.entity.Type, id, attempt+1, err)
		}
		log.Infof("delete %s conflicted with a concurrent write, retrying with fresh state", id)
	}
}

// Refresh drops the bucket snapshot and reloads it from the content store.
func (p *Provider) Refresh(ctx context.Context, entityType, organizationID string) ([]Record, error) {
	b, err := p.bucketFor(entityType, organizationID)
	if err != nil {
		return nil, err
	}
	p.evict(ctx, b)
	return p.GetAll(ctx, entityType, organizationID)
}

// load returns the bucket snapshot, filling the cache on a miss. Concurrent
// misses on one bucket share a single fetch, which runs detached from any one
// caller's cancellation.
func (p *Provider) load(ctx context.Context, b bucket) ([]Entry, error) {
	if entries, ok := p.cached(ctx, b); ok {
		cacheRequests.WithLabelValues(b.entity.Type, "hit").Inc()
		return entries, nil
	}
	cacheRequests.WithLabelValues(b.entity.Type, "miss").Inc()

	shared := context.WithoutCancel(ctx)
	ch := p.loads.DoChan(b.key, func() (any, error) {
		fctx, cancel := context.WithTimeout(shared, p.opts.FetchTimeout)
		defer cancel()

		gen := p.generation(b.key)
		entries, err := p.fetch(fctx, b, nil)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(entries)
		if err != nil {
			return nil, fmt.Errorf("encode bucket snapshot: %w", err)
		}
		p.store(fctx, b, gen, raw)
		return entries, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]Entry), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Provider) generation(key string) uint64 {
	p.genMu.Lock()
	defer p.genMu.Unlock()
	return p.generations[key]
}

// store caches raw unless the bucket was evicted since generation gen was read.
func (p *Provider) store(ctx context.Context, b bucket, gen uint64, raw []byte) {
	p.genMu.Lock()
	defer p.genMu.Unlock()
	if p.generations[b.key] != gen {
		logger.WithEntity("provider", b.entity.Type, b.org).Debugf("dropping snapshot of %s: evicted during load", b.key)
		return
	}
	if err := p.cache.Set(ctx, b.key, raw, p.opts.TTL); err != nil {
		logger.WithComponent("provider").Warnf("cannot cache %s: %v", b.key, err)
	}
}

func (p *Provider) cached(ctx context.Context, b bucket) ([]Entry, bool) {
	raw, hit, err := p.cache.Get(ctx, b.key)
	if err != nil {
		logger.WithComponent("provider").Warnf("cache read %s failed: %v", b.key, err)
		return nil, false
	}
	if !hit {
		return nil, false
	}
	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		logger.WithComponent("provider").Warnf("discarding unreadable snapshot %s: %v", b.key, err)
		return nil, false
	}
	return entries, true
}

// fetch lists the bucket directory and decodes every .json file in it. Files
// whose path and hash match an entry of reuse are not downloaded again.
func (p *Provider) fetch(ctx context.Context, b bucket, reuse map[string]Entry) ([]Entry, error) {
	listing, err := p.client.ListDirectory(ctx, b.dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", b.dir, err)
	}

	files := make([]content.Entry, 0, len(listing))
	for _, item := range listing {
		if item.Type != "" && item.Type != content.EntryTypeFile {
			continue
		}
		if strings.HasSuffix(item.Name, ".json") {
			files = append(files, item)
		}
	}

	results := make([]*Entry, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.FetchConcurrency)
	for i, file := range files {
		if prev, ok := reuse[file.Path]; ok && file.Hash != "" && prev.Hash == file.Hash {
			results[i] = &Entry{Path: prev.Path, Hash: prev.Hash, Record: prev.Record}
			continue
		}
		g.Go(func() error {
			data, hash, err := p.client.GetFile(gctx, file.Path)
			if content.IsNotFound(err) {
				// removed between list and get
				return nil
			}
			if err != nil {
				return fmt.Errorf("get %s: %w", file.Path, err)
			}
			rec, err := decodeRecord(data)
			if err != nil {
				decodeFailures.WithLabelValues(b.entity.Type).Inc()
				logger.WithEntity("provider", b.entity.Type, b.org).Warnf("skipping %s: %v", file.Path, err)
				return nil
			}
			if hash == "" {
				hash = file.Hash
			}
			results[i] = &Entry{Path: file.Path, Hash: hash, Record: rec}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(results))
	for _, r := range results {
		if r != nil {
			entries = append(entries, *r)
		}
	}
	return entries, nil
}

// locate finds the file currently holding id from a fresh listing. Decoded
// content from the cache is reused for files whose hash has not changed.
func (p *Provider) locate(ctx context.Context, b bucket, id string) (Entry, bool, error) {
	var reuse map[string]Entry
	if entries, ok := p.cached(ctx, b); ok {
		reuse = make(map[string]Entry, len(entries))
		for _, e := range entries {
			reuse[e.Path] = e
		}
	}
	entries, err := p.fetch(ctx, b, reuse)
	if err != nil {
		return Entry{}, false, err
	}
	for _, e := range entries {
		if e.Record.ID() == id {
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}

func (p *Provider) evict(ctx context.Context, b bucket) {
	if err := p.Forget(ctx, b.key); err != nil {
		logger.WithComponent("provider").Errorf("cannot evict %s: %v", b.key, err)
	}
}

// Forget drops the snapshot cached under key and detaches any load in flight
// for it, so the next read fetches again.
func (p *Provider) Forget(ctx context.Context, key string) error {
	p.genMu.Lock()
	p.generations[key]++
	err := p.cache.Forget(ctx, key)
	p.genMu.Unlock()
	p.loads.Forget(key)
	return err
}
