// Package webhook keeps the bucket cache consistent with edits made directly
// in the backing repository. GitHub push deliveries, the local directory
// watcher and the admin CLI all funnel changed paths into InvalidatePaths.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/bassista/gitrecords/internal/cache"
	"github.com/bassista/gitrecords/internal/config"
	"github.com/bassista/gitrecords/internal/datastore"
	"github.com/bassista/gitrecords/internal/logger"
	"github.com/containerd/errdefs"
	"github.com/google/go-github/v71/github"
)

var (
	ErrDisabled           = fmt.Errorf("webhooks are disabled: %w", errdefs.ErrPermissionDenied)
	ErrSignatureInvalid   = fmt.Errorf("invalid webhook signature: %w", errdefs.ErrUnauthenticated)
	ErrRepositoryMismatch = fmt.Errorf("repository mismatch: %w", errdefs.ErrInvalidArgument)
	ErrMalformedPayload   = fmt.Errorf("malformed webhook payload: %w", errdefs.ErrInvalidArgument)
)

const (
	EventPush = "push"
	EventPing = "ping"
)

type Options struct {
	Enabled bool
	Secret  string
	// Repository is the owner/repo full name pushes must come from.
	Repository string
}

// Evictor drops one bucket cache key. A cache.Cache is enough; the
// datastore.Provider also detaches loads in flight for the key.
type Evictor interface {
	Forget(ctx context.Context, key string) error
}

type Invalidator struct {
	evictor  Evictor
	registry *datastore.Registry
	opts     Options
}

func New(e Evictor, registry *datastore.Registry, opts Options) (*Invalidator, error) {
	if e == nil {
		return nil, errors.New("evictor is nil")
	}
	if registry == nil {
		return nil, errors.New("entity registry is nil")
	}
	return &Invalidator{evictor: e, registry: registry, opts: opts}, nil
}

// Delivery is one inbound webhook request.
type Delivery struct {
	Event     string
	ID        string
	Signature string
	Body      []byte
}

// Result is the acknowledgment returned to the sender.
type Result struct {
	Message          string
	Event            string
	Zen              string
	FilesProcessed   int
	CacheKeysCleared []string
}

// Body renders the result in the shape GitHub delivery logs show.
func (r Result) Body() map[string]any {
	switch r.Event {
	case EventPush:
		keys := r.CacheKeysCleared
		if keys == nil {
			keys = []string{}
		}
		return map[string]any{
			"message":            r.Message,
			"files_processed":    r.FilesProcessed,
			"cache_keys_cleared": keys,
		}
	case EventPing:
		return map[string]any{"message": r.Message, "zen": r.Zen}
	default:
		return map[string]any{"message": r.Message}
	}
}

// Handle authenticates a delivery and applies it.
func (v *Invalidator) Handle(ctx context.Context, d Delivery) (Result, error) {
	log := logger.WithComponent("webhook").WithField("delivery", d.ID).WithField("event", d.Event)

	if !v.opts.Enabled {
		webhookEvents.WithLabelValues(d.Event, "disabled").Inc()
		return Result{}, ErrDisabled
	}
	if v.opts.Secret == "" {
		log.Warn("no webhook secret configured, accepting delivery without signature verification")
	} else if err := github.ValidateSignature(d.Signature, d.Body, []byte(v.opts.Secret)); err != nil {
		webhookEvents.WithLabelValues(d.Event, "unauthorized").Inc()
		log.Warnf("rejecting delivery: %v", err)
		return Result{}, ErrSignatureInvalid
	}

	switch d.Event {
	case EventPing:
		payload, err := github.ParseWebHook(d.Event, d.Body)
		if err != nil {
			return Result{}, fmt.Errorf("%v: %w", err, ErrMalformedPayload)
		}
		ping, _ := payload.(*github.PingEvent)
		webhookEvents.WithLabelValues(d.Event, "ok").Inc()
		log.Info("ping received")
		return Result{Event: EventPing, Message: "pong", Zen: ping.GetZen()}, nil

	case EventPush:
		payload, err := github.ParseWebHook(d.Event, d.Body)
		if err != nil {
			return Result{}, fmt.Errorf("%v: %w", err, ErrMalformedPayload)
		}
		push, _ := payload.(*github.PushEvent)
		if got := push.GetRepo().GetFullName(); got != v.opts.Repository {
			webhookEvents.WithLabelValues(d.Event, "repository_mismatch").Inc()
			log.Warnf("push from %q ignored, expected %q", got, v.opts.Repository)
			return Result{}, fmt.Errorf("%q: %w", got, ErrRepositoryMismatch)
		}
		files, keys := v.InvalidatePaths(ctx, changedPaths(push))
		webhookEvents.WithLabelValues(d.Event, "ok").Inc()
		log.Infof("push processed: %d files, %d cache keys cleared", files, len(keys))
		return Result{Event: EventPush, Message: "Cache invalidated", FilesProcessed: files, CacheKeysCleared: keys}, nil

	default:
		webhookEvents.WithLabelValues(d.Event, "ignored").Inc()
		log.Debug("event ignored")
		return Result{Event: d.Event, Message: "Event ignored"}, nil
	}
}

// InvalidatePaths evicts the bucket of every entity file among paths, each key
// once. It returns the number of entity files considered and the keys cleared,
// sorted. Files under schemas/ and directories of unknown entity types are ignored.
func (v *Invalidator) InvalidatePaths(ctx context.Context, paths []string) (int, []string) {
	log := logger.WithComponent("webhook")
	seenFiles := map[string]bool{}
	seenKeys := map[string]bool{}
	keys := []string{}

	for _, p := range paths {
		p = strings.TrimPrefix(p, "/")
		if !strings.HasSuffix(p, ".json") || seenFiles[p] {
			continue
		}
		segments := strings.Split(p, "/")
		if segments[0] == config.SchemasDir {
			continue
		}
		seenFiles[p] = true

		key, ok := v.keyFor(segments)
		if !ok || seenKeys[key] {
			continue
		}
		seenKeys[key] = true
		if err := v.evictor.Forget(ctx, key); err != nil {
			log.Errorf("cannot evict %s: %v", key, err)
			continue
		}
		webhookEvictions.Inc()
		log.Infof("evicted %s", key)
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return len(seenFiles), keys
}

func (v *Invalidator) keyFor(segments []string) (string, bool) {
	entity, ok := v.registry.LookupPath(segments[0])
	if !ok {
		return "", false
	}
	if !entity.Scoped {
		return cache.BucketKey(entity.Type, ""), true
	}
	// scoped files live at {type}/{org}/{file}
	if len(segments) < 3 || segments[1] == "" {
		return "", false
	}
	return cache.BucketKey(entity.Type, segments[1]), true
}

func changedPaths(push *github.PushEvent) []string {
	var out []string
	for _, c := range push.Commits {
		out = append(out, c.Added...)
		out = append(out, c.Modified...)
		out = append(out, c.Removed...)
	}
	return out
}
