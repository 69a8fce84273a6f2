package content

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bassista/gitrecords/internal/logger"
	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces bursts of filesystem events into one notification.
const DefaultDebounce = 200 * time.Millisecond

// StartWatcher reports out-of-band edits under the local root, the local
// counterpart of repository push webhooks. onChange receives the deduplicated
// repository paths touched since the previous call. Directories created after
// start are watched as they appear. Cancel ctx to stop the watcher.
func (l *LocalClient) StartWatcher(ctx context.Context, debounce time.Duration, onChange func(paths []string)) error {
	if onChange == nil {
		return errors.New("onChange callback is required")
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := addTree(watcher, l.root, nil); err != nil {
		watcher.Close()
		return fmt.Errorf("watch content root: %w", err)
	}

	var (
		mu      sync.Mutex
		pending = map[string]struct{}{}
		timer   *time.Timer
	)
	flush := func() {
		mu.Lock()
		paths := make([]string, 0, len(pending))
		for p := range pending {
			paths = append(paths, p)
		}
		pending = map[string]struct{}{}
		mu.Unlock()
		if len(paths) == 0 {
			return
		}
		sort.Strings(paths)
		onChange(paths)
	}
	schedule := func(rel string) {
		mu.Lock()
		defer mu.Unlock()
		pending[rel] = struct{}{}
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounce, flush)
	}

	go func() {
		defer watcher.Close()
		log := logger.WithComponent("content-watcher")
		for {
			select {
			case <-ctx.Done():
				mu.Lock()
				if timer != nil {
					timer.Stop()
				}
				mu.Unlock()
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Create != 0 {
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						// files may land before the watch is in place
						err := addTree(watcher, event.Name, func(full string) {
							if rel, ok := l.relative(full); ok && strings.HasSuffix(rel, ".json") {
								schedule(rel)
							}
						})
						if err != nil {
							log.Warnf("cannot watch new directory %s: %v", event.Name, err)
						}
						continue
					}
				}
				if strings.Contains(filepath.Base(event.Name), ".tmp-") {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				rel, ok := l.relative(event.Name)
				if !ok {
					continue
				}
				log.Tracef("change detected: %s (%s)", rel, event.Op)
				schedule(rel)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Errorf("watcher error: %v", err)
			}
		}
	}()
	return nil
}

// addTree watches root and every directory below it, passing the files it
// meets to found when found is not nil.
func addTree(watcher *fsnotify.Watcher, root string, found func(full string)) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(p)
		}
		if found != nil && !strings.Contains(d.Name(), ".tmp-") {
			found(p)
		}
		return nil
	})
}
