//
//  Copyright © Maatini. All rights reserved.
//

package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// Loader discovers, loads and hot-reloads the Rego sources feeding the
// embedded evaluator. On startup it picks the first existing candidate
// directory (typically a bind-mount path followed by a dev source path),
// compiles every *.rego file directly in it (subdirectories are not
// read), and then watches the directory for
// changes. Change bursts are debounced; a failed recompilation leaves the
// previous snapshot active.
type Loader struct {
	candidates []string
	debounce   time.Duration
	engine     *Embedded

	mu  sync.Mutex
	dir string
	gen int
}

// NewLoader creates a loader for the given candidate directories.
func NewLoader(candidates []string, debounce time.Duration, engine *Embedded) *Loader {
	return &Loader{candidates: candidates, debounce: debounce, engine: engine}
}

// Dir returns the chosen policy directory, or empty before Load.
func (l *Loader) Dir() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dir
}

// Load picks the policy directory and publishes the initial snapshot.
// The chosen directory is remembered even when the initial compile
// fails (for example an empty ConfigMap mount at pod startup), so that
// Watch can still pick up sources appearing later; until then the
// engine stays uninitialized and requests fail closed.
func (l *Loader) Load() error {
	dir, err := l.chooseDir()
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.dir = dir
	l.mu.Unlock()

	return l.reload()
}

func (l *Loader) chooseDir() (string, error) {
	for _, candidate := range l.candidates {
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
	}
	return "", errors.Errorf("no policy directory found among %v", l.candidates)
}

func (l *Loader) reload() error {
	l.mu.Lock()
	dir := l.dir
	l.gen++
	revision := fmt.Sprintf("%s#%d", dir, l.gen)
	l.mu.Unlock()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrapf(err, "reading policy directory %s", dir)
	}

	modules := map[string]string{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		switch {
		case strings.HasSuffix(name, ".rego"):
			src, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				return errors.Wrapf(err, "reading %s", name)
			}
			modules[name] = string(src)
		case strings.HasSuffix(name, ".wasm"):
			logger.Warnf("ignoring pre-built artifact %s: no WASM runtime is linked; provide Rego sources", name)
		}
	}

	if len(modules) == 0 {
		return errors.Errorf("no .rego sources in %s", dir)
	}

	if err := l.engine.Compile(modules, revision); err != nil {
		return errors.Wrap(err, "compiling policy modules")
	}
	return nil
}

// Watch subscribes to filesystem events under the chosen directory and
// republishes the snapshot on changes. It blocks until ctx is cancelled.
// Call after Load has chosen a directory, even if its initial compile
// failed.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "creating watcher")
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(l.Dir()); err != nil {
		return errors.Wrapf(err, "watching %s", l.Dir())
	}

	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !interesting(event) {
				continue
			}
			// coalesce editor write bursts
			if timer == nil {
				timer = time.AfterFunc(l.debounce, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			} else {
				timer.Reset(l.debounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warnf("policy watcher error: %v", err)

		case <-fire:
			timer = nil
			if err := l.reload(); err != nil {
				logger.Errorf("policy reload failed, keeping previous snapshot: %v", err)
				continue
			}
			logger.Infof("policy snapshot reloaded from %s", l.Dir())
		}
	}
}

func interesting(event fsnotify.Event) bool {
	if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) &&
		!event.Op.Has(fsnotify.Rename) && !event.Op.Has(fsnotify.Remove) {
		return false
	}
	return strings.HasSuffix(event.Name, ".rego") || strings.HasSuffix(event.Name, ".wasm")
}
