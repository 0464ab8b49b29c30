package johnrobot

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/lmittmann/tint"
)

// DefaultPersonalityName is the personality used when the command's
// personality option is omitted. If the state file doesn't define it,
// the registry falls back to the first personality in sorted order.
const DefaultPersonalityName = "John Robot"

const (
	personalityReloadDebounce = 500 * time.Millisecond
	personalityReloadTick     = 100 * time.Millisecond
)

// PersonalityRegistry holds the named system prompts loaded from the
// "system_prompts" key of the JSON state file. Prompts are loaded once
// at startup, and optionally reloaded when the file changes on disk
// (see [PersonalityRegistry.Watch]).
//
// The registry never writes the state file. Editing personalities is
// done by editing the file directly.
type PersonalityRegistry struct {
	mu     sync.RWMutex
	path   string
	logger *slog.Logger

	prompts     map[string]string
	defaultName string
}

// NewPersonalityRegistry creates a registry backed by the state file at
// path and performs the initial load. A missing or unreadable file is
// not fatal, but leaves the registry empty, which makes the ask command
// refuse requests until the file is fixed.
func NewPersonalityRegistry(path string, logger *slog.Logger) *PersonalityRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &PersonalityRegistry{
		path:    path,
		logger:  logger.With(loggerNameKey, "personalities"),
		prompts: map[string]string{},
	}
	if err := r.Load(); err != nil {
		r.logger.Warn(
			"could not load personalities, they will be unavailable",
			tint.Err(err),
			"path", path,
		)
	}
	return r
}

// Load re-reads the state file and replaces the registry contents.
// On error the previous contents are kept.
func (r *PersonalityRegistry) Load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return err
	}
	var state struct {
		Prompts map[string]string `json:"system_prompts"`
	}
	if err = json.Unmarshal(data, &state); err != nil {
		return err
	}
	prompts := state.Prompts
	if prompts == nil {
		prompts = map[string]string{}
	}

	defaultName := ""
	if _, ok := prompts[DefaultPersonalityName]; ok {
		defaultName = DefaultPersonalityName
	} else if len(prompts) > 0 {
		names := make([]string, 0, len(prompts))
		for name := range prompts {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultName = names[0]
		r.logger.Warn(
			"default personality not found, using fallback",
			"default", DefaultPersonalityName,
			"fallback", defaultName,
		)
	}

	r.mu.Lock()
	r.prompts = prompts
	r.defaultName = defaultName
	r.mu.Unlock()

	r.logger.Info(
		"loaded personalities",
		"count", len(prompts),
		"path", r.path,
	)
	return nil
}

// Default returns the name of the personality used when none is chosen.
// Empty when no personalities are loaded.
func (r *PersonalityRegistry) Default() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultName
}

// SystemPrompt returns the system prompt for the given personality name.
func (r *PersonalityRegistry) SystemPrompt(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	prompt, ok := r.prompts[name]
	return prompt, ok
}

// Prompts returns a copy of the loaded personality mapping.
func (r *PersonalityRegistry) Prompts() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	prompts := make(map[string]string, len(r.prompts))
	for name, prompt := range r.prompts {
		prompts[name] = prompt
	}
	return prompts
}

// Names returns the loaded personality names in sorted order.
func (r *PersonalityRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.prompts))
	for name := range r.prompts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Empty reports whether no personalities are loaded.
func (r *PersonalityRegistry) Empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.prompts) == 0
}

// Watch reloads the registry whenever the state file changes on disk,
// until ctx is canceled. The watch is on the file's directory rather
// than the file itself, since editors and the usage tracker replace the
// file rather than writing in place. Events are debounced so a burst of
// writes triggers a single reload.
func (r *PersonalityRegistry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(r.path)
	if err = watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return err
	}
	r.logger.Info("watching state file for changes", "path", r.path)

	base := filepath.Base(r.path)
	go func() {
		defer func() {
			if err := watcher.Close(); err != nil {
				r.logger.Warn("error closing state file watcher", tint.Err(err))
			}
		}()

		var pending time.Time
		ticker := time.NewTicker(personalityReloadTick)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				pending = time.Now()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("state file watcher error", tint.Err(err))
			case <-ticker.C:
				if pending.IsZero() || time.Since(pending) < personalityReloadDebounce {
					continue
				}
				pending = time.Time{}
				if err := r.Load(); err != nil {
					r.logger.Warn(
						"state file changed but reload failed, keeping previous personalities",
						tint.Err(err),
						"path", r.path,
					)
				}
			}
		}
	}()
	return nil
}
