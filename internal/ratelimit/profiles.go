// profiles.go -- Named (window, max) profiles, optionally loaded from YAML and hot-reloaded.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Profile is one operation class's budget.
type Profile struct {
	Window time.Duration
	Max    int
}

// DefaultProfiles returns the built-in profile set.
func DefaultProfiles() map[string]Profile {
	return map[string]Profile{
		"general":    {Window: 60 * time.Second, Max: 100},
		"auth":       {Window: 15 * time.Minute, Max: 5},
		"login":      {Window: 15 * time.Minute, Max: 5},
		"trade":      {Window: time.Second, Max: 10},
		"withdrawal": {Window: 60 * time.Second, Max: 3},
		"admin":      {Window: 60 * time.Second, Max: 30},
		"apikey":     {Window: 60 * time.Second, Max: 60},
	}
}

// Profiles is a concurrency-safe, replaceable profile set.
type Profiles struct {
	set atomic.Pointer[map[string]Profile]
}

// NewProfiles returns the defaults overlaid with overrides.
func NewProfiles(overrides map[string]Profile) *Profiles {
	p := &Profiles{}
	p.Replace(overrides)
	return p
}

// Get returns the named profile.
func (p *Profiles) Get(name string) (Profile, bool) {
	prof, ok := (*p.set.Load())[name]
	return prof, ok
}

// All returns a snapshot of every configured profile.
func (p *Profiles) All() map[string]Profile {
	src := *p.set.Load()
	out := make(map[string]Profile, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// Replace swaps in the defaults overlaid with overrides.
func (p *Profiles) Replace(overrides map[string]Profile) {
	m := DefaultProfiles()
	for k, v := range overrides {
		m[k] = v
	}
	p.set.Store(&m)
}

// profileFile is the YAML shape:
//
//	profiles:
//	  withdrawal: {window_ms: 60000, max: 3}
type profileFile struct {
	Profiles map[string]struct {
		WindowMs int64 `yaml:"window_ms"`
		Max      int   `yaml:"max"`
	} `yaml:"profiles"`
}

// LoadProfilesFile parses a YAML profile file. Every entry must have a positive window and max.
func LoadProfilesFile(path string) (map[string]Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rate limit profiles: %w", err)
	}
	return parseProfiles(raw)
}

func parseProfiles(raw []byte) (map[string]Profile, error) {
	var f profileFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parsing rate limit profiles: %w", err)
	}
	out := make(map[string]Profile, len(f.Profiles))
	for name, e := range f.Profiles {
		if e.WindowMs <= 0 || e.Max <= 0 {
			return nil, fmt.Errorf("profile %q: window_ms and max must be positive", name)
		}
		out[name] = Profile{Window: time.Duration(e.WindowMs) * time.Millisecond, Max: e.Max}
	}
	return out, nil
}

// Watch reloads the profile file whenever it changes, until ctx is cancelled.
// The parent directory is watched so editors that replace the file are handled.
// A file that fails to parse leaves the current profiles in place.
func (p *Profiles) Watch(ctx context.Context, path string) error {
	logger := slog.Default().With("component", "ratelimit.profiles")

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating profile watcher: %w", err)
	}
	defer w.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving profile path: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watching profile directory: %w", err)
	}
	logger.Info("watching rate limit profiles", "path", abs)

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return fmt.Errorf("profile watcher events closed")
			}
			if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			overrides, err := LoadProfilesFile(abs)
			if err != nil {
				logger.Error("rate limit profile reload failed, keeping current profiles", "error", err)
				continue
			}
			p.Replace(overrides)
			logger.Info("rate limit profiles reloaded", "count", len(overrides))

		case err, ok := <-w.Errors:
			if !ok {
				return fmt.Errorf("profile watcher errors closed")
			}
			logger.Error("profile watcher error", "error", err)
		}
	}
}
