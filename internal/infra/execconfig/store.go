// Package execconfig persists the execution configuration as a JSON file and
// reports edits to it while the daemon runs.
package execconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/taskpilot/taskpilot/internal/domain"
)

// FileName is the config file name inside the taskpilot home.
const FileName = "exec_config.json"

// DebounceInterval lets bursts of events from one save settle.
const DebounceInterval = 200 * time.Millisecond

// Keys accepted by Set.
var Keys = []string{"enabled", "interval", "max_concurrent", "priority_order"}

// Store reads and writes the config file. Reads always go to disk so external
// edits are visible on the next Load.
type Store struct {
	path string
	mu   sync.Mutex // serializes read-modify-write
	log  *slog.Logger
}

// NewStore returns a store for the file at path.
func NewStore(path string) *Store {
	return &Store{
		path: path,
		log:  slog.Default().With("component", "execconfig"),
	}
}

// Path returns the config file path.
func (s *Store) Path() string { return s.path }

// Load reads the file. A missing file yields the defaults; missing keys keep
// their default values; out-of-range values are normalized.
func (s *Store) Load() (domain.ExecConfig, error) {
	cfg := domain.DefaultExecConfig()
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read exec config: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return domain.DefaultExecConfig(), fmt.Errorf("%w: %s: %w", domain.ErrInvalidConfig, s.path, err)
	}
	return cfg.Normalize(), nil
}

// Save validates cfg and replaces the file atomically.
func (s *Store) Save(cfg domain.ExecConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(cfg)
}

func (s *Store) save(cfg domain.ExecConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg = cfg.Normalize()
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode exec config: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".exec_config-*.json")
	if err != nil {
		return fmt.Errorf("write exec config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write exec config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write exec config: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("write exec config: %w", err)
	}
	s.log.Info("exec config saved", "enabled", cfg.Enabled, "interval", cfg.Interval,
		"max_concurrent", cfg.MaxConcurrent, "priority_order", cfg.PriorityOrder)
	return nil
}

// Update applies fn to the current config and saves the result. It returns
// the config before and after the change.
func (s *Store) Update(fn func(*domain.ExecConfig) error) (before, after domain.ExecConfig, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	before, err = s.Load()
	if err != nil && !errors.Is(err, domain.ErrInvalidConfig) {
		return before, before, err
	}
	after = before
	after.PriorityOrder = append([]string(nil), before.PriorityOrder...)
	if err := fn(&after); err != nil {
		return before, before, err
	}
	if err := s.save(after); err != nil {
		return before, before, err
	}
	return before, after.Normalize(), nil
}

// Toggle flips Enabled.
func (s *Store) Toggle() (domain.ExecConfig, error) {
	_, after, err := s.Update(func(c *domain.ExecConfig) error {
		c.Enabled = !c.Enabled
		return nil
	})
	return after, err
}

// Set assigns one key from its string form. priority_order takes a comma
// separated list.
func (s *Store) Set(key, value string) (before, after domain.ExecConfig, err error) {
	return s.Update(func(c *domain.ExecConfig) error {
		return Apply(c, key, value)
	})
}

// Apply parses value into the field named key.
func Apply(c *domain.ExecConfig, key, value string) error {
	switch key {
	case "enabled":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%w: enabled must be true or false", domain.ErrInvalidConfig)
		}
		c.Enabled = b
	case "interval", "max_concurrent":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%w: %s must be an integer", domain.ErrInvalidConfig, key)
		}
		if key == "interval" {
			c.Interval = n
		} else {
			c.MaxConcurrent = n
		}
	case "priority_order":
		var order []string
		for _, p := range strings.Split(value, ",") {
			if p = strings.TrimSpace(p); p != "" {
				order = append(order, p)
			}
		}
		if len(order) == 0 {
			return fmt.Errorf("%w: priority_order must list at least one label", domain.ErrInvalidConfig)
		}
		c.PriorityOrder = order
	default:
		return fmt.Errorf("%w: unknown key %q (valid: %s)", domain.ErrInvalidConfig, key, strings.Join(Keys, ", "))
	}
	return c.Validate()
}

// Watch reports changes to the config file until ctx is cancelled. The parent
// directory is watched, not the file, so atomic replaces are seen. Bursts of
// events are coalesced; the channel never blocks the watcher.
func (s *Store) Watch(ctx context.Context) (<-chan struct{}, error) {
	dir := filepath.Dir(s.path)
	name := filepath.Base(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	s.log.Debug("watching exec config", "dir", dir, "file", name)

	changes := make(chan struct{}, 1)
	notify := func() {
		select {
		case changes <- struct{}{}:
		default:
		}
	}

	go func() {
		defer watcher.Close()
		var debounce *time.Timer
		defer func() {
			if debounce != nil {
				debounce.Stop()
			}
		}()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != name {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				s.log.Debug("exec config event", "op", event.Op.String())
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(DebounceInterval, notify)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.log.Warn("exec config watcher error", "error", err)
			case <-ctx.Done():
				return
			}
		}
	}()
	return changes, nil
}
