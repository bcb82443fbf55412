/*
SPDX-License-Identifier: Apache-2.0

Copyright 2025 Fireworks Collaboration Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
)

// Store owns the current configuration and propagates changes to
// watchers so components (the custom transport, metrics, alerts, proxy)
// can reload without restart.
type Store struct {
	mu   sync.RWMutex
	path string
	cur  Config
	log  logr.Logger

	watchMu   sync.Mutex
	watchers  []chan Config
}

// NewStore constructs a store bound to path, without loading it yet.
func NewStore(path string, log logr.Logger) *Store {
	return &Store{path: path, log: log.WithName("config")}
}

// LoadOrInit returns the current configuration, writing sane defaults to
// disk on first use (spec.md §4.2).
func (s *Store) LoadOrInit() (Config, error) {
	cfg, err := loadFile(s.path)
	if os.IsNotExist(err) {
		cfg = Default()
		if writeErr := writeFile(s.path, cfg); writeErr != nil {
			return Config{}, fmt.Errorf("writing default config: %w", writeErr)
		}
	} else if err != nil {
		return Config{}, fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config at %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.cur = cfg
	s.mu.Unlock()
	return cfg, nil
}

// Current returns the last loaded configuration.
func (s *Store) Current() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Watch starts watching the backing file for changes and returns a
// channel that receives every subsequent valid configuration. The
// channel is closed when ctx is done. An invalid reload is logged and
// skipped rather than propagated, so one bad edit never tears down a
// running process.
func (s *Store) Watch(ctx context.Context) (<-chan Config, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fs watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(s.path), err)
	}

	out := make(chan Config, 1)
	s.watchMu.Lock()
	s.watchers = append(s.watchers, out)
	s.watchMu.Unlock()

	go func() {
		defer watcher.Close()
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				s.reload(out)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.log.Error(err, "config watcher error")
			}
		}
	}()

	return out, nil
}

func (s *Store) reload(out chan<- Config) {
	cfg, err := loadFile(s.path)
	if err != nil {
		s.log.Error(err, "failed to reload config, keeping previous")
		return
	}
	if err := cfg.Validate(); err != nil {
		s.log.Error(err, "reloaded config failed validation, keeping previous")
		return
	}

	s.mu.Lock()
	s.cur = cfg
	s.mu.Unlock()

	select {
	case out <- cfg:
	default:
	}
}

func loadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

func writeFile(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
