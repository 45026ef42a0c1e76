// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package definition

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Store loads definitions from a directory and caches them by id for the
// process lifetime. Entries never expire; Clear is the only invalidation.
type Store struct {
	dir    string
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]*Definition
}

// NewStore creates a definition store reading from dir.
func NewStore(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dir:    dir,
		logger: logger,
		cache:  make(map[string]*Definition),
	}
}

// Load returns the definition for id, reading `<dir>/<id>.yaml` (or .yml or
// .json) on first miss. Subsequent calls are served from cache.
func (s *Store) Load(id string) (*Definition, error) {
	s.mu.RLock()
	cached, ok := s.cache[id]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-check under the write lock; another goroutine may have loaded it.
	if cached, ok := s.cache[id]; ok {
		return cached, nil
	}

	def, err := s.read(id)
	if err != nil {
		return nil, err
	}

	s.cache[id] = def
	s.logger.Info("definition loaded", slog.String("id", id), slog.Int("fields", len(def.Fields)))
	return def, nil
}

// Clear empties the cache. The next Load re-reads from disk. Exposed to the
// management API so definition edits can be picked up without a restart.
func (s *Store) Clear() {
	s.mu.Lock()
	n := len(s.cache)
	s.cache = make(map[string]*Definition)
	s.mu.Unlock()
	s.logger.Info("definition cache cleared", slog.Int("entries", n))
}

func (s *Store) read(id string) (*Definition, error) {
	candidates := []struct {
		ext  string
		yaml bool
	}{
		{".yaml", true},
		{".yml", true},
		{".json", false},
	}

	for _, c := range candidates {
		path := filepath.Join(s.dir, id+c.ext)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to read definition %q: %w", id, err)
		}

		def := &Definition{}
		if c.yaml {
			err = yaml.Unmarshal(data, def)
		} else {
			err = json.Unmarshal(data, def)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse definition %q: %w", id, err)
		}

		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("invalid definition %q: %w", id, err)
		}
		return def, nil
	}

	return nil, fmt.Errorf("definition %q not found in %s", id, s.dir)
}
