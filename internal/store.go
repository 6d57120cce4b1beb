// Copyright 2024 MIMIRO AS
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

package internal

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mimiro-io/datahub-linkharvester/internal/rdf"
)

const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// QuadStore is the multi-graph container the harvest accumulates into.
// Quads are kept with set semantics per graph; nothing is deduplicated
// across graphs. Implementations are safe for concurrent writers.
type QuadStore interface {
	// Add stores quads under their graph and returns how many were new.
	Add(ctx context.Context, quads []rdf.Quad) (int, error)
	// Graphs lists the graph IRIs in lexicographic order.
	Graphs(ctx context.Context) ([]string, error)
	Count(ctx context.Context, graph string) (int, error)
	// Each visits the quads of a graph ordered by their n-quads line.
	Each(ctx context.Context, graph string, fn func(rdf.Quad) error) error
	Close() error
}

// OpenStore opens the backend selected in the configuration.
func OpenStore(cfg *Config) (QuadStore, error) {
	switch cfg.Store {
	case StoreMemory, "":
		return NewMemoryStore(), nil
	case StoreSQLite:
		return OpenSQLiteStore(cfg.StorePath)
	default:
		return nil, fmt.Errorf("%w: unknown store %q", ErrConfig, cfg.Store)
	}
}

type graphSet struct {
	mu    sync.Mutex
	quads map[string]rdf.Quad
}

type MemoryStore struct {
	mu     sync.RWMutex
	graphs map[string]*graphSet
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{graphs: map[string]*graphSet{}}
}

func (s *MemoryStore) graph(name string, create bool) *graphSet {
	s.mu.RLock()
	g, ok := s.graphs[name]
	s.mu.RUnlock()
	if ok || !create {
		return g
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok = s.graphs[name]; !ok {
		g = &graphSet{quads: map[string]rdf.Quad{}}
		s.graphs[name] = g
	}
	return g
}

func (s *MemoryStore) Add(_ context.Context, quads []rdf.Quad) (int, error) {
	added := 0
	var current *graphSet
	currentName := ""
	for _, q := range quads {
		graph, ok := rdf.Graph(q)
		if !ok {
			return added, fmt.Errorf("quad without graph: %s", rdf.Line(q))
		}
		if current == nil || currentName != graph {
			if current != nil {
				current.mu.Unlock()
			}
			currentName = graph
			current = s.graph(currentName, true)
			current.mu.Lock()
		}
		key := rdf.Line(q)
		if _, found := current.quads[key]; !found {
			current.quads[key] = q
			added++
		}
	}
	if current != nil {
		current.mu.Unlock()
	}
	return added, nil
}

func (s *MemoryStore) Graphs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.graphs))
	for name := range s.graphs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStore) Count(_ context.Context, graph string) (int, error) {
	g := s.graph(graph, false)
	if g == nil {
		return 0, nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.quads), nil
}

func (s *MemoryStore) Each(ctx context.Context, graph string, fn func(rdf.Quad) error) error {
	g := s.graph(graph, false)
	if g == nil {
		return fmt.Errorf("%w: %s", ErrNoGraph, graph)
	}
	g.mu.Lock()
	keys := make([]string, 0, len(g.quads))
	for k := range g.quads {
		keys = append(keys, k)
	}
	snapshot := make([]rdf.Quad, len(keys))
	sort.Strings(keys)
	for i, k := range keys {
		snapshot[i] = g.quads[k]
	}
	g.mu.Unlock()

	for _, q := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(q); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.graphs = map[string]*graphSet{}
	return nil
}
