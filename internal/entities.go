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
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bfontaine/jsons"
	"github.com/klauspost/compress/gzip"
	egdm "github.com/mimiro-io/entity-graph-data-model"

	"github.com/mimiro-io/datahub-linkharvester/internal/rdf"
)

// EntityExporter writes every graph of a store as gzipped ndjson entities,
// one file per graph, so a harvest can be loaded into a datahub dataset.
type EntityExporter struct {
	Dir string
}

// Export returns the files written, in graph order.
func (x EntityExporter) Export(ctx context.Context, store QuadStore) ([]string, error) {
	if err := os.MkdirAll(x.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOutput, err)
	}
	graphs, err := store.Graphs(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOutput, err)
	}
	var files []string
	for _, g := range graphs {
		name := filepath.Join(x.Dir, EntityFileName(g))
		if err := x.exportGraph(ctx, store, g, name); err != nil {
			return files, fmt.Errorf("%w: %s: %v", ErrOutput, name, err)
		}
		files = append(files, name)
	}
	return files, nil
}

// EntityFileName derives a file name from the last segment of a graph IRI.
func EntityFileName(graph string) string {
	base := path.Base(strings.TrimRight(graph, "/"))
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, base)
	return safe + ".ndjson.gz"
}

func (x EntityExporter) exportGraph(ctx context.Context, store QuadStore, graph, name string) (err error) {
	tmp, err := os.CreateTemp(x.Dir, "."+filepath.Base(name)+".*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()
	if err = WriteAsGzippedNDJson(ctx, tmp, store, graph); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), name)
}

// WriteAsGzippedNDJson groups the quads of graph by subject into entities.
// Quads arrive ordered by subject, so one entity is buffered at a time.
func WriteAsGzippedNDJson(ctx context.Context, w io.Writer, store QuadStore, graph string) error {
	zipWriter := gzip.NewWriter(w)
	j := jsons.NewWriter(zipWriter)

	var current *egdm.Entity
	err := store.Each(ctx, graph, func(q rdf.Quad) error {
		id := entityID(q.Subject)
		if current != nil && current.ID != id {
			if err := j.Add(current); err != nil {
				return err
			}
			current = nil
		}
		if current == nil {
			current = egdm.NewEntity()
			current.ID = id
		}
		addStatement(current, q)
		return nil
	})
	if err != nil {
		return err
	}
	if current != nil {
		if err := j.Add(current); err != nil {
			return err
		}
	}
	return zipWriter.Close()
}

func entityID(t rdf.Term) string {
	if rdf.IsBlank(t) {
		return "_:" + rdf.Value(t)
	}
	return rdf.Value(t)
}

func addStatement(e *egdm.Entity, q rdf.Quad) {
	p := rdf.Value(q.Predicate)
	if rdf.IsLiteral(q.Object) {
		if e.Properties == nil {
			e.Properties = map[string]any{}
		}
		e.Properties[p] = appendValue(e.Properties[p], rdf.Value(q.Object))
		return
	}
	if e.References == nil {
		e.References = map[string]any{}
	}
	e.References[p] = appendValue(e.References[p], entityID(q.Object))
}

// appendValue keeps single values scalar and turns repeats into a list.
func appendValue(existing any, v string) any {
	switch cur := existing.(type) {
	case nil:
		return v
	case string:
		return []string{cur, v}
	case []string:
		return append(cur, v)
	}
	return v
}
