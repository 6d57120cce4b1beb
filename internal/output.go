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
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/mimiro-io/datahub-linkharvester/internal/rdf"
)

// OutputWriter drains a quad store into one compressed n-quads file.
// The file either appears complete at its path or not at all.
type OutputWriter struct {
	Path    string
	Codec   Codec
	metrics *Metrics
	log     zerolog.Logger
}

func NewOutputWriter(path string, codec Codec, metrics *Metrics) *OutputWriter {
	if metrics == nil {
		metrics = NoOpMetrics()
	}
	return &OutputWriter{Path: path, Codec: codec, metrics: metrics, log: componentLogger("output")}
}

// Write serializes every graph in lexicographic order, each graph's quads
// in the order of their n-quads line. All errors wrap ErrOutput.
func (o *OutputWriter) Write(ctx context.Context, store QuadStore) (int, error) {
	n, err := o.write(ctx, store)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrOutput, o.Path, err)
	}
	_ = o.metrics.Statsd.Count(MetricOutputQuads, int64(n), nil, 1)
	o.log.Info().Str("file", o.Path).Str("codec", string(o.Codec)).Int("quads", n).Msg("Wrote output")
	return n, nil
}

func (o *OutputWriter) write(ctx context.Context, store QuadStore) (written int, err error) {
	dir := filepath.Dir(o.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(o.Path)+".*.tmp")
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	buf := bufio.NewWriterSize(tmp, 1<<20)
	cw, err := o.Codec.NewWriter(buf)
	if err != nil {
		return 0, err
	}
	lines := bufio.NewWriter(cw)

	graphs, err := store.Graphs(ctx)
	if err != nil {
		return 0, err
	}
	for _, g := range graphs {
		err = store.Each(ctx, g, func(q rdf.Quad) error {
			if _, err := lines.WriteString(rdf.Line(q)); err != nil {
				return err
			}
			written++
			return lines.WriteByte('\n')
		})
		if err != nil {
			return 0, err
		}
	}

	if err = lines.Flush(); err != nil {
		return 0, err
	}
	if err = cw.Close(); err != nil {
		return 0, err
	}
	if err = buf.Flush(); err != nil {
		return 0, err
	}
	if err = tmp.Sync(); err != nil {
		return 0, err
	}
	if err = tmp.Close(); err != nil {
		return 0, err
	}
	if err = os.Rename(tmp.Name(), o.Path); err != nil {
		_ = os.Remove(tmp.Name())
		return 0, err
	}
	return written, nil
}
