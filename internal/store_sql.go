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
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"
	_ "modernc.org/sqlite"

	"github.com/mimiro-io/datahub-linkharvester/internal/rdf"
)

const (
	sqlSchema = `CREATE TABLE IF NOT EXISTS quads (
	hash BLOB PRIMARY KEY,
	graph TEXT NOT NULL,
	line TEXT NOT NULL
)`
	sqlGraphIndex = `CREATE INDEX IF NOT EXISTS quads_graph ON quads (graph, line)`
	sqlInsert     = `INSERT OR IGNORE INTO quads (hash, graph, line) VALUES (?, ?, ?)`
	sqlGraphs     = `SELECT DISTINCT graph FROM quads ORDER BY graph`
	sqlCount      = `SELECT COUNT(*) FROM quads WHERE graph = ?`
	sqlEach       = `SELECT line FROM quads WHERE graph = ? ORDER BY line`
)

// SQLStore keeps quads in a database table keyed by the blake3 hash of the
// n-quads line, so set semantics come from the primary key.
type SQLStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// OpenSQLiteStore opens (or creates) a sqlite database file at path.
func OpenSQLiteStore(path string) (*SQLStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// sqlite serializes writers anyway, a single connection avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, err
	}
	return NewSQLStore(db)
}

// NewSQLStore prepares the schema on an open database.
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	if _, err := db.Exec(sqlSchema); err != nil {
		return nil, fmt.Errorf("creating quads table: %w", err)
	}
	if _, err := db.Exec(sqlGraphIndex); err != nil {
		return nil, fmt.Errorf("creating graph index: %w", err)
	}
	return &SQLStore{db: db, log: componentLogger("store")}, nil
}

func quadHash(line string) []byte {
	sum := blake3.Sum256([]byte(line))
	return sum[:16]
}

func (s *SQLStore) Add(ctx context.Context, quads []rdf.Quad) (int, error) {
	if len(quads) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	stmt, err := tx.PrepareContext(ctx, sqlInsert)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	defer stmt.Close()

	added := 0
	for _, q := range quads {
		graph, ok := rdf.Graph(q)
		if !ok {
			_ = tx.Rollback()
			return 0, fmt.Errorf("quad without graph: %s", rdf.Line(q))
		}
		line := rdf.Line(q)
		res, err := stmt.ExecContext(ctx, quadHash(line), graph, line)
		if err != nil {
			_ = tx.Rollback()
			return 0, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			_ = tx.Rollback()
			return 0, err
		}
		added += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return added, nil
}

func (s *SQLStore) Graphs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, sqlGraphs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var graphs []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, err
		}
		graphs = append(graphs, g)
	}
	return graphs, rows.Err()
}

func (s *SQLStore) Count(ctx context.Context, graph string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, sqlCount, graph).Scan(&n)
	return n, err
}

func (s *SQLStore) Each(ctx context.Context, graph string, fn func(rdf.Quad) error) error {
	rows, err := s.db.QueryContext(ctx, sqlEach, graph)
	if err != nil {
		return err
	}
	defer rows.Close()
	seen := false
	for rows.Next() {
		seen = true
		var line string
		if err := rows.Scan(&line); err != nil {
			return err
		}
		q, err := rdf.ParseLine(line)
		if err != nil {
			s.log.Error().Err(err).Str("line", line).Msg("Corrupt quad in store")
			return err
		}
		if err := fn(q); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if !seen {
		return fmt.Errorf("%w: %s", ErrNoGraph, graph)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
