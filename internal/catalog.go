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
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog"

	"github.com/mimiro-io/datahub-linkharvester/internal/rdf"
)

// Dataset is one remote dataset and the named graph its statements go to.
type Dataset struct {
	Name  string
	Graph string
}

// GraphURI derives the graph of a dataset: <base>/dataset/<name>.
func GraphURI(base, name string) string {
	return strings.TrimSuffix(base, "/") + "/dataset/" + name
}

func NewDataset(graphBase, name string) Dataset {
	return Dataset{Name: name, Graph: GraphURI(graphBase, name)}
}

func (d Dataset) GraphTerm() rdf.Term {
	return rdf.NewIRI(d.Graph)
}

type QueryForm string

const (
	FormConstruct QueryForm = "CONSTRUCT"
	FormDescribe  QueryForm = "DESCRIBE"
	FormSelect    QueryForm = "SELECT"
)

// ReturnsGraph reports whether the remote answers with statements rather
// than a table of bindings.
func (f QueryForm) ReturnsGraph() bool {
	return f == FormConstruct || f == FormDescribe
}

// Request is one unit of harvesting work. The query text is opaque to the
// harvester; only its form is inspected to pick the result format.
type Request struct {
	ID       string
	Query    string
	Form     QueryForm
	Property string
}

// PropertyRequest builds the request for all statements using property.
func PropertyRequest(property string) Request {
	return Request{
		ID:       property,
		Query:    fmt.Sprintf("SELECT ?s ?o { ?s <%s> ?o }", property),
		Form:     FormSelect,
		Property: property,
	}
}

// ParseRequest turns a query definition into a Request. Comment lines are
// dropped and whitespace collapsed, so two definitions differing only in
// layout share the same Query and deduplicate.
func ParseRequest(id, text string) (Request, error) {
	var parts []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		parts = append(parts, strings.Fields(trimmed)...)
	}
	if len(parts) == 0 {
		return Request{}, fmt.Errorf("%w: %s: empty query", ErrCatalog, id)
	}
	query := strings.Join(parts, " ")
	form := detectForm(parts)
	if form == "" {
		return Request{}, fmt.Errorf("%w: %s: no CONSTRUCT, DESCRIBE or SELECT clause", ErrCatalog, id)
	}
	return Request{ID: id, Query: query, Form: form}, nil
}

func detectForm(tokens []string) QueryForm {
	for _, tok := range tokens {
		switch QueryForm(strings.ToUpper(tok)) {
		case FormConstruct:
			return FormConstruct
		case FormDescribe:
			return FormDescribe
		case FormSelect:
			return FormSelect
		}
	}
	return ""
}

// CatalogSource enumerates datasets and loads the raw requests of one.
type CatalogSource interface {
	DatasetNames() ([]string, error)
	Load(dataset string) ([]Request, error)
}

// Catalog hands out the deduplicated, ordered requests per dataset and
// memoizes them for the rest of the run.
type Catalog struct {
	source    CatalogSource
	graphBase string
	log       zerolog.Logger

	mu    sync.Mutex
	cache map[string][]Request
}

func NewCatalog(source CatalogSource, graphBase string) *Catalog {
	return &Catalog{
		source:    source,
		graphBase: graphBase,
		log:       componentLogger("catalog"),
		cache:     map[string][]Request{},
	}
}

// Datasets returns the datasets sorted by name.
func (c *Catalog) Datasets() ([]Dataset, error) {
	names, err := c.source.DatasetNames()
	if err != nil {
		return nil, err
	}
	names = uniqueSorted(names)
	datasets := make([]Dataset, 0, len(names))
	for _, n := range names {
		datasets = append(datasets, NewDataset(c.graphBase, n))
	}
	return datasets, nil
}

// Requests returns the requests of dataset. A failed load is reported and
// not cached, the caller decides whether to continue.
func (c *Catalog) Requests(dataset string) ([]Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if reqs, ok := c.cache[dataset]; ok {
		return reqs, nil
	}
	raw, err := c.source.Load(dataset)
	if err != nil {
		return nil, err
	}
	reqs := dedupeRequests(raw)
	c.cache[dataset] = reqs
	c.log.Debug().Str("dataset", dataset).Int("requests", len(reqs)).Msg("Loaded requests")
	return reqs, nil
}

// dedupeRequests orders by ID and keeps the first request of every distinct
// query text.
func dedupeRequests(raw []Request) []Request {
	sorted := make([]Request, len(raw))
	copy(sorted, raw)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	seen := make(map[string]struct{}, len(sorted))
	out := make([]Request, 0, len(sorted))
	for _, r := range sorted {
		key := string(r.Form) + "\x00" + r.Property + "\x00" + r.Query
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
	}
	return out
}

// QueryDirSource reads prepared queries: one sub directory per dataset
// holding query files matching pattern.
type QueryDirSource struct {
	Root    string
	Pattern string
}

func (s QueryDirSource) DatasetNames() ([]string, error) {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrCatalog, s.Root, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s QueryDirSource) Load(dataset string) ([]Request, error) {
	pattern := s.Pattern
	if pattern == "" {
		pattern = "*.rq"
	}
	dir := filepath.Join(s.Root, dataset)
	files, err := doublestar.Glob(os.DirFS(dir), pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCatalog, dataset, err)
	}
	sort.Strings(files)
	reqs := make([]Request, 0, len(files))
	for _, f := range files {
		b, err := os.ReadFile(filepath.Join(dir, f))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCatalog, dataset, err)
		}
		r, err := ParseRequest(f, string(b))
		if err != nil {
			return nil, fmt.Errorf("dataset %s: %w", dataset, err)
		}
		reqs = append(reqs, r)
	}
	return reqs, nil
}

// CrossProductSource asks for every property in every dataset.
type CrossProductSource struct {
	Names      []string
	Properties []string
}

func (s CrossProductSource) DatasetNames() ([]string, error) {
	return s.Names, nil
}

func (s CrossProductSource) Load(_ string) ([]Request, error) {
	props := uniqueSorted(s.Properties)
	reqs := make([]Request, 0, len(props))
	for _, p := range props {
		reqs = append(reqs, PropertyRequest(p))
	}
	return reqs, nil
}

// LoadList reads a line-delimited identifier list: lines are trimmed, blank
// lines skipped, the result deduplicated and sorted.
func LoadList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCatalog, err)
	}
	defer f.Close()
	var items []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			items = append(items, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrCatalog, path, err)
	}
	return uniqueSorted(items), nil
}

func uniqueSorted(items []string) []string {
	set := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		if _, ok := set[it]; ok {
			continue
		}
		set[it] = struct{}{}
		out = append(out, it)
	}
	sort.Strings(out)
	return out
}

// NewCatalogFromConfig builds the catalog of the configured mode. Unreadable
// list files are logged and contribute an empty set.
func NewCatalogFromConfig(cfg *Config) (*Catalog, error) {
	switch cfg.Mode {
	case ModeConstruct:
		return NewCatalog(QueryDirSource{Root: cfg.QueryDir, Pattern: cfg.QueryPattern}, cfg.GraphBase), nil
	case ModeLinks:
		names := cfg.Datasets
		if len(names) == 0 {
			names = loadListOrEmpty(cfg.DatasetsFile)
		}
		props := cfg.Properties
		if len(props) == 0 {
			props = loadListOrEmpty(cfg.PropertiesFile)
		}
		return NewCatalog(CrossProductSource{Names: uniqueSorted(names), Properties: props}, cfg.GraphBase), nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownMode, cfg.Mode)
	}
}

func loadListOrEmpty(path string) []string {
	items, err := LoadList(path)
	if err != nil {
		LOG.Error().Err(err).Str("file", path).Msg("Unable to load list, continuing with an empty set")
		return nil
	}
	return items
}
