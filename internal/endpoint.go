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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mimiro-io/datahub-linkharvester/internal/rdf"
)

const (
	mediaNTriples     = "application/n-triples"
	mediaSparqlResult = "application/sparql-results+json"
)

var tracer = otel.Tracer("linkharvester/endpoint")

// Window is the [offset, offset+limit) slice of a result set a page covers.
type Window struct {
	Offset int
	Limit  int
}

// Row is one solution of a select query, keyed by variable name.
type Row map[string]rdf.Term

// Page is the answer to one windowed fetch. Graph-shaped results fill
// Triples, tabular results fill Rows.
type Page struct {
	Window  Window
	Triples []rdf.Quad
	Rows    []Row
}

// Len is the raw row count, before any filtering.
func (p *Page) Len() int {
	if p == nil {
		return 0
	}
	return len(p.Triples) + len(p.Rows)
}

// Fetcher executes one window of a request against the remote service.
type Fetcher interface {
	Fetch(ctx context.Context, ds Dataset, req Request, w Window) (*Page, error)
}

// EndpointClient talks to the remote query service:
// GET <endpoint>/dataset/<name>/apis/<operation>?query=..&limit=..&offset=..&apikey=..
type EndpointClient struct {
	client    *resty.Client
	endpoint  string
	operation string
	apiKey    string
	log       zerolog.Logger
}

func NewEndpointClient(cfg *Config) *EndpointClient {
	client := resty.New().
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		SetHeader("User-Agent", cfg.ServiceName).
		AddRetryCondition(transientFailure)

	return &EndpointClient{
		client:    client,
		endpoint:  strings.TrimSuffix(cfg.Endpoint, "/"),
		operation: cfg.Operation,
		apiKey:    cfg.APIKey,
		log:       componentLogger("endpoint"),
	}
}

func transientFailure(res *resty.Response, err error) bool {
	if err != nil {
		return true
	}
	switch res.StatusCode() {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// ServiceURL is the query url of one dataset.
func (c *EndpointClient) ServiceURL(ds Dataset) string {
	return fmt.Sprintf("%s/dataset/%s/apis/%s", c.endpoint, url.PathEscape(ds.Name), c.operation)
}

func (c *EndpointClient) Fetch(ctx context.Context, ds Dataset, req Request, w Window) (*Page, error) {
	ctx, span := tracer.Start(ctx, "Fetch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("dataset", ds.Name),
			attribute.String("request", req.ID),
			attribute.Int("offset", w.Offset),
			attribute.Int("limit", w.Limit),
		))
	defer span.End()

	page, err := c.fetch(ctx, ds, req, w)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("rows", page.Len()))
	return page, nil
}

func (c *EndpointClient) fetch(ctx context.Context, ds Dataset, req Request, w Window) (*Page, error) {
	accept := mediaSparqlResult
	if req.Form.ReturnsGraph() {
		accept = mediaNTriples
	}
	res, err := c.client.R().
		SetContext(ctx).
		SetHeader("Accept", accept).
		SetQueryParams(map[string]string{
			"query":  req.Query,
			"limit":  strconv.Itoa(w.Limit),
			"offset": strconv.Itoa(w.Offset),
			"apikey": c.apiKey,
		}).
		Get(c.ServiceURL(ds))
	if err != nil {
		return nil, err
	}
	if res.IsError() {
		return nil, fmt.Errorf("remote returned %s: %s", res.Status(), truncate(res.String(), 200))
	}
	c.log.Trace().Str("dataset", ds.Name).Int("offset", w.Offset).
		Int("bytes", len(res.Body())).Msg("Fetched page")

	page := &Page{Window: w}
	if req.Form.ReturnsGraph() {
		triples, err := rdf.ReadAll(bytes.NewReader(res.Body()))
		if err != nil {
			return nil, fmt.Errorf("%w: decoding n-triples: %w", ErrMalformedRow, err)
		}
		page.Triples = triples
		return page, nil
	}
	rows, err := decodeSparqlResults(res.Body())
	if err != nil {
		return nil, err
	}
	page.Rows = rows
	return page, nil
}

type sparqlResults struct {
	Head struct {
		Vars []string `json:"vars"`
	} `json:"head"`
	Results *struct {
		Bindings []map[string]sparqlValue `json:"bindings"`
	} `json:"results"`
}

type sparqlValue struct {
	Type     string `json:"type"`
	Value    string `json:"value"`
	Datatype string `json:"datatype"`
	Lang     string `json:"xml:lang"`
}

func decodeSparqlResults(body []byte) ([]Row, error) {
	// encoding/json replaces invalid bytes with U+FFFD
	if !utf8.Valid(body) {
		return nil, fmt.Errorf("%w: sparql results are not valid utf-8", ErrMalformedRow)
	}
	var sr sparqlResults
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, fmt.Errorf("decoding sparql results: %w", err)
	}
	if sr.Results == nil {
		return nil, fmt.Errorf("decoding sparql results: missing results member")
	}
	rows := make([]Row, 0, len(sr.Results.Bindings))
	for i, binding := range sr.Results.Bindings {
		row := make(Row, len(binding))
		for name, v := range binding {
			t, err := v.term()
			if err != nil {
				return nil, fmt.Errorf("row %d, variable %s: %w", i, name, err)
			}
			row[name] = t
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (v sparqlValue) term() (rdf.Term, error) {
	switch v.Type {
	case "uri":
		return rdf.NewIRI(v.Value), nil
	case "literal", "typed-literal":
		return rdf.NewLiteral(v.Value, v.Datatype, v.Lang), nil
	case "bnode":
		return rdf.NewBlank(v.Value), nil
	}
	return nil, fmt.Errorf("unknown binding type %q", v.Type)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
