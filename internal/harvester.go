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
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Policy parameterizes the harvesting engine.
type Policy struct {
	PageSize    int
	Termination TerminationPolicy
	Reporting   ReportingMode
	Transform   Transform
}

// RequestResult summarizes one request. Rows are counted before filtering,
// Quads after, Added is what the store did not already hold.
type RequestResult struct {
	Dataset string
	Request string
	Pages   int
	Rows    int
	Quads   int
	Added   int
	Elapsed time.Duration
	Err     error
}

// PageObserver is told about every page that was stored.
type PageObserver interface {
	PageStored(ds Dataset, req Request, w Window, rows, quads int)
}

type Harvester struct {
	fetcher  Fetcher
	store    QuadStore
	policy   Policy
	timeout  time.Duration
	metrics  *Metrics
	guard    *MemoryGuard
	observer PageObserver
	log      zerolog.Logger
}

type HarvesterOption func(h *Harvester)

// WithFetchTimeout bounds every single page fetch, retries included.
func WithFetchTimeout(d time.Duration) HarvesterOption {
	return func(h *Harvester) { h.timeout = d }
}

func WithMetrics(m *Metrics) HarvesterOption {
	return func(h *Harvester) { h.metrics = m }
}

func WithMemoryGuard(g *MemoryGuard) HarvesterOption {
	return func(h *Harvester) { h.guard = g }
}

func WithObserver(o PageObserver) HarvesterOption {
	return func(h *Harvester) { h.observer = o }
}

func WithLogger(l zerolog.Logger) HarvesterOption {
	return func(h *Harvester) { h.log = l }
}

func NewHarvester(fetcher Fetcher, store QuadStore, policy Policy, opts ...HarvesterOption) *Harvester {
	h := &Harvester{
		fetcher: fetcher,
		store:   store,
		policy:  policy,
		timeout: 300 * time.Second,
		metrics: NoOpMetrics(),
		log:     componentLogger("harvester"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Harvest pages through req until the termination policy fires.
//
// A failing page aborts the request with a *FetchError; quads of earlier
// pages stay in the store. Cancellation of ctx is checked before every page
// and returned as is. Store failures are fatal and wrap ErrStore.
func (h *Harvester) Harvest(ctx context.Context, ds Dataset, req Request) (res RequestResult, err error) {
	ctx, span := tracer.Start(ctx, "Harvest", trace.WithAttributes(
		attribute.String("dataset", ds.Name),
		attribute.String("request", req.ID),
	))
	defer func() {
		span.SetAttributes(attribute.Int("pages", res.Pages), attribute.Int("quads", res.Quads))
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	res = RequestResult{Dataset: ds.Name, Request: req.ID}
	limit := h.policy.PageSize
	tags := []string{"dataset:" + ds.Name}
	log := h.log.With().Str("dataset", ds.Name).Str("request", req.ID).Logger()
	start := time.Now()

	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			res.Elapsed = time.Since(start)
			res.Err = err
			return res, err
		}
		w := Window{Offset: i * limit, Limit: limit}
		log.Debug().Msg(fmt.Sprintf("Offset is %d and limit is %d", w.Offset, w.Limit))

		if err := h.guard.Assert(); err != nil {
			return h.fail(res, ds, req, w, start, err, log)
		}

		pageStart := time.Now()
		page, err := h.fetchPage(ctx, ds, req, w)
		if err != nil {
			if ctx.Err() != nil {
				res.Elapsed = time.Since(start)
				res.Err = ctx.Err()
				return res, ctx.Err()
			}
			return h.fail(res, ds, req, w, start, err, log)
		}
		quads, err := h.policy.Transform(ds, req, page)
		if err != nil {
			return h.fail(res, ds, req, w, start, err, log)
		}
		added, err := h.store.Add(ctx, quads)
		if err != nil {
			res.Elapsed = time.Since(start)
			res.Err = fmt.Errorf("%w: %v", ErrStore, err)
			return res, res.Err
		}
		took := time.Since(pageStart)
		rows := page.Len()

		res.Pages++
		res.Rows += rows
		res.Quads += len(quads)
		res.Added += added

		_ = h.metrics.Statsd.Incr(MetricPageCount, tags, 1)
		_ = h.metrics.Statsd.Timing(MetricPageTime, took, tags, 1)
		_ = h.metrics.Statsd.Count(MetricRows, int64(rows), tags, 1)
		_ = h.metrics.Statsd.Count(MetricQuads, int64(len(quads)), tags, 1)
		if h.observer != nil {
			h.observer.PageStored(ds, req, w, rows, len(quads))
		}
		if h.policy.Reporting == ReportPerPage {
			log.Info().Int("offset", w.Offset).
				Msg(fmt.Sprintf("Retrieved %d triples in %d seconds", rows, int(took.Seconds())))
		}

		if h.policy.Termination.Done(rows, limit) {
			break
		}
	}

	res.Elapsed = time.Since(start)
	if h.policy.Reporting == ReportPerRequest && res.Quads > 0 {
		log.Info().Msg(fmt.Sprintf("Found %d quads in %d seconds", res.Quads, int(res.Elapsed.Seconds())))
	}
	return res, nil
}

func (h *Harvester) fetchPage(ctx context.Context, ds Dataset, req Request, w Window) (*Page, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	page, err := h.fetcher.Fetch(fetchCtx, ds, req, w)
	if err != nil {
		if errors.Is(fetchCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("no answer within %s: %w", h.timeout, err)
		}
		return nil, err
	}
	if page == nil {
		return nil, errors.New("empty response")
	}
	return page, nil
}

func (h *Harvester) fail(res RequestResult, ds Dataset, req Request, w Window, start time.Time, cause error, log zerolog.Logger) (RequestResult, error) {
	err := &FetchError{Dataset: ds.Name, Request: req.ID, Offset: w.Offset, Err: cause}
	res.Elapsed = time.Since(start)
	res.Err = err
	_ = h.metrics.Statsd.Incr(MetricRequestFailed, []string{"dataset:" + ds.Name}, 1)
	log.Error().Err(cause).Int("offset", w.Offset).Int("pages", res.Pages).Msg("Request aborted")
	return res, err
}
