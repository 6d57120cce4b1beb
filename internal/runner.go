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
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	StateRunning   = "running"
	StateWriting   = "writing"
	StateDone      = "done"
	StateFailed    = "failed"
	StateCancelled = "cancelled"
)

// Progress is the live view of a run, shared with the status server.
type Progress struct {
	mu       sync.Mutex
	snapshot ProgressSnapshot
}

type ProgressSnapshot struct {
	RunID           string    `json:"runId"`
	State           string    `json:"state"`
	Started         time.Time `json:"started"`
	Datasets        int       `json:"datasets"`
	Requests        int       `json:"requests"`
	RequestsDone    int       `json:"requestsDone"`
	RequestsFailed  int       `json:"requestsFailed"`
	CatalogFailures int       `json:"catalogFailures"`
	Pages           int       `json:"pages"`
	Rows            int       `json:"rows"`
	Quads           int       `json:"quads"`
	Active          []string  `json:"active"`
}

func NewProgress(runID string) *Progress {
	return &Progress{snapshot: ProgressSnapshot{RunID: runID, State: StateRunning, Started: time.Now()}}
}

func (p *Progress) Snapshot() ProgressSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.snapshot
	s.Active = append([]string(nil), p.snapshot.Active...)
	return s
}

func (p *Progress) SetState(state string) {
	p.mu.Lock()
	p.snapshot.State = state
	p.mu.Unlock()
}

func (p *Progress) PageStored(_ Dataset, _ Request, _ Window, rows, quads int) {
	p.mu.Lock()
	p.snapshot.Pages++
	p.snapshot.Rows += rows
	p.snapshot.Quads += quads
	p.mu.Unlock()
}

func (p *Progress) planned(datasets, requests, catalogFailures int) {
	p.mu.Lock()
	p.snapshot.Datasets = datasets
	p.snapshot.Requests = requests
	p.snapshot.CatalogFailures = catalogFailures
	p.mu.Unlock()
}

func (p *Progress) started(key string) {
	p.mu.Lock()
	p.snapshot.Active = append(p.snapshot.Active, key)
	p.mu.Unlock()
}

func (p *Progress) finished(key string, failed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, a := range p.snapshot.Active {
		if a == key {
			p.snapshot.Active = append(p.snapshot.Active[:i], p.snapshot.Active[i+1:]...)
			break
		}
	}
	p.snapshot.RequestsDone++
	if failed {
		p.snapshot.RequestsFailed++
	}
}

// RunReport is the outcome of the harvesting phase of a run.
type RunReport struct {
	RunID           string
	Datasets        int
	CatalogFailures int
	Requests        int
	Succeeded       int
	Failed          int
	Pages           int
	Rows            int
	Quads           int
	Added           int
	Elapsed         time.Duration
	Results         []RequestResult
}

func (r *RunReport) add(res RequestResult) {
	r.Results = append(r.Results, res)
	r.Pages += res.Pages
	r.Rows += res.Rows
	r.Quads += res.Quads
	r.Added += res.Added
	if res.Err != nil {
		r.Failed++
	} else {
		r.Succeeded++
	}
}

func (r *RunReport) Log(l zerolog.Logger) {
	l.Info().
		Str("run", r.RunID).
		Int("datasets", r.Datasets).
		Int("catalog_failures", r.CatalogFailures).
		Int("requests", r.Requests).
		Int("succeeded", r.Succeeded).
		Int("failed", r.Failed).
		Int("pages", r.Pages).
		Int("rows", r.Rows).
		Int("quads", r.Quads).
		Int("new_quads", r.Added).
		Str("elapsed", r.Elapsed.String()).
		Msg("Harvest finished")
}

type job struct {
	ds  Dataset
	req Request
}

// Runner drives every request of the catalog through the harvester.
type Runner struct {
	RunID     string
	catalog   *Catalog
	harvester *Harvester
	workers   int
	progress  *Progress
	log       zerolog.Logger
}

func NewRunner(catalog *Catalog, harvester *Harvester, workers int, progress *Progress) *Runner {
	if workers < 1 {
		workers = 1
	}
	runID := uuid.NewString()
	if progress == nil {
		progress = NewProgress(runID)
	} else {
		runID = progress.Snapshot().RunID
	}
	return &Runner{
		RunID:     runID,
		catalog:   catalog,
		harvester: harvester,
		workers:   workers,
		progress:  progress,
		log:       componentLogger("runner").With().Str("run", runID).Logger(),
	}
}

func (r *Runner) Progress() *Progress {
	return r.progress
}

// plan lists the work in catalog order. Datasets whose catalog fails to
// load are logged and skipped.
func (r *Runner) plan() ([]job, *RunReport) {
	report := &RunReport{RunID: r.RunID}
	datasets, err := r.catalog.Datasets()
	if err != nil {
		r.log.Error().Err(err).Msg("Unable to list datasets")
		report.CatalogFailures++
		return nil, report
	}
	report.Datasets = len(datasets)
	var jobs []job
	for _, ds := range datasets {
		reqs, err := r.catalog.Requests(ds.Name)
		if err != nil {
			r.log.Error().Err(err).Str("dataset", ds.Name).Msg("Skipping dataset, catalog load failed")
			report.CatalogFailures++
			continue
		}
		for _, req := range reqs {
			jobs = append(jobs, job{ds: ds, req: req})
		}
	}
	report.Requests = len(jobs)
	return jobs, report
}

// Run harvests all requests. Fetch failures are recorded in the report and
// never stop the run; a store failure or cancellation does. Requests that
// never started are absent from the report.
func (r *Runner) Run(ctx context.Context) (*RunReport, error) {
	start := time.Now()
	jobs, report := r.plan()
	r.progress.planned(report.Datasets, report.Requests, report.CatalogFailures)

	results := make([]*RequestResult, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)

	lastDataset := ""
	for i, j := range jobs {
		if gctx.Err() != nil {
			break
		}
		if j.ds.Name != lastDataset {
			r.log.Info().Msg(fmt.Sprintf("Processing %s dataset...", j.ds.Name))
			lastDataset = j.ds.Name
		}
		i, j := i, j
		g.Go(func() error {
			if j.req.Property != "" {
				r.log.Info().Msg(fmt.Sprintf("Searching statements with %s property in the %s dataset...", j.req.Property, j.ds.Name))
			}
			key := j.ds.Name + " " + j.req.ID
			r.progress.started(key)
			res, err := r.harvester.Harvest(gctx, j.ds, j.req)
			results[i] = &res
			r.progress.finished(key, err != nil)
			if err != nil && !IsRecoverable(err) {
				return err
			}
			return nil
		})
	}
	err := g.Wait()

	for _, res := range results {
		if res != nil {
			report.add(*res)
		}
	}
	report.Elapsed = time.Since(start)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			r.progress.SetState(StateCancelled)
		} else {
			r.progress.SetState(StateFailed)
		}
		return report, err
	}
	return report, nil
}
