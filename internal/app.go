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

	"github.com/google/uuid"
)

// Harvest runs a complete harvest as configured: every request of the
// catalog, then the output file. Cancelling ctx stops harvesting between
// pages; what was harvested is still written and the cancellation is
// returned.
func Harvest(ctx context.Context, cfg *Config) (*RunReport, error) {
	policy, err := cfg.Policy()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	codec, err := CodecFor(cfg.Compression, cfg.Output)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	catalog, err := NewCatalogFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	m, err := NewMetrics(cfg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = m.Close() }()

	store, err := OpenStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStore, err)
	}
	defer func() { _ = store.Close() }()

	progress := NewProgress(uuid.NewString())
	if cfg.StatusPort > 0 {
		srv, err := NewStatusServer(cfg, progress, store, m)
		if err != nil {
			return nil, err
		}
		srv.Start()
		defer func() { _ = srv.Shutdown() }()
	}

	harvester := NewHarvester(NewEndpointClient(cfg), store, policy,
		WithFetchTimeout(cfg.FetchTimeoutDuration()),
		WithMetrics(m),
		WithMemoryGuard(NewMemoryGuard(cfg.MemoryHeadroom)),
		WithObserver(progress),
	)
	runner := NewRunner(catalog, harvester, cfg.Workers, progress)
	LOG.Info().Str("run", runner.RunID).Str("mode", cfg.Mode).Int("page_size", policy.PageSize).
		Str("termination", string(policy.Termination)).Int("workers", cfg.Workers).Msg("Starting harvest")

	report, runErr := runner.Run(ctx)
	report.Log(LOG)
	cancelled := errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded)
	if runErr != nil && !cancelled {
		return report, runErr
	}

	// the run context may be gone already, the output is written regardless
	progress.SetState(StateWriting)
	if _, err := NewOutputWriter(cfg.Output, codec, m).Write(context.Background(), store); err != nil {
		progress.SetState(StateFailed)
		return report, err
	}
	if cfg.EntitiesDir != "" {
		files, err := EntityExporter{Dir: cfg.EntitiesDir}.Export(context.Background(), store)
		if err != nil {
			progress.SetState(StateFailed)
			return report, err
		}
		LOG.Info().Strs("files", files).Msg("Exported entities")
	}

	if cancelled {
		progress.SetState(StateCancelled)
		return report, runErr
	}
	progress.SetState(StateDone)
	return report, nil
}
