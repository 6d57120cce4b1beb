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

import "fmt"

// TerminationPolicy decides when a request has been read to exhaustion.
// Decisions are made on the raw row count of a page, before filtering.
type TerminationPolicy string

const (
	// ExactEmpty stops on the first page without rows. Short pages continue.
	ExactEmpty TerminationPolicy = "exact-empty"
	// ShortPage stops on the first page with fewer rows than the limit.
	ShortPage TerminationPolicy = "short-page"
)

func (t TerminationPolicy) Done(rows, limit int) bool {
	switch t {
	case ShortPage:
		return rows < limit
	default:
		return rows == 0
	}
}

func ParseTermination(s string) (TerminationPolicy, error) {
	switch TerminationPolicy(s) {
	case ExactEmpty, ShortPage:
		return TerminationPolicy(s), nil
	}
	return "", fmt.Errorf("unknown termination policy %q", s)
}

// ReportingMode controls whether progress is logged after every page or
// once per request.
type ReportingMode string

const (
	ReportPerPage    ReportingMode = "per-page"
	ReportPerRequest ReportingMode = "per-request"
)

func ParseReporting(s string) (ReportingMode, error) {
	switch ReportingMode(s) {
	case ReportPerPage, ReportPerRequest:
		return ReportingMode(s), nil
	}
	return "", fmt.Errorf("unknown reporting mode %q", s)
}
