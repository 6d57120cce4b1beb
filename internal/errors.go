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
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

var (
	// ErrConfig is fatal and reported before any harvesting starts.
	ErrConfig = errors.New("invalid configuration")
	// ErrCatalog is recovered per dataset or per list file.
	ErrCatalog = errors.New("catalog load failed")
	// ErrFetch is recovered per request.
	ErrFetch        = errors.New("fetch failed")
	ErrMalformedRow = errors.New("malformed row")
	ErrHeadroom     = errors.New("memory headroom too low")
	// ErrOutput is fatal: the run produced no usable artifact.
	ErrOutput = errors.New("output write failed")
	// ErrStore is fatal: harvested quads could not be kept.
	ErrStore       = errors.New("quad store failed")
	ErrUnknownMode = errors.New("unknown harvest mode")
	ErrNoGraph     = errors.New("graph not found")
)

// FetchError aborts the pagination loop of one request. It always matches
// ErrFetch with errors.Is.
type FetchError struct {
	Dataset string
	Request string
	Offset  int
	Err     error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch failed for %s in dataset %s at offset %d: %v", e.Request, e.Dataset, e.Offset, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) Is(target error) bool { return target == ErrFetch }

// IsRecoverable reports whether the run may continue after err.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrFetch) || errors.Is(err, ErrCatalog)
}

func ToHttpError(err error) *echo.HTTPError {
	if errors.Is(err, ErrNoGraph) {
		return echo.NewHTTPError(http.StatusNotFound, "No such graph")
	}
	if errors.Is(err, ErrHeadroom) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "Harvester is low on memory")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
