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
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// fakeKasabi serves canned pages per dataset, keyed by offset.
type fakeKasabi struct {
	mu      sync.Mutex
	pages   map[string]map[string]string
	offsets map[string][]string
}

func (f *fakeKasabi) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 4 || parts[0] != "dataset" || parts[2] != "apis" || r.URL.Query().Get("apikey") != "secret" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	name, offset := parts[1], r.URL.Query().Get("offset")
	f.mu.Lock()
	f.offsets[name] = append(f.offsets[name], offset)
	body, ok := f.pages[name][offset]
	f.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("no such page"))
		return
	}
	_, _ = w.Write([]byte(body))
}

func bindings(pairs ...string) string {
	var rows []map[string]any
	for i := 0; i+1 < len(pairs); i += 2 {
		rows = append(rows, map[string]any{
			"s": map[string]string{"type": "uri", "value": pairs[i]},
			"o": map[string]string{"type": "uri", "value": pairs[i+1]},
		})
	}
	b, _ := json.Marshal(map[string]any{"head": map[string]any{"vars": []string{"s", "o"}}, "results": map[string]any{"bindings": rows}})
	return string(b)
}

var _ = Describe("A harvest run", func() {
	var kasabi *fakeKasabi
	var srv *httptest.Server
	var dir string
	var cfg *Config

	BeforeEach(func() {
		kasabi = &fakeKasabi{pages: map[string]map[string]string{}, offsets: map[string][]string{}}
		srv = httptest.NewServer(kasabi)
		var err error
		dir, err = os.MkdirTemp("", "harvest")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(os.RemoveAll, dir)
	})
	AfterEach(func() {
		srv.Close()
	})

	configure := func(mode string) {
		cfg = validConfig(mode)
		cfg.APIKey = "secret"
		cfg.Endpoint = srv.URL
		cfg.Retries = 0
		cfg.Workers = 2
		cfg.PageSize = 2
	}

	Context("in links mode", func() {
		BeforeEach(func() {
			configure(ModeLinks)
			cfg.Datasets = []string{"osnames", "nhs"}
			cfg.Properties = []string{sameAs}
			cfg.Output = filepath.Join(dir, "links.nq.gz")
			cfg.EntitiesDir = filepath.Join(dir, "entities")

			ds := "http://data.kasabi.com/dataset/osnames/"
			kasabi.pages["osnames"] = map[string]string{
				"0": bindings(ds+"1", "http://data.ordnancesurvey.co.uk/id/1", ds+"2", "http://sws.geonames.org/2"),
				"2": bindings(ds+"3", "http://data.ordnancesurvey.co.uk/id/3"),
			}
		})

		It("keeps ordnance survey links and survives failing datasets", func() {
			report, err := Harvest(context.Background(), cfg)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Requests).To(Equal(2))
			Expect(report.Succeeded).To(Equal(1))
			Expect(report.Failed).To(Equal(1))
			Expect(report.Rows).To(Equal(3))
			Expect(kasabi.offsets["osnames"]).To(Equal([]string{"0", "2"}))
			Expect(kasabi.offsets["nhs"]).To(Equal([]string{"0"}))

			lines := readLinesG(cfg.Output, CodecGzip)
			Expect(lines).To(Equal([]string{
				fmt.Sprintf("<http://data.kasabi.com/dataset/osnames/1> <%s> <http://data.ordnancesurvey.co.uk/id/1> <http://data.kasabi.com/dataset/osnames> .", sameAs),
				fmt.Sprintf("<http://data.kasabi.com/dataset/osnames/3> <%s> <http://data.ordnancesurvey.co.uk/id/3> <http://data.kasabi.com/dataset/osnames> .", sameAs),
			}))
			Expect(filepath.Join(cfg.EntitiesDir, "osnames.ndjson.gz")).To(BeAnExistingFile())
		})

		It("still writes what it has when cancelled", func() {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			_, err := Harvest(ctx, cfg)
			Expect(err).To(MatchError(context.Canceled))
			Expect(cfg.Output).To(BeAnExistingFile())
			Expect(readLinesG(cfg.Output, CodecGzip)).To(BeEmpty())
		})

		It("fails on an unusable output", func() {
			blocker := filepath.Join(dir, "blocker")
			Expect(os.WriteFile(blocker, []byte("x"), 0o644)).To(Succeed())
			cfg.Output = filepath.Join(blocker, "links.nq.gz")
			_, err := Harvest(context.Background(), cfg)
			Expect(err).To(MatchError(ErrOutput))
		})
	})

	Context("in construct mode", func() {
		It("pages until an empty page and stores into the dataset graph", func() {
			configure(ModeConstruct)
			cfg.QueryDir = filepath.Join(dir, "queries")
			cfg.Output = filepath.Join(dir, "construct.nq.zst")
			Expect(os.MkdirAll(filepath.Join(cfg.QueryDir, "nhs"), 0o755)).To(Succeed())
			Expect(os.WriteFile(filepath.Join(cfg.QueryDir, "nhs", "all.rq"),
				[]byte("CONSTRUCT { ?s ?p ?o } WHERE { ?s ?p ?o }\n"), 0o644)).To(Succeed())

			kasabi.pages["nhs"] = map[string]string{
				"0": "<http://s/1> <http://p> \"a\" .\n<http://s/2> <http://p> \"b\" .\n",
				"2": "<http://s/3> <http://p> \"c\" .\n",
				"4": "",
			}
			report, err := Harvest(context.Background(), cfg)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Succeeded).To(Equal(1))
			Expect(report.Pages).To(Equal(3))
			Expect(kasabi.offsets["nhs"]).To(Equal([]string{"0", "2", "4"}))

			lines := readLinesG(cfg.Output, CodecZstd)
			Expect(lines).To(HaveLen(3))
			Expect(lines[0]).To(Equal(`<http://s/1> <http://p> "a" <http://data.kasabi.com/dataset/nhs> .`))
		})
	})

	It("rejects configurations it cannot run", func() {
		configure(ModeLinks)
		cfg.Compression = "rar"
		_, err := Harvest(context.Background(), cfg)
		Expect(err).To(MatchError(ErrConfig))
	})
})
