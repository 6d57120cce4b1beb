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
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mimiro-io/datahub-linkharvester/internal/rdf"
)

const sameAs = "http://www.w3.org/2002/07/owl#sameAs"

var _ = Describe("The endpoint client", func() {
	var srv *httptest.Server
	var handler http.HandlerFunc
	var calls atomic.Int32
	var last *url.URL
	var lastAccept string
	var client *EndpointClient
	ds := NewDataset("http://data.kasabi.com", "osnames")

	BeforeEach(func() {
		calls.Store(0)
		srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			last = r.URL
			lastAccept = r.Header.Get("Accept")
			handler(w, r)
		}))
		client = NewEndpointClient(&Config{
			Endpoint:    srv.URL + "/",
			Operation:   "sparql",
			APIKey:      "key-1",
			Retries:     2,
			ServiceName: "linkharvester-test",
		})
	})
	AfterEach(func() {
		srv.Close()
	})

	Context("with a select request", func() {
		It("sends the window and key and decodes bindings", func() {
			handler = func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", mediaSparqlResult)
				_, _ = w.Write([]byte(`{"head":{"vars":["s","o"]},"results":{"bindings":[
					{"s":{"type":"uri","value":"http://data.kasabi.com/dataset/osnames/1"},
					 "o":{"type":"uri","value":"http://data.ordnancesurvey.co.uk/id/7"}},
					{"s":{"type":"bnode","value":"b1"},
					 "o":{"type":"literal","value":"Oslo","xml:lang":"NO"}},
					{"s":{"type":"uri","value":"http://x/2"},
					 "o":{"type":"typed-literal","value":"4","datatype":"http://www.w3.org/2001/XMLSchema#int"}}
				]}}`))
			}
			page, err := client.Fetch(context.Background(), ds, PropertyRequest(sameAs), Window{Offset: 100, Limit: 50})
			Expect(err).NotTo(HaveOccurred())

			Expect(last.Path).To(Equal("/dataset/osnames/apis/sparql"))
			q := last.Query()
			Expect(q.Get("query")).To(Equal("SELECT ?s ?o { ?s <" + sameAs + "> ?o }"))
			Expect(q.Get("offset")).To(Equal("100"))
			Expect(q.Get("limit")).To(Equal("50"))
			Expect(q.Get("apikey")).To(Equal("key-1"))
			Expect(lastAccept).To(Equal(mediaSparqlResult))

			Expect(page.Len()).To(Equal(3))
			Expect(page.Window).To(Equal(Window{Offset: 100, Limit: 50}))
			Expect(page.Rows[0]["o"]).To(Equal(rdf.NewIRI("http://data.ordnancesurvey.co.uk/id/7")))
			Expect(page.Rows[1]["s"]).To(Equal(rdf.NewBlank("b1")))
			Expect(page.Rows[1]["o"]).To(Equal(rdf.NewLiteral("Oslo", "", "no")))
			Expect(page.Rows[2]["o"]).To(Equal(rdf.NewLiteral("4", "http://www.w3.org/2001/XMLSchema#int", "")))
		})

		It("counts an empty result as zero rows", func() {
			handler = func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"head":{"vars":["s","o"]},"results":{"bindings":[]}}`))
			}
			page, err := client.Fetch(context.Background(), ds, PropertyRequest(sameAs), Window{Limit: 50})
			Expect(err).NotTo(HaveOccurred())
			Expect(page.Len()).To(Equal(0))
		})

		It("rejects malformed results", func() {
			handler = func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"head":{"vars":["s"]}}`))
			}
			_, err := client.Fetch(context.Background(), ds, PropertyRequest(sameAs), Window{Limit: 50})
			Expect(err).To(MatchError(ContainSubstring("missing results")))

			handler = func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"results":{"bindings":[{"s":{"type":"triple","value":"x"}}]}}`))
			}
			_, err = client.Fetch(context.Background(), ds, PropertyRequest(sameAs), Window{Limit: 50})
			Expect(err).To(MatchError(ContainSubstring("unknown binding type")))

			handler = func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`<html>`))
			}
			_, err = client.Fetch(context.Background(), ds, PropertyRequest(sameAs), Window{Limit: 50})
			Expect(err).To(HaveOccurred())
		})

		It("rejects bindings that are not valid utf-8", func() {
			handler = func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("{\"results\":{\"bindings\":[{\"s\":{\"type\":\"uri\",\"value\":\"http://s/1\"},\"o\":{\"type\":\"literal\",\"value\":\"bad\xffutf8\"}}]}}"))
			}
			_, err := client.Fetch(context.Background(), ds, PropertyRequest(sameAs), Window{Limit: 50})
			Expect(err).To(MatchError(ErrMalformedRow))
		})
	})

	Context("with a construct request", func() {
		It("asks for and parses n-triples", func() {
			handler = func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", mediaNTriples)
				_, _ = w.Write([]byte("<http://s/1> <http://p> \"a\" .\n<http://s/2> <http://p> <http://o> .\n"))
			}
			req, err := ParseRequest("all", "# everything\nCONSTRUCT { ?s ?p ?o }\nWHERE { ?s ?p ?o }")
			Expect(err).NotTo(HaveOccurred())
			page, err := client.Fetch(context.Background(), ds, req, Window{Limit: 100000})
			Expect(err).NotTo(HaveOccurred())
			Expect(lastAccept).To(Equal(mediaNTriples))
			Expect(last.Query().Get("query")).To(Equal("CONSTRUCT { ?s ?p ?o } WHERE { ?s ?p ?o }"))
			Expect(page.Triples).To(HaveLen(2))
			Expect(page.Rows).To(BeEmpty())
		})

		It("keeps the datatype of typed literals", func() {
			handler = func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("<http://s/1> <http://p> \"04\"^^<http://www.w3.org/2001/XMLSchema#int> .\n"))
			}
			req, err := ParseRequest("all", "CONSTRUCT { ?s ?p ?o } WHERE { ?s ?p ?o }")
			Expect(err).NotTo(HaveOccurred())
			page, err := client.Fetch(context.Background(), ds, req, Window{Limit: 100000})
			Expect(err).NotTo(HaveOccurred())
			Expect(page.Triples).To(HaveLen(1))
			Expect(rdf.Line(page.Triples[0])).To(Equal(`<http://s/1> <http://p> "04"^^<http://www.w3.org/2001/XMLSchema#int> .`))
		})

		It("rejects a page that is not valid utf-8", func() {
			handler = func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("<http://s/1> <http://p> \"bad\xffutf8\" .\n"))
			}
			req, err := ParseRequest("all", "CONSTRUCT { ?s ?p ?o } WHERE { ?s ?p ?o }")
			Expect(err).NotTo(HaveOccurred())
			_, err = client.Fetch(context.Background(), ds, req, Window{Limit: 100000})
			Expect(err).To(MatchError(ErrMalformedRow))
			Expect(err).To(MatchError(rdf.ErrSyntax))
		})
	})

	Context("when the remote fails", func() {
		It("retries transient errors", func() {
			handler = func(w http.ResponseWriter, r *http.Request) {
				if calls.Load() == 1 {
					w.WriteHeader(http.StatusServiceUnavailable)
					return
				}
				_, _ = w.Write([]byte(`{"results":{"bindings":[]}}`))
			}
			_, err := client.Fetch(context.Background(), ds, PropertyRequest(sameAs), Window{Limit: 50})
			Expect(err).NotTo(HaveOccurred())
			Expect(calls.Load()).To(Equal(int32(2)))
		})

		It("does not retry server errors", func() {
			handler = func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte("query timed out"))
			}
			_, err := client.Fetch(context.Background(), ds, PropertyRequest(sameAs), Window{Limit: 50})
			Expect(err).To(MatchError(ContainSubstring("query timed out")))
			Expect(calls.Load()).To(Equal(int32(1)))
		})
	})
})
