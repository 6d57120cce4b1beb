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
	"fmt"

	"github.com/mimiro-io/datahub-linkharvester/internal/rdf"
)

// Transform shapes one page into the quads to keep. Every returned quad is
// in the dataset graph. An error rejects the whole page.
type Transform func(ds Dataset, req Request, page *Page) ([]rdf.Quad, error)

// PassThrough keeps every statement of the page.
func PassThrough() Transform {
	return func(ds Dataset, _ Request, page *Page) ([]rdf.Quad, error) {
		g := ds.GraphTerm()
		quads := make([]rdf.Quad, 0, page.Len())
		for _, t := range page.Triples {
			quads = append(quads, rdf.InGraph(t, g))
		}
		for i, row := range page.Rows {
			s, p, o := row["s"], row["p"], row["o"]
			if s == nil || p == nil || o == nil {
				return nil, fmt.Errorf("%w: row %d needs s, p and o", ErrMalformedRow, page.Window.Offset+i)
			}
			if rdf.IsLiteral(s) || !rdf.IsIRI(p) {
				return nil, fmt.Errorf("%w: row %d is not a statement", ErrMalformedRow, page.Window.Offset+i)
			}
			quads = append(quads, rdf.Quad{Subject: s, Predicate: p, Object: o, Label: g})
		}
		return quads, nil
	}
}

// SubstitutePredicate builds (s, property, o) from the s and o columns of each
// row, with the request's property as predicate. IRI objects are kept only
// if they start with prefix, any other object is kept.
func SubstitutePredicate(prefix string) Transform {
	return func(ds Dataset, req Request, page *Page) ([]rdf.Quad, error) {
		if req.Property == "" {
			return nil, fmt.Errorf("%w: request %s has no property", ErrMalformedRow, req.ID)
		}
		g := ds.GraphTerm()
		predicate := rdf.NewIRI(req.Property)
		quads := make([]rdf.Quad, 0, page.Len())
		for i, row := range page.Rows {
			s, o := row["s"], row["o"]
			if s == nil || o == nil {
				return nil, fmt.Errorf("%w: row %d needs s and o", ErrMalformedRow, page.Window.Offset+i)
			}
			if rdf.IsLiteral(s) {
				return nil, fmt.Errorf("%w: row %d has a literal subject", ErrMalformedRow, page.Window.Offset+i)
			}
			if keepObject(o, prefix) {
				quads = append(quads, rdf.Quad{Subject: s, Predicate: predicate, Object: o, Label: g})
			}
		}
		for _, t := range page.Triples {
			if keepObject(t.Object, prefix) {
				quads = append(quads, rdf.Quad{Subject: t.Subject, Predicate: predicate, Object: t.Object, Label: g})
			}
		}
		return quads, nil
	}
}

func keepObject(o rdf.Term, prefix string) bool {
	if rdf.IsIRI(o) {
		return rdf.HasPrefix(o, prefix)
	}
	return true
}
