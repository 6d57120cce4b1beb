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

// Package rdf holds the statement helpers used by the harvester on top of
// the cayleygraph quad model.
package rdf

import (
	"strings"

	"github.com/cayleygraph/quad"
)

// XSDString is the implicit datatype of plain literals.
const XSDString = "http://www.w3.org/2001/XMLSchema#string"

type (
	Term = quad.Value
	Quad = quad.Quad
)

func NewIRI(iri string) Term {
	return quad.IRI(iri)
}

func NewBlank(label string) Term {
	return quad.BNode(strings.TrimPrefix(label, "_:"))
}

// NewLiteral creates a literal. A language tag wins over a datatype, and the
// xsd:string datatype is dropped since it is implied.
func NewLiteral(value, datatype, lang string) Term {
	switch {
	case lang != "":
		return quad.LangString{Value: quad.String(value), Lang: strings.ToLower(lang)}
	case datatype != "" && datatype != XSDString:
		return quad.TypedString{Value: quad.String(value), Type: quad.IRI(datatype)}
	}
	return quad.String(value)
}

func IsIRI(t Term) bool {
	_, ok := t.(quad.IRI)
	return ok
}

func IsBlank(t Term) bool {
	_, ok := t.(quad.BNode)
	return ok
}

// IsLiteral is true for any bound term that is neither an IRI nor a blank node.
func IsLiteral(t Term) bool {
	return t != nil && !IsIRI(t) && !IsBlank(t)
}

// HasPrefix reports whether t is an IRI starting with prefix.
func HasPrefix(t Term, prefix string) bool {
	iri, ok := t.(quad.IRI)
	return ok && strings.HasPrefix(string(iri), prefix)
}

// Value returns the lexical value of t: the IRI, the blank node label or the
// literal text without datatype or language.
func Value(t Term) string {
	switch v := t.(type) {
	case nil:
		return ""
	case quad.IRI:
		return string(v)
	case quad.BNode:
		return string(v)
	case quad.String:
		return string(v)
	case quad.TypedString:
		return string(v.Value)
	case quad.LangString:
		return string(v.Value)
	}
	return t.String()
}

// Graph returns the IRI of the named graph q is in.
func Graph(q Quad) (string, bool) {
	iri, ok := q.Label.(quad.IRI)
	return string(iri), ok
}

// InGraph returns a copy of q placed in graph g.
func InGraph(q Quad, g Term) Quad {
	q.Label = g
	return q
}

// Line returns the N-Quads line for q without the trailing newline. Quads
// without a graph are written as N-Triples.
func Line(q Quad) string {
	return q.NQuad()
}
