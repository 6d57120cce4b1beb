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

package rdf

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/cayleygraph/quad/nquads"
)

var ErrSyntax = errors.New("n-quads syntax error")

// ReadAll decodes every statement in r, skipping blank and comment lines.
// Input that is not valid UTF-8 is rejected as a whole, since decoding would
// otherwise fold distinct literals into the same replacement character.
func ReadAll(r io.Reader) ([]Quad, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: invalid utf-8", ErrSyntax)
	}
	return decode(bytes.NewReader(data))
}

// ParseLine parses one N-Triples or N-Quads statement.
func ParseLine(line string) (Quad, error) {
	if !utf8.ValidString(line) {
		return Quad{}, fmt.Errorf("%w: invalid utf-8", ErrSyntax)
	}
	line = strings.TrimSpace(line)
	if line == "" || line[0] == '#' || strings.ContainsAny(line, "\r\n") {
		return Quad{}, fmt.Errorf("%w: expected exactly one statement", ErrSyntax)
	}
	quads, err := decode(strings.NewReader(line))
	if err != nil {
		return Quad{}, err
	}
	if len(quads) != 1 {
		return Quad{}, fmt.Errorf("%w: expected exactly one statement", ErrSyntax)
	}
	return quads[0], nil
}

// decode reads statements with typed literals left as written, so the
// datatype IRI of a value survives a round trip.
func decode(r io.Reader) ([]Quad, error) {
	dec := nquads.NewReader(r, true)
	var quads []Quad
	for n := 1; ; n++ {
		q, err := dec.ReadQuad()
		if err == io.EOF {
			return quads, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: statement %d: %v", ErrSyntax, n, err)
		}
		if err := checkPositions(q); err != nil {
			return nil, fmt.Errorf("statement %d: %w", n, err)
		}
		quads = append(quads, q)
	}
}

func checkPositions(q Quad) error {
	switch {
	case q.Subject == nil || q.Predicate == nil || q.Object == nil:
		return fmt.Errorf("%w: missing term", ErrSyntax)
	case IsLiteral(q.Subject):
		return fmt.Errorf("%w: literal subject", ErrSyntax)
	case !IsIRI(q.Predicate):
		return fmt.Errorf("%w: predicate is not an IRI", ErrSyntax)
	case q.Label != nil && !IsIRI(q.Label):
		return fmt.Errorf("%w: graph label is not an IRI", ErrSyntax)
	}
	return nil
}
