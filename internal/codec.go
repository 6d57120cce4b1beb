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
	"io"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec is a streaming compression format for the output file.
type Codec string

const (
	CodecGzip Codec = "gzip"
	CodecZstd Codec = "zstd"
	CodecLZ4  Codec = "lz4"
)

// CodecFor resolves the codec by name, or by the extension of path when
// name is empty. Unknown extensions fall back to gzip.
func CodecFor(name, path string) (Codec, error) {
	switch strings.ToLower(name) {
	case "gzip", "gz":
		return CodecGzip, nil
	case "zstd", "zst":
		return CodecZstd, nil
	case "lz4":
		return CodecLZ4, nil
	case "":
	default:
		return "", fmt.Errorf("unknown compression %q", name)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zst", ".zstd":
		return CodecZstd, nil
	case ".lz4":
		return CodecLZ4, nil
	default:
		return CodecGzip, nil
	}
}

// NewWriter wraps w. Closing the returned writer flushes the compressed
// stream but leaves w open.
func (c Codec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	switch c {
	case CodecGzip:
		return gzip.NewWriter(w), nil
	case CodecZstd:
		return zstd.NewWriter(w)
	case CodecLZ4:
		return lz4.NewWriter(w), nil
	}
	return nil, fmt.Errorf("unknown codec %q", c)
}

// NewReader is the inverse of NewWriter.
func (c Codec) NewReader(r io.Reader) (io.ReadCloser, error) {
	switch c {
	case CodecGzip:
		return gzip.NewReader(r)
	case CodecZstd:
		d, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil
	case CodecLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	}
	return nil, fmt.Errorf("unknown codec %q", c)
}
