// Copyright 2025 Poiesic Systems
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


package semantic

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/coder/hnsw"
	"github.com/google/renameio"
	"github.com/poiesic/shopcache/storage"
)

// IndexVersion is the format version of the vector artifact.
// Bump it whenever the header or graph parameters change.
const IndexVersion uint32 = 1

var indexMagic = []byte("SCHX")

const indexHeaderSize = 8

// Graph parameters.
const (
	graphM        = 32
	graphEfSearch = 40
)

func newGraph() *hnsw.Graph[uint64] {
	g := hnsw.NewGraph[uint64]()
	g.M = graphM
	g.EfSearch = graphEfSearch
	g.Distance = hnsw.CosineDistance
	return g
}

// encodeIndex serializes g behind the artifact header.
// An empty graph is stored as the bare header.
func encodeIndex(g *hnsw.Graph[uint64]) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(indexMagic)
	var version [4]byte
	binary.BigEndian.PutUint32(version[:], IndexVersion)
	buf.Write(version[:])
	if g.Len() > 0 {
		if err := g.Export(&buf); err != nil {
			return nil, fmt.Errorf("exporting graph: %w", err)
		}
	}
	return buf.Bytes(), nil
}

func decodeIndex(data []byte) (*hnsw.Graph[uint64], error) {
	if len(data) < indexHeaderSize || !bytes.Equal(data[:len(indexMagic)], indexMagic) {
		return nil, fmt.Errorf("%w: bad index header", storage.ErrCorruptArtifact)
	}
	if v := binary.BigEndian.Uint32(data[len(indexMagic):indexHeaderSize]); v != IndexVersion {
		return nil, fmt.Errorf("%w: index file has version %d, want %d", storage.ErrVersionMismatch, v, IndexVersion)
	}
	g := newGraph()
	body := data[indexHeaderSize:]
	if len(body) == 0 {
		return g, nil
	}
	if err := g.Import(bytes.NewReader(body)); err != nil {
		return nil, fmt.Errorf("%w: %w", storage.ErrCorruptArtifact, err)
	}
	return g, nil
}

// writeIndexFile replaces the artifact at path atomically.
func writeIndexFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return renameio.WriteFile(path, data, 0644)
}
