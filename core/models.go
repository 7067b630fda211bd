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


package core

import (
	"fmt"
	"time"

	"github.com/go-crypt/x/blake2b"
)

// Source identifies the external site a product record was scraped from.
type Source string

const (
	SourceAmazon   Source = "Amazon"
	SourceFlipkart Source = "Flipkart"
	SourceMyntra   Source = "Myntra"
	SourceMeesho   Source = "Meesho"
)

// KnownSources lists the sources shipped with the default configuration.
var KnownSources = []Source{SourceAmazon, SourceFlipkart, SourceMyntra, SourceMeesho}

// Placeholder values stored when an adapter leaves a field empty.
const (
	UnknownProductName = "Unknown Product"
	NotAvailable       = "N/A"
	NoPosition         = -1
)

// RawRecord is a single product as emitted by a source adapter.
type RawRecord struct {
	Name     string `json:"name"`
	Link     string `json:"link"`
	Price    string `json:"price"`
	Delivery string `json:"delivery,omitempty"`
	Rating   string `json:"rating"`
	Position int    `json:"position"`
	// ImageURL is an optional location the adapter may download the product image from.
	ImageURL string `json:"image_url,omitempty"`
}

// ProductRecord is a RawRecord tagged with the source that produced it.
type ProductRecord struct {
	Source   Source
	Name     string
	Link     string
	Price    string
	Delivery string
	Rating   string
	Position int
	ImageRef string // served image location, derived on read
	Image    []byte // image bytes attached by the image cache pass
}

// NewProductRecord tags raw with its source and fills placeholders for missing fields.
func NewProductRecord(source Source, raw RawRecord) *ProductRecord {
	rec := &ProductRecord{
		Source:   source,
		Name:     raw.Name,
		Link:     raw.Link,
		Price:    raw.Price,
		Delivery: raw.Delivery,
		Rating:   raw.Rating,
		Position: raw.Position,
	}
	rec.ApplyDefaults()
	return rec
}

// ApplyDefaults replaces empty fields with their placeholder values.
func (r *ProductRecord) ApplyDefaults() {
	if r.Name == "" {
		r.Name = UnknownProductName
	}
	if r.Link == "" {
		r.Link = NotAvailable
	}
	if r.Price == "" {
		r.Price = NotAvailable
	}
	if r.Rating == "" {
		r.Rating = NotAvailable
	}
	if r.Position < NoPosition {
		r.Position = NoPosition
	}
}

// CacheEntry is a stored ProductRecord plus the query it was scraped for.
// All entries sharing a Query form one cache group.
type CacheEntry struct {
	ID         int64
	Query      string
	InsertedAt time.Time
	ProductRecord
}

// SemanticEntry is one product name held by the semantic index.
type SemanticEntry struct {
	ID         string
	Ordinal    uint64 // key of the vector in the ANN graph
	Original   string
	Normalized string
}

// SearchDecision is the outcome of resolving a query against the semantic index.
type SearchDecision struct {
	// MatchedText is the recognized product name when Known, otherwise the input query.
	MatchedText string
	Known       bool
	Score       float32
}

// Candidate is one nearest neighbor considered during query resolution.
type Candidate struct {
	ID         string
	Text       string
	Normalized string
	Score      float32
}

// Stats summarizes the cache store.
type Stats struct {
	TotalItems   int64
	TotalQueries int64
	SizeBytes    int64
}

// ImagePath returns the relative image location for a record: {source}/{query}/product_{position}.jpg.
func ImagePath(source Source, query string, position int) string {
	return fmt.Sprintf("%s/%s/product_%d.jpg", source, query, position)
}

// ImageURL returns the externally served image location for a record.
func ImageURL(source Source, query string, position int) string {
	return "/images/" + ImagePath(source, query, position)
}

// Checksum returns the BLAKE2b-256 digest of data.
func Checksum(data []byte) []byte {
	h, _ := blake2b.New(32, nil)
	h.Write(data)
	return h.Sum(nil)
}
