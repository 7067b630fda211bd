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


package source

import (
	"context"
	"iter"

	"github.com/poiesic/shopcache/core"
)

// Source streams product records for a query from one site.
//
// Stream yields records in the order the site lists them. A non-nil error ends
// the stream: implementations yield it once and stop. Implementations must stop
// promptly when yield returns false.
type Source interface {
	Name() core.Source
	Stream(ctx context.Context, query string) iter.Seq2[core.RawRecord, error]
}

// Collect drains src for query. Records yielded before an error are returned with it.
func Collect(ctx context.Context, src Source, query string) ([]core.RawRecord, error) {
	var out []core.RawRecord
	for raw, err := range src.Stream(ctx, query) {
		if err != nil {
			return out, err
		}
		out = append(out, raw)
	}
	return out, nil
}
