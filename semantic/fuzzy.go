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

import "github.com/xrash/smetrics"

// FuzzyRatio returns 1 - d/(len(a)+len(b)) where d is the insertion/deletion
// edit distance between a and b. Identical strings score 1, disjoint strings 0.
// Lengths are counted in bytes.
func FuzzyRatio(a, b string) float64 {
	total := len(a) + len(b)
	if total == 0 {
		return 1
	}
	// A substitution costing 2 is never cheaper than delete+insert,
	// so Wagner-Fischer degenerates to the Indel distance.
	dist := smetrics.WagnerFischer(a, b, 1, 1, 2)
	return 1 - float64(dist)/float64(total)
}
