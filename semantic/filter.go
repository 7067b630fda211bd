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

var (
	maleTerms = map[string]struct{}{
		"men": {}, "man": {}, "male": {}, "boy": {}, "gentleman": {}, "mens": {},
	}
	femaleTerms = map[string]struct{}{
		"women": {}, "woman": {}, "female": {}, "girl": {}, "lady": {}, "womens": {},
	}
)

type genderMarks struct {
	male, female bool
}

func marksOf(text string) genderMarks {
	var g genderMarks
	for _, tok := range Tokens(text) {
		if _, ok := maleTerms[tok]; ok {
			g.male = true
		}
		if _, ok := femaleTerms[tok]; ok {
			g.female = true
		}
	}
	return g
}

func (g genderMarks) onlyMale() bool   { return g.male && !g.female }
func (g genderMarks) onlyFemale() bool { return g.female && !g.male }

// RejectsByGender reports whether candidate targets the opposite gender of query.
// A text mentioning both or neither gender never triggers a rejection.
func RejectsByGender(query, candidate string) bool {
	q, c := marksOf(query), marksOf(candidate)
	return (q.onlyMale() && c.onlyFemale()) || (q.onlyFemale() && c.onlyMale())
}
