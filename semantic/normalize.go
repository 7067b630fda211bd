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
	"strings"
	"unicode"

	"github.com/kljensen/snowball/english"
)

// maxStemPasses bounds the repeated stemming that makes Normalize idempotent.
const maxStemPasses = 8

// Normalize lowercases text, replaces everything that is not a letter, digit
// or space with a space, stems each token and joins the tokens with single spaces.
// Normalize(Normalize(s)) == Normalize(s).
func Normalize(text string) string {
	tokens := Tokens(text)
	for i, tok := range tokens {
		tokens[i] = stem(tok)
	}
	return strings.Join(tokens, " ")
}

// Tokens lowercases text and splits it on anything that is not a letter or digit.
// No stemming is applied.
func Tokens(text string) []string {
	cleaned := strings.Map(func(r rune) rune {
		r = unicode.ToLower(r)
		if unicode.IsLetter(r) || unicode.IsNumber(r) || unicode.IsSpace(r) {
			return r
		}
		return ' '
	}, text)
	return strings.Fields(cleaned)
}

// stem applies the English stemmer until the token stops changing.
func stem(token string) string {
	for range maxStemPasses {
		next := english.Stem(token, false)
		if next == token || next == "" {
			return token
		}
		token = next
	}
	return token
}
