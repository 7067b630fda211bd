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


package badger

import (
	"encoding/binary"
	"fmt"
)

const (
	semanticPrefix         = "sem"
	semanticIDPrefix       = "semid"
	semanticOriginalPrefix = "semorig"
	semanticNormalPrefix   = "semnorm"
	semanticStatePrefix    = "semstate"
)

var (
	stateVersionKey  = []byte(semanticStatePrefix + ":version")
	stateCountKey    = []byte(semanticStatePrefix + ":count")
	stateChecksumKey = []byte(semanticStatePrefix + ":checksum")
)

// makeOrdinalKey generates a key for one field of a semantic entry.
// Format: prefix:ordinal, ordinal in BigEndian so iteration follows graph order.
func makeOrdinalKey(prefix string, ordinal uint64) []byte {
	p := []byte(prefix + ":")
	buf := make([]byte, len(p)+8)
	offset := copy(buf, p)
	binary.BigEndian.PutUint64(buf[offset:], ordinal)
	return buf
}

// parseOrdinalKey extracts the ordinal from a key built by makeOrdinalKey.
func parseOrdinalKey(prefix string, key []byte) (uint64, error) {
	n := len(prefix) + 1
	if len(key) != n+8 {
		return 0, fmt.Errorf("malformed %s key of length %d", prefix, len(key))
	}
	return binary.BigEndian.Uint64(key[n:]), nil
}

// fieldPrefix returns the iteration prefix for one entry field.
func fieldPrefix(prefix string) []byte {
	return []byte(prefix + ":")
}
