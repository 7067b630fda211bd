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

import "errors"

var (
	// ErrEmbedderRequired is returned when an embedder is not provided.
	ErrEmbedderRequired = errors.New("embedder required")

	// ErrRepositoryRequired is returned when a semantic repository is not provided.
	ErrRepositoryRequired = errors.New("semantic repository required")

	// ErrIndexPathRequired is returned when no index file location is provided.
	ErrIndexPathRequired = errors.New("index path required")

	// ErrDimensionMismatch is returned when an embedding's length differs from the index.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)
