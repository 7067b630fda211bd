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


// Package storage provides the storage abstraction layer for shopcache.
//
// Two repositories back the system:
//
//   - CacheRepository: the relational cache of scraped product records
//     (implemented by storage/sqlite)
//   - SemanticRepository: the metadata bundle of the semantic index
//     (implemented by storage/badger)
//
// # Constructor Return Type Pattern
//
// Public constructors return the repository interface:
//
//	repo, err := sqlite.NewCacheRepository(path, imageDir)  // returns storage.CacheRepository
//
// Internal constructors may return concrete types since they're only used
// within the implementation package.
//
// # Thread Safety
//
// All repository implementations must be safe for concurrent use.
//
// # Context Support
//
// All repository methods accept context.Context for cancellation
// and timeout support.
package storage
