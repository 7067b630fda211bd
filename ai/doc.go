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


// Package ai provides the embedding abstraction used by shopcache.
//
// The semantic index depends only on the Embedder interface, so the
// embedding backend can be swapped without touching query resolution.
//
// # Implementation Packages
//
//   - openai: langchaingo client for any OpenAI-compatible endpoint
//     (Ollama, LocalAI, vLLM, OpenAI itself)
//   - mock: deterministic embedders for tests
//
// # Constructor Return Type Pattern
//
// Public constructors in openai return INTERFACE types:
//
//	provider, err := openai.NewProvider(config)  // returns ai.AIProvider
//
// Test constructors in mock return CONCRETE types so tests can inspect
// call counts and inject behavior:
//
//	embedder := mock.NewMockEmbedder()
//	embedder.EmbedTextFunc = ...
//	count := embedder.CallCount()
package ai
