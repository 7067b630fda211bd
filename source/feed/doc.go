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


// Package feed adapts an HTTP endpoint that lists products as newline
// delimited JSON into a source.Source.
//
// The endpoint URL carries a {query} placeholder that is replaced with the
// escaped search text. Each line of the response body is one record:
//
//	{"name":"Women Cotton Kurti","link":"https://...","price":"499","rating":"4.1","position":1,"image_url":"https://..."}
//
// When a record has an image_url and an image directory is configured, the
// image is downloaded to {image_dir}/{source}/{query}/product_{position}.jpg.
package feed
