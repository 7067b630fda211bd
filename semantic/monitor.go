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
	"context"
	"log/slog"

	"github.com/poiesic/shopcache/core"
)

// Verdict records why a candidate was accepted or rejected.
type Verdict int

const (
	VerdictGenderMismatch Verdict = iota
	VerdictStrongMatch
	VerdictFuzzyMatch
	VerdictThreshold
	VerdictBelowThreshold
)

func (v Verdict) String() string {
	switch v {
	case VerdictGenderMismatch:
		return "gender-mismatch"
	case VerdictStrongMatch:
		return "strong-match"
	case VerdictFuzzyMatch:
		return "fuzzy-match"
	case VerdictThreshold:
		return "threshold"
	case VerdictBelowThreshold:
		return "below-threshold"
	}
	return "unknown"
}

// SearchMonitor provides hooks to observe query resolution.
// Implement this interface to trace how each candidate was judged.
type SearchMonitor interface {
	Start(query, normalized string)
	AfterIndexSearch(candidates []core.Candidate)
	Rejected(candidate core.Candidate, verdict Verdict)
	Accepted(candidate core.Candidate, verdict Verdict)
	Finish(decision core.SearchDecision)
}

// noopMonitor is a no-op implementation of SearchMonitor
type noopMonitor struct{}

var _ SearchMonitor = (*noopMonitor)(nil)

func (n *noopMonitor) Start(_, _ string) {}
func (n *noopMonitor) AfterIndexSearch(_ []core.Candidate) {}
func (n *noopMonitor) Rejected(_ core.Candidate, _ Verdict) {}
func (n *noopMonitor) Accepted(_ core.Candidate, _ Verdict) {}
func (n *noopMonitor) Finish(_ core.SearchDecision) {}

// LogMonitor writes every resolution step to a logger.
type LogMonitor struct {
	Logger *slog.Logger
	Level  slog.Level
}

var _ SearchMonitor = (*LogMonitor)(nil)

// NewLogMonitor returns a monitor logging at level. A nil logger uses slog.Default().
func NewLogMonitor(logger *slog.Logger, level slog.Level) *LogMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMonitor{Logger: logger, Level: level}
}

func (m *LogMonitor) log(msg string, args ...any) {
	m.Logger.Log(context.Background(), m.Level, msg, args...)
}

func (m *LogMonitor) Start(query, normalized string) {
	m.log("resolving query", "query", query, "normalized", normalized)
}

func (m *LogMonitor) AfterIndexSearch(candidates []core.Candidate) {
	m.log("nearest neighbors", "count", len(candidates))
	for i, c := range candidates {
		m.log("candidate", "rank", i+1, "text", c.Text, "score", c.Score)
	}
}

func (m *LogMonitor) Rejected(c core.Candidate, verdict Verdict) {
	m.log("candidate rejected", "text", c.Text, "score", c.Score, "verdict", verdict.String())
}

func (m *LogMonitor) Accepted(c core.Candidate, verdict Verdict) {
	m.log("candidate accepted", "text", c.Text, "score", c.Score, "verdict", verdict.String())
}

func (m *LogMonitor) Finish(d core.SearchDecision) {
	m.log("query resolved", "matched", d.MatchedText, "known", d.Known, "score", d.Score)
}
