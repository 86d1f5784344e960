// Copyright (C) 2026 Civic Atlas (engineering@civicatlas.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/civicatlas/municigraph/services/knowledge/datatypes"
)

// summaryPrompts are the level-specific summarization instructions. The
// sentence budget grows with the level: leaves get the tightest summary,
// articles the broadest.
var summaryPrompts = map[string]string{
	datatypes.SummaryLevelLeaf: "Summarize the following zoning code section in 1-2 sentences. " +
		"Focus on: what is regulated, who/what it applies to, and key requirements or restrictions.\n\n",
	datatypes.LevelDivision: "The following are summaries of individual sections within a division of a zoning code. " +
		"Synthesize them into a 2-3 sentence summary that captures the division's overall " +
		"regulatory scope and key provisions.\n\n",
	datatypes.LevelArticle: "The following are summaries of divisions within an article of a zoning code. " +
		"Synthesize them into a 3-4 sentence summary that captures the article's purpose, " +
		"the major topics it covers, and its relationship to the broader zoning framework.\n\n",
}

const scoringSystem = "You are a zoning code search assistant. Given a user query and a " +
	"numbered list of summaries from a municipal zoning code, score every item's relevance " +
	"to the query from 0.0 (irrelevant) to 1.0 (directly on topic). Return ONLY a JSON " +
	"array of objects, one per item, like [{\"index\": 1, \"score\": 0.9}, " +
	"{\"index\": 2, \"score\": 0.1}]. Indexes are 1-based. Return nothing else."

// Scored is one relevance score for a candidate, 0-indexed.
type Scored struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// Service exposes the two capabilities the knowledge graph needs from a
// language model: level-aware summarization and query relevance scoring.
type Service struct {
	client Client
}

// NewService wraps a chat client.
func NewService(client Client) *Service {
	return &Service{client: client}
}

// Summarize produces a summary of text at the given hierarchy level.
// instructions, when non-empty, steer the summary (used by targeted
// rebuilds). Deterministic for identical input.
func (s *Service) Summarize(ctx context.Context, text, level, instructions string) (string, error) {
	prompt, ok := summaryPrompts[level]
	if !ok {
		prompt = summaryPrompts[datatypes.SummaryLevelLeaf]
	}
	if instructions != "" {
		prompt += "Additional instructions: " + instructions + "\n\n"
	}
	content, err := s.client.Chat(ctx, []Message{
		{Role: "user", Content: prompt + text},
	}, GenerationParams{})
	if err != nil {
		return "", fmt.Errorf("summarize %s: %w", level, err)
	}
	summary := strings.TrimSpace(content)
	if summary == "" {
		return "", fmt.Errorf("summarize %s: model returned empty summary", level)
	}
	return summary, nil
}

// scoreArrayRe recovers a JSON array from a reply that wrapped it in prose.
var scoreArrayRe = regexp.MustCompile(`\[[^\[\]]*\]`)

// Score rates each candidate's relevance to the query. The returned slice
// is 0-indexed and contains only the indexes the model scored; callers
// treat absent indexes as zero relevance.
func (s *Service) Score(ctx context.Context, query string, candidates []string) ([]Scored, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "User query: %s\n\nSummaries:\n", query)
	for i, c := range candidates {
		fmt.Fprintf(&b, "%d. %s\n", i+1, c)
	}

	content, err := s.client.Chat(ctx, []Message{
		{Role: "system", Content: scoringSystem},
		{Role: "user", Content: b.String()},
	}, GenerationParams{})
	if err != nil {
		return nil, fmt.Errorf("score candidates: %w", err)
	}

	raw := strings.TrimSpace(content)
	var scored []Scored
	if err := json.Unmarshal([]byte(raw), &scored); err != nil {
		arr := scoreArrayRe.FindString(raw)
		if arr == "" {
			return nil, fmt.Errorf("score candidates: unparseable reply %q", truncate(raw, 120))
		}
		if err := json.Unmarshal([]byte(arr), &scored); err != nil {
			return nil, fmt.Errorf("score candidates: unparseable reply %q", truncate(raw, 120))
		}
	}

	out := make([]Scored, 0, len(scored))
	for _, sc := range scored {
		if sc.Index < 1 || sc.Index > len(candidates) {
			continue
		}
		if sc.Score < 0 {
			sc.Score = 0
		}
		if sc.Score > 1 {
			sc.Score = 1
		}
		out = append(out, Scored{Index: sc.Index - 1, Score: sc.Score})
	}
	return out, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
