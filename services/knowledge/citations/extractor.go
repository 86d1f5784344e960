// Copyright (C) 2026 Civic Atlas (engineering@civicatlas.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package citations extracts and classifies legal cross-references from
// municipal code text. Extraction is a pure function over the configured
// pattern list: identical input always yields identical output, which keeps
// ingestion idempotent.
package citations

import (
	"log/slog"
	"sort"
)

// contextWindow is how many characters around a match feed relationship
// classification.
const contextWindow = 80

// Citation is one extracted reference.
type Citation struct {
	Kind    Kind
	Targets []string
	RawText string
	Context string
	// Relationship is the classified relationship type for internal
	// citations; empty for external ones.
	Relationship string
}

// Extractor runs the fixed pattern and cue lists. Construct once at process
// start and share; it holds no mutable state.
type Extractor struct {
	patterns []pattern
	cues     []cue
	log      *slog.Logger
}

// NewExtractor returns an Extractor with the default pattern and cue lists.
func NewExtractor(log *slog.Logger) *Extractor {
	if log == nil {
		log = slog.Default()
	}
	return &Extractor{patterns: defaultPatterns(), cues: defaultCues(), log: log}
}

type candidate struct {
	start, end int
	priority   int
	citation   Citation
}

// Extract returns every citation in text, in document order. Overlapping
// matches keep the longest span; an equal-length overlap is logged and
// resolved in favor of the lower-priority pattern.
func (e *Extractor) Extract(text string) []Citation {
	var accepted []candidate
	for prio, p := range e.patterns {
		for _, idx := range p.re.FindAllStringSubmatchIndex(text, -1) {
			g := p.group * 2
			start, end := idx[g], idx[g+1]
			sub := submatches(text, idx)
			c := candidate{
				start:    start,
				end:      end,
				priority: prio,
				citation: Citation{
					Kind:    p.kind,
					Targets: p.targets(sub),
					RawText: text[start:end],
					Context: window(text, start, end),
				},
			}
			accepted = e.merge(accepted, c, p.name)
		}
	}

	sort.SliceStable(accepted, func(i, j int) bool {
		return accepted[i].start < accepted[j].start
	})
	out := make([]Citation, 0, len(accepted))
	for _, c := range accepted {
		cit := c.citation
		if cit.Kind.Internal() {
			cit.Relationship = e.Classify(cit.Context)
		}
		out = append(out, cit)
	}
	return out
}

// merge resolves c against already-accepted spans: longest match wins, and
// when two overlapping spans tie in length the newer (lower-priority) match
// replaces the older one with a warning.
func (e *Extractor) merge(accepted []candidate, c candidate, name string) []candidate {
	for i, a := range accepted {
		if c.start >= a.end || c.end <= a.start {
			continue
		}
		if c.start == a.start && c.end == a.end {
			// Identical span: the first matching pattern keeps it.
			return accepted
		}
		aLen, cLen := a.end-a.start, c.end-c.start
		switch {
		case cLen > aLen:
			accepted[i] = c
		case cLen == aLen:
			e.log.Warn("ambiguous citation overlap",
				"pattern", name,
				"raw", c.citation.RawText,
				"kept_raw", a.citation.RawText)
			accepted[i] = c
		}
		return accepted
	}
	return append(accepted, c)
}

// Classify maps the text surrounding a citation to a relationship type.
// The first matching cue wins; no cue means a plain reference.
func (e *Extractor) Classify(context string) string {
	for _, c := range e.cues {
		if c.re.MatchString(context) {
			return c.name
		}
	}
	return RelationshipReferences
}

func window(text string, start, end int) string {
	lo := start - contextWindow
	if lo < 0 {
		lo = 0
	}
	hi := end + contextWindow
	if hi > len(text) {
		hi = len(text)
	}
	return text[lo:hi]
}

func submatches(text string, idx []int) []string {
	sub := make([]string, len(idx)/2)
	for i := range sub {
		if idx[2*i] >= 0 {
			sub[i] = text[idx[2*i]:idx[2*i+1]]
		}
	}
	return sub
}
