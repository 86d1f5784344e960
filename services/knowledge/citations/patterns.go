// Copyright (C) 2026 Civic Atlas (engineering@civicatlas.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package citations

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Kind classifies a citation by what it points at.
type Kind string

const (
	KindSection      Kind = "internal-section"
	KindSectionRange Kind = "internal-section-range"
	KindArticle      Kind = "internal-article"
	KindDivision     Kind = "internal-division"
	KindStatute      Kind = "external-statute"
	KindCode         Kind = "external-code"
	KindRegulation   Kind = "external-regulation"
	KindAct          Kind = "external-act"
)

// Internal reports whether the kind targets another section of the same code.
func (k Kind) Internal() bool {
	return strings.HasPrefix(string(k), "internal-")
}

// sectionID matches municipal section identifiers in both dotted (4.2,
// 5.1.1) and dashed (5-1-12) numbering schemes.
const sectionID = `\d{1,3}(?:[.-]\d{1,4}){1,3}`

// pattern is one citation matcher. group selects the submatch whose span
// bounds the citation for overlap resolution (0 = the whole match), and
// targets builds the normalized target identifiers from the submatches.
type pattern struct {
	name    string
	kind    Kind
	re      *regexp.Regexp
	group   int
	targets func(sub []string) []string
}

func one(i int) func([]string) []string {
	return func(sub []string) []string { return []string{sub[i]} }
}

func prefixed(prefix string, i int) func([]string) []string {
	return func(sub []string) []string {
		return []string{prefix + strings.TrimSpace(sub[i])}
	}
}

func joined(format string, i, j int) func([]string) []string {
	return func(sub []string) []string {
		return []string{fmt.Sprintf(format, sub[i], sub[j])}
	}
}

// rangeExpandCap bounds how many section IDs one range citation may expand
// to, so a typo like "Sections 5-1-1 through 5-1-900" cannot flood the graph.
const rangeExpandCap = 100

// expandRange expands "X through Y" into every section ID between them.
// The IDs must share every part but the last; otherwise the range is kept
// as its two endpoints.
func expandRange(first, last string) []string {
	sep := "-"
	if strings.Count(first, ".") > strings.Count(first, "-") {
		sep = "."
	}
	fp := strings.FieldsFunc(first, func(r rune) bool { return r == '.' || r == '-' })
	lp := strings.FieldsFunc(last, func(r rune) bool { return r == '.' || r == '-' })
	if len(fp) != len(lp) || len(fp) < 2 {
		return []string{first, last}
	}
	for i := 0; i < len(fp)-1; i++ {
		if fp[i] != lp[i] {
			return []string{first, last}
		}
	}
	lo, err1 := strconv.Atoi(fp[len(fp)-1])
	hi, err2 := strconv.Atoi(lp[len(lp)-1])
	if err1 != nil || err2 != nil || hi < lo {
		return []string{first, last}
	}
	prefix := strings.Join(fp[:len(fp)-1], sep)
	if hi-lo+1 > rangeExpandCap {
		hi = lo + rangeExpandCap - 1
	}
	targets := make([]string, 0, hi-lo+1)
	for n := lo; n <= hi; n++ {
		targets = append(targets, fmt.Sprintf("%s%s%d", prefix, sep, n))
	}
	return targets
}

// defaultPatterns is the fixed citation matcher list, in priority order.
// Earlier patterns claim text spans first; the bare section number runs
// last so statute and regulation numbers are never misread as sections.
func defaultPatterns() []pattern {
	return []pattern{
		{
			name: "section-range", kind: KindSectionRange,
			re: regexp.MustCompile(`(?i)Sections?\s+(` + sectionID + `)\s+(?:through|to)\s+(` + sectionID + `)`),
			targets: func(sub []string) []string {
				return expandRange(sub[1], sub[2])
			},
		},
		{
			name: "section-list", kind: KindSection,
			re: regexp.MustCompile(`(?i)Sections\s+(` + sectionID + `)\s+and\s+(` + sectionID + `)`),
			targets: func(sub []string) []string {
				return []string{sub[1], sub[2]}
			},
		},
		{
			name: "symbol-section-list", kind: KindSection,
			re: regexp.MustCompile(`§§\s*(` + sectionID + `)\s+and\s+(` + sectionID + `)`),
			targets: func(sub []string) []string {
				return []string{sub[1], sub[2]}
			},
		},
		{
			name: "explicit-section", kind: KindSection,
			re:      regexp.MustCompile(`(?i)(?:Section|Sec\.)\s+(` + sectionID + `)`),
			targets: one(1),
		},
		{
			name: "symbol-section", kind: KindSection,
			re:      regexp.MustCompile(`§\s*(` + sectionID + `)`),
			targets: one(1),
		},
		{
			name: "article", kind: KindArticle,
			re: regexp.MustCompile(`(?i)Article\s+([IVXLC]+)\b`),
			targets: func(sub []string) []string {
				return []string{"article:" + strings.ToUpper(sub[1])}
			},
		},
		{
			name: "division", kind: KindDivision,
			re:      regexp.MustCompile(`(?i)Division\s+(\d+)`),
			targets: prefixed("div:", 1),
		},
		{
			name: "mcl", kind: KindStatute,
			re:      regexp.MustCompile(`(?i)MCL\s+(\d+\.\d+[a-z]?(?:\s+et\s+seq\.?)?)`),
			targets: prefixed("mcl:", 1),
		},
		{
			name: "public-act", kind: KindAct,
			re:      regexp.MustCompile(`(?i)P\.A\.\s+(\d+(?:\s+of\s+\d{4})?)`),
			targets: prefixed("pa:", 1),
		},
		{
			name: "act-of-year", kind: KindAct,
			re:      regexp.MustCompile(`(?i)Act\s+(\d+\s+of\s+\d{4})`),
			targets: prefixed("pa:", 1),
		},
		{
			name: "usc", kind: KindCode,
			re:      regexp.MustCompile(`(?i)(\d+)\s+USC\s+(\d+)`),
			targets: joined("usc:%s-%s", 1, 2),
		},
		{
			name: "usc-dotted", kind: KindCode,
			re:      regexp.MustCompile(`(?i)(\d+)\s+U\.S\.C\.\s+(?:§\s*)?(\d+)`),
			targets: joined("usc:%s-%s", 1, 2),
		},
		{
			name: "cfr", kind: KindRegulation,
			re:      regexp.MustCompile(`(?i)(\d+)\s+CFR\s+(\d+(?:\.\d+)?)`),
			targets: joined("cfr:%s-%s", 1, 2),
		},
		{
			name: "cfr-dotted", kind: KindRegulation,
			re:      regexp.MustCompile(`(?i)(\d+)\s+C\.F\.R\.\s+(?:§\s*)?(\d+(?:\.\d+)?)`),
			targets: joined("cfr:%s-%s", 1, 2),
		},
		{
			name: "bare-section", kind: KindSection,
			re:      regexp.MustCompile(`(?:^|[^.\w])(` + sectionID + `)(?:[^\d]|$)`),
			group:   1,
			targets: one(1),
		},
	}
}

// cue is one lexical relationship cue.
type cue struct {
	re   *regexp.Regexp
	name string
}

// RelationshipReferences is the fallback relationship when no cue matches.
const RelationshipReferences = "references"

// defaultCues is the fixed relationship cue list, in priority order.
func defaultCues() []cue {
	return []cue{
		{regexp.MustCompile(`(?i)as\s+defined\s+in|meaning\s+given\s+in`), "defines"},
		{regexp.MustCompile(`(?i)notwithstanding.*to\s+the\s+contrary`), "supersedes"},
		{regexp.MustCompile(`(?i)except\s+as\s+provided\s+in|shall\s+not\s+apply`), "excepts"},
		{regexp.MustCompile(`(?i)subject\s+to|in\s+accordance\s+with|pursuant\s+to`), "constrains"},
		{regexp.MustCompile(`(?i)required\s+by|shall\s+comply\s+with|as\s+required`), "requires"},
		{regexp.MustCompile(`(?i)authorized\s+by|as\s+authorized|permitted\s+under`), "authorizes"},
		{regexp.MustCompile(`(?i)delegated\s+to|designated\s+by`), "delegates"},
		{regexp.MustCompile(`(?i)in\s+addition\s+to|supplemented\s+by`), "supplements"},
		{regexp.MustCompile(`(?i)incorporated\s+by\s+reference|adopted\s+by\s+reference`), "incorporates"},
		{regexp.MustCompile(`(?i)(?:see|refer\s+to)\s+(?:also\s+)?(?:Section|Sec\.|§)`), "references"},
	}
}
