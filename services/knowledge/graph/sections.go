// Copyright (C) 2026 Civic Atlas (engineering@civicatlas.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package graph

import (
	"context"
	"sort"
	"time"

	"github.com/civicatlas/municigraph/services/knowledge/datatypes"
)

// Shared CodeSection helpers used by the ingestion pipeline, summary
// builder, search engine, and query façade.

// EnsureMunicipality upserts the scope's Municipality vertex and returns
// its vertex ID. fetched_at records the most recent ingest touch.
func EnsureMunicipality(ctx context.Context, s Store, scope datatypes.Scope) (string, error) {
	return s.UpsertVertex(ctx, scope, datatypes.VertexMunicipality,
		map[string]any{},
		map[string]any{"fetched_at": time.Now().UTC().Format(time.RFC3339)})
}

// GetSection returns the CodeSection vertex for a section ID, or a
// NotFoundError satisfying errors.Is(err, ErrNotFound).
func GetSection(ctx context.Context, s Store, scope datatypes.Scope,
	sectionID string) (Vertex, error) {
	matches, err := s.QueryPattern(ctx, scope, Pattern{
		SrcLabel: datatypes.VertexCodeSection,
		SrcMatch: map[string]any{"section_id": sectionID},
	})
	if err != nil {
		return Vertex{}, err
	}
	if len(matches) == 0 {
		return Vertex{}, &NotFoundError{Entity: "section", Key: sectionID}
	}
	return matches[0].Src, nil
}

// Child pairs a child section with its HAS_CHILD sibling order.
type Child struct {
	Vertex Vertex
	Order  int
}

// Children returns the direct children of a section in sibling order.
func Children(ctx context.Context, s Store, scope datatypes.Scope,
	sectionID string) ([]Child, error) {
	matches, err := s.QueryPattern(ctx, scope, Pattern{
		SrcLabel: datatypes.VertexCodeSection,
		SrcMatch: map[string]any{"section_id": sectionID},
		Edge:     datatypes.EdgeHasChild,
		DstLabel: datatypes.VertexCodeSection,
	})
	if err != nil {
		return nil, err
	}
	children := make([]Child, 0, len(matches))
	for _, m := range matches {
		children = append(children, Child{Vertex: m.Dst, Order: intProp(m.EdgeProps, "order")})
	}
	sort.SliceStable(children, func(i, j int) bool {
		return children[i].Order < children[j].Order
	})
	return children, nil
}

// Ancestors returns every section on the HAS_CHILD chain above a section.
func Ancestors(ctx context.Context, s Store, scope datatypes.Scope,
	sectionID string) ([]Vertex, error) {
	matches, err := s.QueryPattern(ctx, scope, Pattern{
		SrcLabel:  datatypes.VertexCodeSection,
		SrcMatch:  map[string]any{"section_id": sectionID},
		Edge:      datatypes.EdgeHasChild,
		Direction: In,
		MinDepth:  1,
		MaxDepth:  -1,
		DstLabel:  datatypes.VertexCodeSection,
	})
	if err != nil {
		return nil, err
	}
	ancestors := make([]Vertex, 0, len(matches))
	for _, m := range matches {
		ancestors = append(ancestors, m.Dst)
	}
	return ancestors, nil
}

// SectionsByLevel returns every section at a hierarchy level.
func SectionsByLevel(ctx context.Context, s Store, scope datatypes.Scope,
	level string) ([]Vertex, error) {
	matches, err := s.QueryPattern(ctx, scope, Pattern{
		SrcLabel: datatypes.VertexCodeSection,
		SrcMatch: map[string]any{"level": level},
	})
	if err != nil {
		return nil, err
	}
	return srcVertices(matches), nil
}

// AllSections returns every section in the municipality.
func AllSections(ctx context.Context, s Store, scope datatypes.Scope) ([]Vertex, error) {
	matches, err := s.QueryPattern(ctx, scope, Pattern{
		SrcLabel: datatypes.VertexCodeSection,
	})
	if err != nil {
		return nil, err
	}
	return srcVertices(matches), nil
}

func srcVertices(matches []Match) []Vertex {
	vertices := make([]Vertex, 0, len(matches))
	for _, m := range matches {
		vertices = append(vertices, m.Src)
	}
	return vertices
}

// intProp reads a numeric property that may have decoded as int (memory
// store) or float64 (agtype JSON).
func intProp(props map[string]any, name string) int {
	switch v := props[name].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
