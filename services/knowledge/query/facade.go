// Copyright (C) 2026 Civic Atlas (engineering@civicatlas.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package query is the read-only façade over the knowledge graph. Every
// operation is scoped by municipality and mutates nothing.
package query

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"

	"github.com/civicatlas/municigraph/services/knowledge/datatypes"
	"github.com/civicatlas/municigraph/services/knowledge/graph"
)

var tracer = otel.Tracer("municigraph.knowledge.query")

// Facade composes the query operations over a store.
type Facade struct {
	store graph.Store
}

// NewFacade wraps a store.
func NewFacade(store graph.Store) *Facade {
	return &Facade{store: store}
}

// GetSection returns one section's caller-facing view.
func (f *Facade) GetSection(ctx context.Context, scope datatypes.Scope,
	sectionID string) (datatypes.Section, error) {

	ctx, span := tracer.Start(ctx, "Facade.GetSection")
	defer span.End()

	vertex, err := graph.GetSection(ctx, f.store, scope, sectionID)
	if err != nil {
		return datatypes.Section{}, err
	}
	return sectionView(vertex), nil
}

// PermissionFilter narrows a permission query. Empty fields match all.
type PermissionFilter struct {
	District        string
	LandUse         string
	PermissionLevel string // "permitted" or "conditional"
}

// GetPermissions lists the use-permission matrix, optionally filtered by
// district, land use, and permission level.
func (f *Facade) GetPermissions(ctx context.Context, scope datatypes.Scope,
	filter PermissionFilter) ([]datatypes.Permission, error) {

	ctx, span := tracer.Start(ctx, "Facade.GetPermissions")
	defer span.End()

	srcMatch := map[string]any{}
	if filter.District != "" {
		srcMatch["code"] = filter.District
	}
	dstMatch := map[string]any{}
	if filter.LandUse != "" {
		dstMatch["name"] = filter.LandUse
	}

	labels := map[string]string{
		datatypes.EdgePermits:              "permitted",
		datatypes.EdgeConditionallyPermits: "conditional",
	}

	var permissions []datatypes.Permission
	for _, label := range []string{datatypes.EdgePermits, datatypes.EdgeConditionallyPermits} {
		level := labels[label]
		if filter.PermissionLevel != "" && filter.PermissionLevel != level {
			continue
		}
		matches, err := f.store.QueryPattern(ctx, scope, graph.Pattern{
			SrcLabel: datatypes.VertexZoningDistrict,
			SrcMatch: srcMatch,
			Edge:     label,
			DstLabel: datatypes.VertexLandUse,
			DstMatch: dstMatch,
		})
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			p := datatypes.Permission{
				District:        m.Src.StringProp("code"),
				LandUse:         m.Dst.StringProp("name"),
				PermissionLevel: level,
			}
			if c, ok := m.EdgeProps["conditions"].(string); ok {
				p.Conditions = c
			}
			if r, ok := m.EdgeProps["review_section"].(string); ok {
				p.ReviewSection = r
			}
			permissions = append(permissions, p)
		}
	}

	if len(permissions) == 0 {
		key := filter.District
		if key == "" {
			key = filter.LandUse
		}
		return nil, &graph.NotFoundError{Entity: "permissions", Key: key}
	}
	return permissions, nil
}

// GetStandards lists a district's dimensional standards, optionally
// filtered by standard type.
func (f *Facade) GetStandards(ctx context.Context, scope datatypes.Scope,
	district, standardType string) ([]datatypes.Standard, error) {

	ctx, span := tracer.Start(ctx, "Facade.GetStandards")
	defer span.End()

	dstMatch := map[string]any{}
	if standardType != "" {
		dstMatch["standard_type"] = standardType
	}
	matches, err := f.store.QueryPattern(ctx, scope, graph.Pattern{
		SrcLabel: datatypes.VertexZoningDistrict,
		SrcMatch: map[string]any{"code": district},
		Edge:     datatypes.EdgeHasStandard,
		DstLabel: datatypes.VertexDimensionalStandard,
		DstMatch: dstMatch,
	})
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, &graph.NotFoundError{Entity: "standards", Key: district}
	}

	standards := make([]datatypes.Standard, 0, len(matches))
	for _, m := range matches {
		standards = append(standards, datatypes.Standard{
			District:     district,
			StandardType: m.Dst.StringProp("standard_type"),
			Value:        m.Dst.StringProp("value"),
			Unit:         m.Dst.StringProp("unit"),
			SectionRef:   m.Dst.StringProp("section_ref"),
		})
	}
	return standards, nil
}

// GetDefinition looks a term up case-insensitively.
func (f *Facade) GetDefinition(ctx context.Context, scope datatypes.Scope,
	term string) (datatypes.Definition, error) {

	ctx, span := tracer.Start(ctx, "Facade.GetDefinition")
	defer span.End()

	matches, err := f.store.QueryPattern(ctx, scope, graph.Pattern{
		SrcLabel: datatypes.VertexDefinition,
		SrcMatch: map[string]any{"term_lc": strings.ToLower(term)},
	})
	if err != nil {
		return datatypes.Definition{}, err
	}
	if len(matches) == 0 {
		return datatypes.Definition{}, &graph.NotFoundError{Entity: "definition", Key: term}
	}

	def := datatypes.Definition{
		Term:           matches[0].Src.StringProp("term"),
		DefinitionText: matches[0].Src.StringProp("definition_text"),
	}
	sources, err := f.store.QueryPattern(ctx, scope, graph.Pattern{
		SrcLabel: datatypes.VertexDefinition,
		SrcMatch: map[string]any{"term_lc": strings.ToLower(term)},
		Edge:     datatypes.EdgeDefinedIn,
		DstLabel: datatypes.VertexCodeSection,
	})
	if err != nil {
		return datatypes.Definition{}, err
	}
	if len(sources) > 0 {
		def.SectionRef = sources[0].Dst.StringProp("section_id")
	}
	return def, nil
}

// TraverseHierarchy walks the HAS_CHILD tree around a section: up to the
// root, down to the leaves, or both. maxDepth <= 0 means unbounded.
func (f *Facade) TraverseHierarchy(ctx context.Context, scope datatypes.Scope,
	sectionID, direction string, maxDepth int) (datatypes.Hierarchy, error) {

	ctx, span := tracer.Start(ctx, "Facade.TraverseHierarchy")
	defer span.End()

	if direction != datatypes.DirectionUp && direction != datatypes.DirectionDown &&
		direction != datatypes.DirectionBoth {
		return datatypes.Hierarchy{}, fmt.Errorf("invalid direction %q", direction)
	}

	vertex, err := graph.GetSection(ctx, f.store, scope, sectionID)
	if err != nil {
		return datatypes.Hierarchy{}, err
	}
	out := datatypes.Hierarchy{Section: sectionView(vertex)}

	if direction == datatypes.DirectionUp || direction == datatypes.DirectionBoth {
		out.Ancestors, err = f.climb(ctx, scope, sectionID, maxDepth)
		if err != nil {
			return datatypes.Hierarchy{}, err
		}
	}
	if direction == datatypes.DirectionDown || direction == datatypes.DirectionBoth {
		out.Descendants, err = f.expand(ctx, scope, sectionID, maxDepth)
		if err != nil {
			return datatypes.Hierarchy{}, err
		}
	}
	return out, nil
}

// climb walks parent links one hop at a time so ancestors come back
// closest-first regardless of store implementation.
func (f *Facade) climb(ctx context.Context, scope datatypes.Scope,
	sectionID string, maxDepth int) ([]datatypes.Section, error) {

	var ancestors []datatypes.Section
	current := sectionID
	for depth := 0; maxDepth <= 0 || depth < maxDepth; depth++ {
		matches, err := f.store.QueryPattern(ctx, scope, graph.Pattern{
			SrcLabel:  datatypes.VertexCodeSection,
			SrcMatch:  map[string]any{"section_id": current},
			Edge:      datatypes.EdgeHasChild,
			Direction: graph.In,
			DstLabel:  datatypes.VertexCodeSection,
		})
		if err != nil {
			return nil, err
		}
		if len(matches) == 0 {
			break
		}
		parent := matches[0].Dst
		ancestors = append(ancestors, sectionView(parent))
		current = parent.StringProp("section_id")
	}
	return ancestors, nil
}

// expand builds the subtree below a section, children in sibling order.
func (f *Facade) expand(ctx context.Context, scope datatypes.Scope,
	sectionID string, maxDepth int) ([]datatypes.HierarchyNode, error) {

	if maxDepth == 0 {
		maxDepth = -1
	}
	children, err := graph.Children(ctx, f.store, scope, sectionID)
	if err != nil {
		return nil, err
	}
	nodes := make([]datatypes.HierarchyNode, 0, len(children))
	for _, child := range children {
		node := datatypes.HierarchyNode{Section: sectionView(child.Vertex)}
		if maxDepth != 1 {
			nextDepth := maxDepth - 1
			if maxDepth < 0 {
				nextDepth = -1
			}
			node.Children, err = f.expand(ctx, scope,
				child.Vertex.StringProp("section_id"), nextDepth)
			if err != nil {
				return nil, err
			}
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// FindRelated lists a section's cross-reference edges: outgoing and
// incoming REFERENCES plus outgoing CITES_EXTERNAL. relationshipType,
// when non-empty, filters the internal references.
func (f *Facade) FindRelated(ctx context.Context, scope datatypes.Scope,
	sectionID, relationshipType string) ([]datatypes.RelatedRef, error) {

	ctx, span := tracer.Start(ctx, "Facade.FindRelated")
	defer span.End()

	if _, err := graph.GetSection(ctx, f.store, scope, sectionID); err != nil {
		return nil, err
	}

	refs := []datatypes.RelatedRef{}

	outgoing, err := f.store.QueryPattern(ctx, scope, graph.Pattern{
		SrcLabel: datatypes.VertexCodeSection,
		SrcMatch: map[string]any{"section_id": sectionID},
		Edge:     datatypes.EdgeReferences,
		DstLabel: datatypes.VertexCodeSection,
	})
	if err != nil {
		return nil, err
	}
	for _, m := range outgoing {
		if ref, ok := internalRef("outgoing", m.Dst, m.EdgeProps, relationshipType); ok {
			refs = append(refs, ref)
		}
	}

	incoming, err := f.store.QueryPattern(ctx, scope, graph.Pattern{
		SrcLabel:  datatypes.VertexCodeSection,
		SrcMatch:  map[string]any{"section_id": sectionID},
		Edge:      datatypes.EdgeReferences,
		Direction: graph.In,
		DstLabel:  datatypes.VertexCodeSection,
	})
	if err != nil {
		return nil, err
	}
	for _, m := range incoming {
		if ref, ok := internalRef("incoming", m.Dst, m.EdgeProps, relationshipType); ok {
			refs = append(refs, ref)
		}
	}

	if relationshipType == "" {
		external, err := f.store.QueryPattern(ctx, scope, graph.Pattern{
			SrcLabel: datatypes.VertexCodeSection,
			SrcMatch: map[string]any{"section_id": sectionID},
			Edge:     datatypes.EdgeCitesExternal,
			DstLabel: datatypes.VertexExternalLaw,
		})
		if err != nil {
			return nil, err
		}
		for _, m := range external {
			ref := datatypes.RelatedRef{
				Direction: "external",
				LawID:     m.Dst.StringProp("law_id"),
				LawType:   m.Dst.StringProp("law_type"),
			}
			if raw, ok := m.EdgeProps["raw_citation"].(string); ok {
				ref.RawCitation = raw
			}
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

func internalRef(direction string, other graph.Vertex, edgeProps map[string]any,
	relationshipType string) (datatypes.RelatedRef, bool) {

	relType, _ := edgeProps["relationship_type"].(string)
	if relationshipType != "" && relType != relationshipType {
		return datatypes.RelatedRef{}, false
	}
	ref := datatypes.RelatedRef{
		Direction:        direction,
		SectionID:        other.StringProp("section_id"),
		Title:            other.StringProp("title"),
		RelationshipType: relType,
	}
	if c, ok := edgeProps["context"].(string); ok {
		ref.Context = c
	}
	if raw, ok := edgeProps["raw_citation"].(string); ok {
		ref.RawCitation = raw
	}
	return ref, true
}

func sectionView(v graph.Vertex) datatypes.Section {
	return datatypes.Section{
		SectionID:      v.StringProp("section_id"),
		Title:          v.StringProp("title"),
		Level:          v.StringProp("level"),
		RawContent:     v.StringProp("raw_content"),
		Summary:        v.StringProp("summary"),
		SummaryLevel:   v.StringProp("summary_level"),
		SummaryBuiltAt: v.StringProp("summary_built_at"),
	}
}
