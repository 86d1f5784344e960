// Copyright (C) 2026 Civic Atlas (engineering@civicatlas.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package graph

import (
	"context"
	"fmt"
	"sync"

	"github.com/civicatlas/municigraph/services/knowledge/datatypes"
)

// MemoryStore is the in-process Store used to unit test the layers above
// the adapter without a live database. Iteration order is insertion order,
// so results are deterministic.
type MemoryStore struct {
	mu       sync.Mutex
	seq      int
	vertices map[string]*memVertex
	order    []string
	edges    []*memEdge
}

type memVertex struct {
	id    string
	label string
	props map[string]any
}

type memEdge struct {
	id    string
	label string
	from  string
	to    string
	props map[string]any
}

// NewMemoryStore returns an empty in-memory graph.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{vertices: make(map[string]*memVertex)}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) UpsertVertex(ctx context.Context, scope datatypes.Scope,
	label string, key, props map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertVertex(scope, label, key, props)
}

func (s *MemoryStore) UpsertEdge(ctx context.Context, scope datatypes.Scope,
	label, fromID, toID string, props map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertEdge(label, fromID, toID, props)
}

func (s *MemoryStore) DeleteEdgesFrom(ctx context.Context, scope datatypes.Scope,
	fromID string, labels ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteEdges(fromID, "", labels)
	return nil
}

func (s *MemoryStore) DeleteEdgesBetween(ctx context.Context, scope datatypes.Scope,
	fromID, toID string, labels ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteEdges(fromID, toID, labels)
	return nil
}

func (s *MemoryStore) QueryPattern(ctx context.Context, scope datatypes.Scope,
	p Pattern) ([]Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryPattern(scope, p)
}

// Atomic snapshots the graph, runs fn against an unlocked view, and
// restores the snapshot if fn fails.
func (s *MemoryStore) Atomic(ctx context.Context, scope datatypes.Scope,
	fn func(tx Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snapshot()
	if err := fn(&memTx{s: s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// memTx is the in-transaction view: same state, no locking (the outer
// Atomic holds the mutex), nested Atomic joins the current transaction.
type memTx struct{ s *MemoryStore }

var _ Store = (*memTx)(nil)

func (t *memTx) UpsertVertex(ctx context.Context, scope datatypes.Scope,
	label string, key, props map[string]any) (string, error) {
	return t.s.upsertVertex(scope, label, key, props)
}

func (t *memTx) UpsertEdge(ctx context.Context, scope datatypes.Scope,
	label, fromID, toID string, props map[string]any) (string, error) {
	return t.s.upsertEdge(label, fromID, toID, props)
}

func (t *memTx) DeleteEdgesFrom(ctx context.Context, scope datatypes.Scope,
	fromID string, labels ...string) error {
	t.s.deleteEdges(fromID, "", labels)
	return nil
}

func (t *memTx) DeleteEdgesBetween(ctx context.Context, scope datatypes.Scope,
	fromID, toID string, labels ...string) error {
	t.s.deleteEdges(fromID, toID, labels)
	return nil
}

func (t *memTx) QueryPattern(ctx context.Context, scope datatypes.Scope,
	p Pattern) ([]Match, error) {
	return t.s.queryPattern(scope, p)
}

func (t *memTx) Atomic(ctx context.Context, scope datatypes.Scope,
	fn func(tx Store) error) error {
	return fn(t)
}

// ---------------------------------------------------------------------------
// Unlocked internals
// ---------------------------------------------------------------------------

func (s *MemoryStore) upsertVertex(scope datatypes.Scope, label string,
	key, props map[string]any) (string, error) {
	match := scopedMatch(scope, label, key)
	if v := s.findVertex(label, match); v != nil {
		for k, val := range props {
			if val == nil {
				delete(v.props, k)
			} else {
				v.props[k] = val
			}
		}
		return v.id, nil
	}

	s.seq++
	id := fmt.Sprintf("v%d", s.seq)
	merged := make(map[string]any, len(match)+len(props))
	for k, val := range match {
		merged[k] = val
	}
	for k, val := range props {
		if val != nil {
			merged[k] = val
		}
	}
	s.vertices[id] = &memVertex{id: id, label: label, props: merged}
	s.order = append(s.order, id)
	return id, nil
}

func (s *MemoryStore) upsertEdge(label, fromID, toID string,
	props map[string]any) (string, error) {
	if _, ok := s.vertices[fromID]; !ok {
		return "", storeErr("upsert-edge", label, fromID, ErrNotFound)
	}
	if _, ok := s.vertices[toID]; !ok {
		return "", storeErr("upsert-edge", label, toID, ErrNotFound)
	}
	for _, e := range s.edges {
		if e.label == label && e.from == fromID && e.to == toID {
			e.props = copyProps(props)
			return e.id, nil
		}
	}
	s.seq++
	id := fmt.Sprintf("e%d", s.seq)
	s.edges = append(s.edges, &memEdge{
		id: id, label: label, from: fromID, to: toID, props: copyProps(props),
	})
	return id, nil
}

func (s *MemoryStore) deleteEdges(fromID, toID string, labels []string) {
	keep := s.edges[:0]
	for _, e := range s.edges {
		if e.from == fromID && (toID == "" || e.to == toID) && labelIn(e.label, labels) {
			continue
		}
		keep = append(keep, e)
	}
	s.edges = keep
}

func (s *MemoryStore) queryPattern(scope datatypes.Scope, p Pattern) ([]Match, error) {
	srcMatch := scopedMatch(scope, p.SrcLabel, p.SrcMatch)
	var sources []*memVertex
	for _, id := range s.order {
		v := s.vertices[id]
		if v.label == p.SrcLabel && propsMatch(v.props, srcMatch) {
			sources = append(sources, v)
		}
	}

	if p.Edge == "" {
		matches := make([]Match, 0, len(sources))
		for _, v := range sources {
			matches = append(matches, Match{Src: s.toVertex(v)})
		}
		return matches, nil
	}

	dstMatch := scopedMatch(scope, p.DstLabel, p.DstMatch)
	minDepth, maxDepth := p.hops()
	var matches []Match
	for _, src := range sources {
		type hop struct {
			v     *memVertex
			props map[string]any
			depth int
		}
		frontier := []hop{{v: src, depth: 0}}
		visited := map[string]bool{src.id: true}
		for len(frontier) > 0 {
			cur := frontier[0]
			frontier = frontier[1:]
			if cur.depth >= maxDepth && maxDepth >= 0 {
				continue
			}
			for _, e := range s.edges {
				if e.label != p.Edge {
					continue
				}
				var nextID string
				switch p.Direction {
				case Out:
					if e.from != cur.v.id {
						continue
					}
					nextID = e.to
				case In:
					if e.to != cur.v.id {
						continue
					}
					nextID = e.from
				}
				if visited[nextID] {
					continue
				}
				visited[nextID] = true
				next := s.vertices[nextID]
				depth := cur.depth + 1
				if next.label == p.DstLabel && propsMatch(next.props, dstMatch) &&
					depth >= minDepth {
					m := Match{Src: s.toVertex(src), Dst: s.toVertex(next), Depth: depth}
					if minDepth == 1 && maxDepth == 1 {
						m.EdgeProps = copyProps(e.props)
					}
					matches = append(matches, m)
				}
				frontier = append(frontier, hop{v: next, depth: depth})
			}
		}
	}
	return matches, nil
}

func (s *MemoryStore) findVertex(label string, match map[string]any) *memVertex {
	for _, id := range s.order {
		v := s.vertices[id]
		if v.label == label && propsMatch(v.props, match) {
			return v
		}
	}
	return nil
}

func (s *MemoryStore) toVertex(v *memVertex) Vertex {
	return Vertex{ID: v.id, Label: v.label, Props: copyProps(v.props)}
}

type memSnapshot struct {
	seq      int
	vertices map[string]*memVertex
	order    []string
	edges    []*memEdge
}

func (s *MemoryStore) snapshot() memSnapshot {
	snap := memSnapshot{
		seq:      s.seq,
		vertices: make(map[string]*memVertex, len(s.vertices)),
		order:    append([]string(nil), s.order...),
		edges:    make([]*memEdge, len(s.edges)),
	}
	for id, v := range s.vertices {
		snap.vertices[id] = &memVertex{id: v.id, label: v.label, props: copyProps(v.props)}
	}
	for i, e := range s.edges {
		snap.edges[i] = &memEdge{id: e.id, label: e.label, from: e.from, to: e.to,
			props: copyProps(e.props)}
	}
	return snap
}

func (s *MemoryStore) restore(snap memSnapshot) {
	s.seq = snap.seq
	s.vertices = snap.vertices
	s.order = snap.order
	s.edges = snap.edges
}

func propsMatch(props, match map[string]any) bool {
	for k, want := range match {
		if props[k] != want {
			return false
		}
	}
	return true
}

func copyProps(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out
}

func labelIn(label string, labels []string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}
