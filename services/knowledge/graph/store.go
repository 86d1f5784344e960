// Copyright (C) 2026 Civic Atlas (engineering@civicatlas.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package graph is the typed adapter over the municipal property graph.
//
// Two implementations exist: AGEStore runs against PostgreSQL with the
// Apache AGE extension (Cypher wrapped in the AGE SQL envelope), and
// MemoryStore is an in-process fake with identical semantics for unit
// testing the ingestion, summary, search, and query layers.
//
// Every operation is scoped by municipality: the adapter stamps the
// (municipality, state) pair into vertex keys so no query can cross a
// municipality boundary.
package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/civicatlas/municigraph/services/knowledge/datatypes"
)

// Direction orients an edge pattern relative to its source vertex.
type Direction int

const (
	// Out matches (src)-[edge]->(dst).
	Out Direction = iota
	// In matches (src)<-[edge]-(dst).
	In
)

// Vertex is a labeled property vertex as returned by the store.
type Vertex struct {
	ID    string
	Label string
	Props map[string]any
}

// StringProp returns a string property, or "" when absent or non-string.
func (v Vertex) StringProp(name string) string {
	s, _ := v.Props[name].(string)
	return s
}

// Pattern is a declarative edge or vertex pattern. With Edge empty it
// matches vertices by label and properties. With Edge set it matches
// src-edge-dst triples; MinDepth/MaxDepth describe variable-length
// traversal (zero values mean a single hop, MaxDepth < 0 means unbounded).
type Pattern struct {
	SrcLabel string
	SrcMatch map[string]any

	Edge      string
	Direction Direction
	MinDepth  int
	MaxDepth  int

	DstLabel string
	DstMatch map[string]any
}

func (p Pattern) hops() (min, max int) {
	min, max = p.MinDepth, p.MaxDepth
	if min == 0 {
		min = 1
	}
	if max == 0 {
		max = min
	}
	return min, max
}

// Match is one pattern result. Dst and EdgeProps are zero for vertex-only
// patterns; EdgeProps is nil for variable-length traversals.
type Match struct {
	Src       Vertex
	Dst       Vertex
	EdgeProps map[string]any
	Depth     int
}

// Store is the graph store adapter. Writes issued inside Atomic commit or
// roll back as one unit; writes outside Atomic are single-statement atomic.
type Store interface {
	// UpsertVertex creates or updates the vertex identified by (label, key)
	// within the scope, overwriting props. Never duplicates.
	UpsertVertex(ctx context.Context, scope datatypes.Scope, label string,
		key, props map[string]any) (string, error)

	// UpsertEdge creates or updates the edge (fromID)-[label]->(toID),
	// overwriting props. Never duplicates the triple.
	UpsertEdge(ctx context.Context, scope datatypes.Scope, label string,
		fromID, toID string, props map[string]any) (string, error)

	// DeleteEdgesFrom removes all outgoing edges of the given labels from a
	// vertex. Used to replace derived reference edges wholesale.
	DeleteEdgesFrom(ctx context.Context, scope datatypes.Scope,
		fromID string, labels ...string) error

	// DeleteEdgesBetween removes edges of the given labels between a pair
	// of vertices.
	DeleteEdgesBetween(ctx context.Context, scope datatypes.Scope,
		fromID, toID string, labels ...string) error

	// QueryPattern evaluates a pattern within the scope.
	QueryPattern(ctx context.Context, scope datatypes.Scope, p Pattern) ([]Match, error)

	// Atomic runs fn against a transactional view of the store; all writes
	// commit together or not at all.
	Atomic(ctx context.Context, scope datatypes.Scope, fn func(tx Store) error) error
}

// StoreError carries enough context (operation, label, key) for the caller
// to log and retry a failed store call.
type StoreError struct {
	Op    string
	Label string
	Key   string
	Err   error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("graph store %s %s(%s): %v", e.Op, e.Label, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op, label, key string, err error) error {
	return &StoreError{Op: op, Label: label, Key: key, Err: err}
}

// ErrNotFound is returned by lookups for entities that do not exist in the
// scoped graph.
var ErrNotFound = errors.New("not found")

// NotFoundError is a typed not-found for a named entity.
type NotFoundError struct {
	Entity string
	Key    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.Key)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// scopedMatch merges the municipality scope into a property match. The
// Municipality vertex is keyed by (name, state) directly and is not
// re-stamped.
func scopedMatch(scope datatypes.Scope, label string, match map[string]any) map[string]any {
	merged := make(map[string]any, len(match)+2)
	for k, v := range match {
		merged[k] = v
	}
	if label == datatypes.VertexMunicipality {
		merged["name"] = scope.Municipality
		merged["state"] = scope.State
	} else {
		merged["municipality"] = scope.Municipality
		merged["state"] = scope.State
	}
	return merged
}
