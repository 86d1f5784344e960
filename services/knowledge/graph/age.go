// Copyright (C) 2026 Civic Atlas (engineering@civicatlas.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/civicatlas/municigraph/services/knowledge/datatypes"
)

// GraphName is the AGE graph holding all municipal knowledge.
const GraphName = "municipal_knowledge"

// querier is the subset of pgx satisfied by both *pgxpool.Pool and pgx.Tx,
// letting AGEStore run the same Cypher inside or outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// AGEStore is the production Store against PostgreSQL + Apache AGE.
// Cypher is wrapped in the AGE SQL envelope and results come back as
// agtype values, which are JSON with a ::vertex / ::edge suffix.
type AGEStore struct {
	q     querier
	pool  *pgxpool.Pool
	graph string
}

var _ Store = (*AGEStore)(nil)

// NewAGEStore connects to Postgres, loads the AGE extension on every
// connection, and bootstraps the graph and its labels.
func NewAGEStore(ctx context.Context, dsn string) (*AGEStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if _, err := conn.Exec(ctx, "LOAD 'age';"); err != nil {
			return err
		}
		_, err := conn.Exec(ctx, "SET search_path = ag_catalog, \"$user\", public;")
		return err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store := &AGEStore{q: pool, pool: pool, graph: GraphName}
	if err := store.ensureGraph(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the connection pool.
func (s *AGEStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// ensureGraph creates the AGE graph and every vertex/edge label if absent.
func (s *AGEStore) ensureGraph(ctx context.Context) error {
	if _, err := s.q.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS age;"); err != nil {
		return fmt.Errorf("ensure age extension: %w", err)
	}
	rows, err := s.q.Query(ctx,
		"SELECT EXISTS(SELECT 1 FROM ag_catalog.ag_graph WHERE name = $1)", s.graph)
	if err != nil {
		return fmt.Errorf("check graph: %w", err)
	}
	exists, err := scanBool(rows)
	if err != nil {
		return fmt.Errorf("check graph: %w", err)
	}
	if !exists {
		if _, err := s.q.Exec(ctx,
			fmt.Sprintf("SELECT create_graph('%s');", s.graph)); err != nil {
			return fmt.Errorf("create graph: %w", err)
		}
	}
	for _, label := range datatypes.VertexLabels {
		if err := s.ensureLabel(ctx, label, "create_vlabel"); err != nil {
			return err
		}
	}
	for _, label := range datatypes.EdgeLabels {
		if err := s.ensureLabel(ctx, label, "create_elabel"); err != nil {
			return err
		}
	}
	return nil
}

func (s *AGEStore) ensureLabel(ctx context.Context, label, createFn string) error {
	rows, err := s.q.Query(ctx,
		"SELECT EXISTS(SELECT 1 FROM ag_catalog.ag_label WHERE name = $1 "+
			"AND graph = (SELECT graphid FROM ag_catalog.ag_graph WHERE name = $2))",
		label, s.graph)
	if err != nil {
		return fmt.Errorf("check label %s: %w", label, err)
	}
	exists, err := scanBool(rows)
	if err != nil {
		return fmt.Errorf("check label %s: %w", label, err)
	}
	if exists {
		return nil
	}
	_, err = s.q.Exec(ctx,
		fmt.Sprintf("SELECT %s('%s', '%s');", createFn, s.graph, label))
	if err != nil {
		return fmt.Errorf("create label %s: %w", label, err)
	}
	return nil
}

func scanBool(rows pgx.Rows) (bool, error) {
	defer rows.Close()
	var b bool
	if rows.Next() {
		if err := rows.Scan(&b); err != nil {
			return false, err
		}
	}
	return b, rows.Err()
}

// ---------------------------------------------------------------------------
// Store implementation
// ---------------------------------------------------------------------------

func (s *AGEStore) UpsertVertex(ctx context.Context, scope datatypes.Scope,
	label string, key, props map[string]any) (string, error) {
	match := scopedMatch(scope, label, key)
	cy := fmt.Sprintf("MERGE (v:%s %s)%s RETURN id(v)",
		label, propsLiteral(match), setClauses("v", props))
	rows, err := s.query(ctx, cy, "vid agtype")
	if err != nil {
		return "", storeErr("upsert-vertex", label, fmt.Sprint(key), err)
	}
	if len(rows) == 0 {
		return "", storeErr("upsert-vertex", label, fmt.Sprint(key),
			fmt.Errorf("no id returned"))
	}
	return strings.TrimSpace(rows[0][0]), nil
}

func (s *AGEStore) UpsertEdge(ctx context.Context, scope datatypes.Scope,
	label, fromID, toID string, props map[string]any) (string, error) {
	from, err := graphID(fromID)
	if err != nil {
		return "", storeErr("upsert-edge", label, fromID, err)
	}
	to, err := graphID(toID)
	if err != nil {
		return "", storeErr("upsert-edge", label, toID, err)
	}
	cy := fmt.Sprintf(
		"MATCH (a) WHERE id(a) = %d MATCH (b) WHERE id(b) = %d "+
			"MERGE (a)-[r:%s]->(b)%s RETURN id(r)",
		from, to, label, setClauses("r", props))
	rows, err := s.query(ctx, cy, "eid agtype")
	if err != nil {
		return "", storeErr("upsert-edge", label, fromID, err)
	}
	if len(rows) == 0 {
		return "", storeErr("upsert-edge", label, fromID, ErrNotFound)
	}
	return strings.TrimSpace(rows[0][0]), nil
}

func (s *AGEStore) DeleteEdgesFrom(ctx context.Context, scope datatypes.Scope,
	fromID string, labels ...string) error {
	from, err := graphID(fromID)
	if err != nil {
		return storeErr("delete-edges", "", fromID, err)
	}
	for _, label := range labels {
		cy := fmt.Sprintf("MATCH (a)-[r:%s]->() WHERE id(a) = %d DELETE r", label, from)
		if _, err := s.q.Exec(ctx, s.cypherSQL(cy, "result agtype")); err != nil {
			return storeErr("delete-edges", label, fromID, err)
		}
	}
	return nil
}

func (s *AGEStore) DeleteEdgesBetween(ctx context.Context, scope datatypes.Scope,
	fromID, toID string, labels ...string) error {
	from, err := graphID(fromID)
	if err != nil {
		return storeErr("delete-edges", "", fromID, err)
	}
	to, err := graphID(toID)
	if err != nil {
		return storeErr("delete-edges", "", toID, err)
	}
	for _, label := range labels {
		cy := fmt.Sprintf(
			"MATCH (a)-[r:%s]->(b) WHERE id(a) = %d AND id(b) = %d DELETE r",
			label, from, to)
		if _, err := s.q.Exec(ctx, s.cypherSQL(cy, "result agtype")); err != nil {
			return storeErr("delete-edges", label, fromID, err)
		}
	}
	return nil
}

func (s *AGEStore) QueryPattern(ctx context.Context, scope datatypes.Scope,
	p Pattern) ([]Match, error) {
	srcMatch := scopedMatch(scope, p.SrcLabel, p.SrcMatch)

	if p.Edge == "" {
		cy := fmt.Sprintf("MATCH (a:%s %s) RETURN a", p.SrcLabel, propsLiteral(srcMatch))
		rows, err := s.query(ctx, cy, "a agtype")
		if err != nil {
			return nil, storeErr("query", p.SrcLabel, "", err)
		}
		matches := make([]Match, 0, len(rows))
		for _, row := range rows {
			src, err := parseAgVertex(row[0])
			if err != nil {
				return nil, storeErr("query", p.SrcLabel, "", err)
			}
			matches = append(matches, Match{Src: src})
		}
		return matches, nil
	}

	dstMatch := scopedMatch(scope, p.DstLabel, p.DstMatch)
	minDepth, maxDepth := p.hops()
	singleHop := minDepth == 1 && maxDepth == 1

	var edgeSpec string
	if singleHop {
		edgeSpec = fmt.Sprintf("[r:%s]", p.Edge)
	} else if maxDepth < 0 {
		edgeSpec = fmt.Sprintf("[:%s*%d..]", p.Edge, minDepth)
	} else {
		edgeSpec = fmt.Sprintf("[:%s*%d..%d]", p.Edge, minDepth, maxDepth)
	}
	arrow := fmt.Sprintf("-%s->", edgeSpec)
	if p.Direction == In {
		arrow = fmt.Sprintf("<-%s-", edgeSpec)
	}

	var cy, columns string
	if singleHop {
		cy = fmt.Sprintf("MATCH (a:%s %s)%s(b:%s %s) RETURN a, r, b",
			p.SrcLabel, propsLiteral(srcMatch), arrow, p.DstLabel, propsLiteral(dstMatch))
		columns = "a agtype, r agtype, b agtype"
	} else {
		cy = fmt.Sprintf("MATCH (a:%s %s)%s(b:%s %s) RETURN a, b",
			p.SrcLabel, propsLiteral(srcMatch), arrow, p.DstLabel, propsLiteral(dstMatch))
		columns = "a agtype, b agtype"
	}

	rows, err := s.query(ctx, cy, columns)
	if err != nil {
		return nil, storeErr("query", p.SrcLabel, "", err)
	}
	matches := make([]Match, 0, len(rows))
	for _, row := range rows {
		src, err := parseAgVertex(row[0])
		if err != nil {
			return nil, storeErr("query", p.SrcLabel, "", err)
		}
		m := Match{Src: src}
		if singleHop {
			edgeProps, err := parseAgEdge(row[1])
			if err != nil {
				return nil, storeErr("query", p.Edge, "", err)
			}
			dst, err := parseAgVertex(row[2])
			if err != nil {
				return nil, storeErr("query", p.DstLabel, "", err)
			}
			m.EdgeProps = edgeProps
			m.Dst = dst
			m.Depth = 1
		} else {
			dst, err := parseAgVertex(row[1])
			if err != nil {
				return nil, storeErr("query", p.DstLabel, "", err)
			}
			m.Dst = dst
		}
		matches = append(matches, m)
	}
	return matches, nil
}

// Atomic begins a transaction on the pool; a store already inside a
// transaction joins it.
func (s *AGEStore) Atomic(ctx context.Context, scope datatypes.Scope,
	fn func(tx Store) error) error {
	if s.pool == nil {
		return fn(s)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storeErr("begin", "", "", err)
	}
	defer tx.Rollback(ctx)
	if err := fn(&AGEStore{q: tx, graph: s.graph}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return storeErr("commit", "", "", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Cypher plumbing
// ---------------------------------------------------------------------------

// cypherSQL wraps a Cypher query in the AGE SQL envelope.
func (s *AGEStore) cypherSQL(cypher, columns string) string {
	return fmt.Sprintf("SELECT * FROM cypher('%s', $$ %s $$) AS (%s);",
		s.graph, cypher, columns)
}

// query runs Cypher and returns each row's agtype columns as raw strings.
func (s *AGEStore) query(ctx context.Context, cypher, columns string) ([][]string, error) {
	rows, err := s.q.Query(ctx, s.cypherSQL(cypher, columns))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	n := strings.Count(columns, "agtype")
	var out [][]string
	for rows.Next() {
		cols := make([]string, n)
		dest := make([]any, n)
		for i := range cols {
			dest[i] = &cols[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		out = append(out, cols)
	}
	return out, rows.Err()
}

// escape sanitizes a value for inclusion in a Cypher string literal.
func escape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	s = strings.ReplaceAll(s, "\r", `\r`)
	s = strings.ReplaceAll(s, "\t", `\t`)
	return s
}

func literal(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return "'" + escape(val) + "'"
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	default:
		return "'" + escape(fmt.Sprint(val)) + "'"
	}
}

// propsLiteral renders a property match map as a Cypher literal with
// deterministic key order.
func propsLiteral(props map[string]any) string {
	if len(props) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, literal(props[k])))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// setClauses renders " SET alias.k = v, ..." with nil values written as
// null (AGE removes null-set properties).
func setClauses(alias string, props map[string]any) string {
	if len(props) == 0 {
		return ""
	}
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s.%s = %s", alias, k, literal(props[k])))
	}
	return " SET " + strings.Join(parts, ", ")
}

func graphID(id string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid graph id %q", id)
	}
	return n, nil
}

type agEntity struct {
	ID         json.Number    `json:"id"`
	Label      string         `json:"label"`
	Properties map[string]any `json:"properties"`
}

func parseAgVertex(raw string) (Vertex, error) {
	trimmed := strings.TrimSuffix(strings.TrimSpace(raw), "::vertex")
	var ent agEntity
	if err := json.Unmarshal([]byte(trimmed), &ent); err != nil {
		return Vertex{}, fmt.Errorf("decode agtype vertex: %w", err)
	}
	props := ent.Properties
	if props == nil {
		props = map[string]any{}
	}
	return Vertex{ID: ent.ID.String(), Label: ent.Label, Props: props}, nil
}

func parseAgEdge(raw string) (map[string]any, error) {
	trimmed := strings.TrimSuffix(strings.TrimSpace(raw), "::edge")
	var ent agEntity
	if err := json.Unmarshal([]byte(trimmed), &ent); err != nil {
		return nil, fmt.Errorf("decode agtype edge: %w", err)
	}
	if ent.Properties == nil {
		return map[string]any{}, nil
	}
	return ent.Properties, nil
}
