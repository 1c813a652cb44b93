// Package policy validates requested upstream resource paths against a strict
// allow-list. Two forms exist: the path-segment form used by the
// /{base}/{table} route, and the embedded form where the whole resource path
// arrives in a single query parameter. Both fail closed: no wildcard or
// prefix matching.
package policy

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validation errors. Handlers match these with errors.Is to pick a status
// code; the wrapped message carries the specific reason.
var (
	ErrMissingPath  = errors.New("missing resource path")
	ErrBadSegments  = errors.New("resource path must have 2 or 3 segments")
	ErrUnknownBase  = errors.New("base is not allowed")
	ErrUnknownTable = errors.New("table is not allowed")
)

// ResourcePath identifies an upstream resource. Record is optional and
// forwarded verbatim; the upstream performs its own record ID validation.
type ResourcePath struct {
	Base   string
	Table  string
	Record string
}

// SegmentPolicy validates path-segment resource paths against multi-entry
// base and table allow-sets. Table matching is exact and case-sensitive.
type SegmentPolicy struct {
	bases  map[string]struct{}
	tables map[string]struct{}
}

// NewSegmentPolicy builds a SegmentPolicy from allow-lists.
func NewSegmentPolicy(bases, tables []string) *SegmentPolicy {
	return &SegmentPolicy{bases: toSet(bases), tables: toSet(tables)}
}

// Validate parses rawPath ("/{base}/{table}[/{record}]", leading and doubled
// slashes tolerated) and checks it against the allow-sets.
func (p *SegmentPolicy) Validate(rawPath string) (ResourcePath, error) {
	segs := splitPath(rawPath)
	if len(segs) == 0 {
		return ResourcePath{}, ErrMissingPath
	}
	if len(segs) < 2 || len(segs) > 3 {
		return ResourcePath{}, fmt.Errorf("%w, got %d", ErrBadSegments, len(segs))
	}

	res := ResourcePath{Base: segs[0], Table: segs[1]}
	if len(segs) == 3 {
		res.Record = segs[2]
	}

	if _, ok := p.bases[res.Base]; !ok {
		return ResourcePath{}, fmt.Errorf("%w: %q", ErrUnknownBase, res.Base)
	}
	if _, ok := p.tables[res.Table]; !ok {
		return ResourcePath{}, fmt.Errorf("%w: %q", ErrUnknownTable, res.Table)
	}
	return res, nil
}

// EmbeddedPolicy validates resource paths that arrive as a single opaque
// string (e.g. the "path" query parameter). It accepts exactly one base.
// The table allow-list should enumerate both the URL-encoded and decoded
// spelling of each table: the inbound segment is checked literally and after
// decoding, so an encoding mismatch never silently passes or silently fails.
type EmbeddedPolicy struct {
	base   string
	tables map[string]struct{}
}

// NewEmbeddedPolicy builds an EmbeddedPolicy for one base and its tables.
func NewEmbeddedPolicy(base string, tables []string) *EmbeddedPolicy {
	return &EmbeddedPolicy{base: base, tables: toSet(tables)}
}

// Validate checks raw ("{base}/{table}[/{record}]") against the allow-list.
func (p *EmbeddedPolicy) Validate(raw string) (ResourcePath, error) {
	if raw == "" {
		return ResourcePath{}, ErrMissingPath
	}

	prefix := p.base + "/"
	if !strings.HasPrefix(raw, prefix) {
		return ResourcePath{}, fmt.Errorf("%w: path must start with %q", ErrUnknownBase, prefix)
	}

	segs := splitPath(strings.TrimPrefix(raw, prefix))
	if len(segs) < 1 || len(segs) > 2 {
		return ResourcePath{}, fmt.Errorf("%w, got %d", ErrBadSegments, len(segs)+1)
	}

	table := segs[0]
	if !p.tableAllowed(table) {
		return ResourcePath{}, fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}

	res := ResourcePath{Base: p.base, Table: table}
	if len(segs) == 2 {
		res.Record = segs[1]
	}
	return res, nil
}

// tableAllowed matches the literal segment first, then its decoded form.
func (p *EmbeddedPolicy) tableAllowed(table string) bool {
	if _, ok := p.tables[table]; ok {
		return true
	}
	decoded, err := url.PathUnescape(table)
	if err != nil {
		return false
	}
	_, ok := p.tables[decoded]
	return ok
}

// splitPath splits on "/" and discards empty segments.
func splitPath(raw string) []string {
	var segs []string
	for _, s := range strings.Split(raw, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		set[v] = struct{}{}
	}
	return set
}
