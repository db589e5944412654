// Package collection provides plain slice utilities over parsed rows:
// indexing, grouping, pagination, and sorting. It deliberately stops short
// of a fluent query-builder DSL — no chainable filter sugar, no
// camel/kebab path building; callers compose these functions directly.
package collection

import (
	"sort"

	"github.com/creachadair/mds/value"

	"github.com/routeros-client/rosclient/parse"
)

// Index builds a lookup from a key function to the first row producing
// that key. Later rows with a colliding key are dropped silently, matching
// a map's natural last-insert-wins semantics inverted to first-wins, since
// RouterOS identifiers are expected to be unique within a collection.
func Index(rows []parse.Row, keyFn func(parse.Row) string) map[string]parse.Row {
	out := make(map[string]parse.Row, len(rows))
	for _, r := range rows {
		k := keyFn(r)
		if _, exists := out[k]; !exists {
			out[k] = r
		}
	}
	return out
}

// Group partitions rows into buckets keyed by keyFn, preserving each
// bucket's relative row order.
func Group(rows []parse.Row, keyFn func(parse.Row) string) map[string][]parse.Row {
	out := make(map[string][]parse.Row)
	for _, r := range rows {
		k := keyFn(r)
		out[k] = append(out[k], r)
	}
	return out
}

// Page is one page of a paginated slice, plus whether further pages
// remain.
type Page struct {
	Rows    []parse.Row
	HasMore bool
}

// Paginate slices rows into the page starting at offset with at most
// size rows. An out-of-range offset yields an empty page with HasMore
// false. size <= 0 is treated as 0.
func Paginate(rows []parse.Row, offset, size int) Page {
	if size <= 0 || offset >= len(rows) || offset < 0 {
		return Page{Rows: []parse.Row{}}
	}
	end := offset + size
	hasMore := end < len(rows)
	if end > len(rows) {
		end = len(rows)
	}
	out := make([]parse.Row, end-offset)
	copy(out, rows[offset:end])
	return Page{Rows: out, HasMore: hasMore}
}

// Less reports whether a should sort before b for the given field,
// comparing numerically when both values are float64 and lexically
// otherwise: strings compare as themselves, bools as "true"/"false", and
// every other type (including nil) as the empty string.
func Less(a, b parse.Row, field string) bool {
	av, bv := a[field], b[field]
	af, aok := av.(float64)
	bf, bok := bv.(float64)
	if aok && bok {
		return af < bf
	}
	return toString(av) < toString(bv)
}

// SortBy returns a stable-sorted copy of rows ordered by field ascending.
// The input slice is left untouched.
func SortBy(rows []parse.Row, field string) []parse.Row {
	out := make([]parse.Row, len(rows))
	copy(out, rows)
	sort.SliceStable(out, func(i, j int) bool {
		return Less(out[i], out[j], field)
	})
	return out
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return value.Cond(t, "true", "false")
	case nil:
		return ""
	default:
		return ""
	}
}
