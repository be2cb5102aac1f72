package postgres

import (
	sq "github.com/Masterminds/squirrel"
)

// DefaultPageSize is the page size used when neither the page request nor
// the base query specifies one.
const DefaultPageSize = 10

// Query describes a filtered, optionally windowed read over one model.
type Query struct {
	// Where filters the population; nil matches every row.
	Where sq.Sqlizer

	// Columns overrides the selected columns; nil selects all model columns.
	Columns []string

	// OrderBy clauses, e.g. "created_at DESC". Empty keeps the collection's
	// natural order.
	OrderBy []string

	// Take and Skip bound the window; nil means unset.
	Take *int
	Skip *int
}

// Page is an explicit pagination request. A field set here takes precedence
// over the same-named field on the base query; unset fields fall through to
// the query and then to the defaults (take 10, skip 0).
type Page struct {
	Take *int
	Skip *int
}

// PageResult is one window of data plus the total count of rows matching
// the filter. Total is independent of the window.
type PageResult[T any] struct {
	Data  []T   `json:"data"`
	Total int64 `json:"total"`
}

// Int returns a pointer to v, for literal Take/Skip values.
func Int(v int) *int {
	return &v
}

// resolveWindow applies the page > query > defaults precedence and clamps
// negative values to zero.
func resolveWindow(q Query, p Page) (take, skip int) {
	take = DefaultPageSize
	if q.Take != nil {
		take = *q.Take
	}
	if p.Take != nil {
		take = *p.Take
	}
	if take < 0 {
		take = 0
	}

	if q.Skip != nil {
		skip = *q.Skip
	}
	if p.Skip != nil {
		skip = *p.Skip
	}
	if skip < 0 {
		skip = 0
	}
	return take, skip
}
