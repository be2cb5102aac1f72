package postgres

import (
	"context"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"pgext/pkg/apperror"
)

// Gateway is the query boundary the capability layer builds on. Model is the
// production implementation; tests substitute a fake.
type Gateway[T any] interface {
	// Count returns the number of rows matching where (nil matches all).
	Count(ctx context.Context, where sq.Sqlizer) (int64, error)

	// FindFirst fetches one row after skipping q.Skip matches, or nil when
	// there is none.
	FindFirst(ctx context.Context, q Query) (*T, error)

	// FindMany fetches the rows selected by q.
	FindMany(ctx context.Context, q Query) ([]T, error)

	// Update applies set to the first matching row and returns it. Fails
	// with apperror.CodeNotFound when no row matches.
	Update(ctx context.Context, where sq.Sqlizer, set map[string]any) (*T, error)

	// Delete removes the matching rows and returns the first removed one.
	// Fails with apperror.CodeNotFound when no row matches.
	Delete(ctx context.Context, where sq.Sqlizer) (*T, error)

	// InTransaction reports whether ctx carries an open transaction.
	InTransaction(ctx context.Context) bool
}

// Compile-time check that Model implements the Gateway boundary.
var _ Gateway[struct{}] = (*Model[struct{}])(nil)

// Model is the per-table query gateway. Queries are built with squirrel,
// scanned with pgxscan, and routed through the TxManager so the same model
// works inside and outside transactions.
//
// T must be a struct whose fields carry "db" tags naming the table columns.
type Model[T any] struct {
	txm      *TxManager
	table    string
	idColumn string
	columns  []string
}

// NewModel creates a model for table. Column names are derived from T's
// "db" tags; the identifier column defaults to "id".
func NewModel[T any](txm *TxManager, table string) *Model[T] {
	return &Model[T]{
		txm:      txm,
		table:    table,
		idColumn: "id",
		columns:  ExtractDBColumns[T](),
	}
}

// WithIDColumn overrides the identifier column used for sampling exclusion.
func (m *Model[T]) WithIDColumn(col string) *Model[T] {
	m.idColumn = col
	return m
}

// Table returns the table name.
func (m *Model[T]) Table() string {
	return m.table
}

// Builder returns a new squirrel builder with PostgreSQL placeholder format.
func (m *Model[T]) Builder() sq.StatementBuilderType {
	return sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
}

func (m *Model[T]) baseSelect(cols []string) sq.SelectBuilder {
	if len(cols) == 0 {
		cols = m.columns
	}
	return m.Builder().Select(cols...).From(m.table)
}

func withFilter(b sq.SelectBuilder, where sq.Sqlizer) sq.SelectBuilder {
	if where != nil {
		b = b.Where(where)
	}
	return b
}

// InTransaction reports whether ctx carries an open transaction.
func (m *Model[T]) InTransaction(ctx context.Context) bool {
	return m.txm.GetTx(ctx) != nil
}

// Count returns the number of rows matching where.
func (m *Model[T]) Count(ctx context.Context, where sq.Sqlizer) (int64, error) {
	q := withFilter(m.Builder().Select("COUNT(*)").From(m.table), where)

	sql, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count: %w", err)
	}

	var count int64
	querier := m.txm.GetQuerier(ctx)
	if err := querier.QueryRow(ctx, sql, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count %s: %w", m.table, err)
	}
	return count, nil
}

// FindFirst fetches one row after skipping q.Skip matches under q.Where.
// An empty result is not an error: (nil, nil) is returned.
func (m *Model[T]) FindFirst(ctx context.Context, q Query) (*T, error) {
	b := withFilter(m.baseSelect(q.Columns), q.Where)
	for _, ord := range q.OrderBy {
		b = b.OrderBy(ord)
	}
	if q.Skip != nil && *q.Skip > 0 {
		b = b.Offset(uint64(*q.Skip))
	}
	b = b.Limit(1)

	sql, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var row T
	querier := m.txm.GetQuerier(ctx)
	if err := pgxscan.Get(ctx, querier, &row, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("find first %s: %w", m.table, err)
	}
	return &row, nil
}

// FindMany fetches the rows selected by q.
func (m *Model[T]) FindMany(ctx context.Context, q Query) ([]T, error) {
	b := withFilter(m.baseSelect(q.Columns), q.Where)
	for _, ord := range q.OrderBy {
		b = b.OrderBy(ord)
	}
	if q.Skip != nil && *q.Skip > 0 {
		b = b.Offset(uint64(*q.Skip))
	}
	if q.Take != nil && *q.Take > 0 {
		b = b.Limit(uint64(*q.Take))
	}

	sql, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var rows []T
	querier := m.txm.GetQuerier(ctx)
	if err := pgxscan.Select(ctx, querier, &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("find many %s: %w", m.table, err)
	}
	return rows, nil
}

// Create inserts a new entity using its "db" tags.
func (m *Model[T]) Create(ctx context.Context, entity T) error {
	data := StructToMap(entity)
	if len(data) == 0 {
		return fmt.Errorf("no db tags found in entity")
	}

	q := m.Builder().
		Insert(m.table).
		SetMap(data)

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	querier := m.txm.GetQuerier(ctx)
	if _, err := querier.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert %s: %w", m.table, err)
	}
	return nil
}

// Update applies set to the matching row and returns the updated row.
// A missing target fails with apperror.CodeNotFound.
func (m *Model[T]) Update(ctx context.Context, where sq.Sqlizer, set map[string]any) (*T, error) {
	if where == nil {
		return nil, apperror.NewInternal(fmt.Errorf("update %s without filter", m.table))
	}

	q := m.Builder().
		Update(m.table).
		SetMap(set).
		Where(where).
		Suffix("RETURNING " + strings.Join(m.columns, ", "))

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build update: %w", err)
	}

	var row T
	querier := m.txm.GetQuerier(ctx)
	if err := pgxscan.Get(ctx, querier, &row, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, apperror.NewNotFound(m.table, filterText(where))
		}
		return nil, fmt.Errorf("update %s: %w", m.table, err)
	}
	return &row, nil
}

// Delete removes the matching row and returns it.
// A missing target fails with apperror.CodeNotFound.
func (m *Model[T]) Delete(ctx context.Context, where sq.Sqlizer) (*T, error) {
	if where == nil {
		return nil, apperror.NewInternal(fmt.Errorf("delete %s without filter", m.table))
	}

	q := m.Builder().
		Delete(m.table).
		Where(where).
		Suffix("RETURNING " + strings.Join(m.columns, ", "))

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build delete: %w", err)
	}

	var row T
	querier := m.txm.GetQuerier(ctx)
	if err := pgxscan.Get(ctx, querier, &row, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, apperror.NewNotFound(m.table, filterText(where))
		}
		return nil, fmt.Errorf("delete %s: %w", m.table, err)
	}
	return &row, nil
}

// filterText renders a filter for error details.
func filterText(where sq.Sqlizer) string {
	if where == nil {
		return ""
	}
	sql, _, err := where.ToSql()
	if err != nil {
		return fmt.Sprintf("%v", where)
	}
	return sql
}
