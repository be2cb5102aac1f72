package postgres

import (
	"context"
	"fmt"
	"math/rand"
	"slices"

	sq "github.com/Masterminds/squirrel"
	"golang.org/x/sync/errgroup"

	"pgext/pkg/apperror"
	"pgext/pkg/logger"
)

// Capabilities is the set of extra operations attached to one data model:
// random sampling, offset pagination with total count, existence checks and
// not-found-tolerant mutations. It embeds the model's query gateway, so the
// plain boundary operations stay available through the same value.
type Capabilities[T any] struct {
	Gateway[T]

	name     string
	idColumn string
	log      *logger.Logger

	// randInt draws a uniform value from [0, n); replaceable in tests.
	randInt func(n int64) int64
}

// NewCapabilities attaches the capability set to a gateway. name identifies
// the model in the registry; idColumn is the "db" tag of the identifier
// field, used to exclude already drawn rows.
func NewCapabilities[T any](name string, gw Gateway[T], idColumn string) *Capabilities[T] {
	return &Capabilities[T]{
		Gateway:  gw,
		name:     name,
		idColumn: idColumn,
		log:      logger.Default().WithComponent("capabilities").With("model", name),
		randInt:  rand.Int63n,
	}
}

// Capabilities builds the capability set for this model.
func (m *Model[T]) Capabilities() *Capabilities[T] {
	return NewCapabilities[T](m.table, m, m.idColumn)
}

// Name returns the model name the capability set is registered under.
func (c *Capabilities[T]) Name() string {
	return c.name
}

// WithLogger replaces the diagnostic logger.
func (c *Capabilities[T]) WithLogger(log *logger.Logger) *Capabilities[T] {
	c.log = log
	return c
}

// Exists reports whether any row matches where.
func (c *Capabilities[T]) Exists(ctx context.Context, where sq.Sqlizer) (bool, error) {
	count, err := c.Count(ctx, where)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// FindRandom returns one row drawn uniformly from the rows matching where,
// or nil when none match. The draw skips a random offset under the
// collection's natural order; repeated calls are only as stable as that
// order is.
func (c *Capabilities[T]) FindRandom(ctx context.Context, where sq.Sqlizer) (*T, error) {
	total, err := c.Count(ctx, where)
	if err != nil {
		return nil, err
	}
	if total == 0 {
		return nil, nil
	}
	return c.FindFirst(ctx, Query{Where: where, Skip: Int(int(c.randInt(total)))})
}

// RandomOptions narrows a FindManyRandom call.
type RandomOptions struct {
	Where   sq.Sqlizer
	Columns []string
}

// FindManyRandom draws up to count rows matching opts.Where without
// replacement. Each draw is uniform over the rows not yet drawn in this
// call; draws are strictly sequential because every draw's filter depends on
// the identifiers collected so far.
//
// The result holds no duplicate identifiers and its length is bounded by
// both count and the population size. If a row vanishes between the initial
// count and a draw (concurrent mutation), the call logs a diagnostic and
// returns what it has collected instead of failing.
func (c *Capabilities[T]) FindManyRandom(ctx context.Context, count int, opts RandomOptions) ([]T, error) {
	results := []T{}
	if count <= 0 {
		return results, nil
	}

	remaining, err := c.Count(ctx, opts.Where)
	if err != nil {
		return nil, err
	}

	cols := opts.Columns
	if len(cols) > 0 && !slices.Contains(cols, c.idColumn) {
		// The identifier is needed for the exclusion set.
		cols = append(slices.Clone(cols), c.idColumn)
	}

	var excluded []any
	for i := 0; i < count && remaining > 0; i++ {
		q := Query{
			Where:   c.excludeDrawn(opts.Where, excluded),
			Columns: cols,
			Skip:    Int(int(c.randInt(remaining))),
		}

		row, err := c.FindFirst(ctx, q)
		if err != nil {
			return nil, err
		}
		if row == nil {
			// Population shrank underneath us; keep the partial result.
			c.log.Warnw("random draw returned no row, returning partial result",
				"collected", len(results), "requested", count)
			break
		}

		id, err := c.identifierOf(row)
		if err != nil {
			return nil, err
		}

		results = append(results, *row)
		excluded = append(excluded, id)
		remaining--
	}

	return results, nil
}

// excludeDrawn augments where with "identifier not in excluded".
func (c *Capabilities[T]) excludeDrawn(where sq.Sqlizer, excluded []any) sq.Sqlizer {
	if len(excluded) == 0 {
		return where
	}
	notDrawn := sq.NotEq{c.idColumn: excluded}
	if where == nil {
		return notDrawn
	}
	return sq.And{where, notDrawn}
}

// identifierOf extracts the identifier column value from a row via its
// "db" tags.
func (c *Capabilities[T]) identifierOf(row *T) (any, error) {
	vals := StructToMap(row)
	id, ok := vals[c.idColumn]
	if !ok {
		return nil, apperror.NewInternal(
			fmt.Errorf("model %s has no %q db tag", c.name, c.idColumn))
	}
	return id, nil
}

// Paginate returns one window of rows plus the total count of rows matching
// the filter. Take/skip resolution: explicit page field, then the query's
// own field, then the defaults (take 10, skip 0); negatives clamp to zero.
//
// Outside a transaction the data fetch and the count run concurrently; a
// mutation landing between them can make Total and Data slightly
// inconsistent, which is accepted. Inside a transaction the two queries run
// sequentially on the transaction's connection.
func (c *Capabilities[T]) Paginate(ctx context.Context, q Query, page Page) (PageResult[T], error) {
	take, skip := resolveWindow(q, page)

	windowed := q
	windowed.Take = Int(take)
	windowed.Skip = Int(skip)

	var res PageResult[T]

	if c.InTransaction(ctx) {
		data, err := c.FindMany(ctx, windowed)
		if err != nil {
			return PageResult[T]{}, err
		}
		total, err := c.Count(ctx, q.Where)
		if err != nil {
			return PageResult[T]{}, err
		}
		res.Data, res.Total = data, total
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			data, err := c.FindMany(gctx, windowed)
			if err != nil {
				return err
			}
			res.Data = data
			return nil
		})
		g.Go(func() error {
			total, err := c.Count(gctx, q.Where)
			if err != nil {
				return err
			}
			res.Total = total
			return nil
		})
		if err := g.Wait(); err != nil {
			return PageResult[T]{}, err
		}
	}

	if res.Data == nil {
		res.Data = []T{}
	}
	return res, nil
}

// UpdateIgnoreNotFound updates the matching row and returns it, or (nil,
// nil) when the target does not exist. Any other failure propagates
// unchanged.
func (c *Capabilities[T]) UpdateIgnoreNotFound(ctx context.Context, where sq.Sqlizer, set map[string]any) (*T, error) {
	row, err := c.Update(ctx, where, set)
	if apperror.IsNotFound(err) {
		return nil, nil
	}
	return row, err
}

// DeleteIgnoreNotFound deletes the matching row and returns it, or (nil,
// nil) when the target does not exist. Any other failure propagates
// unchanged.
func (c *Capabilities[T]) DeleteIgnoreNotFound(ctx context.Context, where sq.Sqlizer) (*T, error) {
	row, err := c.Delete(ctx, where)
	if apperror.IsNotFound(err) {
		return nil, nil
	}
	return row, err
}
