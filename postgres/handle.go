package postgres

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/jackc/pgx/v5"

	"pgext/pkg/apperror"
)

// errDeliberateRollback is the sentinel used to signal a planned abort
// through the scoped transaction primitive. It is matched by identity and
// never leaves this package: the controller translates it into a normal
// completion before the caller sees anything.
var errDeliberateRollback = errors.New("pgext: deliberate rollback")

// TxHandle is an externally controlled transaction. It is produced by
// TxManager.Begin and stays open until exactly one of Commit or Rollback is
// called. The holder exclusively owns that decision; the handle owns the
// plumbing that connects it to the underlying transaction.
//
// An undecided handle keeps its transaction, and any database-level locks it
// acquired, open indefinitely. There is no automatic timeout: reaching a
// decision is the caller's responsibility, typically via defer Rollback.
type TxHandle struct {
	// txCtx carries the live transaction; written once before ready closes.
	txCtx context.Context

	ready    chan struct{}
	decision chan error

	decided atomic.Bool

	// err is the final outcome; valid after done closes.
	err  error
	done chan struct{}
}

// Begin opens a transaction whose commit/rollback decision is made later,
// from code that is not lexically inside a transaction callback. It blocks
// until the transaction has actually started.
//
// The supplied context governs the whole lifetime of the transaction, not
// just Begin itself: cancelling it after Begin returns will fail the
// eventual commit.
func (m *TxManager) Begin(ctx context.Context) (*TxHandle, error) {
	return m.BeginWithOptions(ctx, DefaultTxOptions())
}

// BeginWithOptions is Begin with custom transaction options.
func (m *TxManager) BeginWithOptions(ctx context.Context, opts TxOptions) (*TxHandle, error) {
	if !m.supportsTx {
		return nil, apperror.NewUnsupported("transactions")
	}

	h := &TxHandle{
		ready:    make(chan struct{}),
		decision: make(chan error, 1),
		done:     make(chan struct{}),
	}

	// Bridge the scoped primitive: the callback publishes its transactional
	// context, then blocks on the decision channel. Whatever the holder
	// decides becomes the callback's return value, which is what keeps the
	// underlying transaction open until then.
	go func() {
		err := m.RunInTransactionWithOptions(ctx, opts, func(txCtx context.Context) error {
			h.txCtx = txCtx
			close(h.ready)
			return <-h.decision
		})
		if errors.Is(err, errDeliberateRollback) {
			// Planned abort: the database transaction was rolled back, but
			// from the holder's perspective everything went as requested.
			err = nil
		}
		h.err = err
		close(h.done)
	}()

	select {
	case <-h.ready:
		return h, nil
	case <-h.done:
		// The transaction failed before the callback ran (begin error,
		// statement timeout setup, cancelled context).
		if h.err != nil {
			return nil, h.err
		}
		return nil, apperror.NewInternal(errors.New("transaction finished before it started"))
	}
}

// Context returns the transactional context. Model operations invoked with
// it are routed to this transaction by GetQuerier.
func (h *TxHandle) Context() context.Context {
	return h.txCtx
}

// Querier returns the transaction-scoped querier.
func (h *TxHandle) Querier() Querier {
	if tx, ok := h.txCtx.Value(txKey{}).(*Tx); ok {
		return tx.Tx
	}
	return nil
}

// Commit resolves the pending decision as commit and waits for the
// underlying transaction to finish. On success all writes made through the
// handle are durable.
//
// The decision is single-shot and strict: calling Commit or Rollback on an
// already decided handle returns pgx.ErrTxClosed rather than being a no-op.
func (h *TxHandle) Commit(ctx context.Context) error {
	if err := h.decide(nil); err != nil {
		return err
	}
	return h.Wait(ctx)
}

// Rollback resolves the pending decision as a deliberate abort and waits for
// the underlying transaction to finish. A clean rollback returns nil; the
// internal abort marker is consumed here and never surfaces.
//
// Same single-shot semantics as Commit.
func (h *TxHandle) Rollback(ctx context.Context) error {
	if err := h.decide(errDeliberateRollback); err != nil {
		return err
	}
	return h.Wait(ctx)
}

// Wait blocks until the underlying transaction has fully completed and
// returns its final outcome. It may be called by any number of goroutines,
// before or after the decision is made.
func (h *TxHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *TxHandle) decide(outcome error) error {
	if !h.decided.CompareAndSwap(false, true) {
		return pgx.ErrTxClosed
	}
	h.decision <- outcome
	return nil
}
