package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of pgx shared by pools, connections and transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// DB is satisfied by *pgxpool.Pool and by pgxmock pools in tests.
type DB interface {
	Querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

type contextKey string

const (
	txKey    contextKey = "db_tx"
	hooksKey contextKey = "db_commit_hooks"
)

type commitHooks struct {
	fns []func()
}

// TxFromContext returns the transaction stored by WithTx, if any.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey).(pgx.Tx)
	return tx
}

// Conn returns the transaction carried by ctx or falls back to d.
func Conn(ctx context.Context, d DB) Querier {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	return d
}

// AfterCommit defers fn until the transaction carried by ctx has committed.
// Without a transaction fn runs immediately. On rollback fn never runs.
func AfterCommit(ctx context.Context, fn func()) {
	if h, ok := ctx.Value(hooksKey).(*commitHooks); ok {
		h.fns = append(h.fns, fn)
		return
	}
	fn()
}

// WithTx runs fn inside a transaction. Repositories called with the
// derived context join the transaction through Conn. Nested calls reuse the
// outer transaction.
func WithTx(ctx context.Context, d DB, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx, err := d.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	hooks := &commitHooks{}
	txCtx := context.WithValue(context.WithValue(ctx, txKey, tx), hooksKey, hooks)
	if err := fn(txCtx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	for _, h := range hooks.fns {
		h()
	}
	return nil
}

// Transactor runs a unit of work atomically.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// TxRunner is the Postgres Transactor.
type TxRunner struct {
	db DB
}

func NewTxRunner(d DB) *TxRunner {
	return &TxRunner{db: d}
}

func (r *TxRunner) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return WithTx(ctx, r.db, fn)
}
