package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	txKey    contextKey = "db_tx"
	hooksKey contextKey = "db_tx_hooks"
)

// Querier is the subset of pgx shared by pools, connections and transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// QuerierFrom picks the most specific handle available: the running
// transaction, then the tenant connection, then the pool.
func QuerierFrom(ctx context.Context, pool *pgxpool.Pool) Querier {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

// TxFromContext returns the transaction started by RunInTx, if any.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey).(pgx.Tx)
	return tx
}

// Transactor runs a function inside a single database transaction.
type Transactor interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type pgTransactor struct {
	pool *pgxpool.Pool
}

func NewTransactor(pool *pgxpool.Pool) Transactor {
	return &pgTransactor{pool: pool}
}

type commitHooks struct {
	fns []func()
}

func (h *commitHooks) run() {
	for _, fn := range h.fns {
		fn()
	}
}

// AfterCommit schedules fn to run once the outermost transaction in ctx has
// committed. It is dropped if the transaction rolls back. Outside a
// transaction fn runs immediately.
func AfterCommit(ctx context.Context, fn func()) {
	if h, ok := ctx.Value(hooksKey).(*commitHooks); ok {
		h.fns = append(h.fns, fn)
		return
	}
	fn()
}

// RunInTx begins a transaction on the tenant connection (or the pool when the
// context carries none) and commits it if fn returns nil. Nested calls join the
// outer transaction.
func (t *pgTransactor) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	var (
		tx  pgx.Tx
		err error
	)
	if c := ConnFromContext(ctx); c != nil {
		tx, err = c.Begin(ctx)
	} else {
		tx, err = t.pool.Begin(ctx)
	}
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	hooks := &commitHooks{}
	txCtx := context.WithValue(context.WithValue(ctx, txKey, tx), hooksKey, hooks)
	if err := fn(txCtx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	hooks.run()
	return nil
}

// NoopTransactor calls fn directly. Services use it in tests backed by
// in-memory repositories. AfterCommit hooks still wait for fn to succeed.
type NoopTransactor struct{}

func (NoopTransactor) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, nested := ctx.Value(hooksKey).(*commitHooks); nested {
		return fn(ctx)
	}
	hooks := &commitHooks{}
	if err := fn(context.WithValue(ctx, hooksKey, hooks)); err != nil {
		return err
	}
	hooks.run()
	return nil
}
