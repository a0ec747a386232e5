package store

import (
	"context"
	"database/sql"
)

// DBTX is satisfied by both *DB and the transaction handle passed to RunInTx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type tx struct {
	tx      *sql.Tx
	dialect Dialect
}

func (t tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.dialect.Rebind(query), args...)
}

func (t tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.dialect.Rebind(query), args...)
}

func (t tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.dialect.Rebind(query), args...)
}

// RunInTx runs fn in a transaction. It commits when fn returns nil and rolls
// back otherwise. fn must use only the handle it is given.
func (d *DB) RunInTx(ctx context.Context, opts *sql.TxOptions, fn func(ctx context.Context, q DBTX) error) error {
	sqlTx, err := d.Client.BeginTx(ctx, opts)
	if err != nil {
		return err
	}
	if err := fn(ctx, tx{tx: sqlTx, dialect: d.Dialect}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	return sqlTx.Commit()
}

// ReadOnly runs fn in a read-only transaction.
func (d *DB) ReadOnly(ctx context.Context, fn func(ctx context.Context, q DBTX) error) error {
	return d.RunInTx(ctx, &sql.TxOptions{ReadOnly: true}, fn)
}
