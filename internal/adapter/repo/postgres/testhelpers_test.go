package postgres_test

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// rowStub implements pgx.Row.
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

func errRow(err error) rowStub {
	return rowStub{scan: func(_ ...any) error { return err }}
}

// rowsStub implements pgx.Rows over a fixed slice of scan functions.
type rowsStub struct {
	scans []func(dest ...any) error
	i     int
	err   error
}

func (r *rowsStub) Close()                                       {}
func (r *rowsStub) Err() error                                   { return r.err }
func (r *rowsStub) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *rowsStub) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *rowsStub) Next() bool {
	if r.i >= len(r.scans) {
		return false
	}
	return true
}
func (r *rowsStub) Scan(dest ...any) error {
	fn := r.scans[r.i]
	r.i++
	return fn(dest...)
}
func (r *rowsStub) Values() ([]any, error)    { return nil, nil }
func (r *rowsStub) RawValues() [][]byte       { return nil }
func (r *rowsStub) Conn() *pgx.Conn           { return nil }

// txStub implements pgx.Tx, exercising only Exec/Commit/Rollback.
type txStub struct {
	execErr    error
	commitErr  error
	rolledBack bool
	committed  bool
	execSQLs   []string
}

func (t *txStub) Begin(context.Context) (pgx.Tx, error) { return nil, errors.New("not stubbed") }
func (t *txStub) Commit(context.Context) error {
	t.committed = true
	return t.commitErr
}
func (t *txStub) Rollback(context.Context) error {
	if t.committed {
		return pgx.ErrTxClosed
	}
	t.rolledBack = true
	return nil
}
func (t *txStub) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not stubbed")
}
func (t *txStub) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *txStub) LargeObjects() pgx.LargeObjects                        { return pgx.LargeObjects{} }
func (t *txStub) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not stubbed")
}
func (t *txStub) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	t.execSQLs = append(t.execSQLs, sql)
	return pgconn.CommandTag{}, t.execErr
}
func (t *txStub) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not stubbed")
}
func (t *txStub) QueryRow(context.Context, string, ...any) pgx.Row { return nil }
func (t *txStub) Conn() *pgx.Conn                                  { return nil }

// poolStub implements postgres.PgxPool for tests.
type poolStub struct {
	execErr   error
	execTag   pgconn.CommandTag
	row       pgx.Row
	rows      pgx.Rows
	rowsErr   error
	tx        *txStub
	beginErr  error
}

func (p *poolStub) Exec(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
	return p.execTag, p.execErr
}

func (p *poolStub) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	if p.row == nil {
		return errRow(errors.New("no row configured"))
	}
	return p.row
}

func (p *poolStub) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	return p.rows, p.rowsErr
}

func (p *poolStub) BeginTx(_ context.Context, _ pgx.TxOptions) (pgx.Tx, error) {
	if p.beginErr != nil {
		return nil, p.beginErr
	}
	if p.tx == nil {
		p.tx = &txStub{}
	}
	return p.tx, nil
}
