package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// errNoRows is returned by row scans of both backends when nothing matched
var errNoRows = errors.New("no rows in result set")

type row interface {
	Scan(dest ...any) error
}

type rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// conn is the slice of a database handle the repository needs.
// pgxpool and database/sql are adapted onto it.
type conn interface {
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	QueryRow(ctx context.Context, query string, args ...any) row
	Query(ctx context.Context, query string, args ...any) (rows, error)
	Ping(ctx context.Context) error
}

type pgxConn struct {
	pool *pgxpool.Pool
}

func (c pgxConn) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := c.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (c pgxConn) QueryRow(ctx context.Context, query string, args ...any) row {
	return pgxRow{row: c.pool.QueryRow(ctx, query, args...)}
}

func (c pgxConn) Query(ctx context.Context, query string, args ...any) (rows, error) {
	r, err := c.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (c pgxConn) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

type pgxRow struct {
	row pgx.Row
}

func (r pgxRow) Scan(dest ...any) error {
	err := r.row.Scan(dest...)
	if errors.Is(err, pgx.ErrNoRows) {
		return errNoRows
	}
	return err
}

type sqlConn struct {
	db *sql.DB
}

func (c sqlConn) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (c sqlConn) QueryRow(ctx context.Context, query string, args ...any) row {
	return sqlRow{row: c.db.QueryRowContext(ctx, query, args...)}
}

func (c sqlConn) Query(ctx context.Context, query string, args ...any) (rows, error) {
	r, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return sqlRows{Rows: r}, nil
}

func (c sqlConn) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

type sqlRow struct {
	row *sql.Row
}

func (r sqlRow) Scan(dest ...any) error {
	err := r.row.Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return errNoRows
	}
	return err
}

type sqlRows struct {
	*sql.Rows
}

func (r sqlRows) Close() {
	_ = r.Rows.Close()
}
