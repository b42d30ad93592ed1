package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
)

// Conn is an open source or destination connection bound to its platform.
type Conn struct {
	name     string
	cfg      ConnectionConfig
	platform Platform
	db       *sql.DB
	capacity int
	closeFn  func()
}

// openConn opens and pings a connection. name is used in errors only.
func openConn(ctx context.Context, name string, cfg ConnectionConfig, role connRole) (*Conn, error) {
	p, err := platformFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	opened, err := p.Open(ctx, cfg, role)
	if err != nil {
		var me *MigrationError
		if errors.As(err, &me) {
			return nil, err
		}
		return nil, connectionError(name, err)
	}
	c := &Conn{
		name:     name,
		cfg:      cfg,
		platform: p,
		db:       opened.db,
		capacity: opened.capacity,
		closeFn:  opened.closeFn,
	}
	if err := c.db.PingContext(ctx); err != nil {
		c.Close()
		return nil, connectionError(name, err)
	}
	return c, nil
}

func (c *Conn) Close() error {
	err := c.db.Close()
	if c.closeFn != nil {
		c.closeFn()
	}
	return err
}

func (c *Conn) Platform() Platform { return c.platform }

// Capacity is the number of statements the connection can run at once, 0
// when the pool is unbounded.
func (c *Conn) Capacity() int { return c.capacity }

// Identity names the database behind the connection for cache keys. It
// never contains the password.
func (c *Conn) Identity() string {
	var target string
	switch {
	case c.platform.Name() == "sqlite":
		path := strings.TrimPrefix(firstNonEmpty(c.cfg.DSN, c.cfg.Database), "file:")
		if i := strings.IndexByte(path, '?'); i >= 0 {
			path = path[:i]
		}
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		target = path
	case c.cfg.DSN != "":
		target = redactDSN(c.cfg.DSN)
	default:
		target = firstNonEmpty(c.cfg.Host, "localhost")
		if c.cfg.Port > 0 {
			target += ":" + strconv.Itoa(c.cfg.Port)
		}
		if c.cfg.User != "" {
			target = c.cfg.User + "@" + target
		}
		target += "/" + c.cfg.Database
	}
	id := c.platform.Name() + "://" + target
	if c.cfg.Prefix != "" {
		id += "#prefix=" + c.cfg.Prefix
	}
	return id
}

// redactDSN drops the password from URL-style and MySQL-style DSNs.
func redactDSN(dsn string) string {
	if u, err := url.Parse(dsn); err == nil && u.Scheme != "" && u.Host != "" {
		if u.User != nil {
			u.User = url.User(u.User.Username())
		}
		q := u.Query()
		if q.Has("password") {
			q.Del("password")
			u.RawQuery = q.Encode()
		}
		return u.String()
	}
	if at := strings.LastIndexByte(dsn, '@'); at >= 0 {
		cred := dsn[:at]
		if i := strings.IndexByte(cred, ':'); i >= 0 {
			cred = cred[:i]
		}
		return cred + dsn[at:]
	}
	return dsn
}

func (c *Conn) Introspect(ctx context.Context) ([]Table, error) {
	return c.platform.Introspect(ctx, c.db, c.cfg)
}

func (c *Conn) SourceObjects(ctx context.Context) (*SourceObjects, error) {
	return c.platform.SourceObjects(ctx, c.db, c.cfg)
}

// Exec runs one statement outside any transaction.
func (c *Conn) Exec(ctx context.Context, stmt string) error {
	_, err := c.db.ExecContext(ctx, stmt)
	return err
}

func (c *Conn) ColumnListing(ctx context.Context, table string) ([]string, error) {
	return c.platform.ColumnListing(ctx, c.db, c.cfg, table)
}

// rowCursor walks the rows of one table. Values returns the current row
// aligned with the table's columns.
type rowCursor interface {
	Next() bool
	Values() ([]any, error)
	Err() error
	Close() error
}

// SelectOrdered opens a single streaming cursor over t ordered by its
// primary key. Tables without a key come back in whatever order the
// database chooses.
func (c *Conn) SelectOrdered(ctx context.Context, t Table) (rowCursor, error) {
	names := make([]string, len(t.Columns))
	for i, col := range t.Columns {
		names[i] = col.Name
	}
	query := fmt.Sprintf("SELECT %s FROM %s", quotedColumnList(c.platform, names), c.platform.QuoteIdentifier(t.Name))
	if len(t.PrimaryKey) > 0 {
		query += " ORDER BY " + quotedColumnList(c.platform, t.PrimaryKey)
	}
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	return &sqlRowCursor{rows: rows, cols: t.Columns, decode: c.platform.DecodeValue}, nil
}

type sqlRowCursor struct {
	rows   *sql.Rows
	cols   []Column
	decode func(Column, any) any
}

func (r *sqlRowCursor) Next() bool   { return r.rows.Next() }
func (r *sqlRowCursor) Err() error   { return r.rows.Err() }
func (r *sqlRowCursor) Close() error { return r.rows.Close() }

func (r *sqlRowCursor) Values() ([]any, error) {
	vals := make([]any, len(r.cols))
	ptrs := make([]any, len(r.cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := r.rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	for i, col := range r.cols {
		if vals[i] != nil {
			vals[i] = r.decode(col, vals[i])
		}
	}
	return vals, nil
}

// InsertBatch inserts rows in one transaction, splitting them over several
// statements when the platform's row or bind-parameter limits require it.
func (c *Conn) InsertBatch(ctx context.Context, table string, columns []string, rows [][]any) error {
	if len(rows) == 0 || len(columns) == 0 {
		return nil
	}
	perStmt := insertRowsPerStatement(c.platform, len(columns))

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	for start := 0; start < len(rows); start += perStmt {
		end := min(start+perStmt, len(rows))
		args := make([]any, 0, (end-start)*len(columns))
		for _, r := range rows[start:end] {
			args = append(args, r...)
		}
		if _, err := tx.ExecContext(ctx, c.platform.InsertSQL(table, columns, end-start), args...); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func insertRowsPerStatement(p Platform, columns int) int {
	n := p.MaxRowsPerInsert()
	if byParams := p.MaxParams() / columns; byParams < n {
		n = byParams
	}
	return max(n, 1)
}

// ResetIdentity realigns the identity generator of table.column with the
// copied data on platforms that need it. It reports whether anything ran.
func (c *Conn) ResetIdentity(ctx context.Context, table, column string) (bool, error) {
	r, ok := c.platform.(identityResetter)
	if !ok {
		return false, nil
	}
	return true, r.ResetIdentity(ctx, c.db, table, column)
}
