package db

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"github.com/livinlefevreloca/cmdguard/tools/migrator"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
	_ "modernc.org/sqlite"             // registers "sqlite"
)

// Client owns a single live connection. Reads run on the connection (or
// inside the pending transaction); writes always run inside a transaction
// that is committed right away unless the caller opts out of autocommit.
//
// A Client is not safe for concurrent use.
type Client struct {
	logger *slog.Logger
	driver string
	db     *sql.DB
	conn   *sql.Conn
	tx     *sql.Tx
}

// ExecOption configures a mutating call
type ExecOption func(*execOptions)

type execOptions struct {
	autocommit bool
}

// WithoutAutocommit leaves the transaction open; the caller must Commit or
// Rollback later
func WithoutAutocommit() ExecOption {
	return func(o *execOptions) {
		o.autocommit = false
	}
}

// WithAutocommit sets the transaction mode explicitly
func WithAutocommit(autocommit bool) ExecOption {
	return func(o *execOptions) {
		o.autocommit = autocommit
	}
}

// NewClient creates a disconnected client
func NewClient(logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{logger: logger}
}

// Connect opens the single connection described by cfg and applies
// pending migrations when cfg.MigrationsDir is set
func (c *Client) Connect(ctx context.Context, cfg Config) error {
	if c.conn != nil {
		return &Error{Op: "connect", Kind: KindConnection, Err: ErrAlreadyConnected}
	}
	if err := cfg.Validate(); err != nil {
		return &Error{Op: "connect", Kind: KindConnection, Err: err}
	}

	handle, err := sql.Open(cfg.sqlDriver(), cfg.FormatDSN())
	if err != nil {
		return &Error{Op: "connect", Kind: KindConnection, Err: err}
	}
	// one connection, never pooled
	handle.SetMaxOpenConns(1)
	handle.SetMaxIdleConns(1)

	connectCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	if err := handle.PingContext(connectCtx); err != nil {
		handle.Close()
		return &Error{Op: "connect", Kind: KindConnection, Err: err}
	}

	conn, err := handle.Conn(connectCtx)
	if err != nil {
		handle.Close()
		return &Error{Op: "connect", Kind: KindConnection, Err: err}
	}

	// Enable foreign key constraints for SQLite
	if cfg.Driver == DriverSQLite3 || cfg.Driver == DriverSQLite {
		if _, err := conn.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			conn.Close()
			handle.Close()
			return &Error{Op: "connect", Kind: KindConnection, Err: err}
		}
	}

	if cfg.MigrationsDir != "" {
		if err := migrator.Run(ctx, conn, cfg.Driver, cfg.MigrationsDir); err != nil {
			conn.Close()
			handle.Close()
			return &Error{Op: "migrate", Kind: KindQuery, Err: err}
		}
	}

	c.driver = cfg.Driver
	c.db = handle
	c.conn = conn

	c.logger.Debug("database connected", "driver", cfg.Driver, "host", cfg.Host, "db", cfg.Database)
	return nil
}

// Disconnect closes the connection. A pending transaction is rolled back
// first. Calling it on a disconnected client does nothing.
func (c *Client) Disconnect() error {
	if c.conn == nil {
		return nil
	}

	var errs []error
	if c.tx != nil {
		if err := c.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			errs = append(errs, err)
		}
		c.tx = nil
		c.logger.Warn("rolled back uncommitted transaction on disconnect")
	}
	if err := c.conn.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.db.Close(); err != nil {
		errs = append(errs, err)
	}

	c.conn = nil
	c.db = nil

	c.logger.Debug("database disconnected", "driver", c.driver)
	if err := errors.Join(errs...); err != nil {
		return &Error{Op: "disconnect", Kind: KindConnection, Err: err}
	}
	return nil
}

// Connected reports whether Connect succeeded and Disconnect was not called
func (c *Client) Connected() bool {
	return c.conn != nil
}

// InTransaction reports whether uncommitted writes are pending
func (c *Client) InTransaction() bool {
	return c.tx != nil
}

// Driver returns the database driver name
func (c *Client) Driver() string {
	return c.driver
}

// Select runs a read and returns all rows
func (c *Client) Select(ctx context.Context, q Query) ([]Row, error) {
	if c.conn == nil {
		return nil, &Error{Op: "select", Query: q.SQL, Kind: KindConnection, Err: ErrNotConnected}
	}

	query := Rebind(c.driver, q.SQL)

	var rows *sql.Rows
	var err error
	if c.tx != nil {
		rows, err = c.tx.QueryContext(ctx, query, q.Args...)
	} else {
		rows, err = c.conn.QueryContext(ctx, query, q.Args...)
	}
	if err != nil {
		return nil, wrapError("select", q.SQL, err)
	}
	defer rows.Close()

	result, err := scanRows(rows)
	if err != nil {
		return nil, wrapError("select", q.SQL, err)
	}
	return result, nil
}

// Insert runs an INSERT and returns the number of affected rows
func (c *Client) Insert(ctx context.Context, q Query, opts ...ExecOption) (int64, error) {
	return c.mutate(ctx, "insert", q, opts)
}

// Update runs an UPDATE and returns the number of affected rows
func (c *Client) Update(ctx context.Context, q Query, opts ...ExecOption) (int64, error) {
	return c.mutate(ctx, "update", q, opts)
}

// Delete runs a DELETE and returns the number of affected rows
func (c *Client) Delete(ctx context.Context, q Query, opts ...ExecOption) (int64, error) {
	return c.mutate(ctx, "delete", q, opts)
}

// mutate executes a statement inside the pending transaction, opening one
// if needed, and commits it when autocommit is on. When an autocommit
// statement fails in a transaction it opened itself, that transaction is
// rolled back. A transaction the caller already had open is left for the
// caller to finish.
func (c *Client) mutate(ctx context.Context, op string, q Query, opts []ExecOption) (int64, error) {
	o := execOptions{autocommit: true}
	for _, opt := range opts {
		opt(&o)
	}

	if c.conn == nil {
		return 0, &Error{Op: op, Query: q.SQL, Kind: KindConnection, Err: ErrNotConnected}
	}

	opened := false
	if c.tx == nil {
		tx, err := c.conn.BeginTx(ctx, nil)
		if err != nil {
			return 0, &Error{Op: op, Query: q.SQL, Kind: KindTransaction, Err: err}
		}
		c.tx = tx
		opened = true
	}

	// a failing autocommit call must not leave its own transaction behind
	rollback := opened && o.autocommit

	res, err := c.tx.ExecContext(ctx, Rebind(c.driver, q.SQL), q.Args...)
	if err != nil {
		return 0, c.abort(rollback, wrapError(op, q.SQL, err))
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, c.abort(rollback, wrapError(op, q.SQL, err))
	}

	if o.autocommit {
		if err := c.Commit(); err != nil {
			return affected, err
		}
	}
	return affected, nil
}

// abort rolls back the pending transaction when rollback is set and
// returns err
func (c *Client) abort(rollback bool, err error) error {
	if !rollback {
		return err
	}
	if rbErr := c.Rollback(); rbErr != nil {
		return errors.Join(err, rbErr)
	}
	return err
}

// Commit commits the pending transaction, if any
func (c *Client) Commit() error {
	if c.conn == nil {
		return &Error{Op: "commit", Kind: KindConnection, Err: ErrNotConnected}
	}
	if c.tx == nil {
		return nil
	}

	err := c.tx.Commit()
	c.tx = nil
	if err != nil {
		return &Error{Op: "commit", Kind: KindTransaction, Err: err}
	}
	return nil
}

// Rollback discards the pending transaction, if any
func (c *Client) Rollback() error {
	if c.conn == nil {
		return &Error{Op: "rollback", Kind: KindConnection, Err: ErrNotConnected}
	}
	if c.tx == nil {
		return nil
	}

	err := c.tx.Rollback()
	c.tx = nil
	if err != nil {
		return &Error{Op: "rollback", Kind: KindTransaction, Err: err}
	}
	return nil
}

// WithTransaction executes fn and then commits; it rolls back when fn
// returns an error or panics. Writes inside fn must use WithoutAutocommit.
func (c *Client) WithTransaction(fn func() error) error {
	if c.conn == nil {
		return &Error{Op: "transaction", Kind: KindConnection, Err: ErrNotConnected}
	}

	// Make sure we make a best effort to rollback on panic
	defer func() {
		if p := recover(); p != nil {
			c.Rollback()
			panic(p)
		}
	}()

	if err := fn(); err != nil {
		if rbErr := c.Rollback(); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}

	return c.Commit()
}
