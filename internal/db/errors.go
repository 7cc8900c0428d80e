package db

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

// Kind classifies a database failure
type Kind string

const (
	KindConnection  Kind = "connection"
	KindQuery       Kind = "query"
	KindConstraint  Kind = "constraint"
	KindTransaction Kind = "transaction"
)

// Standard errors
var (
	ErrNotConnected     = errors.New("db: not connected")
	ErrAlreadyConnected = errors.New("db: already connected")
)

// Error is returned by every Client operation
type Error struct {
	Op    string
	Query string
	Kind  Kind
	Err   error
}

func (e *Error) Error() string {
	if e.Query != "" {
		return fmt.Sprintf("db: %s %q: %v", e.Op, e.Query, e.Err)
	}
	return fmt.Sprintf("db: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is an *Error of the given kind
func IsKind(err error, kind Kind) bool {
	var dbErr *Error
	return errors.As(err, &dbErr) && dbErr.Kind == kind
}

// wrapError builds an *Error, classifying driver errors
func wrapError(op, query string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Query: query, Kind: classify(err), Err: err}
}

func classify(err error) Kind {
	switch {
	case errors.Is(err, ErrNotConnected),
		errors.Is(err, driver.ErrBadConn),
		errors.Is(err, sql.ErrConnDone),
		errors.Is(err, mysql.ErrInvalidConn):
		return KindConnection
	case errors.Is(err, sql.ErrTxDone):
		return KindTransaction
	case IsConstraint(err):
		return KindConstraint
	default:
		return KindQuery
	}
}

// Error classification functions

// IsDuplicate checks if error is a duplicate key error
func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}

	// modernc.org/sqlite and wrapped errors only expose the message
	errMsg := err.Error()
	return strings.Contains(errMsg, "UNIQUE constraint failed") ||
		strings.Contains(errMsg, "duplicate key") ||
		strings.Contains(errMsg, "Duplicate entry")
}

// IsForeignKey checks if error is a foreign key error
func IsForeignKey(err error) bool {
	if err == nil {
		return false
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1451 || myErr.Number == 1452
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
	}

	errMsg := err.Error()
	return strings.Contains(errMsg, "FOREIGN KEY constraint failed") ||
		strings.Contains(errMsg, "foreign key constraint") ||
		strings.Contains(errMsg, "violates foreign key constraint")
}

// IsConstraint checks if error is any integrity constraint violation
func IsConstraint(err error) bool {
	if err == nil {
		return false
	}
	if IsDuplicate(err) || IsForeignKey(err) {
		return true
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		// 1048 column cannot be null, 3819 check constraint violated
		return myErr.Number == 1048 || myErr.Number == 3819
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "23")
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrConstraint
	}

	return strings.Contains(err.Error(), "constraint failed")
}
