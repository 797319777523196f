package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrConfiguration means no store address was supplied.
	ErrConfiguration = errors.New("database host not configured")
	// ErrStoreUnavailable is returned once the retry budget is spent or when
	// an operation needs the pool while it is not ready.
	ErrStoreUnavailable = errors.New("database store unavailable")
	// ErrPoolExhausted means no pooled connection was free within the wait timeout.
	ErrPoolExhausted = errors.New("database connection pool exhausted")
)

// IsUnavailable reports whether err is a transient, network-class failure
// that says something about pool health rather than about the data.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrStoreUnavailable),
		errors.Is(err, ErrPoolExhausted),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, driver.ErrBadConn),
		errors.Is(err, sql.ErrConnDone),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return true
	}

	if pgconn.Timeout(err) {
		return true
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return isUnavailableCode(pgErr.Code)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	if strings.Contains(err.Error(), "sql: database is closed") {
		return true
	}

	return false
}

func isUnavailableCode(code string) bool {
	// class 08: connection exception
	if strings.HasPrefix(code, "08") {
		return true
	}
	switch code {
	case "57P01", // admin_shutdown
		"57P02", // crash_shutdown
		"57P03", // cannot_connect_now
		"57014", // query_canceled, raised when statement_timeout fires
		"53300": // too_many_connections
		return true
	}
	return false
}

// IsDuplicateObject reports the narrow race where another instance created
// the same database, table, index or row first.
func IsDuplicateObject(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "42P04", // duplicate_database
		"42P07", // duplicate_table
		"42710", // duplicate_object
		"23505": // unique_violation on the catalog
		return true
	}
	return false
}
