package database

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestIsUnavailable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"refused", fmt.Errorf("insert: %w", refused()), true},
		{"deadline", context.DeadlineExceeded, true},
		{"bad conn", driver.ErrBadConn, true},
		{"pool exhausted", fmt.Errorf("%w: waited", ErrPoolExhausted), true},
		{"connection exception", &pgconn.PgError{Code: "08006"}, true},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, true},
		{"too many connections", &pgconn.PgError{Code: "53300"}, true},
		{"statement timeout", &pgconn.PgError{Code: "57014", Message: "canceling statement due to statement timeout"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"value too long", &pgconn.PgError{Code: "22001"}, false},
		{"plain", errors.New("syntax error"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsUnavailable(tc.err))
		})
	}
}

func TestIsDuplicateObject(t *testing.T) {
	assert.True(t, IsDuplicateObject(&pgconn.PgError{Code: "42P04"}))
	assert.True(t, IsDuplicateObject(fmt.Errorf("migrate: %w", &pgconn.PgError{Code: "42P07"})))
	assert.False(t, IsDuplicateObject(&pgconn.PgError{Code: "42501"}))
	assert.False(t, IsDuplicateObject(errors.New("already exists")))
}

func TestDSN(t *testing.T) {
	cfg := testDatabaseConfig()
	cfg.Password = "it's secret"
	dsn := DSN(cfg, "randomcorp")

	assert.Contains(t, dsn, "dbname=randomcorp")
	assert.Contains(t, dsn, `password='it\'s secret'`)
	assert.Contains(t, dsn, "connect_timeout=1")
	assert.Contains(t, dsn, "statement_timeout=1000")
}
