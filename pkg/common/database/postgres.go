package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/randomcorp/platform/pkg/common/config"
	"github.com/randomcorp/platform/pkg/common/logger"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// OpenFunc opens a lazily-connecting pool for dsn. Nothing is dialled until
// the pool is used.
type OpenFunc func(ctx context.Context, dsn string) (*gorm.DB, error)

// OpenPostgres is the production OpenFunc.
func OpenPostgres(_ context.Context, dsn string) (*gorm.DB, error) {
	return gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableAutomaticPing: true,
		Logger: gormlogger.New(logger.Log, gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
}

// DSN builds a keyword/value connection string for the named database.
// connect_timeout bounds dial and authentication; statement_timeout bounds
// every command server-side.
func DSN(cfg config.Database, dbName string) string {
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s connect_timeout=%d statement_timeout=%d",
		dsnValue(cfg.Host),
		dsnValue(cfg.User),
		dsnValue(cfg.Password),
		dsnValue(dbName),
		dsnValue(cfg.Port),
		dsnValue(cfg.SSLMode),
		ceilSeconds(cfg.ConnectTimeout),
		cfg.CommandTimeout.Milliseconds(),
	)
}

func dsnValue(v string) string {
	if v == "" {
		return "''"
	}
	if !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

func ceilSeconds(d time.Duration) int64 {
	secs := int64(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	return secs
}

// verify issues a trivial round trip on an acquired connection.
func verify(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	var one int
	if err := sqlDB.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("verification query: %w", err)
	}
	if one != 1 {
		return fmt.Errorf("verification query returned %d", one)
	}
	return nil
}

// warm opens n connections up front so the pool starts at its minimum size.
func warm(ctx context.Context, sqlDB *sql.DB, n int) error {
	conns := make([]*sql.Conn, 0, n)
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()
	for i := 0; i < n; i++ {
		c, err := sqlDB.Conn(ctx)
		if err != nil {
			return fmt.Errorf("warming connection %d/%d: %w", i+1, n, err)
		}
		conns = append(conns, c)
	}
	return nil
}

func closePool(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		return err
	}
	return nil
}
