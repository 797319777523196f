package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// fakeServer stands in for Postgres behind database/sql. Taking it down
// makes new dials fail with ECONNREFUSED and live connections report
// driver.ErrBadConn.
type fakeServer struct {
	mu     sync.Mutex
	down   bool
	opened int
	closed int
	pools  []*gorm.DB
	dsns   []string

	query func(query string, args []driver.NamedValue) (driver.Rows, error)
	exec  func(query string, args []driver.NamedValue) (driver.Result, error)
}

func newFakeServer() *fakeServer {
	return &fakeServer{}
}

func (s *fakeServer) setDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

func (s *fakeServer) isDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.down
}

func (s *fakeServer) openedConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

func (s *fakeServer) openedPools() []*gorm.DB {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*gorm.DB(nil), s.pools...)
}

func (s *fakeServer) open(_ context.Context, dsn string) (*gorm.DB, error) {
	sqlDB := sql.OpenDB(&fakeConnector{server: s})
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		DisableAutomaticPing: true,
		Logger:               gormlogger.Discard,
	})
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.pools = append(s.pools, db)
	s.dsns = append(s.dsns, dsn)
	s.mu.Unlock()
	return db, nil
}

func refused() error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
}

type fakeConnector struct {
	server *fakeServer
}

func (c *fakeConnector) Connect(ctx context.Context) (driver.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.server.isDown() {
		return nil, refused()
	}
	c.server.mu.Lock()
	c.server.opened++
	c.server.mu.Unlock()
	return &fakeConn{server: c.server}, nil
}

func (c *fakeConnector) Driver() driver.Driver { return fakeDriver{} }

type fakeDriver struct{}

func (fakeDriver) Open(string) (driver.Conn, error) {
	return nil, errors.New("fake: open through the connector")
}

type fakeConn struct {
	server *fakeServer
}

func (c *fakeConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("fake: prepare not supported: %q", query)
}

func (c *fakeConn) Close() error {
	c.server.mu.Lock()
	c.server.closed++
	c.server.mu.Unlock()
	return nil
}

func (c *fakeConn) Begin() (driver.Tx, error) { return fakeTx{}, nil }

func (c *fakeConn) Ping(ctx context.Context) error {
	if c.server.isDown() {
		return driver.ErrBadConn
	}
	return ctx.Err()
}

func (c *fakeConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	if c.server.isDown() {
		return nil, driver.ErrBadConn
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if h := c.server.query; h != nil {
		if rows, err := h(query, args); rows != nil || err != nil {
			return rows, err
		}
	}
	if strings.TrimSpace(query) == "SELECT 1" {
		return &fakeRows{columns: []string{"?column?"}, values: [][]driver.Value{{int64(1)}}}, nil
	}
	return nil, fmt.Errorf("fake: unexpected query %q", query)
}

func (c *fakeConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	if c.server.isDown() {
		return nil, driver.ErrBadConn
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if h := c.server.exec; h != nil {
		return h(query, args)
	}
	return driver.RowsAffected(0), nil
}

type fakeTx struct{}

func (fakeTx) Commit() error   { return nil }
func (fakeTx) Rollback() error { return nil }

type fakeRows struct {
	columns []string
	values  [][]driver.Value
	pos     int
}

func (r *fakeRows) Columns() []string { return r.columns }

func (r *fakeRows) Close() error { return nil }

func (r *fakeRows) Next(dest []driver.Value) error {
	if r.pos >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.pos])
	r.pos++
	return nil
}

func countRows(n int64) driver.Rows {
	return &fakeRows{columns: []string{"count"}, values: [][]driver.Value{{n}}}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
