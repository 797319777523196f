package submission

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/randomcorp/platform/pkg/common/database"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// scriptedDB is a database/sql driver that records every statement and
// answers queries from a handler.
type scriptedDB struct {
	mu         sync.Mutex
	statements []string
	args       [][]driver.NamedValue
	begins     int
	commits    int
	rollbacks  int

	query func(query string, args []driver.NamedValue) (driver.Rows, error)
}

func (s *scriptedDB) record(query string, args []driver.NamedValue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statements = append(s.statements, query)
	s.args = append(s.args, args)
}

func (s *scriptedDB) find(substr string) (string, []driver.NamedValue, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, stmt := range s.statements {
		if strings.Contains(stmt, substr) {
			return stmt, s.args[i], true
		}
	}
	return "", nil, false
}

func (s *scriptedDB) gorm(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sql.OpenDB(scriptedConnector{db: s})}), &gorm.Config{
		DisableAutomaticPing: true,
		Logger:               gormlogger.Discard,
	})
	if err != nil {
		t.Fatalf("opening scripted db: %v", err)
	}
	return db
}

type scriptedConnector struct {
	db *scriptedDB
}

func (c scriptedConnector) Connect(context.Context) (driver.Conn, error) {
	return &scriptedConn{db: c.db}, nil
}

func (c scriptedConnector) Driver() driver.Driver { return scriptedDriver{} }

type scriptedDriver struct{}

func (scriptedDriver) Open(string) (driver.Conn, error) {
	return nil, errors.New("scripted: open through the connector")
}

type scriptedConn struct {
	db *scriptedDB
}

func (c *scriptedConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("scripted: prepare not supported: %q", query)
}

func (c *scriptedConn) Close() error { return nil }

func (c *scriptedConn) Begin() (driver.Tx, error) {
	c.db.mu.Lock()
	c.db.begins++
	c.db.mu.Unlock()
	return scriptedTx{db: c.db}, nil
}

func (c *scriptedConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.db.record(query, args)
	if c.db.query != nil {
		return c.db.query(query, args)
	}
	return &rows{}, nil
}

func (c *scriptedConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.db.record(query, args)
	return driver.RowsAffected(1), nil
}

type scriptedTx struct {
	db *scriptedDB
}

func (t scriptedTx) Commit() error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	t.db.commits++
	return nil
}

func (t scriptedTx) Rollback() error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	t.db.rollbacks++
	return nil
}

type rows struct {
	columns []string
	values  [][]driver.Value
	pos     int
}

func (r *rows) Columns() []string { return r.columns }

func (r *rows) Close() error { return nil }

func (r *rows) Next(dest []driver.Value) error {
	if r.pos >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.pos])
	r.pos++
	return nil
}

func idRows(ids ...int64) *rows {
	r := &rows{columns: []string{"id"}}
	for _, id := range ids {
		r.values = append(r.values, []driver.Value{id})
	}
	return r
}

// directConns hands the whole pool to fn.
type directConns struct {
	db *gorm.DB
}

func (c directConns) WithConn(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return fn(c.db.WithContext(ctx))
}

// fakeBackend is a controllable store health source.
type fakeBackend struct {
	mu         sync.Mutex
	health     database.Health
	recoverTo  database.Health
	reconciles int
}

func newFakeBackend(h database.Health) *fakeBackend {
	return &fakeBackend{health: h, recoverTo: h}
}

func (b *fakeBackend) Health() database.Health {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.health
}

func (b *fakeBackend) Reconcile(context.Context) database.Health {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reconciles++
	b.health = b.recoverTo
	return b.health
}

func (b *fakeBackend) set(h database.Health) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.health = h
	b.recoverTo = h
}

func (b *fakeBackend) reconcileCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reconciles
}

// fakeDurable is a DurableStore over memory whose writes and reads can be
// made to fail.
type fakeDurable struct {
	*MemoryStore

	mu         sync.Mutex
	writeErrs  []error
	readErr    error
	writes     int
	statistics map[string]Statistic
}

func newFakeDurable() *fakeDurable {
	return &fakeDurable{MemoryStore: NewMemoryStore(), statistics: map[string]Statistic{}}
}

func (d *fakeDurable) failNextWrites(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeErrs = append(d.writeErrs, errs...)
}

func (d *fakeDurable) nextWriteErr() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes++
	if len(d.writeErrs) == 0 {
		return nil
	}
	err := d.writeErrs[0]
	d.writeErrs = d.writeErrs[1:]
	return err
}

func (d *fakeDurable) Insert(ctx context.Context, rec *Submission) error {
	if err := d.nextWriteErr(); err != nil {
		return err
	}
	return d.MemoryStore.Insert(ctx, rec)
}

func (d *fakeDurable) InsertBatch(ctx context.Context, recs []*Submission) error {
	if err := d.nextWriteErr(); err != nil {
		return err
	}
	return d.MemoryStore.InsertBatch(ctx, recs)
}

func (d *fakeDurable) Stats(ctx context.Context, since time.Time) (Stats, error) {
	d.mu.Lock()
	err := d.readErr
	d.mu.Unlock()
	if err != nil {
		return Stats{}, err
	}
	return d.MemoryStore.Stats(ctx, since)
}

func (d *fakeDurable) SaveStatistics(_ context.Context, stats []Statistic) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, st := range stats {
		d.statistics[st.Name] = st
	}
	return nil
}

func (d *fakeDurable) LoadStatistics(context.Context) ([]Statistic, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Statistic, 0, len(d.statistics))
	for _, st := range d.statistics {
		out = append(out, st)
	}
	return out, nil
}

func (d *fakeDurable) writeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writes
}
