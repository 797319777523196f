package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/randomcorp/platform/pkg/common/config"
	"github.com/randomcorp/platform/pkg/common/logger"
	"github.com/randomcorp/platform/pkg/common/retry"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

// State is a step of the pool lifecycle.
type State int

const (
	StateUninitialized State = iota
	StateConnecting
	StateSchemaCheck
	StatePoolCreate
	StateVerifying
	StateReady
	StateRetryWait
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnecting:
		return "connecting"
	case StateSchemaCheck:
		return "schema_check"
	case StatePoolCreate:
		return "pool_create"
	case StateVerifying:
		return "verifying"
	case StateReady:
		return "ready"
	case StateRetryWait:
		return "retry_wait"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Health is the tagged answer callers branch on instead of catching errors.
type Health string

const (
	HealthReady    Health = "ready"
	HealthDegraded Health = "degraded"
	HealthFailed   Health = "failed"
)

// Provisioner prepares the target database. EnsureTablesExist runs against
// the freshly created pool; the other two use the administrative database.
type Provisioner interface {
	Ping(ctx context.Context) error
	EnsureDatabaseExists(ctx context.Context, name string) error
	EnsureTablesExist(ctx context.Context, db *gorm.DB) error
}

// Manager owns the connection pool lifecycle. It is the only component
// that creates or closes the pool.
type Manager struct {
	cfg         config.Database
	open        OpenFunc
	provisioner Provisioner
	sleep       func(context.Context, time.Duration) error
	now         func() time.Time

	mu          sync.RWMutex
	state       State
	db          *gorm.DB
	lastErr     error
	lastAttempt time.Time

	reconciling singleflight.Group
	onChange    func(State)
}

type Option func(*Manager)

func WithOpener(open OpenFunc) Option {
	return func(m *Manager) { m.open = open }
}

func WithProvisioner(p Provisioner) Option {
	return func(m *Manager) { m.provisioner = p }
}

// WithSleep replaces the backoff wait.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(m *Manager) { m.sleep = sleep }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithStateHook is called after every transition, outside the lock.
func WithStateHook(fn func(State)) Option {
	return func(m *Manager) { m.onChange = fn }
}

func NewManager(cfg config.Database, opts ...Option) *Manager {
	m := &Manager{
		cfg:   cfg,
		open:  OpenPostgres,
		sleep: retry.Sleep,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.provisioner == nil {
		m.provisioner = NewProvisioner(cfg, m.open)
	}
	return m
}

// Initialize runs connect → schema check → pool create → verify with the
// configured retry budget. A failed attempt tears down whatever pool it
// created before the next one. On exhaustion the manager is Failed and an
// error wrapping ErrStoreUnavailable is returned; the caller decides
// whether to continue degraded.
func (m *Manager) Initialize(ctx context.Context) error {
	return m.initialize(ctx, m.cfg.InitAttempts)
}

func (m *Manager) initialize(ctx context.Context, attempts int) error {
	if !m.cfg.Configured() {
		m.transition(StateFailed, ErrConfiguration)
		return ErrConfiguration
	}
	if attempts < 1 {
		attempts = 1
	}

	m.mu.Lock()
	m.lastAttempt = m.now()
	m.mu.Unlock()

	policy := retry.Policy{
		Attempts:  attempts,
		BaseDelay: m.cfg.InitBaseDelay,
		Sleep:     m.sleep,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			m.transition(StateRetryWait, err)
			logger.WithFields(logrus.Fields{
				"attempt": attempt,
				"delay":   delay.String(),
			}).Info("retrying database initialization")
		},
	}

	err := retry.Do(ctx, policy, func(attempt int) error {
		logger.WithFields(logrus.Fields{
			"attempt":  attempt,
			"attempts": attempts,
			"host":     m.cfg.Host,
			"database": m.cfg.Name,
		}).Info("initializing database connection pool")

		db, err := m.connect(ctx)
		if err != nil {
			logger.WithError(err).WithField("attempt", attempt).Error("database initialization attempt failed")
			return err
		}

		m.mu.Lock()
		previous := m.db
		m.db = db
		m.mu.Unlock()
		if previous != nil && previous != db {
			_ = closePool(previous)
		}
		m.transition(StateReady, nil)
		return nil
	})
	if err != nil {
		m.transition(StateFailed, err)
		logger.WithError(err).WithField("attempts", attempts).Error("all database initialization attempts failed")
		return fmt.Errorf("%w after %d attempts: %w", ErrStoreUnavailable, attempts, err)
	}

	logger.WithField("database", m.cfg.Name).Info("database initialization completed")
	return nil
}

// connect runs one pass of the chain and returns a verified pool. Any pool
// it created is closed again when a later step fails.
func (m *Manager) connect(ctx context.Context) (*gorm.DB, error) {
	m.transition(StateConnecting, nil)
	if err := m.step(ctx, m.cfg.LoginTimeout, m.provisioner.Ping); err != nil {
		return nil, fmt.Errorf("direct connection test: %w", err)
	}

	m.transition(StateSchemaCheck, nil)
	if err := m.step(ctx, m.cfg.CommandTimeout, func(ctx context.Context) error {
		return m.provisioner.EnsureDatabaseExists(ctx, m.cfg.Name)
	}); err != nil {
		return nil, fmt.Errorf("ensuring database exists: %w", err)
	}

	m.transition(StatePoolCreate, nil)
	pool, err := m.open(ctx, DSN(m.cfg, m.cfg.Name))
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	if err := m.preparePool(ctx, pool); err != nil {
		if closeErr := closePool(pool); closeErr != nil {
			logger.WithError(closeErr).Warn("failed to tear down partial pool")
		}
		return nil, err
	}
	return pool, nil
}

func (m *Manager) preparePool(ctx context.Context, pool *gorm.DB) error {
	sqlDB, err := pool.DB()
	if err != nil {
		return fmt.Errorf("creating pool: %w", err)
	}
	idle := m.configurePool(sqlDB)
	if err := m.step(ctx, m.cfg.LoginTimeout, func(ctx context.Context) error {
		return warm(ctx, sqlDB, idle)
	}); err != nil {
		return fmt.Errorf("creating pool: %w", err)
	}

	m.transition(StateVerifying, nil)
	if err := m.step(ctx, m.cfg.LoginTimeout, func(ctx context.Context) error {
		return verify(ctx, pool)
	}); err != nil {
		return fmt.Errorf("verifying pool: %w", err)
	}
	if err := m.step(ctx, m.cfg.CommandTimeout, func(ctx context.Context) error {
		return m.provisioner.EnsureTablesExist(ctx, pool)
	}); err != nil {
		return fmt.Errorf("ensuring tables exist: %w", err)
	}
	return nil
}

// configurePool applies the size bounds and returns the number of
// connections to keep idle.
func (m *Manager) configurePool(sqlDB *sql.DB) int {
	maxOpen := m.cfg.PoolMax
	if maxOpen < 1 {
		maxOpen = 1
	}
	idle := m.cfg.PoolMin
	if idle > maxOpen {
		idle = maxOpen
	}
	if idle < 1 {
		idle = 1
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(idle)
	if m.cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(m.cfg.ConnMaxLifetime)
	}
	return idle
}

func (m *Manager) step(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return fn(ctx)
}

// Verify issues a round-trip query on the current pool.
func (m *Manager) Verify(ctx context.Context) error {
	db := m.DB()
	if db == nil {
		return ErrStoreUnavailable
	}
	return m.step(ctx, m.cfg.LoginTimeout, func(ctx context.Context) error {
		return verify(ctx, db)
	})
}

// Reconcile re-checks pool health and, if the pool is unhealthy, makes one
// initialization attempt. Attempts while unhealthy are spaced by the
// reconcile cooldown so a dead store is not hammered from the request path.
// Concurrent callers share a single attempt.
func (m *Manager) Reconcile(ctx context.Context) Health {
	v, _, _ := m.reconciling.Do("reconcile", func() (interface{}, error) {
		return m.reconcile(ctx), nil
	})
	return v.(Health)
}

func (m *Manager) reconcile(ctx context.Context) Health {
	if !m.cfg.Configured() {
		return HealthFailed
	}

	m.mu.RLock()
	state, last := m.state, m.lastAttempt
	m.mu.RUnlock()

	if state == StateReady {
		err := m.Verify(ctx)
		if err == nil {
			return HealthReady
		}
		logger.WithError(err).Warn("database connection lost, attempting to reinitialize")
		m.mu.Lock()
		dead := m.db
		m.db = nil
		m.mu.Unlock()
		m.transition(StateFailed, err)
		_ = closePool(dead)
	} else if m.cfg.ReconcileCooldown > 0 && !last.IsZero() && m.now().Sub(last) < m.cfg.ReconcileCooldown {
		return m.Health()
	}

	if err := m.initialize(ctx, 1); err != nil {
		logger.WithError(err).Warn("failed to reinitialize database connection")
		return m.Health()
	}
	logger.Log.Info("database connection pool reinitialized")
	return HealthReady
}

// Monitor reconciles on every tick until ctx is done.
func (m *Manager) Monitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			before := m.Health()
			after := m.Reconcile(ctx)
			if before != after {
				logger.WithFields(logrus.Fields{"from": before, "to": after}).Info("database health changed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown releases every pooled connection. Safe to call at any time,
// including before Initialize and more than once.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	db := m.db
	m.db = nil
	m.mu.Unlock()

	m.transition(StateUninitialized, nil)
	if db == nil {
		return nil
	}
	if err := closePool(db); err != nil {
		return fmt.Errorf("closing pool: %w", err)
	}
	logger.Log.Info("database connection pool closed")
	return nil
}

// WithConn runs fn on a connection held for the duration of the call. The
// connection goes back to the pool on every exit path. Acquisition is
// bounded by the pool wait timeout and fn's commands by the command timeout.
func (m *Manager) WithConn(ctx context.Context, fn func(tx *gorm.DB) error) error {
	m.mu.RLock()
	db, state := m.db, m.state
	m.mu.RUnlock()
	if db == nil || state != StateReady {
		return ErrStoreUnavailable
	}

	waitCtx, cancelWait := context.WithTimeout(ctx, m.cfg.PoolWaitTimeout)
	defer cancelWait()

	acquired := false
	err := db.WithContext(waitCtx).Connection(func(tx *gorm.DB) error {
		acquired = true
		cmdCtx, cancel := context.WithTimeout(ctx, m.cfg.CommandTimeout)
		defer cancel()
		return fn(tx.WithContext(cmdCtx))
	})
	if err != nil && !acquired && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: no connection within %s", ErrPoolExhausted, m.cfg.PoolWaitTimeout)
	}
	return err
}

func (m *Manager) Health() Health {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch m.state {
	case StateReady:
		return HealthReady
	case StateFailed:
		return HealthFailed
	default:
		return HealthDegraded
	}
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// LastError is the failure that moved the manager out of Ready, if any.
func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// DB exposes the pool for read-only inspection such as stats.
func (m *Manager) DB() *gorm.DB {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.db
}

// PoolStats is zero when there is no pool.
func (m *Manager) PoolStats() sql.DBStats {
	db := m.DB()
	if db == nil {
		return sql.DBStats{}
	}
	sqlDB, err := db.DB()
	if err != nil {
		return sql.DBStats{}
	}
	return sqlDB.Stats()
}

func (m *Manager) transition(to State, cause error) {
	m.mu.Lock()
	from := m.state
	m.state = to
	if cause != nil || to == StateReady {
		m.lastErr = cause
	}
	hook := m.onChange
	m.mu.Unlock()

	if from != to {
		entry := logger.WithFields(logrus.Fields{"from": from.String(), "state": to.String()})
		if cause != nil {
			entry = entry.WithError(cause)
		}
		entry.Debug("database state transition")
	}
	if hook != nil {
		hook(to)
	}
}
