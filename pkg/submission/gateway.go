package submission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/randomcorp/platform/pkg/common/database"
	"github.com/randomcorp/platform/pkg/common/logger"
	"github.com/sirupsen/logrus"
)

// Backend reports durable store health. *database.Manager implements it.
type Backend interface {
	Health() database.Health
	Reconcile(ctx context.Context) database.Health
}

// DurableStore is a Store that can also persist rollups.
type DurableStore interface {
	Store
	SaveStatistics(ctx context.Context, stats []Statistic) error
	LoadStatistics(ctx context.Context) ([]Statistic, error)
}

// Gateway routes each operation to the durable store when it is healthy
// and to the in-memory store otherwise. Writes that land in memory are not
// migrated once the durable store recovers.
type Gateway struct {
	backend   Backend
	durable   DurableStore
	transient *MemoryStore
	fallback  bool
	onDegrade func(op string, cause error)
}

type GatewayOption func(*Gateway)

// WithDegradeHook is called every time an operation is served from memory.
func WithDegradeHook(fn func(op string, cause error)) GatewayOption {
	return func(g *Gateway) { g.onDegrade = fn }
}

// NewGateway wires the two stores. With fallback disabled an unreachable
// durable store fails the operation with database.ErrStoreUnavailable.
func NewGateway(backend Backend, durable DurableStore, transient *MemoryStore, fallback bool, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		backend:   backend,
		durable:   durable,
		transient: transient,
		fallback:  fallback,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Mode is the mode the next operation would use, without reconciling.
func (g *Gateway) Mode() Mode {
	if g.backend.Health() == database.HealthReady {
		return ModeDurable
	}
	return ModeDegraded
}

func (g *Gateway) Health() database.Health {
	return g.backend.Health()
}

// Transient exposes the fallback store, mostly for status reporting.
func (g *Gateway) Transient() *MemoryStore {
	return g.transient
}

// SaveOne stores rec and returns its submission id.
func (g *Gateway) SaveOne(ctx context.Context, rec *Submission) (string, Mode, error) {
	mode, err := g.write(ctx, "insert", func(s Store) error {
		// a unique violation on the submission id means an earlier attempt
		// stored the record and its acknowledgement was lost
		if err := s.Insert(ctx, rec); err != nil && !isDuplicateSubmission(err) {
			return err
		}
		return nil
	})
	if err != nil {
		return "", mode, err
	}
	return rec.SubmissionID, mode, nil
}

func (g *Gateway) SaveBatch(ctx context.Context, recs []*Submission) ([]string, Mode, error) {
	mode, err := g.write(ctx, "insert batch", func(s Store) error {
		return s.InsertBatch(ctx, recs)
	})
	if err != nil {
		return nil, mode, err
	}
	ids := make([]string, len(recs))
	for i, rec := range recs {
		ids[i] = rec.SubmissionID
	}
	return ids, mode, nil
}

// write tries the durable store, reconciles and retries once when it looks
// unreachable, then falls back to memory. Failures that are not about
// reachability are returned as WriteError and never fall back.
func (g *Gateway) write(ctx context.Context, op string, fn func(Store) error) (Mode, error) {
	var cause error
	if g.durableReady() {
		err := fn(g.durable)
		if err == nil {
			return ModeDurable, nil
		}
		if errors.Is(err, database.ErrPoolExhausted) {
			return ModeDurable, fmt.Errorf("%s: %w", op, err)
		}
		if !database.IsUnavailable(err) {
			return ModeDurable, &WriteError{Op: op, Err: err}
		}

		logger.WithError(err).WithField("op", op).Warn("durable write failed, reconciling")
		cause = err
		if g.backend.Reconcile(ctx) == database.HealthReady {
			err = fn(g.durable)
			if err == nil {
				return ModeDurable, nil
			}
			if !database.IsUnavailable(err) {
				return ModeDurable, &WriteError{Op: op, Err: err}
			}
			cause = err
		}
	}

	if err := g.degrade(op, cause); err != nil {
		return ModeDegraded, err
	}
	if err := fn(g.transient); err != nil {
		return ModeDegraded, &WriteError{Op: op, Err: err}
	}
	return ModeDegraded, nil
}

// Stats aggregates over whichever store is active.
func (g *Gateway) Stats(ctx context.Context, since time.Time) (Stats, Mode, error) {
	var st Stats
	mode, err := g.read(ctx, "stats", func(s Store) error {
		var err error
		st, err = s.Stats(ctx, since)
		return err
	})
	return st, mode, err
}

func (g *Gateway) Page(ctx context.Context, limit, offset int) (Page, Mode, error) {
	var page Page
	mode, err := g.read(ctx, "page", func(s Store) error {
		var err error
		page, err = s.Page(ctx, limit, offset)
		return err
	})
	return page, mode, err
}

func (g *Gateway) read(ctx context.Context, op string, fn func(Store) error) (Mode, error) {
	var cause error
	if g.durableReady() {
		err := fn(g.durable)
		if err == nil {
			return ModeDurable, nil
		}
		if errors.Is(err, database.ErrPoolExhausted) || !database.IsUnavailable(err) {
			return ModeDurable, fmt.Errorf("%s: %w", op, err)
		}
		g.backend.Reconcile(ctx)
		cause = err
	}
	if err := g.degrade(op, cause); err != nil {
		return ModeDegraded, err
	}
	return ModeDegraded, fn(g.transient)
}

// SaveStatistics persists rollups in durable mode and is a no-op otherwise.
func (g *Gateway) SaveStatistics(ctx context.Context, stats []Statistic) error {
	if g.backend.Health() != database.HealthReady {
		return nil
	}
	return g.durable.SaveStatistics(ctx, stats)
}

func (g *Gateway) LoadStatistics(ctx context.Context) ([]Statistic, error) {
	if g.backend.Health() != database.HealthReady {
		return nil, database.ErrStoreUnavailable
	}
	return g.durable.LoadStatistics(ctx)
}

// durableReady only reads health. Bringing a failed store back is left to
// the health monitor so requests never wait on a full initialization.
func (g *Gateway) durableReady() bool {
	return g.backend.Health() == database.HealthReady
}

func (g *Gateway) degrade(op string, cause error) error {
	if !g.fallback {
		if cause == nil {
			return fmt.Errorf("%s: %w", op, database.ErrStoreUnavailable)
		}
		return fmt.Errorf("%s: %w: %w", op, database.ErrStoreUnavailable, cause)
	}
	entry := logger.WithFields(logrus.Fields{"op": op, "mode": ModeDegraded})
	if cause != nil {
		entry = entry.WithError(cause)
	}
	entry.Debug("serving from transient store")
	if g.onDegrade != nil {
		g.onDegrade(op, cause)
	}
	return nil
}

func isDuplicateSubmission(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "idx_submission_id"
}
