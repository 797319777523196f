package submission

import (
	"context"
	"errors"
	"net"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/randomcorp/platform/pkg/common/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func refused() error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
}

type gatewayHarness struct {
	backend   *fakeBackend
	durable   *fakeDurable
	transient *MemoryStore
	degraded  []string
}

func newGateway(health database.Health, fallback bool) (*Gateway, *gatewayHarness) {
	h := &gatewayHarness{
		backend:   newFakeBackend(health),
		durable:   newFakeDurable(),
		transient: NewMemoryStore(),
	}
	g := NewGateway(h.backend, h.durable, h.transient, fallback, WithDegradeHook(func(op string, _ error) {
		h.degraded = append(h.degraded, op)
	}))
	return g, h
}

func TestGatewaySavesDurablyWhenReady(t *testing.T) {
	g, h := newGateway(database.HealthReady, true)

	id, mode, err := g.SaveOne(context.Background(), &Submission{SubmissionID: "sub-1"})
	require.NoError(t, err)
	assert.Equal(t, "sub-1", id)
	assert.Equal(t, ModeDurable, mode)
	assert.Equal(t, 1, h.durable.Len())
	assert.Equal(t, 0, h.transient.Len())
	assert.Equal(t, 0, h.backend.reconcileCount())
}

func TestGatewayFallsBackWhenStoreDown(t *testing.T) {
	g, h := newGateway(database.HealthFailed, true)

	_, mode, err := g.SaveOne(context.Background(), &Submission{SubmissionID: "sub-1"})
	require.NoError(t, err)
	assert.Equal(t, ModeDegraded, mode)
	assert.Equal(t, 1, h.transient.Len())
	assert.Equal(t, 0, h.durable.writeCount())
	assert.Equal(t, 0, h.backend.reconcileCount(), "the request path does not re-initialize a failed store")
	assert.Equal(t, []string{"insert"}, h.degraded)
	assert.Equal(t, ModeDegraded, g.Mode())
}

func TestGatewayDegradedWritesLeaveRecoveryToMonitor(t *testing.T) {
	g, h := newGateway(database.HealthFailed, true)
	h.backend.recoverTo = database.HealthReady

	for i := 0; i < 3; i++ {
		_, mode, err := g.SaveOne(context.Background(), &Submission{SubmissionID: "sub-" + strconv.Itoa(i)})
		require.NoError(t, err)
		assert.Equal(t, ModeDegraded, mode)
	}
	_, mode, err := g.Page(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Equal(t, ModeDegraded, mode)

	assert.Equal(t, 0, h.backend.reconcileCount())
	assert.Equal(t, 3, h.transient.Len())

	// once the monitor has brought the store back, writes go durable again
	h.backend.Reconcile(context.Background())
	_, mode, err = g.SaveOne(context.Background(), &Submission{SubmissionID: "sub-3"})
	require.NoError(t, err)
	assert.Equal(t, ModeDurable, mode)
}

func TestGatewayReconcilesAndRetriesOnce(t *testing.T) {
	g, h := newGateway(database.HealthReady, true)
	h.durable.failNextWrites(refused())

	_, mode, err := g.SaveOne(context.Background(), &Submission{SubmissionID: "sub-1"})
	require.NoError(t, err)
	assert.Equal(t, ModeDurable, mode)
	assert.Equal(t, 2, h.durable.writeCount())
	assert.Equal(t, 1, h.backend.reconcileCount())
	assert.Equal(t, 0, h.transient.Len())
}

func TestGatewayDowngradesWhenRetryFails(t *testing.T) {
	g, h := newGateway(database.HealthReady, true)
	h.durable.failNextWrites(refused())
	h.backend.recoverTo = database.HealthFailed

	_, mode, err := g.SaveOne(context.Background(), &Submission{SubmissionID: "sub-1"})
	require.NoError(t, err)
	assert.Equal(t, ModeDegraded, mode)
	assert.Equal(t, 1, h.durable.writeCount())
	assert.Equal(t, 1, h.transient.Len())
}

func TestGatewayStatementTimeoutIsAPoolFailure(t *testing.T) {
	g, h := newGateway(database.HealthReady, true)
	h.durable.failNextWrites(&pgconn.PgError{Code: "57014", Message: "canceling statement due to statement timeout"})
	h.backend.recoverTo = database.HealthFailed

	_, mode, err := g.SaveOne(context.Background(), &Submission{SubmissionID: "sub-1"})
	require.NoError(t, err)
	assert.Equal(t, ModeDegraded, mode)
	assert.Equal(t, 1, h.backend.reconcileCount())
	assert.Equal(t, 1, h.transient.Len())
}

func TestGatewayWriteFailureDoesNotFallBack(t *testing.T) {
	g, h := newGateway(database.HealthReady, true)
	h.durable.failNextWrites(&pgconn.PgError{Code: "22001", Message: "value too long"})

	_, _, err := g.SaveOne(context.Background(), &Submission{SubmissionID: "sub-1"})
	var writeErr *WriteError
	require.True(t, errors.As(err, &writeErr))
	assert.Equal(t, "insert", writeErr.Op)
	assert.Equal(t, 0, h.transient.Len(), "malformed records are never stored in memory")
	assert.Equal(t, 0, h.durable.Len())
}

func TestGatewayPoolExhaustedSurfaces(t *testing.T) {
	g, h := newGateway(database.HealthReady, true)
	h.durable.failNextWrites(database.ErrPoolExhausted)

	_, _, err := g.SaveOne(context.Background(), &Submission{SubmissionID: "sub-1"})
	require.ErrorIs(t, err, database.ErrPoolExhausted)
	assert.Equal(t, 0, h.transient.Len())
	assert.Equal(t, 0, h.backend.reconcileCount())
}

func TestGatewayDuplicateSubmissionIsStored(t *testing.T) {
	g, h := newGateway(database.HealthReady, true)
	h.durable.failNextWrites(&pgconn.PgError{Code: "23505", ConstraintName: "idx_submission_id"})

	_, mode, err := g.SaveOne(context.Background(), &Submission{SubmissionID: "sub-1"})
	require.NoError(t, err)
	assert.Equal(t, ModeDurable, mode)
}

func TestGatewayDuplicateInBatchIsAWriteError(t *testing.T) {
	g, h := newGateway(database.HealthReady, true)
	h.durable.failNextWrites(&BatchError{Index: 1, Err: &pgconn.PgError{Code: "23505", ConstraintName: "idx_submission_id"}})

	ids, _, err := g.SaveBatch(context.Background(), []*Submission{{SubmissionID: "a"}, {SubmissionID: "b"}})
	var writeErr *WriteError
	require.True(t, errors.As(err, &writeErr))
	var batchErr *BatchError
	require.True(t, errors.As(err, &batchErr))
	assert.Equal(t, 1, batchErr.Index)
	assert.Nil(t, ids)
	assert.Equal(t, 0, h.durable.Len())
	assert.Equal(t, 0, h.transient.Len())
}

func TestGatewayFallbackDisabled(t *testing.T) {
	g, h := newGateway(database.HealthFailed, false)

	_, _, err := g.SaveOne(context.Background(), &Submission{SubmissionID: "sub-1"})
	require.ErrorIs(t, err, database.ErrStoreUnavailable)
	assert.Equal(t, 0, h.transient.Len())

	_, _, err = g.Stats(context.Background(), time.Now())
	assert.ErrorIs(t, err, database.ErrStoreUnavailable)
}

func TestGatewayBatchFallsBackAsAUnit(t *testing.T) {
	g, h := newGateway(database.HealthReady, true)
	h.durable.failNextWrites(&BatchError{Index: 0, Err: refused()})
	h.backend.recoverTo = database.HealthFailed

	recs := []*Submission{{SubmissionID: "a"}, {SubmissionID: "b"}}
	ids, mode, err := g.SaveBatch(context.Background(), recs)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
	assert.Equal(t, ModeDegraded, mode)
	assert.Equal(t, 2, h.transient.Len())
}

func TestGatewayBatchWriteFailureNamesIndex(t *testing.T) {
	g, _ := newGateway(database.HealthReady, true)
	g.durable.(*fakeDurable).failNextWrites(&BatchError{Index: 1, Err: &pgconn.PgError{Code: "22001"}})

	_, _, err := g.SaveBatch(context.Background(), []*Submission{{SubmissionID: "a"}, {SubmissionID: "b"}})
	var batchErr *BatchError
	require.True(t, errors.As(err, &batchErr))
	assert.Equal(t, 1, batchErr.Index)
	var writeErr *WriteError
	assert.True(t, errors.As(err, &writeErr))
}

func TestGatewayReadsFollowMode(t *testing.T) {
	g, h := newGateway(database.HealthFailed, true)
	ctx := context.Background()

	_, _, err := g.SaveOne(ctx, &Submission{SubmissionID: "memory-1"})
	require.NoError(t, err)

	page, mode, err := g.Page(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, ModeDegraded, mode)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "memory-1", page.Items[0].SubmissionID)

	// recovery: new writes go durable, memory records stay where they are
	h.backend.set(database.HealthReady)
	_, mode, err = g.SaveOne(ctx, &Submission{SubmissionID: "durable-1"})
	require.NoError(t, err)
	assert.Equal(t, ModeDurable, mode)

	page, mode, err = g.Page(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, ModeDurable, mode)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "durable-1", page.Items[0].SubmissionID)
	assert.Equal(t, 1, h.transient.Len())
}

func TestGatewayReadFallsBackOnLostStore(t *testing.T) {
	g, h := newGateway(database.HealthReady, true)
	h.durable.readErr = refused()
	h.backend.recoverTo = database.HealthFailed

	st, mode, err := g.Stats(context.Background(), time.Now().Add(-RecentWindow))
	require.NoError(t, err)
	assert.Equal(t, ModeDegraded, mode)
	assert.Zero(t, st.Total)
}

func TestGatewayStatisticsNeedDurableStore(t *testing.T) {
	g, h := newGateway(database.HealthFailed, true)
	ctx := context.Background()

	require.NoError(t, g.SaveStatistics(ctx, []Statistic{{Name: StatTotalSubmissions, Value: "1"}}))
	assert.Empty(t, h.durable.statistics)
	_, err := g.LoadStatistics(ctx)
	assert.ErrorIs(t, err, database.ErrStoreUnavailable)
}
