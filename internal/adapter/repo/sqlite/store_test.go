package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/erpqueue/internal/domain"
	"github.com/fairyhunter13/erpqueue/internal/handlers"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenAppliesSchemaAndPing(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.Ping(context.Background()))
}

func TestUpsertBatchIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	rows := []handlers.Row{
		{Key: "o-1", Fields: map[string]string{"total": "10.50"}},
		{Key: "o-2", Fields: map[string]string{"total": "99.00"}},
	}
	n, err := st.UpsertBatch(ctx, "u1", "orders", rows)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Re-importing the same keys updates in place.
	rows[0].Fields["total"] = "12.00"
	n, err = st.UpsertBatch(ctx, "u1", "orders", rows)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	count, err := st.CountRows(ctx, "u1", "orders")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// Datasets and users are isolated.
	count, err = st.CountRows(ctx, "u1", "customers")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	count, err = st.CountRows(ctx, "u2", "orders")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestUpsertBatchEmpty(t *testing.T) {
	st := newTestStore(t)
	n, err := st.UpsertBatch(context.Background(), "u1", "orders", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestIntervalsDefaultsAndOverride(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	intervals, err := st.Intervals(ctx)
	require.NoError(t, err)
	assert.Len(t, intervals, len(domain.SyncOpTypes))
	for _, typ := range domain.SyncOpTypes {
		assert.Equal(t, DefaultSyncIntervalMinutes, intervals[typ])
	}

	require.NoError(t, st.SetInterval(ctx, domain.OpSyncOrders, 15))
	require.NoError(t, st.SetInterval(ctx, domain.OpSyncOrders, 30), "override replaces")

	intervals, err = st.Intervals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 30, intervals[domain.OpSyncOrders])
	assert.Equal(t, DefaultSyncIntervalMinutes, intervals[domain.OpSyncPrices])
}

func TestSetIntervalValidation(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	err := st.SetInterval(ctx, domain.OpSubmitOrder, 60)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument, "only sync types are schedulable")

	err = st.SetInterval(ctx, domain.OpSyncOrders, MinSyncIntervalMinutes-1)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	err = st.SetInterval(ctx, domain.OpSyncOrders, MaxSyncIntervalMinutes+1)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	assert.NoError(t, st.SetInterval(ctx, domain.OpSyncOrders, MinSyncIntervalMinutes))
	assert.NoError(t, st.SetInterval(ctx, domain.OpSyncOrders, MaxSyncIntervalMinutes))
}

func TestRecordTerminalAndGetAudit(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	job := domain.Job{ID: "j1", UserID: "u1", Type: domain.OpSubmitOrder, Attempts: 1}
	require.NoError(t, st.RecordTerminal(ctx, job, domain.StateFailed, "remote rejected order"))

	rec, err := st.GetAudit(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "u1", rec.UserID)
	assert.Equal(t, domain.StateFailed, rec.State)
	assert.Equal(t, "remote rejected order", rec.Error)
	assert.WithinDuration(t, time.Now(), rec.FinishedAt, time.Minute)

	// A later outcome for the same job replaces the record.
	job.Attempts = 2
	require.NoError(t, st.RecordTerminal(ctx, job, domain.StateCompleted, ""))
	rec, err = st.GetAudit(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, rec.State)
	assert.Equal(t, 2, rec.Attempts)
	assert.Empty(t, rec.Error)

	_, err = st.GetAudit(ctx, "unknown")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSyncStatusLatestPerType(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	record := func(id, user string, typ domain.OpType, state domain.JobState) {
		t.Helper()
		require.NoError(t, st.RecordTerminal(ctx, domain.Job{ID: id, UserID: user, Type: typ}, state, ""))
		// finished_at is the tiebreaker; keep the inserts ordered.
		time.Sleep(2 * time.Millisecond)
	}

	record("j1", "u1", domain.OpSyncOrders, domain.StateFailed)
	record("j2", "u1", domain.OpSyncOrders, domain.StateCompleted)
	record("j3", "u1", domain.OpSyncCustomers, domain.StateCompleted)
	record("j4", "u1", domain.OpSubmitOrder, domain.StateCompleted)
	record("j5", "u2", domain.OpSyncOrders, domain.StateCompleted)

	status, err := st.SyncStatus(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, status, 2, "only sync types appear, one row each")
	assert.Equal(t, "j2", status[domain.OpSyncOrders].JobID, "latest run wins")
	assert.Equal(t, "j3", status[domain.OpSyncCustomers].JobID)
}

func TestActiveUsersWindow(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.RecordTerminal(ctx, domain.Job{ID: "j1", UserID: "alice", Type: domain.OpSyncOrders}, domain.StateCompleted, ""))
	require.NoError(t, st.RecordTerminal(ctx, domain.Job{ID: "j2", UserID: "bob", Type: domain.OpSyncOrders}, domain.StateCompleted, ""))
	require.NoError(t, st.RecordTerminal(ctx, domain.Job{ID: "j3", UserID: "alice", Type: domain.OpSyncPrices}, domain.StateCompleted, ""))

	users, err := st.ActiveUsers(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, users)

	// A window entirely in the past matches nobody.
	users, err = st.ActiveUsers(ctx, -time.Hour)
	require.NoError(t, err)
	assert.Empty(t, users)
}
