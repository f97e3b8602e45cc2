package idempotency

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLReserveWinsOnInsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	g := NewSQLGuard(db, 0)

	mock.ExpectExec(`INSERT INTO idempotency_keys .* ON CONFLICT \(key\) DO NOTHING`).
		WithArgs("k1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	res, err := g.Reserve(context.Background(), "k1")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLReserveLosesToCommittedHolder(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	g := NewSQLGuard(db, 0)

	mock.ExpectExec(`INSERT INTO idempotency_keys`).
		WithArgs("k1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT event_id, sequence_number, committed FROM idempotency_keys`).
		WithArgs("k1").
		WillReturnRows(sqlmock.NewRows([]string{"event_id", "sequence_number", "committed"}).
			AddRow("event-7", 7, true))

	_, err = g.Reserve(context.Background(), "k1")
	var already *AlreadyReservedError
	require.ErrorAs(t, err, &already)
	assert.False(t, already.Pending)
	assert.Equal(t, "event-7", already.EventID)
	assert.Equal(t, uint64(7), already.Sequence)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLReserveLosesToPendingHolder(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	g := NewSQLGuard(db, 0)

	mock.ExpectExec(`INSERT INTO idempotency_keys`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT event_id, sequence_number, committed FROM idempotency_keys`).
		WillReturnRows(sqlmock.NewRows([]string{"event_id", "sequence_number", "committed"}).
			AddRow(nil, nil, false))

	_, err = g.Reserve(context.Background(), "k1")
	assert.ErrorIs(t, err, ErrReservationPending)
}

func TestSQLCommitAndRelease(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	g := NewSQLGuard(db, 0)
	ctx := context.Background()

	mock.ExpectExec(`INSERT INTO idempotency_keys`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE idempotency_keys\s+SET event_id = \$1, sequence_number = \$2, committed = TRUE`).
		WithArgs("event-1", int64(3), "k1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM idempotency_keys WHERE key = \$1 AND NOT committed`).
		WithArgs("k1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	res, err := g.Reserve(ctx, "k1")
	require.NoError(t, err)
	require.NoError(t, res.Commit(ctx, "event-1", 3))
	require.NoError(t, res.Release(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLSweepRemovesExpiredAndStale(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	g := NewSQLGuard(db, 0)

	mock.ExpectExec(`DELETE FROM idempotency_keys`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := g.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}
