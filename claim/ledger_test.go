package claim

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jinzhu/gorm"
	uuid "github.com/kthomas/go.uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testClaimID = "7f3c5a72-1f2e-4f0d-9c4b-2f1a0d8e6b31"

func setupLedger(t *testing.T) (*Ledger, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	gdb, err := gorm.Open("postgres", db)
	require.NoError(t, err)
	gdb.LogMode(false)

	t.Cleanup(func() {
		gdb.Close()
	})

	return NewLedger(gdb), mock
}

func claimRows(nullifier, walletAddress string, txHash interface{}, status string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "created_at", "nullifier", "wallet_address", "tx_hash", "status", "claimed_at"})
	return rows.AddRow(testClaimID, time.Now(), nullifier, walletAddress, txHash, status, nil)
}

func TestTryReserveCreated(t *testing.T) {
	ledger, mock := setupLedger(t)

	mock.ExpectQuery(`INSERT INTO "claims"`).WillReturnRows(
		sqlmock.NewRows([]string{"id"}).AddRow(testClaimID),
	)

	outcome, record, err := ledger.TryReserve("n1", testWalletAddress)
	require.NoError(t, err)
	require.NotNil(t, record)

	assert.Equal(t, ReserveCreated, outcome)
	assert.Equal(t, "n1", *record.Nullifier)
	assert.Equal(t, claimStatusReserved, *record.Status)
	assert.Nil(t, record.TxHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTryReserveAlreadyExists(t *testing.T) {
	ledger, mock := setupLedger(t)

	mock.ExpectQuery(`INSERT INTO "claims"`).WillReturnError(&pq.Error{Code: "23505"})

	outcome, record, err := ledger.TryReserve("n1", testWalletAddress)
	require.NoError(t, err)

	assert.Equal(t, ReserveAlreadyExists, outcome)
	assert.Nil(t, record)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTryReserveStorageUnavailable(t *testing.T) {
	ledger, mock := setupLedger(t)

	mock.ExpectQuery(`INSERT INTO "claims"`).WillReturnError(&pq.Error{Code: "57P01"})

	_, _, err := ledger.TryReserve("n1", testWalletAddress)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTryReserveRejectsInvalidParams(t *testing.T) {
	ledger, _ := setupLedger(t)

	outcome, record, err := ledger.TryReserve("", testWalletAddress)
	assert.Error(t, err)
	assert.Equal(t, ReserveInvalid, outcome)
	assert.Nil(t, record)

	outcome, record, err = ledger.TryReserve("n1", "")
	assert.Error(t, err)
	assert.Equal(t, ReserveInvalid, outcome)
	assert.Nil(t, record)
}

func TestRecordBroadcastOk(t *testing.T) {
	ledger, mock := setupLedger(t)

	mock.ExpectExec(`UPDATE "claims"`).WillReturnResult(sqlmock.NewResult(0, 1))

	outcome, err := ledger.RecordBroadcast("n1", "0xabc")
	require.NoError(t, err)

	assert.Equal(t, RecordOk, outcome)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordBroadcastConflictLeavesOriginalUnchanged(t *testing.T) {
	ledger, mock := setupLedger(t)

	mock.ExpectExec(`UPDATE "claims"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT \* FROM "claims"`).WillReturnRows(
		claimRows("n1", testWalletAddress, "0xabc", claimStatusBroadcast),
	)

	outcome, err := ledger.RecordBroadcast("n1", "0xdef")
	require.NoError(t, err)

	assert.Equal(t, RecordConflict, outcome)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordBroadcastNotFound(t *testing.T) {
	ledger, mock := setupLedger(t)

	mock.ExpectExec(`UPDATE "claims"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT \* FROM "claims"`).WillReturnRows(
		sqlmock.NewRows([]string{"id", "created_at", "nullifier", "wallet_address", "tx_hash", "status", "claimed_at"}),
	)

	outcome, err := ledger.RecordBroadcast("unseen", "0xabc")
	require.NoError(t, err)

	assert.Equal(t, RecordNotFound, outcome)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByNullifier(t *testing.T) {
	ledger, mock := setupLedger(t)

	mock.ExpectQuery(`SELECT \* FROM "claims"`).WillReturnRows(
		claimRows("n1", testWalletAddress, nil, claimStatusReserved),
	)

	record, err := ledger.FindByNullifier("n1")
	require.NoError(t, err)
	require.NotNil(t, record)

	assert.Equal(t, "n1", *record.Nullifier)
	assert.Equal(t, claimStatusReserved, *record.Status)
}

func TestFindByID(t *testing.T) {
	ledger, mock := setupLedger(t)

	mock.ExpectQuery(`SELECT \* FROM "claims"`).WillReturnRows(
		claimRows("n1", testWalletAddress, "0xabc", claimStatusBroadcast),
	)

	record, err := ledger.FindByID(uuid.FromStringOrNil(testClaimID))
	require.NoError(t, err)
	require.NotNil(t, record)

	assert.Equal(t, testClaimID, record.ID.String())
	assert.Equal(t, "0xabc", *record.TxHash)
}

func TestFindStale(t *testing.T) {
	ledger, mock := setupLedger(t)

	mock.ExpectQuery(`SELECT \* FROM "claims"`).WillReturnRows(
		claimRows("n1", testWalletAddress, nil, claimStatusReserved),
	)

	stale, err := ledger.FindStale(time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 1)

	assert.Equal(t, "n1", *stale[0].Nullifier)
}
