package claim

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provideplatform/faucet/broadcast"
	"github.com/provideplatform/faucet/common"
)

const testWalletAddress = "0x8ba1f109551bD432803012645Ac136ddd64DBA72"

type fakeLedger struct {
	mutex   sync.Mutex
	records map[string]*Claim

	reserveErr error
	recordErr  error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{records: map[string]*Claim{}}
}

func (l *fakeLedger) TryReserve(nullifier, walletAddress string) (ReserveOutcome, *Claim, error) {
	if l.reserveErr != nil {
		return ReserveAlreadyExists, nil, l.reserveErr
	}

	if nullifier == "" || walletAddress == "" {
		return ReserveInvalid, nil, errors.New("failed to reserve nullifier; invalid claim params")
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	if _, exists := l.records[nullifier]; exists {
		return ReserveAlreadyExists, nil, nil
	}

	record := &Claim{
		Nullifier:     common.StringOrNil(nullifier),
		WalletAddress: common.StringOrNil(walletAddress),
		Status:        common.StringOrNil(claimStatusReserved),
	}
	l.records[nullifier] = record
	return ReserveCreated, record, nil
}

func (l *fakeLedger) RecordBroadcast(nullifier, txHash string) (RecordOutcome, error) {
	if l.recordErr != nil {
		return RecordNotFound, l.recordErr
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	record, exists := l.records[nullifier]
	if !exists {
		return RecordNotFound, nil
	}
	if record.TxHash != nil {
		return RecordConflict, nil
	}

	record.TxHash = common.StringOrNil(txHash)
	record.Status = common.StringOrNil(claimStatusBroadcast)
	return RecordOk, nil
}

func (l *fakeLedger) record(nullifier string) *Claim {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.records[nullifier]
}

type fakeBroadcaster struct {
	mutex  sync.Mutex
	calls  int
	err    error
	txHash string
}

func (b *fakeBroadcaster) BroadcastTransfer(ctx context.Context, toAddress string, amount *big.Int) (*string, error) {
	b.mutex.Lock()
	b.calls++
	b.mutex.Unlock()

	if b.err != nil {
		return nil, b.err
	}

	hash := b.txHash
	if hash == "" {
		hash = "0xabc"
	}
	return &hash, nil
}

func (b *fakeBroadcaster) callCount() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.calls
}

func newTestCoordinator(ledger nullifierLedger, broadcaster broadcast.Broadcaster) *Coordinator {
	return &Coordinator{
		ledger:           ledger,
		broadcaster:      broadcaster,
		amount:           big.NewInt(1000),
		broadcastTimeout: time.Second,
	}
}

func TestClaimSucceeds(t *testing.T) {
	ledger := newFakeLedger()
	broadcaster := &fakeBroadcaster{txHash: "0xabc"}
	coordinator := newTestCoordinator(ledger, broadcaster)

	record, err := coordinator.Claim(context.Background(), "n1", testWalletAddress)
	require.NoError(t, err)
	require.NotNil(t, record)
	require.NotNil(t, record.TxHash)

	assert.Equal(t, "0xabc", *record.TxHash)
	assert.Equal(t, claimStatusBroadcast, *record.Status)
	assert.NotNil(t, record.ClaimedAt)
	assert.Equal(t, 1, broadcaster.callCount())
}

func TestClaimRejectsConsumedNullifier(t *testing.T) {
	ledger := newFakeLedger()
	broadcaster := &fakeBroadcaster{}
	coordinator := newTestCoordinator(ledger, broadcaster)

	_, err := coordinator.Claim(context.Background(), "n1", testWalletAddress)
	require.NoError(t, err)

	_, err = coordinator.Claim(context.Background(), "n1", testWalletAddress)
	assert.ErrorIs(t, err, ErrAlreadyClaimed)
	assert.Equal(t, 1, broadcaster.callCount())
}

func TestClaimMalformedAddressConsumesNullifier(t *testing.T) {
	ledger := newFakeLedger()
	broadcaster := &fakeBroadcaster{}
	coordinator := newTestCoordinator(ledger, broadcaster)

	_, err := coordinator.Claim(context.Background(), "n2", "not-an-address")
	assert.ErrorIs(t, err, ErrInvalidAddress)

	// the malformed address never reaches the broadcaster
	assert.Equal(t, 0, broadcaster.callCount())

	// the nullifier is consumed; a retry with a valid address fails
	_, err = coordinator.Claim(context.Background(), "n2", testWalletAddress)
	assert.ErrorIs(t, err, ErrAlreadyClaimed)
}

func TestClaimBroadcastFailureLeavesRecordReserved(t *testing.T) {
	ledger := newFakeLedger()
	broadcaster := &fakeBroadcaster{
		err: fmt.Errorf("%w; connection refused", broadcast.ErrNetworkUnavailable),
	}
	coordinator := newTestCoordinator(ledger, broadcaster)

	_, err := coordinator.Claim(context.Background(), "n3", testWalletAddress)
	assert.ErrorIs(t, err, ErrTransactionFailed)

	record := ledger.record("n3")
	require.NotNil(t, record)
	assert.Equal(t, claimStatusReserved, *record.Status)
	assert.Nil(t, record.TxHash)
}

func TestClaimNeverReportsSuccessWithoutDurableRecord(t *testing.T) {
	ledger := newFakeLedger()
	ledger.recordErr = fmt.Errorf("storage unavailable; connection reset")
	broadcaster := &fakeBroadcaster{txHash: "0xdef"}
	coordinator := newTestCoordinator(ledger, broadcaster)

	record, err := coordinator.Claim(context.Background(), "n4", testWalletAddress)
	assert.ErrorIs(t, err, ErrTransactionFailed)
	assert.Nil(t, record)

	// the broadcast did occur; the caller is still told it failed
	assert.Equal(t, 1, broadcaster.callCount())
}

func TestClaimRejectedTransferSurfacesInvalidAddress(t *testing.T) {
	ledger := newFakeLedger()
	broadcaster := &fakeBroadcaster{
		err: fmt.Errorf("%w: 0xdeadbeef", broadcast.ErrInvalidRecipient),
	}
	coordinator := newTestCoordinator(ledger, broadcaster)

	_, err := coordinator.Claim(context.Background(), "n5", testWalletAddress)
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestClaimStorageUnavailableOnReservation(t *testing.T) {
	ledger := newFakeLedger()
	ledger.reserveErr = fmt.Errorf("storage unavailable; dial tcp: connection refused")
	broadcaster := &fakeBroadcaster{}
	coordinator := newTestCoordinator(ledger, broadcaster)

	_, err := coordinator.Claim(context.Background(), "n6", testWalletAddress)
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.Equal(t, 0, broadcaster.callCount())
}

func TestClaimInvalidParamsSurfaceAsCallerFault(t *testing.T) {
	ledger := newFakeLedger()
	broadcaster := &fakeBroadcaster{}
	coordinator := newTestCoordinator(ledger, broadcaster)

	// empty params fail ledger validation and must not be misreported as
	// an infrastructure fault
	_, err := coordinator.Claim(context.Background(), "", testWalletAddress)
	assert.ErrorIs(t, err, ErrInvalidAddress)
	assert.NotErrorIs(t, err, ErrStorageUnavailable)

	_, err = coordinator.Claim(context.Background(), "n7", "")
	assert.ErrorIs(t, err, ErrInvalidAddress)
	assert.Equal(t, 0, broadcaster.callCount())
}

func TestConcurrentClaimsForSameNullifier(t *testing.T) {
	ledger := newFakeLedger()
	broadcaster := &fakeBroadcaster{}
	coordinator := newTestCoordinator(ledger, broadcaster)

	const concurrency = 16

	var wg sync.WaitGroup
	outcomes := make(chan error, concurrency)

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := coordinator.Claim(context.Background(), "contended", testWalletAddress)
			outcomes <- err
		}()
	}

	wg.Wait()
	close(outcomes)

	var succeeded, alreadyClaimed int
	for err := range outcomes {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrAlreadyClaimed):
			alreadyClaimed++
		default:
			t.Fatalf("unexpected claim outcome: %s", err.Error())
		}
	}

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, concurrency-1, alreadyClaimed)
	assert.Equal(t, 1, broadcaster.callCount())
}

func TestRecordedTxHashIsImmutable(t *testing.T) {
	ledger := newFakeLedger()

	outcome, _, err := ledger.TryReserve("n7", testWalletAddress)
	require.NoError(t, err)
	require.Equal(t, ReserveCreated, outcome)

	recorded, err := ledger.RecordBroadcast("n7", "0xabc")
	require.NoError(t, err)
	require.Equal(t, RecordOk, recorded)

	recorded, err = ledger.RecordBroadcast("n7", "0xdef")
	require.NoError(t, err)
	assert.Equal(t, RecordConflict, recorded)

	record := ledger.record("n7")
	assert.Equal(t, "0xabc", *record.TxHash)
}
