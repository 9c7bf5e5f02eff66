/*
 * Copyright 2017-2022 Provide Technologies Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package claim

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/provideplatform/faucet/broadcast"
	"github.com/provideplatform/faucet/common"
)

// ErrAlreadyClaimed indicates the nullifier was previously consumed
var ErrAlreadyClaimed = errors.New("nullifier has already claimed")

// ErrInvalidAddress indicates a malformed recipient wallet address
var ErrInvalidAddress = errors.New("invalid wallet address")

// ErrTransactionFailed indicates the broadcast or the durable record of its
// transaction hash failed; the nullifier remains consumed
var ErrTransactionFailed = errors.New("transaction failed")

// ErrStorageUnavailable indicates the ledger could not be reached
var ErrStorageUnavailable = errors.New("storage unavailable")

// nullifierLedger is the subset of the ledger contract the coordinator requires
type nullifierLedger interface {
	TryReserve(nullifier, walletAddress string) (ReserveOutcome, *Claim, error)
	RecordBroadcast(nullifier, txHash string) (RecordOutcome, error)
}

// Coordinator drives the claim protocol: reserve the nullifier, broadcast
// the grant transfer, record the transaction hash. The steps are strictly
// ordered and each claim makes at most one broadcast attempt; every retry
// decision is deferred to out-of-band reconciliation.
type Coordinator struct {
	ledger           nullifierLedger
	broadcaster      broadcast.Broadcaster
	amount           *big.Int
	broadcastTimeout time.Duration
}

// NewCoordinator initializes a coordinator with the configured grant amount
// and broadcast timeout
func NewCoordinator(ledger *Ledger, broadcaster broadcast.Broadcaster) *Coordinator {
	return &Coordinator{
		ledger:           ledger,
		broadcaster:      broadcaster,
		amount:           common.ClaimAmount,
		broadcastTimeout: common.BroadcastTimeout,
	}
}

// Claim attempts to redeem the given nullifier for a token grant to the
// given wallet address, returning the finalized claim record
func (c *Coordinator) Claim(ctx context.Context, nullifier, walletAddress string) (*Claim, error) {
	outcome, record, err := c.ledger.TryReserve(nullifier, walletAddress)
	if outcome == ReserveInvalid {
		common.Log.Debugf("claim rejected; invalid claim params for nullifier %s", nullifier)
		return nil, ErrInvalidAddress
	}
	if err != nil {
		common.Log.Warningf("failed to reserve nullifier %s; %s", nullifier, err.Error())
		return nil, ErrStorageUnavailable
	}
	if outcome == ReserveAlreadyExists {
		common.Log.Debugf("claim rejected; nullifier %s already reserved", nullifier)
		return nil, ErrAlreadyClaimed
	}

	// the reservation is deliberately not released below this point; a
	// malformed address or failed broadcast consumes the nullifier and
	// leaves the record reserved for out-of-band reconciliation
	if !broadcast.ValidAddress(walletAddress) {
		common.Log.Debugf("claim rejected for nullifier %s; malformed wallet address: %s", nullifier, walletAddress)
		return nil, ErrInvalidAddress
	}

	bctx, cancel := context.WithTimeout(ctx, c.broadcastTimeout)
	defer cancel()

	txHash, err := c.broadcaster.BroadcastTransfer(bctx, walletAddress, c.amount)
	if err != nil {
		common.Log.Warningf("failed to broadcast transfer for nullifier %s; %s", nullifier, err.Error())
		if errors.Is(err, broadcast.ErrInvalidRecipient) {
			return nil, ErrInvalidAddress
		}
		return nil, ErrTransactionFailed
	}

	recorded, err := c.ledger.RecordBroadcast(nullifier, *txHash)
	if err != nil || recorded != RecordOk {
		// the transfer may have been accepted on-chain; surface a failure
		// regardless, since success is never reported without a durable
		// record of the transaction hash
		if err != nil {
			common.Log.Errorf("failed to record broadcast %s for nullifier %s; %s", *txHash, nullifier, err.Error())
		} else {
			common.Log.Errorf("failed to record broadcast %s for nullifier %s; record outcome: %d", *txHash, nullifier, recorded)
		}
		return nil, ErrTransactionFailed
	}

	record.TxHash = txHash
	record.Status = common.StringOrNil(claimStatusBroadcast)
	claimedAt := time.Now()
	record.ClaimedAt = &claimedAt

	common.Log.Debugf("finalized claim for nullifier %s; tx hash: %s", nullifier, *txHash)
	c.dispatchClaimFinalizedNotification(record)

	return record, nil
}
