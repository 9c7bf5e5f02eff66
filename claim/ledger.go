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
	"fmt"
	"time"

	"github.com/jinzhu/gorm"
	dbconf "github.com/kthomas/go-db-config"
	uuid "github.com/kthomas/go.uuid"
	"github.com/lib/pq"

	"github.com/provideplatform/faucet/common"
)

// ReserveOutcome is the result of an attempted nullifier reservation
type ReserveOutcome int

const (
	// ReserveCreated indicates the nullifier was unseen and is now reserved
	ReserveCreated ReserveOutcome = iota

	// ReserveAlreadyExists indicates the nullifier was previously reserved; no mutation occurred
	ReserveAlreadyExists

	// ReserveInvalid indicates the claim params failed validation; no mutation occurred
	ReserveInvalid
)

// RecordOutcome is the result of an attempt to record a broadcast transaction
type RecordOutcome int

const (
	// RecordOk indicates the transaction hash was durably recorded
	RecordOk RecordOutcome = iota

	// RecordNotFound indicates no claim exists for the nullifier
	RecordNotFound

	// RecordConflict indicates the claim already has a transaction hash; the original is unchanged
	RecordConflict
)

// Ledger mediates all mutation of the claims table; the underlying unique
// constraint on the nullifier column is the sole cross-process exclusion
// primitive for the claim protocol
type Ledger struct {
	db *gorm.DB
}

// NewLedger initializes a ledger over the given db connection, falling back
// to the configured connection pool
func NewLedger(db *gorm.DB) *Ledger {
	if db == nil {
		db = dbconf.DatabaseConnection()
	}
	return &Ledger{db: db}
}

// TryReserve atomically inserts a reserved claim for the given nullifier;
// the INSERT relies on the storage-level unique constraint, never on a
// read-then-write, so exactly one of any number of concurrent reservations
// for the same nullifier observes ReserveCreated
func (l *Ledger) TryReserve(nullifier, walletAddress string) (ReserveOutcome, *Claim, error) {
	c := &Claim{
		Nullifier:     common.StringOrNil(nullifier),
		WalletAddress: common.StringOrNil(walletAddress),
		Status:        common.StringOrNil(claimStatusReserved),
	}

	if !c.validate() {
		return ReserveInvalid, nil, fmt.Errorf("failed to reserve nullifier; invalid claim params")
	}

	result := l.db.Create(&c)
	if errs := result.GetErrors(); len(errs) > 0 {
		for _, err := range errs {
			if isUniqueViolation(err) {
				return ReserveAlreadyExists, nil, nil
			}
		}
		return ReserveAlreadyExists, nil, fmt.Errorf("storage unavailable; failed to reserve nullifier; %s", errs[0].Error())
	}

	return ReserveCreated, c, nil
}

// RecordBroadcast transitions the claim for the given nullifier to
// broadcast and sets its transaction hash, only if no hash is present;
// the guard lives in the UPDATE predicate so a recorded hash can never
// be overwritten
func (l *Ledger) RecordBroadcast(nullifier, txHash string) (RecordOutcome, error) {
	claimedAt := time.Now()

	result := l.db.Model(&Claim{}).Where("nullifier = ? AND tx_hash IS NULL", nullifier).Updates(map[string]interface{}{
		"tx_hash":    txHash,
		"status":     claimStatusBroadcast,
		"claimed_at": claimedAt,
	})
	if errs := result.GetErrors(); len(errs) > 0 {
		return RecordNotFound, fmt.Errorf("storage unavailable; failed to record broadcast for nullifier; %s", errs[0].Error())
	}

	if result.RowsAffected == 0 {
		existing, err := l.FindByNullifier(nullifier)
		if err != nil {
			return RecordNotFound, err
		}
		if existing == nil {
			return RecordNotFound, nil
		}
		return RecordConflict, nil
	}

	return RecordOk, nil
}

// FindByNullifier resolves the claim for the given nullifier, or nil
func (l *Ledger) FindByNullifier(nullifier string) (*Claim, error) {
	c := &Claim{}
	result := l.db.Where("nullifier = ?", nullifier).First(&c)
	if result.RecordNotFound() {
		return nil, nil
	}
	if errs := result.GetErrors(); len(errs) > 0 {
		return nil, fmt.Errorf("storage unavailable; failed to resolve claim for nullifier; %s", errs[0].Error())
	}
	return c, nil
}

// FindByID resolves the claim with the given id, or nil
func (l *Ledger) FindByID(claimID uuid.UUID) (*Claim, error) {
	c := &Claim{}
	result := l.db.Where("id = ?", claimID).First(&c)
	if result.RecordNotFound() {
		return nil, nil
	}
	if errs := result.GetErrors(); len(errs) > 0 {
		return nil, fmt.Errorf("storage unavailable; failed to resolve claim %s; %s", claimID, errs[0].Error())
	}
	return c, nil
}

// FindStale lists reserved claims created before the given threshold;
// these are candidates for out-of-band reconciliation
func (l *Ledger) FindStale(olderThan time.Time) ([]*Claim, error) {
	claims := make([]*Claim, 0)
	result := l.db.Where("status = ? AND created_at < ?", claimStatusReserved, olderThan).Order("created_at ASC").Find(&claims)
	if errs := result.GetErrors(); len(errs) > 0 {
		return nil, fmt.Errorf("storage unavailable; failed to list stale claims; %s", errs[0].Error())
	}
	return claims, nil
}

func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}
