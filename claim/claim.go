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
	"math/big"
	"strings"
	"time"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	provide "github.com/provideplatform/provide-go/api"

	"github.com/provideplatform/faucet/common"
)

const claimStatusReserved = "reserved"
const claimStatusBroadcast = "broadcast"

// Claim model; one record per consumed nullifier. Records are never
// deleted -- the table is the audit trail of every claim attempt.
type Claim struct {
	provide.Model

	Nullifier     *string `sql:"not null" json:"nullifier"`
	WalletAddress *string `sql:"not null" json:"wallet_address"`

	// TxHash is nil until a broadcast has been durably recorded; it is
	// immutable once set
	TxHash *string `json:"tx_hash,omitempty"`

	Status    *string    `sql:"not null;default:'reserved'" json:"status"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
}

// validate the claim params
func (c *Claim) validate() bool {
	c.Errors = make([]*provide.Error, 0)

	if c.Nullifier == nil || *c.Nullifier == "" {
		c.Errors = append(c.Errors, &provide.Error{
			Message: common.StringOrNil("nullifier required"),
		})
	}

	if c.WalletAddress == nil || *c.WalletAddress == "" {
		c.Errors = append(c.Errors, &provide.Error{
			Message: common.StringOrNil("wallet address required"),
		})
	}

	return len(c.Errors) == 0
}

// CanonicalNullifier returns true when the given nullifier parses as a
// canonical BN254 scalar field element; nullifiers produced by the zk
// identity flow are MiMC digests and always satisfy this
func CanonicalNullifier(nullifier string) bool {
	n, ok := new(big.Int).SetString(strings.TrimPrefix(nullifier, "0x"), 16)
	if !ok {
		return false
	}
	return n.Sign() >= 0 && n.Cmp(fr.Modulus()) < 0
}
