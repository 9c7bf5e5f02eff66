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

package broadcast

import (
	"context"
	"errors"
	"math/big"
	"strings"

	ethcommon "github.com/ethereum/go-ethereum/common"
)

// ErrInvalidRecipient indicates a malformed recipient address; not retryable
var ErrInvalidRecipient = errors.New("invalid recipient address")

// ErrNetworkUnavailable indicates a transient transport fault; the caller
// cannot know if the transfer was accepted by the remote network
var ErrNetworkUnavailable = errors.New("network unavailable")

// ErrRejected indicates the remote network refused the transfer;
// not retryable with the same parameters
var ErrRejected = errors.New("transfer rejected")

// Broadcaster abstracts submission of a value transfer to a remote ledger
// network; a returned transaction hash implies acceptance for processing,
// not finality
type Broadcaster interface {
	BroadcastTransfer(ctx context.Context, toAddress string, amount *big.Int) (*string, error)
}

// ValidAddress returns true when the given string is a well-formed,
// 0x-prefixed 20-byte hex address
func ValidAddress(addr string) bool {
	return strings.HasPrefix(addr, "0x") && ethcommon.IsHexAddress(addr)
}
