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
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/provideplatform/faucet/common"
)

const erc20MintABI = `[{"inputs":[{"internalType":"address","name":"to","type":"address"},{"internalType":"uint256","name":"amount","type":"uint256"}],"name":"mint","outputs":[],"stateMutability":"nonpayable","type":"function"}]`

// EVMBroadcaster broadcasts token grants as mint calls against a configured
// ERC-20 contract; it wraps a single long-lived RPC connection and signing
// key and is safe for concurrent use
type EVMBroadcaster struct {
	client        *ethclient.Client
	chainID       *big.Int
	privateKey    *ecdsa.PrivateKey
	from          ethcommon.Address
	tokenContract ethcommon.Address
	contractABI   abi.ABI

	// serializes nonce assignment only; claim exclusion lives in the ledger
	mutex sync.Mutex
}

// NewEVMBroadcaster dials the given RPC endpoint and resolves the chain id
// for transaction signing
func NewEVMBroadcaster(ctx context.Context, rpcURL, signingKeyHex, tokenContractAddress string) (*EVMBroadcaster, error) {
	if !ValidAddress(tokenContractAddress) {
		return nil, fmt.Errorf("invalid token contract address: %s", tokenContractAddress)
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(signingKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse faucet signing key; %s", err.Error())
	}

	contractABI, err := abi.JSON(strings.NewReader(erc20MintABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token contract ABI; %s", err.Error())
	}

	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s; %s", rpcURL, err.Error())
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve chain id from %s; %s", rpcURL, err.Error())
	}

	from := crypto.PubkeyToAddress(privateKey.PublicKey)
	common.Log.Debugf("initialized evm broadcaster; faucet account: %s; token contract: %s; chain id: %s", from.Hex(), tokenContractAddress, chainID.String())

	return &EVMBroadcaster{
		client:        client,
		chainID:       chainID,
		privateKey:    privateKey,
		from:          from,
		tokenContract: ethcommon.HexToAddress(tokenContractAddress),
		contractABI:   contractABI,
	}, nil
}

// BroadcastTransfer signs and submits a mint of the given amount to the
// given recipient, returning the transaction hash upon acceptance
func (b *EVMBroadcaster) BroadcastTransfer(ctx context.Context, toAddress string, amount *big.Int) (*string, error) {
	if !ValidAddress(toAddress) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRecipient, toAddress)
	}

	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w; non-positive transfer amount", ErrRejected)
	}

	data, err := b.contractABI.Pack("mint", ethcommon.HexToAddress(toAddress), amount)
	if err != nil {
		return nil, fmt.Errorf("%w; failed to pack mint call; %s", ErrRejected, err.Error())
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()

	nonce, err := b.client.PendingNonceAt(ctx, b.from)
	if err != nil {
		return nil, classifyRPCError(err)
	}

	gasPrice, err := b.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, classifyRPCError(err)
	}

	gasLimit, err := b.client.EstimateGas(ctx, ethereum.CallMsg{
		From: b.from,
		To:   &b.tokenContract,
		Data: data,
	})
	if err != nil {
		return nil, classifyRPCError(err)
	}

	tx := types.NewTransaction(nonce, b.tokenContract, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(b.chainID), b.privateKey)
	if err != nil {
		return nil, fmt.Errorf("%w; failed to sign transfer; %s", ErrRejected, err.Error())
	}

	err = b.client.SendTransaction(ctx, signedTx)
	if err != nil {
		return nil, classifyRPCError(err)
	}

	hash := signedTx.Hash().Hex()
	common.Log.Debugf("broadcast %s token transfer to %s: %s", amount.String(), toAddress, hash)
	return &hash, nil
}

// Address returns the faucet account address
func (b *EVMBroadcaster) Address() string {
	return b.from.Hex()
}

// classifyRPCError distinguishes transport faults, where acceptance of the
// transfer is unknown, from remote rejection
func classifyRPCError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w; %s", ErrNetworkUnavailable, err.Error())
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w; %s", ErrNetworkUnavailable, err.Error())
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range []string{"connection refused", "connection reset", "broken pipe", "no such host", "timeout", "eof", "too many requests"} {
		if strings.Contains(msg, fragment) {
			return fmt.Errorf("%w; %s", ErrNetworkUnavailable, err.Error())
		}
	}

	return fmt.Errorf("%w; %s", ErrRejected, err.Error())
}
