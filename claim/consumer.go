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
	"os"
	"sync"
	"time"

	dbconf "github.com/kthomas/go-db-config"
	natsutil "github.com/kthomas/go-natsutil"
	"github.com/nats-io/nats.go"

	"github.com/provideplatform/faucet/common"
)

const defaultNatsStream = "faucet"

const natsClaimReconcileSubject = "faucet.claim.reconcile"
const claimReconcileAckWait = time.Minute * 5
const claimReconcileTimeout = int64(time.Minute * 5)
const claimReconcileMaxInFlight = 32
const claimReconcileMaxDeliveries = 5

const defaultReconcileClaimAge = time.Hour * 1

var reconcileClaimAge time.Duration

func init() {
	if !common.ConsumeNATSStreamingSubscriptions {
		common.Log.Debug("claim package consumer configured to skip NATS streaming subscription setup")
		return
	}

	reconcileClaimAge = defaultReconcileClaimAge
	if os.Getenv("RECONCILE_CLAIM_AGE") != "" {
		age, err := time.ParseDuration(os.Getenv("RECONCILE_CLAIM_AGE"))
		if err != nil {
			common.Log.Panicf("failed to parse RECONCILE_CLAIM_AGE; %s", err.Error())
		}
		reconcileClaimAge = age
	}

	natsutil.EstablishSharedNatsConnection(nil)
	natsutil.NatsCreateStream(defaultNatsStream, []string{
		fmt.Sprintf("%s.>", defaultNatsStream),
	})

	var waitGroup sync.WaitGroup

	createNatsClaimReconcileSubscriptions(&waitGroup)
}

func createNatsClaimReconcileSubscriptions(wg *sync.WaitGroup) {
	for i := uint64(0); i < natsutil.GetNatsConsumerConcurrency(); i++ {
		natsutil.RequireNatsJetstreamSubscription(wg,
			claimReconcileAckWait,
			natsClaimReconcileSubject,
			natsClaimReconcileSubject,
			natsClaimReconcileSubject,
			consumeClaimReconcileMsg,
			claimReconcileAckWait,
			claimReconcileMaxInFlight,
			claimReconcileMaxDeliveries,
			nil,
		)
	}
}

// consumeClaimReconcileMsg sweeps reserved claims older than the configured
// threshold and raises an orphaned-claim event for each; the sweep never
// mutates claim state and never rebroadcasts -- resolution is an operator
// concern
func consumeClaimReconcileMsg(msg *nats.Msg) {
	defer func() {
		if r := recover(); r != nil {
			common.Log.Warningf("recovered during claim reconciliation; %s", r)
			msg.Nak()
		}
	}()

	common.Log.Debugf("consuming %d-byte NATS claim reconcile message on subject: %s", len(msg.Data), msg.Subject)

	ledger := NewLedger(dbconf.DatabaseConnection())
	stale, err := ledger.FindStale(time.Now().Add(-reconcileClaimAge))
	if err != nil {
		common.Log.Warningf("failed to list stale claims during reconciliation; %s", err.Error())
		natsutil.AttemptNack(msg, claimReconcileTimeout)
		return
	}

	for _, record := range stale {
		common.Log.Warningf("claim for nullifier %s reserved at %s has no recorded transaction", *record.Nullifier, record.CreatedAt.Format(time.RFC3339))
		dispatchClaimOrphanedNotification(record)
	}

	common.Log.Debugf("claim reconciliation sweep complete; %d orphaned claim(s)", len(stale))
	msg.Ack()
}
