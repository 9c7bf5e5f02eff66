package claim

import (
	"encoding/json"

	natsutil "github.com/kthomas/go-natsutil"

	"github.com/provideplatform/faucet/common"
)

const natsClaimFinalizedSubject = "faucet.claim.finalized"
const natsClaimOrphanedSubject = "faucet.claim.orphaned"

// dispatchClaimFinalizedNotification publishes a best-effort event when a
// claim has been broadcast and durably recorded; delivery failure never
// affects the claim outcome
func (c *Coordinator) dispatchClaimFinalizedNotification(record *Claim) {
	if !common.DispatchNATSNotifications {
		return
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"nullifier":      record.Nullifier,
		"wallet_address": record.WalletAddress,
		"tx_hash":        record.TxHash,
	})

	_, err := natsutil.NatsJetstreamPublish(natsClaimFinalizedSubject, payload)
	if err != nil {
		common.Log.Warningf("failed to dispatch claim finalized notification; %s", err.Error())
	}
}

func dispatchClaimOrphanedNotification(record *Claim) {
	payload, _ := json.Marshal(map[string]interface{}{
		"nullifier":      record.Nullifier,
		"wallet_address": record.WalletAddress,
		"created_at":     record.CreatedAt,
	})

	_, err := natsutil.NatsJetstreamPublish(natsClaimOrphanedSubject, payload)
	if err != nil {
		common.Log.Warningf("failed to dispatch claim orphaned notification; %s", err.Error())
	}
}
