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
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	dbconf "github.com/kthomas/go-db-config"
	redisutil "github.com/kthomas/go-redisutil"
	uuid "github.com/kthomas/go.uuid"
	provide "github.com/provideplatform/provide-go/common"
	util "github.com/provideplatform/provide-go/common/util"

	"github.com/provideplatform/faucet/common"
)

// ClaimRequest is the public claim API request body
type ClaimRequest struct {
	WalletAddress *string `json:"walletAddress"`
	Nullifier     *string `json:"nullifier"`
}

// ClaimResponse is the public claim API success body
type ClaimResponse struct {
	TxHash *string `json:"txHash"`
}

// InstallAPI registers the claim API handlers with gin
func InstallAPI(r *gin.Engine, coordinator *Coordinator) {
	r.POST("/api/claim", claimHandler(coordinator))

	r.GET("/api/v1/claims", listClaimsHandler)
	r.GET("/api/v1/claims/:claimIdentifier", claimDetailsHandler)
}

// claimHandler redeems a nullifier for a token grant; infrastructure
// faults are logged in full server-side and surfaced to the caller only as
// a generic message
func claimHandler(coordinator *Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		buf, err := c.GetRawData()
		if err != nil {
			provide.RenderError(err.Error(), 400, c)
			return
		}

		params := &ClaimRequest{}
		err = json.Unmarshal(buf, &params)
		if err != nil {
			provide.RenderError(err.Error(), 422, c)
			return
		}

		if params.Nullifier == nil || *params.Nullifier == "" {
			provide.RenderError("nullifier required", 400, c)
			return
		}

		if params.WalletAddress == nil || *params.WalletAddress == "" {
			provide.RenderError("walletAddress required", 400, c)
			return
		}

		if common.RequireCanonicalNullifiers && !CanonicalNullifier(*params.Nullifier) {
			provide.RenderError("invalid nullifier", 400, c)
			return
		}

		if claimCooldownActive(*params.WalletAddress) {
			provide.RenderError("claim cooldown in effect for wallet address", 429, c)
			return
		}

		record, err := coordinator.Claim(c.Request.Context(), *params.Nullifier, *params.WalletAddress)
		if err != nil {
			switch {
			case errors.Is(err, ErrAlreadyClaimed):
				provide.RenderError("this identity has already claimed", 409, c)
			case errors.Is(err, ErrInvalidAddress):
				provide.RenderError("invalid wallet address", 400, c)
			case errors.Is(err, ErrStorageUnavailable):
				provide.RenderError("an internal error occurred", 500, c)
			default:
				provide.RenderError("transaction failed", 500, c)
			}
			return
		}

		startClaimCooldown(*params.WalletAddress)
		provide.Render(&ClaimResponse{TxHash: record.TxHash}, 200, c)
	}
}

// list claim records; audit surface for authorized operators
func listClaimsHandler(c *gin.Context) {
	appID := util.AuthorizedSubjectID(c, "application")
	orgID := util.AuthorizedSubjectID(c, "organization")
	userID := util.AuthorizedSubjectID(c, "user")
	if appID == nil && orgID == nil && userID == nil {
		provide.RenderError("unauthorized", 401, c)
		return
	}

	db := dbconf.DatabaseConnection()
	query := db.Order("created_at DESC")
	if status := c.Query("status"); status != "" {
		query = query.Where("claims.status = ?", status)
	}

	var claims []*Claim
	provide.Paginate(c, query, &Claim{}).Find(&claims)
	provide.Render(claims, 200, c)
}

// fetch claim details by claim id or nullifier
func claimDetailsHandler(c *gin.Context) {
	appID := util.AuthorizedSubjectID(c, "application")
	orgID := util.AuthorizedSubjectID(c, "organization")
	userID := util.AuthorizedSubjectID(c, "user")
	if appID == nil && orgID == nil && userID == nil {
		provide.RenderError("unauthorized", 401, c)
		return
	}

	ledger := NewLedger(dbconf.DatabaseConnection())

	identifier := c.Param("claimIdentifier")
	var record *Claim
	var err error
	if claimID, uuidErr := uuid.FromString(identifier); uuidErr == nil {
		record, err = ledger.FindByID(claimID)
	} else {
		record, err = ledger.FindByNullifier(identifier)
	}
	if err != nil {
		common.Log.Warningf("failed to resolve claim; %s", err.Error())
		provide.RenderError("an internal error occurred", 500, c)
		return
	}
	if record == nil {
		provide.RenderError("claim not found", 404, c)
		return
	}

	provide.Render(record, 200, c)
}

func claimCooldownKey(walletAddress string) string {
	return fmt.Sprintf("faucet.claim.cooldown.%s", strings.ToLower(walletAddress))
}

func claimCooldownActive(walletAddress string) bool {
	if common.ClaimCooldown == 0 {
		return false
	}

	val, _ := redisutil.Get(claimCooldownKey(walletAddress))
	return val != nil
}

func startClaimCooldown(walletAddress string) {
	if common.ClaimCooldown == 0 {
		return
	}

	ttl := common.ClaimCooldown
	err := redisutil.Set(claimCooldownKey(walletAddress), time.Now().Unix(), &ttl)
	if err != nil {
		common.Log.Warningf("failed to start claim cooldown for wallet address %s; %s", walletAddress, err.Error())
	}
}
