package common

import (
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	logger "github.com/kthomas/go-logger"
	"github.com/provideplatform/provide-go/api/vault"
	"github.com/provideplatform/provide-go/common/util"
)

const defaultBroadcastTimeout = time.Second * 30

// defaultClaimAmount is 100 tokens denominated in the token's smallest unit (18 decimals)
const defaultClaimAmount = "100000000000000000000"

var (
	// Log is the configured logger
	Log *logger.Logger

	// ConsumeNATSStreamingSubscriptions indicates if the instance is configured to consume NATS subscriptions
	ConsumeNATSStreamingSubscriptions bool

	// DispatchNATSNotifications indicates if the instance publishes claim lifecycle notifications
	DispatchNATSNotifications bool

	// DefaultVault for this faucet instance
	DefaultVault *vault.Vault

	// ClaimAmount is the fixed grant size transferred per claim, in the token's smallest unit
	ClaimAmount *big.Int

	// ClaimCooldown is the minimum interval between claims per wallet address; zero disables the cooldown
	ClaimCooldown time.Duration

	// BroadcastTimeout bounds each transfer broadcast attempt
	BroadcastTimeout time.Duration

	// RequireCanonicalNullifiers indicates if inbound nullifiers must be canonical BN254 scalars
	RequireCanonicalNullifiers bool
)

func init() {
	godotenv.Load()

	requireLogger()
	requireClaimConfiguration()

	ConsumeNATSStreamingSubscriptions = strings.ToLower(os.Getenv("CONSUME_NATS_STREAMING_SUBSCRIPTIONS")) == "true"
	DispatchNATSNotifications = strings.ToLower(os.Getenv("DISPATCH_NATS_NOTIFICATIONS")) == "true"
	RequireCanonicalNullifiers = strings.ToLower(os.Getenv("REQUIRE_CANONICAL_NULLIFIERS")) == "true"
}

func requireLogger() {
	lvl := os.Getenv("LOG_LEVEL")
	if lvl == "" {
		lvl = "INFO"
	}

	var endpoint *string
	if os.Getenv("SYSLOG_ENDPOINT") != "" {
		endpt := os.Getenv("SYSLOG_ENDPOINT")
		endpoint = &endpt
	}

	Log = logger.NewLogger("faucet", lvl, endpoint)
}

func requireClaimConfiguration() {
	amount := os.Getenv("CLAIM_AMOUNT")
	if amount == "" {
		amount = defaultClaimAmount
	}

	var ok bool
	ClaimAmount, ok = new(big.Int).SetString(amount, 10)
	if !ok || ClaimAmount.Sign() <= 0 {
		Log.Panicf("failed to parse CLAIM_AMOUNT; %s is not a positive base-10 integer", amount)
	}

	ClaimCooldown = 0
	if os.Getenv("CLAIM_COOLDOWN") != "" {
		cooldown, err := time.ParseDuration(os.Getenv("CLAIM_COOLDOWN"))
		if err != nil {
			Log.Panicf("failed to parse CLAIM_COOLDOWN; %s", err.Error())
		}
		ClaimCooldown = cooldown
	}

	BroadcastTimeout = defaultBroadcastTimeout
	if os.Getenv("BROADCAST_TIMEOUT") != "" {
		timeout, err := time.ParseDuration(os.Getenv("BROADCAST_TIMEOUT"))
		if err != nil {
			Log.Panicf("failed to parse BROADCAST_TIMEOUT; %s", err.Error())
		}
		BroadcastTimeout = timeout
	}
}

// RequireVault resolves or creates the default faucet vault instance
func RequireVault() {
	util.RequireVault()

	vaults, err := vault.ListVaults(util.DefaultVaultAccessJWT, map[string]interface{}{})
	if err != nil {
		Log.Panicf("failed to fetch vaults for given faucet vault token; %s", err.Error())
	}

	if len(vaults) > 0 {
		// HACK
		DefaultVault = vaults[0]
		Log.Debugf("resolved default faucet vault instance: %s", DefaultVault.ID.String())
	} else {
		DefaultVault, err = vault.CreateVault(util.DefaultVaultAccessJWT, map[string]interface{}{
			"name":        fmt.Sprintf("faucet vault %d", time.Now().Unix()),
			"description": "default faucet vault",
		})
		if err != nil {
			Log.Panicf("failed to create default vault for faucet instance; %s", err.Error())
		}
		Log.Debugf("created default faucet vault instance: %s", DefaultVault.ID.String())
	}
}

// RequireFaucetSigningKey resolves the hex-encoded signing key for the faucet
// account, preferring the environment and falling back to a vault secret
func RequireFaucetSigningKey() string {
	key := os.Getenv("FAUCET_PRIVATE_KEY")
	if key != "" {
		return key
	}

	secretID := os.Getenv("FAUCET_KEY_SECRET_ID")
	if secretID == "" {
		Log.Panicf("failed to resolve faucet signing key; no FAUCET_PRIVATE_KEY or FAUCET_KEY_SECRET_ID configured")
	}

	RequireVault()

	secret, err := vault.FetchSecret(
		util.DefaultVaultAccessJWT,
		DefaultVault.ID.String(),
		secretID,
		map[string]interface{}{},
	)
	if err != nil {
		Log.Panicf("failed to fetch faucet signing key from vault; %s", err.Error())
	}

	return *secret.Value
}
