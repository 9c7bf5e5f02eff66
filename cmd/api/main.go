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

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	dbconf "github.com/kthomas/go-db-config"
	redisutil "github.com/kthomas/go-redisutil"

	"github.com/provideplatform/faucet/broadcast"
	"github.com/provideplatform/faucet/claim"
	"github.com/provideplatform/faucet/common"
)

const runloopSleepInterval = 250 * time.Millisecond
const runloopTickInterval = 5000 * time.Millisecond

const shutdownGracePeriod = time.Second * 10

var (
	cancelF     context.CancelFunc
	closing     uint32
	shutdownCtx context.Context
	sigs        chan os.Signal

	srv *http.Server
)

func main() {
	common.Log.Debug("installing signal handlers for faucet API")
	installSignalHandlers()

	runAPI()

	timer := time.NewTicker(runloopTickInterval)
	defer timer.Stop()

	for !shuttingDown() {
		select {
		case <-timer.C:
			// no-op
		case sig := <-sigs:
			common.Log.Infof("received signal: %s", sig)
			shutdown()
		case <-shutdownCtx.Done():
			close(sigs)
		default:
			time.Sleep(runloopSleepInterval)
		}
	}

	common.Log.Debug("exiting faucet API")
	cancelF()
}

func installSignalHandlers() {
	sigs = make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	shutdownCtx, cancelF = context.WithCancel(context.Background())
}

func shutdown() {
	if atomic.AddUint32(&closing, 1) == 1 {
		common.Log.Debug("shutting down faucet API")
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		srv.Shutdown(ctx)
		cancelF()
	}
}

func shuttingDown() bool {
	return atomic.LoadUint32(&closing) > 0
}

func runAPI() {
	rpcURL := os.Getenv("RPC_URL")
	common.PanicIfEmpty(rpcURL, "RPC_URL is required")

	tokenContract := os.Getenv("TOKEN_CONTRACT_ADDRESS")
	common.PanicIfEmpty(tokenContract, "TOKEN_CONTRACT_ADDRESS is required")

	if common.ClaimCooldown > 0 {
		redisutil.RequireRedis()
	}

	broadcaster, err := broadcast.NewEVMBroadcaster(shutdownCtx, rpcURL, common.RequireFaucetSigningKey(), tokenContract)
	if err != nil {
		common.Log.Panicf("failed to initialize evm broadcaster; %s", err.Error())
	}

	coordinator := claim.NewCoordinator(claim.NewLedger(dbconf.DatabaseConnection()), broadcaster)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(corsMiddleware())

	claim.InstallAPI(r, coordinator)
	r.GET("/status", statusHandler)

	srv = &http.Server{
		Addr:    listenAddr(),
		Handler: r,
	}

	go func() {
		err := srv.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			common.Log.Panicf("failed to serve faucet API; %s", err.Error())
		}
	}()

	common.Log.Infof("faucet API listening on %s", srv.Addr)
}

func listenAddr() string {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	return fmt.Sprintf("0.0.0.0:%s", port)
}

func statusHandler(c *gin.Context) {
	c.JSON(200, map[string]interface{}{"status": "ok"})
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Accept, Accept-Encoding, Authorization, Content-Length, Content-Type, Origin, User-Agent")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
