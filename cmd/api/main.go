/*
 * Copyright 2024-2025 Provenant Labs, Inc.
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
	redisutil "github.com/kthomas/go-redisutil"

	"github.com/provenant-ai/provenant/attestation"
	"github.com/provenant-ai/provenant/certification"
	"github.com/provenant-ai/provenant/challenge"
	"github.com/provenant-ai/provenant/common"
	"github.com/provenant-ai/provenant/store"
	"github.com/provenant-ai/provenant/verification"
)

const runloopSleepInterval = 250 * time.Millisecond
const runloopTickInterval = 5000 * time.Millisecond

const defaultListenPort = "8080"

var (
	cancelF     context.CancelFunc
	closing     uint32
	shutdownCtx context.Context
	sigs        chan os.Signal

	srv *http.Server
)

func main() {
	common.Log.Debug("installing signal handlers for provenant API")
	installSignalHandlers()

	redisutil.RequireRedis()

	verification.RequireAttestor(attestation.NewClient())
	certification.RequireGateway(certification.NewGateway())

	runAPI()

	timer := time.NewTicker(runloopTickInterval)
	defer timer.Stop()

	for !shuttingDown() {
		select {
		case <-timer.C:
			// tick... no-op
		case sig := <-sigs:
			common.Log.Debugf("received signal: %s", sig)
			shutdown()
		case <-shutdownCtx.Done():
			close(sigs)
		default:
			time.Sleep(runloopSleepInterval)
		}
	}

	common.Log.Debug("exiting provenant API")
	cancelF()
}

func installSignalHandlers() {
	sigs = make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	shutdownCtx, cancelF = context.WithCancel(context.Background())
}

func shutdown() {
	if atomic.AddUint32(&closing, 1) == 1 {
		common.Log.Debug("shutting down provenant API")

		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			common.Log.Warningf("failed to gracefully shut down API server; %s", err.Error())
		}

		cancelF()
	}
}

func shuttingDown() bool {
	return atomic.LoadUint32(&closing) > 0
}

func runAPI() {
	port := os.Getenv("PORT")
	if port == "" {
		port = defaultListenPort
	}

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/status", statusHandler)

	verification.InstallAPI(r)
	challenge.InstallAPI(r)
	store.InstallAPI(r)

	srv = &http.Server{
		Addr:    fmt.Sprintf("0.0.0.0:%s", port),
		Handler: r,
	}

	go func() {
		common.Log.Infof("provenant API listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			common.Log.Panicf("failed to serve provenant API; %s", err.Error())
		}
	}()
}

func statusHandler(c *gin.Context) {
	c.JSON(200, gin.H{"status": "ok"})
}
