// Copyright 2023 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package internal

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// exit is replaced in tests
var exit = os.Exit

type GracefulShutdownHandler interface {
	Shutdown()          // Triggers a graceful shutdown programmatically.
	ShuttingDown() bool // Quickly checks if a shutdown is in progress.
	Wait()              // Blocks until shutdown tasks are complete.
}

type gracefulShutdown struct {
	quit         chan os.Signal
	shuttingDown chan bool
	wg           sync.WaitGroup
}

// NewGracefulShutdown runs onShutdown once SIGINT or SIGTERM is received and exits afterwards.
// If onShutdown does not return within timeout, the process exits with code 1.
func NewGracefulShutdown(onShutdown func() error, timeout time.Duration) GracefulShutdownHandler {
	gs := &gracefulShutdown{
		quit:         make(chan os.Signal, 1),
		shuttingDown: make(chan bool, 1),
	}
	gs.wg.Add(1)
	signal.Notify(gs.quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer gs.wg.Done()
		sig := <-gs.quit
		gs.shuttingDown <- true
		zap.S().Infow("Received signal, shutting down", "signal", sig.String())

		code := 0
		if onShutdown != nil {
			done := make(chan error, 1)
			go func() { done <- onShutdown() }()

			select {
			case err := <-done:
				if err != nil {
					zap.S().Errorw("Error during shutdown", "error", err)
					code = 1
				}
			case <-time.After(timeout):
				zap.S().Errorw("Shutdown tasks did not complete in time", "timeout", timeout)
				code = 1
			}
		}
		zap.S().Info("Shutdown tasks completed. Ready to exit.")
		_ = zap.S().Sync()
		exit(code)
	}()

	return gs
}

func (gs *gracefulShutdown) ShuttingDown() bool {
	select {
	case <-gs.shuttingDown:
		// Put the value back, in case it's checked again later during shutdown.
		gs.shuttingDown <- true
		return true
	default:
		return false
	}
}

func (gs *gracefulShutdown) Shutdown() {
	if !gs.ShuttingDown() {
		gs.quit <- syscall.SIGTERM
	}
}

func (gs *gracefulShutdown) Wait() {
	gs.wg.Wait()
}
