// Copyright 2026 OpenCircle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/opencircle/loupe/internal/log"
	"github.com/opencircle/loupe/pkg/config"
	"github.com/opencircle/loupe/pkg/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Construct the service graph and run until interrupted",
	Long: `Wire the catalog, vault, trace recorder, store, and both engines from
the configuration and keep them running. A transport layer (REST
gateway) attaches to the service externally.`,
	Run: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(config.ExitConfigInvalid)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(config.ExitConfigInvalid)
	}

	svc, closer, err := service.Build(cfg, log.Logger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start: %v\n", err)
		os.Exit(config.ExitStorageUnavailable)
	}
	defer closer() //nolint:errcheck
	_ = svc

	log.Info("loupe ready", zap.String("database_driver", cfg.DatabaseDriver))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info("shutting down", zap.String("signal", s.String()))
}
