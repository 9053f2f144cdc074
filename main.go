// Copyright (c) 2025-2026 The Lightning Hive developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/lightninghive/hive-archon/plugin"
	"github.com/lightninghive/hive-archon/signal"
)

var cfg *config

// runMain loads the configuration and runs the plugin host over stdin and
// stdout until lightningd closes the stream or a shutdown signal arrives.
func runMain(ctx context.Context) error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	loadedCfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	cfg = loadedCfg

	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	log.Infof("Version: %s", cfg.Version)
	log.Infof("Home dir: %s", cfg.HomeDir)

	host := plugin.NewHost(plugin.Config{
		DBPath:            cfg.DBPath,
		GatewayURL:        cfg.Gateway,
		NetworkEnabled:    cfg.NetworkEnabled,
		GovernanceMinBond: cfg.GovernanceMinBond,
		GatewayAuthToken:  cfg.GatewayAuthToken,
	}, os.Stdin, os.Stdout)

	if err := host.Run(ctx); err != nil {
		log.Errorf("Plugin host exited: %v", err)
		return err
	}

	log.Info("Shutdown complete")
	return nil
}

func main() {
	// Create a context that is cancelled when a shutdown request is
	// received through an interrupt signal.
	ctx := signal.WithShutdownCancel(context.Background())
	go signal.ShutdownListener()
	if err := runMain(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
