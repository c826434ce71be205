// Copyright 2026 The Holdover Authors
// SPDX-License-Identifier: Apache-2.0

// holdover-sd is the secure-desktop-side bootstrap. The process copy
// launched inside the secure desktop runs it to consume the handshake
// published by the regular-desktop handler: it waits briefly on the
// handshake event, validates the published relay endpoint, and prints
// the derived connection parameters as JSON on stdout.
//
// When no usable handshake is available — nothing published, wait
// timed out, or the endpoint failed validation — it exits nonzero
// with "no connection". That is the normal outcome whenever the
// secure desktop appears without an active remote session.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/holdover-project/holdover/lib/config"
	"github.com/holdover-project/holdover/securedesktop"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "holdover-sd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var verbose bool

	flagSet := pflag.NewFlagSet("holdover-sd", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to YAML configuration file")
	flagSet.BoolVar(&verbose, "verbose", false, "enable debug logging")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	configuration, err := config.Load(configPath)
	if err != nil {
		return err
	}

	handler, err := securedesktop.New(securedesktop.Config{
		Runtime: configuration.Runtime,
		Relay:   configuration.Relay,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	defer handler.Terminate()

	info, err := handler.InitializeSecureDesktop()
	if err != nil {
		if errors.Is(err, securedesktop.ErrNoConnection) {
			return fmt.Errorf("no connection")
		}
		return err
	}

	encoded, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode connection info: %w", err)
	}
	fmt.Println(string(encoded))
	return nil
}
