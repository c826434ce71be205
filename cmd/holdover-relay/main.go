// Copyright 2026 The Holdover Authors
// SPDX-License-Identifier: Apache-2.0

// holdover-relay runs a standalone loopback relay server. The secure
// desktop handler normally starts its relay in-process; this binary
// exists for debugging the wire protocol and for integration setups
// that need a relay outliving any one handler.
//
// With --token empty, a fresh channel token is generated and printed
// to stdout so clients started by hand can join.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/holdover-project/holdover/lib/config"
	"github.com/holdover-project/holdover/relay"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "holdover-relay: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var port int
	var token string
	var verbose bool

	flagSet := pflag.NewFlagSet("holdover-relay", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to YAML configuration file")
	flagSet.IntVar(&port, "port", 0, "TCP port to bind (0 asks the OS for an ephemeral port)")
	flagSet.StringVar(&token, "token", "", "channel token clients must present (empty generates one)")
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

	if token == "" {
		token = uuid.NewString()
		fmt.Printf("token: %s\n", token)
	}

	server, err := relay.NewServer(relay.Config{
		BindHost:  configuration.Relay.BindHost,
		Port:      port,
		Token:     token,
		AuthGrace: configuration.Relay.AuthGrace,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	fmt.Printf("listening on %s:%d\n", configuration.Relay.BindHost, server.Port())

	interrupted := make(chan os.Signal, 1)
	signal.Notify(interrupted, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-interrupted
		logger.Info("shutting down relay server")
		server.Close()
	}()

	server.Serve()
	return nil
}
