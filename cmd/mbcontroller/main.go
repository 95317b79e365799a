// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Command mbcontroller runs a Modbus master that polls a parameter table,
// or a Modbus slave that serves register areas, from a config file.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/pflag"

	"github.com/ffutop/modbus-controller/internal/config"
)

func main() {
	fs := config.NewFlagSet(os.Args[0])
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	// Load Configuration
	cfg, err := config.LoadFlags(fs)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	closeLog := setupLogger(cfg.Log)
	defer closeLog()

	slog.Info("Starting Modbus Controller...", "role", cfg.Role)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch cfg.Role {
	case "master":
		err = runMaster(ctx, cfg.Master)
	case "slave":
		err = runSlave(ctx, cfg.Slave)
	}
	if err != nil {
		slog.Error("Controller stopped with error", "role", cfg.Role, "err", err)
		closeLog()
		os.Exit(1)
	}
	slog.Info("Goodbye.")
}
