// root.go: Command tree, environment loading and shared runtime
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"errors"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agilira/xipr"
)

var (
	envFile string
	debug   bool

	appCtx *app
)

// app is what every subcommand works with.
type app struct {
	cfg     *xipr.Config
	logger  *zap.Logger
	secrets *xipr.SecretStore
	backend *backend
}

func (r *app) close() {
	if r.backend != nil {
		r.backend.close()
	}
	r.secrets.Close()
	_ = r.logger.Sync()
}

func execute() error {
	root := &cobra.Command{
		Use:           "xiprctl",
		Short:         "Operate the xipr end-to-end encryption core",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}

			logger, err := newLogger(debug)
			if err != nil {
				return err
			}
			cfg, err := xipr.ConfigFromEnv(os.LookupEnv)
			if err != nil {
				return err
			}
			cfg.Logger = logger

			secrets := xipr.NewSecretStore(logger)
			b, err := openBackend(cmd.Context(), os.LookupEnv, secrets, cfg)
			if err != nil {
				secrets.Close()
				return err
			}
			appCtx = &app{cfg: cfg, logger: logger, secrets: secrets, backend: b}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if appCtx != nil {
				appCtx.close()
			}
		},
	}

	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file with XIPR_* settings")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "development logging")

	root.AddCommand(suitesCmd(), configCmd(), deviceCmd(), preKeysCmd(), serverSetupCmd(), selfTestCmd())
	return root.ExecuteContext(context.Background())
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}
