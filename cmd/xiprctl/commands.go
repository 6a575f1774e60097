// commands.go: Provisioning subcommands
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agilira/xipr"
)

func suitesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "suites",
		Short: "List supported cipher suites",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, id := range xipr.Suites() {
				marker := ""
				if id == appCtx.cfg.Suite {
					marker = " (configured)"
				}
				fmt.Fprintf(out, "0x%04x  %s%s\n", uint16(id), id, marker)
			}
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			view := struct {
				*xipr.Config
				SuiteName string `json:"suite_name"`
				Storage   string `json:"storage"`
			}{appCtx.cfg, appCtx.cfg.Suite.String(), appCtx.backend.name}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(view)
		},
	}
}

func deviceCmd() *cobra.Command {
	var attest bool
	cmd := &cobra.Command{
		Use:   "device <device-id>",
		Short: "Enroll a device and print its public identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			km, err := xipr.NewKeyManager(appCtx.cfg, appCtx.backend.store, appCtx.secrets, nil)
			if err != nil {
				return err
			}
			defer km.Close()

			keys, err := km.GenerateDeviceKeys(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "device:         %s\n", keys.DeviceID)
			fmt.Fprintf(out, "suite:          %s\n", keys.Encryption.Suite)
			fmt.Fprintf(out, "signing key:    %s (%s)\n", xipr.KeyToBase64(keys.Signing.Public), keys.Signing.Fingerprint())
			fmt.Fprintf(out, "encryption key: %s (%s)\n", xipr.KeyToBase64(keys.Encryption.Public), keys.Encryption.Fingerprint())

			if attest {
				att, err := km.Attest(cmd.Context(), keys.DeviceID)
				if err != nil {
					return err
				}
				ok, assurance := km.VerifyAttestation(cmd.Context(), att)
				fmt.Fprintf(out, "attestation:    provider=%s verified=%t assurance=%s\n", att.Provider, ok, assurance)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&attest, "attest", false, "also produce and verify an attestation")
	return cmd
}

func preKeysCmd() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "prekeys <user-id>",
		Short: "Publish a batch of one-time pre-keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			km, err := xipr.NewKeyManager(appCtx.cfg, appCtx.backend.store, appCtx.secrets, nil)
			if err != nil {
				return err
			}
			defer km.Close()

			batch, err := km.GeneratePreKeys(cmd.Context(), args[0], count)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, pk := range batch {
				fmt.Fprintf(out, "%d\t%s\n", pk.ID, xipr.KeyToBase64(pk.KeyPair.Public))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 0, "number of pre-keys (0 uses XIPR_PREKEY_BATCH_SIZE)")
	return cmd
}

func serverSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "server-setup",
		Short: "Generate OPAQUE server material (base64, keep it secret)",
		RunE: func(cmd *cobra.Command, args []string) error {
			setup, err := xipr.GenerateServerSetup(appCtx.cfg.Rand, appCtx.secrets)
			if err != nil {
				return err
			}
			defer setup.Release()

			raw, err := setup.Export()
			if err != nil {
				return err
			}
			defer xipr.Zeroize(raw)
			fmt.Fprintln(cmd.OutOrStdout(), xipr.KeyToBase64(raw))
			appCtx.logger.Info("opaque server setup generated")
			return nil
		},
	}
}
