// selftest.go: End-to-end exercise of every core component
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/agilira/xipr"
)

func selfTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "selftest",
		Short: "Run HPKE, OPAQUE, session and group round trips against the configured storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			steps := []struct {
				name string
				run  func(context.Context) error
			}{
				{"hpke", selfTestHPKE},
				{"opaque+session", selfTestOpaque},
				{"group", selfTestGroup},
			}
			for _, step := range steps {
				if err := step.run(cmd.Context()); err != nil {
					fmt.Fprintf(out, "FAIL %s: %v\n", step.name, err)
					return err
				}
				fmt.Fprintf(out, "ok   %s\n", step.name)
			}
			return nil
		},
	}
}

func selfTestHPKE(context.Context) error {
	hc, err := xipr.NewHybridCipher(appCtx.cfg)
	if err != nil {
		return err
	}
	recipient, err := hc.GenerateKeyPair(appCtx.secrets)
	if err != nil {
		return err
	}
	defer recipient.Release()

	msg := []byte("xiprctl selftest")
	ct, err := hc.Seal(recipient.Public, msg, []byte("selftest"))
	if err != nil {
		return err
	}
	pt, err := hc.Open(recipient, ct)
	if err != nil {
		return err
	}
	if !bytes.Equal(pt, msg) {
		return fmt.Errorf("hpke round trip mismatch")
	}
	return nil
}

func selfTestOpaque(ctx context.Context) error {
	cfg := *appCtx.cfg
	store := appCtx.backend.store

	setup, err := xipr.GenerateServerSetup(cfg.Rand, appCtx.secrets)
	if err != nil {
		return err
	}
	defer setup.Release()
	server, err := xipr.NewOpaqueServer(&cfg, setup, store)
	if err != nil {
		return err
	}
	client, err := xipr.NewOpaqueClient(&cfg)
	if err != nil {
		return err
	}

	userID := "selftest-" + uuid.NewString()
	password := make([]byte, 24)
	if _, err := io.ReadFull(cfg.Rand, password); err != nil {
		return err
	}
	defer xipr.Zeroize(password)
	defer func() { _, _ = server.DeleteRegistration(ctx, userID) }()

	req, state, err := client.StartRegistration(password)
	if err != nil {
		return err
	}
	resp, err := server.StartRegistration(ctx, userID, req)
	if err != nil {
		return err
	}
	record, exportKey, err := client.FinishRegistration(state, resp)
	if err != nil {
		return err
	}
	xipr.Zeroize(exportKey)
	if err := server.FinishRegistration(ctx, userID, record); err != nil {
		return err
	}

	login := client.NewLogin(userID)
	ke1, err := login.Start(password)
	if err != nil {
		return err
	}
	ke2, serverState, err := server.StartLogin(ctx, userID, ke1)
	if err != nil {
		return err
	}
	ke3, clientResult, err := login.Finish(ke2)
	if err != nil {
		return err
	}
	defer clientResult.Release()
	serverResult, err := server.FinishLogin(serverState, ke3)
	if err != nil {
		return err
	}
	defer serverResult.Release()
	if !bytes.Equal(clientResult.SessionKey, serverResult.SessionKey) {
		return fmt.Errorf("opaque session keys differ")
	}

	auth, err := xipr.NewSessionAuth(&cfg, store, appCtx.secrets)
	if err != nil {
		return err
	}
	defer auth.Close()
	session, err := auth.Mint(ctx, bytes.Clone(serverResult.SessionKey), userID, "selftest-device")
	if err != nil {
		return err
	}
	if _, err := auth.Validate(ctx, session.Token); err != nil {
		return err
	}
	if _, err := auth.Revoke(ctx, session.Token); err != nil {
		return err
	}
	return nil
}

func selfTestGroup(ctx context.Context) error {
	store := appCtx.backend.store
	km, err := xipr.NewKeyManager(appCtx.cfg, store, appCtx.secrets, nil)
	if err != nil {
		return err
	}
	defer km.Close()

	prefix := "selftest-" + uuid.NewString()[:8]
	alice, err := km.GenerateDeviceKeys(ctx, prefix+"-alice")
	if err != nil {
		return err
	}
	bob, err := km.GenerateDeviceKeys(ctx, prefix+"-bob")
	if err != nil {
		return err
	}

	aliceGroups, err := xipr.NewGroupRatchet(appCtx.cfg, alice, appCtx.secrets, store)
	if err != nil {
		return err
	}
	defer aliceGroups.Close()
	bobGroups, err := xipr.NewGroupRatchet(appCtx.cfg, bob, appCtx.secrets, store)
	if err != nil {
		return err
	}
	defer bobGroups.Close()

	groupID := prefix + "-group"
	if _, err := aliceGroups.CreateGroup(ctx, groupID); err != nil {
		return err
	}
	welcome, _, err := aliceGroups.AddMember(ctx, groupID, bobGroups.Self())
	if err != nil {
		return err
	}
	if _, err := bobGroups.JoinGroup(ctx, welcome); err != nil {
		return err
	}

	msg := []byte("hello group")
	sealed, err := aliceGroups.Encrypt(ctx, groupID, msg)
	if err != nil {
		return err
	}
	pt, err := bobGroups.Decrypt(ctx, sealed)
	if err != nil {
		return err
	}
	if !bytes.Equal(pt, msg) {
		return fmt.Errorf("group round trip mismatch")
	}
	return nil
}
