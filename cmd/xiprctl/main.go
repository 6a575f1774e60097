// xiprctl is the operator tool for the xipr messaging core: it inspects the
// configuration, provisions device keys, pre-keys and OPAQUE server material,
// and runs an end-to-end self test against the configured storage backend.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
