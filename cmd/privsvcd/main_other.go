//go:build !windows

// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"
	"os"
)

func main() {
	fmt.Fprintln(os.Stderr, "privsvcd only runs on Windows")
	os.Exit(1)
}
