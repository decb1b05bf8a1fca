// Package cmdline is the thin flag-parsing layer of the uefisign binary:
// it owns cobra wiring and nothing else, handing a fully-populated
// sign.Request to the sign package for every byte of actual engineering.
package cmdline

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// RootCmd is the uefisign binary's top-level command.
var RootCmd = &cobra.Command{
	Use:           "uefisign",
	Short:         "Sign PE/COFF images for UEFI Secure Boot with an Authenticode signature",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Main runs RootCmd and translates a returned error into the process exit
// code: 0 on success, non-zero otherwise, with the error written to
// stderr.
func Main() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "uefisign:", err)
		os.Exit(1)
	}
}
