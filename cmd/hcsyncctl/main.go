// Command hcsyncctl is a thin demonstration client for the Home Connect
// sync engine: it wires a minimal bearer-token AuthProvider to
// pkg/homeconnect and exposes watch/appliances/snapshot subcommands. It is not a
// full product — authentication here is a static token, not the OAuth2
// code-flow login that a real application would implement.
package main

import (
	"fmt"
	"os"

	"github.com/mbrt/homeconnect-sync/cmd/hcsyncctl/cmd"
)

func main() {
	if err := cmd.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
