// Command portal-proxy wraps a local AI CLI subprocess and tunnels its
// output and permission prompts to the backend gateway over a reconnecting
// WebSocket, optionally also presenting a transparent stdio shim to an
// attached IDE.
package main

import (
	"fmt"
	"os"

	"github.com/meawoppl/claude-code-portal-sub000/cmd/portal-proxy/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
