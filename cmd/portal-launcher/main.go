// Command portal-launcher runs on a host that can spawn AI CLI sessions:
// it registers with the backend gateway, then spawns and tracks
// portal-proxy child processes on the backend's behalf, relaying their
// logs and exit status back over the same WebSocket.
package main

import (
	"fmt"
	"os"

	"github.com/meawoppl/claude-code-portal-sub000/cmd/portal-launcher/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
