// Command portal-backend runs the session gateway's SessionManager and
// its three WebSocket endpoints behind one HTTP listener.
package main

import (
	"fmt"
	"os"

	"github.com/meawoppl/claude-code-portal-sub000/cmd/portal-backend/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
