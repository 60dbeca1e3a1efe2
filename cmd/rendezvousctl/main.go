// Command rendezvousctl is the admin CLI for the rendezvous server's
// bearer-token-gated /admin endpoints.
//
// Grounded on dantte-lp-gobfd/cmd/gobfdctl: a thin main.go delegating to a
// commands package built on spf13/cobra, with a PersistentPreRunE wiring
// a shared HTTP client from a --addr flag.
package main

import "github.com/vibeconnect/rendezvous/cmd/rendezvousctl/commands"

func main() {
	commands.Execute()
}
