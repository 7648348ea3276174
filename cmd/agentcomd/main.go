// Command agentcomd runs the AgentCom hub: it loads config, wires the
// service context, and serves the agent-facing WebSocket transport and the
// HTTP control surface described in spec.md §6.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := SetupRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
