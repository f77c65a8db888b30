// Command loomctl drives storyloom sessions from the terminal against the
// same database the MCP server uses.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
