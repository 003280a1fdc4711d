// Command quarryctl is an example binary built on top of the quarry
// packages: it can ping a server, serve a minimal world-less login
// endpoint, or run a single-target proxy bridge.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
