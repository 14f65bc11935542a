// Command vtrace runs the traced demo workloads and the traced echo server.
package main

import (
	"fmt"
	"os"

	"github.com/tebeka/atexit"
)

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		atexit.Exit(1)
	}
	// Runs the registered sink closers.
	atexit.Exit(0)
}
