// batchctl is the command line client for the batchd scheduler.
package main

import (
	"fmt"
	"os"

	"github.com/psantana5/batchd/cmd/batchctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
