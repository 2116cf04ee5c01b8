// Package main is the entry point for the scriptd scheduling daemon and CLI.
package main

import (
	"fmt"
	"os"

	"scriptd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
