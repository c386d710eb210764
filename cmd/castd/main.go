// Package main is the entry point for the castd daemon.
package main

import (
	"os"

	"github.com/castdio/castd/cmd/castd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
