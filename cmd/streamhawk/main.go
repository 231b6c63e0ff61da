// Package main is the entry point for the streamhawk daemon.
package main

import (
	"os"

	"github.com/streamhawk/streamhawk/cmd/streamhawk/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
