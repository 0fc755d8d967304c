// Package main is the entry point for the fetcharr control plane.
package main

import (
	"os"

	"github.com/jmylchreest/fetcharr/cmd/fetcharr/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
