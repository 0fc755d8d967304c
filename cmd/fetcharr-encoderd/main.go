// Package main is the entry point for the fetcharr encoder worker.
package main

import (
	"os"

	"github.com/jmylchreest/fetcharr/cmd/fetcharr-encoderd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
