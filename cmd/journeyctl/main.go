// Package main is the journeyctl entrypoint.
package main

import (
	"os"

	"github.com/vitalpath/journey/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
