package main

import (
	"github.com/awnumar/memguard"

	"github.com/jmcleod/sessiongate/cmd/sessiongate/cmd"
)

func main() {
	// Wipe token enclaves on Ctrl+C and on every exit path.
	memguard.CatchInterrupt()
	defer memguard.Purge()

	if err := cmd.Execute(); err != nil {
		memguard.SafeExit(1)
	}
}
