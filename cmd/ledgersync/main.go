package main

import (
	"os"

	"github.com/pixdesk/ledgersync/cmd/ledgersync/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
