package main

import (
	"fmt"
	"os"

	"nexusdash/api/cmd/api/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
