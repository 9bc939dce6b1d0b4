package main

import (
	"os"

	"github.com/agentbus/bus/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
