package main

import (
	"os"

	"github.com/monorkin/telemetry-gateway/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
