package main

import (
	"os"

	"github.com/sirka-internal/vps-agent/api/cmd/sirka-agent/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
