package main

import (
	"log/slog"
	"os"

	"github.com/nimmit/backend/internal/cli"
)

func main() {
	if err := cli.BuildCLI().Execute(); err != nil {
		slog.Error("nimmit failed", "error", err)
		os.Exit(1)
	}
}
