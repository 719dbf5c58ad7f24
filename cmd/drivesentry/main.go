package main

import (
	"os"

	"github.com/drivesentry/drivesentry/internal/cli"
)

func main() {
	cli.InitCLI()
	os.Exit(cli.ExecuteWithErrorCode(os.Args[1:]))
}
