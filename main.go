package main

import (
	"os"

	"github.com/bryan-buckman/otdposter/internal/cli"
)

func main() {
	os.Exit(cli.ExitCode(cli.Execute()))
}
