package main

import (
	"fmt"
	"os"

	"github.com/labforge/labforge/internal/cli"
)

var version = "dev"

func main() {
	if err := cli.RunNetd(os.Args[1:], version); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.ExitCode(err))
	}
}
