//go:build !linux

package main

import (
	"fmt"
	"os"
	"runtime"
)

func main() {
	if _, err := portFromEnv(os.Getenv("LABFORGE_HEALTH_PORT")); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	fmt.Fprintf(os.Stderr, "labforge-guest-agent is only supported on linux (current: %s)\n", runtime.GOOS)
	os.Exit(1)
}
