//go:build linux

// labforge-guest-agent runs inside a microVM lab and answers the host's
// vsock health probe.
package main

import (
	"fmt"
	"net"
	"os"

	"github.com/labforge/labforge/internal/guesthealth"
	"github.com/mdlayher/vsock"
)

func main() {
	port, err := portFromEnv(os.Getenv("LABFORGE_HEALTH_PORT"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ln, err := listenVsock(port)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen vsock: %v\n", err)
		os.Exit(1)
	}
	defer ln.Close()

	logf := func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
	if err := guesthealth.Serve(ln, logf); err != nil {
		logf("serve: %v", err)
		os.Exit(1)
	}
}

func listenVsock(port uint32) (net.Listener, error) {
	return vsock.Listen(port, nil)
}
