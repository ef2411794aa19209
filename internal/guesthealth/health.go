// Package guesthealth is the one-line health exchange between the host and
// the agent inside a microVM guest. The agent writes a status line on accept
// and closes the connection.
package guesthealth

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

const (
	DefaultPort = 10700

	statusOK = "ok"
	maxLine  = 64
)

// Serve answers every connection on ln until ln is closed.
func Serve(ln net.Listener, logf func(format string, args ...any)) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			if logf != nil {
				logf("accept: %v", err)
			}
			continue
		}
		go func() {
			defer conn.Close()
			_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
			if _, err := io.WriteString(conn, statusOK+"\n"); err != nil && logf != nil {
				logf("write status: %v", err)
			}
		}()
	}
}

// Probe reads the status line from an accepted connection. A guest that
// answers anything other than ok is reported unhealthy, not as an error.
func Probe(conn net.Conn, timeout time.Duration) (bool, error) {
	if timeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
	}
	line, err := bufio.NewReader(io.LimitReader(conn, maxLine)).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return false, fmt.Errorf("read guest status: %w", err)
	}
	return strings.TrimSpace(line) == statusOK, nil
}
