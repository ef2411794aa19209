package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/labforge/labforge/internal/guesthealth"
)

func portFromEnv(raw string) (uint32, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return guesthealth.DefaultPort, nil
	}
	parsed, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || parsed == 0 {
		return 0, fmt.Errorf("invalid LABFORGE_HEALTH_PORT %q", raw)
	}
	return uint32(parsed), nil
}
