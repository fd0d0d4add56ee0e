package helpers

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ParseHostPort splits a "host:port" candidate line into its parts and
// validates the port range. Lines from public relay feeds are frequently
// malformed; callers drop candidates that fail here.
func ParseHostPort(s string) (string, int, error) {
	s = strings.TrimSpace(s)
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, fmt.Errorf("invalid host:port '%s': %w", s, err)
	}
	if host == "" {
		return "", 0, fmt.Errorf("invalid host:port '%s': empty host", s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port in '%s'", s)
	}
	return host, port, nil
}
