package main

import (
	"fmt"
	"net"
	"strings"
)

// listenerURL returns a human-friendly URL for a listener address, used in
// startup log lines for both the raw TCP game-protocol listener (scheme
// "tcp") and the admin HTTP surface (scheme "http").
func listenerURL(address, scheme string) string {
	return fmt.Sprintf("%s://%s", scheme, normaliseHostPort(address))
}

func normaliseHostPort(address string) string {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" {
		return "localhost"
	}
	host, port, err := net.SplitHostPort(trimmed)
	if err != nil {
		if strings.HasPrefix(trimmed, ":") {
			return "localhost" + trimmed
		}
		return trimmed
	}
	host = strings.TrimSpace(host)
	switch host {
	case "", "0.0.0.0", "::", "[::]":
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}
