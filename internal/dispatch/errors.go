package dispatch

import (
	"errors"
	"net"
	"strings"

	"github.com/steamvet/steamvet/internal/cooldown"
)

// categorise maps a transport-level error to its cooldown reason.
// Returns ("", false) for errors that should not trigger a cooldown.
func categorise(err error) (cooldown.Reason, bool) {
	if err == nil {
		return "", false
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return cooldown.ReasonDNSFailure, true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return cooldown.ReasonTimeout, true
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "socks"):
		return cooldown.ReasonSOCKSError, true
	case strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "unexpected eof"),
		strings.Contains(msg, "tls"),
		strings.Contains(msg, "certificate"):
		return cooldown.ReasonConnReset, true
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"):
		return cooldown.ReasonTimeout, true
	case strings.Contains(msg, "no such host"),
		strings.Contains(msg, "host unreachable"),
		strings.Contains(msg, "network is unreachable"):
		return cooldown.ReasonDNSFailure, true
	}
	return "", false
}
