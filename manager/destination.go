package manager

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Destination is the parsed form of a
// `[scheme://][user@]host[:port]` URI-reference. Scheme selects the
// plugin; it defaults to "distant" for Connect and "ssh" for Launch
// when absent (the caller applies that default, since it depends on
// which operation is being parsed for).
type Destination struct {
	Scheme string
	User   string
	Host   string
	Port   int
	Raw    string
}

// ParseDestination parses s, defaulting Scheme to defaultScheme when
// no "scheme://" prefix is present.
func ParseDestination(s, defaultScheme string) (Destination, error) {
	d := Destination{Raw: s, Scheme: defaultScheme}
	rest := s

	if idx := strings.Index(rest, "://"); idx >= 0 {
		d.Scheme = rest[:idx]
		rest = rest[idx+3:]
	}

	if idx := strings.Index(rest, "@"); idx >= 0 {
		d.User = rest[:idx]
		rest = rest[idx+1:]
	}

	host, port, err := splitHostPort(rest)
	if err != nil {
		return Destination{}, fmt.Errorf("manager: malformed destination %q: %w", s, err)
	}
	d.Host = host
	d.Port = port
	return d, nil
}

// splitHostPort handles bracketed IPv6 (`[::1]:8080`), bare IPv4/DNS
// host with optional port, and bare IPv6 with no port.
func splitHostPort(s string) (string, int, error) {
	if s == "" {
		return "", 0, fmt.Errorf("empty host")
	}
	if strings.HasPrefix(s, "[") {
		host, portStr, err := net.SplitHostPort(s)
		if err != nil {
			// "[::1]" with no port.
			return strings.Trim(s, "[]"), 0, nil
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, err
		}
		return host, port, nil
	}
	if strings.Count(s, ":") > 1 {
		// Bare IPv6 with no port and no brackets.
		return s, 0, nil
	}
	if idx := strings.LastIndex(s, ":"); idx >= 0 {
		port, err := strconv.Atoi(s[idx+1:])
		if err != nil {
			return "", 0, err
		}
		return s[:idx], port, nil
	}
	return s, 0, nil
}

// HostPort formats Host/Port as a net.Dial-ready address.
func (d Destination) HostPort() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

func (d Destination) String() string {
	var b strings.Builder
	if d.Scheme != "" {
		b.WriteString(d.Scheme)
		b.WriteString("://")
	}
	if d.User != "" {
		b.WriteString(d.User)
		b.WriteString("@")
	}
	b.WriteString(d.Host)
	if d.Port != 0 {
		b.WriteString(":")
		b.WriteString(strconv.Itoa(d.Port))
	}
	return b.String()
}
