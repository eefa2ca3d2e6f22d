package mitm

import (
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"
)

const defaultTLSPort = 443

// hostPattern is one entry of a hostname list: [-]glob[:port].
type hostPattern struct {
	// glob is a lower-cased path.Match pattern. Hostnames have no '/', so
	// '*' spans dots.
	glob string
	// port 0 matches every port.
	port    int
	exclude bool
}

func (p hostPattern) String() string {
	s := p.glob
	if strings.Contains(s, ":") {
		s = "[" + s + "]"
	}
	s += ":" + strconv.Itoa(p.port)
	if p.exclude {
		s = "-" + s
	}
	return s
}

// HostnameFilter decides which hosts have their TLS terminated. A host is
// intercepted when an entry includes it and no exclusion ("-" prefix) matches.
// The port defaults to 443 and ":0" means every port, so "*:0,-bank.example:0"
// intercepts everything except bank.example.
type HostnameFilter struct {
	patterns []hostPattern
}

// NewHostnameFilter parses a comma-separated list. Every malformed entry is
// reported. An empty list intercepts nothing.
func NewHostnameFilter(list string) (*HostnameFilter, error) {
	f := &HostnameFilter{}
	var errs []error
	for _, item := range strings.Split(list, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		p, err := parseHostPattern(item)
		if err != nil {
			errs = append(errs, fmt.Errorf("%q: %w", item, err))
			continue
		}
		f.patterns = append(f.patterns, p)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	slog.Info("MitM hostname filter configured", slog.String("patterns", f.String()))
	return f, nil
}

func parseHostPattern(s string) (hostPattern, error) {
	p := hostPattern{port: defaultTLSPort}
	if rest, ok := strings.CutPrefix(s, "-"); ok {
		p.exclude = true
		s = rest
	}

	host := s
	switch {
	case strings.HasPrefix(s, "["):
		end := strings.Index(s, "]")
		if end < 0 {
			return p, errors.New("unterminated [")
		}
		host = s[1:end]
		if rest := s[end+1:]; rest != "" {
			portStr, ok := strings.CutPrefix(rest, ":")
			if !ok {
				return p, fmt.Errorf("unexpected %q after ]", rest)
			}
			port, err := parsePort(portStr)
			if err != nil {
				return p, err
			}
			p.port = port
		}
	case strings.Count(s, ":") == 1:
		h, portStr, _ := strings.Cut(s, ":")
		port, err := parsePort(portStr)
		if err != nil {
			return p, err
		}
		host, p.port = h, port
	}

	p.glob = strings.ToLower(strings.TrimSpace(host))
	if p.glob == "" {
		return p, errors.New("empty host")
	}
	if _, err := path.Match(p.glob, ""); err != nil {
		return p, fmt.Errorf("bad pattern: %w", err)
	}
	return p, nil
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port < 0 || port > 65535 {
		return 0, fmt.Errorf("bad port %q", s)
	}
	return port, nil
}

func (p hostPattern) match(host string, port int) bool {
	if p.port != 0 && p.port != port {
		return false
	}
	ok, _ := path.Match(p.glob, strings.ToLower(host))
	return ok
}

// Allow reports whether host on port is intercepted. host is the SNI or the
// CONNECT host. A nil filter allows nothing.
func (f *HostnameFilter) Allow(host string, port string) bool {
	if f == nil {
		return false
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return false
	}
	allowed := false
	for _, p := range f.patterns {
		if !p.match(host, n) {
			continue
		}
		if p.exclude {
			return false
		}
		allowed = true
	}
	return allowed
}

func (f *HostnameFilter) String() string {
	if f == nil || len(f.patterns) == 0 {
		return "none"
	}
	parts := make([]string, len(f.patterns))
	for i, p := range f.patterns {
		parts[i] = p.String()
	}
	return strings.Join(parts, ",")
}
