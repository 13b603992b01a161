/*
Copyright 2026 Dima Krasner

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package fed

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// Validation failures, one per rule. All of them are permanent: a URL that
// fails validation now will fail it on every retry.
var (
	ErrEmptyURL              = errors.New("empty URL")
	ErrInvalidFormat         = errors.New("not an absolute URL")
	ErrSchemeNotAllowed      = errors.New("scheme not allowed")
	ErrPortNotAllowed        = errors.New("port not allowed")
	ErrCredentialsNotAllowed = errors.New("credentials in URL not allowed")
	ErrInvalidDomain         = errors.New("invalid domain")
	ErrDirectIPNotAllowed    = errors.New("direct IP address not allowed")
	ErrHostNotAllowed        = errors.New("host not allowed")
	ErrBlockedIPRange        = errors.New("IP in blocked range")
)

// AddrResolver resolves a host to its addresses; satisfied by [net.Resolver].
type AddrResolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

var blockedRanges = buildBlockedRanges(
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"100.64.0.0/10",
	"224.0.0.0/4",
	"::1/128",
)

// hostnames that resolve to cloud metadata or other internal services
var blockedHosts = map[string]struct{}{
	"metadata.google.internal":   {},
	"metadata.goog":              {},
	"instance-data.ec2.internal": {},
	"metadata.internal":          {},
}

func buildBlockedRanges(cidrs ...string) []*net.IPNet {
	l := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		l = append(l, n)
	}
	return l
}

func ipBlocked(ip net.IP) bool {
	for _, n := range blockedRanges {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func checkHost(host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		if !strings.Contains(host, ".") {
			return "", fmt.Errorf("%w: %s", ErrInvalidDomain, host)
		}
		return "", fmt.Errorf("%w: %s", ErrDirectIPNotAllowed, host)
	}

	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidDomain, host)
	}
	ascii = strings.ToLower(ascii)

	if !strings.Contains(ascii, ".") {
		return "", fmt.Errorf("%w: %s", ErrInvalidDomain, host)
	}

	if _, blocked := blockedHosts[ascii]; blocked {
		return "", fmt.Errorf("%w: %s", ErrHostNotAllowed, host)
	}

	return ascii, nil
}

// Validate checks a delivery target URL against the outbound policy and
// returns its normalized form. Rules run in a fixed order and the first
// failure wins.
func Validate(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", ErrEmptyURL
	}

	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return "", fmt.Errorf("%w: %s", ErrInvalidFormat, raw)
	}

	if u.Scheme != "https" {
		return "", fmt.Errorf("%w: %s", ErrSchemeNotAllowed, u.Scheme)
	}

	if port := u.Port(); port != "" && port != "443" {
		return "", fmt.Errorf("%w: %s", ErrPortNotAllowed, port)
	}

	if u.User != nil {
		return "", fmt.Errorf("%w: %s", ErrCredentialsNotAllowed, raw)
	}

	ascii, err := checkHost(u.Hostname())
	if err != nil {
		return "", err
	}

	u.Host = ascii
	return u.String(), nil
}

// ValidateResolved validates a URL and then its freshly resolved addresses.
// The dispatcher calls it immediately before every send, so a DNS record that
// changed to an internal address between scheduling and delivery is caught.
// Resolution errors are returned as-is: they are transient, unlike the
// validation sentinels.
func ValidateResolved(ctx context.Context, resolver AddrResolver, raw string) (string, error) {
	normalized, err := Validate(raw)
	if err != nil {
		return "", err
	}

	u, err := url.Parse(normalized)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidFormat, raw)
	}

	addrs, err := resolver.LookupIPAddr(ctx, u.Hostname())
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", u.Hostname(), err)
	}

	for _, addr := range addrs {
		if ipBlocked(addr.IP) {
			return "", fmt.Errorf("%w: %s resolves to %s", ErrBlockedIPRange, u.Hostname(), addr.IP)
		}
	}

	return normalized, nil
}

// ValidateInstanceHost checks a bare instance host, tolerating a pasted URL:
// a leading scheme and a trailing slash are stripped before the host rules.
func ValidateInstanceHost(host string) error {
	h := strings.TrimSpace(host)
	h = strings.TrimPrefix(h, "https://")
	h = strings.TrimPrefix(h, "http://")
	h = strings.TrimSuffix(h, "/")

	if h == "" {
		return ErrEmptyURL
	}

	if hostname, port, err := net.SplitHostPort(h); err == nil {
		if port != "443" {
			return fmt.Errorf("%w: %s", ErrPortNotAllowed, port)
		}
		h = hostname
	}

	if _, err := checkHost(h); err != nil {
		return err
	}

	return nil
}

// PermanentlyInvalid reports whether a target was rejected by validation
// rather than by a transient transport failure. Such deliveries must not be
// retried.
func PermanentlyInvalid(err error) bool {
	return errors.Is(err, ErrEmptyURL) ||
		errors.Is(err, ErrInvalidFormat) ||
		errors.Is(err, ErrSchemeNotAllowed) ||
		errors.Is(err, ErrPortNotAllowed) ||
		errors.Is(err, ErrCredentialsNotAllowed) ||
		errors.Is(err, ErrInvalidDomain) ||
		errors.Is(err, ErrDirectIPNotAllowed) ||
		errors.Is(err, ErrHostNotAllowed) ||
		errors.Is(err, ErrBlockedIPRange)
}
