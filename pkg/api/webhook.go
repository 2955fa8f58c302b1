package api

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"slices"
)

// ErrWebhookForbidden marks a webhook URL rejected by the reachability
// policy.
var ErrWebhookForbidden = errors.New("webhook URL not allowed")

// validateWebhookURL rejects webhook destinations that could reach internal
// infrastructure: non-HTTP(S) schemes, and hosts that resolve to loopback,
// private, or link-local addresses. Every resolved address is checked so a
// split-horizon or rebinding DNS name cannot slip one private record
// through. Hosts on the allow-list skip the address check.
func validateWebhookURL(raw string, allowHosts []string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWebhookForbidden, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q", ErrWebhookForbidden, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrWebhookForbidden)
	}
	if slices.Contains(allowHosts, host) {
		return nil
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("%w: cannot resolve %q", ErrWebhookForbidden, host)
	}
	for _, ip := range ips {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
			ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("%w: %q resolves to %s", ErrWebhookForbidden, host, ip)
		}
	}
	return nil
}
