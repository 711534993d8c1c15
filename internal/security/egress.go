// Package security restricts where outbound webhook deliveries may connect.
//
// The audit webhook URL comes from configuration, but a misconfigured or
// compromised value must still not reach the instance metadata service or
// anything on the private network. EgressGuard checks every resolved address
// at dial time and again for each redirect hop.
package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

const (
	dnsTimeout   = 500 * time.Millisecond
	maxRedirects = 3
)

var (
	ErrBlockedAddress   = errors.New("egress: destination address is blocked")
	ErrDNSTimeout       = errors.New("egress: DNS resolution timeout")
	ErrDNSFailed        = errors.New("egress: DNS resolution failed")
	ErrTooManyRedirects = errors.New("egress: too many redirects")
)

// blockedCIDRs covers loopback, private, link-local (metadata service),
// carrier-grade NAT, multicast and reserved ranges.
var blockedCIDRs = []string{
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"0.0.0.0/8",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"100.64.0.0/10",
	"198.18.0.0/15",
	"fc00::/7",
	"fe80::/10",
	"::1/128",
}

var blockedNets = mustParseCIDRs(blockedCIDRs)

func mustParseCIDRs(cidrs []string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(fmt.Sprintf("egress: bad CIDR %q: %v", c, err))
		}
		out = append(out, n)
	}
	return out
}

// Blocked reports whether ip falls in a blocked range.
func Blocked(ip net.IP) bool {
	for _, n := range blockedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Resolver abstracts DNS resolution for tests.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// EgressGuard resolves and vets destination hosts.
type EgressGuard struct {
	Resolver Resolver
	Dialer   *net.Dialer
}

// NewEgressGuard uses the system resolver.
func NewEgressGuard() *EgressGuard {
	return &EgressGuard{Resolver: net.DefaultResolver, Dialer: &net.Dialer{Timeout: 5 * time.Second}}
}

// resolve returns the addresses for host, failing if any of them is blocked.
// Mixed answers are rejected to defeat DNS rebinding.
func (g *EgressGuard) resolve(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if Blocked(ip) {
			return nil, fmt.Errorf("%w: %s", ErrBlockedAddress, ip)
		}
		return []net.IP{ip}, nil
	}

	dctx, cancel := context.WithTimeout(ctx, dnsTimeout)
	defer cancel()
	addrs, err := g.Resolver.LookupIPAddr(dctx, host)
	if err != nil {
		if dctx.Err() != nil {
			return nil, fmt.Errorf("%w: host %q", ErrDNSTimeout, host)
		}
		return nil, fmt.Errorf("%w: host %q: %v", ErrDNSFailed, host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: host %q has no addresses", ErrDNSFailed, host)
	}

	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		if Blocked(a.IP) {
			return nil, fmt.Errorf("%w: %s (resolved from %s)", ErrBlockedAddress, a.IP, host)
		}
		ips = append(ips, a.IP)
	}
	return ips, nil
}

// DialContext connects to the first vetted address of addr.
func (g *EgressGuard) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("egress: invalid address %q: %w", addr, err)
	}
	ips, err := g.resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	return g.Dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].String(), port))
}

// CheckRedirect vets each redirect target and caps the chain length.
func (g *EgressGuard) CheckRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("%w: limit is %d", ErrTooManyRedirects, maxRedirects)
	}
	host := req.URL.Hostname()
	if host == "" {
		return fmt.Errorf("%w: redirect has no host", ErrBlockedAddress)
	}
	_, err := g.resolve(req.Context(), host)
	return err
}

// NewHTTPClient returns a client whose transport dials through g.
func (g *EgressGuard) NewHTTPClient(timeout time.Duration) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.Proxy = nil
	tr.DialContext = g.DialContext
	return &http.Client{
		Transport:     tr,
		Timeout:       timeout,
		CheckRedirect: g.CheckRedirect,
	}
}
