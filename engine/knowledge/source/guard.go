package source

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"syscall"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

const maxRedirects = 10

// ErrForbiddenHost marks fetches refused by the network guard.
var ErrForbiddenHost = errors.New("source: host is not allowed")

// sharedAddressSpace is the carrier-grade NAT range, which netip does not
// classify as private.
var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

// hostGuard decides which hosts URL fetches may reach. Allowed hosts are glob
// patterns ("docs.example.com", "*.corp.example.com") and may resolve to
// internal addresses; every other host must resolve to a public address.
type hostGuard struct {
	allowed      []string
	allowPrivate bool
}

func newHostGuard(allowed []string, allowPrivate bool) *hostGuard {
	patterns := make([]string, 0, len(allowed))
	for _, host := range allowed {
		if host = strings.ToLower(strings.TrimSpace(host)); host != "" {
			patterns = append(patterns, host)
		}
	}
	return &hostGuard{allowed: patterns, allowPrivate: allowPrivate}
}

func (g *hostGuard) listed(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, pattern := range g.allowed {
		if ok, _ := doublestar.Match(pattern, host); ok {
			return true
		}
	}
	return false
}

// checkURLHost rejects hosts outside a non-empty allow list before dialing.
func (g *hostGuard) checkURLHost(host string) error {
	if len(g.allowed) == 0 || g.listed(host) {
		return nil
	}
	return fmt.Errorf("%w: %s is not in sources.allowed_hosts", ErrForbiddenHost, host)
}

// control runs after DNS resolution, so redirects and rebinding answers are
// checked against the address actually dialed.
func (g *hostGuard) control(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrForbiddenHost, address)
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrForbiddenHost, address)
	}
	if internalAddr(addr) {
		return fmt.Errorf("%w: %s resolves to an internal address", ErrForbiddenHost, addr)
	}
	return nil
}

func internalAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsLoopback() ||
		addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsInterfaceLocalMulticast() ||
		addr.IsMulticast() ||
		addr.IsUnspecified() ||
		sharedAddressSpace.Contains(addr)
}

// transport dials listed hosts directly and every other host through the
// address check. Proxies are disabled because they would dial on our behalf.
func (g *hostGuard) transport(timeout time.Duration) *http.Transport {
	base := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	guarded := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second, Control: g.control}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.Proxy = nil
	tr.DialContext = func(ctx context.Context, network, address string) (net.Conn, error) {
		host, _, err := net.SplitHostPort(address)
		if err == nil && (g.allowPrivate || g.listed(host)) {
			return base.DialContext(ctx, network, address)
		}
		return guarded.DialContext(ctx, network, address)
	}
	return tr
}

func (g *hostGuard) redirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("source: stopped after %d redirects", maxRedirects)
	}
	return g.checkURLHost(req.URL.Hostname())
}
