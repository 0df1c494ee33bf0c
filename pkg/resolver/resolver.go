// Package resolver handles hostname resolution, external IP discovery, and
// DNS blacklist lookups for candidate filtering.
package resolver

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v2"

	"proxyforge/internal/logger"
)

// ResolveError means every DNS attempt for a host failed. Callers drop the
// candidate and continue.
type ResolveError struct {
	Host string
	Err  error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.Host, e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }

// Endpoints queried for this host's public IP; first success wins.
var externalIPEndpoints = []string{
	"https://api.ipify.org",
	"https://checkip.amazonaws.com",
	"https://ident.me",
	"http://whatismyip.akamai.com",
}

// Resolver resolves names with a TTL cache and answers identity questions
// about this host.
type Resolver struct {
	cache    *ttlcache.Cache
	resolver *net.Resolver
	timeout  time.Duration
	log      *logger.Logger

	extOnce sync.Once
	extIP   string
	extErr  error
}

// New builds a Resolver whose positive lookups live for ttl.
func New(ttl, timeout time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	cache := ttlcache.NewCache()
	cache.SetTTL(ttl)
	cache.SkipTTLExtensionOnHit(true)
	return &Resolver{
		cache:    cache,
		resolver: net.DefaultResolver,
		timeout:  timeout,
		log:      logger.New("resolver"),
	}
}

// Close releases the cache janitor.
func (r *Resolver) Close() {
	r.cache.Close()
}

// HostIsIP reports whether host is an IPv4 or IPv6 literal.
func HostIsIP(host string) bool {
	return net.ParseIP(host) != nil
}

// Resolve maps a hostname to an IP string. Literals pass through without
// DNS; names go through the TTL cache.
func (r *Resolver) Resolve(ctx context.Context, host string) (string, error) {
	if HostIsIP(host) {
		return host, nil
	}

	if cached, err := r.cache.Get(host); err == nil {
		return cached.(string), nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	addrs, err := r.resolver.LookupIPAddr(ctx, host)
	if err != nil || len(addrs) == 0 {
		if err == nil {
			err = fmt.Errorf("no addresses")
		}
		return "", &ResolveError{Host: host, Err: err}
	}

	ip := pickAddr(addrs)
	r.cache.Set(host, ip)
	return ip, nil
}

// pickAddr prefers IPv4; dual-stack hosts resolve to their v4 address.
func pickAddr(addrs []net.IPAddr) string {
	for _, a := range addrs {
		if v4 := a.IP.To4(); v4 != nil {
			return v4.String()
		}
	}
	return addrs[0].IP.String()
}

// SetExternalIP pins the external IP, skipping endpoint discovery. Used
// when the deployment already knows its public address.
func (r *Resolver) SetExternalIP(ip string) {
	r.extOnce.Do(func() { r.extIP = ip })
}

// ExternalIP discovers the public IP of this host, once. Failure here is
// fatal for the checker: anonymity has no baseline without it.
func (r *Resolver) ExternalIP(ctx context.Context) (string, error) {
	r.extOnce.Do(func() {
		r.extIP, r.extErr = r.fetchExternalIP(ctx)
	})
	return r.extIP, r.extErr
}

func (r *Resolver) fetchExternalIP(ctx context.Context) (string, error) {
	client := &http.Client{Timeout: r.timeout}
	var lastErr error
	for _, endpoint := range externalIPEndpoints {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			lastErr = err
			continue
		}
		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		ip := strings.TrimSpace(string(body))
		if net.ParseIP(ip) == nil {
			lastErr = fmt.Errorf("%s returned %q", endpoint, ip)
			continue
		}
		r.log.InfoBg("External IP: %s (via %s)", ip, endpoint)
		return ip, nil
	}
	return "", fmt.Errorf("all external IP endpoints failed: %w", lastErr)
}

// InDNSBL reports whether ip is listed in any of the given DNSBL zones.
// Lookup errors count as not listed; a blacklist outage must not stall the
// pipeline.
func (r *Resolver) InDNSBL(ctx context.Context, ip string, zones []string) bool {
	reversed := reverseOctets(ip)
	if reversed == "" {
		return false
	}
	for _, zone := range zones {
		query := reversed + "." + zone
		lctx, cancel := context.WithTimeout(ctx, r.timeout)
		addrs, err := r.resolver.LookupIPAddr(lctx, query)
		cancel()
		if err == nil && len(addrs) > 0 {
			r.log.DebugBg("%s listed in %s", ip, zone)
			return true
		}
	}
	return false
}

func reverseOctets(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.To4() == nil {
		return ""
	}
	octets := strings.Split(parsed.To4().String(), ".")
	return octets[3] + "." + octets[2] + "." + octets[1] + "." + octets[0]
}
