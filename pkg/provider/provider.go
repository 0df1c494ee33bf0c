// Package provider fetches candidate (host, port) pairs from public proxy
// listing sources.
package provider

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"proxyforge/pkg/proxy"
)

// Candidate is one scraped (host, port) pair on its way to the checker.
type Candidate struct {
	Host    string
	Port    int
	Schemes proxy.SchemeSet // hint from the source; empty means unknown
	Source  string
}

// Addr returns "host:port", the dedup key.
func (c Candidate) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Provider is one listing source. Fetch runs once per discovery cycle and
// may return duplicated candidates; the broker dedups downstream.
type Provider interface {
	Name() string
	Schemes() proxy.SchemeSet
	Fetch(ctx context.Context) ([]Candidate, error)
}

// Config is shared fetch tuning for the bundled providers.
type Config struct {
	Timeout   time.Duration
	UserAgent string
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "ProxyForge/1.0"
	}
	return c
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if port <= 0 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range", port)
	}
	return port, nil
}

// Default returns the bundled provider set.
func Default(cfg Config) []Provider {
	cfg = cfg.withDefaults()
	all := proxy.NewSchemeSet(proxy.AllSchemes...)
	return []Provider{
		NewListProvider("proxy-list-download-http",
			"https://www.proxy-list.download/api/v1/get?type=http",
			proxy.NewSchemeSet(proxy.HTTP, proxy.Connect80), cfg),
		NewListProvider("proxy-list-download-https",
			"https://www.proxy-list.download/api/v1/get?type=https",
			proxy.NewSchemeSet(proxy.HTTPS), cfg),
		NewListProvider("proxy-list-download-socks4",
			"https://www.proxy-list.download/api/v1/get?type=socks4",
			proxy.NewSchemeSet(proxy.SOCKS4), cfg),
		NewListProvider("proxy-list-download-socks5",
			"https://www.proxy-list.download/api/v1/get?type=socks5",
			proxy.NewSchemeSet(proxy.SOCKS5), cfg),
		NewListProvider("thespeedx-http",
			"https://raw.githubusercontent.com/TheSpeedX/PROXY-LIST/master/http.txt",
			proxy.NewSchemeSet(proxy.HTTP, proxy.Connect80), cfg),
		NewListProvider("thespeedx-socks4",
			"https://raw.githubusercontent.com/TheSpeedX/PROXY-LIST/master/socks4.txt",
			proxy.NewSchemeSet(proxy.SOCKS4), cfg),
		NewListProvider("thespeedx-socks5",
			"https://raw.githubusercontent.com/TheSpeedX/PROXY-LIST/master/socks5.txt",
			proxy.NewSchemeSet(proxy.SOCKS5), cfg),
		NewTableProvider("free-proxy-list", "https://free-proxy-list.net/", all, cfg),
		NewTableProvider("sslproxies", "https://www.sslproxies.org/",
			proxy.NewSchemeSet(proxy.HTTPS), cfg),
		NewTableProvider("socks-proxy", "https://www.socks-proxy.net/",
			proxy.NewSchemeSet(proxy.SOCKS4, proxy.SOCKS5), cfg),
		NewGeonodeProvider("geonode", cfg),
	}
}
