// Package judge manages the external echo endpoints used to probe proxy
// liveness and anonymity.
package judge

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"proxyforge/internal/logger"
	"proxyforge/pkg/proxy"
	"proxyforge/pkg/resolver"
)

// Family groups judges by the scheme family they can vouch for.
type Family uint8

const (
	FamilyHTTP Family = iota
	FamilyHTTPS
	FamilySMTP
)

func (f Family) String() string {
	switch f {
	case FamilyHTTPS:
		return "HTTPS"
	case FamilySMTP:
		return "SMTP"
	default:
		return "HTTP"
	}
}

// FamilyForScheme maps a scheme under test to the judge family it needs.
func FamilyForScheme(s proxy.Scheme) Family {
	switch s {
	case proxy.HTTPS:
		return FamilyHTTPS
	case proxy.Connect25:
		return FamilySMTP
	default:
		return FamilyHTTP
	}
}

// ProxyIndicatorHeaders is the canonical set of headers that advertise a
// proxy's presence to the origin.
var ProxyIndicatorHeaders = []string{
	"Via",
	"X-Forwarded-For",
	"Forwarded",
	"Proxy-Connection",
}

// Judge is one echo endpoint.
type Judge struct {
	URL    *url.URL
	Family Family
	Host   string
	IP     string // resolved, used as SOCKS/CONNECT target
	Port   int

	mu      sync.Mutex
	working bool
}

func (j *Judge) String() string { return j.URL.String() }

// Working reports whether the startup probe succeeded.
func (j *Judge) Working() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.working
}

// SetWorking flips the liveness flag. Probe sets it for judges that pass
// the startup probe; nothing clears it during a run.
func (j *Judge) SetWorking(ok bool) {
	j.mu.Lock()
	j.working = ok
	j.mu.Unlock()
}

// Echo is a parsed judge response: the client IP the judge observed and the
// request headers it received.
type Echo struct {
	Origin  string
	Headers http.Header
}

var ipPattern = regexp.MustCompile(
	`(?:(?:25[0-5]|2[0-4]\d|[01]?\d\d?)\.){3}(?:25[0-5]|2[0-4]\d|[01]?\d\d?)`)

// ParseEcho accepts either a JSON body with origin/headers fields or an
// HTML key/value table.
func ParseEcho(body []byte) (*Echo, error) {
	if echo, err := parseJSONEcho(body); err == nil {
		return echo, nil
	}
	return parseHTMLEcho(body)
}

type jsonEcho struct {
	Origin  string            `json:"origin"`
	IP      string            `json:"ip"`
	Headers map[string]string `json:"headers"`
}

func parseJSONEcho(body []byte) (*Echo, error) {
	var raw jsonEcho
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	origin := raw.Origin
	if origin == "" {
		origin = raw.IP
	}
	if origin == "" && raw.Headers == nil {
		return nil, fmt.Errorf("echo JSON carries neither origin nor headers")
	}
	echo := &Echo{Origin: origin, Headers: http.Header{}}
	for k, v := range raw.Headers {
		echo.Headers.Set(k, v)
	}
	return echo, nil
}

func parseHTMLEcho(body []byte) (*Echo, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	echo := &Echo{Headers: http.Header{}}
	doc.Find("tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("th, td")
		if cells.Length() < 2 {
			return
		}
		key := strings.TrimSpace(cells.Eq(0).Text())
		val := strings.TrimSpace(cells.Eq(1).Text())
		if key == "" || val == "" {
			return
		}
		switch strings.ToUpper(strings.ReplaceAll(key, "-", "_")) {
		case "REMOTE_ADDR", "ORIGIN", "CLIENT_IP":
			if ip := ipPattern.FindString(val); ip != "" {
				echo.Origin = ip
			}
		default:
			echo.Headers.Set(strings.ReplaceAll(key, "_", "-"), val)
		}
	})
	if echo.Origin == "" {
		// Plain-text judges print the address without markup.
		echo.Origin = ipPattern.FindString(doc.Text())
	}
	if echo.Origin == "" && len(echo.Headers) == 0 {
		return nil, fmt.Errorf("echo HTML carries neither origin nor headers")
	}
	return echo, nil
}

// ClassifyAnonymity grades what a judge saw through a proxy against this
// host's external IP. Adding an indicator header can only lower the grade.
func ClassifyAnonymity(echo *Echo, extIP string) proxy.Anonymity {
	if originLeaks(echo.Origin, extIP) {
		return proxy.AnonTransparent
	}
	indicated := false
	for _, name := range ProxyIndicatorHeaders {
		val := echo.Headers.Get(name)
		if val == "" {
			continue
		}
		indicated = true
		if extIP != "" && strings.Contains(val, extIP) {
			return proxy.AnonTransparent
		}
	}
	if indicated {
		return proxy.AnonAnonymous
	}
	return proxy.AnonHigh
}

func originLeaks(origin, extIP string) bool {
	if extIP == "" || origin == "" {
		return false
	}
	for _, part := range strings.Split(origin, ",") {
		if strings.TrimSpace(part) == extIP {
			return true
		}
	}
	return false
}

// Set is the pool of judges, probed at startup and picked round-robin per
// family by the checker.
type Set struct {
	judges  []*Judge
	timeout time.Duration
	log     *logger.Logger

	// VerifySSL enforces certificate checks on HTTPS judge probes. Off by
	// default: many judges run on self-signed or long-expired certs.
	VerifySSL bool

	mu    sync.Mutex
	rr    map[Family]int
	extIP string
}

// NewSet parses judge URLs. smtp:// URLs become SMTP judges; everything
// else derives its family from the URL scheme.
func NewSet(urls []string, timeout time.Duration) (*Set, error) {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	s := &Set{
		timeout: timeout,
		log:     logger.New("judge"),
		rr:      make(map[Family]int),
	}
	for _, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("bad judge url %q: %w", raw, err)
		}
		j := &Judge{URL: u, Host: u.Hostname()}
		switch u.Scheme {
		case "http":
			j.Family, j.Port = FamilyHTTP, 80
		case "https":
			j.Family, j.Port = FamilyHTTPS, 443
		case "smtp":
			j.Family, j.Port = FamilySMTP, 25
		default:
			return nil, fmt.Errorf("bad judge url %q: unsupported scheme", raw)
		}
		if p := u.Port(); p != "" {
			fmt.Sscanf(p, "%d", &j.Port)
		}
		s.judges = append(s.judges, j)
	}
	if len(s.judges) == 0 {
		return nil, fmt.Errorf("no judges configured")
	}
	return s, nil
}

// ExternalIP is the baseline IP recorded during Probe.
func (s *Set) ExternalIP() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.extIP
}

// Probe contacts every judge directly (no proxy), verifies its echo format,
// and marks it working. Judges that fail are excluded from rotation. SMTP
// judges only need their host resolved.
func (s *Set) Probe(ctx context.Context, res *resolver.Resolver) error {
	extIP, err := res.ExternalIP(ctx)
	if err != nil {
		return fmt.Errorf("external IP discovery failed: %w", err)
	}
	s.mu.Lock()
	s.extIP = extIP
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, j := range s.judges {
		wg.Add(1)
		go func(j *Judge) {
			defer wg.Done()
			s.probeOne(ctx, res, j, extIP)
		}(j)
	}
	wg.Wait()

	working := 0
	for _, j := range s.judges {
		if j.Working() {
			working++
		}
	}
	s.log.InfoBg("%d/%d judges are working", working, len(s.judges))
	if working == 0 {
		return fmt.Errorf("no working judges")
	}
	return nil
}

func (s *Set) probeOne(ctx context.Context, res *resolver.Resolver, j *Judge, extIP string) {
	ip, err := res.Resolve(ctx, j.Host)
	if err != nil {
		s.log.WarnBg("Judge %s: resolve failed: %v", j, err)
		return
	}
	j.IP = ip

	if j.Family == FamilySMTP {
		j.SetWorking(true)
		return
	}

	client := &http.Client{
		Timeout: s.timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: !s.VerifySSL},
		},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.URL.String(), nil)
	if err != nil {
		return
	}
	resp, err := client.Do(req)
	if err != nil {
		s.log.WarnBg("Judge %s: probe failed: %v", j, err)
		return
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()
	if err != nil || resp.StatusCode != http.StatusOK {
		s.log.WarnBg("Judge %s: probe status %d", j, resp.StatusCode)
		return
	}
	echo, err := ParseEcho(body)
	if err != nil {
		s.log.WarnBg("Judge %s: unreadable echo: %v", j, err)
		return
	}
	if echo.Origin != "" && !originLeaks(echo.Origin, extIP) {
		// A direct probe must echo our own address back; anything else
		// means the judge is behind some rewriting layer.
		s.log.WarnBg("Judge %s: echoed %s, expected %s", j, echo.Origin, extIP)
		return
	}
	j.SetWorking(true)
	s.log.DebugBg("Judge %s is working", j)
}

// Get returns the next working judge for a family, round-robin.
func (s *Set) Get(f Family) (*Judge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var candidates []*Judge
	for _, j := range s.judges {
		if j.Family == f && j.Working() {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no working %s judges", f)
	}
	idx := s.rr[f] % len(candidates)
	s.rr[f]++
	return candidates[idx], nil
}

// HasWorking reports whether a family has at least one live judge.
func (s *Set) HasWorking(f Family) bool {
	for _, j := range s.judges {
		if j.Family == f && j.Working() {
			return true
		}
	}
	return false
}

// Judges exposes the configured judges.
func (s *Set) Judges() []*Judge {
	return s.judges
}

// EnsureFor verifies every requested scheme has a live judge family. The
// checker treats a failure here as fatal.
func (s *Set) EnsureFor(schemes []proxy.Scheme) error {
	needed := map[Family]bool{}
	for _, sc := range schemes {
		needed[FamilyForScheme(sc)] = true
	}
	for f := range needed {
		if !s.HasWorking(f) {
			return fmt.Errorf("no working judges for %s family", f)
		}
	}
	return nil
}

// TargetFor builds the negotiation target pointing at a judge.
func TargetFor(j *Judge) (host string, ip net.IP, port int) {
	return j.Host, net.ParseIP(j.IP), j.Port
}
