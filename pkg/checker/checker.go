// Package checker validates candidate proxies across the requested schemes
// using judge probes, and assigns anonymity levels.
package checker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	netproxy "golang.org/x/net/proxy"

	"proxyforge/internal/logger"
	"proxyforge/pkg/judge"
	"proxyforge/pkg/negotiator"
	"proxyforge/pkg/proxy"
	"proxyforge/pkg/resolver"
)

// maxJudgeTries is how many judges a scheme may burn through before the
// scheme is discarded.
const maxJudgeTries = 3

// FatalConfigError aborts startup; it is never produced per-proxy.
type FatalConfigError struct {
	Reason string
	Err    error
}

func (e *FatalConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fatal config error: %s: %v", e.Reason, e.Err)
	}
	return "fatal config error: " + e.Reason
}

func (e *FatalConfigError) Unwrap() error { return e.Err }

// JudgeError is a failed probe against one judge; the checker rotates to
// another judge before giving up on the scheme.
type JudgeError struct {
	Judge string
	Err   error
}

func (e *JudgeError) Error() string {
	return fmt.Sprintf("judge %s: %v", e.Judge, e.Err)
}

func (e *JudgeError) Unwrap() error { return e.Err }

// Config tunes validation.
type Config struct {
	Timeout     time.Duration
	MaxConn     int // proxies checked in parallel
	MaxTries    int // connect attempts per (proxy, scheme)
	VerifySOCKS bool
	UsePost     bool
	Strict      bool              // every requested scheme must validate
	Levels      []proxy.Anonymity // keep only these levels on HTTP schemes
	DNSBL       []string
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 8 * time.Second
	}
	if c.MaxConn <= 0 {
		c.MaxConn = 200
	}
	if c.MaxTries <= 0 {
		c.MaxTries = 3
	}
	return c
}

// Checker drives protocol handshakes and judge probes against candidates.
type Checker struct {
	judges *judge.Set
	res    *resolver.Resolver
	cfg    Config
	log    *logger.Logger

	startOnce sync.Once
	startErr  error
}

func New(judges *judge.Set, res *resolver.Resolver, cfg Config) *Checker {
	return &Checker{
		judges: judges,
		res:    res,
		cfg:    cfg.withDefaults(),
		log:    logger.New("checker"),
	}
}

// Start probes the judges and verifies coverage for the requested schemes.
// Refuses to run without a working judge per requested family.
func (c *Checker) Start(ctx context.Context, schemes []proxy.Scheme) error {
	c.startOnce.Do(func() {
		if err := c.judges.Probe(ctx, c.res); err != nil {
			c.startErr = &FatalConfigError{Reason: "judge probing failed", Err: err}
			return
		}
		if err := c.judges.EnsureFor(schemes); err != nil {
			c.startErr = &FatalConfigError{Reason: "judge coverage", Err: err}
		}
	})
	return c.startErr
}

// Check validates p against the requested schemes, mutating its type set.
// Failures are local to one (proxy, scheme, attempt) and never propagate.
func (c *Checker) Check(ctx context.Context, p *proxy.Proxy, schemes []proxy.Scheme) {
	if len(c.cfg.DNSBL) > 0 && c.res.InDNSBL(ctx, p.Host, c.cfg.DNSBL) {
		p.Log("listed in DNSBL, discarded", time.Time{}, nil)
		return
	}

	for _, s := range schemes {
		if ctx.Err() != nil {
			return
		}
		c.checkScheme(ctx, p, s)
	}
	p.Close()

	c.applyLevelFilter(p, schemes)
}

// applyLevelFilter enforces the anonymity filter and strict mode by
// rebuilding the type set; a proxy failing strict mode keeps no types and
// is discarded upstream.
func (c *Checker) applyLevelFilter(p *proxy.Proxy, requested []proxy.Scheme) {
	if c.cfg.Strict {
		for _, s := range requested {
			if !p.HasScheme(s) {
				p.ClearTypes()
				return
			}
		}
	}
	if len(c.cfg.Levels) == 0 {
		return
	}
	keep := func(lvl proxy.Anonymity) bool {
		if lvl == proxy.AnonNone {
			return true // anonymity is inherent for SOCKS/CONNECT
		}
		for _, want := range c.cfg.Levels {
			if lvl == want {
				return true
			}
		}
		return false
	}
	for s, lvl := range p.Types() {
		if !keep(lvl) {
			p.DropType(s)
		}
	}
}

func (c *Checker) checkScheme(ctx context.Context, p *proxy.Proxy, s proxy.Scheme) {
	var handshakeFailed bool
	for attempt := 0; attempt < c.cfg.MaxTries && !handshakeFailed; attempt++ {
		start := time.Now()
		p.SetNegotiating(s)

		if err := p.Connect(ctx); err != nil {
			p.MarkError(s)
			p.Log("connection failed", start, err)
			continue
		}

		lvl, err := c.attemptScheme(ctx, p, s)
		if err == nil {
			p.Log("scheme validated", start, nil)
			p.SetType(s, lvl)
			p.Close()
			return
		}

		p.MarkError(s)
		p.Log(errMessage(err), start, err)
		p.Close()

		// Handshake and judge failures are deterministic for the proxy;
		// only connect-level failures earn another attempt.
		var hs *negotiator.HandshakeError
		var je *JudgeError
		if errors.As(err, &hs) {
			handshakeFailed = true
		} else if errors.As(err, &je) {
			handshakeFailed = true
		}
	}
}

func errMessage(err error) string {
	if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
		return "timeout"
	}
	var hs *negotiator.HandshakeError
	if errors.As(err, &hs) && hs.Timeout() {
		return "timeout"
	}
	return "failed"
}

// attemptScheme negotiates one scheme on the open stream and, for HTTP,
// probes a judge through it. Judge rotation happens inside.
func (c *Checker) attemptScheme(ctx context.Context, p *proxy.Proxy, s proxy.Scheme) (proxy.Anonymity, error) {
	family := judge.FamilyForScheme(s)

	var lastErr error
	for i := 0; i < maxJudgeTries; i++ {
		j, err := c.judges.Get(family)
		if err != nil {
			if lastErr != nil {
				return 0, lastErr
			}
			return 0, &JudgeError{Judge: family.String(), Err: err}
		}

		lvl, err := c.attemptWithJudge(ctx, p, s, j)
		if err == nil {
			return lvl, nil
		}
		lastErr = err

		var je *JudgeError
		if !errors.As(err, &je) {
			return 0, err // handshake or stream failure, not the judge's fault
		}
		// Rotate to another judge; the stream is suspect after a failed
		// probe, so reconnect.
		if i < maxJudgeTries-1 {
			if cerr := p.Connect(ctx); cerr != nil {
				return 0, cerr
			}
		}
	}
	return 0, lastErr
}

func (c *Checker) attemptWithJudge(ctx context.Context, p *proxy.Proxy, s proxy.Scheme, j *judge.Judge) (proxy.Anonymity, error) {
	host, ip, port := judge.TargetFor(j)
	tgt := negotiator.Target{Host: host, IP: ip, Port: port}

	conn := p.Conn()
	if conn == nil {
		return 0, &proxy.ConnectError{Addr: p.Addr(), Err: fmt.Errorf("no open stream")}
	}

	if err := negotiator.Negotiate(conn, s, tgt, c.cfg.Timeout); err != nil {
		return 0, err
	}

	switch s {
	case proxy.HTTP:
		echo, err := c.probeJudge(conn, j, true)
		if err != nil {
			return 0, err
		}
		return judge.ClassifyAnonymity(echo, c.judges.ExternalIP()), nil
	case proxy.HTTPS:
		// CONNECT succeeded; the tunnel hides the client entirely.
		return proxy.AnonHigh, nil
	case proxy.SOCKS5:
		if c.cfg.VerifySOCKS {
			if err := c.verifySOCKS5(ctx, p, j); err != nil {
				return 0, err
			}
		}
		return proxy.AnonNone, nil
	default:
		return proxy.AnonNone, nil
	}
}

// probeJudge sends a judge request over the negotiated stream and parses
// the echo. fullPath selects absolute-URI form (plain HTTP proxying).
func (c *Checker) probeJudge(conn net.Conn, j *judge.Judge, fullPath bool) (*judge.Echo, error) {
	conn.SetDeadline(time.Now().Add(c.cfg.Timeout))
	defer conn.SetDeadline(time.Time{})

	target := j.URL.RequestURI()
	if fullPath {
		target = j.URL.String()
	}

	method := http.MethodGet
	body := ""
	if c.cfg.UsePost {
		method = http.MethodPost
		body = "q=check"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", method, target)
	fmt.Fprintf(&b, "Host: %s\r\n", j.URL.Host)
	fmt.Fprintf(&b, "User-Agent: %s\r\n", negotiator.UserAgent)
	b.WriteString("Accept: */*\r\n")
	if body != "" {
		b.WriteString("Content-Type: application/x-www-form-urlencoded\r\n")
		fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	}
	b.WriteString("Connection: close\r\n\r\n")
	b.WriteString(body)

	if _, err := conn.Write([]byte(b.String())); err != nil {
		return nil, &JudgeError{Judge: j.String(), Err: err}
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		return nil, &JudgeError{Judge: j.String(), Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &JudgeError{Judge: j.String(), Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &JudgeError{Judge: j.String(), Err: err}
	}
	echo, err := judge.ParseEcho(raw)
	if err != nil {
		return nil, &JudgeError{Judge: j.String(), Err: err}
	}
	return echo, nil
}

// verifySOCKS5 double-checks a negotiated SOCKS5 proxy by routing a real
// HTTP request through it on a fresh connection.
func (c *Checker) verifySOCKS5(ctx context.Context, p *proxy.Proxy, j *judge.Judge) error {
	dialer, err := netproxy.SOCKS5("tcp", p.Addr(), nil, netproxy.Direct)
	if err != nil {
		return err
	}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		},
		DisableKeepAlives: true,
	}
	client := &http.Client{Transport: transport, Timeout: c.cfg.Timeout}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.URL.String(), nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("SOCKS5 verify: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("SOCKS5 verify: HTTP %d", resp.StatusCode)
	}
	return nil
}

type task struct {
	ctx     context.Context
	p       *proxy.Proxy
	schemes []proxy.Scheme
	out     chan<- *proxy.Proxy
	wg      *sync.WaitGroup
}

// Run consumes candidates from in, checks up to MaxConn concurrently, and
// emits proxies with at least one validated scheme. Closes out when in is
// drained or ctx is canceled.
func (c *Checker) Run(ctx context.Context, in <-chan *proxy.Proxy, out chan<- *proxy.Proxy, schemes []proxy.Scheme) error {
	var wg sync.WaitGroup
	workers, err := ants.NewPoolWithFunc(c.cfg.MaxConn, func(arg interface{}) {
		t := arg.(*task)
		defer t.wg.Done()
		c.Check(t.ctx, t.p, t.schemes)
		if !t.p.IsWorking() {
			return
		}
		select {
		case t.out <- t.p:
		case <-t.ctx.Done():
		}
	})
	if err != nil {
		close(out)
		return err
	}
	defer workers.Release()
	defer close(out)

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case p, ok := <-in:
			if !ok {
				wg.Wait()
				return nil
			}
			wg.Add(1)
			if err := workers.Invoke(&task{ctx: ctx, p: p, schemes: schemes, out: out, wg: &wg}); err != nil {
				wg.Done()
				c.log.WarnBg("worker submit failed: %v", err)
			}
		}
	}
}
