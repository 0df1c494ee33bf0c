// Package broker orchestrates discovery: it runs providers under a
// concurrency cap, funnels candidates through dedup and resolution into the
// checker, and publishes validated proxies to a consumer channel or to the
// rotating server's pool.
package broker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"proxyforge/internal/geoip"
	"proxyforge/internal/logger"
	"proxyforge/pkg/checker"
	"proxyforge/pkg/pool"
	"proxyforge/pkg/provider"
	"proxyforge/pkg/proxy"
	"proxyforge/pkg/resolver"
	"proxyforge/pkg/server"
)

// ErrStopped is returned by operations started after Stop.
var ErrStopped = errors.New("broker is stopped")

// detachWindow bounds how long Stop waits for child tasks before detaching.
const detachWindow = 5 * time.Second

// Config tunes orchestration.
type Config struct {
	MaxConcurrentProviders int
	ProviderTimeout        time.Duration
	GrabPause              time.Duration
	QueueSize              int
	ProxyTimeout           time.Duration // connect timeout stamped on entities
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentProviders <= 0 {
		c.MaxConcurrentProviders = 3
	}
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = 30 * time.Second
	}
	if c.GrabPause <= 0 {
		c.GrabPause = 60 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 500
	}
	if c.ProxyTimeout <= 0 {
		c.ProxyTimeout = 8 * time.Second
	}
	return c
}

// GrabOptions filter raw discovery.
type GrabOptions struct {
	Schemes   []proxy.Scheme
	Limit     int
	Countries []string
}

// FindOptions add validation on top of discovery; checker policy (levels,
// strictness, DNSBL) is set on the checker itself.
type FindOptions struct {
	GrabOptions
}

// ServeOptions run a rotating server fed from a continuously refilled pool.
type ServeOptions struct {
	Schemes  []proxy.Scheme
	MinQueue int
	Pool     pool.Config
	Server   server.Config
}

// Broker owns the discovery pipeline.
type Broker struct {
	cfg       Config
	providers []provider.Provider
	checker   *checker.Checker
	res       *resolver.Resolver
	geo       *geoip.Service
	log       *logger.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	mu   sync.Mutex
	seen map[string]struct{}
	pl   *pool.Pool
	srv  *server.Server
}

func New(providers []provider.Provider, chk *checker.Checker, res *resolver.Resolver, geo *geoip.Service, cfg Config) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		cfg:       cfg.withDefaults(),
		providers: providers,
		checker:   chk,
		res:       res,
		geo:       geo,
		log:       logger.New("broker"),
		ctx:       ctx,
		cancel:    cancel,
		seen:      make(map[string]struct{}),
	}
}

// markSeen returns true the first time an address shows up this run.
func (b *Broker) markSeen(addr string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, dup := b.seen[addr]; dup {
		return false
	}
	b.seen[addr] = struct{}{}
	return true
}

// gather runs one discovery cycle: every provider fetched once, at most
// MaxConcurrentProviders at a time, source order preserved per provider.
func (b *Broker) gather(ctx context.Context, schemes []proxy.Scheme) <-chan provider.Candidate {
	out := make(chan provider.Candidate, b.cfg.QueueSize)
	want := proxy.NewSchemeSet(schemes...)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(out)

		sem := make(chan struct{}, b.cfg.MaxConcurrentProviders)
		var pwg sync.WaitGroup
		for _, pr := range b.providers {
			if !want.Empty() && !overlaps(pr.Schemes(), want) {
				continue
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				pwg.Wait()
				return
			}
			pwg.Add(1)
			go func(pr provider.Provider) {
				defer pwg.Done()
				defer func() { <-sem }()
				b.fetchProvider(ctx, pr, out)
			}(pr)
		}
		pwg.Wait()
	}()
	return out
}

func overlaps(a, b proxy.SchemeSet) bool {
	for _, s := range a.Schemes() {
		if b.Has(s) {
			return true
		}
	}
	return false
}

func (b *Broker) fetchProvider(ctx context.Context, pr provider.Provider, out chan<- provider.Candidate) {
	fctx, cancel := context.WithTimeout(ctx, b.cfg.ProviderTimeout)
	defer cancel()

	candidates, err := pr.Fetch(fctx)
	if err != nil {
		b.log.WarnBg("Provider %s failed: %v", pr.Name(), err)
		return
	}
	unique := 0
	for _, c := range candidates {
		if !b.markSeen(c.Addr()) {
			continue
		}
		unique++
		select {
		case out <- c:
		case <-ctx.Done():
			return
		}
	}
	b.log.InfoBg("Provider %s: %d total, %d unique", pr.Name(), len(candidates), unique)
}

// entities resolves and filters candidates into Proxy values with empty
// type sets. Unresolvable hosts are dropped silently.
func (b *Broker) entities(ctx context.Context, opts GrabOptions) <-chan *proxy.Proxy {
	out := make(chan *proxy.Proxy, b.cfg.QueueSize)
	candidates := b.gather(ctx, opts.Schemes)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(out)
		for c := range candidates {
			ip, err := b.res.Resolve(ctx, c.Host)
			if err != nil {
				continue
			}
			code, name := b.geo.Lookup(ip)
			if len(opts.Countries) > 0 && !countryAllowed(code, opts.Countries) {
				continue
			}
			px, err := proxy.New(ip, c.Port, b.cfg.ProxyTimeout)
			if err != nil {
				continue
			}
			px.SetGeo(code, name)
			select {
			case out <- px:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func countryAllowed(code string, countries []string) bool {
	for _, c := range countries {
		if strings.EqualFold(c, code) {
			return true
		}
	}
	return false
}

// Grab scrapes, dedups, resolves, and emits proxies without checking them.
// The channel closes when limit is reached or the providers are exhausted.
func (b *Broker) Grab(ctx context.Context, opts GrabOptions) (<-chan *proxy.Proxy, error) {
	if b.ctx.Err() != nil {
		return nil, ErrStopped
	}
	gctx, cancel := context.WithCancel(b.bind(ctx))
	in := b.entities(gctx, opts)
	out := make(chan *proxy.Proxy)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(out)
		defer cancel()
		count := 0
		for px := range in {
			select {
			case out <- px:
			case <-gctx.Done():
				return
			}
			count++
			if opts.Limit > 0 && count >= opts.Limit {
				return
			}
		}
	}()
	return out, nil
}

// Find is Grab followed by validation; only proxies with at least one
// surviving scheme are emitted.
func (b *Broker) Find(ctx context.Context, opts FindOptions) (<-chan *proxy.Proxy, error) {
	if b.ctx.Err() != nil {
		return nil, ErrStopped
	}
	schemes := opts.Schemes
	if len(schemes) == 0 {
		schemes = proxy.AllSchemes
	}
	if err := b.checker.Start(b.bind(ctx), schemes); err != nil {
		return nil, err
	}

	fctx, cancel := context.WithCancel(b.bind(ctx))
	in := b.entities(fctx, opts.GrabOptions)
	checked := make(chan *proxy.Proxy, b.cfg.QueueSize)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.checker.Run(fctx, in, checked, schemes)
	}()

	out := make(chan *proxy.Proxy)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(out)
		defer cancel()
		count := 0
		for px := range checked {
			select {
			case out <- px:
			case <-fctx.Done():
				return
			}
			count++
			if opts.Limit > 0 && count >= opts.Limit {
				return
			}
		}
	}()
	return out, nil
}

// Serve starts the rotating server fed from a pool the broker keeps
// refilled whenever it drops below MinQueue. Runs until Stop.
func (b *Broker) Serve(opts ServeOptions) (*server.Server, error) {
	if b.ctx.Err() != nil {
		return nil, ErrStopped
	}
	schemes := opts.Schemes
	if len(schemes) == 0 {
		schemes = proxy.AllSchemes
	}
	if err := b.checker.Start(b.ctx, schemes); err != nil {
		return nil, err
	}
	minQueue := opts.MinQueue
	if minQueue <= 0 {
		minQueue = 5
	}

	pl := pool.New(opts.Pool)
	srv := server.New(pl, b.res, opts.Server)
	if err := srv.Start(); err != nil {
		pl.Close()
		return nil, err
	}

	b.mu.Lock()
	b.pl = pl
	b.srv = srv
	b.mu.Unlock()

	b.wg.Add(1)
	go b.refillLoop(pl, schemes, minQueue)
	return srv, nil
}

// refillLoop runs a discovery cycle whenever the pool dips below the floor,
// idling for the grab pause between cycles.
func (b *Broker) refillLoop(pl *pool.Pool, schemes []proxy.Scheme, minQueue int) {
	defer b.wg.Done()
	for {
		if b.ctx.Err() != nil {
			return
		}
		if pl.Len() < minQueue {
			b.log.InfoBg("Pool below %d, refilling", minQueue)
			b.refillOnce(pl, schemes)
		}
		select {
		case <-time.After(b.cfg.GrabPause):
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *Broker) refillOnce(pl *pool.Pool, schemes []proxy.Scheme) {
	rctx, cancel := context.WithCancel(b.ctx)
	defer cancel()

	in := b.entities(rctx, GrabOptions{Schemes: schemes})
	checked := make(chan *proxy.Proxy, b.cfg.QueueSize)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.checker.Run(rctx, in, checked, schemes)
	}()

	filled := 0
	for px := range checked {
		if pl.Put(px) {
			filled++
		}
	}
	b.log.InfoBg("Refill cycle added %d proxies", filled)
}

// bind derives a context canceled by both the caller and Stop.
func (b *Broker) bind(ctx context.Context) context.Context {
	if ctx == nil || ctx == context.Background() {
		return b.ctx
	}
	merged, cancel := context.WithCancel(ctx)
	context.AfterFunc(b.ctx, cancel)
	return merged
}

// Stop cancels every task, closes the pool and server, and clears the
// dedup filter. Safe to call more than once.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		b.cancel()

		b.mu.Lock()
		pl, srv := b.pl, b.srv
		b.seen = make(map[string]struct{})
		b.mu.Unlock()

		if pl != nil {
			pl.Close()
		}
		if srv != nil {
			sctx, cancel := context.WithTimeout(context.Background(), detachWindow)
			if err := srv.Stop(sctx); err != nil {
				b.log.WarnBg("server shutdown: %v", err)
			}
			cancel()
		}

		done := make(chan struct{})
		go func() {
			b.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			b.log.InfoBg("Broker stopped")
		case <-time.After(detachWindow):
			b.log.WarnBg("Broker stopped with tasks detached")
		}
	})
}
