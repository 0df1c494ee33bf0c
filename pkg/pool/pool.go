// Package pool holds validated proxies in a health-ranked selection
// structure with two tiers: a FIFO of newcomers still building history and
// a min-heap of established proxies ordered by average response time.
package pool

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"proxyforge/internal/logger"
	"proxyforge/pkg/proxy"
)

// ErrNoProxyAvailable means both tiers stayed empty for the configured
// wait. The server maps it to 502.
var ErrNoProxyAvailable = errors.New("no proxy available")

// Handle is the narrow capability handed to the broker (writer) and the
// server (reader/writer). Neither side owns the pool.
type Handle interface {
	Put(p *proxy.Proxy) bool
	Get(ctx context.Context, f proxy.Family) (*proxy.Proxy, error)
	Remove(host string, port int) bool
	Len() int
}

// Config carries the health thresholds.
type Config struct {
	MinReqProxy  int           // requests before a proxy is rankable
	MaxErrorRate float64       // discard ceiling
	MaxRespTime  time.Duration // discard ceiling
	Wait         time.Duration // Get's bounded wait
}

func (c Config) withDefaults() Config {
	if c.MinReqProxy <= 0 {
		c.MinReqProxy = 5
	}
	if c.MaxErrorRate <= 0 {
		c.MaxErrorRate = 0.5
	}
	if c.MaxRespTime <= 0 {
		c.MaxRespTime = 8 * time.Second
	}
	if c.Wait <= 0 {
		c.Wait = 5 * time.Second
	}
	return c
}

// repushPenalty nudges a popped-but-unsuitable entry behind equal keys so
// repeated scans make progress on ties.
const repushPenalty = 0.001

type entry struct {
	key float64 // avg resp time snapshot at Put
	seq uint64  // insertion order, breaks ties
	p   *proxy.Proxy
}

type entryHeap []entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].key != h[j].key {
		return h[i].key < h[j].key
	}
	return h[i].seq < h[j].seq
}
func (h entryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x interface{}) { *h = append(*h, x.(entry)) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Pool is the concrete two-tier structure. All state transitions hold one
// mutex; Get waits on a condition variable signaled by Put.
type Pool struct {
	mu          sync.Mutex
	cond        *sync.Cond
	newcomers   []*proxy.Proxy
	established entryHeap
	cfg         Config
	seq         uint64
	closed      bool
	log         *logger.Logger
}

func New(cfg Config) *Pool {
	p := &Pool{
		cfg: cfg.withDefaults(),
		log: logger.New("pool"),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Put files a proxy into its tier. Newcomers (under MinReqProxy requests)
// go to the FIFO; healthy established proxies go onto the heap; proxies
// over either health ceiling are permanently discarded. Returns whether
// the proxy was kept.
func (p *Pool) Put(px *proxy.Proxy) bool {
	if px == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}

	if px.Requests() < p.cfg.MinReqProxy {
		p.newcomers = append(p.newcomers, px)
		p.cond.Broadcast()
		return true
	}

	avg := px.AvgRespTime()
	if px.ErrorRate() > p.cfg.MaxErrorRate || avg > p.cfg.MaxRespTime.Seconds() {
		p.log.DebugBg("%s removed from pool (err %.2f, avg %.2fs)", px.Addr(), px.ErrorRate(), avg)
		return false
	}

	p.seq++
	heap.Push(&p.established, entry{key: avg, seq: p.seq, p: px})
	p.cond.Broadcast()
	return true
}

// Get returns the best proxy able to carry the family, blocking up to the
// configured wait while both tiers are empty or unsuitable. Established
// proxies are preferred; the heap scan re-pushes unsuitable entries with a
// small penalty and is capped at 3x the heap size to prevent infinite
// recycling, then the newcomer FIFO is scanned under the same cap.
func (p *Pool) Get(ctx context.Context, f proxy.Family) (*proxy.Proxy, error) {
	deadline := time.Now().Add(p.cfg.Wait)
	timer := time.AfterFunc(p.cfg.Wait, func() { p.cond.Broadcast() })
	defer timer.Stop()
	stop := context.AfterFunc(ctx, func() { p.cond.Broadcast() })
	defer stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if px := p.takeLocked(f); px != nil {
			return px, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if p.closed || !time.Now().Before(deadline) {
			return nil, ErrNoProxyAvailable
		}
		p.cond.Wait()
	}
}

func (p *Pool) takeLocked(f proxy.Family) *proxy.Proxy {
	if limit := 3 * p.established.Len(); limit > 0 {
		for i := 0; i < limit && p.established.Len() > 0; i++ {
			e := heap.Pop(&p.established).(entry)
			if e.p.SupportsFamily(f) {
				return e.p
			}
			e.key += repushPenalty
			heap.Push(&p.established, e)
		}
	}

	if limit := 3 * len(p.newcomers); limit > 0 {
		for i := 0; i < limit && len(p.newcomers) > 0; i++ {
			px := p.newcomers[0]
			p.newcomers = p.newcomers[1:]
			if px.SupportsFamily(f) {
				return px
			}
			p.newcomers = append(p.newcomers, px)
		}
	}
	return nil
}

// Remove drops a proxy from whichever tier holds it. Heap removal rebuilds
// the heap invariant; correctness over micro-optimization.
func (p *Pool) Remove(host string, port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, px := range p.newcomers {
		if px.Host == host && px.Port == port {
			p.newcomers = append(p.newcomers[:i], p.newcomers[i+1:]...)
			return true
		}
	}

	for i, e := range p.established {
		if e.p.Host == host && e.p.Port == port {
			p.established = append(p.established[:i], p.established[i+1:]...)
			heap.Init(&p.established)
			return true
		}
	}
	return false
}

// Len is the total held across both tiers.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.newcomers) + p.established.Len()
}

// Close empties the pool and releases all blocked Get calls with
// ErrNoProxyAvailable. Idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.newcomers = nil
	p.established = nil
	p.cond.Broadcast()
	p.mu.Unlock()
}
