package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"proxyforge/pkg/proxy"
)

func mk(t *testing.T, host string, port int, schemes ...proxy.Scheme) *proxy.Proxy {
	t.Helper()
	p, err := proxy.New(host, port, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range schemes {
		p.SetType(s, proxy.AnonNone)
	}
	return p
}

// establish pushes a proxy past the newcomer threshold with a known
// average response time.
func establish(p *proxy.Proxy, avg time.Duration) *proxy.Proxy {
	for i := 0; i < 5; i++ {
		p.RecordRequest()
	}
	if avg > 0 {
		p.AddRuntime(avg)
	}
	return p
}

func shortWait() Config {
	return Config{Wait: 200 * time.Millisecond}
}

func TestGetReturnsNonDecreasingAvgRespTime(t *testing.T) {
	pl := New(shortWait())
	pl.Put(establish(mk(t, "1.1.1.1", 80, proxy.HTTP), 500*time.Millisecond))
	pl.Put(establish(mk(t, "2.2.2.2", 80, proxy.HTTP), 200*time.Millisecond))
	pl.Put(establish(mk(t, "3.3.3.3", 80, proxy.HTTP), 900*time.Millisecond))

	prev := -1.0
	for i := 0; i < 3; i++ {
		px, err := pl.Get(context.Background(), proxy.FamilyHTTP)
		if err != nil {
			t.Fatal(err)
		}
		avg := px.AvgRespTime()
		if avg < prev {
			t.Errorf("Get #%d returned avg %.2f after %.2f", i, avg, prev)
		}
		prev = avg
	}
	if _, err := pl.Get(context.Background(), proxy.FamilyHTTP); !errors.Is(err, ErrNoProxyAvailable) {
		t.Errorf("drained pool: got %v", err)
	}
}

func TestHeapIntegrityUnderRemoval(t *testing.T) {
	pl := New(shortWait())
	avgs := []time.Duration{700, 100, 500, 300, 900}
	for i, avg := range avgs {
		host := []string{"1.1.1.1", "2.2.2.2", "3.3.3.3", "4.4.4.4", "5.5.5.5"}[i]
		pl.Put(establish(mk(t, host, 80, proxy.HTTP), avg*time.Millisecond))
	}

	if !pl.Remove("3.3.3.3", 80) {
		t.Fatal("Remove(3.3.3.3) = false")
	}
	if !pl.Remove("2.2.2.2", 80) {
		t.Fatal("Remove(2.2.2.2) = false")
	}
	if pl.Remove("6.6.6.6", 80) {
		t.Error("Remove of absent proxy = true")
	}
	if pl.Len() != 3 {
		t.Fatalf("Len = %d, want 3", pl.Len())
	}

	prev := -1.0
	for i := 0; i < 3; i++ {
		px, err := pl.Get(context.Background(), proxy.FamilyHTTP)
		if err != nil {
			t.Fatal(err)
		}
		if px.Host == "3.3.3.3" || px.Host == "2.2.2.2" {
			t.Errorf("removed proxy %s came back", px.Host)
		}
		if avg := px.AvgRespTime(); avg < prev {
			t.Errorf("heap order broken after removal: %.2f after %.2f", avg, prev)
		} else {
			prev = avg
		}
	}
}

func TestExhaustionDoesNotDeadlock(t *testing.T) {
	pl := New(shortWait())
	start := time.Now()
	_, err := pl.Get(context.Background(), proxy.FamilyHTTP)
	if !errors.Is(err, ErrNoProxyAvailable) {
		t.Fatalf("got %v, want ErrNoProxyAvailable", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Get took %v, want about the configured wait", elapsed)
	}
}

func TestGetHonorsContextCancellation(t *testing.T) {
	pl := New(Config{Wait: 5 * time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	_, err := pl.Get(ctx, proxy.FamilyHTTP)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Error("cancellation took too long to release Get")
	}
}

func TestNewcomersServeFIFO(t *testing.T) {
	pl := New(shortWait())
	pl.Put(mk(t, "1.1.1.1", 80, proxy.HTTP))
	pl.Put(mk(t, "2.2.2.2", 80, proxy.HTTP))

	first, err := pl.Get(context.Background(), proxy.FamilyHTTP)
	if err != nil {
		t.Fatal(err)
	}
	if first.Host != "1.1.1.1" {
		t.Errorf("FIFO violated: got %s first", first.Host)
	}
}

func TestPromotionAfterMinRequests(t *testing.T) {
	pl := New(shortWait())

	p := mk(t, "1.1.1.1", 8080, proxy.HTTP)
	for i := 0; i < 4; i++ {
		p.RecordRequest()
	}
	p.AddRuntime(500 * time.Millisecond)

	if !pl.Put(p) {
		t.Fatal("Put(P) = false")
	}
	got, err := pl.Get(context.Background(), proxy.FamilyHTTP)
	if err != nil || got != p {
		t.Fatalf("newcomer P not returned: %v, %v", got, err)
	}

	// One more successful use crosses the threshold.
	p.RecordRequest()
	if !pl.Put(p) {
		t.Fatal("re-Put(P) = false")
	}
	q := mk(t, "2.2.2.2", 8080, proxy.HTTP)
	pl.Put(q)

	got, err = pl.Get(context.Background(), proxy.FamilyHTTP)
	if err != nil {
		t.Fatal(err)
	}
	if got != p {
		t.Errorf("established P must outrank newcomer Q, got %s", got.Addr())
	}
}

func TestUnhealthyEstablishedIsDiscarded(t *testing.T) {
	pl := New(shortWait())

	bad := mk(t, "1.1.1.1", 80, proxy.HTTP)
	for i := 0; i < 5; i++ {
		bad.RecordRequest()
	}
	for i := 0; i < 4; i++ {
		bad.MarkError(proxy.HTTP)
	}
	bad.AddRuntime(100 * time.Millisecond)
	if pl.Put(bad) {
		t.Error("Put kept a proxy with error rate 0.8")
	}

	slow := establish(mk(t, "2.2.2.2", 80, proxy.HTTP), 9*time.Second)
	if pl.Put(slow) {
		t.Error("Put kept a proxy with avg resp time over the ceiling")
	}
	if pl.Len() != 0 {
		t.Errorf("Len = %d, want 0", pl.Len())
	}
}

func TestSchemeFilterDoesNotLoseProxies(t *testing.T) {
	pl := New(shortWait())
	httpsOnly := establish(mk(t, "1.1.1.1", 443, proxy.HTTPS), 300*time.Millisecond)
	pl.Put(httpsOnly)

	if _, err := pl.Get(context.Background(), proxy.FamilyHTTP); !errors.Is(err, ErrNoProxyAvailable) {
		t.Fatalf("got %v, want ErrNoProxyAvailable", err)
	}

	got, err := pl.Get(context.Background(), proxy.FamilyHTTPS)
	if err != nil {
		t.Fatalf("HTTPS-only proxy vanished after filtered scan: %v", err)
	}
	if got != httpsOnly {
		t.Errorf("got %s", got.Addr())
	}
}

func TestBlockedGetIsWokenByPut(t *testing.T) {
	pl := New(Config{Wait: 2 * time.Second})
	done := make(chan *proxy.Proxy, 1)
	go func() {
		px, err := pl.Get(context.Background(), proxy.FamilyHTTP)
		if err != nil {
			done <- nil
			return
		}
		done <- px
	}()

	time.Sleep(50 * time.Millisecond)
	p := mk(t, "1.1.1.1", 80, proxy.HTTP)
	pl.Put(p)

	select {
	case got := <-done:
		if got != p {
			t.Errorf("woken Get returned %v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("Put did not wake the blocked Get")
	}
}

func TestCloseReleasesWaiters(t *testing.T) {
	pl := New(Config{Wait: 5 * time.Second})
	errCh := make(chan error, 1)
	go func() {
		_, err := pl.Get(context.Background(), proxy.FamilyHTTP)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	pl.Close()
	pl.Close() // idempotent

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrNoProxyAvailable) {
			t.Errorf("got %v, want ErrNoProxyAvailable", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not release the waiter")
	}
	if pl.Put(mk(t, "1.1.1.1", 80, proxy.HTTP)) {
		t.Error("Put into a closed pool succeeded")
	}
}
