package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"proxyforge/pkg/checker"
	"proxyforge/pkg/judge"
	"proxyforge/pkg/pool"
	"proxyforge/pkg/provider"
	"proxyforge/pkg/proxy"
	"proxyforge/pkg/resolver"
	"proxyforge/pkg/server"
)

const extIP = "93.184.216.34"

func newJudgeServer(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers := map[string]string{}
		for name := range r.Header {
			headers[name] = r.Header.Get(name)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"origin": extIP, "headers": headers})
	}))
	t.Cleanup(ts.Close)
	return ts
}

// fakeHTTPProxy answers any request with a judge-style echo so the checker
// validates it as an HTTP proxy.
func fakeHTTPProxy(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 1)
				var head []byte
				for {
					if _, err := c.Read(buf); err != nil {
						return
					}
					head = append(head, buf[0])
					if len(head) >= 4 && string(head[len(head)-4:]) == "\r\n\r\n" {
						break
					}
				}
				payload := `{"origin": "198.51.100.9", "headers": {}}`
				fmt.Fprintf(c, "HTTP/1.1 200 OK\r\nContent-Type: application/json\r\nContent-Length: %d\r\n\r\n%s",
					len(payload), payload)
			}(conn)
		}
	}()
	return ln
}

func newBroker(t *testing.T, providers []provider.Provider, judgeURLs []string) *Broker {
	t.Helper()
	res := resolver.New(time.Minute, time.Second)
	t.Cleanup(res.Close)
	res.SetExternalIP(extIP)

	if len(judgeURLs) == 0 {
		judgeURLs = []string{"http://judge.invalid/"}
	}
	judges, err := judge.NewSet(judgeURLs, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	chk := checker.New(judges, res, checker.Config{
		Timeout:  2 * time.Second,
		MaxConn:  8,
		MaxTries: 1,
	})

	brk := New(providers, chk, res, nil, Config{
		MaxConcurrentProviders: 3,
		ProviderTimeout:        2 * time.Second,
		GrabPause:              100 * time.Millisecond,
		QueueSize:              64,
		ProxyTimeout:           time.Second,
	})
	t.Cleanup(brk.Stop)
	return brk
}

func TestGrabEmitsUncheckedProxies(t *testing.T) {
	src := provider.NewStaticProvider("seed", proxy.NewSchemeSet(proxy.HTTP), []provider.Candidate{
		{Host: "1.2.3.4", Port: 8080},
		{Host: "5.6.7.8", Port: 3128},
	})
	brk := newBroker(t, []provider.Provider{src}, nil)

	out, err := brk.Grab(context.Background(), GrabOptions{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}

	var addrs []string
	for px := range out {
		addrs = append(addrs, px.Addr())
		if len(px.Types()) != 0 {
			t.Errorf("grab emitted checked types for %s: %v", px.Addr(), px.Types())
		}
	}
	sort.Strings(addrs)
	want := []string{"1.2.3.4:8080", "5.6.7.8:3128"}
	if len(addrs) != 2 || addrs[0] != want[0] || addrs[1] != want[1] {
		t.Errorf("got %v, want %v", addrs, want)
	}
}

func TestGrabDedupsAcrossProviders(t *testing.T) {
	a := provider.NewStaticProvider("a", proxy.NewSchemeSet(proxy.HTTP), []provider.Candidate{
		{Host: "1.2.3.4", Port: 8080},
		{Host: "5.6.7.8", Port: 3128},
	})
	b := provider.NewStaticProvider("b", proxy.NewSchemeSet(proxy.HTTP), []provider.Candidate{
		{Host: "5.6.7.8", Port: 3128},
		{Host: "9.9.9.9", Port: 80},
	})
	brk := newBroker(t, []provider.Provider{a, b}, nil)

	out, err := brk.Grab(context.Background(), GrabOptions{})
	if err != nil {
		t.Fatal(err)
	}
	seen := map[string]int{}
	for px := range out {
		seen[px.Addr()]++
	}
	for addr, n := range seen {
		if n > 1 {
			t.Errorf("%s emitted %d times", addr, n)
		}
	}
	if len(seen) != 3 {
		t.Errorf("got %d unique proxies, want 3", len(seen))
	}
}

func TestGrabHonorsLimit(t *testing.T) {
	src := provider.NewStaticProvider("seed", proxy.NewSchemeSet(proxy.HTTP), []provider.Candidate{
		{Host: "1.2.3.4", Port: 8080},
		{Host: "5.6.7.8", Port: 3128},
		{Host: "9.9.9.9", Port: 80},
	})
	brk := newBroker(t, []provider.Provider{src}, nil)

	out, err := brk.Grab(context.Background(), GrabOptions{Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	count := 0
	for range out {
		count++
	}
	if count != 1 {
		t.Errorf("got %d proxies, want 1", count)
	}
}

func TestGrabDropsUnresolvableHosts(t *testing.T) {
	src := provider.NewStaticProvider("seed", proxy.NewSchemeSet(proxy.HTTP), []provider.Candidate{
		{Host: "definitely-not-a-host.invalid", Port: 8080},
		{Host: "1.2.3.4", Port: 8080},
	})
	brk := newBroker(t, []provider.Provider{src}, nil)

	out, err := brk.Grab(context.Background(), GrabOptions{})
	if err != nil {
		t.Fatal(err)
	}
	var addrs []string
	for px := range out {
		addrs = append(addrs, px.Addr())
	}
	if len(addrs) != 1 || addrs[0] != "1.2.3.4:8080" {
		t.Errorf("got %v", addrs)
	}
}

func TestFindEmitsOnlyValidatedProxies(t *testing.T) {
	js := newJudgeServer(t)
	working := fakeHTTPProxy(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	deadPort := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	workingAddr := working.Addr().(*net.TCPAddr)
	src := provider.NewStaticProvider("seed", proxy.NewSchemeSet(proxy.HTTP), []provider.Candidate{
		{Host: "127.0.0.1", Port: workingAddr.Port},
		{Host: "127.0.0.1", Port: deadPort},
	})
	brk := newBroker(t, []provider.Provider{src}, []string{js.URL})

	out, err := brk.Find(context.Background(), FindOptions{GrabOptions: GrabOptions{
		Schemes: []proxy.Scheme{proxy.HTTP},
	}})
	if err != nil {
		t.Fatal(err)
	}

	var got []*proxy.Proxy
	for px := range out {
		got = append(got, px)
	}
	if len(got) != 1 {
		t.Fatalf("got %d proxies, want 1", len(got))
	}
	if got[0].Port != workingAddr.Port {
		t.Errorf("emitted %s", got[0].Addr())
	}
	if _, ok := got[0].Types()[proxy.HTTP]; !ok {
		t.Errorf("validated proxy carries no HTTP type: %v", got[0].Types())
	}
}

func TestStopIsIdempotentAndFinal(t *testing.T) {
	src := provider.NewStaticProvider("seed", proxy.NewSchemeSet(proxy.HTTP), []provider.Candidate{
		{Host: "1.2.3.4", Port: 8080},
	})
	brk := newBroker(t, []provider.Provider{src}, nil)

	brk.Stop()
	brk.Stop()

	if _, err := brk.Grab(context.Background(), GrabOptions{}); !errors.Is(err, ErrStopped) {
		t.Errorf("Grab after Stop: %v, want ErrStopped", err)
	}
	if _, err := brk.Find(context.Background(), FindOptions{}); !errors.Is(err, ErrStopped) {
		t.Errorf("Find after Stop: %v, want ErrStopped", err)
	}
	if _, err := brk.Serve(ServeOptions{}); !errors.Is(err, ErrStopped) {
		t.Errorf("Serve after Stop: %v, want ErrStopped", err)
	}
}

func TestServeEndToEnd(t *testing.T) {
	js := newJudgeServer(t)
	working := fakeHTTPProxy(t)
	workingAddr := working.Addr().(*net.TCPAddr)

	src := provider.NewStaticProvider("seed", proxy.NewSchemeSet(proxy.HTTP), []provider.Candidate{
		{Host: "127.0.0.1", Port: workingAddr.Port},
	})
	brk := newBroker(t, []provider.Provider{src}, []string{js.URL})

	srv, err := brk.Serve(ServeOptions{
		Schemes:  []proxy.Scheme{proxy.HTTP},
		MinQueue: 1,
		Pool:     pool.Config{Wait: 500 * time.Millisecond},
		Server: server.Config{
			ListenAddr: "127.0.0.1:0",
			Timeout:    2 * time.Second,
			MaxTries:   2,
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	// The refill loop needs a moment to validate and pool the proxy.
	deadline := time.Now().Add(5 * time.Second)
	for {
		conn, err := net.Dial("tcp", srv.Addr().String())
		if err != nil {
			t.Fatal(err)
		}
		conn.SetDeadline(time.Now().Add(3 * time.Second))
		fmt.Fprintf(conn, "GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n")
		resp, _ := io.ReadAll(conn)
		conn.Close()

		if strings.HasPrefix(string(resp), "HTTP/1.1 200 OK\r\n") {
			if !strings.Contains(string(resp), "X-Proxy-Info: ") {
				t.Errorf("response lacks X-Proxy-Info: %q", resp)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no successful response before deadline; last: %q", resp)
		}
		time.Sleep(100 * time.Millisecond)
	}

	brk.Stop()
}
