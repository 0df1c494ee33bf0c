package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"proxyforge/pkg/pool"
	"proxyforge/pkg/proxy"
	"proxyforge/pkg/resolver"
)

// fakeUpstreamHTTP is a minimal upstream proxy: it reads one request and
// answers a fixed response.
func fakeUpstreamHTTP(t *testing.T, body string) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				readUntilBlank(c)
				fmt.Fprintf(c, "HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
			}(conn)
		}
	}()
	return ln
}

// fakeUpstreamConnect accepts CONNECT, replies 200, then echoes the tunnel.
func fakeUpstreamConnect(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				readUntilBlank(c)
				io.WriteString(c, "HTTP/1.1 200 Connection established\r\n\r\n")
				io.Copy(c, c)
			}(conn)
		}
	}()
	return ln
}

func readUntilBlank(c net.Conn) string {
	var head []byte
	buf := make([]byte, 1)
	for {
		if _, err := c.Read(buf); err != nil {
			return string(head)
		}
		head = append(head, buf[0])
		if len(head) >= 4 && string(head[len(head)-4:]) == "\r\n\r\n" {
			return string(head)
		}
	}
}

func poolProxyFor(t *testing.T, ln net.Listener, s proxy.Scheme, avg time.Duration) *proxy.Proxy {
	t.Helper()
	addr := ln.Addr().(*net.TCPAddr)
	p, err := proxy.New("127.0.0.1", addr.Port, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	p.SetType(s, proxy.AnonNone)
	for i := 0; i < 5; i++ {
		p.RecordRequest()
	}
	p.AddRuntime(avg)
	return p
}

func startServer(t *testing.T, pl pool.Handle) *Server {
	t.Helper()
	res := resolver.New(time.Minute, time.Second)
	t.Cleanup(res.Close)

	srv := New(pl, res, Config{
		ListenAddr: "127.0.0.1:0",
		Timeout:    2 * time.Second,
		MaxTries:   2,
	})
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Stop(ctx)
	})
	return srv
}

func dialServer(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func TestHTTPForwardInjectsProxyInfo(t *testing.T) {
	upstream := fakeUpstreamHTTP(t, "hello")
	defer upstream.Close()

	pl := pool.New(pool.Config{Wait: 300 * time.Millisecond})
	px := poolProxyFor(t, upstream, proxy.HTTP, 200*time.Millisecond)
	pl.Put(px)
	srv := startServer(t, pl)

	conn := dialServer(t, srv)
	fmt.Fprintf(conn, "GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n")

	resp, err := io.ReadAll(conn)
	if err != nil {
		t.Fatal(err)
	}
	got := string(resp)
	if !strings.HasPrefix(got, "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("response = %q", got)
	}
	if !strings.Contains(got, "X-Proxy-Info: "+px.Addr()+"\r\n") {
		t.Errorf("X-Proxy-Info missing: %q", got)
	}
	if !strings.HasSuffix(got, "hello") {
		t.Errorf("body lost: %q", got)
	}
}

func TestRotationServesBothRequests(t *testing.T) {
	up1 := fakeUpstreamHTTP(t, "one")
	defer up1.Close()
	up2 := fakeUpstreamHTTP(t, "two")
	defer up2.Close()

	pl := pool.New(pool.Config{Wait: 300 * time.Millisecond})
	p1 := poolProxyFor(t, up1, proxy.HTTP, 200*time.Millisecond)
	p2 := poolProxyFor(t, up2, proxy.HTTP, 500*time.Millisecond)
	pl.Put(p1)
	pl.Put(p2)
	srv := startServer(t, pl)

	known := map[string]bool{p1.Addr(): true, p2.Addr(): true}
	for i := 0; i < 2; i++ {
		conn := dialServer(t, srv)
		fmt.Fprintf(conn, "GET http://example.com/%d HTTP/1.1\r\nHost: example.com\r\n\r\n", i)
		resp, err := io.ReadAll(conn)
		if err != nil {
			t.Fatal(err)
		}
		addr := extractProxyInfo(string(resp))
		if !known[addr] {
			t.Errorf("request %d served via unknown proxy %q", i, addr)
		}
	}
}

func extractProxyInfo(resp string) string {
	for _, line := range strings.Split(resp, "\r\n") {
		if rest, ok := strings.CutPrefix(line, "X-Proxy-Info: "); ok {
			return rest
		}
	}
	return ""
}

func TestConnectTunnel(t *testing.T) {
	upstream := fakeUpstreamConnect(t)
	defer upstream.Close()

	pl := pool.New(pool.Config{Wait: 300 * time.Millisecond})
	px := poolProxyFor(t, upstream, proxy.HTTPS, 200*time.Millisecond)
	pl.Put(px)
	srv := startServer(t, pl)

	conn := dialServer(t, srv)
	fmt.Fprintf(conn, "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n")

	head := readUntilBlank(conn)
	if !strings.HasPrefix(head, "HTTP/1.1 200 Connection established\r\n") {
		t.Fatalf("tunnel reply = %q", head)
	}
	if !strings.Contains(head, "X-Proxy-Info: "+px.Addr()+"\r\n") {
		t.Errorf("X-Proxy-Info missing after 200: %q", head)
	}

	// The upstream echoes tunnel bytes back.
	msg := "tunneled payload"
	io.WriteString(conn, msg)
	got := make([]byte, len(msg))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatal(err)
	}
	if string(got) != msg {
		t.Errorf("echo = %q, want %q", got, msg)
	}
}

func TestNoProxyAnswers502(t *testing.T) {
	pl := pool.New(pool.Config{Wait: 150 * time.Millisecond})
	srv := startServer(t, pl)

	conn := dialServer(t, srv)
	fmt.Fprintf(conn, "GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n")
	resp, err := io.ReadAll(conn)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(resp), "HTTP/1.1 502 Bad Gateway\r\n") {
		t.Errorf("response = %q", resp)
	}
}

func TestControlRemove(t *testing.T) {
	upstream := fakeUpstreamHTTP(t, "x")
	defer upstream.Close()

	pl := pool.New(pool.Config{Wait: 150 * time.Millisecond})
	px := poolProxyFor(t, upstream, proxy.HTTP, 200*time.Millisecond)
	pl.Put(px)
	srv := startServer(t, pl)

	conn := dialServer(t, srv)
	fmt.Fprintf(conn, "GET http://proxycontrol/api/remove/%s HTTP/1.1\r\nHost: proxycontrol\r\n\r\n", px.Addr())
	head := readUntilBlank(conn)
	if !strings.HasPrefix(head, "HTTP/1.1 204 No Content\r\n") {
		t.Fatalf("remove reply = %q", head)
	}
	if pl.Len() != 0 {
		t.Errorf("pool still holds %d proxies", pl.Len())
	}

	// Removing an absent proxy silently succeeds.
	conn = dialServer(t, srv)
	fmt.Fprintf(conn, "GET http://proxycontrol/api/remove/%s HTTP/1.1\r\nHost: proxycontrol\r\n\r\n", px.Addr())
	head = readUntilBlank(conn)
	if !strings.HasPrefix(head, "HTTP/1.1 204 No Content\r\n") {
		t.Fatalf("second remove reply = %q", head)
	}

	// Subsequent traffic must never see the removed proxy.
	conn = dialServer(t, srv)
	fmt.Fprintf(conn, "GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n")
	resp, _ := io.ReadAll(conn)
	if !strings.HasPrefix(string(resp), "HTTP/1.1 502") {
		t.Errorf("request after removal = %q", resp)
	}
}

func TestControlHistory(t *testing.T) {
	upstream := fakeUpstreamHTTP(t, "payload")
	defer upstream.Close()

	pl := pool.New(pool.Config{Wait: 300 * time.Millisecond})
	px := poolProxyFor(t, upstream, proxy.HTTP, 200*time.Millisecond)
	pl.Put(px)
	srv := startServer(t, pl)

	const url = "http://example.com/page"
	conn := dialServer(t, srv)
	fmt.Fprintf(conn, "GET %s HTTP/1.1\r\nHost: example.com\r\n\r\n", url)
	io.ReadAll(conn)

	conn = dialServer(t, srv)
	fmt.Fprintf(conn, "GET http://proxycontrol/api/history/url:%s HTTP/1.1\r\nHost: proxycontrol\r\n\r\n", url)
	resp := readResponse(t, conn)

	if !strings.HasPrefix(resp.head, "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("history reply = %q", resp.head)
	}
	wantBody := fmt.Sprintf(`{"proxy": %q}`, px.Addr())
	if resp.body != wantBody {
		t.Errorf("body = %q, want %q", resp.body, wantBody)
	}
	if resp.contentLength != len(resp.body) {
		t.Errorf("Content-Length %d, body is %d bytes", resp.contentLength, len(resp.body))
	}
	if !strings.Contains(resp.head, "Content-Type: application/json\r\n") {
		t.Error("Content-Type missing")
	}
}

func TestControlHistoryMiss(t *testing.T) {
	pl := pool.New(pool.Config{Wait: 150 * time.Millisecond})
	srv := startServer(t, pl)

	conn := dialServer(t, srv)
	fmt.Fprintf(conn, "GET http://proxycontrol/api/history/url:http://nowhere/ HTTP/1.1\r\nHost: proxycontrol\r\n\r\n")
	resp := readResponse(t, conn)

	if resp.body != `{"proxy": null}` {
		t.Errorf("body = %q", resp.body)
	}
	if resp.contentLength != len(resp.body) {
		t.Errorf("Content-Length %d, body is %d bytes", resp.contentLength, len(resp.body))
	}
}

func TestControlUnknownPath(t *testing.T) {
	pl := pool.New(pool.Config{Wait: 150 * time.Millisecond})
	srv := startServer(t, pl)

	conn := dialServer(t, srv)
	fmt.Fprintf(conn, "GET http://proxycontrol/api/selfdestruct HTTP/1.1\r\nHost: proxycontrol\r\n\r\n")
	head := readUntilBlank(conn)
	if !strings.HasPrefix(head, "HTTP/1.1 404 Not Found\r\n") {
		t.Errorf("reply = %q", head)
	}
}

type response struct {
	head          string
	body          string
	contentLength int
}

func readResponse(t *testing.T, conn net.Conn) response {
	t.Helper()
	head := readUntilBlank(conn)
	cl := 0
	for _, line := range strings.Split(head, "\r\n") {
		if rest, ok := strings.CutPrefix(line, "Content-Length: "); ok {
			cl, _ = strconv.Atoi(rest)
		}
	}
	body := make([]byte, cl)
	if cl > 0 {
		if _, err := io.ReadFull(conn, body); err != nil {
			t.Fatalf("reading %d body bytes: %v", cl, err)
		}
	}
	return response{head: head, body: string(body), contentLength: cl}
}

func TestStopIsIdempotent(t *testing.T) {
	pl := pool.New(pool.Config{Wait: 150 * time.Millisecond})
	res := resolver.New(time.Minute, time.Second)
	defer res.Close()

	srv := New(pl, res, Config{ListenAddr: "127.0.0.1:0", Timeout: time.Second, MaxTries: 1})
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := srv.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	if _, err := net.Dial("tcp", srv.Addr().String()); err == nil {
		t.Error("listener still accepting after Stop")
	}
}
