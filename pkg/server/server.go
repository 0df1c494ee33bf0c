// Package server implements the rotating proxy listener: it pulls a proxy
// from the pool per client request, forwards bytes both ways, and reports
// outcomes back into the pool.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v2"

	"proxyforge/internal/logger"
	"proxyforge/pkg/negotiator"
	"proxyforge/pkg/pool"
	"proxyforge/pkg/proxy"
	"proxyforge/pkg/resolver"
)

const (
	controlHost  = "proxycontrol"
	connectedMsg = "HTTP/1.1 200 Connection established\r\n"
	badGateway   = "HTTP/1.1 502 Bad Gateway\r\nContent-Length: 0\r\n\r\n"
	notFound     = "HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\n\r\n"
	noContent    = "HTTP/1.1 204 No Content\r\n\r\n"
)

// Config tunes the listener.
type Config struct {
	ListenAddr       string
	Timeout          time.Duration // per network operation and splice idle
	MaxTries         int           // proxies tried before giving up a request
	PreferConnect    bool
	HTTPAllowedCodes []int
	HistoryTTL       time.Duration
	HistorySize      int
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 8 * time.Second
	}
	if c.MaxTries <= 0 {
		c.MaxTries = 3
	}
	if c.HistoryTTL <= 0 {
		c.HistoryTTL = 10 * time.Minute
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 1000
	}
	return c
}

// Stats are cumulative listener counters.
type Stats struct {
	RequestsHandled   int64
	BytesTransferred  int64
	ActiveConnections int32
	FailedRequests    int64
}

// Server is the rotating proxy endpoint.
type Server struct {
	cfg     Config
	pool    pool.Handle
	res     *resolver.Resolver
	log     *logger.Logger
	history *ttlcache.Cache

	statsMu sync.Mutex
	stats   Stats

	mu       sync.Mutex
	ln       net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New wires a server to a pool handle. The pool stays owned elsewhere.
func New(pl pool.Handle, res *resolver.Resolver, cfg Config) *Server {
	cfg = cfg.withDefaults()
	history := ttlcache.NewCache()
	history.SetTTL(cfg.HistoryTTL)
	history.SetCacheSizeLimit(cfg.HistorySize)
	history.SkipTTLExtensionOnHit(true)
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		pool:    pl,
		res:     res,
		log:     logger.New("server"),
		history: history,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start binds the listener and begins accepting.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.log.InfoBg("Listening on %s", ln.Addr())

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Addr is the bound address, for callers that listened on :0.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stop closes the listener, aborts in-flight splices, and waits for
// handlers within ctx's deadline. Idempotent.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.cancel()
		s.mu.Lock()
		if s.ln != nil {
			s.ln.Close()
		}
		s.mu.Unlock()
		s.history.Close()
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.log.WarnBg("accept: %v", err)
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	s.addActive(1)
	defer s.addActive(-1)

	id := logger.GenerateID()

	req, err := readRequest(conn, s.cfg.Timeout)
	if err != nil {
		s.log.Debug(id, "bad request: %v", err)
		return
	}

	if req.HostHeader() == controlHost {
		s.handleControl(conn, req, id)
		return
	}

	family := proxy.FamilyHTTP
	if req.Method == "CONNECT" {
		family = proxy.FamilyHTTPS
	}
	s.log.Debug(id, "%s %s (%s family)", req.Method, req.Path, family)

	for attempt := 0; attempt < s.cfg.MaxTries; attempt++ {
		px, err := s.pool.Get(s.ctx, family)
		if err != nil {
			if errors.Is(err, pool.ErrNoProxyAvailable) {
				s.log.Warn(id, "no proxy available: %v", err)
			}
			s.bumpFailed()
			conn.Write([]byte(badGateway))
			return
		}

		proto, ok := px.ChooseProto(family, s.cfg.PreferConnect)
		if !ok {
			// A pool race can hand over a proxy that lost its types.
			s.pool.Put(px)
			continue
		}

		start := time.Now()
		sent, err := s.serveVia(conn, req, px, proto, family, id)
		px.Close()
		if err == nil {
			px.Log("request served", start, nil)
			s.bumpHandled()
			s.addBytes(sent)
			s.pool.Put(px)
			return
		}

		px.MarkError(proto)
		px.Log("request failed", start, err)
		s.pool.Put(px)
		s.log.Debug(id, "attempt %d via %s (%s): %v", attempt+1, px.Addr(), proto, err)

		// Once bytes reached the client the exchange is unsalvageable.
		if sent > 0 {
			s.bumpFailed()
			return
		}
	}
	s.bumpFailed()
	conn.Write([]byte(badGateway))
}

// serveVia forwards one request through px speaking proto. Returns the
// number of bytes delivered to the client.
func (s *Server) serveVia(client net.Conn, req *request, px *proxy.Proxy, proto proxy.Scheme, family proxy.Family, id string) (int64, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.Timeout)
	defer cancel()
	if err := px.Connect(ctx); err != nil {
		return 0, err
	}
	px.SetNegotiating(proto)
	upstream := px.Conn()

	tgt := negotiator.Target{Host: req.Host, Port: req.Port}
	switch proto {
	case proxy.SOCKS4, proxy.SOCKS5:
		ip, err := s.res.Resolve(ctx, req.Host)
		if err != nil {
			return 0, err
		}
		tgt.IP = net.ParseIP(ip)
	}

	needsNegotiation := proto != proxy.HTTP
	if family == proxy.FamilyHTTP && proto == proxy.Connect80 {
		tgt.Port = req.Port
	}
	if needsNegotiation {
		if err := negotiator.Negotiate(upstream, proto, tgt, s.cfg.Timeout); err != nil {
			return 0, err
		}
	}

	info := "X-Proxy-Info: " + px.Addr() + "\r\n"

	if family == proxy.FamilyHTTPS {
		// The upstream path is established; confirm the tunnel ourselves.
		if _, err := client.Write([]byte(connectedMsg + info + "\r\n")); err != nil {
			return 0, err
		}
	} else {
		if _, err := upstream.Write(req.Raw); err != nil {
			return 0, err
		}
	}

	s.recordHistory(req, family, px.Addr())
	return s.splice(client, upstream, family, info)
}

func (s *Server) recordHistory(req *request, family proxy.Family, addr string) {
	key := req.Path
	if family == proxy.FamilyHTTPS {
		key = net.JoinHostPort(req.Host, fmt.Sprintf("%d", req.Port))
	}
	s.history.Set(key, addr)
}

// splice moves bytes both ways until either side half-closes or errors.
// In HTTP mode the first upstream chunk gets the X-Proxy-Info header
// injected after its status line and is status-checked when configured.
func (s *Server) splice(client, upstream net.Conn, family proxy.Family, inject string) (int64, error) {
	var toClient int64
	var clientErr, upstreamErr error
	done := make(chan struct{}, 2)

	// Stop aborts the splice by closing both sockets.
	stop := context.AfterFunc(s.ctx, func() {
		client.Close()
		upstream.Close()
	})
	defer stop()

	// client -> upstream
	go func() {
		defer func() { done <- struct{}{} }()
		_, err := s.copyDirection(upstream, client, nil, nil)
		if err != nil && !isClosedErr(err) {
			clientErr = err
		}
		upstream.Close()
	}()

	// upstream -> client
	go func() {
		defer func() { done <- struct{}{} }()
		var first func([]byte) ([]byte, error)
		if family == proxy.FamilyHTTP {
			first = func(chunk []byte) ([]byte, error) {
				if len(s.cfg.HTTPAllowedCodes) > 0 {
					code, err := parseStatus(chunk)
					if err != nil {
						return nil, err
					}
					if !containsInt(s.cfg.HTTPAllowedCodes, code) {
						return nil, fmt.Errorf("status %d not allowed", code)
					}
				}
				return injectHeader(chunk, inject), nil
			}
		}
		_, err := s.copyDirection(client, upstream, first, &toClient)
		if err != nil && !isClosedErr(err) {
			upstreamErr = err
		}
		client.Close()
	}()

	<-done
	<-done

	if upstreamErr != nil {
		return toClient, upstreamErr
	}
	if clientErr != nil && toClient == 0 {
		return toClient, clientErr
	}
	return toClient, nil
}

// copyDirection pumps reader to writer with the idle timeout applied per
// read. first, when set, transforms the first chunk.
func (s *Server) copyDirection(dst, src net.Conn, first func([]byte) ([]byte, error), counted *int64) (int64, error) {
	var total int64
	buf := make([]byte, 64*1024)
	transformed := first == nil
	for {
		src.SetReadDeadline(time.Now().Add(s.cfg.Timeout))
		n, err := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if !transformed {
				transformed = true
				var terr error
				chunk, terr = first(chunk)
				if terr != nil {
					return total, terr
				}
			}
			if _, werr := dst.Write(chunk); werr != nil {
				return total, werr
			}
			total += int64(len(chunk))
			if counted != nil {
				*counted = total
			}
		}
		if err != nil {
			if err == io.EOF {
				return total, nil
			}
			return total, err
		}
	}
}

// injectHeader splices a header line in after the response status line.
func injectHeader(chunk []byte, header string) []byte {
	idx := strings.Index(string(chunk), "\r\n")
	if idx < 0 || !strings.HasPrefix(string(chunk), "HTTP/") {
		return chunk
	}
	out := make([]byte, 0, len(chunk)+len(header))
	out = append(out, chunk[:idx+2]...)
	out = append(out, header...)
	out = append(out, chunk[idx+2:]...)
	return out
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func isClosedErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}

func (s *Server) addActive(d int32) {
	s.statsMu.Lock()
	s.stats.ActiveConnections += d
	s.statsMu.Unlock()
}

func (s *Server) bumpHandled() {
	s.statsMu.Lock()
	s.stats.RequestsHandled++
	s.statsMu.Unlock()
}

func (s *Server) bumpFailed() {
	s.statsMu.Lock()
	s.stats.FailedRequests++
	s.statsMu.Unlock()
}

func (s *Server) addBytes(n int64) {
	s.statsMu.Lock()
	s.stats.BytesTransferred += n
	s.statsMu.Unlock()
}

// GetStats snapshots the counters.
func (s *Server) GetStats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}
