package server

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// handleControl serves the plain-HTTP control API reached through the
// reserved virtual host. Responses carry an exact Content-Length.
func (s *Server) handleControl(conn net.Conn, req *request, id string) {
	path := req.Path
	// Absolute-URI form arrives when a client treats us as its proxy.
	if idx := strings.Index(path, "://"); idx >= 0 {
		rest := path[idx+3:]
		if slash := strings.Index(rest, "/"); slash >= 0 {
			path = rest[slash:]
		} else {
			path = "/"
		}
	}

	switch {
	case strings.HasPrefix(path, "/api/remove/"):
		s.controlRemove(conn, strings.TrimPrefix(path, "/api/remove/"), id)
	case strings.HasPrefix(path, "/api/history/"):
		s.controlHistory(conn, strings.TrimPrefix(path, "/api/history/"), id)
	default:
		s.log.Debug(id, "control: unknown path %s", path)
		conn.Write([]byte(notFound))
	}
}

// controlRemove drops a proxy from the pool; removing an absent proxy
// silently succeeds.
func (s *Server) controlRemove(conn net.Conn, param, id string) {
	host, portStr, err := net.SplitHostPort(param)
	if err != nil {
		conn.Write([]byte(notFound))
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		conn.Write([]byte(notFound))
		return
	}
	s.pool.Remove(host, port)
	s.log.Debug(id, "control: removed %s", param)
	conn.Write([]byte(noContent))
}

// controlHistory answers which proxy served a request key.
func (s *Server) controlHistory(conn net.Conn, param, id string) {
	kind, key, ok := strings.Cut(param, ":")
	if !ok || kind != "url" {
		conn.Write([]byte(notFound))
		return
	}

	body := `{"proxy": null}`
	if prev, err := s.history.Get(key); err == nil {
		body = fmt.Sprintf(`{"proxy": %q}`, prev.(string))
	}

	resp := "HTTP/1.1 200 OK\r\n" +
		"Content-Type: application/json\r\n" +
		fmt.Sprintf("Content-Length: %d\r\n", len(body)) +
		"Access-Control-Allow-Origin: *\r\n" +
		"Access-Control-Allow-Credentials: true\r\n\r\n" +
		body
	conn.Write([]byte(resp))
}
