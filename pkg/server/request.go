package server

import (
	"fmt"
	"net"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const maxRequestSize = 64 * 1024

// request is the parsed head of one client request plus the raw bytes to
// forward upstream.
type request struct {
	Raw     []byte
	Method  string
	Path    string
	Version string
	Host    string // target host (from CONNECT path or absolute URI)
	Port    int    // target port
	Headers textproto.MIMEHeader
}

// HostHeader returns the Host header without any port.
func (r *request) HostHeader() string {
	host := r.Headers.Get("Host")
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// readRequest reads one request head (and, for POST, a follow-up body
// chunk) from the client connection.
func readRequest(conn net.Conn, timeout time.Duration) (*request, error) {
	conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, maxRequestSize)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}
	raw := buf[:n]

	req, err := parseRequest(raw)
	if err != nil {
		return nil, err
	}

	// POST bodies can lag the head by one read.
	if req.Method == "POST" && strings.HasSuffix(string(raw), "\r\n\r\n") {
		if cl, _ := strconv.Atoi(req.Headers.Get("Content-Length")); cl > 0 {
			conn.SetReadDeadline(time.Now().Add(timeout))
			more := make([]byte, maxRequestSize)
			if m, err := conn.Read(more); err == nil && m > 0 {
				raw = append(raw, more[:m]...)
				req.Raw = raw
			}
		}
	}
	return req, nil
}

func parseRequest(raw []byte) (*request, error) {
	head := string(raw)
	if idx := strings.Index(head, "\r\n\r\n"); idx >= 0 {
		head = head[:idx]
	}
	lines := strings.Split(head, "\r\n")
	if len(lines) == 0 {
		return nil, fmt.Errorf("empty request")
	}

	parts := strings.Fields(lines[0])
	if len(parts) != 3 {
		return nil, fmt.Errorf("bad request line %q", lines[0])
	}
	req := &request{
		Raw:     raw,
		Method:  strings.ToUpper(parts[0]),
		Path:    parts[1],
		Version: parts[2],
		Headers: textproto.MIMEHeader{},
	}

	for _, line := range lines[1:] {
		name, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		req.Headers.Add(strings.TrimSpace(name), strings.TrimSpace(val))
	}

	if req.Method == "CONNECT" {
		host, portStr, err := net.SplitHostPort(req.Path)
		if err != nil {
			return nil, fmt.Errorf("bad CONNECT target %q: %w", req.Path, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("bad CONNECT port %q: %w", portStr, err)
		}
		req.Host, req.Port = host, port
		return req, nil
	}

	if u, err := url.Parse(req.Path); err == nil && u.Host != "" {
		req.Host = u.Hostname()
		req.Port = 80
		if p := u.Port(); p != "" {
			req.Port, _ = strconv.Atoi(p)
		}
	} else {
		req.Host = req.HostHeader()
		req.Port = 80
	}
	if req.Host == "" {
		return nil, fmt.Errorf("request carries no target host")
	}
	return req, nil
}

// parseStatus extracts the status code from a response's first line.
func parseStatus(data []byte) (int, error) {
	line, _, _ := strings.Cut(string(data), "\r\n")
	parts := strings.Fields(line)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/") {
		return 0, fmt.Errorf("bad status line %q", line)
	}
	return strconv.Atoi(parts[1])
}
