package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	maxRuntimes = 64
	maxEvents   = 100
)

// ConnectError reports a failed TCP dial to the proxy address.
type ConnectError struct {
	Addr    string
	Timeout bool
	Err     error
}

func (e *ConnectError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("connect %s: timeout: %v", e.Addr, e.Err)
	}
	return fmt.Sprintf("connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Event is one log record of proxy activity.
type Event struct {
	Scheme  string
	Msg     string
	Runtime time.Duration
}

// Geo is the country attribution of the proxy IP.
type Geo struct {
	Code string
	Name string
}

// Proxy is one candidate proxy server and its accumulated health history.
// The host must be an IP literal; resolve names before construction.
type Proxy struct {
	Host string
	Port int

	mu       sync.Mutex
	types    SchemeSet
	levels   [numSchemes]Anonymity
	geo      Geo
	nReq     int
	nErr     int
	errs     [numSchemes]int
	runtimes []time.Duration
	events   []Event

	timeout time.Duration
	conn    net.Conn
	ngtr    Scheme
	hasNgtr bool
}

// New builds a Proxy from an IP literal and port.
func New(host string, port int, timeout time.Duration) (*Proxy, error) {
	if net.ParseIP(host) == nil {
		return nil, fmt.Errorf("proxy host %q is not an IP literal", host)
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("proxy port %d out of range", port)
	}
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Proxy{Host: host, Port: port, timeout: timeout}, nil
}

// Addr returns "host:port".
func (p *Proxy) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// SetGeo attaches country attribution.
func (p *Proxy) SetGeo(code, name string) {
	p.mu.Lock()
	p.geo = Geo{Code: code, Name: name}
	p.mu.Unlock()
}

func (p *Proxy) Geo() Geo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.geo
}

// SetType records a validated scheme and its anonymity level. The checker
// calls this during validation and FromJSON when restoring a parsed proxy;
// a proxy with a non-empty type set is working.
func (p *Proxy) SetType(s Scheme, lvl Anonymity) {
	p.mu.Lock()
	p.types = p.types.Add(s)
	p.levels[s] = lvl
	p.mu.Unlock()
}

// DropType retracts a validated scheme, e.g. after an anonymity filter.
func (p *Proxy) DropType(s Scheme) {
	p.mu.Lock()
	p.types = p.types.Remove(s)
	p.levels[s] = AnonNone
	p.mu.Unlock()
}

// ClearTypes retracts every validated scheme.
func (p *Proxy) ClearTypes() {
	p.mu.Lock()
	p.types = 0
	p.levels = [numSchemes]Anonymity{}
	p.mu.Unlock()
}

// Types returns the validated scheme -> anonymity mapping.
func (p *Proxy) Types() map[Scheme]Anonymity {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[Scheme]Anonymity, p.types.Len())
	for _, s := range p.types.Schemes() {
		out[s] = p.levels[s]
	}
	return out
}

// TypeSet returns the validated schemes as a bitset.
func (p *Proxy) TypeSet() SchemeSet {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.types
}

func (p *Proxy) HasScheme(s Scheme) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.types.Has(s)
}

// IsWorking reports whether any scheme validated.
func (p *Proxy) IsWorking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.types.Empty()
}

// SupportsFamily reports whether any validated scheme can carry the family.
func (p *Proxy) SupportsFamily(f Family) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range FamilyOrder(f) {
		if p.types.Has(s) {
			return true
		}
	}
	return false
}

// ChooseProto picks the proxy's best protocol for a family, honoring the
// deterministic priority order. preferConnect biases HTTP traffic to
// CONNECT:80 when the proxy supports it.
func (p *Proxy) ChooseProto(f Family, preferConnect bool) (Scheme, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f == FamilyHTTP && preferConnect && p.types.Has(Connect80) {
		return Connect80, true
	}
	for _, s := range FamilyOrder(f) {
		if p.types.Has(s) {
			return s, true
		}
	}
	return 0, false
}

// Requests is the number of validation/use attempts so far.
func (p *Proxy) Requests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nReq
}

// ErrorRate is total errors over total requests, 0 when unused.
func (p *Proxy) ErrorRate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.errorRateLocked()
}

func (p *Proxy) errorRateLocked() float64 {
	n := p.nReq
	if n < 1 {
		n = 1
	}
	return math.Round(float64(p.nErr)/float64(n)*100) / 100
}

// AvgRespTime is the mean of the recorded runtimes; +Inf until the first
// measurement so unmeasured proxies never outrank measured ones.
func (p *Proxy) AvgRespTime() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.avgRespTimeLocked()
}

func (p *Proxy) avgRespTimeLocked() float64 {
	if len(p.runtimes) == 0 {
		return math.Inf(1)
	}
	var total time.Duration
	for _, rt := range p.runtimes {
		total += rt
	}
	avg := total.Seconds() / float64(len(p.runtimes))
	return math.Round(avg*100) / 100
}

// AddRuntime appends a per-request duration, evicting the oldest sample
// when the bounded buffer is full.
func (p *Proxy) AddRuntime(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.runtimes) >= maxRuntimes {
		p.runtimes = p.runtimes[1:]
	}
	p.runtimes = append(p.runtimes, d)
}

// MarkError counts a failed attempt against a scheme and the aggregate.
func (p *Proxy) MarkError(s Scheme) {
	p.mu.Lock()
	p.errs[s]++
	p.nErr++
	p.mu.Unlock()
}

// Log appends a diagnostic event. A non-zero start records the elapsed
// runtime; timeouts are logged but excluded from the runtime buffer.
func (p *Proxy) Log(msg string, start time.Time, err error) {
	var runtime time.Duration
	if !start.IsZero() {
		runtime = time.Since(start)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	scheme := ""
	if p.hasNgtr {
		scheme = p.ngtr.String()
	}
	if len(p.events) >= maxEvents {
		p.events = p.events[1:]
	}
	p.events = append(p.events, Event{Scheme: scheme, Msg: msg, Runtime: runtime})
	if runtime > 0 && err == nil && !strings.Contains(strings.ToLower(msg), "timeout") {
		if len(p.runtimes) >= maxRuntimes {
			p.runtimes = p.runtimes[1:]
		}
		p.runtimes = append(p.runtimes, runtime)
	}
}

// Events returns a copy of the diagnostic log.
func (p *Proxy) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// SetNegotiating marks the scheme currently driving the connection.
func (p *Proxy) SetNegotiating(s Scheme) {
	p.mu.Lock()
	p.ngtr, p.hasNgtr = s, true
	p.mu.Unlock()
}

// RecordRequest counts one use attempt toward the health metrics.
func (p *Proxy) RecordRequest() {
	p.mu.Lock()
	p.nReq++
	p.mu.Unlock()
}

// Connect opens the proxy's byte stream, closing any prior one first.
// Every attempt counts as a request.
func (p *Proxy) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	timeout := p.timeout
	p.nReq++
	p.mu.Unlock()

	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", p.Addr())
	if err != nil {
		cerr := &ConnectError{Addr: p.Addr(), Err: err}
		if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
			cerr.Timeout = true
		}
		return cerr
	}

	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
	return nil
}

// Conn returns the open byte stream, or nil.
func (p *Proxy) Conn() net.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

// Close tears down the open byte stream, if any.
func (p *Proxy) Close() {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.hasNgtr = false
	p.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (p *Proxy) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var parts []string
	for _, s := range p.types.Schemes() {
		if lvl := p.levels[s]; lvl != AnonNone {
			parts = append(parts, fmt.Sprintf("%s: %s", s, lvl))
		} else {
			parts = append(parts, s.String())
		}
	}
	avg := p.avgRespTimeLocked()
	if math.IsInf(avg, 1) {
		avg = 0
	}
	return fmt.Sprintf("<Proxy %s %.2fs [%s] %s:%d>",
		p.geo.Code, avg, strings.Join(parts, ", "), p.Host, p.Port)
}

type typeJSON struct {
	Type  string `json:"type"`
	Level string `json:"level"`
}

type proxyJSON struct {
	Host        string     `json:"host"`
	Port        int        `json:"port"`
	Geo         geoJSON    `json:"geo"`
	Types       []typeJSON `json:"types"`
	AvgRespTime float64    `json:"avg_resp_time"`
	ErrorRate   float64    `json:"error_rate"`
}

type geoJSON struct {
	Country countryJSON `json:"country"`
}

type countryJSON struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// AsJSON serializes the proxy's public properties.
func (p *Proxy) AsJSON() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	avg := p.avgRespTimeLocked()
	if math.IsInf(avg, 1) {
		avg = 0
	}
	out := proxyJSON{
		Host:        p.Host,
		Port:        p.Port,
		Geo:         geoJSON{Country: countryJSON{Code: p.geo.Code, Name: p.geo.Name}},
		AvgRespTime: avg,
		ErrorRate:   p.errorRateLocked(),
	}
	names := make([]string, 0, p.types.Len())
	for _, s := range p.types.Schemes() {
		names = append(names, s.String())
	}
	sort.Strings(names)
	for _, name := range names {
		s, _ := ParseScheme(name)
		out.Types = append(out.Types, typeJSON{Type: name, Level: p.levels[s].String()})
	}
	return json.Marshal(out)
}

// FromJSON reconstructs identity and types from the AsJSON form.
func FromJSON(data []byte) (*Proxy, error) {
	var in proxyJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, err
	}
	p, err := New(in.Host, in.Port, 0)
	if err != nil {
		return nil, err
	}
	p.SetGeo(in.Geo.Country.Code, in.Geo.Country.Name)
	for _, t := range in.Types {
		s, err := ParseScheme(t.Type)
		if err != nil {
			return nil, err
		}
		lvl, err := ParseAnonymity(t.Level)
		if err != nil {
			return nil, err
		}
		p.SetType(s, lvl)
	}
	return p, nil
}

// AsText is the one-line host:port form.
func (p *Proxy) AsText() string {
	return fmt.Sprintf("%s:%d\n", p.Host, p.Port)
}

// FromText parses a host:port line.
func FromText(line string) (*Proxy, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(line))
	if err != nil {
		return nil, fmt.Errorf("bad proxy line %q: %w", line, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("bad proxy port %q: %w", portStr, err)
	}
	return New(host, port, 0)
}
