package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"proxyforge/internal/logger"
	"proxyforge/pkg/proxy"
)

// ipPortLine matches one "ip:port" per line, tolerating surrounding noise.
var ipPortLine = regexp.MustCompile(
	`(?m)(?P<ip>(?:(?:25[0-5]|2[0-4]\d|[01]?\d\d?)\.){3}(?:25[0-5]|2[0-4]\d|[01]?\d\d?))\D+?(?P<port>\d{2,5})`)

// ListProvider scrapes sources that publish plain ip:port lists.
type ListProvider struct {
	name    string
	url     string
	schemes proxy.SchemeSet
	client  *http.Client
	cfg     Config
	log     *logger.Logger
}

func NewListProvider(name, url string, schemes proxy.SchemeSet, cfg Config) *ListProvider {
	cfg = cfg.withDefaults()
	return &ListProvider{
		name:    name,
		url:     url,
		schemes: schemes,
		client:  &http.Client{Timeout: cfg.Timeout},
		cfg:     cfg,
		log:     logger.New(name),
	}
}

func (p *ListProvider) Name() string             { return p.name }
func (p *ListProvider) Schemes() proxy.SchemeSet { return p.schemes }

func (p *ListProvider) Fetch(ctx context.Context) ([]Candidate, error) {
	body, err := fetchBody(ctx, p.client, p.url, p.cfg.UserAgent)
	if err != nil {
		return nil, err
	}
	return ExtractList(string(body), p.schemes, p.name), nil
}

// ExtractList pulls (ip, port) pairs out of free-form text.
func ExtractList(body string, schemes proxy.SchemeSet, source string) []Candidate {
	var out []Candidate
	for _, m := range ipPortLine.FindAllStringSubmatch(body, -1) {
		port, err := parsePort(m[2])
		if err != nil {
			continue
		}
		out = append(out, Candidate{Host: m[1], Port: port, Schemes: schemes, Source: source})
	}
	return out
}

// TableProvider scrapes sources that publish an HTML table with the IP in
// the first column and the port in the second.
type TableProvider struct {
	name    string
	url     string
	schemes proxy.SchemeSet
	client  *http.Client
	cfg     Config
	log     *logger.Logger
}

func NewTableProvider(name, url string, schemes proxy.SchemeSet, cfg Config) *TableProvider {
	cfg = cfg.withDefaults()
	return &TableProvider{
		name:    name,
		url:     url,
		schemes: schemes,
		client:  &http.Client{Timeout: cfg.Timeout},
		cfg:     cfg,
		log:     logger.New(name),
	}
}

func (p *TableProvider) Name() string             { return p.name }
func (p *TableProvider) Schemes() proxy.SchemeSet { return p.schemes }

func (p *TableProvider) Fetch(ctx context.Context) ([]Candidate, error) {
	body, err := fetchBody(ctx, p.client, p.url, p.cfg.UserAgent)
	if err != nil {
		return nil, err
	}
	return p.extract(body)
}

func (p *TableProvider) extract(body []byte) ([]Candidate, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	var out []Candidate
	doc.Find("table tbody tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() < 2 {
			return
		}
		ip := strings.TrimSpace(cells.Eq(0).Text())
		if net.ParseIP(ip) == nil {
			return
		}
		port, err := parsePort(strings.TrimSpace(cells.Eq(1).Text()))
		if err != nil {
			return
		}
		out = append(out, Candidate{Host: ip, Port: port, Schemes: p.schemes, Source: p.name})
	})
	return out, nil
}

// GeonodeProvider pages the geonode JSON API.
type GeonodeProvider struct {
	name   string
	client *http.Client
	cfg    Config
	log    *logger.Logger
}

type geonodeResponse struct {
	Data []geonodeProxy `json:"data"`
}

type geonodeProxy struct {
	IP        string   `json:"ip"`
	Port      string   `json:"port"`
	Protocols []string `json:"protocols"`
	Country   string   `json:"country"`
}

func NewGeonodeProvider(name string, cfg Config) *GeonodeProvider {
	cfg = cfg.withDefaults()
	return &GeonodeProvider{
		name:   name,
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		log:    logger.New(name),
	}
}

func (p *GeonodeProvider) Name() string { return p.name }

func (p *GeonodeProvider) Schemes() proxy.SchemeSet {
	return proxy.NewSchemeSet(proxy.AllSchemes...)
}

func (p *GeonodeProvider) Fetch(ctx context.Context) ([]Candidate, error) {
	const apiURL = "https://proxylist.geonode.com/api/proxy-list?limit=500"
	body, err := fetchBody(ctx, p.client, apiURL, p.cfg.UserAgent)
	if err != nil {
		return nil, err
	}
	var parsed geonodeResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode geonode response: %w", err)
	}
	var out []Candidate
	for _, gp := range parsed.Data {
		port, err := parsePort(gp.Port)
		if err != nil {
			continue
		}
		var schemes proxy.SchemeSet
		for _, proto := range gp.Protocols {
			if s, err := proxy.ParseScheme(proto); err == nil {
				schemes = schemes.Add(s)
			}
		}
		if schemes.Empty() {
			schemes = p.Schemes()
		}
		out = append(out, Candidate{Host: gp.IP, Port: port, Schemes: schemes, Source: p.name})
	}
	return out, nil
}

func fetchBody(ctx context.Context, client *http.Client, url, userAgent string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "*/*")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 8<<20))
}

// StaticProvider serves a fixed candidate list; used for file-fed runs and
// in tests.
type StaticProvider struct {
	name       string
	schemes    proxy.SchemeSet
	candidates []Candidate
	delay      time.Duration
}

func NewStaticProvider(name string, schemes proxy.SchemeSet, candidates []Candidate) *StaticProvider {
	return &StaticProvider{name: name, schemes: schemes, candidates: candidates}
}

func (p *StaticProvider) Name() string             { return p.name }
func (p *StaticProvider) Schemes() proxy.SchemeSet { return p.schemes }

func (p *StaticProvider) Fetch(ctx context.Context) ([]Candidate, error) {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	out := make([]Candidate, len(p.candidates))
	copy(out, p.candidates)
	for i := range out {
		if out[i].Schemes.Empty() {
			out[i].Schemes = p.schemes
		}
		if out[i].Source == "" {
			out[i].Source = p.name
		}
	}
	return out, nil
}
