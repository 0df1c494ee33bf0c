package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"proxyforge/internal/config"
	"proxyforge/internal/geoip"
	"proxyforge/internal/logger"
	"proxyforge/pkg/broker"
	"proxyforge/pkg/checker"
	"proxyforge/pkg/judge"
	"proxyforge/pkg/pool"
	"proxyforge/pkg/provider"
	"proxyforge/pkg/proxy"
	"proxyforge/pkg/resolver"
	"proxyforge/pkg/server"
)

var (
	configPath = flag.String("config", "", "Path to config file")
	genConfig  = flag.Bool("gen-config", false, "Generate default config file")
	mode       = flag.String("mode", "serve", "Operation mode: find, grab, serve")
	types      = flag.String("types", "", "Comma-separated schemes (HTTP,HTTPS,SOCKS4,SOCKS5,CONNECT:80,CONNECT:25)")
	limit      = flag.Int("limit", 0, "Stop after this many proxies (find/grab)")
	countries  = flag.String("countries", "", "Comma-separated ISO country codes")
	version    = flag.Bool("version", false, "Show version")
)

const (
	Version = "1.0.0"
	Banner  = `
______ ______ ______ ______ ______ ______ ______ ______

ProxyForge v%s - proxy finder, checker and rotating server

______ ______ ______ ______ ______ ______ ______ ______

`
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("ProxyForge v%s\n", Version)
		return
	}

	fmt.Printf(Banner, Version)

	if *genConfig {
		if err := config.SaveConfigTemplate("config.yaml"); err != nil {
			log.Fatalf("Failed to generate config: %v", err)
		}
		fmt.Println("Default config generated: config.yaml")
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(cfg.Log.Level)
	config.PrintConfig(cfg)

	schemes, err := parseSchemes(*types)
	if err != nil {
		log.Fatalf("Bad -types: %v", err)
	}

	var geo *geoip.Service
	if cfg.GeoIP.DBPath != "" {
		geo, err = geoip.New(cfg.GeoIP.DBPath)
		if err != nil {
			log.Fatalf("Failed to open GeoIP database: %v", err)
		}
		defer geo.Close()
	}

	res := resolver.New(cfg.Resolver.TTL, cfg.Resolver.Timeout)
	defer res.Close()

	judges, err := judge.NewSet(cfg.Judge.URLs, cfg.Judge.Timeout)
	if err != nil {
		log.Fatalf("Bad judge configuration: %v", err)
	}
	judges.VerifySSL = cfg.Judge.VerifySSL

	chk := checker.New(judges, res, checker.Config{
		Timeout:     cfg.Checker.Timeout,
		MaxConn:     cfg.Checker.MaxConn,
		MaxTries:    cfg.Checker.MaxTries,
		VerifySOCKS: cfg.Checker.VerifySOCKS,
		UsePost:     cfg.Checker.UsePost,
		DNSBL:       cfg.Checker.DNSBL,
	})

	providers := provider.Default(provider.Config{
		Timeout:   cfg.Broker.ProviderTimeout,
		UserAgent: cfg.Broker.UserAgent,
	})

	brk := broker.New(providers, chk, res, geo, broker.Config{
		MaxConcurrentProviders: cfg.Broker.MaxConcurrentProviders,
		ProviderTimeout:        cfg.Broker.ProviderTimeout,
		GrabPause:              cfg.Broker.GrabPause,
		QueueSize:              cfg.Broker.QueueSize,
		ProxyTimeout:           cfg.Checker.Timeout,
	})
	defer brk.Stop()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch *mode {
	case "grab":
		runGrab(ctx, brk, schemes)
	case "find":
		runFind(ctx, brk, schemes)
	case "serve":
		runServe(ctx, brk, cfg, schemes)
	default:
		log.Fatalf("Unknown mode %q", *mode)
	}
}

func runGrab(ctx context.Context, brk *broker.Broker, schemes []proxy.Scheme) {
	out, err := brk.Grab(ctx, broker.GrabOptions{
		Schemes:   schemes,
		Limit:     *limit,
		Countries: parseCountries(*countries),
	})
	if err != nil {
		log.Fatalf("Grab failed: %v", err)
	}
	printStream(out)
}

func runFind(ctx context.Context, brk *broker.Broker, schemes []proxy.Scheme) {
	out, err := brk.Find(ctx, broker.FindOptions{
		GrabOptions: broker.GrabOptions{
			Schemes:   schemes,
			Limit:     *limit,
			Countries: parseCountries(*countries),
		},
	})
	if err != nil {
		log.Fatalf("Find failed: %v", err)
	}
	printStream(out)
}

func runServe(ctx context.Context, brk *broker.Broker, cfg *config.Config, schemes []proxy.Scheme) {
	srv, err := brk.Serve(broker.ServeOptions{
		Schemes:  schemes,
		MinQueue: cfg.Pool.MinQueue,
		Pool: pool.Config{
			MinReqProxy:  cfg.Pool.MinReqProxy,
			MaxErrorRate: cfg.Pool.MaxErrorRate,
			MaxRespTime:  cfg.Pool.MaxRespTime,
			Wait:         cfg.Pool.Wait,
		},
		Server: server.Config{
			ListenAddr:       cfg.Server.ListenAddr,
			Timeout:          cfg.Server.Timeout,
			MaxTries:         cfg.Server.MaxTries,
			PreferConnect:    cfg.Server.PreferConnect,
			HTTPAllowedCodes: cfg.Server.HTTPAllowedCodes,
			HistoryTTL:       cfg.Server.HistoryTTL,
			HistorySize:      cfg.Server.HistorySize,
		},
	})
	if err != nil {
		log.Fatalf("Serve failed: %v", err)
	}

	log.Printf("Rotating proxy listening on %s", srv.Addr())
	log.Println("Press Ctrl+C to stop")
	<-ctx.Done()
	log.Println("Shutting down...")

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(sctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	log.Println("Shutdown complete")
}

func printStream(out <-chan *proxy.Proxy) {
	count := 0
	for px := range out {
		data, err := px.AsJSON()
		if err != nil {
			continue
		}
		fmt.Println(string(data))
		count++
	}
	log.Printf("Done: %d proxies", count)
}

func parseSchemes(raw string) ([]proxy.Scheme, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out []proxy.Scheme
	for _, part := range strings.Split(raw, ",") {
		s, err := proxy.ParseScheme(part)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func parseCountries(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if c := strings.ToUpper(strings.TrimSpace(part)); c != "" {
			out = append(out, c)
		}
	}
	return out
}
