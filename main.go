package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/shiplink/shiplink/internal/conn"
	"github.com/shiplink/shiplink/internal/dialer"
	"github.com/shiplink/shiplink/internal/link"
	"github.com/shiplink/shiplink/internal/offshore"
	"github.com/shiplink/shiplink/internal/ship"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		httpListen     = pflag.String("http-listen", "", "Ship-side HTTP proxy listen address (e.g. 127.0.0.1:8080). Empty disables.")
		offshoreAddr   = pflag.String("offshore-addr", "", "Offshore peer address the ship connects its link to (host:port). Required with --http-listen.")
		offshoreListen = pflag.String("offshore-listen", "", "Offshore-side link listen address (e.g. :9000). Empty disables.")

		upstream = pflag.String("upstream", defaultUpstream(), "Offshore outbound target URL: direct:// | http://[user:pass@]host:port | https://[user:pass@]host:port | socks5://[user:pass@]host:port")

		debugListen        = pflag.String("debug-listen", "", "Debug HTTP listen address exposing /debug/pprof (e.g. 127.0.0.1:6060). Empty disables.")
		dialTimeout        = pflag.Duration("dial-timeout", 10*time.Second, "Timeout for outbound DNS lookup and TCP connect")
		negotiationTimeout = pflag.Duration("negotiation-timeout", 10*time.Second, "Timeout for protocol negotiation to set up a session")
		linkRetryMax       = pflag.Duration("link-retry-max", 30*time.Second, "Maximum delay between link reconnect attempts")
		linkMaxRetries     = pflag.Int("link-max-retries", 10, "Consecutive reconnect failures before the ship gives up (0 retries forever)")
		tcpKeepAlive       = pflag.String("tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
		verbose            = pflag.Bool("verbose", false, "Enable per-session error logging")
	)

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	ka, err := parseTCPKeepAlive(*tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	if *httpListen == "" && *offshoreListen == "" {
		return errors.New("no role enabled (set --http-listen with --offshore-addr for the ship, --offshore-listen for the offshore side, or both)")
	}
	if *httpListen != "" && *offshoreAddr == "" {
		return errors.New("--http-listen requires --offshore-addr")
	}

	dialCfg := dialer.Config{
		DialTimeout:        *dialTimeout,
		NegotiationTimeout: *negotiationTimeout,
		KeepAlive:          ka,
	}

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *debugListen != "" {
		debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
		lc := net.ListenConfig{KeepAliveConfig: ka}
		debugLn, err := lc.Listen(ctx, "tcp", *debugListen)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		log.Printf("debug listening on %s", *debugListen)
	}

	if *offshoreListen != "" {
		out, err := dialer.New(dialCfg, *upstream)
		if err != nil {
			return fmt.Errorf("invalid --upstream: %w", err)
		}

		ln, err := conn.ListenTCP("tcp", *offshoreListen, ka)
		if err != nil {
			return fmt.Errorf("offshore listen: %w", err)
		}
		srv := offshore.New(ctx, offshore.Config{
			Dialer:      out,
			DialTimeout: *dialTimeout,
			Verbose:     *verbose,
		})
		context.AfterFunc(ctx, func() {
			_ = srv.Close()
			_ = ln.Close()
		})

		g.Go(func() error {
			if err := srv.Serve(ln); err != nil {
				return fmt.Errorf("offshore serve: %w", err)
			}
			return nil
		})
		log.Printf("offshore link listening on %s", *offshoreListen)
	}

	if *httpListen != "" {
		ln, err := conn.ListenTCP("tcp", *httpListen, ka)
		if err != nil {
			return fmt.Errorf("http listen: %w", err)
		}
		p := ship.New(ctx, ship.Config{
			OffshoreAddr: *offshoreAddr,
			Redialer: &link.Redialer{
				Dialer:      dialer.NewDirectDialer(dialCfg),
				Addr:        *offshoreAddr,
				MaxAttempts: *linkMaxRetries,
				MaxInterval: *linkRetryMax,
			},
			NegotiationTimeout: *negotiationTimeout,
			Verbose:            *verbose,
		})
		context.AfterFunc(ctx, func() {
			_ = p.Close()
			_ = ln.Close()
		})

		g.Go(func() error {
			if err := p.Serve(ln); err != nil {
				return fmt.Errorf("ship proxy serve: %w", err)
			}
			return nil
		})
		log.Printf("ship proxy listening on %s (offshore %s)", *httpListen, *offshoreAddr)
	}

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	log.Print("shutting down")
	return err
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}

func defaultUpstream() string {
	if p := os.Getenv("ALL_PROXY"); p != "" {
		return p
	}

	if p := os.Getenv("all_proxy"); p != "" {
		return p
	}

	return "direct://"
}
