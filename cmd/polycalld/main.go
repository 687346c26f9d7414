// Command polycalld runs libpolycall as either a server accepting protocol
// connections, or a client dialing one, with the framing protocol's
// diagnostics exported as Prometheus metrics.
//
// Usage:
//
//	polycalld [flags]
//
// Flags:
//
//	--mode             server or client (default: server)
//	--listen           server mode: address to bind (default: :7420)
//	--dial             client mode: address to dial (default: 127.0.0.1:7420)
//	--max-message-size maximum accepted payload size in bytes
//	--command-timeout  client command timeout in milliseconds
//	--heartbeat        client heartbeat interval in milliseconds (0 disables)
//	--jwt-secret       shared secret for AUTH frame validation (server mode)
//	--credential       client mode: AUTH frame payload sent once handshake completes
//	--reconnect        client mode: reconnect after a dropped/failed connection (default: true)
//	--max-retries      client mode: cap on reconnect attempts, 0 = unlimited (default: 0)
//	--transport        tcp or ws (default: tcp)
//	--metrics-addr     address to serve /metrics on (empty disables)
//	--verbosity        log level 0-5 (default: 3)
//	--version          print version and exit
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/obinexuscomputing/libpolycall/client"
	polylog "github.com/obinexuscomputing/libpolycall/log"
	"github.com/obinexuscomputing/libpolycall/protocol"
	"github.com/obinexuscomputing/libpolycall/transport"
)

var (
	version = "v0.1.0-dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, exit, code := parseFlags(args)
	if exit {
		return code
	}

	polylog.SetDefault(polylog.New(verbosityToLevel(cfg.Verbosity)))
	log := polylog.Default().Module("polycalld")

	log.Info("starting", "version", version, "commit", commit, "mode", cfg.Mode)

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		return 1
	}

	reg := prometheus.NewRegistry()
	if cfg.MetricsAddr != "" {
		startMetricsServer(cfg.MetricsAddr, reg, log)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	var err error
	switch cfg.Mode {
	case "server":
		if cfg.Transport == "ws" {
			err = runServerWS(ctx, cfg, reg, log)
		} else {
			err = runServer(ctx, cfg, reg, log)
		}
	case "client":
		err = runClient(ctx, cfg, reg, log)
	}
	if err != nil && ctx.Err() == nil {
		log.Error("exited with error", "error", err)
		return 1
	}
	log.Info("shutdown complete")
	return 0
}

func runServer(ctx context.Context, cfg Config, reg prometheus.Registerer, log *polylog.Logger) error {
	ln, err := transport.ListenTCP(cfg.ListenAddr)
	if err != nil {
		return err
	}
	defer ln.Close()
	log.Info("listening", "addr", ln.Addr().String())

	metrics := protocol.NewMetrics(reg, "server")

	var validator protocol.CredentialValidator
	if cfg.JWTSecret != "" {
		validator = protocol.NewJWTValidator([]byte(cfg.JWTSecret))
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go serveConn(ctx, conn, cfg, metrics, validator, log)
	}
}

// runServerWS serves the same protocol over WebSocket instead of raw TCP,
// demonstrating ProtocolContext's transport-agnosticism (spec.md §1).
func runServerWS(ctx context.Context, cfg Config, reg prometheus.Registerer, log *polylog.Logger) error {
	metrics := protocol.NewMetrics(reg, "server")

	var validator protocol.CredentialValidator
	if cfg.JWTSecret != "" {
		validator = protocol.NewJWTValidator([]byte(cfg.JWTSecret))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := transport.UpgradeWebSocket(w, r)
		if err != nil {
			log.Warn("websocket upgrade failed", "error", err)
			return
		}
		go serveConn(ctx, conn, cfg, metrics, validator, log)
	})

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	log.Info("listening (websocket)", "addr", cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func serveConn(ctx context.Context, conn transport.Transport, cfg Config, metrics *protocol.Metrics, validator protocol.CredentialValidator, log *polylog.Logger) {
	defer conn.Close()

	echo := func(payload []byte) ([]byte, error) {
		return append([]byte("ack:"), payload...), nil
	}

	pctx, err := protocol.NewContext(conn,
		protocol.WithMaxMessageSize(int(cfg.MaxMessageSize)),
		protocol.WithContextMetrics(metrics),
		protocol.WithCommandHandler(echo),
		protocol.WithCredentialValidator(validator),
	)
	if err != nil {
		log.Error("building protocol context", "error", err)
		return
	}
	if err := pctx.Run(ctx); err != nil {
		log.Warn("connection ended", "error", err)
	}
}

func runClient(ctx context.Context, cfg Config, reg prometheus.Registerer, log *polylog.Logger) error {
	metrics := protocol.NewMetrics(reg, "client")

	opts := []client.Option{
		client.WithDialTimeout(5 * time.Second),
		client.WithHeartbeatInterval(time.Duration(cfg.HeartbeatMillis) * time.Millisecond),
		client.WithCredential([]byte(cfg.Credential)),
		client.WithReconnect(cfg.Reconnect),
		client.WithMaxRetries(uint32(cfg.MaxRetries)),
		client.WithProtocolOptions(
			protocol.WithMaxMessageSize(int(cfg.MaxMessageSize)),
			protocol.WithContextMetrics(metrics),
			protocol.WithCommandTimeout(time.Duration(cfg.CommandTimeout)*time.Millisecond),
		),
	}
	if cfg.Transport == "ws" {
		opts = append(opts, client.WithDialer(transport.WebSocketDialer{}))
	}
	c := client.New(cfg.DialAddr, opts...)
	defer c.Close()

	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(ctx) }()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		cmdCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.CommandTimeout)*time.Millisecond)
		resp, err := c.SendCommand(cmdCtx, []byte(line))
		cancel()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		fmt.Println(string(resp))
	}

	select {
	case err := <-runDone:
		return err
	case <-ctx.Done():
		return nil
	}
}

func startMetricsServer(addr string, reg *prometheus.Registry, log *polylog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server stopped", "error", err)
		}
	}()
	log.Info("metrics listening", "addr", addr)
}

func verbosityToLevel(v int) slog.Level {
	switch {
	case v <= 0:
		return slog.LevelError + 4
	case v == 1:
		return slog.LevelError
	case v == 2:
		return slog.LevelWarn
	case v == 3:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

func parseFlags(args []string) (Config, bool, int) {
	cfg := DefaultConfig()
	fs := newFlagSet(&cfg)
	showVersion := fs.Bool("version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return cfg, true, 2
	}
	if *showVersion {
		fmt.Printf("polycalld %s (commit %s)\n", version, commit)
		return cfg, true, 0
	}
	return cfg, false, 0
}

func newFlagSet(cfg *Config) *flagSet {
	fs := newCustomFlagSet("polycalld")
	fs.StringVar(&cfg.Mode, "mode", cfg.Mode, "server or client")
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "server mode: address to bind")
	fs.StringVar(&cfg.DialAddr, "dial", cfg.DialAddr, "client mode: address to dial")
	fs.Uint64Var(&cfg.MaxMessageSize, "max-message-size", cfg.MaxMessageSize, "maximum accepted payload size in bytes")
	fs.Uint64Var(&cfg.CommandTimeout, "command-timeout", cfg.CommandTimeout, "client command timeout in milliseconds")
	fs.Uint64Var(&cfg.HeartbeatMillis, "heartbeat", cfg.HeartbeatMillis, "client heartbeat interval in milliseconds (0 disables)")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", cfg.JWTSecret, "shared secret for AUTH frame validation (server mode)")
	fs.StringVar(&cfg.Credential, "credential", cfg.Credential, "client mode: AUTH frame payload sent once handshake completes")
	fs.BoolVar(&cfg.Reconnect, "reconnect", cfg.Reconnect, "client mode: reconnect after a dropped/failed connection")
	fs.Uint64Var(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "client mode: cap on reconnect attempts, 0 = unlimited")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "tcp or ws")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address to serve /metrics on (empty disables)")
	fs.IntVar(&cfg.Verbosity, "verbosity", cfg.Verbosity, "log level 0-5 (0=silent, 4-5=debug)")
	return fs
}
