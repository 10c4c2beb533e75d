// GoBIER daemon -- BIER forwarding plane (RFC 8279/8296).
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/trace"
	"strconv"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/gobier/internal/bier"
	"github.com/dantte-lp/gobier/internal/config"
	biermetrics "github.com/dantte-lp/gobier/internal/metrics"
	"github.com/dantte-lp/gobier/internal/netio"
	"github.com/dantte-lp/gobier/internal/server"
	appversion "github.com/dantte-lp/gobier/internal/version"
)

// shutdownTimeout is the maximum time to wait for HTTP servers to drain
// active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// flightRecorderMinAge is the minimum window age for the flight recorder.
// Captures the last 500ms of execution traces for debugging forwarding
// stalls.
const flightRecorderMinAge = 500 * time.Millisecond

// flightRecorderMaxBytes is the upper bound on flight recorder window size.
const flightRecorderMaxBytes = 2 * 1024 * 1024 // 2 MiB

// bfirIDOffset is the byte offset of the BFIR-id field in the packet
// header, used to stamp an application-requested ingress identity.
const bfirIDOffset = 10

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Parse flags.
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(appversion.Full("gobier"))
		return 0
	}

	// 2. Load config.
	cfg, err := loadConfig(*configPath)
	if err != nil {
		// Logger is not set up yet; use a temporary stderr logger.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	// 3. Set up logger with dynamic level support for SIGHUP reload.
	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("gobier starting",
		slog.String("version", appversion.Version),
		slog.String("listen", cfg.BIER.Listen),
		slog.String("admin_addr", cfg.Admin.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	// 4. Start flight recorder for post-mortem debugging.
	fr := startFlightRecorder(logger)

	// 5. Create Prometheus metrics collector.
	reg := prometheus.NewRegistry()
	collector := biermetrics.NewCollector(reg)

	// 6. Build the forwarding table and engine with metrics wired in.
	table, err := config.BuildTable(cfg)
	if err != nil {
		logger.Error("failed to build forwarding table",
			slog.String("error", err.Error()),
		)
		return 1
	}
	engine := bier.NewEngine(table, logger, bier.WithObserver(collector))
	collector.SetTableSize(len(table.BIFTs()), table.NumEntries())

	// 7. Run servers and packet loops.
	if err := runServers(cfg, engine, collector, reg, logger, *configPath, logLevel, fr); err != nil {
		logger.Error("gobier exited with error",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logger.Info("gobier stopped")
	return 0
}

// runServers sets up and runs the packet loops and the admin and metrics
// HTTP servers using an errgroup with signal-aware context for graceful
// shutdown.
func runServers(
	cfg *config.Config,
	engine *bier.Engine,
	collector *biermetrics.Collector,
	reg *prometheus.Registry,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
	fr *trace.FlightRecorder,
) error {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	// BIER packet transport. Copies go out to the same port every router
	// listens on.
	listener, err := netio.NewUDPListener(gCtx, cfg.BIER.Listen, logger)
	if err != nil {
		return fmt.Errorf("create BIER listener: %w", err)
	}

	dstPort, err := listenPort(cfg.BIER.Listen)
	if err != nil {
		closeQuietly(listener, logger)
		return fmt.Errorf("parse listen port: %w", err)
	}
	sender, err := netio.NewUDPSender(gCtx, dstPort, logger)
	if err != nil {
		closeQuietly(listener, logger)
		return fmt.Errorf("create BIER sender: %w", err)
	}

	// Application link: Send messages in, Deliver messages out.
	applink, err := netio.NewAppLink(cfg.BIER.APISocket, cfg.BIER.AppSocket, logger)
	if err != nil {
		closeQuietly(sender, logger)
		closeQuietly(listener, logger)
		return fmt.Errorf("create application link: %w", err)
	}

	fwd := &forwarder{
		engine:    engine,
		sender:    sender,
		applink:   applink,
		collector: collector,
		logger:    logger.With(slog.String("component", "forwarder")),
	}

	g.Go(func() error {
		logger.Info("BIER listener started", slog.String("addr", cfg.BIER.Listen))
		return fwd.runUDPLoop(gCtx, listener)
	})
	g.Go(func() error {
		logger.Info("application link started",
			slog.String("api_socket", cfg.BIER.APISocket),
			slog.String("app_socket", cfg.BIER.AppSocket),
		)
		return fwd.runAppLoop(gCtx)
	})

	adminSrv := newAdminServer(cfg.Admin, engine, logger)
	metricsSrv := newMetricsServer(cfg.Metrics, reg)
	startHTTPServers(gCtx, g, cfg, adminSrv, metricsSrv, logger)
	startDaemonGoroutines(gCtx, g, configPath, logLevel, engine, collector, logger)

	notifyReady(logger)

	// Shutdown goroutine: waits for context cancellation. Closing the
	// sockets unblocks the packet loops.
	g.Go(func() error {
		<-gCtx.Done()
		closeQuietly(applink, logger)
		closeQuietly(sender, logger)
		closeQuietly(listener, logger)
		return gracefulShutdown(gCtx, logger, fr, adminSrv, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Packet Loops
// -------------------------------------------------------------------------

// forwarder owns the receive loops and executes the engine's replication
// decisions against the transport.
type forwarder struct {
	engine    *bier.Engine
	sender    *netio.UDPSender
	applink   *netio.AppLink
	collector *biermetrics.Collector
	logger    *slog.Logger
}

// runUDPLoop receives BIER packets off the wire and dispatches them.
func (f *forwarder) runUDPLoop(ctx context.Context, listener *netio.UDPListener) error {
	for {
		buf, from, err := listener.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) || errors.Is(err, netio.ErrSocketClosed) {
				return nil
			}
			return fmt.Errorf("receive BIER packet: %w", err)
		}

		f.dispatch(ctx, buf, from.Addr().String())
		recycle(buf)
	}
}

// runAppLoop receives Send messages from the local application and
// originates BIER packets for them.
func (f *forwarder) runAppLoop(ctx context.Context) error {
	for {
		buf, err := f.applink.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) || errors.Is(err, netio.ErrSocketClosed) {
				return nil
			}
			return fmt.Errorf("receive application message: %w", err)
		}

		f.originate(ctx, buf)
		recycle(buf)
	}
}

// originate decodes one Send message and feeds the encapsulated packet
// back through the forwarding path, so the local bit and every egress
// neighbor are served by the same replication logic.
func (f *forwarder) originate(ctx context.Context, buf []byte) {
	msg, _, err := bier.DecodeSend(buf)
	if err != nil {
		f.logger.Warn("discarding malformed application message",
			slog.String("error", err.Error()),
		)
		return
	}

	pkt, err := f.engine.Originate(msg.Context.SubDomain, msg.BitString, msg.Payload)
	if err != nil {
		f.logger.Warn("failed to originate packet",
			slog.Uint64("sub_domain", uint64(msg.Context.SubDomain)),
			slog.String("error", err.Error()),
		)
		return
	}

	// An explicit ingress identity from the application overrides the
	// configured one. The field sits at a fixed header offset.
	if msg.Context.BFIRID != 0 {
		binary.BigEndian.PutUint16(pkt[bfirIDOffset:bfirIDOffset+2], msg.Context.BFIRID)
	}

	f.dispatch(ctx, pkt, "local")
}

// dispatch runs one packet through the engine and executes the result:
// local delivery to the application socket, one transmission per
// replication action.
func (f *forwarder) dispatch(ctx context.Context, pkt []byte, source string) {
	res, err := f.engine.ProcessIncoming(pkt)
	if err != nil {
		f.logger.Debug("discarding malformed packet",
			slog.String("source", source),
			slog.String("error", err.Error()),
		)
		return
	}
	if res.Dropped() {
		return
	}

	if res.LocalDelivery {
		if err := f.applink.Deliver(res.Payload); err != nil {
			f.logger.Warn("local delivery failed",
				slog.String("error", err.Error()),
			)
		}
	}

	for _, act := range res.Actions {
		if err := f.sender.SendPacket(ctx, act.Packet, act.NextHop); err != nil {
			f.collector.IncSendErrors()
			f.logger.Warn("failed to send packet copy",
				slog.String("next_hop", act.NextHop.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		f.collector.IncPacketsSent()
	}
}

// recycle returns a pooled receive buffer at its full capacity.
func recycle(buf []byte) {
	full := buf[:cap(buf)]
	bier.PacketPool.Put(&full)
}

// listenPort extracts the UDP port from a listen address, falling back
// to the default BIER port when the address has none.
func listenPort(listen string) (uint16, error) {
	_, portStr, err := net.SplitHostPort(listen)
	if err != nil || portStr == "" {
		return netio.PortBIER, nil
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("port %q: %w", portStr, err)
	}
	return uint16(port), nil
}

// closeQuietly closes an io.Closer-shaped resource, logging any error.
func closeQuietly(c interface{ Close() error }, logger *slog.Logger) {
	if err := c.Close(); err != nil {
		logger.Warn("failed to close resource",
			slog.String("error", err.Error()),
		)
	}
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

// notifyReady sends READY=1 to systemd, indicating the daemon has
// completed initialization and is ready to serve.
func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

// notifyStopping sends STOPPING=1 to systemd, indicating the daemon
// is beginning graceful shutdown.
func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd.
// The interval is WatchdogSec/2 as recommended by the systemd documentation.
// If watchdog is not configured, the goroutine exits immediately.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	// Send keepalive at half the watchdog interval.
	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive",
					slog.String("error", wdErr.Error()),
				)
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP Reload — log level + forwarding table
// -------------------------------------------------------------------------

// startDaemonGoroutines registers the watchdog and SIGHUP reload goroutines.
func startDaemonGoroutines(
	ctx context.Context,
	g *errgroup.Group,
	configPath string,
	logLevel *slog.LevelVar,
	engine *bier.Engine,
	collector *biermetrics.Collector,
	logger *slog.Logger,
) {
	g.Go(func() error {
		return runWatchdog(ctx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(ctx, sigHUP, configPath, logLevel, engine, collector, logger)
		return nil
	})
}

// handleSIGHUP listens for SIGHUP signals and reloads configuration.
// On reload, the log level is updated dynamically via the shared LevelVar
// and the forwarding table is rebuilt and swapped atomically. In-flight
// packets finish against the snapshot they started with.
// Blocks until the context is cancelled (graceful shutdown).
func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	configPath string,
	logLevel *slog.LevelVar,
	engine *bier.Engine,
	collector *biermetrics.Collector,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			reloadConfig(configPath, logLevel, engine, collector, logger)
		}
	}
}

// reloadConfig loads a fresh configuration from the given path, updates
// the dynamic log level, and swaps in the rebuilt forwarding table.
// Errors during reload are logged but do not stop the daemon -- the
// previous configuration remains in effect.
func reloadConfig(
	configPath string,
	logLevel *slog.LevelVar,
	engine *bier.Engine,
	collector *biermetrics.Collector,
	logger *slog.Logger,
) {
	newCfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings",
			slog.String("error", err.Error()),
		)
		return
	}

	table, err := config.BuildTable(newCfg)
	if err != nil {
		logger.Error("failed to rebuild forwarding table, keeping current table",
			slog.String("error", err.Error()),
		)
		return
	}

	// Update log level.
	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	engine.SwapTable(table)
	collector.SetTableSize(len(table.BIFTs()), table.NumEntries())

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
		slog.Int("bifts", len(table.BIFTs())),
		slog.Int("entries", table.NumEntries()),
	)
}

// -------------------------------------------------------------------------
// Graceful Shutdown
// -------------------------------------------------------------------------

// gracefulShutdown performs an orderly shutdown: signals systemd, dumps
// the flight recorder, then shuts down HTTP servers.
//
// The parent context is already cancelled when this function is called.
// A fresh timeout context is created internally for server drain.
func gracefulShutdown(
	ctx context.Context,
	logger *slog.Logger,
	fr *trace.FlightRecorder,
	servers ...*http.Server,
) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	// Stop flight recorder.
	if fr != nil {
		fr.Stop()
		logger.Debug("flight recorder stopped")
	}

	// Derive a fresh shutdown context from the parent (which is cancelled).
	// context.WithoutCancel detaches from the parent's cancellation so we
	// can enforce our own drain timeout.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

// -------------------------------------------------------------------------
// Flight Recorder
// -------------------------------------------------------------------------

// startFlightRecorder initializes and starts the FlightRecorder for
// post-mortem debugging of forwarding stalls. The recorder maintains a
// rolling window of execution trace data that can be dumped on demand.
func startFlightRecorder(logger *slog.Logger) *trace.FlightRecorder {
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   flightRecorderMinAge,
		MaxBytes: flightRecorderMaxBytes,
	})

	if err := fr.Start(); err != nil {
		logger.Warn("failed to start flight recorder",
			slog.String("error", err.Error()),
		)
		return nil
	}

	logger.Info("flight recorder started",
		slog.Duration("min_age", flightRecorderMinAge),
		slog.Uint64("max_bytes", flightRecorderMaxBytes),
	)

	return fr
}

// -------------------------------------------------------------------------
// Server Setup
// -------------------------------------------------------------------------

// startHTTPServers registers the admin and metrics HTTP server goroutines.
func startHTTPServers(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	adminSrv *http.Server,
	metricsSrv *http.Server,
	logger *slog.Logger,
) {
	lc := net.ListenConfig{}

	g.Go(func() error {
		logger.Info("admin server listening", slog.String("addr", cfg.Admin.Addr))
		return listenAndServe(ctx, &lc, adminSrv, cfg.Admin.Addr)
	})

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(ctx, &lc, metricsSrv, cfg.Metrics.Addr)
	})
}

// listenAndServe creates a TCP listener using the ListenConfig (for noctx
// compliance) and serves HTTP requests until the server is shut down.
func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

// newMetricsServer creates an HTTP server for the Prometheus metrics endpoint.
func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// newAdminServer creates an HTTP server for the admin JSON API. The
// handler is wrapped with h2c so clients may speak HTTP/2 over
// plaintext.
func newAdminServer(cfg config.AdminConfig, engine *bier.Engine, logger *slog.Logger) *http.Server {
	handler := server.New(engine, logger)
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           h2c.NewHandler(handler, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// loadConfig loads configuration from a file path or returns defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

// newLoggerWithLevel creates a structured logger using a shared LevelVar
// for dynamic log level changes via SIGHUP reload.
func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
