// lsendd is the LocalSend v2 LAN file-transfer agent daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/quietwire/lsend/internal/config"
	"github.com/quietwire/lsend/internal/consent"
	"github.com/quietwire/lsend/internal/discovery"
	"github.com/quietwire/lsend/internal/httpplane"
	"github.com/quietwire/lsend/internal/identity"
	"github.com/quietwire/lsend/internal/lsendmetrics"
	"github.com/quietwire/lsend/internal/netio"
	"github.com/quietwire/lsend/internal/peer"
	"github.com/quietwire/lsend/internal/transfer"
	appversion "github.com/quietwire/lsend/internal/version"
)

// shutdownTimeout bounds how long the HTTP server is given to finish
// in-flight request handling once it stops accepting new connections.
const shutdownTimeout = 10 * time.Second

// uploadDrainTimeout bounds how long graceful shutdown waits for
// in-flight /send uploads to finish before forcing the server closed.
const uploadDrainTimeout = 30 * time.Second

// uploadDrainPoll is how often the drain loop rechecks ActiveUploadCount.
const uploadDrainPoll = 200 * time.Millisecond

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("lsendd starting",
		slog.String("version", appversion.Version),
		slog.String("http_bind", cfg.HTTP.BindAddr),
		slog.Int("discovery_port", cfg.Discovery.Port),
	)

	reg := prometheus.NewRegistry()
	collector := lsendmetrics.NewCollector(reg)

	if err := runServers(cfg, collector, reg, logger, *configPath, logLevel); err != nil {
		logger.Error("lsendd exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("lsendd stopped")
	return 0
}

func runServers(
	cfg *config.Config,
	collector *lsendmetrics.Collector,
	reg *prometheus.Registry,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
) error {
	self := identity.New(identityOptions(cfg)...)

	peers := peer.New(self.Fingerprint(), logger, peer.WithRegistryMetrics(collector), peer.WithTimeout(cfg.Discovery.Timeout))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := transfer.New(ctx, logger, transfer.WithStoreMetrics(collector))
	defer store.Close()

	if err := os.MkdirAll(cfg.Transfer.DownloadDir, 0o755); err != nil {
		return fmt.Errorf("create download dir %s: %w", cfg.Transfer.DownloadDir, err)
	}

	provider, err := newConsentProvider(cfg.Transfer.ConsentMode)
	if err != nil {
		return fmt.Errorf("select consent provider: %w", err)
	}

	httpSrv := httpplane.New(self, peers, store, provider, cfg.Transfer.DownloadDir, logger, httpplane.WithMetrics(collector))
	store.SetFileOpener(httpSrv)

	conn, err := netio.DialMulticast(cfg.Discovery.Interface, cfg.Discovery.Port, logger)
	if err != nil {
		return fmt.Errorf("dial discovery multicast: %w", err)
	}
	defer conn.Close()

	ln, err := net.Listen("tcp", net.JoinHostPort(cfg.HTTP.BindAddr, portString(cfg.HTTP.Port)))
	if err != nil {
		return fmt.Errorf("listen on %s:%d: %w", cfg.HTTP.BindAddr, cfg.HTTP.Port, err)
	}
	boundPort := ln.Addr().(*net.TCPAddr).Port
	self.SetBoundAddress(boundIP(cfg.HTTP.BindAddr, conn.LocalIPv4()), boundPort)
	self.SetTransport(cfg.HTTP.Scheme)

	server := &http.Server{Handler: httpSrv.Handler(), ReadHeaderTimeout: 10 * time.Second}
	metricsSrv := newMetricsServer(cfg.Metrics, reg)

	client := httpplane.NewClient(logger)
	engine := discovery.New(conn, self, peers, client, logger,
		discovery.WithAnnounceInterval(cfg.Discovery.AnnounceInterval),
		discovery.WithTimeout(cfg.Discovery.Timeout),
	)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error { return engine.Run(gCtx) })
	g.Go(func() error { peers.RunDispatch(gCtx); return nil })
	g.Go(func() error { store.RunDispatch(gCtx); return nil })

	g.Go(func() error {
		logger.Info("httpplane listening", slog.String("addr", ln.Addr().String()))
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http plane: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("metrics listening", slog.String("addr", cfg.Metrics.Addr), slog.String("path", cfg.Metrics.Path))
		return listenAndServe(gCtx, metricsSrv, cfg.Metrics.Addr)
	})

	g.Go(func() error { return runWatchdog(gCtx, logger) })

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(gCtx, sigHUP, configPath, logLevel, logger)
		return nil
	})

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, self, store, logger, server, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// identityOptions builds the identity.Option slice for this run, applying
// only the fields the operator actually set so identity.New's
// hostname-derived defaults survive when config leaves them blank.
func identityOptions(cfg *config.Config) []identity.Option {
	var opts []identity.Option

	if cfg.Identity.Alias != "" {
		opts = append(opts, identity.WithAlias(cfg.Identity.Alias))
	}
	if cfg.Identity.DeviceModel != "" {
		opts = append(opts, identity.WithDeviceModel(cfg.Identity.DeviceModel))
	}
	opts = append(opts, identity.WithDeviceType(resolveDeviceType(cfg)))

	return opts
}

// resolveDeviceType applies the Open Question judgment call recorded in
// DESIGN.md: "headless" unless a non-auto-accept consent provider is
// configured, in which case "desktop".
func resolveDeviceType(cfg *config.Config) identity.DeviceType {
	if cfg.Identity.DeviceType != "" {
		return identity.DeviceType(cfg.Identity.DeviceType)
	}
	if cfg.Transfer.ConsentMode == "auto-accept" {
		return identity.DeviceHeadless
	}
	return identity.DeviceDesktop
}

func newConsentProvider(mode string) (consent.Provider, error) {
	switch mode {
	case "auto-accept":
		return consent.AutoAccept{}, nil
	case "auto-decline":
		return consent.AutoDecline{}, nil
	case "queue":
		return consent.NewQueue(), nil
	default:
		return nil, fmt.Errorf("unknown consent_mode %q", mode)
	}
}

// boundIP reports the IPv4 address the announcement payload should
// advertise. An explicit bindAddr (operator pinned the HTTP listener to one
// interface) wins; otherwise fall back to the interface selected for
// multicast discovery, and only to the wildcard address if that selection
// failed too.
func boundIP(bindAddr, discoveredIPv4 string) string {
	if bindAddr != "" {
		return bindAddr
	}
	if discoveredIPv4 != "" {
		return discoveredIPv4
	}
	return "0.0.0.0"
}

func portString(p int) string {
	return fmt.Sprintf("%d", p)
}

// -------------------------------------------------------------------------
// Systemd integration
// -------------------------------------------------------------------------

func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		return nil
	}

	tick := interval / 2
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", err.Error()))
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP reload — log level only, per spec.
// -------------------------------------------------------------------------

func handleSIGHUP(ctx context.Context, sigHUP <-chan os.Signal, configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading log level")
			newCfg, err := loadConfig(configPath)
			if err != nil {
				logger.Error("failed to reload configuration, keeping current settings", slog.String("error", err.Error()))
				continue
			}
			old := logLevel.Level()
			next := config.ParseLogLevel(newCfg.Log.Level)
			logLevel.Set(next)
			logger.Info("log level reloaded", slog.String("old", old.String()), slog.String("new", next.String()))
		}
	}
}

// -------------------------------------------------------------------------
// Graceful shutdown — stop announcing, drain in-flight uploads, close.
// -------------------------------------------------------------------------

func gracefulShutdown(ctx context.Context, self *identity.SelfInfo, store *transfer.Store, logger *slog.Logger, servers ...*http.Server) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	self.SetDownloadable(false)

	drainDeadline := time.Now().Add(uploadDrainTimeout)
	for store.ActiveUploadCount() > 0 && time.Now().Before(drainDeadline) {
		time.Sleep(uploadDrainPoll)
	}
	if n := store.ActiveUploadCount(); n > 0 {
		logger.Warn("shutdown proceeding with uploads still active", slog.Int("count", n))
	}

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
// Server/config plumbing
// -------------------------------------------------------------------------

func listenAndServe(ctx context.Context, srv *http.Server, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{Addr: cfg.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
}

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
