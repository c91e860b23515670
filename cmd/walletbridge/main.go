package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/walletbridge/internal/audit"
	"github.com/basket/walletbridge/internal/authgate"
	"github.com/basket/walletbridge/internal/bridge"
	"github.com/basket/walletbridge/internal/bus"
	"github.com/basket/walletbridge/internal/commands"
	"github.com/basket/walletbridge/internal/config"
	"github.com/basket/walletbridge/internal/confirm"
	"github.com/basket/walletbridge/internal/cron"
	"github.com/basket/walletbridge/internal/gateway"
	"github.com/basket/walletbridge/internal/handlers"
	otelPkg "github.com/basket/walletbridge/internal/otel"
	"github.com/basket/walletbridge/internal/persistence"
	"github.com/basket/walletbridge/internal/policy"
	"github.com/basket/walletbridge/internal/relay"
	"github.com/basket/walletbridge/internal/session"
	"github.com/basket/walletbridge/internal/telemetry"
	"github.com/basket/walletbridge/internal/wallet"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Run the bridge
  %s -daemon                  Run the bridge, logging to stdout even without a terminal

SUBCOMMANDS:
  %s status                   Show bridge health (/healthz)
  %s doctor [-json]           Run diagnostic checks

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  WALLETBRIDGE_HOME        Data directory (default: ~/.walletbridge)
  WALLETBRIDGE_AUTH_TOKEN  Control gateway token
  WALLETBRIDGE_RELAY_URL   Session relay websocket URL
  WALLETBRIDGE_WALLET_URL  Wallet RPC base URL
`)
}

func main() {
	daemon := flag.Bool("daemon", false, "run in daemon mode (logs to stdout)")
	quiet := flag.Bool("quiet", false, "write logs to the log file only")
	flag.Usage = printUsage
	flag.Parse()

	// Without a terminal, stdout logging is opt-in via -daemon.
	quietLogs := *quiet || (!*daemon && !isatty.IsTerminal(os.Stdout.Fd()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit first so logger failures are audited.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, logSink, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer logSink.Close()
	slog.SetDefault(logger)

	if cfg.NeedsGenesis {
		cfg, err = writeGenesis(cfg.HomeDir)
		if err != nil {
			fatalStartup(logger, "E_CONFIG_WRITE", err)
		}
		logger.Info("config.yaml written with a new gateway token", "path", config.ConfigPath(cfg.HomeDir))
	}
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())
	if cfg.AuthToken == "" {
		logger.Warn("auth_token is empty; the control gateway will reject every client")
	}
	warnOpenBind(logger, cfg)

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Exporter:       cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		SampleRate:     cfg.Telemetry.SampleRate,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "bridge.db"))
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated")

	relayClient, err := relay.NewClient(relay.Config{
		URL:         cfg.Relay.URL,
		Token:       cfg.Relay.Token,
		MaxBackoff:  time.Duration(cfg.Relay.MaxBackoffSeconds) * time.Second,
		CallTimeout: time.Duration(cfg.Relay.CallTimeoutSeconds) * time.Second,
		Logger:      logger,
	})
	if err != nil {
		fatalStartup(logger, "E_RELAY_INIT", err)
	}
	walletClient, err := wallet.New(wallet.Config{
		BaseURL:  cfg.Wallet.URL,
		CertFile: cfg.Wallet.CertFile,
		KeyFile:  cfg.Wallet.KeyFile,
		CAFile:   cfg.Wallet.CAFile,
		Timeout:  time.Duration(cfg.Wallet.TimeoutSeconds) * time.Second,
		Tracer:   otelProvider.Tracer,
		Logger:   logger,
	})
	if err != nil {
		fatalStartup(logger, "E_WALLET_INIT", err)
	}

	// The gateway is the gate's challenger and the gate backs the gateway's
	// auth methods, so the challenger is bound late.
	var gw *gateway.Server
	gate, err := authgate.New(ctx, authgate.Config{
		Enabled:  cfg.Auth.Enabled,
		Cooldown: cfg.Cooldown(),
		Challenger: authgate.ChallengerFunc(func(ctx context.Context, reason string) error {
			return gw.Challenge(ctx, reason)
		}),
		Store:  store,
		Logger: logger,
		OnChallenge: func(ok bool) {
			outcome := "failed"
			if ok {
				outcome = "passed"
			}
			metrics.AuthChallenges.Add(context.Background(), 1,
				metric.WithAttributes(attribute.String("outcome", outcome)))
		},
	})
	if err != nil {
		fatalStartup(logger, "E_AUTH_GATE_INIT", err)
	}

	registry, err := handlers.Bind(commands.Default(), handlers.New(walletClient, gate))
	if err != nil {
		fatalStartup(logger, "E_REGISTRY_BIND", err)
	}
	queue := confirm.New(eventBus)
	sessions := session.NewManager(relayClient, walletClient, eventBus, logger)
	pol, err := policy.Load(policy.Path(cfg.HomeDir))
	if err != nil {
		fatalStartup(logger, "E_POLICY_LOAD", err)
	}
	livePolicy := policy.NewLivePolicy(pol)
	sessions.SetPolicy(livePolicy)
	logger.Info("startup phase", "phase", "policy_loaded", "policy_version", livePolicy.PolicyVersion())
	dispatcher, err := bridge.NewDispatcher(bridge.DispatcherConfig{
		Registry:  registry,
		Queue:     queue,
		Sessions:  sessions,
		Responder: relayClient,
		Recorder:  store,
		Tracer:    otelProvider.Tracer,
		Metrics:   metrics,
		Logger:    logger,
	})
	if err != nil {
		fatalStartup(logger, "E_DISPATCHER_INIT", err)
	}
	br, err := bridge.New(bridge.Config{
		Sessions:   sessions,
		Dispatcher: dispatcher,
		Queue:      queue,
		Metrics:    metrics,
		Logger:     logger,
	})
	if err != nil {
		fatalStartup(logger, "E_BRIDGE_INIT", err)
	}

	gw = gateway.New(gateway.Config{
		Bridge:            br,
		Gate:              gate,
		Requests:          store,
		Bus:               eventBus,
		AuthToken:         cfg.AuthToken,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
		ChallengeTimeout:  cfg.ChallengeTimeout(),
		PassphraseHash:    cfg.Auth.PassphraseHash,
		RelayConnected:    relayClient.Connected,
		Logger:            logger,
	})
	defer gw.Close()

	limiter := gateway.NewRateLimiter(cfg.RateLimit, func(path string) {
		metrics.RateLimitRejects.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("path", path)))
	})
	limiter.StartEviction(ctx, time.Minute, 10*time.Minute)
	handler := gateway.NewCORSMiddleware(cfg.CORS)(limiter.Wrap(gateway.RequestSizeLimitMiddleware(0)(gw.Handler())))

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_GATEWAY_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	logger.Info("startup phase", "phase", "gateway_listener_bound", "addr", cfg.BindAddr)

	relayDone := make(chan error, 1)
	go func() { relayDone <- relayClient.Run(ctx) }()
	bridgeDone := make(chan error, 1)
	go func() { bridgeDone <- br.Run(ctx, relayClient.Events()) }()

	retention, err := cron.NewScheduler(cron.Config{
		Store:         store,
		Logger:        logger,
		Schedule:      cfg.RetentionSchedule,
		RetentionDays: cfg.RetentionDays,
	})
	if err != nil {
		fatalStartup(logger, "E_CRON_SCHEDULE", err)
	}
	retention.Start(ctx)
	defer retention.Stop()

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go config.Reloader(ctx, confWatcher, cfg.HomeDir, logger, func(next config.Config) {
		logSink.SetLevel(next.LogLevel)
		gate.SetCooldown(next.Cooldown())
		gw.SetChallengeTimeout(next.ChallengeTimeout())
		gw.SetPassphraseHash(next.Auth.PassphraseHash)
		retention.SetRetentionDays(next.RetentionDays)
		logger.Info("config.yaml hot-reloaded", "fingerprint", next.Fingerprint())
	})

	policyWatcher := config.NewFileWatcher(policy.Path(cfg.HomeDir), logger)
	if err := policyWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_POLICY_WATCHER_START", err)
	}
	go watchPolicy(ctx, policyWatcher, livePolicy, policy.Path(cfg.HomeDir), logger)

	logger.Info("startup phase", "phase", "ready", "version", Version, "methods", len(registry.Methods()))

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	case err := <-relayDone:
		logger.Error("relay link stopped", "error", err)
	}
	stop()

	// Stop intake, then give answered-but-unsent requests time to flush.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout())
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	select {
	case err := <-bridgeDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("bridge stopped with error", "error", err)
		}
	case <-shutdownCtx.Done():
		logger.Warn("drain timeout exceeded", "outstanding", dispatcher.Outstanding())
	}
	logger.Info("shutdown complete")
}

// writeGenesis writes a starter config.yaml with a fresh gateway token and
// reloads it.
func writeGenesis(homeDir string) (config.Config, error) {
	if err := config.WriteDefault(homeDir, uuid.NewString()); err != nil {
		return config.Config{}, err
	}
	return config.LoadFrom(homeDir)
}

// watchPolicy reloads the peer policy on every change to path. A file that
// fails to parse or validate leaves the active policy in place.
func watchPolicy(ctx context.Context, w *config.Watcher, live *policy.LivePolicy, path string, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-w.Events():
			if !ok {
				return
			}
			if err := policy.ReloadFromFile(live, path); err != nil {
				logger.Warn("policy reload rejected; keeping previous policy", "error", err, "policy_version", live.PolicyVersion())
				audit.Record(ctx, audit.Deny, audit.ActionPolicy, err.Error(), live.PolicyVersion())
				continue
			}
			logger.Info("policy reloaded", "policy_version", live.PolicyVersion())
			audit.Record(ctx, audit.Allow, audit.ActionPolicy, "reloaded", live.PolicyVersion())
		}
	}
}

func warnOpenBind(logger *slog.Logger, cfg config.Config) {
	host, _, err := net.SplitHostPort(cfg.BindAddr)
	if err != nil {
		return
	}
	h := strings.ToLower(strings.TrimSpace(host))
	if h == "127.0.0.1" || h == "localhost" || h == "::1" {
		return
	}
	logger.Warn("control gateway bound to a non-loopback address", "bind_addr", cfg.BindAddr)
	if len(cfg.AllowOrigins) == 0 {
		logger.Warn("allow_origins is empty; cross-origin browser connections will be rejected (same-origin only)")
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(context.Background(), "fatal", "runtime.startup", reasonCode+": "+message, "")

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		writeFatalLine(os.Stderr, reasonCode, message)
	}
	os.Exit(1)
}

func writeFatalLine(w io.Writer, reasonCode, message string) {
	fmt.Fprintf(w,
		`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
		time.Now().UTC().Format(time.RFC3339Nano),
		reasonCode,
		message,
	)
}
