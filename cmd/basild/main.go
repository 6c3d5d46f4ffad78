// Command basild is the sync engine daemon: it wires store/sqlite (local
// state) and store/rest (the PostgREST/GoTrue/Realtime-style backend) into
// an engine.Engine, resolves the boot auth state, starts the sync loop, and
// exposes a local diagnostics HTTP endpoint. Grounded in
// server/cmd/server/main.go's flag/env config struct, buildLogger,
// dependency-wiring order, and signal.NotifyContext graceful shutdown —
// narrowed from a central multi-tenant server to one embedded, single-user
// engine instance per invocation.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/basilsync/engine/authgate"
	"github.com/basilsync/engine/authstate"
	"github.com/basilsync/engine/capability"
	"github.com/basilsync/engine/config"
	"github.com/basilsync/engine/internal/logging"
	"github.com/basilsync/engine/internal/netpoll"
	"github.com/basilsync/engine/outbox"
	"github.com/basilsync/engine/realtime"
	"github.com/basilsync/engine/store/rest"
	"github.com/basilsync/engine/store/sqlite"

	"github.com/basilsync/engine/engine"
)

var (
	version = "dev"
	commit  = "none"
)

type daemonConfig struct {
	httpAddr       string
	dbPath         string
	backendURL     string
	backendKey     string
	tablesPath     string
	prefix         string
	logLevel       string
	syncInterval   time.Duration
	syncDebounce   time.Duration
	realtimeOn     bool
	demo           bool
	gateType       string
	gateCodeLength int
	deviceVerify   bool
	signInEmail    string
	signInPassword string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &daemonConfig{}

	root := &cobra.Command{
		Use:   "basild",
		Short: "basild — local-first bidirectional sync engine daemon",
		Long: `basild runs the sync engine as a background process: it keeps a local
SQLite cache, pushes and pulls against a PostgREST/GoTrue/Realtime-style
backend, and serves a local diagnostics endpoint.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("basild %s (commit: %s)\n", version, commit)
		},
	})

	f := root.PersistentFlags()
	f.StringVar(&cfg.httpAddr, "http-addr", envOrDefault("BASIL_HTTP_ADDR", "127.0.0.1:8799"), "diagnostics HTTP listen address")
	f.StringVar(&cfg.dbPath, "db-path", envOrDefault("BASIL_DB_PATH", "./basil.db"), "local SQLite database file path")
	f.StringVar(&cfg.backendURL, "backend-url", envOrDefault("BASIL_BACKEND_URL", ""), "backend base URL (required unless --demo)")
	f.StringVar(&cfg.backendKey, "backend-key", envOrDefault("BASIL_BACKEND_KEY", ""), "backend publishable API key (required unless --demo)")
	f.StringVar(&cfg.tablesPath, "tables-config", envOrDefault("BASIL_TABLES_CONFIG", "./tables.json"), "path to the JSON table-set configuration")
	f.StringVar(&cfg.prefix, "prefix", envOrDefault("BASIL_PREFIX", "basil"), "storage key / device-row namespace prefix")
	f.StringVar(&cfg.logLevel, "log-level", envOrDefault("BASIL_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	f.DurationVar(&cfg.syncInterval, "sync-interval", 30*time.Second, "periodic full-sync tick period")
	f.DurationVar(&cfg.syncDebounce, "sync-debounce", 300*time.Millisecond, "push debounce window")
	f.BoolVar(&cfg.realtimeOn, "realtime", true, "subscribe to the backend's realtime change stream")
	f.BoolVar(&cfg.demo, "demo", false, "run in sandboxed demo mode (offline-only, no backend required)")
	f.StringVar(&cfg.gateType, "gate-type", "", "single-user gate type: code or password (empty disables the gate)")
	f.IntVar(&cfg.gateCodeLength, "gate-code-length", 6, "PIN length when --gate-type=code")
	f.BoolVar(&cfg.deviceVerify, "device-verification", false, "require trusted-device OTP verification")
	f.StringVar(&cfg.signInEmail, "signin-email", envOrDefault("BASIL_SIGNIN_EMAIL", ""), "sign in with this email if no session exists yet")
	f.StringVar(&cfg.signInPassword, "signin-password", envOrDefault("BASIL_SIGNIN_PASSWORD", ""), "password for --signin-email")

	return root
}

func run(ctx context.Context, dc *daemonConfig) error {
	logger, err := logging.Build(dc.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if !dc.demo && (dc.backendURL == "" || dc.backendKey == "") {
		return fmt.Errorf("--backend-url and --backend-key are required unless --demo is set")
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tables, err := loadTables(dc.tablesPath)
	if err != nil {
		return fmt.Errorf("loading table config: %w", err)
	}

	engCfg := &config.Config{
		Prefix:       dc.prefix,
		Tables:       tables,
		SyncDebounce: dc.syncDebounce,
		SyncInterval: dc.syncInterval,
		Demo:         config.DemoOptions{Active: dc.demo},
	}
	if dc.gateType != "" {
		engCfg.Auth.SingleUser = &config.SingleUserOptions{GateType: dc.gateType, CodeLength: dc.gateCodeLength}
	}
	if dc.deviceVerify {
		engCfg.Auth.DeviceVerification = &config.DeviceVerificationOptions{Enabled: true}
	}
	engCfg.Defaults()

	logger.Info("starting basild",
		zap.String("version", version),
		zap.String("http_addr", dc.httpAddr),
		zap.String("db_path", dc.dbPath),
		zap.Int("tables", len(tables)),
		zap.Bool("demo", dc.demo),
	)

	// --- 1. Local store ---
	local, err := sqlite.New(sqlite.Config{Path: dc.dbPath, Logger: logger})
	if err != nil {
		return fmt.Errorf("opening local store: %w", err)
	}
	defer local.Close() //nolint:errcheck
	kv := sqlite.NewKeyValueStore(local)

	clock := capability.SystemClock{}
	crypto := capability.SystemCrypto{}

	// --- 2. Remote backend (nil in demo mode, which never leaves local) ---
	var (
		remoteStore capability.RemoteStore
		authProv    capability.AuthProvider
		realtimeIn  *realtime.Integration
	)
	if !dc.demo {
		restClient, err := rest.NewClient(rest.Config{BaseURL: dc.backendURL, APIKey: dc.backendKey, Logger: logger})
		if err != nil {
			return fmt.Errorf("building backend client: %w", err)
		}
		provider := rest.NewAuthProvider(restClient, kv, dc.prefix, clock, logger)
		authProv = provider
		remoteStore = rest.NewRemoteStore(restClient, provider)

		if dc.realtimeOn {
			channel := rest.NewChannel(restClient, provider, logger)
			realtimeIn = realtime.NewIntegration(channel, logger)
		}
	}

	// --- 3. Network connectivity ---
	probeURL := dc.backendURL
	if probeURL == "" {
		probeURL = "http://127.0.0.1"
	}
	network := netpoll.New(probeURL, 15*time.Second)
	network.Start(ctx)
	defer network.Stop()

	// --- 4. Outbox, gate, auth resolver ---
	queue, err := outbox.NewQueue(ctx, local)
	if err != nil {
		return fmt.Errorf("opening outbox: %w", err)
	}
	gate := authgate.New(local, remoteStore, authProv, clock, crypto, dc.prefix, engCfg.Auth, logger)
	resolver := authstate.New(local, authProv, remoteStore, gate, clock, engCfg, logger)

	// --- 5. Engine ---
	eng := engine.New(
		engCfg,
		local,
		remoteStore,
		kv,
		authProv,
		network,
		clock,
		crypto,
		queue,
		gate,
		resolver,
		realtimeIn,
		local, // BaselineStore
		local, // HistoryRecorder
		logger,
	)

	userID, err := bootAuth(ctx, dc, resolver, authProv, logger)
	if err != nil {
		logger.Warn("no authenticated session at startup; sync loop idle until one exists", zap.Error(err))
	} else if userID != "" {
		if err := eng.Start(ctx, userID); err != nil {
			return fmt.Errorf("starting engine: %w", err)
		}
		defer eng.Stop(context.Background()) //nolint:errcheck
	}

	// --- 6. Diagnostics HTTP server ---
	httpSrv := newDiagnosticsServer(dc.httpAddr, eng, network, engCfg, local, logger)
	go func() {
		logger.Info("diagnostics server listening", zap.String("addr", dc.httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("diagnostics server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down basild")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("diagnostics server graceful shutdown error", zap.Error(err))
	}

	logger.Info("basild stopped")
	return nil
}

// bootAuth resolves the current auth state; if none exists and
// --signin-email/--signin-password were given, it attempts one sign-in
// before giving up. Returns the empty string (not an error) for demo mode,
// since the engine runs sandboxed without a userID association there.
func bootAuth(ctx context.Context, dc *daemonConfig, resolver *authstate.Resolver, authProv capability.AuthProvider, logger *zap.Logger) (string, error) {
	res, err := resolver.Resolve(ctx)
	if err != nil {
		return "", fmt.Errorf("resolving auth state: %w", err)
	}
	if res.Mode == authstate.ModeDemo {
		return "", nil
	}
	if res.Session != nil && res.Session.UserID != "" {
		logger.Info("resumed existing session", zap.String("mode", string(res.Mode)))
		return res.Session.UserID, nil
	}

	if dc.signInEmail == "" || dc.signInPassword == "" || authProv == nil {
		return "", fmt.Errorf("no session and no --signin-email/--signin-password provided")
	}

	session, err := authProv.SignIn(ctx, dc.signInEmail, dc.signInPassword)
	if err != nil {
		return "", fmt.Errorf("sign-in failed: %w", err)
	}
	logger.Info("signed in", zap.String("user_id", session.UserID))
	return session.UserID, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
