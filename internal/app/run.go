package app

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-redis/redis/v8"

	"github.com/nuetzliches/relayq/internal/admin"
	"github.com/nuetzliches/relayq/internal/breaker"
	"github.com/nuetzliches/relayq/internal/dispatcher"
	"github.com/nuetzliches/relayq/internal/index"
	"github.com/nuetzliches/relayq/internal/queue"
	"github.com/nuetzliches/relayq/internal/ratelimit"
	"github.com/nuetzliches/relayq/internal/relay"
)

const (
	shutdownTimeout = 5 * time.Second
	drainTimeout    = 10 * time.Second
)

func run(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	listen := fs.String("listen", envOr("RELAYQ_LISTEN", "127.0.0.1:8484"), "operations API listen address")
	storeBackend := fs.String("store", envOr("RELAYQ_STORE", "sqlite"), "queue store backend (memory|sqlite|postgres)")
	dbPath := fs.String("db", envOr("RELAYQ_DB", "./.data/relayq.db"), "path to sqlite queue db file")
	postgresDSN := fs.String("postgres-dsn", os.Getenv("RELAYQ_POSTGRES_DSN"), "postgres connection string")
	indexBackend := fs.String("index", envOr("RELAYQ_INDEX", "memory"), "dispatch index backend (memory|redis)")
	redisAddr := fs.String("redis-addr", os.Getenv("RELAYQ_REDIS_ADDR"), "redis address for the dispatch index")
	pidFile := fs.String("pid-file", "", "write process PID to file (for runtime control)")
	logLevel := fs.String("log-level", envOr("RELAYQ_LOG_LEVEL", "info"), "log level (debug|info|warn|error)")
	dotenvPath := fs.String("dotenv", "", "load environment variables from file (dev only)")
	watch := fs.Bool("watch", false, "watch the dotenv file and retune breaker/limiter rules on change")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	baseLogger, err := newLogger(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 2
	}
	slog.SetDefault(baseLogger)

	releasePIDFile, err := claimPIDFile(strings.TrimSpace(*pidFile))
	if err != nil {
		baseLogger.Error("pid_file_failed", slog.Any("err", err))
		return 1
	}
	defer releasePIDFile()

	if strings.TrimSpace(*dotenvPath) != "" {
		if err := loadDotenv(strings.TrimSpace(*dotenvPath)); err != nil {
			baseLogger.Error("dotenv_failed", slog.Any("err", err))
			return 1
		}
	}

	routes, err := parseRoutes(os.Getenv("RELAYQ_ROUTES"))
	if err != nil {
		baseLogger.Error("routes_invalid", slog.Any("err", err))
		return 1
	}
	rules, err := parseTunables(nil)
	if err != nil {
		baseLogger.Error("rules_invalid", slog.Any("err", err))
		return 1
	}
	baseDelay, err := envDuration("RELAYQ_BASE_DELAY", dispatcher.DefaultBaseDelay)
	if err != nil {
		baseLogger.Error("base_delay_invalid", slog.Any("err", err))
		return 1
	}
	pollInterval, err := envDuration("RELAYQ_POLL_INTERVAL", 200*time.Millisecond)
	if err != nil {
		baseLogger.Error("poll_interval_invalid", slog.Any("err", err))
		return 1
	}

	appMetrics := newRuntimeMetrics()

	tracingEndpoint := strings.TrimSpace(os.Getenv("RELAYQ_TRACING_ENDPOINT"))
	tracingEnabled := tracingEndpoint != ""
	if tracingEnabled {
		shutdownTracing, err := initTracing(context.Background(), tracingConfig{
			Endpoint: tracingEndpoint,
			Insecure: strings.EqualFold(os.Getenv("RELAYQ_TRACING_INSECURE"), "true"),
			Headers:  parseTracingHeaders(os.Getenv("RELAYQ_TRACING_HEADERS")),
		}, func(err error) {
			appMetrics.incTracingExportErrors()
			baseLogger.Error("tracing_export_failed", slog.Any("err", err))
		})
		if err != nil {
			appMetrics.incTracingInitFailures()
			baseLogger.Error("tracing_init_failed", slog.Any("err", err))
			return 1
		}
		appMetrics.setTracingEnabled(true)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = shutdownTracing(ctx)
		}()
		baseLogger.Info("tracing_enabled", slog.String("endpoint", tracingEndpoint))
	}

	store, backendName, closeStore, err := newQueueStore(*storeBackend, *dbPath, *postgresDSN)
	if err != nil {
		baseLogger.Error("open_store_failed", slog.Any("err", err))
		return 1
	}
	defer func() { _ = closeStore() }()
	baseLogger.Info("store_backend_selected", slog.String("backend", backendName))

	indexes, closeIndexes, err := newIndexRegistry(*indexBackend, *redisAddr)
	if err != nil {
		baseLogger.Error("open_index_failed", slog.Any("err", err))
		return 1
	}
	defer func() { _ = closeIndexes() }()
	baseLogger.Info("index_backend_selected", slog.String("backend", *indexBackend))

	breakers := breaker.NewRegistry()
	limiters := ratelimit.NewRegistry()
	applyTunables(breakers, limiters, rules, baseLogger)

	svc := &relay.Service{
		Store:    store,
		Indexes:  indexes,
		Breakers: breakers,
		Limiters: limiters,
		Logger:   baseLogger,
	}
	appMetrics.service = svc

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx, stop := signal.NotifyContext(rootCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	disp := &dispatcher.Dispatcher{
		Store:          store,
		Indexes:        indexes,
		Breakers:       breakers,
		Limiters:       limiters,
		Routes:         buildDispatchRoutes(routes),
		Logger:         baseLogger,
		BaseDelay:      baseDelay,
		PollInterval:   pollInterval,
		ObserveOutcome: appMetrics.observeOutcome,
	}
	if len(routes) > 0 {
		disp.Start()
		baseLogger.Info("dispatcher_started", slog.Int("routes", len(routes)))
	} else {
		baseLogger.Warn("no_routes_configured")
	}

	adminSrv := admin.NewServer(svc)
	adminTokens, err := resolveAdminTokens(os.Getenv("RELAYQ_ADMIN_TOKENS"))
	if err != nil {
		baseLogger.Error("admin_tokens_invalid", slog.Any("err", err))
		return 1
	}
	if len(adminTokens) > 0 {
		adminSrv.Authorize = admin.BearerTokenAuthorizer(adminTokens)
	}
	adminSrv.RenderMetrics = appMetrics.render

	handler := wrapTracingHandler(tracingEnabled, "relayq_admin", withAccessLog(baseLogger, adminSrv))
	httpSrv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		baseLogger.Error("listen_failed", slog.String("addr", *listen), slog.Any("err", err))
		return 1
	}
	serveOnListener(baseLogger, "admin", httpSrv, ln, cancel)
	baseLogger.Info("admin_listening", slog.String("addr", ln.Addr().String()))

	if *watch && strings.TrimSpace(*dotenvPath) != "" {
		go watchTunables(ctx, strings.TrimSpace(*dotenvPath), baseLogger, func() {
			env, err := parseDotenv(strings.TrimSpace(*dotenvPath))
			if err != nil {
				baseLogger.Error("rules_reload_failed", slog.Any("err", err))
				return
			}
			updated, err := parseTunables(env)
			if err != nil {
				baseLogger.Error("rules_reload_failed", slog.Any("err", err))
				return
			}
			applyTunables(breakers, limiters, updated, baseLogger)
			baseLogger.Info("rules_reloaded")
		})
	}

	<-ctx.Done()
	baseLogger.Info("shutdown_started")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	if len(routes) > 0 {
		if disp.Drain(drainTimeout) {
			baseLogger.Info("dispatcher_drained")
		} else {
			baseLogger.Warn("dispatcher_drain_timeout")
		}
	}

	baseLogger.Info("shutdown_complete")
	return 0
}

func newQueueStore(backend, dbPath, postgresDSN string) (queue.Store, string, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "memory":
		return queue.NewMemoryStore(), "memory", noop, nil
	case "sqlite", "":
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, "", nil, err
		}
		s, err := queue.NewSQLiteStore(dbPath)
		if err != nil {
			return nil, "", nil, err
		}
		return s, "sqlite", s.Close, nil
	case "postgres":
		if strings.TrimSpace(postgresDSN) == "" {
			return nil, "", nil, fmt.Errorf("postgres backend requires --postgres-dsn or RELAYQ_POSTGRES_DSN")
		}
		s, err := queue.NewPostgresStore(postgresDSN)
		if err != nil {
			return nil, "", nil, err
		}
		return s, "postgres", s.Close, nil
	default:
		return nil, "", nil, fmt.Errorf("unknown store backend %q (use: memory|sqlite|postgres)", backend)
	}
}

func newIndexRegistry(backend, redisAddr string) (*index.Registry, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "memory", "":
		return index.NewRegistry(nil), noop, nil
	case "redis":
		if strings.TrimSpace(redisAddr) == "" {
			return nil, nil, fmt.Errorf("redis index requires --redis-addr or RELAYQ_REDIS_ADDR")
		}
		client := redis.NewClient(&redis.Options{Addr: strings.TrimSpace(redisAddr)})
		pingCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		reg := index.NewRegistry(func(queueName string) index.Index {
			return index.NewRedisIndex(client, queueName)
		})
		return reg, client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown index backend %q (use: memory|redis)", backend)
	}
}

// buildDispatchRoutes gives every route its own HTTP client; the attempt
// constructor mutates the client's transport.
func buildDispatchRoutes(specs []routeSpec) []dispatcher.Route {
	routes := make([]dispatcher.Route, 0, len(specs))
	for _, spec := range specs {
		attempt := dispatcher.NewHTTPAttempt(&http.Client{}, spec.URL)
		routes = append(routes, dispatcher.Route{
			Queue:      spec.Queue,
			Dependency: spec.Dependency,
			Attempt:    attempt.Func(),
			Workers:    spec.Workers,
			BatchSize:  spec.BatchSize,
		})
	}
	return routes
}

func applyTunables(breakers *breaker.Registry, limiters *ratelimit.Registry, rules tunables, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	for name, rule := range rules.BreakerRules {
		breakers.SetRule(name, rule.Threshold, rule.RecoveryTimeout)
		logger.Info("breaker_rule_applied",
			slog.String("dependency", name),
			slog.Int("threshold", rule.Threshold),
			slog.Duration("recovery_timeout", rule.RecoveryTimeout),
		)
	}
	for name, rule := range rules.LimiterRules {
		limiters.SetRule(name, rule.MaxTokens, rule.Window)
		logger.Info("limiter_rule_applied",
			slog.String("dependency", name),
			slog.Int("max_tokens", rule.MaxTokens),
			slog.Duration("window", rule.Window),
		)
	}
}

// watchTunables re-applies the runtime-tunable rules when the dotenv
// file changes. Events are debounced to coalesce atomic-write bursts.
func watchTunables(ctx context.Context, path string, logger *slog.Logger, reload func()) {
	if logger == nil {
		logger = slog.Default()
	}
	if reload == nil {
		return
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("watch_disabled", slog.Any("err", err))
		return
	}
	defer w.Close()

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	if err := w.Add(dir); err != nil {
		logger.Warn("watch_disabled", slog.Any("err", err))
		return
	}

	logger.Info("watching_rules", slog.String("path", path))

	var timer *time.Timer
	var timerCh <-chan time.Time
	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(200 * time.Millisecond)
		} else {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(200 * time.Millisecond)
		}
		timerCh = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			schedule()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logger.Warn("watch_error", slog.Any("err", err))
		case <-timerCh:
			timerCh = nil
			reload()
		}
	}
}

func claimPIDFile(pidFile string) (func(), error) {
	pidFile = strings.TrimSpace(pidFile)
	if pidFile == "" {
		return func() {}, nil
	}

	if err := os.MkdirAll(filepath.Dir(pidFile), 0o755); err != nil {
		return nil, err
	}

	if pid, err := readPIDFile(pidFile); err == nil && pid > 0 {
		if pidRunning(pid) {
			return nil, fmt.Errorf("pid file %q points to running process %d", pidFile, pid)
		}
	}

	pid := os.Getpid()
	if err := writePIDFile(pidFile, pid); err != nil {
		return nil, err
	}

	return func() {
		cur, err := readPIDFile(pidFile)
		if err != nil {
			return
		}
		if cur == pid {
			_ = os.Remove(pidFile)
		}
	}, nil
}

func writePIDFile(pidFile string, pid int) error {
	tmp, err := os.CreateTemp(filepath.Dir(pidFile), "."+filepath.Base(pidFile)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	keepTemp := false
	defer func() {
		_ = tmp.Close()
		if !keepTemp {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(0o600); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(tmp, "%d\n", pid); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, pidFile); err != nil {
		return err
	}
	keepTemp = true
	return nil
}

func readPIDFile(pidFile string) (int, error) {
	b, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, err
	}
	raw := strings.TrimSpace(string(b))
	if raw == "" {
		return 0, fmt.Errorf("pid file %q is empty", pidFile)
	}
	pid, err := strconv.Atoi(raw)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("pid file %q contains invalid pid %q", pidFile, raw)
	}
	return pid, nil
}

func pidRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	if isZombiePID(pid) {
		return false
	}
	return processExists(pid)
}

func isZombiePID(pid int) bool {
	statPath := fmt.Sprintf("/proc/%d/stat", pid)
	data, err := os.ReadFile(statPath)
	if err != nil {
		return false
	}
	fields := strings.Fields(string(data))
	if len(fields) < 3 {
		return false
	}
	return fields[2] == "Z"
}
