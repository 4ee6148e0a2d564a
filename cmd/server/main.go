// Erwatch tracks emergency room requests against their SLA deadlines and
// raises warnings, breaches and escalations as time runs out.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/erwatch/internal/authmw"
	ec "github.com/linnemanlabs/erwatch/internal/cfg"
	"github.com/linnemanlabs/erwatch/internal/notify"
	"github.com/linnemanlabs/erwatch/internal/notify/hub"
	"github.com/linnemanlabs/erwatch/internal/notify/natsbus"
	"github.com/linnemanlabs/erwatch/internal/notify/slack"
	"github.com/linnemanlabs/erwatch/internal/postgres"
	"github.com/linnemanlabs/erwatch/internal/sla"
	"github.com/linnemanlabs/erwatch/internal/tracker"
	"github.com/linnemanlabs/erwatch/internal/tracker/memstore"
	"github.com/linnemanlabs/erwatch/internal/tracker/pgstore"
)

const appName = "erwatch"
const component = "server"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Set app name and component
	v.AppName = appName
	v.Component = component

	// Get build/version info
	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg    ec.Config
		natsCfg   natsbus.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	// register flags for each package, which will be parsed into the shared config struct
	appCfg.RegisterFlags(flag.CommandLine)
	natsCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion, checkPolicies bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.BoolVar(&checkPolicies, "check-policies", false, "Load and validate the SLA policy table, print it and exit")

	// parse flags to get config values from cmdline, we check env vars next which do not override cmdline flags
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	// Fill in config values from environment variables with prefix ERWATCH_,
	// these do not override cmdline flags
	cfg.FillFromEnv(flag.CommandLine, "ERWATCH_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	// the policy table is data; a bad file must stop the process before anything starts
	policies, err := loadPolicies(appCfg.PolicyFile)
	if err != nil {
		return err
	}
	if checkPolicies {
		return printPolicies(os.Stdout, policies)
	}

	if err := errors.Join(
		appCfg.Validate(),
		natsCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// cross-cutting checks that only main can validate
	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	// initialize logger early
	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	// no-op for slog/stderr, but here if we swap backends in the future to ensure any buffered logs are flushed on shutdown
	defer func() { _ = lg.Sync() }()

	// create a logger with component field pre-filled for structured logging in this package
	L := lg.With("component", vi.Component)

	// add logger to context
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"enable_pprof", opsCfg.EnablePprof,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"trace_sample", traceCfg.TraceSample,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
		"tick_interval_seconds", appCfg.TickIntervalSeconds,
		"policy_file", appCfg.PolicyFile,
		"policies", policies.Len(),
		"api_auth", appCfg.APITokens != "",
		"trusted_proxy_hops", httpmwCfg.TrustedProxyHops,
	)

	// Setup pyroscope profiling early so we get profiles from the entire app lifetime
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
		"source":    "lmlabs-go-agent",
	}
	// Start profiling, returns a stop function to call for clean shutdown (flush buffers, etc)
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf == nil {
		stopProf = func() {}
	}
	defer stopProf()

	// Setup otel for tracing
	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	// Start otel, returns a shutdown function to call for clean shutdown (flush buffers, etc)
	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx == nil {
		shutdownOtelx = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOtelx(context.Background()) }()

	// Setup metrics, we use our own metrics package for internal instrumentation
	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	// Register per-query DB duration histogram and wire the observer.
	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "erwatch_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"source", "route", "outcome"})
	m.Registry().MustRegister(dbQueryDuration)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, source, route, outcome string, dur time.Duration) {
			dbQueryDuration.WithLabelValues(source, route, outcome).Observe(dur.Seconds())
		},
	))

	// readiness fails while draining, and while the database is unreachable
	// when one is configured
	var shutdownGate health.ShutdownGate
	readyChecks := []health.Probe{shutdownGate.Probe()}

	// Initialize the request store
	var store tracker.Store
	if appCfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, appCfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		defer pool.Close()
		pgStore, err := pgstore.New(ctx, pool)
		if err != nil {
			return fmt.Errorf("pgstore init: %w", err)
		}
		store = pgStore
		readyChecks = append(readyChecks, health.CheckFunc(pool.Ping))
		L.Info(ctx, "using postgres store")
	} else {
		store = memstore.New()
		L.Info(ctx, "using in-memory store (no database-url configured)")
	}

	// Initialize tracker metrics on the shared Prometheus registry.
	trackerMetrics := tracker.NewMetrics(m.Registry())

	// In-process hub feeding dashboard event streams.
	eventHub := hub.New(appCfg.HubBufferSize)
	hubDropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "erwatch_hub_dropped_total",
		Help: "SLA events dropped for dashboard streams whose buffer was full.",
	})
	m.Registry().MustRegister(hubDropped, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "erwatch_hub_subscribers",
		Help: "Connected dashboard event streams.",
	}, func() float64 { return float64(eventHub.Len()) }))
	eventHub.OnDrop(hubDropped.Inc)

	sinks := []notify.Sink{{Name: "hub", Publisher: eventHub}}

	// Initialize Slack notifier for SLA event notifications.
	if appCfg.SlackWebhookURL != "" {
		sinks = append(sinks, notify.Sink{Name: "slack", Publisher: slack.New(appCfg.SlackWebhookURL, L)})
		L.Info(ctx, "notifier enabled", "type", "slack")
	}

	// Initialize NATS publisher for downstream systems.
	natsClose := func(context.Context) error { return nil }
	if natsCfg.URL != "" {
		bus, err := natsbus.Connect(ctx, natsCfg, L)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		natsClose = bus.Close
		sinks = append(sinks, notify.Sink{Name: "nats", Publisher: bus})
		L.Info(ctx, "notifier enabled", "type", "nats", "prefix", natsCfg.SubjectPrefix)
	}
	fanout := notify.NewFanout(sinks...)

	// Initialize the tracker service and the SLA ticker.
	trackerSvc := tracker.NewService(store, policies, L, trackerMetrics.Hooks())
	ticker := tracker.NewTicker(store, tracker.NewTrigger(policies), fanout, appCfg.TickInterval(), L, trackerMetrics.Hooks())

	// ticker queries are labelled so DB metrics separate them from API traffic
	tickCtx, stopTicker := context.WithCancel(postgres.WithQuerySource(context.WithoutCancel(ctx), postgres.SourceTicker))
	tickDone := make(chan struct{})
	go func() {
		defer close(tickDone)
		ticker.Run(tickCtx)
	}()
	L.Info(ctx, "sla ticker started", "interval", appCfg.TickInterval().String(), "sinks", fanout.Names())
	tickerStop := func(ctx context.Context) error {
		stopTicker()
		select {
		case <-tickDone:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("ticker did not stop: %w", ctx.Err())
		}
	}

	readiness := health.All(readyChecks...)
	// liveness is always true if the app is able to respond
	liveness := health.Fixed(true, "")

	// Configure ops http server for metrics, health checks, pprof, etc
	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	// start admin/ops listener. sg restricts inbound to internal monitoring infrastructure.
	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		err := opsHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	tokens := authmw.ParseTokens(appCfg.APITokens)
	if len(tokens) > 0 {
		L.Info(ctx, "api bearer auth enabled", "tokens", len(tokens))
	}
	h := buildHandler(apiDeps{
		logger:      L,
		metrics:     m,
		tracker:     trackerSvc,
		policies:    policies,
		hub:         eventHub,
		tokens:      tokens,
		liveness:    liveness,
		readiness:   readiness,
		trustedHops: httpmwCfg.TrustedProxyHops,
		heartbeat:   hub.DefaultHeartbeat,
	})

	// Configure http server options from config
	apiHTTPOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	// Start API HTTP server with middleware and handlers
	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiHTTPOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		return err
	}
	defer func() {
		err := apiHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop api http listener")
		}
	}()

	// Notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// Wait for ctrl+c / sigterm
	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")

	// fail health checks to drain connections
	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	// Wait for in-flight requests to finish and for load balancer
	// to detect unhealthy and stop sending new requests.
	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// Shutdown components with per-component budget sliced from total.
	// The ticker stops before the publishers it feeds.
	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"api http server", apiHTTPStop},
		{"sla ticker", tickerStop},
		{"nats", natsClose},
		{"ops http server", opsHTTPStop},
		{"otel", shutdownOtelx},
	}

	budget := time.Duration(appCfg.ShutdownBudgetSeconds) * time.Second
	perComponent := budget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stopFns {
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
	return nil
}

// loadPolicies returns the table from path, or the built-in reference
// table when path is empty.
func loadPolicies(path string) (*sla.Table, error) {
	if path == "" {
		return sla.DefaultTable(), nil
	}
	t, err := sla.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load sla policies: %w", err)
	}
	return t, nil
}

func printPolicies(w io.Writer, t *sla.Table) error {
	for _, p := range t.Policies() {
		if _, err := fmt.Fprintf(w, "%-13s %-9s response=%3dm completion=%3dm warn<%g%% escalations=%d\n",
			p.RequestType, p.Priority, p.ResponseMinutes, p.CompletionMinutes,
			p.WarningThresholdPercent, len(p.EscalationLevels)); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "%d policies ok\n", t.Len())
	return err
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // G704: addr is from NOTIFY_SOCKET set by systemd not user input, no context support in net package for unixgram sockets
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
