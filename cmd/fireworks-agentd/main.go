/*
SPDX-License-Identifier: Apache-2.0

Copyright 2025 Fireworks Collaboration Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command fireworks-agentd is the process entry point: it loads the
// on-disk configuration, wires the event bus, metrics registry/exporter/
// alert engine, IP-pool, proxy manager, custom HTTPS smart subtransport,
// task registry and workspace status service together, then blocks until
// signaled. It replaces the teacher's controller-runtime manager
// bootstrap — there is no Kubernetes control plane here, just a flat set
// of long-lived collaborators started from one place.
package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/go-logr/logr"

	"github.com/fireworks-collab/agent-core/internal/config"
	"github.com/fireworks-collab/agent-core/internal/events"
	"github.com/fireworks-collab/agent-core/internal/ippool"
	"github.com/fireworks-collab/agent-core/internal/logging"
	"github.com/fireworks-collab/agent-core/internal/metrics"
	"github.com/fireworks-collab/agent-core/internal/proxy"
	"github.com/fireworks-collab/agent-core/internal/soak"
	"github.com/fireworks-collab/agent-core/internal/tasks"
	"github.com/fireworks-collab/agent-core/internal/transport"
	"github.com/fireworks-collab/agent-core/internal/workspace"
)

func main() {
	var configPath string
	var devLogging bool

	flag.StringVar(&configPath, "config", defaultConfigPath(), "Path to the agent's JSON configuration file.")
	flag.BoolVar(&devLogging, "dev", false, "Use human-readable console logging instead of JSON.")
	flag.Parse()

	log := logging.New(logging.Options{Development: devLogging, Name: "fireworks-agentd"})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := config.NewStore(configPath, log)
	cfg, err := store.LoadOrInit()
	if err != nil {
		log.Error(err, "unable to load configuration", "path", configPath)
		os.Exit(1)
	}

	bus := events.New()

	registry := metrics.NewRegistry(metrics.SystemClock{})
	exporter := metrics.NewExporter(registry, log, metrics.ExporterOptions{
		BearerToken:       cfg.Observability.Export.AuthToken,
		RequestsPerSecond: float64(cfg.Observability.Export.RateLimitQps),
	})

	if cfg.Observability.ExportEnabled {
		mux := http.NewServeMux()
		exporter.RegisterRoutes(mux)
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
		server := &http.Server{Addr: cfg.Observability.Export.BindAddress, Handler: mux}
		go func() {
			log.Info("starting metrics exporter", "addr", server.Addr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error(err, "metrics exporter stopped unexpectedly")
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	if cfg.Observability.AlertsEnabled {
		engine := metrics.NewEngine(registry, metrics.SystemClock{}, cfg.Observability.Alerts.RulesPath,
			time.Duration(cfg.Observability.Alerts.EvalIntervalSecs)*time.Second, nil, log)
		go func() {
			err := engine.Run(ctx, func(ev metrics.AlertEvent) {
				bus.Publish(events.Event{
					Kind: events.KindMetricAlert,
					At:   ev.EmittedAt,
					Payload: events.MetricAlert{
						RuleID:   ev.RuleID,
						State:    string(ev.State),
						Severity: string(ev.Severity),
					},
				})
			})
			if err != nil && ctx.Err() == nil {
				log.Error(err, "alert engine stopped unexpectedly")
			}
		}()
	}

	pool := ippool.New(ippoolConfigFrom(cfg.IPPool), ippoolSources(cfg.IPPool), ippool.DefaultProber, ippool.SystemClock{}, bus)

	if cfg.IPPool.Enabled && len(cfg.IPPool.PreheatDomains) > 0 {
		scheduler := ippool.NewScheduler(pool, ippool.SystemClock{}, bus)
		for _, domain := range cfg.IPPool.PreheatDomains {
			host, port := splitPreheatDomain(domain)
			scheduler.AddDomain(host, port)
		}
		go scheduler.Run(ctx, preheatTTL)
	}

	proxyMgr := proxy.New(proxy.SystemClock{}, bus)
	proxyMgr.Apply(proxyConfigFrom(cfg.Proxy))
	go proxyMgr.RunHealthChecks(ctx)

	rt := transport.NewRoundTripper(transportConfigFrom(cfg.TLS, pool), proxyMgr, bus)
	transport.Register(rt)

	taskRegistry := tasks.New(bus, nil)
	workspaceSvc := workspace.New(time.Duration(cfg.Workspace.StatusCacheTTLSeconds)*time.Second, nil)

	log.Info("fireworks-agentd ready",
		"config", configPath,
		"proxyMode", cfg.Proxy.Mode,
		"ipPoolEnabled", cfg.IPPool.Enabled,
		"workspaceConcurrency", cfg.Workspace.Concurrency)

	if opts, ok := soak.FromEnv(os.Getenv); ok {
		runner := soak.New(opts, bus, taskRegistry)
		report, err := runner.Run(ctx)
		if err != nil {
			log.Error(err, "soak run failed")
			os.Exit(1)
		}
		if err := soak.WriteReport(opts.ReportPath, report); err != nil {
			log.Error(err, "unable to write soak report", "path", opts.ReportPath)
			os.Exit(1)
		}
		log.Info("soak run complete", "report", opts.ReportPath, "successRate", report.Totals.SuccessRate)
		return
	}

	watchConfig(ctx, store, log, proxyMgr, taskRegistry, workspaceSvc)

	<-ctx.Done()
	log.Info("shutting down")
}

// watchConfig reapplies the proxy subsystem's configuration whenever the
// on-disk file changes; the custom transport's TLS/IP-pool wiring is
// registered once via sync.Once (internal/transport.Register) and is not
// currently hot-reloadable — a process restart picks up TLS changes.
func watchConfig(ctx context.Context, store *config.Store, log logr.Logger, proxyMgr *proxy.Manager, _ *tasks.Registry, _ *workspace.Service) {
	ch, err := store.Watch(ctx)
	if err != nil {
		log.Error(err, "unable to watch configuration file")
		return
	}
	go func() {
		for cfg := range ch {
			log.Info("configuration reloaded")
			proxyMgr.Apply(proxyConfigFrom(cfg.Proxy))
		}
	}()
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "fireworks-agent", "config.json")
}

// preheatTTL is the cache lifetime the preheat scheduler refreshes
// against; it matches internal/ippool.Config's own default TTL since
// config.IPPoolConfig exposes no separate preheat-specific value.
const preheatTTL = 5 * time.Minute

// splitPreheatDomain parses a configured preheat entry of the form
// "host" or "host:port", defaulting to the smart-HTTPS port when none is
// given.
func splitPreheatDomain(domain string) (string, int) {
	host, portStr, err := net.SplitHostPort(domain)
	if err != nil {
		return domain, 443
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return host, 443
	}
	return host, port
}

// ippoolConfigFrom does not map config.CircuitBreakerConfig.CooldownSec
// onto ippool.Config.CircuitBreakerWindow: the breaker's window bounds
// how far back failure/success samples are counted from, while
// CooldownSec describes how long a tripped circuit is held open before
// it may be retried — a deadline-style cooldown the sample-window
// breaker doesn't model. Only the sample-accounting knobs are wired.
func ippoolConfigFrom(c config.IPPoolConfig) ippool.Config {
	cfg := ippool.Config{
		MaxParallelProbes:          c.MaxParallelProbes,
		ProbeTimeout:               time.Duration(c.ProbeTimeoutMs) * time.Millisecond,
		PreheatFailureThresh:       c.PreheatFailureThreshold,
		AutoDisableCooldown:        time.Duration(c.AutoDisableCooldownSec) * time.Second,
		CircuitBreakerAbsoluteTrip: c.CircuitBreaker.FailureThreshold,
		CircuitBreakerMinSamples:   c.CircuitBreaker.MinSamples,
		CircuitBreakerFailureRate:  c.CircuitBreaker.FailureRate,
	}
	return cfg
}

func ippoolSources(c config.IPPoolConfig) map[string]ippool.CandidateSource {
	sources := map[string]ippool.CandidateSource{}
	if c.Sources.Dns {
		sources["dns"] = ippool.DefaultDNSSource
	}
	if c.Sources.UserStatic && len(c.UserStaticIPs) > 0 {
		ips := append([]string(nil), c.UserStaticIPs...)
		sources["userStatic"] = func(ctx context.Context, host string, port int) ([]string, error) {
			return ips, nil
		}
	}
	if c.Sources.Fallback && len(c.FallbackIPs) > 0 {
		ips := append([]string(nil), c.FallbackIPs...)
		sources["fallback"] = func(ctx context.Context, host string, port int) ([]string, error) {
			return ips, nil
		}
	}
	return sources
}

func proxyConfigFrom(c config.ProxyConfig) proxy.Config {
	return proxy.Config{
		Mode:                         proxy.Mode(c.Mode),
		URL:                          c.URL,
		Username:                     c.Username,
		Password:                     c.Password,
		DisableCustomTransport:       c.DisableCustomTransport,
		Timeout:                      time.Duration(c.TimeoutSeconds) * time.Second,
		FallbackThreshold:            c.FallbackThreshold,
		FallbackWindow:               time.Duration(c.FallbackWindowSeconds) * time.Second,
		RecoveryCooldown:             time.Duration(c.RecoveryCooldownSeconds) * time.Second,
		HealthCheckInterval:          time.Duration(c.HealthCheckIntervalSeconds) * time.Second,
		RecoveryStrategy:             proxy.RecoveryStrategy(c.RecoveryStrategy),
		ProbeURL:                     c.ProbeURL,
		ProbeTimeout:                 time.Duration(c.ProbeTimeoutSeconds) * time.Second,
		RecoveryConsecutiveThreshold: c.RecoveryConsecutiveThreshold,
		DebugProxyLogging:            c.DebugProxyLogging,
	}
}

func transportConfigFrom(t config.TLSConfig, pool *ippool.Pool) transport.Config {
	return transport.Config{
		FakeSniEnabled: t.FakeSniEnabled,
		FakeSniList:    t.FakeSniList,
		SniRotateOn403: t.SniRotateOn403,
		SpkiPins:       spkiPinMap(t.SpkiPins),
		Pool:           pool,
	}
}

// spkiPinMap flattens the config's global pin list into the per-host map
// internal/transport expects, applying the same pins to every host — a
// future per-host pin syntax in the config file is the natural follow-up
// if a team needs host-specific pinning.
func spkiPinMap(pins []string) map[string][]string {
	if len(pins) == 0 {
		return nil
	}
	return map[string][]string{"*": pins}
}
