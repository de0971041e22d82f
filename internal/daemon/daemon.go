// Package daemon wires the dispatcher runtime together: ledger, host pool,
// router, resilient client, handlers, observability, and the HTTP surface.
// No process-wide singletons — everything is constructed here and passed in.
package daemon

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/asgard-lab/yggdrasil/internal/api"
	"github.com/asgard-lab/yggdrasil/internal/config"
	"github.com/asgard-lab/yggdrasil/internal/dispatcher"
	"github.com/asgard-lab/yggdrasil/internal/domain"
	"github.com/asgard-lab/yggdrasil/internal/handler"
	"github.com/asgard-lab/yggdrasil/internal/health"
	"github.com/asgard-lab/yggdrasil/internal/hostpool"
	"github.com/asgard-lab/yggdrasil/internal/ledger"
	"github.com/asgard-lab/yggdrasil/internal/llm"
	"github.com/asgard-lab/yggdrasil/internal/obs"
	"github.com/asgard-lab/yggdrasil/internal/resilient"
	"github.com/asgard-lab/yggdrasil/internal/router"
)

// Daemon is the dispatcher runtime with all services wired.
type Daemon struct {
	Config     config.Config
	Ledger     *ledger.DB
	Pool       *hostpool.Pool
	Router     *router.Router
	Breakers   *resilient.BreakerRegistry
	Caller     *resilient.Client
	LLM        *llm.Client
	Registry   *handler.Registry
	Dispatcher *dispatcher.Dispatcher
	Health     *health.Checker
	Server     *api.Server

	events  *obs.EventLog
	tracker *obs.ErrorTracker
}

// New builds a daemon from validated configuration. A ledger open failure is
// fatal I/O (exit code 3 at the CLI).
func New(cfg config.Config, version string) (*Daemon, error) {
	db, err := ledger.Open(cfg.LedgerDir)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	d := &Daemon{Config: cfg, Ledger: db}

	if cfg.Observability.Enabled {
		events, err := obs.NewEventLog(cfg.Observability.LogDir)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("open event log: %w", err)
		}
		d.events = events

		tracker, err := obs.NewErrorTracker(cfg.Observability.LogDir)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("open error tracker: %w", err)
		}
		d.tracker = tracker
	}

	d.Router = router.New(cfg.HostDescriptors(), cfg.Routing, cfg.HealthProbeInterval(),
		func(host string, healthy bool) {
			if !healthy {
				d.taskEvent("warning", "", "host_unhealthy", map[string]any{"host": host})
			}
			log.Printf("[daemon] host %s healthy=%v", host, healthy)
		})

	d.Breakers = resilient.NewBreakerRegistry(resilient.BreakerSettings{
		FailureThreshold: uint32(cfg.Breaker.FailureThreshold),
		Cooldown:         time.Duration(cfg.Breaker.CooldownMinutes) * time.Minute,
	}, func(host string, from, to domain.BreakerState) {
		switch to {
		case domain.BreakerOpen:
			d.taskEvent("warning", "", "breaker_opened", map[string]any{"host": host})
			d.Router.SetHealthy(host, false)
		case domain.BreakerClosed:
			d.taskEvent("info", "", "breaker_closed", map[string]any{"host": host})
			d.Router.SetHealthy(host, true)
		}
	})

	var cloud *domain.HostDescriptor
	if cfg.Cloud.Enabled {
		cloud = &domain.HostDescriptor{
			Name:    llm.CloudName,
			URL:     cfg.Cloud.Endpoint,
			Model:   cfg.Cloud.Model,
			Timeout: time.Duration(cfg.Cloud.TimeoutSeconds) * time.Second,
		}
	}

	d.Caller = resilient.NewClient(d.Breakers, resilient.RetryPolicy{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		InitialDelay:    time.Duration(cfg.Retry.InitialDelayMS) * time.Millisecond,
		MaxDelay:        time.Duration(cfg.Retry.MaxDelayMS) * time.Millisecond,
		ExponentialBase: cfg.Retry.ExponentialBase,
		Jitter:          cfg.Retry.Jitter,
	}, cloud, cfg.CloudQualifies, d.callerSink())

	d.LLM = llm.New(d.Caller, cfg.Cloud.Model, cfg.Cloud.CredentialEnv)
	d.Pool = hostpool.New(cfg.Concurrency)
	d.Registry = handler.Default()

	bundle := &handler.Bundle{
		Ledger: db,
		Router: d.Router,
		LLM:    d.LLM,
		Caller: d.Caller,
	}

	d.Dispatcher = dispatcher.New(dispatcher.Deps{
		Ledger:          db,
		Pool:            d.Pool,
		Router:          d.Router,
		Registry:        d.Registry,
		Bundle:          bundle,
		Events:          d.dispatchSink(),
		Tracker:         d.tracker,
		PollInterval:    cfg.PollInterval(),
		ShutdownTimeout: cfg.ShutdownTimeout(),
	})

	d.Health = health.NewChecker(db, cfg.Observability.LogDir)

	d.Server = api.NewServer(db, d.Pool, d.Router, d.Breakers, d.Health, version)
	if cfg.Observability.EnableMetrics {
		d.Server.EnableMetrics()
	}

	return d, nil
}

// Serve runs the dispatcher until SIGINT/SIGTERM, then drains gracefully.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go d.Router.Run(ctx)
	go d.Health.Run(ctx)

	var httpServer *http.Server
	if d.Config.Observability.Enabled && d.Config.Observability.EnableMetrics {
		addr := fmt.Sprintf(":%d", d.Config.Observability.MetricsPort)
		httpServer = &http.Server{
			Addr:         addr,
			Handler:      d.Server.Handler(),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  2 * time.Minute,
		}
		go func() {
			log.Printf("[daemon] metrics on http://localhost%s/metrics", addr)
			if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
				log.Printf("[daemon] metrics server: %v", err)
			}
		}()
	}

	log.Printf("[daemon] yggdrasil dispatcher up: %d hosts, env %s",
		len(d.Config.Hosts), d.Config.Environment)

	// Blocks until the signal arrives, then drains in-flight work.
	err := d.Dispatcher.Run(ctx)

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}
	d.Close()
	return err
}

// Close shuts down all daemon resources.
func (d *Daemon) Close() {
	if d.events != nil {
		_ = d.events.Close()
	}
	if d.Ledger != nil {
		_ = d.Ledger.Close()
	}
}

// callerSink and dispatchSink return a nil interface (not a typed nil
// *obs.EventLog) when observability is disabled so the consumers fall back to
// their no-op sinks.
func (d *Daemon) callerSink() resilient.EventSink {
	if d.events == nil {
		return nil
	}
	return d.events
}

func (d *Daemon) dispatchSink() dispatcher.EventSink {
	if d.events == nil {
		return nil
	}
	return d.events
}

func (d *Daemon) taskEvent(level, taskID, event string, fields map[string]any) {
	if d.events != nil {
		d.events.TaskEvent(level, taskID, event, fields)
	}
}
