// Package daemon runs the fleetguard server: the HTTP API, the background
// drain and escalation pollers and the config watcher, under one data dir
// lock.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/msageha/fleetguard/internal/config"
	"github.com/msageha/fleetguard/internal/events"
	"github.com/msageha/fleetguard/internal/executor"
	"github.com/msageha/fleetguard/internal/httpapi"
	"github.com/msageha/fleetguard/internal/incident"
	"github.com/msageha/fleetguard/internal/lock"
	"github.com/msageha/fleetguard/internal/metrics"
	"github.com/msageha/fleetguard/internal/model"
	"github.com/msageha/fleetguard/internal/notify"
	"github.com/msageha/fleetguard/internal/policy"
	"github.com/msageha/fleetguard/internal/poller"
	"github.com/msageha/fleetguard/internal/remediation"
	"github.com/msageha/fleetguard/internal/store"
)

const (
	lockFileName    = "fleetguard.lock"
	busBuffer       = 256
	defaultShutdown = 15 * time.Second
	httpPollTimeout = 30 * time.Second
)

type Daemon struct {
	cfgPath string
	config  model.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	fileLock  *lock.FileLock
	backend   store.Backend
	closers   []io.Closer
	bus       *events.Bus
	policy    *policy.Source
	remed     *remediation.Engine
	incidents *incident.Engine
	server    *http.Server
	unrelay   func()

	ready    chan struct{}
	addr     net.Addr
	done     chan struct{}
	shutdown sync.Once
}

// New returns a daemon for cfg. cfgPath is watched for reloads; an empty
// path disables the watcher.
func New(cfgPath string, cfg model.Config, logger *slog.Logger) *Daemon {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Daemon{
		cfgPath: cfgPath,
		config:  cfg,
		logger:  logger.With("component", "daemon"),
		metrics: metrics.New(),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Ready is closed once the HTTP listener is bound.
func (d *Daemon) Ready() <-chan struct{} { return d.ready }

// Addr is the bound listen address. Valid after Ready.
func (d *Daemon) Addr() net.Addr { return d.addr }

// Run blocks until ctx is done, a termination signal arrives or a component
// fails. A second signal forces exit.
func (d *Daemon) Run(ctx context.Context) error {
	if err := os.MkdirAll(d.config.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	d.fileLock = lock.NewFileLock(filepath.Join(d.config.DataDir, lockFileName))
	if err := d.fileLock.TryLock(); err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return fmt.Errorf("another daemon is running: %w", err)
		}
		return err
	}
	defer d.cleanup()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-d.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := d.wire(ctx); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", d.config.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.config.Server.Listen, err)
	}
	d.addr = ln.Addr()
	close(d.ready)
	d.logger.Info("daemon started", "addr", d.addr.String(), "store", d.config.Store.Driver, "pid", os.Getpid())

	go d.waitSignals(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := d.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return d.stopServer()
	})
	for _, p := range d.pollers() {
		g.Go(func() error { return p.Run(gctx) })
	}
	if d.cfgPath != "" {
		w := config.NewWatcher(d.cfgPath, d.logger, d.applyConfig)
		g.Go(func() error { return w.Run(gctx) })
	}

	err = g.Wait()
	d.logger.Info("daemon stopped")
	return err
}

// wire opens the store and builds the engines and the HTTP server.
func (d *Daemon) wire(ctx context.Context) error {
	cfg := d.config
	backend, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	d.backend = backend
	d.closers = append(d.closers, backend)

	hosts, err := config.Hosts(cfg)
	if err != nil {
		return err
	}
	if err := store.SeedHosts(ctx, backend, hosts); err != nil {
		return fmt.Errorf("seed hosts: %w", err)
	}

	var audit store.AuditSink = backend
	if cfg.Audit.Sink == "file" {
		al, err := events.NewAuditLogger(cfg.Audit.Path, cfg.Audit.MaxBytes)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		audit = al
		d.closers = append(d.closers, al)
	}

	exec, err := executor.New(cfg.Executor)
	if err != nil {
		return fmt.Errorf("executor: %w", err)
	}

	d.bus = events.NewBus(busBuffer)
	d.policy = policy.NewSource(policy.Global{Remediation: cfg.Remediation, Guard: cfg.Guard})

	d.remed = remediation.NewEngine(remediation.Deps{
		Runs:       backend,
		Hosts:      backend,
		Audit:      audit,
		Executor:   exec,
		Policy:     d.policy,
		Actions:    cfg.Actions,
		Bus:        d.bus,
		Metrics:    d.metrics,
		Tracer:     otel.Tracer("fleetguard/remediation"),
		Logger:     d.logger,
		DrainLimit: cfg.Drain.Limit,
	})

	notifier := notify.FromConfig(cfg.Notify, d.logger, d.metrics)
	d.incidents = incident.NewEngine(incident.Deps{
		Store:       backend,
		Audit:       audit,
		Notifier:    notifier,
		Remediation: remediationTrigger{eng: d.remed},
		Workflows:   cfg.Workflows,
		Timers:      cfg.Escalation.Timers,
		Bus:         d.bus,
		Metrics:     d.metrics,
		Tracer:      otel.Tracer("fleetguard/incident"),
		Logger:      d.logger,
	})
	d.unrelay = notify.Relay(d.bus, notifier, time.Duration(cfg.Notify.TimeoutSec)*time.Second, d.logger)

	api := httpapi.New(httpapi.Deps{
		Remediation: d.remed,
		Incidents:   d.incidents,
		Hosts:       backend,
		Metrics:     d.metrics,
		Logger:      d.logger,
		Server:      cfg.Server,
		AutoDrain:   cfg.Drain.AutoDrain,
		DrainLimit:  cfg.Drain.Limit,
	})
	d.server = &http.Server{
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// pollers returns the enabled background loops.
func (d *Daemon) pollers() []*poller.Poller {
	var out []*poller.Poller
	opts := []poller.Option{poller.WithMetrics(d.metrics), poller.WithLogger(d.logger)}

	if dc := d.config.Drain; dc.Enabled {
		task := d.localDrain(dc.Limit)
		if dc.Mode == "http" {
			task = httpDrain(poller.NewClient(dc.URL, d.config.Server.OpsToken, httpPollTimeout), dc.Limit)
		}
		out = append(out, poller.New("drain", seconds(dc.IntervalSec), seconds(dc.MaxBackoffSec), task, opts...))
	}
	if ec := d.config.Escalation; ec.Enabled {
		out = append(out, poller.New("escalation_sweep", seconds(ec.IntervalSec), seconds(ec.IntervalSec)*10, d.localSweep(ec.Limit), opts...))
	}
	return out
}

func (d *Daemon) localDrain(limit int) poller.Task {
	return func(ctx context.Context) error {
		res, err := d.remed.Drain(ctx, limit)
		if err != nil {
			return err
		}
		if len(res.Errors) > 0 {
			return fmt.Errorf("drain: %d errors, first: %s", len(res.Errors), res.Errors[0])
		}
		return nil
	}
}

func httpDrain(c *poller.Client, limit int) poller.Task {
	return func(ctx context.Context) error {
		out, err := c.Drain(ctx, limit)
		if err != nil {
			return err
		}
		if !out.Drained.OK && len(out.Drained.Errors) > 0 {
			return fmt.Errorf("drain: %d errors, first: %s", len(out.Drained.Errors), out.Drained.Errors[0])
		}
		return nil
	}
}

func (d *Daemon) localSweep(limit int) poller.Task {
	return func(ctx context.Context) error {
		res, err := d.incidents.Sweep(ctx, limit, time.Time{})
		if err != nil {
			return err
		}
		if len(res.Errors) > 0 {
			return fmt.Errorf("sweep: %d errors, first: %s", len(res.Errors), res.Errors[0])
		}
		return nil
	}
}

// applyConfig installs the reloadable parts of cfg: policy, action catalog,
// incident timers and workflows, and declared hosts. Listen address, store
// and executor changes need a restart.
func (d *Daemon) applyConfig(cfg model.Config) {
	d.policy.Store(policy.Global{Remediation: cfg.Remediation, Guard: cfg.Guard})
	d.remed.SetActions(cfg.Actions)
	d.incidents.Configure(cfg.Escalation.Timers, cfg.Workflows)

	hosts, err := config.Hosts(cfg)
	if err == nil {
		err = store.SeedHosts(context.Background(), d.backend, hosts)
	}
	if err != nil {
		d.logger.Warn("reload: hosts not applied", "error", err)
	}
	if cfg.Server.Listen != d.config.Server.Listen || cfg.Store != d.config.Store || cfg.Executor != d.config.Executor {
		d.logger.Warn("reload: listen, store and executor changes take effect after restart")
	}
	d.logger.Info("config reloaded", "actions", len(cfg.Actions), "hosts", len(cfg.Hosts), "workflows", len(cfg.Workflows))
}

func (d *Daemon) waitSignals(ctx context.Context) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
		return
	case sig := <-sigCh:
		d.logger.Info("received signal, initiating graceful shutdown", "signal", sig.String())
	}

	// Second signal → force exit
	go func() {
		<-sigCh
		d.logger.Warn("received second signal, forcing exit")
		os.Exit(1)
	}()

	d.Shutdown()
}

// Shutdown stops the daemon. Safe to call more than once and before Run.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.logger.Info("shutdown started")
		close(d.done)
	})
}

// stopServer lets in-flight requests finish within the shutdown timeout.
func (d *Daemon) stopServer() error {
	timeout := defaultShutdown
	if s := d.config.Server.ShutdownTimeoutSec; s > 0 {
		timeout = seconds(s)
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := d.server.Shutdown(ctx); err != nil {
		d.logger.Warn("shutdown timeout, some requests may be incomplete", "timeout", timeout, "error", err)
		return nil
	}
	d.logger.Info("http server drained")
	return nil
}

func (d *Daemon) cleanup() {
	if d.unrelay != nil {
		d.unrelay()
	}
	if d.bus != nil {
		d.bus.Close()
	}
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil {
			d.logger.Warn("close failed", "error", err)
		}
	}
	if err := d.fileLock.Unlock(); err != nil {
		d.logger.Warn("release lock", "error", err)
	}
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// remediationTrigger queues incident workflow remediation through the
// automatic admission path, so guarded actions wait for approval.
type remediationTrigger struct {
	eng *remediation.Engine
}

func (t remediationTrigger) QueueRemediation(ctx context.Context, req incident.RemediationRequest) (string, error) {
	reason := req.Reason
	if reason == "" {
		reason = "incident " + req.IncidentID
	}
	run, err := t.eng.AutoQueue(ctx, remediation.AutoRequest{
		HostID:   req.HostID,
		ActionID: req.ActionID,
		Reason:   reason,
	})
	if err != nil {
		return "", err
	}
	return run.ID, nil
}
