// Package daemon assembles and runs hackd.
//
// Boot order matters: config, token store, Docker watcher, cache prime,
// Unix socket, then the gateway when at least one project opts in. Most
// boot failures are fatal; a missing Docker daemon is not, the cache
// just stays empty until events arrive.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/rs/zerolog"

	"github.com/hack-sh/hack/internal/audit"
	"github.com/hack-sh/hack/internal/config"
	"github.com/hack-sh/hack/internal/dockerwatch"
	"github.com/hack-sh/hack/internal/gateway"
	"github.com/hack-sh/hack/internal/hackhttp"
	"github.com/hack-sh/hack/internal/logger"
	"github.com/hack-sh/hack/internal/metrics"
	"github.com/hack-sh/hack/internal/paths"
	"github.com/hack-sh/hack/internal/registry"
	"github.com/hack-sh/hack/internal/runtime"
	"github.com/hack-sh/hack/internal/shell"
	"github.com/hack-sh/hack/internal/supervisor"
	"github.com/hack-sh/hack/internal/token"
)

// shutdownTimeout bounds how long listeners get to drain.
const shutdownTimeout = 5 * time.Second

// Options configure a daemon instance.
type Options struct {
	Layout  paths.Layout
	Version string
	Logger  *logger.Logger
}

// Daemon is the assembled control plane.
type Daemon struct {
	opts Options
	log  zerolog.Logger

	cfg      config.Effective
	registry *registry.Store
	tokens   *token.Store
	metrics  *metrics.Metrics

	docker  *client.Client
	watcher *dockerwatch.Watcher
	cache   *runtime.Cache

	supervisor *supervisor.Supervisor
	shells     *shell.Service

	unix *hackhttp.UnixServer
	gw   *gateway.Gateway
}

// New wires the daemon without starting anything.
func New(opts Options) (*Daemon, error) {
	log := opts.Logger.Component("daemon")

	if err := os.MkdirAll(opts.Layout.GatewayDir(), 0o700); err != nil {
		return nil, fmt.Errorf("creating state directories: %w", err)
	}

	global, err := config.Load(opts.Layout.GlobalConfig())
	if err != nil {
		return nil, err
	}
	cfg := config.Merge(global, nil, nil)

	d := &Daemon{
		opts:     opts,
		log:      log,
		cfg:      cfg,
		registry: registry.New(opts.Layout.RegistryFile(), opts.Logger.Component("registry")),
		tokens:   token.New(opts.Layout.TokensFile(), opts.Logger.Component("token")),
		metrics:  metrics.New(time.Now().UTC()),
		shells:   shell.NewService(opts.Logger.Component("shell")),
	}
	d.supervisor = supervisor.New(cfg.MaxConcurrentJobs, cfg.LogsMaxBytes, opts.Logger.Component("supervisor"))

	d.docker, err = client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	d.cache = runtime.NewCache(d.docker, d.registry, d.metrics, opts.Layout.StateRoot, opts.Logger.Component("runtime"))
	d.watcher = dockerwatch.New(d.docker, d.cache.HandleEvent, opts.Logger.Component("dockerwatch"))

	server := &hackhttp.Server{
		Version:    opts.Version,
		PID:        os.Getpid(),
		Log:        opts.Logger.Component("api"),
		Metrics:    d.metrics,
		Cache:      d.cache,
		Supervisor: d.supervisor,
		Shells:     d.shells,
		Registry:   d.registry,
		Tokens:     d.tokens,
		Config:     global,
	}
	router := server.Router()

	d.unix = hackhttp.NewUnixServer(opts.Layout.SocketPath(), router, opts.Logger.Component("api"))

	auditLog := audit.New(opts.Layout.AuditFile(), opts.Logger.Component("audit"))
	d.gw = gateway.New(gateway.Options{
		Bind:        cfg.GatewayBind,
		Port:        cfg.GatewayPort,
		AllowWrites: cfg.GatewayAllowWrites,
	}, router, d.tokens, auditLog, d.registry, opts.Logger.Component("gateway"))

	return d, nil
}

// Run starts everything and blocks until ctx is cancelled or a
// termination signal arrives.
func (d *Daemon) Run(ctx context.Context) error {
	if err := paths.WritePidFile(d.opts.Layout.PidFile(), os.Getpid()); err != nil {
		return err
	}
	defer func() {
		if err := paths.RemovePidFile(d.opts.Layout.PidFile()); err != nil {
			d.log.Warn().Err(err).Msg("pid file not removed")
		}
	}()

	d.watcher.Start()

	// Prime the cache so the first reader does not pay for a Docker
	// round trip. A dead Docker daemon is not fatal here.
	primeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := d.cache.Refresh(primeCtx, "startup"); err != nil {
		d.log.Warn().Err(err).Msg("startup refresh failed, serving empty snapshot")
	}
	cancel()

	if err := d.unix.Start(); err != nil {
		d.watcher.Stop()
		return err
	}

	gatewayRunning := false
	if enabled := gateway.ResolveEnabled(d.registry, d.log); len(enabled) > 0 {
		if err := d.gw.Start(); err != nil {
			d.shutdownUnix()
			d.watcher.Stop()
			return err
		}
		gatewayRunning = true
	} else {
		d.log.Info().Msg("no projects opted into the gateway, TCP listener not started")
	}

	d.log.Info().
		Str("version", d.opts.Version).
		Int("pid", os.Getpid()).
		Msg("hackd started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.log.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-ctx.Done():
		d.log.Info().Msg("context cancelled, shutting down")
	}

	d.shutdown(gatewayRunning)
	return nil
}

// shutdown tears components down in reverse boot order, tolerating
// individual failures. Running jobs are left alone; their on-disk state
// stays consistent for inspection.
func (d *Daemon) shutdown(gatewayRunning bool) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if gatewayRunning {
		if err := d.gw.Shutdown(ctx); err != nil {
			d.log.Warn().Err(err).Msg("gateway shutdown failed")
		}
	}
	if err := d.unix.Shutdown(ctx); err != nil {
		d.log.Warn().Err(err).Msg("unix server shutdown failed")
	}

	d.shells.Shutdown()
	d.cache.StopDebounce()
	d.watcher.Stop()
	if err := d.docker.Close(); err != nil {
		d.log.Debug().Err(err).Msg("docker client close failed")
	}
}

func (d *Daemon) shutdownUnix() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := d.unix.Shutdown(ctx); err != nil {
		d.log.Warn().Err(err).Msg("unix server shutdown failed")
	}
}
