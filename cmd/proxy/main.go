package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/zaedalbal/HTTP-Proxy/internal/blacklist"
	"github.com/zaedalbal/HTTP-Proxy/internal/classify"
	"github.com/zaedalbal/HTTP-Proxy/internal/config"
	"github.com/zaedalbal/HTTP-Proxy/internal/logx"
	"github.com/zaedalbal/HTTP-Proxy/internal/proxy"
	"github.com/zaedalbal/HTTP-Proxy/internal/ratelimit"
)

func main() {
	os.Exit(run())
}

func run() int {
	configFile := flag.String("config", "proxy.toml", "Configuration file path")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "proxy: loading configuration: %v\n", err)
		return 1
	}

	log, closeLog, err := buildLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "proxy: setting up logging: %v\n", err)
		return 1
	}
	defer closeLog()

	var activeConnections int64
	registry := ratelimit.NewRegistry(cfg.Limiter.MaxBandwidthPerSec, &activeConnections)

	stopConfigWatch := watchConfig(*configFile, cfg, registry, log)
	defer stopConfigWatch()

	blacklistLoad, stopBlacklistWatch, err := buildBlacklist(cfg.Blacklist, log)
	if err != nil {
		log.Errorf("proxy: loading blacklist: %v", err)
		return 1
	}
	defer stopBlacklistWatch()

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		log.Errorf("proxy: binding %s: %v", cfg.Addr(), err)
		return 1
	}

	log.Infof("proxy: listening on %s (rate=%d B/s, timeout=%dms, blacklist=%v)",
		cfg.Addr(), cfg.Limiter.MaxBandwidthPerSec, cfg.Timeout.Milliseconds, cfg.Blacklist.On)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps := proxy.Deps{
		Registry:          registry,
		Blacklist:         blacklistLoad,
		WatchdogInterval:  cfg.Timeout.Duration(),
		ActiveConnections: &activeConnections,
		Logger:            log,
	}

	if err := proxy.Serve(ctx, ln, deps); err != nil {
		log.Errorf("proxy: serve: %v", err)
		return 1
	}

	log.Infof("proxy: shut down cleanly")
	return 0
}

// buildLogger constructs the proxy's logger per the logging section of
// cfg: stdout when log_on is false, a size-rotating file when true.
func buildLogger(cfg config.Logging) (*logx.Logger, func(), error) {
	if !cfg.On {
		return logx.New(logx.DefaultConfig()), func() {}, nil
	}

	rw, err := logx.NewRotatingWriter(cfg.FileName, cfg.FileSizeBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file %s: %w", cfg.FileName, err)
	}

	lc := logx.DefaultConfig()
	lc.Output = rw
	lc.TraceEnabled = true
	return logx.New(lc), func() { _ = rw.Close() }, nil
}

// watchConfig starts watching path for changes and pushes a reloaded
// max_bandwidth_per_sec onto registry's live limiters, so an operator
// edit to the rate takes effect on in-flight sessions without a restart.
// If the watcher cannot be started (e.g. the filesystem doesn't support
// fsnotify), it logs a warning and returns a no-op stop function; the
// proxy still runs with whatever rate it loaded at startup.
func watchConfig(path string, initial config.Config, registry *ratelimit.Registry, log *logx.Logger) func() {
	snap := config.NewSnapshot(initial)

	watcher, err := config.WatchFile(path, snap, func(err error) {
		log.Warnf("proxy: reloading configuration: %v", err)
	}, func(cfg config.Config) {
		if err := registry.SetRate(cfg.Limiter.MaxBandwidthPerSec); err != nil {
			log.Warnf("proxy: applying reloaded rate: %v", err)
			return
		}
		log.Infof("proxy: reloaded configuration, rate now %d B/s", cfg.Limiter.MaxBandwidthPerSec)
	})
	if err != nil {
		log.Warnf("proxy: configuration file watch disabled: %v", err)
		return func() {}
	}
	return func() { _ = watcher.Close() }
}

// buildBlacklist returns a function that always returns the current
// blacklist snapshot (nil when blacklist checking is disabled) and a
// stop function for its file watcher.
func buildBlacklist(cfg config.Blacklist, log *logx.Logger) (func() classify.HostLookup, func(), error) {
	if !cfg.On {
		return nil, func() {}, nil
	}

	set, err := blacklist.Load(cfg.FileName)
	if err != nil {
		return nil, nil, err
	}
	holder := blacklist.NewHolder(set)

	watcher, err := blacklist.WatchFile(cfg.FileName, holder, func(err error) {
		log.Warnf("proxy: reloading blacklist: %v", err)
	})
	if err != nil {
		log.Warnf("proxy: blacklist file watch disabled: %v", err)
		return func() classify.HostLookup { return holder.Load() }, func() {}, nil
	}

	return func() classify.HostLookup { return holder.Load() }, func() { _ = watcher.Close() }, nil
}
