package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kase1111-hash/Keyboard-TestKit/internal/acquire"
	"github.com/kase1111-hash/Keyboard-TestKit/internal/config"
	"github.com/kase1111-hash/Keyboard-TestKit/internal/logging"
	"github.com/kase1111-hash/Keyboard-TestKit/internal/metrics"
	"github.com/kase1111-hash/Keyboard-TestKit/internal/pipeline"
	"github.com/kase1111-hash/Keyboard-TestKit/internal/server"
	"github.com/kase1111-hash/Keyboard-TestKit/internal/store"
)

type flags struct {
	configPath  string
	addr        string
	logLevel    string
	noServer    bool
	listDevices bool
}

func main() {
	var f flags
	flag.StringVar(&f.configPath, "config", "", "config file path (default "+config.DefaultPath()+")")
	flag.StringVar(&f.addr, "addr", "", "HTTP listen address, overrides server.addr")
	flag.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error; overrides log.level")
	flag.BoolVar(&f.noServer, "no-server", false, "do not start the HTTP API")
	flag.BoolVar(&f.listDevices, "list-devices", false, "print the keyboards that would be opened and exit")
	flag.Parse()

	if err := run(f); err != nil {
		slog.Error("keyboard-testkit failed", "err", err)
		var pde *acquire.PermissionDeniedError
		if errors.As(err, &pde) {
			fmt.Fprintln(os.Stderr, pde.Remediation())
		}
		os.Exit(1)
	}
}

func run(f flags) error {
	path := f.configPath
	if path == "" {
		path = config.DefaultPath()
	}

	var watcher *config.Watcher
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if _, statErr := os.Stat(path); statErr == nil {
		if watcher, err = config.NewWatcher(path, nil); err != nil {
			return fmt.Errorf("watch config: %w", err)
		}
		cfg = watcher.Config()
	}
	applyFlags(cfg, f)

	log, err := logging.Setup(cfg.Log)
	if err != nil {
		return err
	}
	if watcher == nil {
		log.Info("no config file, using defaults", "path", path)
	}

	if f.listDevices {
		return listDevices(cfg)
	}

	var profiles pipeline.ProfileStore
	if cfg.Store.Enabled {
		st, err := store.Open(cfg.Store.Path)
		if err != nil {
			log.Warn("profile store unavailable, changes will not persist", "err", err)
		} else {
			defer st.Close()
			profiles = st
			log.Info("profile store opened", "path", st.Path())
		}
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	engine := pipeline.New(pipeline.Options{
		Thresholds: cfg.Thresholds(),
		Metrics:    m,
		Store:      profiles,
		Logger:     log,
	})
	if err := engine.ApplyConfig(cfg); err != nil {
		return fmt.Errorf("apply config: %w", err)
	}

	opts := cfg.SessionOptions()
	opts.Logger = log
	src, err := acquire.Open(opts, cfg.Acquire.Fallback)
	if err != nil {
		return err
	}
	defer src.Close()
	log.Info("input source ready", "source", src.Name())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pump := acquire.NewPump(src, cfg.Acquire.PollInterval.Duration, cfg.Acquire.ChannelCapacity)
	pump.OnDrop(func(acquire.KeyEvent) { m.IncDropped() })

	var wg sync.WaitGroup
	wg.Go(func() { pump.Run(ctx) })
	wg.Go(func() { engine.Run(ctx, pump.Events()) })

	if sess, ok := src.(*acquire.Session); ok {
		m.SetDevices(sess.DeviceCount())
		sess.OnDeviceCount(m.SetDevices)
		if cfg.Acquire.WatchDevices {
			mon, err := acquire.NewMonitor(sess, cfg.Acquire.DevDir, log)
			if err != nil {
				log.Warn("hotplug monitoring disabled", "err", err)
			} else {
				mon.OnChange(func(added, removed []string) {
					log.Info("keyboards changed", "added", added, "removed", removed)
				})
				wg.Go(func() { mon.Run(ctx) })
			}
		}
	}

	if watcher != nil {
		watcher.OnChange(func(c *config.Config) {
			applyFlags(c, f)
			if err := engine.ApplyConfig(c); err != nil {
				log.Warn("config change not applied", "err", err)
			}
		})
		wg.Go(func() { watcher.Run(ctx) })
	}

	if cfg.Server.Enabled {
		srv := server.New(server.Options{
			Engine: engine,
			Source: src,
			Config: func() *config.Config {
				if watcher != nil {
					return watcher.Config()
				}
				return cfg
			},
			Logger: log,
		})
		wg.Go(func() {
			if err := srv.ListenAndServe(ctx, cfg.Server.Addr); err != nil {
				log.Error("server stopped", "err", err)
				stop()
			}
		})
	}

	<-ctx.Done()
	log.Info("shutting down")
	wg.Wait()
	return nil
}

func applyFlags(cfg *config.Config, f flags) {
	if f.addr != "" {
		cfg.Server.Addr = f.addr
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.noServer {
		cfg.Server.Enabled = false
	}
}

func listDevices(cfg *config.Config) error {
	cands, err := acquire.Discover(cfg.DiscoverOptions())
	if err != nil {
		return err
	}
	for _, c := range cands {
		fmt.Printf("%s\t%s\tkeys=%d\t(%s)\n", c.Path, c.Name, c.KeyCount, c.Basis)
	}
	return nil
}
