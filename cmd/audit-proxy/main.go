package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kdhira/mitm-forward-proxy/internal/audit"
	"github.com/kdhira/mitm-forward-proxy/internal/ca"
	"github.com/kdhira/mitm-forward-proxy/internal/certcache"
	"github.com/kdhira/mitm-forward-proxy/internal/config"
	"github.com/kdhira/mitm-forward-proxy/internal/engine"
	applog "github.com/kdhira/mitm-forward-proxy/internal/log"
	"github.com/kdhira/mitm-forward-proxy/internal/profiles"
	"github.com/kdhira/mitm-forward-proxy/internal/supervisor"
)

// supervisorChildFlag is the internal flag a multi_process child recognizes
// to skip re-forking and just bind cfg.Addr itself with SO_REUSEPORT.
const supervisorChildFlag = "-supervisor-child"

func main() {
	var (
		configPath   string
		validateOnly bool
		isChild      bool
	)
	flag.StringVar(&configPath, "config", "", "path to YAML/JSON configuration file")
	flag.BoolVar(&validateOnly, "validate-config", false, "loads configuration and exits after validation")
	flag.BoolVar(&isChild, "supervisor-child", false, "internal: run as a multi_process supervised worker")
	cfg := config.MustParseFlags(flag.CommandLine, os.Args[1:])
	if configPath != "" {
		fileCfg, err := config.LoadFile(configPath)
		if err != nil {
			log.Fatalf("failed to load config file: %v", err)
		}
		cfg = config.Merge(cfg, fileCfg)
		if err := cfg.Validate(); err != nil {
			log.Fatalf("invalid merged config: %v", err)
		}
	}

	if validateOnly {
		fmt.Println("configuration validated successfully")
		return
	}

	opLog := applog.New("audit-proxy", applog.ParseLevel(cfg.LogLevel), os.Stderr)
	defer opLog.Close()

	eng, cleanup, err := buildEngine(cfg, opLog)
	if err != nil {
		log.Fatalf("failed to configure engine: %v", err)
	}
	defer cleanup()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.DiagnosticTLSAddr != "" {
		diagLn, err := eng.NewDiagnosticTLSListener(cfg.DiagnosticTLSAddr)
		if err != nil {
			log.Fatalf("failed to start diagnostic TLS listener: %v", err)
		}
		diagSrv := &http.Server{Handler: eng}
		go func() {
			if err := diagSrv.Serve(diagLn); err != nil && err != http.ErrServerClosed {
				opLog.Errorf("diagnostic-tls", "listener exited: %v", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			diagSrv.Shutdown(shutdownCtx)
		}()
	}

	if isChild {
		// A supervised multi_process worker binds the address itself with
		// SO_REUSEPORT rather than re-entering the parent's fork loop.
		if err := supervisor.Run(ctx, supervisor.Config{
			Mode:         supervisor.ModeMultiThreaded,
			Addr:         cfg.Addr,
			ProcessCount: 1,
			UseReuseport: cfg.RuntimeUseReuseport,
		}, eng, opLog); err != nil {
			log.Fatalf("supervised worker terminated: %v", err)
		}
		return
	}

	mode, err := supervisor.ParseMode(cfg.RuntimeMode)
	if err != nil {
		log.Fatalf("invalid runtime mode: %v", err)
	}

	runCfg := supervisor.Config{
		Mode:         mode,
		Addr:         cfg.Addr,
		ProcessCount: cfg.RuntimeProcessCount,
		UseReuseport: cfg.RuntimeUseReuseport,
		ChildFlag:    supervisorChildFlag,
	}

	if err := supervisor.Run(ctx, runCfg, eng, opLog); err != nil {
		log.Fatalf("proxy server terminated: %v", err)
	}
}

// buildEngine assembles the audit logger, CA, certificate cache, profile
// registry, and engine.Engine from cfg. The returned cleanup closes
// everything owned here (audit logger, cache backend, engine transport).
func buildEngine(cfg config.Config, opLog *applog.Logger) (*engine.Engine, func(), error) {
	logger, err := audit.NewFileLogger(cfg.LogFile)
	if err != nil {
		return nil, nil, fmt.Errorf("create audit logger: %w", err)
	}

	var (
		rootCA *ca.CA
		cache  *certcache.Cache
	)
	closers := []func(){func() { logger.Close() }}

	if cfg.EnableMITM {
		rootCA, err = ca.Load(cfg.MITMCAPath, cfg.MITMKeyPath, time.Duration(cfg.LeafValidityHours)*time.Hour, cfg.CAOrg)
		if err != nil {
			if rootCA == nil {
				for _, c := range closers {
					c()
				}
				return nil, nil, fmt.Errorf("load ca: %w", err)
			}
			// ErrCAKeyUnavailable: rootCA is still usable in self-signed mode.
			opLog.Warnf("ca", "operating in self-signed degraded mode: %v", err)
		}

		backend, backendCloser, err := buildCacheBackend(cfg, opLog)
		if err != nil {
			for _, c := range closers {
				c()
			}
			return nil, nil, fmt.Errorf("build certificate cache: %w", err)
		}
		if backendCloser != nil {
			closers = append(closers, backendCloser)
		}
		cache = certcache.New(backend, time.Duration(cfg.CacheSafetyMarginS)*time.Second)
	}

	registry, err := profiles.FromNames(cfg.Profiles, cfg.ProfilesConfig)
	if err != nil {
		for _, c := range closers {
			c()
		}
		return nil, nil, fmt.Errorf("build profile registry: %w", err)
	}

	eng, err := engine.New(cfg, engine.Dependencies{
		Logger:   logger,
		OpLog:    opLog,
		CA:       rootCA,
		Cache:    cache,
		Profiles: registry,
	})
	if err != nil {
		for _, c := range closers {
			c()
		}
		return nil, nil, fmt.Errorf("build engine: %w", err)
	}
	closers = append(closers, eng.Close)

	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	return eng, cleanup, nil
}

// buildCacheBackend selects the memory or remote certcache.Backend per
// cfg.CacheBackend, falling back to memory with a logged warning if the
// remote backend cannot be reached at startup. The returned closer, if
// non-nil, releases the backend's connections.
func buildCacheBackend(cfg config.Config, opLog *applog.Logger) (certcache.Backend, func(), error) {
	switch cfg.CacheBackend {
	case "remote":
		remote, err := certcache.NewRemoteBackend(context.Background(), cfg.CacheRemoteURL, cfg.CacheRemotePrefix)
		if err != nil {
			opLog.Warnf("cache", "remote backend unavailable, falling back to in-process cache: %v", err)
			return certcache.NewMemoryBackend(maxEntries(cfg)), nil, nil
		}
		return remote, func() { remote.Close() }, nil
	default:
		return certcache.NewMemoryBackend(maxEntries(cfg)), nil, nil
	}
}

func maxEntries(cfg config.Config) int {
	if cfg.CacheMaxEntries <= 0 {
		return 1000
	}
	return cfg.CacheMaxEntries
}
