package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pgdoorman/doorman/internal/adminhttp"
	"github.com/pgdoorman/doorman/internal/cancel"
	"github.com/pgdoorman/doorman/internal/config"
	"github.com/pgdoorman/doorman/internal/health"
	"github.com/pgdoorman/doorman/internal/metrics"
	"github.com/pgdoorman/doorman/internal/pool"
	"github.com/pgdoorman/doorman/internal/proxy"
	"github.com/pgdoorman/doorman/internal/pstmt"
)

// preparedStatementCacheSize bounds the process-wide canonical prepared
// statement cache; eviction only forces an extra re-Parse on the pooled
// backend connections it affects, so this is a performance knob, not a
// correctness one.
const preparedStatementCacheSize = 10000

func main() {
	configPath := flag.String("config", "configs/doorman.yaml", "path to configuration file")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("doorman starting...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	log.Printf("configuration loaded from %s (%d databases, %d users)", *configPath, len(cfg.Databases), len(cfg.Users))

	m := metrics.New()
	pm := pool.NewManager(cfg)
	cancels := cancel.New()

	pstmts, err := pstmt.New(preparedStatementCacheSize, func(e *pstmt.Entry) {
		log.Printf("[pstmt] evicted %s (%s)", e.CanonicalName, e.Query)
	})
	if err != nil {
		log.Fatalf("failed to create prepared statement cache: %v", err)
	}

	hc := health.NewChecker(pm, m, 10*time.Second, 3, 5*time.Second)
	hc.Start()

	proxyServer := proxy.NewServer(pm, hc, m, cancels, pstmts)
	if err := proxyServer.SetConfig(cfg); err != nil {
		log.Fatalf("failed to apply configuration: %v", err)
	}

	if err := proxyServer.ListenTCP(cfg.Listen.Host, cfg.Listen.Port); err != nil {
		log.Fatalf("failed to start proxy listener: %v", err)
	}
	if cfg.Listen.UnixSocketDir != "" {
		if err := proxyServer.ListenUnix(cfg.Listen.UnixSocketDir, cfg.Listen.Port); err != nil {
			log.Fatalf("failed to start unix socket listener: %v", err)
		}
	}

	adminServer := adminhttp.NewServer(pm, hc, m, cfg)
	if err := adminServer.Start(cfg.Listen.AdminHTTPBind, cfg.Listen.AdminHTTPPort); err != nil {
		log.Fatalf("failed to start admin HTTP server: %v", err)
	}

	reload := func(newCfg *config.Config) {
		pm.Reload(newCfg)
		if err := proxyServer.SetConfig(newCfg); err != nil {
			log.Printf("[doorman] reload: failed to apply new configuration: %v", err)
		}
	}

	configWatcher, err := config.NewWatcher(*configPath, reload)
	if err != nil {
		log.Printf("warning: config hot-reload via filesystem watch not available: %v", err)
	}

	log.Printf("doorman ready - postgres:%d admin-http:%s:%d", cfg.Listen.Port, cfg.Listen.AdminHTTPBind, cfg.Listen.AdminHTTPPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			log.Printf("received SIGHUP, reloading configuration from %s", *configPath)
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Printf("SIGHUP reload failed: %v", err)
				continue
			}
			reload(newCfg)
			continue
		}
		log.Printf("received signal %s, shutting down...", sig)
		break
	}

	if configWatcher != nil {
		configWatcher.Stop()
	}
	adminServer.Stop()
	proxyServer.Stop()
	hc.Stop()
	pm.Close()

	log.Printf("doorman stopped")
}
