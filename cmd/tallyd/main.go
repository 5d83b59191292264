package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" // Register pprof handlers
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/malbeclabs/tally/pkg/ledger"
	"github.com/malbeclabs/tally/pkg/ledger/pg"
	"github.com/malbeclabs/tally/pkg/logger"
	"github.com/malbeclabs/tally/pkg/metrics"
	"github.com/malbeclabs/tally/pkg/notify"
	"github.com/malbeclabs/tally/pkg/scheduler"
	"github.com/malbeclabs/tally/pkg/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr  = "0.0.0.0:8080"
	defaultMetricsAddr = "0.0.0.0:0"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run starts the tally ledger service.
//
// Environment:
//   - TALLY_DATABASE_URL   - Postgres DSN (required unless -store=mem)
//   - TALLY_ADMIN_TOKEN    - bearer token for the admin HTTP surface
//   - TALLY_SLACK_TOKEN    - bot token for ops notifications (optional)
//   - TALLY_SLACK_CHANNEL  - channel for ops notifications (optional)
//   - TALLY_RUN_MIGRATIONS - "true" to run pending migrations at startup
func run() error {
	verboseFlag := flag.Bool("verbose", false, "Enable verbose (debug) logging")
	enablePprofFlag := flag.Bool("enable-pprof", false, "Enable pprof server")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "Address to listen on for the HTTP API")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "Address to listen on for prometheus metrics")
	storeFlag := flag.String("store", "pg", "Store backend: 'pg' (production) or 'mem' (development, volatile)")
	epochIntervalFlag := flag.Duration("epoch-interval", 24*time.Hour, "Interval between scheduled epoch snapshot builds; 0 disables the scheduler")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", 30*time.Second, "Maximum time to wait for in-flight requests during graceful shutdown")

	flag.Parse()

	_ = godotenv.Load()
	log := logger.New(*verboseFlag)

	if *enablePprofFlag {
		go func() {
			log.Info("starting pprof server", "address", "localhost:6060")
			if err := http.ListenAndServe("localhost:6060", nil); err != nil {
				log.Error("failed to start pprof server", "error", err)
			}
		}()
	}

	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var store ledger.Store
	var ready func(ctx context.Context) error
	switch *storeFlag {
	case "pg":
		dsn := os.Getenv("TALLY_DATABASE_URL")
		if dsn == "" {
			return fmt.Errorf("TALLY_DATABASE_URL is required with -store=pg")
		}
		if os.Getenv("TALLY_RUN_MIGRATIONS") == "true" {
			log.Info("running database migrations")
			if err := pg.Migrate(dsn); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
		}
		pool, err := pg.Connect(ctx, dsn)
		if err != nil {
			return fmt.Errorf("failed to connect to postgres: %w", err)
		}
		defer pool.Close()
		store, err = pg.New(pg.Config{Logger: log, Pool: pool})
		if err != nil {
			return fmt.Errorf("failed to create store: %w", err)
		}
		ready = pool.Ping
		log.Info("connected to postgres")
	case "mem":
		store = ledger.NewMemStore()
		log.Warn("using in-memory store, all state is lost on restart")
	default:
		return fmt.Errorf("unknown store backend %q", *storeFlag)
	}

	svc, err := ledger.New(ledger.Config{Logger: log, Store: store})
	if err != nil {
		return fmt.Errorf("failed to create ledger service: %w", err)
	}

	notifier := notify.NewSlack(log, os.Getenv("TALLY_SLACK_TOKEN"), os.Getenv("TALLY_SLACK_CHANNEL"))
	if notifier != nil {
		log.Info("slack notifications enabled", "channel", os.Getenv("TALLY_SLACK_CHANNEL"))
	}

	if *epochIntervalFlag > 0 {
		sched, err := scheduler.New(scheduler.Config{
			Logger:   log,
			Ledger:   svc,
			Interval: *epochIntervalFlag,
			Notifier: notifier,
		})
		if err != nil {
			return fmt.Errorf("failed to create scheduler: %w", err)
		}
		sched.Start(ctx)
	} else {
		log.Info("epoch scheduler disabled")
	}

	server.Version = version
	srv, err := server.New(server.Config{
		Logger:      log,
		Ledger:      svc,
		ListenAddr:  *listenAddrFlag,
		AdminToken:  os.Getenv("TALLY_ADMIN_TOKEN"),
		Ready:       ready,
		PublicRate:  rate.Every(time.Minute / 120),
		PublicBurst: 20,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), *shutdownTimeoutFlag)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	log.Info("tally ledger service started", "version", version, "addr", *listenAddrFlag)
	return g.Wait()
}
