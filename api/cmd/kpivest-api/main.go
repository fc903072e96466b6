package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/malbeclabs/kpivest/api/config"
	"github.com/malbeclabs/kpivest/api/handlers"
	"github.com/malbeclabs/kpivest/api/metrics"
	"github.com/malbeclabs/kpivest/api/server"
	"github.com/malbeclabs/kpivest/ledger/pkg/core"
	"github.com/malbeclabs/kpivest/ledger/pkg/events"
	"github.com/malbeclabs/kpivest/ledger/pkg/ledger"
	"github.com/malbeclabs/kpivest/ledger/pkg/settler"
	"github.com/malbeclabs/kpivest/utils/pkg/logger"
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
	defaultBoltPath    = "kpivest.db"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	envFileFlag := flag.String("env-file", ".env", "Path to a .env file loaded before flags are resolved (ignored if missing)")
	verboseFlag := flag.Bool("verbose", false, "Enable verbose (debug) logging")
	logFormatFlag := flag.String("log-format", "text", "Log format: text or json (or set LOG_FORMAT env var)")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "HTTP API listen address (or set LISTEN_ADDR env var)")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "Address to listen on for prometheus metrics, empty to disable (or set METRICS_ADDR env var)")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", 30*time.Second, "Maximum time to wait for in-flight requests during graceful shutdown")
	allowedOriginsFlag := flag.StringSlice("allowed-origins", nil, "CORS allowed origins (or set ALLOWED_ORIGINS env var, comma separated)")

	// Storage
	storeFlag := flag.String("store", config.StoreBolt, "Ledger store: memory, bolt or postgres (or set STORE env var)")
	boltPathFlag := flag.String("bolt-path", defaultBoltPath, "bbolt database file (or set BOLT_PATH env var)")

	// Ledger
	vestingHolderFlag := flag.String("vesting-holder", "", "Account paying vesting withdrawals (or set VESTING_HOLDER env var)")
	claimerHolderFlag := flag.String("claimer-holder", "", "Account paying refund claims (or set CLAIMER_HOLDER env var)")
	tokenDecimalsFlag := flag.Int32("token-decimals", handlers.DefaultDecimals, "Decimals used to render token amounts (or set TOKEN_DECIMALS env var)")
	tokenDecimalsOverrideFlag := flag.StringToString("token-decimals-override", nil, "Per-token decimals, e.g. 0xabc...=6")

	// Settler
	settlerIdentityFlag := flag.String("settler-identity", "", "Account the settler claims as, empty disables the settler (or set SETTLER_IDENTITY env var)")
	settlerScheduleFlag := flag.String("settler-schedule", settler.DefaultSchedule, "Settler cron schedule (or set SETTLER_SCHEDULE env var)")

	// Events
	amqpURLFlag := flag.String("amqp-url", "", "RabbitMQ URL for event publishing, empty disables it (or set AMQP_URL env var)")
	amqpExchangeFlag := flag.String("amqp-exchange", "kpivest.events", "RabbitMQ topic exchange (or set AMQP_EXCHANGE env var)")

	// Error reporting
	sentryDSNFlag := flag.String("sentry-dsn", "", "Sentry DSN (or set SENTRY_DSN env var)")
	sentryEnvFlag := flag.String("sentry-environment", "development", "Sentry environment (or set SENTRY_ENVIRONMENT env var)")

	flag.Parse()

	if err := godotenv.Load(*envFileFlag); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", *envFileFlag, err)
	}

	overrideString(logFormatFlag, "LOG_FORMAT")
	overrideString(listenAddrFlag, "LISTEN_ADDR")
	overrideString(metricsAddrFlag, "METRICS_ADDR")
	overrideString(storeFlag, "STORE")
	overrideString(boltPathFlag, "BOLT_PATH")
	overrideString(vestingHolderFlag, "VESTING_HOLDER")
	overrideString(claimerHolderFlag, "CLAIMER_HOLDER")
	overrideString(settlerIdentityFlag, "SETTLER_IDENTITY")
	overrideString(settlerScheduleFlag, "SETTLER_SCHEDULE")
	overrideString(amqpURLFlag, "AMQP_URL")
	overrideString(amqpExchangeFlag, "AMQP_EXCHANGE")
	overrideString(sentryDSNFlag, "SENTRY_DSN")
	overrideString(sentryEnvFlag, "SENTRY_ENVIRONMENT")
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		*allowedOriginsFlag = strings.Split(v, ",")
	}
	if v := os.Getenv("TOKEN_DECIMALS"); v != "" {
		d, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid TOKEN_DECIMALS %q: %w", v, err)
		}
		*tokenDecimalsFlag = int32(d)
	}

	format, err := logger.ParseFormat(*logFormatFlag)
	if err != nil {
		return err
	}
	log := logger.NewWithFormat(os.Stdout, format, *verboseFlag)

	vestingHolder, err := parseAccount("vesting-holder", *vestingHolderFlag)
	if err != nil {
		return err
	}
	claimerHolder, err := parseAccount("claimer-holder", *claimerHolderFlag)
	if err != nil {
		return err
	}
	tokenDecimals := make(map[common.Address]int32, len(*tokenDecimalsOverrideFlag))
	for tok, d := range *tokenDecimalsOverrideFlag {
		addr, err := parseAccount("token-decimals-override", tok)
		if err != nil {
			return err
		}
		n, err := strconv.ParseInt(d, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid decimals for %s: %w", tok, err)
		}
		tokenDecimals[addr] = int32(n)
	}

	if *sentryDSNFlag != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         *sentryDSNFlag,
			Environment: *sentryEnvFlag,
			Release:     version,
		}); err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
		log.Info("sentry enabled", "environment", *sentryEnvFlag)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := config.OpenStore(ctx, log, config.StoreConfig{Kind: *storeFlag, BoltPath: *boltPathFlag})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	sinks := events.Multi{events.NewLogSink(log)}
	if *amqpURLFlag != "" {
		pub, err := events.NewAMQPPublisher(ctx, events.AMQPConfig{Logger: log, URL: *amqpURLFlag, Exchange: *amqpExchangeFlag})
		if err != nil {
			_ = store.Close()
			return fmt.Errorf("failed to connect event publisher: %w", err)
		}
		defer pub.Close()
		sinks = append(sinks, pub)
	}

	l, err := ledger.New(ledger.Config{
		Logger:        log,
		Store:         store,
		Events:        sinks,
		VestingHolder: vestingHolder,
		ClaimerHolder: claimerHolder,
	})
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("failed to create ledger: %w", err)
	}
	defer l.Close()

	srv, err := server.New(server.Config{
		ListenAddr:      *listenAddrFlag,
		ShutdownTimeout: *shutdownTimeoutFlag,
		VersionInfo:     server.VersionInfo{Version: version, Commit: commit, Date: date},
		AllowedOrigins:  *allowedOriginsFlag,
		HandlersConfig: handlers.Config{
			Logger:          log,
			Ledger:          l,
			DefaultDecimals: *tokenDecimalsFlag,
			TokenDecimals:   tokenDecimals,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(ctx)
	})

	if *settlerIdentityFlag != "" {
		identity, err := parseAccount("settler-identity", *settlerIdentityFlag)
		if err != nil {
			return err
		}
		if ok, err := l.Roles.HasRole(ctx, core.RoleRefundClaimer, identity); err != nil {
			return fmt.Errorf("failed to check settler role: %w", err)
		} else if !ok {
			log.Warn("settler identity does not hold the refund claimer role, claims will be rejected", "identity", identity.Hex())
		}
		s, err := settler.New(settler.Config{
			Logger:   log,
			Claimer:  l.Claimer,
			Identity: identity,
			Schedule: *settlerScheduleFlag,
		})
		if err != nil {
			return fmt.Errorf("failed to create settler: %w", err)
		}
		g.Go(func() error {
			return s.Run(ctx)
		})
	} else {
		log.Info("settler disabled")
	}

	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		g.Go(func() error {
			return serveMetrics(ctx, log, *metricsAddrFlag)
		})
	}

	log.Info("kpivest api started", "version", version, "commit", commit, "store", *storeFlag)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("kpivest api stopped")
	return nil
}

func serveMetrics(ctx context.Context, log *slog.Logger, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start prometheus metrics server listener: %w", err)
	}
	log.Info("prometheus metrics server listening", "address", listener.Addr().String())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("prometheus metrics server failed: %w", err)
	}
	return nil
}

func overrideString(p *string, env string) {
	if v := os.Getenv(env); v != "" {
		*p = v
	}
}

func parseAccount(name, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("--%s: invalid address %q", name, s)
	}
	return common.HexToAddress(s), nil
}
