package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/MrJamesThe3rd/cobranca/internal/assembler"
	"github.com/MrJamesThe3rd/cobranca/internal/clock"
	"github.com/MrJamesThe3rd/cobranca/internal/config"
	"github.com/MrJamesThe3rd/cobranca/internal/database"
	cobrancaHttp "github.com/MrJamesThe3rd/cobranca/internal/http"
	batchHandler "github.com/MrJamesThe3rd/cobranca/internal/http/batch"
	chargeHandler "github.com/MrJamesThe3rd/cobranca/internal/http/charge"
	reportHandler "github.com/MrJamesThe3rd/cobranca/internal/http/report"
	"github.com/MrJamesThe3rd/cobranca/internal/ledger"
	"github.com/MrJamesThe3rd/cobranca/internal/ledger/memstore"
	ledgerStore "github.com/MrJamesThe3rd/cobranca/internal/ledger/store"
	"github.com/MrJamesThe3rd/cobranca/internal/lock"
	"github.com/MrJamesThe3rd/cobranca/internal/metrics"
	"github.com/MrJamesThe3rd/cobranca/internal/remittance"
	"github.com/MrJamesThe3rd/cobranca/internal/remittance/textfile"
	"github.com/MrJamesThe3rd/cobranca/internal/report"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env", "error", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Init(reg)

	var (
		repo ledger.Repository
		db   *sql.DB
	)

	switch cfg.Storage.Driver {
	case config.StorageMemory:
		logger.Warn("using in-memory storage, data is lost on restart")

		repo = memstore.New()
	default:
		db, err = database.New(ctx, cfg.ConnectionString())
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		defer db.Close()

		store := ledgerStore.New(db)

		if cfg.DB.Migrate {
			if err := store.EnsureSchema(ctx); err != nil {
				return err
			}
		}

		repo = store
	}

	locker, closeLocker, err := newLocker(ctx, cfg, db, logger)
	if err != nil {
		return err
	}
	defer closeLocker()

	codec, err := newCodec(cfg.Remittance.Layout)
	if err != nil {
		return err
	}

	var (
		ledgerService = ledger.NewService(repo,
			ledger.WithClock(clock.System{Location: loc}),
			ledger.WithInstrumentPrefix(cfg.Billing.InstrumentPrefix),
			ledger.WithLogger(logger),
		)
		batchAssembler = assembler.New(ledgerService, locker, assembler.WithLogger(logger))
		exchange       = remittance.NewExchange(ledgerService, remittance.NewRegistry(codec), locker,
			remittance.WithTimeout(cfg.Remittance.Timeout),
			remittance.WithLogger(logger),
		)
		reporter = report.New(ledgerService)
	)

	router := cobrancaHttp.New(
		chargeHandler.NewHandler(ledgerService),
		batchHandler.NewHandler(batchAssembler, exchange, ledgerService),
		reportHandler.NewHandler(reporter),
		cobrancaHttp.Options{
			AllowedOrigins: cfg.CORS.AllowedOrigins,
			JWTSecret:      []byte(cfg.Auth.JWTSecret),
			Gatherer:       reg,
		},
	)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.App.Port),
		Handler:           router,
		ReadHeaderTimeout: cfg.Server.Timeout,
		WriteTimeout:      cfg.Server.Timeout + cfg.Remittance.Timeout,
		IdleTimeout:       2 * cfg.Server.Timeout,
	}

	errCh := make(chan error, 1)

	go func() {
		logger.Info("starting server", "app", cfg.App.Name, "port", srv.Addr, "storage", cfg.Storage.Driver)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

// newLocker prefers Redis, then Postgres advisory locks, then an in-process
// lock for single-instance memory runs.
func newLocker(ctx context.Context, cfg *config.Config, db *sql.DB, logger *slog.Logger) (lock.Locker, func(), error) {
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})

		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("pinging redis: %w", err)
		}

		return lock.NewRedis(rdb, cfg.Redis.LockTTL, logger), func() { rdb.Close() }, nil
	}

	if db != nil {
		return lock.NewPostgres(db, logger), func() {}, nil
	}

	return lock.NewLocal(), func() {}, nil
}

func newCodec(layout string) (remittance.Codec, error) {
	switch layout {
	case textfile.Layout:
		return textfile.New(), nil
	default:
		return nil, fmt.Errorf("unknown REMITTANCE_LAYOUT %q", layout)
	}
}
