package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chama-platform/internal/auth"
	"chama-platform/internal/config"
	"chama-platform/internal/fees"
	"chama-platform/internal/httpapi"
	"chama-platform/internal/ledger"
	"chama-platform/internal/notify"
	"chama-platform/internal/payout"
	"chama-platform/internal/settlement"
	"chama-platform/internal/transfer"
	"chama-platform/internal/wallet"
	"chama-platform/pkg/logger"
	"chama-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	dispatcher, err := payout.NewHTTPDispatcher(cfg.Payments)
	if err != nil {
		log.Error("payout dispatcher init failed", "err", err)
		os.Exit(1)
	}

	store := wallet.NewPostgresStore(db)
	ledgerWriter := ledger.NewWriter(ledger.NewPostgresRepo(db))
	txRepo := transfer.NewPostgresTransactionRepo(db)
	emitter := notify.NewRedisEmitter(rdb, "notifications")
	feePolicy := fees.Policy{BasisPoints: cfg.Fees.BasisPoints, CapMinor: cfg.Fees.CapMinor}

	engine := transfer.NewEngine(store, ledgerWriter, txRepo, dispatcher, emitter, cfg.Payments.DispatchTimeout)
	reconciler := settlement.NewReconciler(
		settlement.NewPostgresEventRepository(db),
		txRepo,
		store,
		ledgerWriter,
		settlement.NewPostgresOwnershipRepository(db),
		emitter,
		feePolicy,
		cfg.Fees.PurchaseToleranceMinor,
	)

	handlers := httpapi.Handlers{
		Auth:       authManager,
		Engine:     engine,
		Reconciler: reconciler,
		Wallets:    store,
		Ledger:     ledgerWriter,
		FeePolicy:  feePolicy,
		Payments:   cfg.Payments,
		Redis:      rdb,
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, handlers, auth.RequireAccessToken(authManager), func(ctx context.Context) error {
		return utils.HealthCheck(ctx, db, 2*time.Second)
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
}
