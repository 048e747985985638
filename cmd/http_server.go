package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vitrinehub/billing-engine/internal"
	"github.com/vitrinehub/billing-engine/internal/core/events"
	coregateway "github.com/vitrinehub/billing-engine/internal/core/gateway"
	"github.com/vitrinehub/billing-engine/internal/dunning"
	dunningpg "github.com/vitrinehub/billing-engine/internal/dunning/postgres"
	"github.com/vitrinehub/billing-engine/internal/gateway"
	"github.com/vitrinehub/billing-engine/internal/intent"
	intentpg "github.com/vitrinehub/billing-engine/internal/intent/postgres"
	"github.com/vitrinehub/billing-engine/internal/merchant"
	merchantpg "github.com/vitrinehub/billing-engine/internal/merchant/postgres"
	"github.com/vitrinehub/billing-engine/internal/transport"
	"github.com/vitrinehub/billing-engine/internal/transport/rest"
	"github.com/vitrinehub/billing-engine/pkg/logger"

	"github.com/go-chi/chi"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var httpServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start HTTP server",
	Long:  `Start the HTTP server to handle checkout and billing API requests`,
	Run: func(cmd *cobra.Command, args []string) {
		startHTTPServer()
	},
}

type Dependencies struct {
	Config *internal.Config
	DB     *sqlx.DB
	GormDB *gorm.DB
	Router *chi.Mux
	Logger *slog.Logger

	IntentHandler  *intent.Handler
	WebhookHandler *intent.WebhookHandler
	DunningHandler *dunning.Handler
	Scheduler      *dunning.Scheduler
}

func startHTTPServer() {
	deps, err := initializeDependencies()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}

	rest.RegisterAllRoutes(deps.Router, deps.DB.DB, deps.IntentHandler, deps.WebhookHandler, deps.DunningHandler, deps.Logger)

	addr := fmt.Sprintf(":%d", deps.Config.Server.Port)
	deps.Logger.Info("starting HTTP server", "address", addr)

	server := &http.Server{
		Addr:         addr,
		Handler:      deps.Router,
		ReadTimeout:  deps.Config.Server.ReadTimeout,
		WriteTimeout: deps.Config.Server.WriteTimeout,
		IdleTimeout:  deps.Config.Server.IdleTimeout,
	}

	// Signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- server.ListenAndServe()
	}()

	select {
	case sig := <-sigChan:
		deps.Logger.Info("received signal, shutting down...", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			deps.Logger.Error("server shutdown error", "error", err)
		}
		if err := deps.DB.Close(); err != nil {
			deps.Logger.Error("database close error", "error", err)
		}
	case err := <-serverErrChan:
		if err != nil && err != http.ErrServerClosed {
			deps.Logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}

	deps.Logger.Info("server stopped")
}

func initializeDependencies() (*Dependencies, error) {
	config, err := loadConfig(".")
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.Init(os.Getenv("APP_ENV"))
	log := logger.LoggerWrapper()

	db, err := initDB(config.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// gorm shares the sqlx pool instead of opening a second one
	gormDB, err := gorm.Open(gormpostgres.New(gormpostgres.Config{Conn: db.DB}), &gorm.Config{
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize orm: %w", err)
	}

	eventBus := events.NewEventBus(log)
	baseHandler := transport.NewBaseHandler(log)

	merchantService := merchant.NewService(merchantpg.NewMerchantRepository(gormDB), log)

	instantTransfer := gateway.NewInstantTransferAdapter(gateway.InstantTransferConfig{
		BaseURL: config.Gateway.InstantTransferURL,
		Timeout: config.Gateway.RequestTimeout,
	}, log)
	bankSlip := gateway.NewBankSlipAdapter(gateway.BankSlipConfig{
		BaseURL: config.Gateway.BankSlipURL,
		Timeout: config.Gateway.RequestTimeout,
	}, log)
	card := gateway.NewCardAdapter(gateway.CardConfig{
		BaseURL: config.Gateway.CardURL,
		Timeout: config.Gateway.RequestTimeout,
	}, log)
	registry := gateway.NewRegistry(instantTransfer, bankSlip, card)

	intentService := intent.NewService(
		intentpg.NewIntentRepository(gormDB),
		adapterRegistry{registry},
		merchantService,
		eventBus,
		intent.ServiceConfig{
			InstantTransferExpiry: config.Gateway.InstantTransferExpiry,
			BankSlipBusinessDays:  config.Gateway.BankSlipBusinessDays,
		},
		log,
	)
	watcher := intent.NewWatcher(intentService, intent.WatcherConfig{}, log)

	scheduler := dunning.NewScheduler(
		dunningpg.NewSubscriptionRepository(gormDB),
		card,
		merchantService,
		eventBus,
		newRunLock(config, log),
		dunning.Policy{
			MaxRetries:      config.Dunning.MaxRetries,
			GracePeriodDays: config.Dunning.GracePeriodDays,
			Schedule:        config.Dunning.RetrySchedule,
		},
		config.Dunning.BatchWorkers,
		log,
	)

	intent.NewEventHandler(&orderConfirmationLog{logger: log}, log).RegisterEventHandlers(eventBus)

	return &Dependencies{
		Config:         config,
		Logger:         log,
		DB:             db,
		GormDB:         gormDB,
		Router:         chi.NewRouter(),
		IntentHandler:  intent.NewHandler(baseHandler, intentService, watcher, log),
		WebhookHandler: intent.NewWebhookHandler(baseHandler, intentService, merchantService, log),
		DunningHandler: dunning.NewHandler(baseHandler, scheduler, log),
		Scheduler:      scheduler,
	}, nil
}

func newRunLock(config *internal.Config, log *slog.Logger) dunning.RunLock {
	if config.Redis.URL == "" {
		return dunning.NoopRunLock{}
	}
	opts, err := redis.ParseURL(config.Redis.URL)
	if err != nil {
		log.Warn("invalid redis url, dunning runs without a distributed lock", "error", err)
		return dunning.NoopRunLock{}
	}
	return dunning.NewRedisRunLock(redis.NewClient(opts), config.Dunning.RunLockTTL)
}

// adapterRegistry narrows the gateway registry to the slice of the adapter
// surface the intent service depends on.
type adapterRegistry struct {
	registry *gateway.Registry
}

func (a adapterRegistry) For(kind coregateway.Kind) (intent.Adapter, error) {
	adapter, err := a.registry.For(kind)
	if err != nil {
		return nil, err
	}
	return adapter, nil
}

// orderConfirmationLog stands in for the storefront's order service, which
// consumes intent.approved from the bus in production deployments.
type orderConfirmationLog struct {
	logger *slog.Logger
}

func (o *orderConfirmationLog) ConfirmOrder(_ context.Context, orderID string) error {
	o.logger.Info("order confirmed", "order_id", orderID)
	return nil
}

// initDB initializes the database connection
func initDB(cfg internal.DatabaseConfig) (*sqlx.DB, error) {
	const driver = "pgx"

	dbConn, err := sqlx.Connect(driver, cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to open db connection: %w", err)
	}

	dbConn.SetMaxIdleConns(cfg.MaxIdleConns)
	dbConn.SetMaxOpenConns(cfg.MaxOpenConns)
	dbConn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	dbConn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	// verify connection; close underlying *sql.DB on failure
	if err := dbConn.Ping(); err != nil {
		_ = dbConn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return dbConn, nil
}
