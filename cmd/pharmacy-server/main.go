package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/carelink/pharmacy/internal/config"
	"github.com/carelink/pharmacy/internal/domain/catalog"
	"github.com/carelink/pharmacy/internal/domain/order"
	"github.com/carelink/pharmacy/internal/platform/auth"
	"github.com/carelink/pharmacy/internal/platform/db"
	"github.com/carelink/pharmacy/internal/platform/idempotency"
	"github.com/carelink/pharmacy/internal/platform/metrics"
	"github.com/carelink/pharmacy/internal/platform/middleware"
	"github.com/carelink/pharmacy/internal/platform/outbox"
	"github.com/carelink/pharmacy/internal/platform/payment"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "pharmacy-server",
		Short: "Pharmacy order and checkout API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(relayCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func relayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Publish pending outbox events to Kafka",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if !cfg.KafkaEnabled() {
				return fmt.Errorf("KAFKA_BROKERS is required for the relay")
			}
			logger := newLogger(cfg)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			writer := outbox.NewKafkaWriter(cfg.KafkaBrokers)
			defer writer.Close()

			relay := outbox.NewRelay(outbox.NewPGStore(pool, cfg.OrderEventsTopic), writer, db.NewTxManager(pool),
				outbox.RelayConfig{Interval: cfg.RelayInterval, BatchSize: cfg.RelayBatchSize}, logger, metrics.New())
			return relay.Run(ctx)
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			schema := schemaFlag(cmd, cfg)

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Running migrations on schema: %s\n", schema)
			count, err := db.NewMigrator(pool, dir).Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "", "Target schema (defaults to DB_SCHEMA)")
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			schema := schemaFlag(cmd, cfg)

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, dir).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "", "Target schema (defaults to DB_SCHEMA)")
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func schemaFlag(cmd *cobra.Command, cfg *config.Config) string {
	if s, _ := cmd.Flags().GetString("schema"); s != "" {
		return s
	}
	return cfg.DBSchema
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
		Schema:   cfg.DBSchema,
	})
}

// deps are the collaborators the HTTP surface needs. Optional ones are nil
// when their configuration is absent.
type deps struct {
	pool     *pgxpool.Pool
	migrator *db.Migrator
	metrics  *metrics.Metrics
	idem     idempotency.Store
	gateway  payment.Gateway
	verifier *payment.Verifier
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := openPool(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to database")
		return err
	}
	defer pool.Close()
	logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")

	d := deps{
		pool:     pool,
		migrator: db.NewMigrator(pool, "./migrations"),
		metrics:  metrics.New(),
		idem:     idempotency.NopStore{},
	}

	if cfg.RedisEnabled() {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		d.idem = idempotency.NewRedisStore(client, idempotency.DefaultTTL)
		logger.Info().Msg("checkout idempotency keys stored in redis")
	} else {
		logger.Warn().Msg("REDIS_URL not set; Idempotency-Key headers are ignored")
	}

	if cfg.PaymentAPIKey != "" {
		d.gateway = payment.NewClient(payment.ClientConfig{BaseURL: cfg.PaymentAPIURL, APIKey: cfg.PaymentAPIKey}, logger)
	} else {
		logger.Warn().Msg("PAYMENT_API_KEY not set; card checkout is disabled")
	}

	if cfg.PaymentWebhookSecret != "" {
		d.verifier = payment.NewVerifier(cfg.PaymentWebhookSecret, cfg.PaymentWebhookTolerance)
	} else {
		logger.Warn().Msg("PAYMENT_WEBHOOK_SECRET not set; webhook signatures are NOT verified")
	}

	e := newServer(cfg, logger, d)

	if cfg.KafkaEnabled() {
		writer := outbox.NewKafkaWriter(cfg.KafkaBrokers)
		defer writer.Close()
		relay := outbox.NewRelay(outbox.NewPGStore(pool, cfg.OrderEventsTopic), writer, db.NewTxManager(pool),
			outbox.RelayConfig{Interval: cfg.RelayInterval, BatchSize: cfg.RelayBatchSize}, logger, d.metrics)
		go func() {
			if err := relay.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("outbox relay exited")
			}
		}()
	}

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

// newServer builds the Echo instance with the global middleware chain and
// every route registered.
func newServer(cfg *config.Config, logger zerolog.Logger, d deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, idempotency.Header},
	}))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.Metrics(d.metrics))

	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(d.pool, d.migrator, cfg.DBSchema))
	e.GET("/metrics", echo.WrapHandler(d.metrics.Handler()))

	api := e.Group("/api/v1")

	products := catalog.NewProductRepoPG(d.pool)
	ledger := catalog.NewStockLedgerPG(d.pool)
	catalog.NewHandler(catalog.NewService(products, ledger, logger)).RegisterRoutes(api)

	orderSvc := order.NewService(order.Deps{
		Orders:   order.NewOrderRepoPG(d.pool),
		Ledger:   ledger,
		Tx:       db.NewTxManager(d.pool),
		Numberer: order.NewSequenceNumberer(d.pool),
		Gateway:  d.gateway,
		Events:   outbox.NewPGStore(d.pool, cfg.OrderEventsTopic),
		Metrics:  d.metrics,
		Logger:   logger,
		Config: order.CheckoutConfig{
			Currency:   cfg.PaymentCurrency,
			SuccessURL: cfg.CheckoutSuccessURL,
			CancelURL:  cfg.CheckoutCancelURL,
		},
	})
	order.NewHandler(orderSvc, d.idem, d.verifier, logger).RegisterRoutes(api)

	return e
}
