package main

import (
	"context"
	"fmt"
	"io"
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
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/radportal/radportal/internal/config"
	"github.com/radportal/radportal/internal/domain/identity"
	"github.com/radportal/radportal/internal/domain/patient"
	"github.com/radportal/radportal/internal/domain/report"
	"github.com/radportal/radportal/internal/platform/auth"
	"github.com/radportal/radportal/internal/platform/db"
	"github.com/radportal/radportal/internal/platform/inference"
	"github.com/radportal/radportal/internal/platform/middleware"
	"github.com/radportal/radportal/internal/platform/telemetry"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "radportal-server",
		Short: "Radiology report portal API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(userCmd())

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

func openPool(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
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

			ctx := context.Background()
			_, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, dir).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			_, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, dir).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

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
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

// userCmd creates accounts from the command line. It is the only way to
// create an admin, since self-registration always yields a radiologist.
func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage clinician accounts",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a clinician account",
		RunE: func(cmd *cobra.Command, args []string) error {
			email, _ := cmd.Flags().GetString("email")
			name, _ := cmd.Flags().GetString("name")
			role, _ := cmd.Flags().GetString("role")
			password := os.Getenv("RADPORTAL_USER_PASSWORD")
			if password == "" {
				return fmt.Errorf("set RADPORTAL_USER_PASSWORD to the new account's password")
			}

			ctx := context.Background()
			cfg, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			svc := identity.NewService(identity.NewUserRepoPG(pool), auth.NewTokenIssuer(jwtConfig(cfg)), newLogger(cfg))
			u, err := svc.CreateUser(ctx, identity.RegisterInput{Email: email, Password: password, FullName: name, Role: role})
			if err != nil {
				return err
			}
			fmt.Printf("Created %s %s (%s)\n", u.Role, u.Email, u.ID)
			return nil
		},
	}
	createCmd.Flags().String("email", "", "Account email")
	createCmd.Flags().String("name", "", "Full name")
	createCmd.Flags().String("role", auth.RoleRadiologist, "radiologist or admin")
	cmd.AddCommand(createCmd)

	return cmd
}

// newLogger writes JSON to stdout (console output in development) and, when
// LOG_FILE is set, also to a size-rotated file.
func newLogger(cfg *config.Config) zerolog.Logger {
	var out io.Writer = os.Stdout
	if cfg.IsDev() {
		out = zerolog.ConsoleWriter{Out: os.Stdout}
	}
	if cfg.LogFile != "" {
		out = zerolog.MultiLevelWriter(out, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogFileMaxSizeMB,
			MaxBackups: cfg.LogFileMaxBackups,
			MaxAge:     cfg.LogFileMaxAgeDays,
			Compress:   true,
		})
	}
	logger := zerolog.New(out).With().Timestamp().Str("service", "radportal").Logger()
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func jwtConfig(cfg *config.Config) auth.JWTConfig {
	return auth.JWTConfig{
		Issuer:     cfg.JWTIssuer,
		SigningKey: cfg.SigningKey(),
		TTL:        cfg.JWTTTL,
	}
}

// clinicianAuth requires a bearer token unless dev auth was explicitly
// enabled for a development environment.
func clinicianAuth(cfg *config.Config) echo.MiddlewareFunc {
	if cfg.DevAuthEnabled() {
		return auth.DevAuthMiddleware(jwtConfig(cfg))
	}
	return auth.JWTMiddleware(jwtConfig(cfg))
}

// buildProviders picks the analysis and chat back ends named in the config.
func buildProviders(cfg *config.Config, logger zerolog.Logger) report.Providers {
	p := report.Providers{Segmenter: inference.NewAnatomicalSegmenter()}

	switch cfg.AnalysisProvider {
	case "remote":
		p.Analyzer = inference.NewRemoteAnalyzer(cfg.AnalysisURL, logger)
	default:
		p.Analyzer = inference.NewMockAnalyzer(cfg.AnalysisSeed)
	}

	switch cfg.ChatProvider {
	case "gemini":
		p.Answerer = inference.NewGeminiAnswerer(inference.GeminiConfig{
			BaseURL: cfg.GeminiBaseURL,
			APIKey:  cfg.GeminiAPIKey,
			Model:   cfg.GeminiModel,
		}, logger)
	default:
		p.Answerer = inference.NewExtractiveAnswerer()
	}
	return p
}

// publicLimitStore shares the token-surface budget across instances through
// redis when one is configured.
func publicLimitStore(cfg *config.Config, rdb *redis.Client) middleware.LimitStore {
	if rdb != nil {
		return middleware.NewRedisStore(rdb, "radportal:ratelimit:", cfg.PublicRateLimitPerMinute, time.Minute)
	}
	return middleware.NewMemoryStore(middleware.PerMinute(cfg.PublicRateLimitPerMinute))
}

func healthHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version,
	})
}

// newServer wires repositories, services and routes. rdb may be nil.
func newServer(cfg *config.Config, logger zerolog.Logger, pool *pgxpool.Pool, rdb *redis.Client) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	var metrics *telemetry.Metrics
	if cfg.MetricsEnabled {
		metrics = telemetry.NewMetrics("radportal")
		metrics.RegisterPool(pool)
	}

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	if metrics != nil {
		e.Use(metrics.Middleware())
	}
	e.Use(middleware.SecurityHeaders(cfg.TLSEnabled))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders:  []string{"Authorization", "Content-Type", "If-Match", middleware.RequestIDHeader},
		ExposeHeaders: []string{"ETag", "Content-Disposition", middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit("1M", cfg.MaxUploadSize))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	e.GET("/health", healthHandler)
	e.GET("/health/db", db.HealthHandler(pool, rdb))
	if metrics != nil {
		e.GET("/metrics", metrics.Handler())
	}

	// Rate limiting middleware
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	api := e.Group("/api", middleware.RateLimit(rateLimitCfg))
	api.GET("/health", healthHandler)

	// Clinician routes need a bearer token; the public token routes must not.
	clinical := api.Group("", clinicianAuth(cfg))
	public := api.Group("/public", middleware.PublicRateLimit(publicLimitStore(cfg, rdb), logger))

	// Identity
	identitySvc := identity.NewService(identity.NewUserRepoPG(pool), auth.NewTokenIssuer(jwtConfig(cfg)), logger)
	identityHandler := identity.NewHandler(identitySvc)
	identityHandler.RegisterPublicRoutes(api)
	identityHandler.RegisterRoutes(clinical)

	// Reports
	reportSvc := report.NewService(report.NewReportRepoPG(pool), db.NewTxRunner(pool), buildProviders(cfg, logger), logger)
	reportSvc.SetGuard(inference.Guard{Timeout: cfg.ProviderTimeout, Retries: cfg.ProviderRetries})
	reportSvc.SetEnforceOwnership(cfg.EnforceReportOwnership)
	if metrics != nil {
		reportSvc.SetObserver(metrics)
	}

	// Patients
	patientSvc := patient.NewService(patient.NewPatientRepoPG(pool), reportSvc, logger)
	reportSvc.SetPatientDirectory(patientSvc)

	reportHandler := report.NewHandler(reportSvc)
	reportHandler.RegisterRoutes(clinical)
	reportHandler.RegisterPublicRoutes(public)
	patient.NewHandler(patientSvc).RegisterRoutes(clinical)

	return e
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = db.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rdb.Close()
		logger.Info().Msg("connected to redis")
	}

	e := newServer(cfg, logger, pool, rdb)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled).
			Str("analysis", cfg.AnalysisProvider).Str("chat", cfg.ChatProvider).
			Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
