package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"

	"github.com/clinicflow/queue/internal/config"
	"github.com/clinicflow/queue/internal/domain/confirmation"
	"github.com/clinicflow/queue/internal/domain/forcemajeure"
	"github.com/clinicflow/queue/internal/domain/queue"
	"github.com/clinicflow/queue/internal/domain/visit"
	"github.com/clinicflow/queue/internal/platform/auth"
	"github.com/clinicflow/queue/internal/platform/db"
	"github.com/clinicflow/queue/internal/platform/middleware"
	"github.com/clinicflow/queue/internal/platform/scheduler"
	"github.com/clinicflow/queue/migrations"
)

const version = "0.1.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "clinic-server",
		Short: "Same-day clinic queue API server",
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(tenantCmd())
	root.AddCommand(jobsCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the queue API server and its scheduled jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// withPool loads configuration and hands fn a connected pool.
func withPool(fn func(ctx context.Context, pool *pgxpool.Pool) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, pool)
}

func tenantSchema(cmd *cobra.Command) (string, error) {
	tenant, _ := cmd.Flags().GetString("tenant")
	return db.SchemaName(tenant)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or inspect schema migrations for one clinic",
	}
	cmd.PersistentFlags().String("tenant", "default", "Clinic tenant")

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := tenantSchema(cmd)
			if err != nil {
				return err
			}
			return withPool(func(ctx context.Context, pool *pgxpool.Pool) error {
				n, err := db.NewMigrator(pool, migrations.FS).Up(ctx, schema)
				if err != nil {
					return err
				}
				cmd.Printf("%s: %d migration(s) applied\n", schema, n)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List migrations and when they were applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := tenantSchema(cmd)
			if err != nil {
				return err
			}
			return withPool(func(ctx context.Context, pool *pgxpool.Pool) error {
				list, err := db.NewMigrator(pool, migrations.FS).Status(ctx, schema)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "VERSION\tFILE\tAPPLIED")
				for _, m := range list {
					applied := "pending"
					if m.AppliedAt != nil {
						applied = m.AppliedAt.Local().Format(time.DateTime)
					}
					fmt.Fprintf(w, "%d\t%s\t%s\n", m.Version, m.Name, applied)
				}
				return w.Flush()
			})
		},
	})
	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage clinic tenants",
	}
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a clinic schema and migrate it",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			return withPool(func(ctx context.Context, pool *pgxpool.Pool) error {
				if err := db.CreateTenantSchema(ctx, pool, name, migrations.FS); err != nil {
					return err
				}
				cmd.Printf("clinic %q ready\n", name)
				return nil
			})
		},
	}
	create.Flags().String("name", "", "Tenant identifier (letters, digits, underscore)")
	_ = create.MarkFlagRequired("name")
	cmd.AddCommand(create)
	return cmd
}

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Run a scheduled job once",
	}
	for _, name := range []string{jobMorningAssignment, jobCleanupTokens, jobPurgeQueues} {
		run := &cobra.Command{
			Use:   name,
			Short: "Run the " + name + " job now",
			RunE: func(cmd *cobra.Command, args []string) error {
				tenant, _ := cmd.Flags().GetString("tenant")
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				logger := newLogger(cfg.Env)
				ctx := context.Background()
				a, err := newApp(ctx, cfg, logger)
				if err != nil {
					return err
				}
				defer a.close()

				runner := scheduler.NewRunner(a.loc, logger)
				for _, job := range a.jobs(tenant) {
					// Register skips jobs with an empty schedule; RunNow needs them all.
					if job.Spec == "" {
						job.Spec = "@yearly"
					}
					if err := runner.Register(job); err != nil {
						return err
					}
				}
				return runner.RunNow(ctx, name)
			},
		}
		run.Flags().String("tenant", "default", "Clinic tenant to run against")
		cmd.AddCommand(run)
	}
	return cmd
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)

	ctx := context.Background()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start")
	}
	defer a.close()
	logger.Info().Str("timezone", a.loc.String()).Msg("connected to database")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.BodyLimit("64K"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
	}))

	jwtCfg := auth.JWTConfig{
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
		JWKSURL:  cfg.AuthJWKSURL,
	}
	if cfg.AuthSigningKey != "" {
		jwtCfg.SigningKey = []byte(cfg.AuthSigningKey)
	}
	authMW := auth.JWTMiddleware(jwtCfg)
	if cfg.IsDev() {
		authMW = auth.DevAuthMiddleware(jwtCfg)
	}

	throttle := func(scope string) echo.MiddlewareFunc {
		return middleware.Throttle(a.throttle, middleware.ThrottleConfig{
			Limit:  cfg.RateLimitRequests,
			Window: cfg.RateLimitWindow,
			Scope:  scope,
		})
	}
	tenantMW := db.TenantMiddleware(a.pool, cfg.DefaultTenant)

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(a.pool))

	// Staff API requires a token; the public API is reached from QR codes and
	// confirmation links and relies on capability tokens instead.
	apiV1 := e.Group("/api/v1", throttle("api"), authMW, tenantMW)
	public := e.Group("/api/v1/public", throttle("public"), tenantMW)

	queue.NewHandler(a.queues, a.join).RegisterRoutes(apiV1, public)
	visit.NewHandler(a.visits).RegisterRoutes(apiV1, public)
	confirmation.NewHandler(a.gate).RegisterRoutes(apiV1)
	forcemajeure.NewHandler(a.fm).RegisterRoutes(apiV1)

	// Scheduled jobs
	runner := scheduler.NewRunner(a.loc, logger)
	for _, job := range a.jobs(cfg.DefaultTenant) {
		if err := runner.Register(job); err != nil {
			logger.Fatal().Err(err).Msg("failed to schedule job")
		}
	}
	runner.Start()

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	if err := runner.Stop(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("scheduler did not stop in time")
	}
	logger.Info().Msg("server stopped")
	return nil
}
