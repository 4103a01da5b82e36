package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/hermes-inc/hermes/internal/application/control"
	"github.com/hermes-inc/hermes/internal/application/mediator"
	"github.com/hermes-inc/hermes/internal/infrastructure/auth"
	"github.com/hermes-inc/hermes/internal/infrastructure/cache"
	"github.com/hermes-inc/hermes/internal/infrastructure/config"
	"github.com/hermes-inc/hermes/internal/infrastructure/database"
	"github.com/hermes-inc/hermes/internal/infrastructure/migration"
	"github.com/hermes-inc/hermes/internal/infrastructure/notification"
	"github.com/hermes-inc/hermes/internal/infrastructure/push"
	"github.com/hermes-inc/hermes/internal/infrastructure/repository"
	"github.com/hermes-inc/hermes/internal/infrastructure/stream"
	httpRouter "github.com/hermes-inc/hermes/internal/interfaces/http"
	"github.com/hermes-inc/hermes/internal/shared/envelope"
	"github.com/hermes-inc/hermes/internal/shared/logger"
)

var (
	env         string
	autoMigrate bool
)

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the mediator server",
		Long:  `Start the Hermes mediator with the specified configuration.`,
		RunE:  run,
	}

	cmd.Flags().StringVarP(&env, "env", "e", "development", "Environment (development, test, production)")
	cmd.Flags().BoolVar(&autoMigrate, "auto-migrate", false, "Run database migrations on startup")

	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	if envVar := os.Getenv("ENV"); envVar != "" {
		env = envVar
	}

	cfg, err := config.Load(env)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg.Server.Mode = mapEnvToGinMode(env)

	if err := logger.Init(&cfg.Logger); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	log := logger.NewLogger()

	log.Infow("starting mediator",
		"environment", env,
		"auto-migrate", autoMigrate)

	gin.SetMode(cfg.Server.Mode)
	gin.DefaultWriter = io.Discard
	gin.DebugPrintRouteFunc = func(httpMethod, absolutePath, handlerName string, nuHandlers int) {
	}

	keys, err := mediatorKeys(cfg)
	if err != nil {
		return err
	}
	log.Infow("mediator identity loaded", "did", keys.DID(), "verkey", keys.VerkeyB58)

	if err := database.Init(&cfg.Database); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	if autoMigrate {
		if env == "production" {
			log.Warnw("auto-migration is enabled in production")
		}
		if err := migration.NewManager(database.Get(), log).Run(); err != nil {
			return fmt.Errorf("auto-migration failed: %w", err)
		}
	}

	pool := stream.NewPool(cfg.Stream.ShardAddrs(), cfg.Stream.Password, log)
	defer pool.Close()

	kv := cache.New(cfg.Cache.Address, cfg.Cache.TTLSeconds, log)

	registryRepo := repository.NewRegistryRepository(database.Get(), kv, log)
	pairwiseRepo := repository.NewPairwiseRepository(database.Get(), log)
	userRepo := repository.NewUserRepository(database.Get(), auth.NewPasswordHasher(cfg.Admin.BcryptCost), log)
	backupRepo := repository.NewBackupRepository(database.Get(), log)
	kvRepo := repository.NewKVRepository(database.Get(), log)

	engine := push.NewEngine(pool, registryRepo,
		time.Duration(cfg.Push.TTLSeconds)*time.Second, cfg.Push.ReverseEqualForward, log)
	fcmSender, err := push.NewFCMSender(cfg.FCM.APIKey, pool, log)
	if err != nil {
		return fmt.Errorf("failed to initialize FCM: %w", err)
	}

	pickups := mediator.NewPickupRegistry()
	router := mediator.NewRouter(keys, registryRepo, pool, engine, fcmSender, pickups, log)

	email := notification.NewEmailSender(notification.EmailConfig{
		Host:     cfg.Email.SMTPHost,
		Port:     cfg.Email.SMTPPort,
		Username: cfg.Email.SMTPUser,
		Password: cfg.Email.SMTPPassword,
		From:     cfg.Email.FromAddress,
	}, log)
	if email.Enabled() {
		router.SetAlert(func(subject, body string) {
			to, _ := registryRepo.GetSetting(context.Background(), "operator_email")
			addr, ok := to.(string)
			if !ok || addr == "" {
				return
			}
			if err := email.Send(addr, subject, body); err != nil {
				log.Warnw("operator alert email failed", "error", err)
			}
		})
	}

	service := &mediator.Service{
		Keys:      keys,
		Registry:  registryRepo,
		Pairwises: pairwiseRepo,
		Router:    router,
		Bus:       mediator.NewBus(pool, log),
		Pickups:   pickups,
		Pool:      pool,
		Engine:    engine,
		Label:     cfg.Mediator.Label,
		PublicURL: cfg.Server.Webroot,
		Log:       log,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	plane := control.NewPlane(pool, log)
	plane.On(control.EventReload, func(ctx context.Context, ev control.Event) {
		log.Infow("settings reload requested", "marker", ev.Marker)
	})
	if err := plane.Start(ctx); err != nil {
		log.Warnw("control plane unavailable", "error", err)
	}
	defer plane.Stop()

	ginEngine := gin.New()
	ginEngine.Use(gin.Recovery())

	httpRouter.NewRouter(httpRouter.Deps{
		Service:   service,
		Users:     userRepo,
		Backups:   backupRepo,
		KV:        kvRepo,
		JWT:       auth.NewJWTManager(cfg.Admin.JWTSecret, time.Duration(cfg.Admin.AccessExpMinutes)*time.Minute),
		Control:   plane,
		Email:     email,
		DB:        database.Get(),
		Cache:     kv,
		Pool:      pool,
		StartedAt: time.Now(),
		Log:       log,
	}).Setup(ginEngine, cfg.Mediator.EndpointsPathPrefix)

	srv := &http.Server{
		Addr:         cfg.Server.GetAddr(),
		Handler:      ginEngine,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // websocket and SSE connections stay open
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Infow("server starting",
			"address", cfg.Server.GetAddr(),
			"mode", cfg.Server.Mode,
			"public_url", cfg.Server.Webroot)

		var err error
		if cfg.Server.TLSCert != "" && cfg.Server.TLSKey != "" {
			err = srv.ListenAndServeTLS(cfg.Server.TLSCert, cfg.Server.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal("failed to start server", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Infow("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("server forced to shutdown", "error", err)
		return err
	}

	log.Infow("server exited gracefully")
	return nil
}

// mediatorKeys derives the stable identity keypair from the configured
// 32-byte seed.
func mediatorKeys(cfg *config.Config) (*envelope.KeyPair, error) {
	seed := cfg.Mediator.Seed
	if seed == "" {
		return nil, fmt.Errorf("mediator.seed is required; the mediator identity must survive restarts")
	}
	if len(seed) != 32 {
		return nil, fmt.Errorf("mediator.seed must be exactly 32 characters, got %d", len(seed))
	}
	return envelope.KeyPairFromSeed([]byte(seed))
}

func mapEnvToGinMode(environment string) string {
	switch environment {
	case "production", "prod", "release":
		return "release"
	case "test", "testing":
		return "test"
	default:
		return "debug"
	}
}
