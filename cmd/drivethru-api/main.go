package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ordertech/drivethru/backend/internal/auth"
	"github.com/ordertech/drivethru/backend/internal/basket"
	"github.com/ordertech/drivethru/backend/internal/catalog"
	"github.com/ordertech/drivethru/backend/internal/config"
	"github.com/ordertech/drivethru/backend/internal/database"
	"github.com/ordertech/drivethru/backend/internal/discovery"
	"github.com/ordertech/drivethru/backend/internal/logging"
	"github.com/ordertech/drivethru/backend/internal/pairing"
	"github.com/ordertech/drivethru/backend/internal/presence"
	"github.com/ordertech/drivethru/backend/internal/realtime"
	"github.com/ordertech/drivethru/backend/internal/server"
	"github.com/ordertech/drivethru/backend/internal/session"
	"github.com/ordertech/drivethru/backend/internal/signaling"
)

var (
	cfgFile  string
	seedFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "drivethru-api",
		Short: "Drive-thru ordering coordinator",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	seedCmd := &cobra.Command{
		Use:   "seed",
		Short: "Load a catalog fixture into the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(cmd.Context())
		},
	}
	seedCmd.Flags().StringVar(&seedFile, "file", "", "Path to the catalog YAML file")
	if err := seedCmd.MarkFlagRequired("file"); err != nil {
		panic(err)
	}
	rootCmd.AddCommand(seedCmd)

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-encoding", defaults.GetString("log.encoding"), "Log encoding (json, console)")
	cmd.PersistentFlags().String("default-tenant", defaults.GetString("tenant.default_id"), "Tenant used when X-Tenant-ID is absent")
	cmd.PersistentFlags().String("signing-secret", "", "Device token signing secret (overrides env)")
	cmd.PersistentFlags().String("admin-signing-secret", "", "Admin session signing secret; enables the admin API")
	cmd.PersistentFlags().Bool("discovery", defaults.GetBool("discovery.enabled"), "Advertise the service over mDNS")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.encoding", "log-encoding")
	bindFlag(cmd, "tenant.default_id", "default-tenant")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "admin.signing_secret", "admin-signing-secret")
	bindFlag(cmd, "discovery.enabled", "discovery")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runSeed(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogEncoding)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	file, err := os.Open(seedFile)
	if err != nil {
		return err
	}
	defer file.Close()

	stats, err := catalog.Seed(ctx, db, file)
	if err != nil {
		return err
	}
	logger.Info("catalog seeded",
		zap.String("file", seedFile),
		zap.Int("tenants", stats.Tenants),
		zap.Int("categories", stats.Categories),
		zap.Int("products", stats.Products))
	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogEncoding)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	catalogService, err := catalog.NewService(catalog.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	directory, err := catalog.NewDirectory(catalog.DirectoryConfig{
		Database:            db,
		DefaultLicenseLimit: appConfig.DefaultLicenseLimit,
		Logger:              logger,
	})
	if err != nil {
		return err
	}

	deviceTokens, err := auth.NewDeviceTokenIssuer(auth.DeviceTokenIssuerConfig{
		SigningSecret: []byte(appConfig.DeviceSigningSecret),
		Issuer:        appConfig.DeviceIssuer,
		Audience:      appConfig.DeviceAudience,
	})
	if err != nil {
		return err
	}

	var adminValidator server.AdminValidator
	if appConfig.AdminEnabled() {
		validator, validatorErr := auth.NewAdminValidator(auth.AdminValidatorConfig{
			SigningSecret: []byte(appConfig.AdminSigningSecret),
			Issuer:        appConfig.AdminIssuer,
			CookieName:    appConfig.AdminCookieName,
		})
		if validatorErr != nil {
			return validatorErr
		}
		adminValidator = validator
	}

	activation, err := pairing.NewService(pairing.ServiceConfig{
		Store:       pairing.NewMemoryStore(),
		Directory:   directory,
		Tokens:      deviceTokens,
		CodeTTL:     appConfig.CodeTTL,
		RegisterTTL: appConfig.RegisterTTL,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	live := server.NewLiveDispatcher()
	sessions := session.NewStore(session.StoreConfig{})
	hub, err := realtime.NewHub(realtime.Config{
		Store: sessions,
		Engine: basket.NewEngine(basket.EngineConfig{
			TotalScale: appConfig.TotalScale,
			Catalog:    catalogService,
			Logger:     logger,
		}),
		PingInterval:  appConfig.PingInterval,
		SendBuffer:    appConfig.SendBuffer,
		DefaultTenant: appConfig.DefaultTenantID,
		Observer:      live,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	relay := signaling.NewRelay(signaling.Config{
		ValidateSDP: appConfig.ValidateSDP,
		ICEServers: signaling.BuildICEServers(signaling.ICEConfig{
			STUNURLs:       appConfig.STUNURLs,
			TURNURL:        appConfig.TURNURL,
			TURNUsername:   appConfig.TURNUsername,
			TURNCredential: appConfig.TURNCredential,
		}),
		Notifier: hub,
		Logger:   logger,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Hub:           hub,
		Sessions:      sessions,
		Signaling:     relay,
		Presence:      presence.NewRegistry(presence.Config{TTL: appConfig.PresenceTTL}),
		Activation:    activation,
		Catalog:       catalogService,
		Directory:     directory,
		DeviceTokens:  deviceTokens,
		Admin:         adminValidator,
		Live:          live,
		DefaultTenant: appConfig.DefaultTenantID,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go hub.Run(signalCtx)

	if appConfig.DiscoveryEnabled {
		advertiser, advertiseErr := newAdvertiser(appConfig, logger)
		if advertiseErr != nil {
			logger.Warn("mdns advertisement disabled", zap.Error(advertiseErr))
		} else {
			defer advertiser.Shutdown()
		}
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("default_tenant", appConfig.DefaultTenantID),
			zap.Bool("admin_api", appConfig.AdminEnabled()))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newAdvertiser(appConfig config.AppConfig, logger *zap.Logger) (*discovery.Advertiser, error) {
	_, portText, err := net.SplitHostPort(appConfig.HTTPAddress)
	if err != nil {
		return nil, fmt.Errorf("parse http.address: %w", err)
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		return nil, fmt.Errorf("parse http.address port: %w", err)
	}
	advertiser, err := discovery.NewAdvertiser(discovery.Config{
		Instance: appConfig.DiscoveryInstance,
		Port:     port,
		TenantID: appConfig.DefaultTenantID,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	if err := advertiser.Start(); err != nil {
		return nil, err
	}
	return advertiser, nil
}
