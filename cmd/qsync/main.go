// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/autobrr/qsync/internal/api"
	"github.com/autobrr/qsync/internal/buildinfo"
	"github.com/autobrr/qsync/internal/config"
	"github.com/autobrr/qsync/internal/database"
	"github.com/autobrr/qsync/internal/domain"
	"github.com/autobrr/qsync/internal/metrics"
	"github.com/autobrr/qsync/internal/models"
	"github.com/autobrr/qsync/internal/qbittorrent"
)

func main() {
	config.InitDefaultLogger(buildinfo.Version)

	var rootCmd = &cobra.Command{
		Use:   "qsync",
		Short: "Live synchronised views of qBittorrent instances",
		Long: `qsync - keeps an incrementally synchronised, indexed copy of one or more
qBittorrent daemons and serves filtered, sorted and paged reads over HTTP.`,
	}

	rootCmd.Version = buildinfo.Version

	rootCmd.AddCommand(RunServeCommand())
	rootCmd.AddCommand(RunVersionCommand())
	rootCmd.AddCommand(RunGenerateConfigCommand())
	rootCmd.AddCommand(RunHashPasswordCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func RunServeCommand() *cobra.Command {
	var (
		configDir string
		dataDir   string
		logPath   string
		pprofFlag bool
	)

	var command = &cobra.Command{
		Use:   "serve",
		Short: "Start the server",
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory or .toml file path (default is OS-specific: ~/.config/qsync/ or %APPDATA%\\qsync\\)")
	command.Flags().StringVar(&dataDir, "data-dir", "", "data directory for the database (default is next to config file)")
	command.Flags().StringVar(&logPath, "log-path", "", "log file path (default is stdout)")
	command.Flags().BoolVar(&pprofFlag, "pprof", false, "expose pprof handlers under /debug/pprof")

	command.Run = func(cmd *cobra.Command, args []string) {
		app := NewApplication(configDir, dataDir, logPath, pprofFlag)
		app.runServer()
	}

	return command
}

func RunVersionCommand() *cobra.Command {
	var asJSON bool

	var command = &cobra.Command{
		Use:   "version",
		Short: "Print the version of qsync",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !asJSON {
				cmd.Print(buildinfo.String())
				return nil
			}

			out, err := buildinfo.JSON()
			if err != nil {
				return err
			}
			cmd.Println(string(out))
			return nil
		},
	}

	command.Flags().BoolVar(&asJSON, "json", false, "print build information as JSON")

	return command
}

func RunGenerateConfigCommand() *cobra.Command {
	var configDir string

	command := &cobra.Command{
		Use:   "generate-config",
		Short: "Generate a default configuration file",
		Long: `Generate a default configuration file without starting the server.

If no --config-dir is specified, uses the OS-specific default location:
- Linux/macOS: ~/.config/qsync/config.toml
- Windows: %APPDATA%\qsync\config.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := resolveConfigFile(configDir)

			if _, err := os.Stat(configPath); err == nil {
				cmd.Printf("Configuration file already exists at: %s\n", configPath)
				cmd.Println("Skipping generation to avoid overwriting existing configuration.")
				return nil
			}

			if err := config.WriteDefaultConfig(configPath); err != nil {
				return fmt.Errorf("failed to create configuration file: %w", err)
			}

			cmd.Printf("Configuration file created successfully at: %s\n", configPath)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")

	return command
}

func resolveConfigFile(configDir string) string {
	if configDir == "" {
		return filepath.Join(config.GetDefaultConfigDir(), "config.toml")
	}
	if strings.HasSuffix(strings.ToLower(configDir), ".toml") {
		return configDir
	}
	if info, err := os.Stat(configDir); err == nil && !info.IsDir() {
		return configDir
	}
	return filepath.Join(configDir, "config.toml")
}

// RunHashPasswordCommand prints a bcrypt hash for metricsBasicAuthUsers.
func RunHashPasswordCommand() *cobra.Command {
	var cost int

	command := &cobra.Command{
		Use:   "hash-password",
		Short: "Hash a password for metrics basic auth",
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readPassword("Password: ")
			if err != nil {
				return err
			}
			if password == "" {
				return errors.New("password cannot be empty")
			}

			hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
			if err != nil {
				return errors.Wrap(err, "failed to hash password")
			}

			cmd.Println(string(hash))
			return nil
		},
	}

	command.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost")

	return command
}

func readPassword(prompt string) (string, error) {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprint(os.Stderr, prompt)
		password, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(password), nil
	}

	var password string
	if _, err := fmt.Scanln(&password); err != nil {
		return "", fmt.Errorf("failed to read password from stdin: %w", err)
	}
	return password, nil
}

type Application struct {
	configDir string
	dataDir   string
	logPath   string
	pprofFlag bool
}

func NewApplication(configDir, dataDir, logPath string, pprofFlag bool) *Application {
	return &Application{
		configDir: configDir,
		dataDir:   dataDir,
		logPath:   logPath,
		pprofFlag: pprofFlag,
	}
}

// syncConfigFrom converts the millisecond and second settings of the config file.
func syncConfigFrom(cfg *domain.Config) qbittorrent.SyncConfig {
	return qbittorrent.SyncConfig{
		RefreshInterval:      time.Duration(cfg.RefreshInterval) * time.Millisecond,
		PeerRefreshInterval:  time.Duration(cfg.PeerRefreshInterval) * time.Millisecond,
		FilesRefreshInterval: time.Duration(cfg.FilesRefreshInterval) * time.Millisecond,
		StreamIdleTimeout:    time.Duration(cfg.StreamIdleTimeout) * time.Second,
		Subcategories:        cfg.SubcategoriesEnabled,
	}
}

// seedInstances upserts the [[instances]] entries of the config file by name.
func seedInstances(ctx context.Context, store *models.InstanceStore, seeds []domain.InstanceSeed) {
	for _, seed := range seeds {
		in := models.InstanceInput{
			Name:     seed.Name,
			Host:     seed.Host,
			Username: seed.Username,
			Password: seed.Password,
		}
		if seed.BasicUsername != "" {
			in.BasicUsername = &seed.BasicUsername
			in.BasicPassword = &seed.BasicPassword
		}
		tlsSkipVerify := seed.TLSSkipVerify
		in.TLSSkipVerify = &tlsSkipVerify

		instance, created, err := store.Upsert(ctx, in)
		if err != nil {
			log.Error().Err(err).Str("instanceName", seed.Name).Msg("Failed to seed instance from config")
			continue
		}

		log.Info().
			Int("instanceID", instance.ID).
			Str("instanceName", instance.Name).
			Bool("created", created).
			Msg("Seeded instance from config")
	}
}

func connectActiveInstances(store *models.InstanceStore, clientPool *qbittorrent.ClientPool) {
	listCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	instances, err := store.List(listCtx)
	cancel()

	if err != nil {
		log.Error().Err(err).Msg("Failed to get instances for startup connection")
		return
	}

	for _, instance := range instances {
		if !instance.IsActive {
			log.Debug().
				Int("instanceID", instance.ID).
				Str("instanceName", instance.Name).
				Msg("Skipping startup connection for disabled instance")
			continue
		}

		go func(instanceID int) {
			connCtx, connCancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer connCancel()

			if _, err := clientPool.GetSync(connCtx, instanceID); err != nil {
				log.Debug().Err(err).Int("instanceID", instanceID).Msg("Failed to connect to instance on startup")
			} else {
				log.Debug().Int("instanceID", instanceID).Msg("Successfully connected to instance on startup")
			}
		}(instance.ID)
	}
}

func (app *Application) runServer() {
	cfg, err := config.New(app.configDir, buildinfo.Version)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize configuration")
	}

	// Override with CLI flags if provided
	if app.dataDir != "" {
		os.Setenv("QSYNC__DATA_DIR", app.dataDir)
		cfg.SetDataDir(app.dataDir)
	}
	if app.logPath != "" {
		os.Setenv("QSYNC__LOG_PATH", app.logPath)
		cfg.Config.LogPath = app.logPath
	}
	if app.pprofFlag {
		cfg.Config.PprofEnabled = true
	}

	cfg.ApplyLogConfig()

	log.Info().Str("version", buildinfo.Version).Msg("Starting qsync")

	db, err := database.New(cfg.GetDatabasePath())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	instanceStore, err := models.NewInstanceStore(db, cfg.GetEncryptionKey())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize instance store")
	}
	errorStore := models.NewInstanceErrorStore(db)

	seedCtx, seedCancel := context.WithTimeout(context.Background(), 30*time.Second)
	seedInstances(seedCtx, instanceStore, cfg.Config.Instances)
	seedCancel()

	metricsManager := metrics.NewMetricsManager()

	clientPool, err := qbittorrent.NewClientPool(instanceStore, errorStore, syncConfigFrom(cfg.Config), metricsManager)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize client pool")
	}
	defer clientPool.Close()

	syncManager := qbittorrent.NewSyncManager(clientPool)
	defer syncManager.Close()
	metricsManager.SetSource(syncManager)

	cfg.RegisterReloadListener(func(conf *domain.Config) {
		clientPool.SetSyncConfig(syncConfigFrom(conf))
	})

	go connectActiveInstances(instanceStore, clientPool)

	httpServer := api.NewServer(&api.Dependencies{
		Config:        cfg,
		Version:       buildinfo.Version,
		InstanceStore: instanceStore,
		ClientPool:    clientPool,
		SyncManager:   syncManager,
	})

	errorChannel := make(chan error, 2)
	serverReady := make(chan struct{}, 1)
	go func() {
		if err := httpServer.ListenAndServeReady(serverReady); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorChannel <- err
		}
	}()

	select {
	case <-serverReady:
	case err := <-errorChannel:
		log.Fatal().Err(err).Msg("failed to start HTTP server")
	}

	var metricsServer *metrics.MetricsServer
	if cfg.Config.MetricsEnabled {
		users, err := metrics.ParseBasicAuthUsers(cfg.Config.MetricsBasicAuthUsers)
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid metrics basic auth configuration")
		}

		metricsServer = metrics.NewMetricsServer(
			metricsManager,
			cfg.Config.MetricsHost,
			cfg.Config.MetricsPort,
			users,
		)

		go func() {
			if err := metricsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errorChannel <- err
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigCh:
		log.Info().Msgf("got signal %v, shutting down server", sig.String())
	case err := <-errorChannel:
		log.Error().Err(err).Msg("got unexpected error from server")
		exitCode = 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("got error during graceful http shutdown")
		exitCode = 1
	}

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			log.Error().Err(err).Msg("got error stopping metrics server")
		}
	}

	if exitCode != 0 {
		// deferred closes do not run through os.Exit
		syncManager.Close()
		_ = clientPool.Close()
		_ = db.Close()
		os.Exit(exitCode)
	}
}
