package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fwdslsh/dispatch-sub014/internal/config"
	"github.com/fwdslsh/dispatch-sub014/internal/realtime"
	"github.com/fwdslsh/dispatch-sub014/internal/recorder"
	"github.com/fwdslsh/dispatch-sub014/internal/router"
	"github.com/fwdslsh/dispatch-sub014/internal/session"
	"github.com/fwdslsh/dispatch-sub014/internal/session/claude"
	"github.com/fwdslsh/dispatch-sub014/internal/session/opencode"
	"github.com/fwdslsh/dispatch-sub014/internal/session/ptyshell"
	"github.com/fwdslsh/dispatch-sub014/internal/store"
	"github.com/fwdslsh/dispatch-sub014/internal/tracing"
	"github.com/fwdslsh/dispatch-sub014/internal/watcher"
	"github.com/fwdslsh/dispatch-sub014/internal/workspace"
)

var (
	version = "dev"
	cfgFile string
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:     "dispatch-server",
	Short:   "Session server with durable event logs and reconnectable streams",
	Version: version,
	RunE:    run,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/dispatch/config.yaml)")
	rootCmd.Flags().String("addr", "", "listen address")
	rootCmd.Flags().String("data-dir", "", "directory for the event database")
	rootCmd.Flags().String("static-dir", "", "frontend bundle to serve at /")
	rootCmd.Flags().Int("max-sessions", 0, "maximum concurrent sessions (0 = unlimited)")
	rootCmd.Flags().String("log-level", "", "log level (debug, info, warn, error)")

	_ = viper.BindPFlag("addr", rootCmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("data_dir", rootCmd.Flags().Lookup("data-dir"))
	_ = viper.BindPFlag("static_dir", rootCmd.Flags().Lookup("static-dir"))
	_ = viper.BindPFlag("max_sessions", rootCmd.Flags().Lookup("max-sessions"))
	_ = viper.BindPFlag("log_level", rootCmd.Flags().Lookup("log-level"))
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("addr", defaults.Addr)
	viper.SetDefault("data_dir", defaults.DataDir)
	viper.SetDefault("static_dir", defaults.StaticDir)
	viper.SetDefault("max_sessions", defaults.MaxSessions)
	viper.SetDefault("log_level", defaults.LogLevel)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
	viper.SetDefault("tracing.service_name", defaults.Tracing.ServiceName)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, _ := os.UserHomeDir()
		viper.AddConfigPath(filepath.Join(home, ".config", "dispatch"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("DISPATCH")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "read config: %v\n", err)
		}
	}

	_ = viper.Unmarshal(&cfg)
}

func run(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	setupLogging(cfg.LogLevel)

	provider, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	db, err := store.NewDB(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	rec := recorder.New(store.NewSQLiteStore(db))
	rt := router.New()
	index := workspace.NewIndex(db)

	manager := session.NewManager(rec, rt, index, cfg.MaxSessions)
	manager.Register(&ptyshell.Adapter{Shell: cfg.Shell})
	manager.Register(&claude.Adapter{Command: cfg.ClaudeCommand})
	manager.Register(&opencode.Adapter{Command: cfg.OpencodeCommand})

	// The watcher and realtime server reference each other; the callback
	// closes over the server variable assigned just below.
	var srv *realtime.Server
	watch := watcher.New(func(sessionID, workspacePath string, changeCount int) {
		if srv != nil {
			srv.OnWorkspaceChange(sessionID, workspacePath, changeCount)
		}
	})
	srv = realtime.New(manager, rec, index, watch, cfg.StaticDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv.Run(ctx)

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv.Handler(),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		slog.Info("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown", "error", err)
		}
		watch.Shutdown()
		if err := manager.Shutdown(shutdownCtx); err != nil {
			slog.Warn("manager shutdown", "error", err)
		}
		cancel()
		if err := db.Close(); err != nil {
			slog.Warn("close database", "error", err)
		}
		if err := provider.Shutdown(shutdownCtx); err != nil {
			slog.Warn("tracing shutdown", "error", err)
		}
	}()

	slog.Info("server listening",
		"addr", cfg.Addr,
		"database", cfg.DatabasePath(),
		"session_types", manager.Kinds())
	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
