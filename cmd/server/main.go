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

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jadypamella/natively-case/internal/bus"
	"github.com/jadypamella/natively-case/internal/config"
	"github.com/jadypamella/natively-case/internal/logging"
	"github.com/jadypamella/natively-case/internal/producer"
	"github.com/jadypamella/natively-case/internal/scanner"
	"github.com/jadypamella/natively-case/internal/session"
	"github.com/jadypamella/natively-case/internal/store"
	"github.com/jadypamella/natively-case/internal/supervisor"
	"github.com/jadypamella/natively-case/internal/ws"
)

var version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	root := &cobra.Command{
		Use:           "previewd",
		Short:         "Session orchestration and live preview server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "config.yaml", "Path to config file (.yaml or .toml)")
	root.AddCommand(newServeCmd(), newConfigCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "previewd: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

func newServeCmd() *cobra.Command {
	var (
		port     int
		scripted bool
		logLevel string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if port > 0 {
				cfg.Server.Port = port
			}
			if scripted {
				cfg.Producer.Kind = "scripted"
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "Override server port")
	cmd.Flags().BoolVar(&scripted, "mock", false, "Use the scripted producer instead of the configured command")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override log level")
	return cmd
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	b := bus.New(
		bus.WithQueueSize(cfg.Bus.SubscriberQueue),
		bus.WithLogger(logger.With("component", "bus")),
	)
	defer b.Close()

	sup := supervisor.New(supervisor.Options{
		ProbeInterval: cfg.Supervisor.ProbeInterval,
		ProbeAttempts: cfg.Supervisor.ProbeAttempts,
		ProbeTimeout:  cfg.Supervisor.ProbeTimeout,
		StopGrace:     cfg.Supervisor.StopGrace,
		LogDir:        cfg.Supervisor.LogDir,
		Logger:        logger.With("component", "supervisor"),
	})
	launcher := supervisor.NewLauncher(sup, supervisor.LauncherConfig{
		Command:         cfg.Supervisor.Command,
		Host:            cfg.Supervisor.Host,
		PublicHost:      cfg.PreviewHost(),
		KeepUnready:     cfg.Supervisor.KeepUnready,
		MonitorInterval: cfg.Supervisor.MonitorInterval,
		Logger:          logger.With("component", "launcher"),
	})

	sc := scanner.New(scanner.Options{
		EntryFile:    cfg.Scanner.EntryFile,
		MaxSections:  cfg.Scanner.MaxSections,
		MaxLabel:     cfg.Scanner.MaxLabel,
		Extensions:   cfg.Scanner.Extensions,
		MaxFileBytes: cfg.Scanner.MaxFileBytes,
	}, logger.With("component", "scanner"))

	options := []session.Option{
		session.WithLauncher(launcher),
		session.WithScanner(sc),
		session.WithLogger(logger.With("component", "session")),
	}
	if cfg.Store.Path != "" {
		st, err := store.Open(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()
		options = append(options, session.WithRecorder(st))
	}

	manager := session.NewManager(session.Config{
		WorkspaceRoot:  cfg.Session.WorkspaceRoot,
		BaseURL:        cfg.BaseURL(),
		IdleTimeout:    cfg.Session.IdleTimeout,
		TurnTimeout:    cfg.Session.TurnTimeout,
		Retention:      cfg.Session.Retention,
		SweepInterval:  cfg.Session.SweepInterval,
		MaxQueuedTurns: cfg.Session.MaxQueuedTurns,
		ListLimit:      cfg.Session.ListLimit,
		PromptTemplate: cfg.Session.PromptTemplate,
	}, b, newProducer(cfg, logger), options...)

	if n, err := manager.Restore(ctx); err != nil {
		return fmt.Errorf("restore sessions: %w", err)
	} else if n > 0 {
		logger.Info("restored sessions", "count", n)
	}
	go manager.Run(ctx)

	server := ws.NewServer(manager, b, ws.Options{
		AuthToken:      cfg.Server.AuthToken,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Privacy: session.PrivacyFilter{
			MaskWorkspaces: cfg.Server.MaskWorkspaces,
			HideWorkspaces: cfg.Server.HideWorkspaces,
		},
		PingInterval: cfg.Server.PingInterval,
		Version:      version,
		Logger:       logger.With("component", "api"),
	})

	httpServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", httpServer.Addr, "public_url", cfg.BaseURL(), "producer", cfg.Producer.Kind)
		errc <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	server.CloseClients()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("session shutdown", "err", err)
	}
	return nil
}

func newProducer(cfg *config.Config, logger *log.Logger) producer.Producer {
	if cfg.Producer.Kind == "command" {
		return &producer.Command{
			Argv:       cfg.Producer.Command,
			ResumeFlag: cfg.Producer.ResumeFlag,
			Env:        cfg.Producer.Env,
			Logger:     logger.With("component", "producer"),
		}
	}
	return &producer.Scripted{Delay: 150 * time.Millisecond}
}
