// Command nell runs the Nell listening server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/nell/internal/app"
	"github.com/MrWong99/nell/internal/config"
	"github.com/MrWong99/nell/internal/listen"
	"github.com/MrWong99/nell/internal/observe"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "nell",
		Short:         "Continuous listening server for the Nell companion",
		Version:      version,
		SilenceUsage: true,
	}
	root.AddCommand(
		serveCmd(),
		checkConfigCmd(),
		classifyCmd(),
	)
	return root
}

func serveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the listening server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "nell.yaml", "path to the YAML or TOML configuration file")
	return cmd
}

func checkConfigCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate a configuration file and print its summary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderSummary(cfg, configPath))
			fmt.Fprintln(cmd.OutOrStdout(), styleOK.Render("configuration is valid"))
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "nell.yaml", "path to the YAML or TOML configuration file")
	return cmd
}

func classifyCmd() *cobra.Command {
	var (
		keywords  []string
		minLength int
	)
	cmd := &cobra.Command{
		Use:   "classify <text>",
		Short: "Show how an utterance is classified while the companion speaks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := listen.NewClassifier(keywords, minLength)
			text := strings.Join(args, " ")
			fmt.Fprintln(cmd.OutOrStdout(), renderDecision(text, c.Classify(text)))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&keywords, "keywords", nil, "stop keywords replacing the built-in set")
	cmd.Flags().IntVar(&minLength, "min-length", listen.DefaultInterruptMinLength, "utterance length in characters that interrupts")
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config file %q not found", path)
	}
	return cfg, err
}

// serve runs the server until SIGINT or SIGTERM.
func serve(parent context.Context, configPath string, out io.Writer) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.SlogLevel())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "nell", ServiceVersion: version})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	reg := config.NewRegistry()
	app.RegisterBuiltins(reg)
	providers, err := app.BuildProviders(cfg, reg, observe.DefaultMetrics())
	if err != nil {
		return err
	}

	fmt.Fprintln(out, renderSummary(cfg, configPath))

	a, err := app.New(ctx, cfg, providers, app.WithLogLevel(level))
	if err != nil {
		return errors.Join(err, providers.Close())
	}

	watcher, err := config.NewWatcher(configPath, a.ApplyConfig)
	if err != nil {
		slog.Warn("config hot reload disabled", "error", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("nell starting", "version", version, "listen_addr", cfg.Server.ListenAddr)
	runErr := a.Run(ctx)
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout+5*time.Second)
	defer cancel()
	return errors.Join(runErr, a.Shutdown(shutdownCtx), otelShutdown(shutdownCtx))
}
