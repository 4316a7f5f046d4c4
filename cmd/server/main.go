// Command server runs the joinfetch HTTP service: it compiles entity load
// shapes from a mapping file and serves explain and load endpoints.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"joinfetch/internal/config"
	"joinfetch/internal/mapping"
	"joinfetch/internal/serverapp"

	"github.com/spf13/pflag"
)

var (
	// Version is set at build time via -ldflags "-X main.Version=...".
	Version = "dev"
	Commit  = "none"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	pflag.Bool("version", false, "Print version and exit")
	pflag.Bool("check", false, "Validate the configuration and mapping file, then exit")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if showVersion, _ := pflag.CommandLine.GetBool("version"); showVersion {
		fmt.Println(versionString())
		return nil
	}

	if cfg.Observability.ServiceVersion == "" {
		cfg.Observability.ServiceVersion = Version
	}

	if err := reportValidation(slog.Default(), cfg.Validate()); err != nil {
		return err
	}

	if check, _ := pflag.CommandLine.GetBool("check"); check {
		return checkMapping(os.Stdout, cfg.Mapping.File)
	}

	logger, loggerProvider, err := serverapp.InitLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	app, err := serverapp.New(cfg, logger)
	if err != nil {
		if loggerProvider != nil {
			_ = loggerProvider.Shutdown(context.Background(), logger.Logger)
		}
		return err
	}
	app.AttachLoggerProvider(loggerProvider)

	if err := app.Init(context.Background()); err != nil {
		return err
	}

	shutdown := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return app.Shutdown(ctx)
	}

	serverErrors, err := app.Start()
	if err != nil {
		_ = shutdown()
		return err
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stop)

	_, waitErr := app.WaitForStop(stop, serverErrors)
	logger.Info("shutting down server gracefully")
	if err := errors.Join(waitErr, shutdown()); err != nil {
		return err
	}
	logger.Info("server stopped gracefully")
	return nil
}

func versionString() string {
	return fmt.Sprintf("joinfetch %s (%s)", Version, Commit)
}

// reportValidation logs every warning and error of result and fails when
// there is at least one error.
func reportValidation(logger *slog.Logger, result *config.ValidationResult) error {
	for _, w := range result.Warnings {
		logger.Warn("configuration warning",
			slog.String("field", w.Field),
			slog.String("message", w.Message),
			slog.String("hint", w.Hint),
		)
	}
	if !result.HasErrors() {
		return nil
	}
	for _, e := range result.Errors {
		logger.Error("configuration error",
			slog.String("field", e.Field),
			slog.String("message", e.Message),
			slog.String("hint", e.Hint),
		)
	}
	return fmt.Errorf("configuration validation failed with %d error(s)", len(result.Errors))
}

// checkMapping loads and validates the mapping file and prints a summary.
func checkMapping(w io.Writer, path string) error {
	model, err := mapping.LoadFile(path)
	if err != nil {
		return fmt.Errorf("mapping %s is invalid: %w", path, err)
	}
	_, err = fmt.Fprintf(w, "mapping %s is valid: %d entities\n", path, len(model.Entities()))
	return err
}
