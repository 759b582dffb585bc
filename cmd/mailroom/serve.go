package main

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/harborline/mailroom/internal/archive"
	"github.com/harborline/mailroom/internal/config"
	"github.com/harborline/mailroom/internal/llm"
	"github.com/harborline/mailroom/internal/mail"
	"github.com/harborline/mailroom/internal/resources"
	"github.com/harborline/mailroom/internal/server"
	"github.com/harborline/mailroom/internal/storage/sqlite"
	"github.com/harborline/mailroom/internal/tools"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordination server",
	Long: `Start the HTTP server exposing the tool and resource surfaces.

The server owns the sqlite database and the git archive under the storage
root. Stop it with SIGINT or SIGTERM; in-flight requests are drained.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		settings, err := config.Load()
		if err != nil {
			return err
		}
		if host, _ := cmd.Flags().GetString("host"); cmd.Flags().Changed("host") {
			settings.HTTPHost = host
		}
		if port, _ := cmd.Flags().GetInt("port"); cmd.Flags().Changed("port") {
			settings.HTTPPort = port
		}

		log := buildLogger(settings)
		slog.SetDefault(log)

		store, err := sqlite.New(cmd.Context(), settings.DatabaseURL)
		if err != nil {
			return err
		}
		defer store.Close()

		archives, err := archive.NewManager(settings.StorageRoot, settings.GitAuthorName, settings.GitAuthorEmail, log)
		if err != nil {
			return err
		}

		var llmClient llm.Client
		if settings.LLMEnabled {
			client, err := llm.New(config.GetString("llm.api-key"), settings.LLMModel)
			switch {
			case errors.Is(err, llm.ErrAPIKeyRequired):
				log.Warn("llm enabled but no API key; summaries stay heuristic")
			case err != nil:
				return err
			default:
				llmClient = client
			}
		}

		svc := mail.NewService(store, archives, settings, llmClient, log)
		registry := tools.NewRegistry(tools.LoadCapabilities(config.GetString("capabilities-file")), log)
		tools.RegisterAll(registry, svc)
		router := resources.NewRouter(svc, registry, archives, log)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv := server.New(registry, router, settings, log)
		return srv.ListenAndServe(ctx)
	},
}

// buildLogger routes slog to the configured log file with rotation, or to
// stderr when none is set.
func buildLogger(settings *config.Settings) *slog.Logger {
	var out io.Writer = os.Stderr
	if settings.LogFile != "" {
		out = &lumberjack.Logger{
			Filename:   settings.LogFile,
			MaxSize:    50, // MB
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
	}
	return slog.New(slog.NewTextHandler(out, nil))
}

func init() {
	serveCmd.Flags().String("host", "", "listen host (default from config)")
	serveCmd.Flags().Int("port", 0, "listen port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
