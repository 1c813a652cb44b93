// Command airgate runs the record-storage edge proxy.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ferro-labs/airgate"
	"github.com/ferro-labs/airgate/internal/logging"
	"github.com/ferro-labs/airgate/internal/requestlog"
	"github.com/ferro-labs/airgate/internal/version"
)

func main() {
	root := &cobra.Command{
		Use:           "airgate",
		Short:         "Authenticated edge proxy for a record-storage API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCommand(), validateCommand(), versionCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func serveCommand() *cobra.Command {
	var cfgPath, listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the proxy server",
		RunE: func(_ *cobra.Command, _ []string) error {
			if cfgPath == "" {
				cfgPath = os.Getenv("AIRGATE_CONFIG")
			}
			if cfgPath == "" {
				return fmt.Errorf("no config file: pass --config or set AIRGATE_CONFIG")
			}

			cfg, err := airgate.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			if err := airgate.ValidateConfig(*cfg); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			// The secret comes from the environment only, never the config
			// file. An empty token still starts the server, which then fails
			// every request closed with a configuration error.
			token := os.Getenv("AIRTABLE_TOKEN")
			if token == "" {
				logging.Logger.Warn("AIRTABLE_TOKEN is not set; all requests will be rejected")
			}

			gw, err := airgate.New(*cfg, token)
			if err != nil {
				return err
			}

			switch cfg.RequestLog.Driver {
			case "sqlite":
				w, err := requestlog.NewSQLiteWriter(cfg.RequestLog.DSN)
				if err != nil {
					return err
				}
				defer func() { _ = w.Close() }()
				gw.SetAuditWriter(w)
			case "postgres":
				w, err := requestlog.NewPostgresWriter(cfg.RequestLog.DSN)
				if err != nil {
					return err
				}
				defer func() { _ = w.Close() }()
				gw.SetAuditWriter(w)
			}

			if listen == "" {
				listen = ":8080"
				if p := os.Getenv("PORT"); p != "" {
					listen = ":" + p
				}
			}

			r := chi.NewRouter()
			r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "text/plain")
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte("OK"))
			})
			r.Handle("/metrics", promhttp.Handler())
			// Registered last so the explicit routes above take precedence.
			r.Mount("/", gw.Routes())

			srv := &http.Server{
				Addr:         listen,
				Handler:      r,
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 60 * time.Second,
				IdleTimeout:  60 * time.Second,
			}

			// Graceful shutdown on SIGINT / SIGTERM.
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			go func() {
				<-ctx.Done()
				logging.Logger.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					logging.Logger.Error("shutdown error", "error", err)
				}
			}()

			logging.Logger.Info("airgate listening",
				"version", version.Short(),
				"addr", listen,
				"upstream", cfg.Upstream.BaseURL,
				"rate_limit", cfg.RateLimit.Limit,
				"window_seconds", cfg.RateLimit.WindowSeconds,
				"cors_mode", string(cfg.CORS.Mode),
			)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			logging.Logger.Info("server stopped")
			return nil
		},
	}

	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file (JSON or YAML)")
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "listen address (default :8080 or :$PORT)")
	return cmd
}

func validateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <config-file>",
		Short: "Validate a config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := airgate.LoadConfig(args[0])
			if err != nil {
				return err
			}
			if err := airgate.ValidateConfig(*cfg); err != nil {
				return fmt.Errorf("validation error: %w", err)
			}

			fmt.Printf("✓ Config is valid\n")
			fmt.Printf("  Upstream:   %s\n", cfg.Upstream.BaseURL)
			fmt.Printf("  Bases:      %d\n", len(cfg.Access.Bases))
			fmt.Printf("  Tables:     %d\n", len(cfg.Access.Tables))
			fmt.Printf("  Rate limit: %d per %ds\n", cfg.RateLimit.Limit, cfg.RateLimit.WindowSeconds)
			fmt.Printf("  CORS mode:  %s\n", cfg.CORS.Mode)
			return nil
		},
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println("airgate", version.String())
		},
	}
}
