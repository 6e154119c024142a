// Package main is the entrypoint for the Fortémi server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fortemi/fortemi/internal/app"
	"github.com/fortemi/fortemi/internal/config"
	"github.com/fortemi/fortemi/internal/httpapi"
	"github.com/fortemi/fortemi/internal/logging"
	"github.com/fortemi/fortemi/internal/mcpapi"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "fortemi",
		Short: "Personal/knowledge memory server",
		Long: `Fortémi is a personal/knowledge memory server: agents and clients create
notes and later retrieve them by keyword, semantic similarity, tag, concept,
location, or time.`,
		CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
	}

	root.AddCommand(versionCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(mcpCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the fortemi version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(Version)
			return nil
		},
	}
}

func buildApp(env string) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logging.New(env)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return app.New(context.Background(), cfg, log)
}

func serveCmd() *cobra.Command {
	var addr string
	var env string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the REST API and the background job worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(env)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a.Start(ctx)
			httpapi.Version = Version

			srv := &http.Server{
				Addr:    addr,
				Handler: httpapi.New(a),
			}
			errCh := make(chan error, 1)
			go func() {
				a.Log.Info("serving REST API", zap.String("addr", addr))
				errCh <- srv.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
				a.Log.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			case err := <-errCh:
				if err != nil && err != http.ErrServerClosed {
					return fmt.Errorf("rest server: %w", err)
				}
				return nil
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "REST API listen address")
	cmd.Flags().StringVar(&env, "env", "production", "logging environment (production, development)")
	return cmd
}

func mcpCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Run the MCP tool server on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(env)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a.Start(ctx)

			mcpapi.Version = Version
			return mcpapi.New(a).Run(ctx)
		},
	}
	cmd.Flags().StringVar(&env, "env", "production", "logging environment (production, development)")
	return cmd
}
