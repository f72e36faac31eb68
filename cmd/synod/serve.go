package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/jllopis/synod/pkg/pathmemory/httpapi"
	"github.com/jllopis/synod/pkg/telemetry"
)

func serveCmd() *cobra.Command {
	var (
		addr       string
		issueToken string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the path memory API over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if issueToken != "" {
				if cfg.Server.JWTSecret == "" {
					return fmt.Errorf("server.jwt_secret is not set")
				}
				token, err := httpapi.IssueToken(cfg.Server.JWTSecret, issueToken)
				if err != nil {
					return err
				}
				fmt.Println(token)
				return nil
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				logger := telemetry.Component("httpapi")
				handler, err := httpapi.New(httpapi.Config{
					Service: a.memory,
					Auth:    httpapi.AuthConfig{JWTSecret: cfg.Server.JWTSecret, Logger: logger},
					Health:  a.health,
					Version: version,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{
					Addr:              addr,
					Handler:           handler,
					ReadHeaderTimeout: 10 * time.Second,
				}
				errCh := make(chan error, 1)
				go func() {
					logger.Info("httpapi.listen", slog.String("addr", addr), slog.Bool("jwt", cfg.Server.JWTSecret != ""))
					errCh <- srv.ListenAndServe()
				}()

				select {
				case err := <-errCh:
					if stderrors.Is(err, http.ErrServerClosed) {
						return nil
					}
					return err
				case <-ctx.Done():
				}
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				logger.Info("httpapi.shutdown")
				return srv.Shutdown(shutdownCtx)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&issueToken, "issue-token", "", "print a bearer token for this principal and exit")
	return cmd
}
