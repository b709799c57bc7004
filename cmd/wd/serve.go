package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"warden/internal/app"
	"warden/internal/server"
)

const jwtSecretEnv = "WARDEN_JWT_SECRET"

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowCallerHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API for agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				authCfg := server.AuthConfig{
					JWTSecret:         os.Getenv(jwtSecretEnv),
					AllowCallerHeader: allowCallerHeader,
					Logger:            logger,
				}
				if authCfg.JWTSecret == "" && !allowCallerHeader {
					return fmt.Errorf("%s is required for bearer auth", jwtSecretEnv)
				}
				if !cmd.Flags().Changed("addr") && rt.Config.Server.Addr != "" {
					addr = rt.Config.Server.Addr
				}
				if !cmd.Flags().Changed("base-path") && rt.Config.Server.BasePath != "" {
					basePath = rt.Config.Server.BasePath
				}
				handler, err := server.New(server.Config{Runtime: rt, BasePath: basePath, Auth: authCfg, Logger: logger})
				if err != nil {
					return err
				}
				ctx, cancel := context.WithCancel(ctx)
				defer cancel()
				server.StartWebhooks(ctx, rt.Repo, rt.Config, logger)

				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
				logger.Info("serving", zap.String("addr", addr), zap.String("base_path", basePath))
				fmt.Printf("Serving Warden API on http://%s%s (OpenAPI at %s/openapi.json, metrics at /metrics)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowCallerHeader, "allow-caller-header", false, "accept X-Caller-Id without a token (development only)")
	return cmd
}

func tokenCmd() *cobra.Command {
	var caller string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv(jwtSecretEnv)
			if secret == "" {
				return fmt.Errorf("%s is required to sign tokens", jwtSecretEnv)
			}
			tok, err := server.IssueToken(secret, caller, ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"caller_id": caller, "token": tok})
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&caller, "caller", "", "caller id placed in the token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("caller")
	return cmd
}
