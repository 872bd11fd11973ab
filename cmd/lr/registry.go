package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"lakereg/internal/registry"
	"lakereg/internal/server"
)

func registryCmd() *cobra.Command {
	reg := &cobra.Command{
		Use:   "registry",
		Short: "Rebuild and fingerprint the caches",
	}
	reg.AddCommand(registryRebuildCmd())
	reg.AddCommand(registryDigestCmd())
	reg.AddCommand(registryCleanupCmd())
	return reg
}

func registryRebuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild every cache from the fact store",
		Long:  "Builds fresh generations of the manifest, event and resolver caches and swaps them in only if all three succeed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), func(ctx context.Context, reg *registry.Registry) error {
				report, err := reg.Rebuild(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"generations": report.Generations,
					"duration_ms": report.Duration.Milliseconds(),
				})
			})
		},
	}
}

func registryDigestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "digest",
		Short: "Print per-table digests of the live caches",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), func(ctx context.Context, reg *registry.Registry) error {
				digests, err := reg.Digest(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(digests)
				}
				tw := newTable("Cache", "Table", "Rows", "SHA-256")
				for _, d := range digests {
					tw.AppendRow(table.Row{d.Cache, d.Table, d.Rows, d.SHA256})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func registryCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove temp files left by interrupted writes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), func(ctx context.Context, reg *registry.Registry) error {
				n, err := reg.CleanupTemp()
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]int{"removed": n})
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var watch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withRegistry(ctx, func(ctx context.Context, reg *registry.Registry) error {
				if addr == "" {
					addr = reg.Config.Server.Addr
				}
				if basePath == "" {
					basePath = reg.Config.Server.BasePath
				}
				authCfg := server.AuthConfig{JWTSecret: reg.Config.Server.JWTSecret}
				if !authCfg.Enabled() {
					reg.Log.Warn("serving without authentication", "addr", addr)
				}
				handler, err := server.New(server.Config{Registry: reg, BasePath: basePath, Auth: authCfg, Log: reg.Log})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				if watch {
					g.Go(func() error {
						err := reg.Watcher.Run(gctx, reg.Config.WatchInterval(), nil)
						if errors.Is(err, context.Canceled) {
							return nil
						}
						return err
					})
				}
				g.Go(func() error {
					fmt.Printf("Serving lakereg API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					stop()
					return nil
				})
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address; defaults to server.addr")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path; defaults to server.base_path")
	cmd.Flags().BoolVar(&watch, "watch", true, "keep the event index current while serving")
	return cmd
}

func tokenCmd() *cobra.Command {
	tok := &cobra.Command{Use: "token", Short: "Mint API bearer tokens"}
	var subject string
	var write bool
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue an HS256 token signed with server.jwt_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var perms []string
			if write {
				perms = append(perms, server.PermissionWrite)
			}
			token, err := server.IssueToken(cfg.Server.JWTSecret, subject, perms)
			if err != nil {
				return err
			}
			return printJSONOrTable(map[string]any{"subject": subject, "permissions": perms, "token": token})
		},
	}
	issue.Flags().StringVar(&subject, "subject", "", "token subject")
	issue.Flags().BoolVar(&write, "write", false, "grant "+server.PermissionWrite)
	_ = issue.MarkFlagRequired("subject")
	tok.AddCommand(issue)
	return tok
}
