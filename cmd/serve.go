package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/scrape-orchestrator/internal/api"
)

const appVersion = "1.0.0"

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, MCP server, and worker pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		rt, err := initRuntime(ctx, "serve")
		if err != nil {
			return err
		}
		defer rt.Close()

		deps := api.Deps{
			Orch:     rt.orch,
			Bus:      rt.bus,
			Sessions: rt.sessions,
			Sched:    rt.sched,
			Store:    rt.store,
			Registry: rt.registry,
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		srv := &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, port),
			Handler: api.NewHandler(deps),
		}

		g, gCtx := errgroup.WithContext(ctx)

		g.Go(func() error {
			return rt.pool.Run(gCtx)
		})

		g.Go(func() error {
			rt.sessions.RunEviction(gCtx)
			return nil
		})

		g.Go(func() error {
			<-gCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		g.Go(func() error {
			zap.L().Info("http server starting", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})

		mcpServer := api.NewMCPServer(deps, appVersion)
		switch cfg.Server.MCPTransport {
		case "http":
			sse := server.NewSSEServer(mcpServer,
				server.WithStaticBasePath("/mcp"))
			mcpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, port+1)
			g.Go(func() error {
				<-gCtx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return sse.Shutdown(shutdownCtx)
			})
			g.Go(func() error {
				zap.L().Info("mcp sse server starting", zap.String("addr", mcpAddr))
				if err := sse.Start(mcpAddr); err != nil && err != http.ErrServerClosed {
					return eris.Wrap(err, "mcp listen")
				}
				return nil
			})
		default:
			stdio := server.NewStdioServer(mcpServer)
			g.Go(func() error {
				zap.L().Info("mcp server starting on stdio")
				return stdio.Listen(gCtx, os.Stdin, os.Stdout)
			})
		}

		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "HTTP port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
