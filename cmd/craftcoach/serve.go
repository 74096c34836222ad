package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/MegaGrindStone/craftcoach"
	"github.com/MegaGrindStone/craftcoach/internal/logging"
	"github.com/MegaGrindStone/craftcoach/internal/store"
	"github.com/MegaGrindStone/craftcoach/servers/craftcoach"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the crafting tools over streamable HTTP",
		Long: `Serve the crafting tools to MCP clients.

The MCP endpoints live under the configured base path (default /mcp):
  POST   /mcp          JSON-RPC requests, answered inline or streamed
  DELETE /mcp          terminate a session
  GET    /mcp/stream   resume a session's events over SSE
  GET    /mcp/ws       resume a session's events over WebSocket
  GET    /healthz      process status`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				a.cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ln, err := net.Listen("tcp", a.cfg.Server.Addr)
			if err != nil {
				return err
			}
			return a.serve(ctx, ln)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address, overrides server.addr")
	return cmd
}

// serve runs the HTTP server on ln until ctx is done, then shuts the sessions and the listener down.
func (a *app) serve(ctx context.Context, ln net.Listener) error {
	st, err := store.Open(ctx, a.cfg.Store.Path)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			a.logger.Warn("failed to close store", slog.String("err", err.Error()))
		}
	}()

	ss := a.newStreamableServer(st)

	mux := http.NewServeMux()
	mux.Handle("GET /healthz", newHealthHandler(ss.Registry(), st, a.logger))
	mux.Handle("/", ss.Handler(a.cfg.Server.BasePath))

	httpSrv := &http.Server{
		Handler:      mux,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
		IdleTimeout:  a.cfg.Server.IdleTimeout,
		ErrorLog:     slog.NewLogLogger(a.logger.Handler(), slog.LevelWarn),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("serving",
			slog.String("addr", ln.Addr().String()),
			slog.String("basePath", a.cfg.Server.BasePath),
			slog.String("league", a.cfg.League))
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := ss.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("failed to close sessions", slog.String("err", err.Error()))
		}
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (a *app) newStreamableServer(st *store.Store) *mcp.StreamableServer {
	tools := craftcoach.NewServer(st, a.fetcher(),
		craftcoach.WithLeague(a.cfg.League),
		craftcoach.WithLogger(a.logger))

	srv := mcp.NewServer(mcp.Info{Name: "craftcoach", Version: version},
		mcp.WithToolServer(tools),
		mcp.WithToolListChanged(),
		mcp.WithLogHandler(logging.NewLevelHandler(a.level, a.logger)),
		mcp.WithInstructions(a.cfg.Instructions),
		mcp.WithTracerProvider(otel.GetTracerProvider()),
		mcp.WithServerLogger(a.logger))

	opts := []mcp.StreamableServerOption{
		mcp.WithStreamableServerLogger(a.logger),
		mcp.WithSessionQueueDepth(a.cfg.Session.QueueDepth),
		mcp.WithSessionEventRetention(a.cfg.Session.Retention),
		mcp.WithIdleTimeout(a.cfg.Session.IdleTimeout),
		mcp.WithCallTimeout(a.cfg.Session.CallTimeout),
	}
	if a.cfg.Server.JSONResponseOnly {
		opts = append(opts, mcp.WithJSONResponseOnly())
	}
	return mcp.NewStreamableServer(srv, opts...)
}
