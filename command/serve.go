package command

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/IMBotPlatform/OpenAIService/ai"
	"github.com/IMBotPlatform/OpenAIService/api"
	"github.com/IMBotPlatform/OpenAIService/storage"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动 HTTP 服务",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			if addr != "" {
				a.cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ln, err := net.Listen("tcp", a.cfg.Server.Addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", a.cfg.Server.Addr, err)
			}
			return a.serve(ctx, ln)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "监听地址，覆盖 server.addr")
	return cmd
}

// serve 在 ln 上提供 HTTP 服务，直到 ctx 结束后优雅关闭。
//
//	errgroup
//	  ├── http.Server.Serve
//	  ├── 等待 ctx 结束 -> Shutdown
//	  └── SQLite 会话过期清理（仅 sqlite 后端）
func (a *app) serve(ctx context.Context, ln net.Listener) error {
	defaultModel, _ := a.cfg.AI.Model(a.cfg.AI.DefaultModel)
	media := ai.NewMedia(a.cfg.AI.Media, defaultModel, nil, a.logger)
	if !media.Configured() {
		a.logger.Warn("media endpoints disabled: no API key configured")
	}

	handler, err := api.NewServer(a.cfg, a.service, a.contexts,
		api.WithMedia(media),
		api.WithHistory(a.history),
		api.WithLogger(a.logger),
	)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:      handler,
		ReadTimeout:  a.cfg.Server.ReadTimeout.Std(),
		WriteTimeout: a.cfg.Server.WriteTimeout.Std(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Std())
		defer cancel()
		a.logger.Info("shutting down http server")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})
	if store, ok := a.sessions.(*storage.SessionStore); ok {
		retention := a.cfg.AI.Context.Retention.Std()
		g.Go(func() error {
			return store.RunRetention(gctx, sweepInterval(retention), retention)
		})
	}

	err = g.Wait()
	a.logger.Info("server stopped")
	return err
}

// sweepInterval 取保留时长的 1/4，限制在 [1m, 1h] 之间。
func sweepInterval(retention time.Duration) time.Duration {
	return min(max(retention/4, time.Minute), time.Hour)
}
