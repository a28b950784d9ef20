package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"rural-triage/server/internal/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the nurse-facing HTTP and websocket server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.close()

		if cfg.Logging.Level != "debug" {
			gin.SetMode(gin.ReleaseMode)
		}
		srv := api.NewServer(cfg, a.intake, a.deps(), a.registry)
		httpServer := &http.Server{
			Addr:         cfg.Server.Addr(),
			Handler:      srv.Routes(),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		go srv.RunSweeper(ctx)

		errCh := make(chan error, 1)
		go func() {
			a.logger.WithField("addr", httpServer.Addr).Info("triage server listening")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			if err != nil {
				return err
			}
		case <-ctx.Done():
		}

		a.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err = httpServer.Shutdown(shutdownCtx)
		srv.Shutdown()
		return err
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
