package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"rural-triage/server/internal/logging"
	"rural-triage/server/internal/pipelinestub"
)

var (
	stubAddr      string
	stubFollowUps int
	stubToken     string
)

var stubCmd = &cobra.Command{
	Use:   "stub",
	Short: "Run a local stand-in for the classification and record services",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, closer, err := logging.New(cfg.Logging)
		if err != nil {
			return err
		}
		defer closer.Close()

		addr := cfg.Stub.Addr
		if cmd.Flags().Changed("addr") {
			addr = stubAddr
		}
		script := pipelinestub.Script{
			FollowUps:     cfg.Stub.FollowUps,
			StepDelay:     cfg.Stub.StepDelay,
			RejectAnswers: []string{"idk", "not sure"},
		}
		if cmd.Flags().Changed("follow-ups") {
			script.FollowUps = stubFollowUps
		}
		stub := pipelinestub.New(script, logger)
		if stubToken != "" {
			stub.Records.SetToken(stubToken)
		}

		httpServer := &http.Server{Addr: addr, Handler: stub.Routes(), ReadHeaderTimeout: 10 * time.Second}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(shutdownCtx)
		}()

		logger.WithFields(logrus.Fields{"addr": addr, "follow_ups": script.FollowUps}).Info("pipeline stub listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}

func init() {
	stubCmd.Flags().StringVar(&stubAddr, "addr", "127.0.0.1:8000", "listen address")
	stubCmd.Flags().IntVar(&stubFollowUps, "follow-ups", 2, "follow-up questions per case")
	stubCmd.Flags().StringVar(&stubToken, "token", "", "bearer token required by save_case")
	rootCmd.AddCommand(stubCmd)
}
