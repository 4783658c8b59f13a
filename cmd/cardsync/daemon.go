package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/openmined/cardsync/internal/controlplane"
	"github.com/openmined/cardsync/internal/version"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func newDaemonCmd() *cobra.Command {
	var addr string
	var token string

	daemonCmd := &cobra.Command{
		Use:         "daemon",
		Short:       "Sync every directory periodically and serve the local HTTP API",
		Annotations: map[string]string{annotationDaemon: ""},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := configFrom(cmd)
			if cmd.Flags().Changed("http-addr") {
				cfg.HTTP.Addr = addr
			}
			if cmd.Flags().Changed("http-token") {
				cfg.HTTP.Token = token
			}

			slog.Info("cardsync", "version", version.Version, "revision", version.Revision, "build", version.BuildDate)
			slog.Info("daemon using config", "path", cfg.Path, "data", cfg.DataDir, "interval", cfg.SyncInterval)

			reg, err := openRegistry(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer reg.Close()

			server := controlplane.New(&controlplane.Config{Addr: cfg.HTTP.Addr, Token: cfg.HTTP.Token}, reg)

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				return server.Start(ctx)
			})
			g.Go(func() error {
				return reg.Run(ctx)
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				return server.Stop(shutdownCtx)
			})

			defer slog.Info("Bye!")
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("daemon", "error", err)
				return err
			}
			return nil
		},
	}

	daemonCmd.Flags().StringVarP(&addr, "http-addr", "a", "", "address to bind the local http server")
	daemonCmd.Flags().StringVarP(&token, "http-token", "t", "", "access token for the local http server")

	return daemonCmd
}
