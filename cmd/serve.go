package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/example/libcal-scheduler/internal/api"
	"github.com/example/libcal-scheduler/internal/hunt"
	"github.com/example/libcal-scheduler/internal/requests"
	"github.com/example/libcal-scheduler/internal/worker"
)

func newServeCmd() *cobra.Command {
	var migrateUp bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the JSON API for the UI",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(ctx, migrateUp)
			if err != nil {
				return err
			}
			defer a.Close()

			srv := api.NewServer(
				requests.NewRepo(a.db),
				worker.NewRegistry(a.db),
				hunt.NewStateRepo(a.db),
				api.Options{
					Token:          a.cfg.APIToken,
					CORSOrigin:     a.cfg.CORSOrigin,
					ReleaseDaysOut: a.cfg.ReleaseDaysOut,
					ReleaseTime:    a.cfg.ReleaseTime,
					AttemptWindow:  a.cfg.AttemptWindow,
					InstanceTTL:    a.cfg.InstanceTTL,
					Location:       a.cfg.Location(),
				},
				a.log,
			)

			a.log.Info().Str("addr", a.cfg.ListenAddr).Msg("api listening")
			return api.Start(ctx, a.cfg.ListenAddr, srv.Routes())
		},
	}

	cmd.Flags().BoolVar(&migrateUp, "migrate", true, "run database migrations on startup")
	return cmd
}
