package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/mealsched/internal/metrics"
	"github.com/example/mealsched/internal/scheduler"
	"github.com/example/mealsched/internal/web"
)

func newServerCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Run the JSON API and the auto-registration scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			mgr := &scheduler.Manager{
				Tenants:         a.dir,
				Configs:         a.dir,
				Batch:           a.runner,
				Log:             a.log,
				RefreshInterval: a.cfg.ScheduleRefresh,
			}
			ws := &web.Server{
				API:       a.api,
				Schedules: mgr,
				Runs:      a.runs,
				Metrics:   metrics.Handler(),
				Log:       a.log,
			}

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				if err := mgr.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				return web.Start(ctx, a.cfg.ListenAddr, ws.Routes(), a.log)
			})
			err = g.Wait()
			a.log.Info("server stopped", zap.Error(err))
			return err
		},
	}
}
