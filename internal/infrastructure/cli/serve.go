package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/doeshing/sidekick/internal/app"
	"github.com/doeshing/sidekick/internal/infrastructure/httpapi"
)

func newServeCommand(r *runner) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP and WebSocket API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withOwnerContainer(cmd, func(c *app.Container) error {
				if addr == "" {
					addr = c.Config.Server.ListenAddr
				}
				return serve(cmd.Context(), c, addr, func(listen string) {
					fmt.Fprintf(cmd.OutOrStdout(), "Sidekick listening on http://%s\n", listen)
				})
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default server.listen_addr)")
	return cmd
}

// serve runs the API server and the retention job until ctx ends or either
// fails.
func serve(ctx context.Context, c *app.Container, addr string, ready func(string)) error {
	server := httpapi.New(c.Session, c.Logger.Named("http"), httpapi.Options{
		AllowedOrigins: c.Config.Server.AllowedOrigins,
		Registry:       c.Registry,
		Metrics:        c.Metrics,
	})

	scheduler, err := newPruneScheduler(c)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx, addr)
	})
	if scheduler != nil {
		g.Go(func() error {
			scheduler.Start()
			<-gctx.Done()
			<-scheduler.Stop().Done()
			return nil
		})
	}
	ready(addr)
	return g.Wait()
}

// newPruneScheduler returns nil when store.prune_schedule is empty.
func newPruneScheduler(c *app.Container) (*cron.Cron, error) {
	schedule := c.Config.Store.PruneSchedule
	if schedule == "" {
		return nil, nil
	}
	scheduler := cron.New(cron.WithLogger(cron.PrintfLogger(zap.NewStdLog(c.Logger.Named("cron").Zap()))))
	_, err := scheduler.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := c.PruneExpired(ctx, time.Now(), 0); err != nil {
			c.Logger.Error("scheduled prune", err, nil)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("prune schedule %q: %w", schedule, err)
	}
	return scheduler, nil
}
