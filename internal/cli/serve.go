package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/niski84/TRMNL-POWER/pkg/api"
	"github.com/niski84/TRMNL-POWER/pkg/cron"
	"github.com/niski84/TRMNL-POWER/pkg/model"
)

const shutdownTimeout = 5 * time.Second

func (c *CLI) serveCommand() *cobra.Command {
	var skipStartupRender bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Render on a schedule and serve the latest image to TRMNL devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runServe(cmd.Context(), skipStartupRender)
		},
	}

	cmd.Flags().BoolVar(&skipStartupRender, "skip-startup-render", false, "do not render before the schedule starts")
	return cmd
}

func (c *CLI) runServe(ctx context.Context, skipStartupRender bool) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}

	st, err := c.newStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			c.Logger.Warn("shutdown cleanup failed", "err", err)
		}
	}()

	if !skipStartupRender {
		c.Logger.Info("performing initial render")
		if _, err := st.pipeline.Render(ctx, model.TriggerStartup); err != nil {
			c.Logger.Warn("initial render failed, continuing with schedule", "err", err)
		}
	}

	var schedOpts []cron.Option
	if st.store != nil {
		schedOpts = append(schedOpts, cron.WithPruner(st.store, cfg.History.RetentionDays, cfg.History.MaxRuns))
	}
	interval := time.Duration(cfg.Render.RefreshIntervalMinutes) * time.Minute
	scheduler := cron.NewScheduler(st.pipeline, cfg.ScheduleSpec(), interval, c.Logger.WithPrefix("cron"), schedOpts...)
	scheduler.SetContext(ctx)
	if err := scheduler.Start(); err != nil {
		return err
	}
	defer scheduler.Stop()

	var runs api.RunLister
	if st.store != nil {
		runs = st.store
	}
	handler := api.NewHandler(cfg, st.pipeline, scheduler, runs, c.Logger.WithPrefix("api"))

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logDeviceGuide(c.Logger, deviceBaseURL(cfg.Server.Host, cfg.Server.Port, localIP))

	errCh := make(chan error, 1)
	go func() {
		c.Logger.Info("listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		c.Logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		c.Logger.Warn("http shutdown failed", "err", err)
	}
	return nil
}
