package cli

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/niski84/TRMNL-POWER/pkg/model"
)

func (c *CLI) renderCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render the dashboard once and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runRender(cmd.Context(), output)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "override render.outputPath (.bmp or .png)")
	return cmd
}

func (c *CLI) runRender(ctx context.Context, output string) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	if output != "" {
		cfg.Render.OutputPath = output
	}

	st, err := c.newStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			c.Logger.Warn("cleanup failed", "err", err)
		}
	}()

	stats, err := st.pipeline.Render(ctx, model.TriggerCLI)
	if err != nil {
		return fmt.Errorf("render failed: %w", err)
	}

	c.Logger.Info("wrote "+stats.OutputPath,
		"size", humanize.Bytes(uint64(stats.OutputSize)),
		"total", stats.TotalDuration)
	return nil
}
