package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/niski84/TRMNL-POWER/pkg/tmpl"
)

func (c *CLI) validateTemplateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-template [file]",
		Short: "Check a dashboard template for placeholders and layout hooks",
		Long:  `Checks the given template, or paths.template from the configuration when no file is given, for the {{TITLE}}, {{TIMESTAMP}} and {{CARDS}} tokens, the content container, a <body> element and a viewport matching the render size.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}

			path := cfg.Paths.Template
			if len(args) == 1 {
				path = args[0]
			}
			return c.validateTemplate(cmd.OutOrStdout(), path, cfg.Render.Width, cfg.Render.Height)
		},
	}
}

func (c *CLI) validateTemplate(w io.Writer, path string, width, height int) error {
	content, err := tmpl.NewRenderer(path, c.Logger.WithPrefix("template")).Load()
	if err != nil {
		return err
	}

	name := path
	if name == "" {
		name = "built-in template"
	}

	warnings := tmpl.Validate(content, width, height)
	if len(warnings) == 0 {
		fmt.Fprintf(w, "%s: ok\n", name)
		return nil
	}

	for _, warning := range warnings {
		fmt.Fprintf(w, "%s: %s\n", name, warning)
	}
	return fmt.Errorf("%s has %d problem(s)", name, len(warnings))
}
