package cli

import (
	"errors"
	"fmt"
	"html"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/niski84/TRMNL-POWER/pkg/fileutil"
)

const defaultTemplateDir = "templates"

// ErrTemplateExists is returned when generate-template would overwrite a file
var ErrTemplateExists = errors.New("template already exists")

func (c *CLI) generateTemplateCommand() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "generate-template <name>",
		Short: "Write a starter dashboard template sized for the display",
		Long:  `Writes <dir>/<name>.html with the {{TITLE}}, {{TIMESTAMP}} and {{CARDS}} tokens, the content container and a viewport matching render.width and render.height. Falls back to 800x480 when no configuration can be loaded. Existing files are never overwritten.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			width, height := 800, 480
			if cfg, err := c.loadConfig(); err == nil {
				width, height = cfg.Render.Width, cfg.Render.Height
			} else {
				c.Logger.Warn("no usable configuration, generating for 800x480", "err", err)
			}

			path, err := generateTemplate(dir, args[0], width, height)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\nset paths.template to %q to use it\n", path, path)
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", defaultTemplateDir, "directory to write the template into")
	return cmd
}

// generateTemplate writes a boilerplate template and returns its path
func generateTemplate(dir, name string, width, height int) (string, error) {
	name = strings.TrimSuffix(strings.TrimSpace(name), ".html")
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("invalid template name %q", name)
	}
	if width <= 0 || height <= 0 {
		return "", fmt.Errorf("invalid display size %dx%d", width, height)
	}

	path := filepath.Join(dir, name+".html")
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("%s: %w", path, ErrTemplateExists)
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("failed to check %s: %w", path, err)
	}

	err := fileutil.WriteWith(path, func(w io.Writer) error {
		return writeBoilerplate(w, name, width, height)
	})
	if err != nil {
		return "", fmt.Errorf("failed to write template: %w", err)
	}
	return path, nil
}

func writeBoilerplate(w io.Writer, title string, width, height int) error {
	_, err := fmt.Fprintf(w, `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=%[1]d, height=%[2]d, initial-scale=1.0">
  <title>%[3]s</title>
  <style>
    * { margin: 0; padding: 0; box-sizing: border-box; }
    html, body { width: %[1]dpx; height: %[2]dpx; overflow: hidden; background: #fff; color: #000; }
    body { font-family: "Helvetica Neue", Arial, sans-serif; display: flex; flex-direction: column; }
    .header { display: flex; justify-content: space-between; align-items: baseline; padding: 16px 24px; border-bottom: 3px solid #000; }
    .header-title { font-size: 32px; font-weight: 700; }
    .header-timestamp { font-size: 18px; }
    .content { flex: 1; display: grid; grid-template-columns: 1fr 1fr; grid-auto-rows: 1fr; gap: 16px; padding: 16px 24px; }
    .content.single { grid-template-columns: 1fr; }
    .content.three { grid-template-columns: 1fr 1fr 1fr; }
    .card { position: relative; border: 3px solid #000; border-radius: 8px; padding: 12px 16px; }
    .card-label { font-size: 20px; text-transform: uppercase; }
    .card-value { font-size: 56px; font-weight: 700; }
    .card-unit { font-size: 22px; }
    .trend-up { border-bottom: 18px solid #000; }
    .trend-down { border-top: 18px solid #000; }
    /* Custom styles below. Keep the body at the display size. */
  </style>
</head>
<body>
  <div class="header">
    <div class="header-title">{{TITLE}}</div>
    <div class="header-timestamp">{{TIMESTAMP}}</div>
  </div>
  <!-- The renderer adds a layout class to this container based on the card count. -->
  <div class="content">
{{CARDS}}
  </div>
</body>
</html>
`, width, height, html.EscapeString(title))
	return err
}
