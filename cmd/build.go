package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/marlinbuild/builder/internal/logging"
	"github.com/marlinbuild/builder/internal/metrics"
	"github.com/marlinbuild/builder/internal/models"
)

// BuildCmd runs a single orchestrator run in the foreground
type BuildCmd struct {
	Channel string `arg:"" help:"Release channel, e.g. stable, nightly or bugfix-2.1.x"`
	Ref     string `arg:"" optional:"" help:"Branch, tag or commit to build (defaults to the channel)"`

	Manufacturer     string `help:"Only build printers of this manufacturer (case-insensitive)"`
	Printer          string `help:"Only build printers with this name (case-insensitive)"`
	PagesOnly        bool   `help:"Skip building and only render the pages"`
	ForceRenderPages bool   `help:"Render the pages even when nothing was built"`
}

func (c *BuildCmd) Run(cli *CLI) error {
	req := models.RunRequest{
		Channel:          c.Channel,
		Ref:              c.Ref,
		Manufacturer:     c.Manufacturer,
		Printer:          c.Printer,
		PagesOnly:        c.PagesOnly,
		ForceRenderPages: c.ForceRenderPages,
	}
	if err := req.Validate(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cli.Config)
	if err != nil {
		return err
	}
	defer a.Close()

	m, err := a.loadMatrix()
	if err != nil {
		return err
	}

	summary, err := a.pipeline.Execute(ctx, "", req, m)

	if a.cfg.MetricsTextfile != "" {
		if werr := metrics.WriteTextfile(a.cfg.MetricsTextfile, a.registry); werr != nil {
			slog.Warn("Failed to write metrics textfile", logging.Error(werr))
		}
	}

	if err != nil {
		return err
	}

	slog.Info("Run finished",
		slog.String("run_id", summary.RunID),
		slog.String("version", summary.VersionString),
		slog.Int("built", summary.Built),
		slog.Bool("rendered", summary.Rendered),
		slog.Duration("duration", summary.Duration))
	return nil
}
