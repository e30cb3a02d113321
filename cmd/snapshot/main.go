package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/samvad-hq/samvad-conversation-capturer/internal/app"
	"github.com/samvad-hq/samvad-conversation-capturer/internal/config"
	"github.com/samvad-hq/samvad-conversation-capturer/internal/logger"
)

const snapshotLongDesc string = `Scan a saved chat page (or fetch one) once and print every
finished exchange as a JSON line. History suppression is off, so every complete
turn on the page is printed.

Examples:
  snapshot --file ./chat.html --host chatgpt.com
  snapshot --url https://gemini.google.com/app/abc
  snapshot --file ./chat.html --host chatgpt.com --adapters ./configs/adapters.yaml`

type snapshotCommander struct {
	opts    app.SnapshotOptions
	verbose bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newSnapshotCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "snapshot failed: %v\n", err)
		os.Exit(1)
	}
}

func newSnapshotCmd() *cobra.Command {
	cmder := &snapshotCommander{}

	cmd := &cobra.Command{
		Use:           "snapshot",
		Short:         "Extract finished turns from a static chat page",
		Long:          snapshotLongDesc,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmder.run(cmd.Context())
		},
	}

	cmd.Flags().StringVarP(&cmder.opts.File, "file", "f", "", "Saved HTML page to scan")
	cmd.Flags().StringVarP(&cmder.opts.URL, "url", "u", "", "Page URL to fetch and scan")
	cmd.Flags().StringVar(&cmder.opts.Host, "host", "", "Host used to pick the site adapter (defaults to the url host)")
	cmd.Flags().StringVarP(&cmder.opts.AdaptersFile, "adapters", "a", "", "Adapter definitions file (defaults to ADAPTERS_FILE)")
	cmd.Flags().DurationVar(&cmder.opts.Timeout, "timeout", 15*time.Second, "Fetch timeout")
	cmd.Flags().BoolVarP(&cmder.verbose, "verbose", "v", false, "Log at the configured level instead of errors only")

	return cmd
}

func (c *snapshotCommander) run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if c.opts.AdaptersFile == "" {
		c.opts.AdaptersFile = cfg.AdaptersFile
	}
	// Logs share stdout with the captured turns.
	if !c.verbose {
		cfg.LogLevel = "error"
	}

	log, err := logger.Init(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Close()

	snap, err := app.NewSnapshot(c.opts, log)
	if err != nil {
		return err
	}
	if _, err := snap.Run(ctx, os.Stdout); err != nil {
		return fmt.Errorf("snapshot run: %w", err)
	}
	return nil
}
