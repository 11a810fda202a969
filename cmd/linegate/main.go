package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/linegate/linegate/config"
	"github.com/linegate/linegate/gateway"
)

func main() {
	app := &cli.App{
		Name:  "linegate",
		Usage: "session-multiplexing gateway for line-protocol stdio workers",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to a YAML config file.",
			},
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for the HTTP server to listen on.",
			},
			&cli.StringSliceFlag{
				Name:  "worker-cmd",
				Usage: "The worker command and its arguments, one per flag occurrence.",
			},
			&cli.StringFlag{
				Name:  "data-dir",
				Usage: "Directory for worker data files, exported to workers via the data-dir env var.",
			},
			&cli.StringFlag{
				Name:  "data-dir-env",
				Usage: "Name of the environment variable carrying the data dir.",
			},
			&cli.StringFlag{
				Name:  "stream-sentinel",
				Usage: "Line a worker emits to end one streamed response. Empty disables sentinel framing.",
			},
			&cli.StringFlag{
				Name:  "idle-timeout",
				Usage: "Duration a session's worker may sit unused before it is reaped.",
			},
			&cli.StringFlag{
				Name:  "reap-interval",
				Usage: "Interval between idle-worker scans.",
			},
			&cli.StringFlag{
				Name:  "grace-period",
				Usage: "Duration between SIGTERM and SIGKILL when terminating a worker.",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging.",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(ctx *cli.Context) error {
	cfg := config.Default()
	if path := ctx.String("config"); path != "" {
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return err
		}
	}

	if ctx.IsSet("listen-addr") {
		cfg.ListenAddr = ctx.String("listen-addr")
	}
	if ctx.IsSet("worker-cmd") {
		cfg.Worker.Command = ctx.StringSlice("worker-cmd")
	}
	if ctx.IsSet("data-dir") {
		cfg.Worker.DataDir = ctx.String("data-dir")
	}
	if ctx.IsSet("data-dir-env") {
		cfg.Worker.DataDirEnv = ctx.String("data-dir-env")
	}
	if ctx.IsSet("stream-sentinel") {
		cfg.Worker.StreamSentinel = ctx.String("stream-sentinel")
	}
	for flag, dst := range map[string]*config.Duration{
		"idle-timeout":  &cfg.IdleTimeout,
		"reap-interval": &cfg.ReapInterval,
		"grace-period":  &cfg.GracePeriod,
	} {
		if !ctx.IsSet(flag) {
			continue
		}
		d, err := time.ParseDuration(ctx.String(flag))
		if err != nil {
			return fmt.Errorf("parsing --%s: %w", flag, err)
		}
		dst.Duration = d
	}

	logger, err := buildLogger(ctx.Bool("debug"))
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	gw, err := gateway.New(cfg, gateway.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("building gateway: %w", err)
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Run()
	}()

	select {
	case err := <-errCh:
		return err
	case <-sigCtx.Done():
	}

	// Leave headroom past the grace period so stragglers get killed rather
	// than orphaned.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracePeriod.Duration+10*time.Second)
	defer cancel()
	if err := gw.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	return <-errCh
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
