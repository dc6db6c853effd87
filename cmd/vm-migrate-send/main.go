package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/joyent/vm-migrate-send/internal/check"
	"github.com/joyent/vm-migrate-send/internal/config"
	"github.com/joyent/vm-migrate-send/internal/util"
	"github.com/joyent/vm-migrate-send/internal/worker"
)

func main() {
	cmd := &cli.Command{
		Name:    "vm-migrate-send",
		Usage:   "Migration sync sender worker",
		Version: worker.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to configuration yaml file",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return runBootstrap(ctx, cmd.String("config"))
		},
		Commands: []*cli.Command{
			{
				Name:  "check",
				Usage: "Validate configuration and the configured zfs binary",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "config",
						Usage: "path to configuration yaml file",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return check.Run(ctx, cmd.String("config"), worker.DefaultIPResolver, func(s string) { fmt.Println(s) })
				},
			},
			{
				Name:  "version",
				Usage: "Print the worker's version",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					fmt.Println(worker.Version)
					return nil
				},
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		if ctx.Err() == context.Canceled {
			fmt.Fprintln(os.Stderr, "\ninterrupted")
			os.Exit(130)
		}
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

// runBootstrap reads the supervisor's bootstrap message from stdin, binds
// the control server, writes the reply to stdout, and serves control
// commands until stopped. The log file path is derived from the logdir
// and logtimestamp environment variables, per the worker's bootstrap
// environment contract.
func runBootstrap(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logPath := util.LogFilePath(os.Getenv("logdir"), os.Getenv("logtimestamp"), time.Now())
	logger, logFile, ringBuf, err := util.SetupLogging(logPath)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer logFile.Close()

	w, err := worker.Bootstrap(os.Stdin, os.Stdout, cfg, logger, ringBuf, logFile, worker.DefaultIPResolver)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	go func() {
		<-ctx.Done()
		w.Stop()
	}()

	return w.Serve()
}
