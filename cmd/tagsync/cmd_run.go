package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func (a *app) cmdRun(args []string) int {
	flags := flag.NewFlagSet("run", flag.ContinueOnError)
	metricsAddr := flags.String("metrics-addr", a.cfg.MetricsAddr, "serve Prometheus metrics on this address")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	a.cfg.MetricsAddr = *metricsAddr

	// Handle ctrl-c gracefully.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := a.engine(ctx)
	if err != nil {
		return errorf("run", err)
	}
	fmt.Fprintf(os.Stderr, "syncing %s as %s (ctrl-c to stop)\n", a.cfg.SyncDir, e.DeviceID())
	if err := e.Run(ctx); err != nil {
		return errorf("run", err)
	}
	fmt.Fprintln(os.Stderr, "\nstopped")
	return 0
}
