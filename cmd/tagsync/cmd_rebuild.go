package main

import (
	"context"
	"flag"
	"fmt"
)

func (a *app) cmdRebuild(args []string) int {
	flags := flag.NewFlagSet("rebuild", flag.ContinueOnError)
	noSync := flags.Bool("no-sync", false, "skip folding pending log records first")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	ctx := context.Background()
	e, err := a.engine(ctx)
	if err != nil {
		return errorf("rebuild", err)
	}
	if !*noSync {
		if _, err := e.Syncer.Reconcile(ctx); err != nil {
			return errorf("rebuild", err)
		}
	}
	res, err := e.Syncer.Rebuild(ctx)
	if err != nil {
		return errorf("rebuild", err)
	}
	if *jsonOut {
		printJSON(res)
		return 0
	}
	fmt.Printf("rebuilt %d key(s): +%d -%d\n", res.Keys, res.Added, res.Removed)
	return 0
}
