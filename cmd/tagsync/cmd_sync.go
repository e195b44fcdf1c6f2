package main

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/kubux/tagsync/pkg/syncer"
)

func (a *app) cmdSync(args []string) int {
	flags := flag.NewFlagSet("sync", flag.ContinueOnError)
	timeout := flags.Duration("timeout", 5*time.Minute, "give up after this long")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	e, err := a.engine(ctx)
	if err != nil {
		return errorf("sync", err)
	}
	res, err := e.Syncer.Reconcile(ctx)
	if err != nil {
		return errorf("sync", err)
	}

	if *jsonOut {
		printJSON(res)
		return 0
	}
	printSyncResult(res)
	return 0
}

func printSyncResult(res syncer.Result) {
	if res.Accepted == 0 {
		fmt.Println("up to date")
	} else {
		fmt.Printf("applied %d operation(s) from %s: %d key(s), +%d -%d\n",
			res.Accepted, strings.Join(res.Devices, ","), res.Keys, res.Added, res.Removed)
	}
	if res.Duplicates > 0 {
		fmt.Printf("skipped %d already-applied record(s)\n", res.Duplicates)
	}
	for _, dev := range res.Blocked {
		fmt.Printf("blocked: %s (malformed record, see log)\n", dev)
	}
}
