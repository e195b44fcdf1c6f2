package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/kubux/tagsync/pkg/model"
	"github.com/kubux/tagsync/pkg/oplog"
)

func (a *app) cmdLog(args []string) int {
	flags := flag.NewFlagSet("log", flag.ContinueOnError)
	device := flags.String("device", "", "device log to read (default: this device)")
	since := flags.Uint64("since", 0, "show records with seq > this")
	limit := flags.Int("limit", 50, "max records to show (0: all)")
	key := flags.String("key", "", "filter by message key")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	dev := *device
	if dev == "" {
		e, err := a.engine(context.Background())
		if err != nil {
			return errorf("log", err)
		}
		dev = e.DeviceID()
	}

	recs, readErr := oplog.ReadDevice(a.cfg.SyncDir, dev)
	if readErr != nil && !errors.Is(readErr, model.ErrMalformedRecord) {
		return errorf("log", readErr)
	}
	ops := filterOps(recs, *since, *key)
	if *limit > 0 && len(ops) > *limit {
		ops = ops[len(ops)-*limit:]
	}

	if *jsonOut {
		out := map[string]interface{}{"device_id": dev, "operations": ops, "count": len(ops)}
		if readErr != nil {
			out["blocked"] = readErr.Error()
		}
		printJSON(out)
		return 0
	}
	if len(ops) == 0 {
		fmt.Println("no operations")
	}
	for _, op := range ops {
		printOp(op)
	}
	if readErr != nil {
		fmt.Fprintf(os.Stderr, "tagsync: log: stopped at %v\n", readErr)
	}
	return 0
}

func filterOps(recs []oplog.Record, since uint64, key string) []model.TagOperation {
	ops := make([]model.TagOperation, 0, len(recs))
	for _, r := range recs {
		if r.Op.Seq <= since {
			continue
		}
		if key != "" && r.Op.MessageKey != key {
			continue
		}
		ops = append(ops, r.Op)
	}
	return ops
}

func printOp(op model.TagOperation) {
	fmt.Printf("[%s] %s %s%s %s\n", op.ID(),
		op.CreatedAt().Format("2006-01-02 15:04:05.000"), string(op.Action), op.Tag, op.MessageKey)
}
