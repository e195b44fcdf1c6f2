package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/kubux/tagsync/pkg/frontier"
)

func (a *app) cmdStatus(args []string) int {
	flags := flag.NewFlagSet("status", flag.ContinueOnError)
	check := flags.Bool("check", false, "exit 2 unless every visible record has been applied")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	ctx := context.Background()
	e, err := a.engine(ctx)
	if err != nil {
		return errorf("status", err)
	}
	st, err := e.Status(ctx)
	if err != nil {
		return errorf("status", err)
	}
	counts, err := e.State.CountOperations(ctx)
	if err != nil {
		return errorf("status", err)
	}

	if *jsonOut {
		printJSON(map[string]interface{}{
			"device_id": e.DeviceID(),
			"sync_dir":  a.cfg.SyncDir,
			"status":    st,
			"indexed":   counts,
		})
	} else {
		printStatus(e.DeviceID(), st, counts, time.Now())
	}
	if *check && !st.InSync {
		return 2
	}
	return 0
}

func printStatus(self string, st frontier.Status, indexed map[string]int64, now time.Time) {
	fmt.Println("devices:")
	for _, p := range st.Devices {
		marker := ""
		if p.DeviceID == self {
			marker = " <-- this device"
		}
		fmt.Printf("  %s %-24s head=%-6d applied=%-6d indexed=%-8s last=%s%s\n",
			progressIndicator(p), p.DeviceID, p.Head, p.Watermark,
			humanize.Comma(indexed[p.DeviceID]), lastSeen(p, now), marker)
		if p.Blocked != "" {
			fmt.Printf("      blocked: %s\n", p.Blocked)
		}
	}
	if st.InSync {
		fmt.Println("in sync")
		return
	}
	var lag uint64
	for _, p := range st.Behind {
		lag += p.Lag
	}
	fmt.Printf("behind: %d device(s), %s record(s) pending\n", len(st.Behind), humanize.Comma(int64(lag)))
}

func lastSeen(p frontier.DeviceProgress, now time.Time) string {
	if p.Missing {
		return "log missing"
	}
	if p.HeadTime == 0 {
		return "never"
	}
	return humanize.RelTime(time.Unix(0, p.HeadTime), now, "ago", "from now")
}

// progressIndicator returns a short text indicator for display.
func progressIndicator(p frontier.DeviceProgress) string {
	switch {
	case p.Blocked != "":
		return "[!]"
	case p.Missing:
		return "[?]"
	case p.Lag > 0:
		return "[~]"
	default:
		return "[+]"
	}
}
