package main

import (
	"flag"
	"fmt"
	"os"
)

func (a *app) cmdConfig(args []string) int {
	flags := flag.NewFlagSet("config", flag.ContinueOnError)
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if *jsonOut {
		printJSON(map[string]interface{}{"file": a.cfg.File(), "config": a.cfg})
		return 0
	}
	b, err := a.cfg.YAML()
	if err != nil {
		return errorf("config", err)
	}
	if f := a.cfg.File(); f != "" {
		fmt.Fprintf(os.Stderr, "# from %s\n", f)
	} else {
		fmt.Fprintln(os.Stderr, "# defaults (no config file)")
	}
	os.Stdout.Write(b)
	return 0
}
