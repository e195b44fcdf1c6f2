package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/kubux/tagsync/pkg/model"
	"github.com/kubux/tagsync/pkg/msgkey"
)

// parseTagArgs splits "+tag" / "-tag" arguments. A bare tag means add.
func parseTagArgs(args []string) (add, remove []string, err error) {
	for _, arg := range args {
		switch {
		case arg == "--":
		case strings.HasPrefix(arg, "+"):
			add = append(add, arg[1:])
		case strings.HasPrefix(arg, "-"):
			remove = append(remove, arg[1:])
		default:
			add = append(add, arg)
		}
	}
	if len(add) == 0 && len(remove) == 0 {
		return nil, nil, fmt.Errorf("no tags given (use +tag or -tag)")
	}
	return add, remove, nil
}

func (a *app) cmdTag(args []string) int {
	flags := flag.NewFlagSet("tag", flag.ContinueOnError)
	file := flags.String("file", "", "derive the message key from this message file")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	rest := flags.Args()

	var key string
	if *file != "" {
		k, err := msgkey.FromFile(*file)
		if err != nil {
			return errorf("tag", err)
		}
		key = k
	} else {
		if len(rest) == 0 {
			fmt.Fprintln(os.Stderr, "usage: tagsync tag <key> [+tag|-tag ...]")
			return 1
		}
		key, rest = msgkey.Normalize(rest[0]), rest[1:]
	}

	add, remove, err := parseTagArgs(rest)
	if err != nil {
		return errorf("tag", err)
	}

	ctx := context.Background()
	e, err := a.engine(ctx)
	if err != nil {
		return errorf("tag", err)
	}
	ids, err := e.Manager.SetTags(ctx, key, add, remove)
	if err != nil {
		return errorf("tag", err)
	}
	tags, err := e.Manager.Tags(ctx, key)
	if err != nil {
		// The operations are logged; the syncer will apply them.
		a.logger.Warn("read back tags failed", "key", key, "err", err)
	}

	if *jsonOut {
		printJSON(map[string]interface{}{
			"key":        key,
			"operations": ids,
			"tags":       tags,
		})
		return 0
	}
	for _, id := range ids {
		fmt.Printf("logged %s\n", id)
	}
	fmt.Printf("%s: %s\n", key, formatTags(tags))
	return 0
}

func (a *app) cmdTags(args []string) int {
	flags := flag.NewFlagSet("tags", flag.ContinueOnError)
	state := flags.Bool("state", false, "show the merged state and winning operation per tag")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if flags.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: tagsync tags [--state] <key>")
		return 1
	}
	key := msgkey.Normalize(flags.Arg(0))

	ctx := context.Background()
	e, err := a.engine(ctx)
	if err != nil {
		return errorf("tags", err)
	}

	if *state {
		states, err := e.Manager.State(ctx, key)
		if err != nil {
			return errorf("tags", err)
		}
		if *jsonOut {
			printJSON(map[string]interface{}{"key": key, "states": states})
			return 0
		}
		if len(states) == 0 {
			fmt.Printf("%s: no operations\n", key)
		}
		for _, st := range states {
			printState(st)
		}
		return 0
	}

	tags, err := e.Manager.Tags(ctx, key)
	if err != nil {
		return errorf("tags", err)
	}
	if *jsonOut {
		printJSON(map[string]interface{}{"key": key, "tags": tags})
		return 0
	}
	fmt.Printf("%s: %s\n", key, formatTags(tags))
	return 0
}

func printState(st model.TagState) {
	mark := "-"
	if st.Present {
		mark = "+"
	}
	fmt.Printf("  %s%-20s by %s at %s\n", mark, st.Key.Tag, st.Winner.ID(),
		st.Winner.CreatedAt().Format("2006-01-02 15:04:05.000"))
}

func formatTags(tags []string) string {
	if len(tags) == 0 {
		return "(none)"
	}
	return strings.Join(tags, " ")
}

func cmdKey(args []string) int {
	flags := flag.NewFlagSet("key", flag.ContinueOnError)
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if flags.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: tagsync key <file> [file ...]")
		return 1
	}
	keys := make(map[string]string, flags.NArg())
	code := 0
	for _, path := range flags.Args() {
		k, err := msgkey.FromFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "tagsync: key: %v\n", err)
			code = 1
			continue
		}
		keys[path] = k
		if !*jsonOut {
			if flags.NArg() == 1 {
				fmt.Println(k)
			} else {
				fmt.Printf("%s\t%s\n", path, k)
			}
		}
	}
	if *jsonOut {
		printJSON(map[string]interface{}{"keys": keys})
	}
	return code
}
