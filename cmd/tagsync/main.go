// Command tagsync synchronizes mail tags between devices through a shared,
// file-replicated sync directory.
package main

import (
	"fmt"
	"os"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "--help", "-h", "help":
		printUsage()
		return
	case "--version", "-v", "version":
		fmt.Println("tagsync", version)
		return
	case "key":
		// Needs no configuration.
		os.Exit(cmdKey(os.Args[2:]))
	}

	a, err := newApp()
	if err != nil {
		fatal("%v", err)
	}
	defer a.Close()

	os.Exit(a.dispatch(os.Args[1], os.Args[2:]))
}

func (a *app) dispatch(cmd string, args []string) int {
	switch cmd {
	// Setup
	case "init":
		return a.cmdInit(args)
	case "config":
		return a.cmdConfig(args)

	// Tags
	case "tag":
		return a.cmdTag(args)
	case "tags":
		return a.cmdTags(args)

	// Sync
	case "sync":
		return a.cmdSync(args)
	case "run":
		return a.cmdRun(args)
	case "status", "st":
		return a.cmdStatus(args)
	case "log":
		return a.cmdLog(args)
	case "rebuild":
		return a.cmdRebuild(args)
	}
	fmt.Fprintf(os.Stderr, "tagsync: unknown command %q\n", cmd)
	fmt.Fprintln(os.Stderr, "Run 'tagsync --help' for usage.")
	return 1
}

func printUsage() {
	fmt.Print(`tagsync: mail tag synchronization across devices

Every tag change is appended to this device's operation log in the shared
sync directory. Logs from other devices are merged last-writer-wins into
the local tag store.

Usage:
  tagsync <command> [flags]

Setup:
  init [--device ID]          Assign the device identity, create the log
  config                      Print the effective configuration

Tags:
  tag <key> [+tag|-tag ...]   Add or remove tags on a message
  tag --file msg.eml ...      Same, key derived from the message file
  tags <key>                  Show tags of a message
  key <file>                  Print the message key of a message file

Sync:
  sync                        Fold all pending log records into the store
  run [--metrics-addr ADDR]   Watch the sync directory and sync continuously
  status [--check]            Per-device log heads, watermarks and lag
  log [--device ID]           Dump a device's operation log
  rebuild                     Recompute every tag from the operation index

Aliases:
  st = status

Environment:
  TAGSYNC_CONFIG    Config file (default: ~/.config/kubux-mail-client/tagsync.yaml)
  TAGSYNC_*         Override any config key, e.g. TAGSYNC_SYNC_DIR

All commands support --json for machine-readable output.

Exit codes:
  0  success
  1  error
  2  not in sync (status --check)
`)
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "tagsync: "+format+"\n", args...)
	os.Exit(1)
}
