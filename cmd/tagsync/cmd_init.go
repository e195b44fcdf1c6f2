package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kubux/tagsync/pkg/config"
	"github.com/kubux/tagsync/pkg/model"
)

func (a *app) cmdInit(args []string) int {
	flags := flag.NewFlagSet("init", flag.ContinueOnError)
	device := flags.String("device", "", "device ID to assign (default: config device_id, else a new UUID)")
	writeCfg := flags.Bool("write-config", false, "write the effective configuration if no config file exists")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	if *device != "" {
		if err := model.ValidateDeviceID(*device); err != nil {
			return errorf("init", err)
		}
		a.cfg.DeviceID = *device
	}

	e, err := a.engine(context.Background())
	if err != nil {
		return errorf("init", err)
	}

	cfgFile := a.cfg.File()
	if *writeCfg && cfgFile == "" {
		cfgFile = configPath()
		a.cfg.DeviceID = e.DeviceID()
		if err := writeConfig(cfgFile, a.cfg); err != nil {
			return errorf("init", err)
		}
	}

	if *jsonOut {
		printJSON(map[string]interface{}{
			"device_id": e.DeviceID(),
			"sync_dir":  a.cfg.SyncDir,
			"log_dir":   e.Log.Dir(),
			"state_db":  a.cfg.StateDB,
			"backend":   a.cfg.Store.Backend,
			"config":    cfgFile,
			"last_seq":  e.Log.LastSeq(),
		})
		return 0
	}
	fmt.Printf("device:   %s\n", e.DeviceID())
	fmt.Printf("log:      %s (last seq %d)\n", e.Log.Dir(), e.Log.LastSeq())
	fmt.Printf("state:    %s\n", a.cfg.StateDB)
	fmt.Printf("backend:  %s\n", a.cfg.Store.Backend)
	if cfgFile != "" {
		fmt.Printf("config:   %s\n", cfgFile)
	} else {
		fmt.Println("config:   defaults (no config file)")
	}
	return 0
}

func configPath() string {
	if p := os.Getenv(config.EnvConfig); p != "" {
		return p
	}
	return config.DefaultPath()
}

func writeConfig(path string, cfg *config.Config) error {
	b, err := cfg.YAML()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create %s: %w", filepath.Dir(path), err)
	}
	return os.WriteFile(path, b, 0o644)
}
