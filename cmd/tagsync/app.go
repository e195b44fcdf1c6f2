package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/kubux/tagsync/pkg/config"
	"github.com/kubux/tagsync/pkg/engine"
)

// app holds shared state for all CLI subcommands.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	eng    *engine.Engine
}

// newApp loads the configuration (TAGSYNC_CONFIG or the default path) and
// sets up logging. The engine is opened on first use.
func newApp() (*app, error) {
	cfg, err := config.Load("")
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, logger: newLogger(os.Stderr, cfg.LogLevel)}, nil
}

// Close releases the engine if it was opened.
func (a *app) Close() {
	if a.eng != nil {
		a.eng.Close()
	}
}

// engine opens the state DB, device log and store backend.
func (a *app) engine(ctx context.Context) (*engine.Engine, error) {
	if a.eng != nil {
		return a.eng, nil
	}
	e, err := engine.Open(ctx, a.cfg, a.logger)
	if err != nil {
		return nil, err
	}
	a.eng = e
	return e, nil
}

// newLogger logs text to a terminal and JSON otherwise.
func newLogger(w *os.File, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var h slog.Handler
	if isatty.IsTerminal(w.Fd()) || isatty.IsCygwinTerminal(w.Fd()) {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v interface{}) {
	writeJSON(os.Stdout, v)
}

func writeJSON(w io.Writer, v interface{}) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func errorf(cmd string, err error) int {
	fmt.Fprintf(os.Stderr, "tagsync: %s: %v\n", cmd, err)
	return 1
}
