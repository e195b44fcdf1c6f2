package tagstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"time"
)

// runFunc executes a command and returns its stdout.
type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// Notmuch drives a notmuch mail index through its CLI. Message keys are
// Message-IDs without angle brackets.
type Notmuch struct {
	bin     string
	config  string
	timeout time.Duration
	run     runFunc
	logger  *slog.Logger
}

// NewNotmuch returns an adapter invoking bin (default "notmuch"), with
// --config=configPath when configPath is non-empty.
func NewNotmuch(bin, configPath string, timeout time.Duration) *Notmuch {
	if bin == "" {
		bin = "notmuch"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Notmuch{bin: bin, config: configPath, timeout: timeout, run: execRun, logger: slog.Default()}
}

// WithLogger sets the logger used for index warnings.
func (n *Notmuch) WithLogger(logger *slog.Logger) *Notmuch {
	if logger != nil {
		n.logger = logger
	}
	return n
}

func execRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s: timeout", name)
		}
		return nil, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

func (n *Notmuch) cmd(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	if n.config != "" {
		args = append([]string{"--config=" + n.config}, args...)
	}
	return n.run(ctx, n.bin, args...)
}

// idQuery renders an exact Message-ID query term.
func idQuery(messageKey string) string {
	return `id:"` + strings.ReplaceAll(messageKey, `"`, `""`) + `"`
}

func (n *Notmuch) GetTags(ctx context.Context, messageKey string) ([]string, error) {
	out, err := n.cmd(ctx, "search", "--output=tags", "--exclude=false", "--", idQuery(messageKey))
	if err != nil {
		return nil, err
	}
	var tags []string
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			tags = append(tags, line)
		}
	}
	sort.Strings(tags)
	return tags, nil
}

// indexed reports whether the index holds messageKey. notmuch tag exits
// zero for a query matching nothing, so mutations check first.
func (n *Notmuch) indexed(ctx context.Context, messageKey string) (bool, error) {
	out, err := n.cmd(ctx, "count", "--exclude=false", "--", idQuery(messageKey))
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(out)) != "0", nil
}

func (n *Notmuch) tag(ctx context.Context, messageKey, change string) error {
	ok, err := n.indexed(ctx, messageKey)
	if err != nil {
		return err
	}
	if !ok {
		n.logger.Warn("message not found in notmuch index", "message_key", messageKey, "change", change)
		return nil
	}
	_, err = n.cmd(ctx, "tag", change, "--", idQuery(messageKey))
	return err
}

func (n *Notmuch) AddTag(ctx context.Context, messageKey, tag string) error {
	return n.tag(ctx, messageKey, "+"+tag)
}

func (n *Notmuch) RemoveTag(ctx context.Context, messageKey, tag string) error {
	return n.tag(ctx, messageKey, "-"+tag)
}
