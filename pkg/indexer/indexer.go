// Package indexer drives the external semantic-index tool over a job
// workspace and turns its observable health into the system-prompt fragment
// handed to the agent.
//
// The tool's status subcommand prints one line per component in the form
// "name: state ...". A component is ready when its state word is "ready";
// the index is ready only when every component line says so. Lines without
// a colon are banners and ignored.
//
// Indexer failures never fail a job: callers degrade to the "index
// unavailable" fragment and move on.
package indexer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"agentbatch/pkg/exec"
	"agentbatch/pkg/logx"
)

const (
	startTimeout     = 2 * time.Minute
	reconcileTimeout = 10 * time.Minute
	stopTimeout      = 30 * time.Second
	statusTimeout    = 30 * time.Second
)

// Client invokes the indexer binary under impersonation in a workspace.
// A Client with an empty binary path is disabled: every operation reports
// the index unavailable without spawning anything.
type Client struct {
	bin      string
	provider string
	exec     exec.Executor
	logger   *logx.Logger
}

// New builds a client for the given indexer binary and embedding provider.
func New(bin, provider string, ex exec.Executor) *Client {
	return &Client{
		bin:      bin,
		provider: provider,
		exec:     ex,
		logger:   logx.NewLogger("indexer"),
	}
}

// Enabled reports whether an indexer binary is configured at all.
func (c *Client) Enabled() bool {
	return c.bin != ""
}

// Start brings the indexer up in the workspace as user.
func (c *Client) Start(ctx context.Context, workspace, user string) error {
	return c.runChecked(ctx, workspace, user, startTimeout, "start")
}

// Reconcile (re)builds the index over the workspace contents.
func (c *Client) Reconcile(ctx context.Context, workspace, user string) error {
	args := []string{"index-reconcile"}
	if c.provider != "" {
		args = append(args, "--embedding-provider", c.provider)
	}
	return c.runChecked(ctx, workspace, user, reconcileTimeout, args...)
}

// Stop shuts the indexer down. Best-effort: the error is for logging only.
func (c *Client) Stop(ctx context.Context, workspace, user string) error {
	return c.runChecked(ctx, workspace, user, stopTimeout, "stop")
}

// Ready probes the status subcommand and parses its output. Any failure to
// run or parse counts as not ready.
func (c *Client) Ready(ctx context.Context, workspace, user string) bool {
	if !c.Enabled() {
		return false
	}
	res, err := c.run(ctx, workspace, user, statusTimeout, "status")
	if err != nil || res.ExitCode != 0 {
		c.logger.Debug("Status probe failed (exit %d): %v", res.ExitCode, err)
		return false
	}
	return ParseStatus(res.Output)
}

func (c *Client) run(ctx context.Context, workspace, user string, timeout time.Duration, args ...string) (exec.Result, error) {
	cmd := append([]string{c.bin}, args...)
	return c.exec.Run(ctx, cmd, &exec.Opts{
		User:    user,
		WorkDir: workspace,
		Timeout: timeout,
	})
}

func (c *Client) runChecked(ctx context.Context, workspace, user string, timeout time.Duration, args ...string) error {
	if !c.Enabled() {
		return fmt.Errorf("no indexer binary configured")
	}
	res, err := c.run(ctx, workspace, user, timeout, args...)
	if err != nil {
		return fmt.Errorf("indexer %s: %w", args[0], err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("indexer %s exited %d: %s", args[0], res.ExitCode, tail(res.Output, 200))
	}
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// ParseStatus reports whether status output shows every component ready.
// Pure function of the output text.
func ParseStatus(output string) bool {
	components := 0
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, state, found := strings.Cut(line, ":")
		if !found || strings.TrimSpace(name) == "" {
			continue
		}
		components++
		fields := strings.Fields(state)
		if len(fields) == 0 || fields[0] != "ready" {
			return false
		}
	}
	return components > 0
}

// Prompt fragments handed to the agent as its one extra argument. Which one
// is chosen follows the observed indexer health, nothing else.
const (
	fragmentReady = "A semantic code index of this repository is available. " +
		"Prefer the indexer's semantic-search subcommand to locate relevant " +
		"code before reading files, and fall back to plain text search only " +
		"when it returns nothing useful."

	fragmentUnavailable = "No semantic code index is available for this " +
		"repository. Locate relevant code with classic text search (grep or " +
		"equivalent) over the working tree."
)

// PromptFragment selects between the two templates.
func PromptFragment(ready bool) string {
	if ready {
		return fragmentReady
	}
	return fragmentUnavailable
}
