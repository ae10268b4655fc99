// Package vcsexec wraps subprocess execution the way go.skia.org/infra/go/exec
// does: a Command value describes what to run, Run executes it through a
// context-scoped function so tests can swap in a fake without touching a
// real shell. repocache and resolver use this for every git invocation.
package vcsexec

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.skia.org/covgate/go/skerr"
)

// Command describes a subprocess invocation.
type Command struct {
	Name    string
	Args    []string
	Dir     string
	Env     []string // extra env vars, appended to the current process's env unless InheritEnv is false.
	Timeout time.Duration

	Stdout *bytes.Buffer
	Stderr *bytes.Buffer

	InheritEnv bool
}

// RunFn executes cmd, writing to cmd.Stdout/cmd.Stderr if set.
type RunFn func(ctx context.Context, cmd *Command) error

type contextKeyType struct{}

var contextKey = contextKeyType{}

// NewContext returns a context that causes Run to use runFn instead of
// DefaultRun. Used by tests to observe or fake out subprocess calls.
func NewContext(ctx context.Context, runFn RunFn) context.Context {
	return context.WithValue(ctx, contextKey, runFn)
}

// Run executes cmd using the RunFn installed in ctx via NewContext, or
// DefaultRun if none was installed.
func Run(ctx context.Context, cmd *Command) error {
	if fn, ok := ctx.Value(contextKey).(RunFn); ok {
		return fn(ctx, cmd)
	}
	return DefaultRun(ctx, cmd)
}

// DefaultRun executes cmd for real via os/exec, applying cmd.Timeout as a
// context deadline if set.
func DefaultRun(ctx context.Context, cmd *Command) error {
	runCtx := ctx
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}
	c := exec.CommandContext(runCtx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	if cmd.InheritEnv {
		c.Env = append(os.Environ(), cmd.Env...)
	} else if len(cmd.Env) > 0 {
		c.Env = cmd.Env
	}
	if cmd.Stdout != nil {
		c.Stdout = cmd.Stdout
	}
	if cmd.Stderr != nil {
		c.Stderr = cmd.Stderr
	}
	if err := c.Run(); err != nil {
		return skerr.Wrapf(err, "running %s %s", cmd.Name, strings.Join(cmd.Args, " "))
	}
	return nil
}

// RunOutput runs a git subprocess and returns its trimmed stdout. stderr is
// captured into the returned error's message on failure.
func RunOutput(ctx context.Context, dir string, timeout time.Duration, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := &Command{
		Name:       "git",
		Args:       args,
		Dir:        dir,
		Timeout:    timeout,
		Stdout:     &stdout,
		Stderr:     &stderr,
		InheritEnv: true,
	}
	if err := Run(ctx, cmd); err != nil {
		return "", skerr.Wrapf(err, "git %s: %s", strings.Join(args, " "), stderr.String())
	}
	return strings.TrimSpace(stdout.String()), nil
}

// CommandCollector is a test double for Run: it records every command it
// sees and delegates to an optional override, falling back to DefaultRun.
type CommandCollector struct {
	Commands []*Command
	delegate RunFn
}

// SetDelegateRun overrides what CommandCollector.Run does after recording
// the command; nil restores the DefaultRun fallback.
func (c *CommandCollector) SetDelegateRun(fn RunFn) {
	c.delegate = fn
}

// Run implements RunFn: record, then delegate or DefaultRun.
func (c *CommandCollector) Run(ctx context.Context, cmd *Command) error {
	c.Commands = append(c.Commands, cmd)
	if c.delegate != nil {
		return c.delegate(ctx, cmd)
	}
	return DefaultRun(ctx, cmd)
}
