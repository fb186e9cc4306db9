// Package osexec provides a thin interface around os/exec so that code
// shelling out to batch scheduler commands can inject fake implementations
// in tests.
package osexec

import (
	"context"
	osexec "os/exec"
)

type (
	// OsExec creates Cmds. The default implementation delegates to os/exec;
	// tests substitute a Fake that replays canned output.
	OsExec interface {
		// CommandContext creates a Cmd for the named program and arguments.
		// The command is killed when ctx is done.
		CommandContext(ctx context.Context, name string, args ...string) Cmd
	}

	// Cmd wraps the subset of os/exec.Cmd we use.
	Cmd interface {
		// Output runs the command and returns its standard output.
		Output() ([]byte, error)

		// CombinedOutput runs the command and returns combined stdout and stderr.
		CombinedOutput() ([]byte, error)

		// Run starts the command and waits for it to complete.
		Run() error

		// SetEnv appends key=value pairs to the command's environment.
		// The parent environment is inherited either way.
		SetEnv(env []string)
	}

	defaultOsExec struct{}

	defaultCmd struct {
		cmd *osexec.Cmd
	}
)

// NewOsExec returns the os/exec backed implementation.
func NewOsExec() OsExec {
	return &defaultOsExec{}
}

func (e *defaultOsExec) CommandContext(ctx context.Context, name string, args ...string) Cmd {
	return &defaultCmd{cmd: osexec.CommandContext(ctx, name, args...)}
}

func (c *defaultCmd) Output() ([]byte, error)         { return c.cmd.Output() }
func (c *defaultCmd) CombinedOutput() ([]byte, error) { return c.cmd.CombinedOutput() }
func (c *defaultCmd) Run() error                      { return c.cmd.Run() }

func (c *defaultCmd) SetEnv(env []string) {
	if c.cmd.Env == nil {
		c.cmd.Env = c.cmd.Environ()
	}
	c.cmd.Env = append(c.cmd.Env, env...)
}

// LookPath reports whether the named binary is on PATH.
func LookPath(name string) bool {
	_, err := osexec.LookPath(name)
	return err == nil
}
