package osexec

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Fake is an OsExec for tests. Register canned results per command line with
// Stub; unregistered commands fail. All invocations are recorded.
type Fake struct {
	mu      sync.Mutex
	stubs   map[string]FakeResult
	History []string
	Ctxs    []context.Context
}

type FakeResult struct {
	Stdout string
	Err    error
}

func NewFake() *Fake {
	return &Fake{stubs: make(map[string]FakeResult)}
}

// Stub registers output for the given command line, e.g. "qstat -f".
func (f *Fake) Stub(cmdline string, res FakeResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stubs[cmdline] = res
}

func (f *Fake) CommandContext(ctx context.Context, name string, args ...string) Cmd {
	cmdline := strings.Join(append([]string{name}, args...), " ")
	f.mu.Lock()
	f.History = append(f.History, cmdline)
	f.Ctxs = append(f.Ctxs, ctx)
	res, ok := f.stubs[cmdline]
	f.mu.Unlock()
	if !ok {
		res = FakeResult{Err: fmt.Errorf("no stub for command %q", cmdline)}
	}
	return &fakeCmd{res: res}
}

// Calls returns how many recorded invocations have the given prefix.
func (f *Fake) Calls(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.History {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

type fakeCmd struct {
	res FakeResult
}

func (c *fakeCmd) Output() ([]byte, error)         { return []byte(c.res.Stdout), c.res.Err }
func (c *fakeCmd) CombinedOutput() ([]byte, error) { return []byte(c.res.Stdout), c.res.Err }
func (c *fakeCmd) Run() error                      { return c.res.Err }
func (c *fakeCmd) SetEnv(env []string)             {}
