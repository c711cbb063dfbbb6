// Package remote is the injected remote-execution capability: it delivers a
// command to one fleet host and captures its output. The orchestration core
// never depends on how delivery happens, only on the Executor interface.
package remote

import (
	"context"
	"fmt"
	"sync"
)

// Output is the captured result of one remote command.
type Output struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Executor runs one command on one host. Implementations must be safe for
// concurrent fan-out over a host list.
type Executor interface {
	Run(ctx context.Context, host, command string) (Output, error)
}

// Call records one command a MockExecutor received.
type Call struct {
	Host    string
	Command string
}

// MockExecutor is a scripted executor for tests. Responses are matched per
// host by a script function; unscripted commands succeed with empty output.
type MockExecutor struct {
	mu sync.Mutex
	// Script, if set, decides the response for every call.
	Script func(host, command string) (Output, error)
	// Down marks hosts that fail every command.
	Down  map[string]bool
	calls []Call
}

func NewMockExecutor() *MockExecutor {
	return &MockExecutor{Down: make(map[string]bool)}
}

func (m *MockExecutor) Run(ctx context.Context, host, command string) (Output, error) {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Host: host, Command: command})
	down := m.Down[host]
	script := m.Script
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	if down {
		return Output{}, fmt.Errorf("host %s unreachable", host)
	}
	if script != nil {
		return script(host, command)
	}
	return Output{}, nil
}

// Calls returns a copy of every recorded call, in arrival order.
func (m *MockExecutor) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallsMatching returns the recorded calls whose command satisfies pred.
func (m *MockExecutor) CallsMatching(pred func(Call) bool) []Call {
	var out []Call
	for _, c := range m.Calls() {
		if pred(c) {
			out = append(out, c)
		}
	}
	return out
}
