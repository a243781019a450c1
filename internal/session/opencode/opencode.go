// Package opencode adapts the opencode CLI as an agent session. Unlike
// claude, opencode is one-shot per prompt: each Write spawns
// `opencode run --format json` and the conversation continues across runs
// via --session.
package opencode

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"

	"github.com/fwdslsh/dispatch-sub014/internal/router"
	"github.com/fwdslsh/dispatch-sub014/internal/session"
	"github.com/fwdslsh/dispatch-sub014/internal/session/agentproc"
	"github.com/fwdslsh/dispatch-sub014/internal/store"
)

// Kind is the session type tag for opencode agent sessions.
const Kind = router.TypeOpenCode

// Adapter spawns opencode runs per prompt.
type Adapter struct {
	// Command overrides the binary name, default "opencode".
	Command string
}

func (a *Adapter) Kind() router.SessionType { return Kind }

// Create registers the session without launching anything. The first Write
// starts the first run; OnExit fires when the instance is closed, since the
// logical session outlives individual runs.
func (a *Adapter) Create(ctx context.Context, req session.CreateRequest) (session.Instance, error) {
	command := a.Command
	if command == "" {
		command = "opencode"
	}
	return &Instance{
		command:   command,
		dir:       req.WorkspacePath,
		model:     req.Options["model"],
		sessionID: req.Resume,
		onEvent:   req.OnEvent,
		onExit:    req.OnExit,
		onID:      req.OnTypeSpecificID,
	}, nil
}

// Instance tracks the opencode conversation across one-shot runs.
type Instance struct {
	command string
	dir     string
	model   string

	onEvent func(store.Event)
	onExit  func(int)
	onID    func(string)

	mu        sync.Mutex
	sessionID string
	running   *agentproc.Process
	closed    bool
}

func (i *Instance) TypeSpecificID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.sessionID
}

// Write runs one opencode invocation with the prompt. A prompt sent while a
// run is in flight is rejected so runs never interleave on one conversation.
func (i *Instance) Write(data []byte) error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return os.ErrClosed
	}
	if i.running != nil {
		i.mu.Unlock()
		return errRunInFlight
	}

	args := []string{"run", "--format", "json"}
	if i.sessionID != "" {
		args = append(args, "--session", i.sessionID)
	}
	if i.model != "" {
		args = append(args, "--model", i.model)
	}
	args = append(args, "--", string(data))

	proc, err := agentproc.Start(agentproc.Config{
		Command: i.command,
		Args:    args,
		Dir:     i.dir,
		Env:     os.Environ(),
		Inspect: i.inspect,
		OnEvent: i.onEvent,
		OnExit:  i.runFinished,
	})
	if err != nil {
		i.mu.Unlock()
		return err
	}
	i.running = proc
	i.mu.Unlock()
	return nil
}

// Close aborts any in-flight run and retires the session.
func (i *Instance) Close() error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil
	}
	i.closed = true
	proc := i.running
	i.mu.Unlock()

	if proc != nil {
		// runFinished delivers the final exit.
		return proc.Close()
	}
	if i.onExit != nil {
		i.onExit(0)
	}
	return nil
}

func (i *Instance) runFinished(code int) {
	i.mu.Lock()
	i.running = nil
	closed := i.closed
	i.mu.Unlock()

	if code != 0 {
		slog.Warn("opencode run failed", "exit_code", code)
	}
	if closed && i.onExit != nil {
		i.onExit(code)
	}
}

func (i *Instance) inspect(line []byte) {
	var probe struct {
		SessionID string `json:"sessionID"`
	}
	if err := json.Unmarshal(line, &probe); err != nil || probe.SessionID == "" {
		return
	}
	i.mu.Lock()
	changed := probe.SessionID != i.sessionID
	i.sessionID = probe.SessionID
	i.mu.Unlock()
	if changed && i.onID != nil {
		i.onID(probe.SessionID)
	}
}

var errRunInFlight = errors.New("opencode run already in progress")
