// Package claude adapts the Claude Code CLI as an agent session. The CLI
// runs in streaming JSON mode: prompts go in as stream-json user messages on
// stdin, responses come back as one JSON event per stdout line.
package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/fwdslsh/dispatch-sub014/internal/router"
	"github.com/fwdslsh/dispatch-sub014/internal/session"
	"github.com/fwdslsh/dispatch-sub014/internal/session/agentproc"
)

// Kind is the session type tag for Claude agent sessions.
const Kind = router.TypeClaude

// Adapter spawns the claude CLI per session.
type Adapter struct {
	// Command overrides the binary name, default "claude".
	Command string
}

func (a *Adapter) Kind() router.SessionType { return Kind }

// Create starts the CLI in the workspace directory. When the stream reports
// its conversation id (the init event's session_id), it is forwarded through
// OnTypeSpecificID so the session survives a server restart via --resume.
func (a *Adapter) Create(ctx context.Context, req session.CreateRequest) (session.Instance, error) {
	command := a.Command
	if command == "" {
		command = "claude"
	}

	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	}
	if req.Resume != "" {
		args = append(args, "--resume", req.Resume)
	}
	if model := req.Options["model"]; model != "" {
		args = append(args, "--model", model)
	}

	inst := &Instance{}
	inst.conversationID.Store(req.Resume)

	proc, err := agentproc.Start(agentproc.Config{
		Command: command,
		Args:    args,
		Dir:     req.WorkspacePath,
		Env:     os.Environ(),
		Inspect: func(line []byte) {
			if id := extractSessionID(line); id != "" && id != inst.conversationID.Load() {
				inst.conversationID.Store(id)
				if req.OnTypeSpecificID != nil {
					req.OnTypeSpecificID(id)
				}
			}
		},
		OnEvent: req.OnEvent,
		OnExit:  req.OnExit,
	})
	if err != nil {
		return nil, err
	}
	inst.proc = proc
	return inst, nil
}

// Instance wraps the running CLI process.
type Instance struct {
	proc           *agentproc.Process
	conversationID atomicString
}

func (i *Instance) TypeSpecificID() string { return i.conversationID.Load() }

// Write wraps the prompt bytes as a stream-json user message and sends it
// on the CLI's stdin.
func (i *Instance) Write(data []byte) error {
	msg := streamMessage{Type: "user"}
	msg.Message.Role = "user"
	msg.Message.Content = string(data)
	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode prompt: %w", err)
	}
	return i.proc.Write(append(line, '\n'))
}

func (i *Instance) Close() error { return i.proc.Close() }

// atomicString is a string-typed wrapper over atomic.Value so the pump
// goroutine and callers can share the conversation id without a lock.
type atomicString struct{ v atomic.Value }

func (s *atomicString) Store(val string) { s.v.Store(val) }

func (s *atomicString) Load() string {
	val, _ := s.v.Load().(string)
	return val
}

type streamMessage struct {
	Type    string `json:"type"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
}

// extractSessionID reads the session_id field woven through the CLI's
// streamed events. The system/init event carries it first.
func extractSessionID(line []byte) string {
	var probe struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return ""
	}
	return probe.SessionID
}
