// Package agentproc runs line-oriented agent CLIs as subprocesses and
// forwards their streamed JSON output as session events.
package agentproc

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/fwdslsh/dispatch-sub014/internal/store"
)

const (
	killGrace = 5 * time.Second

	// maxLineSize bounds a single streamed JSON line. Agent tool results
	// can get large.
	maxLineSize = 10 * 1024 * 1024
)

// Config describes the subprocess to run.
type Config struct {
	Command string
	Args    []string
	Dir     string
	Env     []string

	// Inspect, if set, sees every stdout line before it is emitted.
	// Adapters use it to pull identifiers out of the stream.
	Inspect func(line []byte)

	OnEvent func(ev store.Event)
	OnExit  func(exitCode int)
}

// Process is a running agent subprocess. Stdout lines become agent:delta
// events, stderr lines become agent:error events.
type Process struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	pid   int

	closeOnce sync.Once
	pumps     sync.WaitGroup
}

// Start launches the subprocess and begins pumping its output.
func Start(cfg Config) (*Process, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = cfg.Env
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cfg.Command, err)
	}

	p := &Process{
		cmd:   cmd,
		stdin: stdin,
		pid:   cmd.Process.Pid,
	}

	p.pumps.Add(2)
	go p.pumpStdout(stdout, cfg)
	go p.pumpStderr(stderr, cfg.OnEvent)
	go p.waitForExit(cfg.OnExit)

	slog.Debug("agent process started", "command", cfg.Command, "pid", p.pid)
	return p, nil
}

// Pid returns the subprocess pid.
func (p *Process) Pid() string { return strconv.Itoa(p.pid) }

// Write sends data to the subprocess stdin.
func (p *Process) Write(data []byte) error {
	_, err := p.stdin.Write(data)
	return err
}

// Close shuts stdin, asks the process to terminate, and kills it after a
// grace period.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		_ = p.stdin.Close()
		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			return
		}
		go func() {
			time.Sleep(killGrace)
			_ = p.cmd.Process.Kill()
		}()
	})
	return nil
}

func (p *Process) pumpStdout(r io.Reader, cfg Config) {
	defer p.pumps.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if cfg.Inspect != nil {
			cfg.Inspect(line)
		}
		payload := make([]byte, len(line))
		copy(payload, line)
		cfg.OnEvent(store.Event{
			Channel:   "agent:delta",
			Type:      "json",
			Payload:   payload,
			Timestamp: time.Now(),
		})
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		slog.Debug("agent stdout ended", "pid", p.pid, "error", err)
	}
}

func (p *Process) pumpStderr(r io.Reader, onEvent func(store.Event)) {
	defer p.pumps.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		payload := make([]byte, len(line))
		copy(payload, line)
		onEvent(store.Event{
			Channel:   "agent:error",
			Type:      "text",
			Payload:   payload,
			Timestamp: time.Now(),
		})
	}
}

func (p *Process) waitForExit(onExit func(int)) {
	// Pumps drain before Wait reaps the process so the final output lines
	// are emitted ahead of the exit callback.
	p.pumps.Wait()
	err := p.cmd.Wait()

	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	if onExit != nil {
		onExit(code)
	}
}
