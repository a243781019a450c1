// Package ptyshell runs interactive shells on a pseudo-terminal.
package ptyshell

import (
	"context"
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

	"github.com/creack/pty"

	"github.com/fwdslsh/dispatch-sub014/internal/router"
	"github.com/fwdslsh/dispatch-sub014/internal/session"
	"github.com/fwdslsh/dispatch-sub014/internal/store"
)

const (
	// Kind is the session type tag for PTY shells.
	Kind = router.TypePTY

	defaultCols = 80
	defaultRows = 24

	// killGrace is how long a shell gets to exit after SIGTERM before it
	// is killed.
	killGrace = 5 * time.Second

	readChunkSize = 4096
)

// Adapter spawns a shell attached to a pty for each session.
type Adapter struct {
	// Shell overrides the command to run. Empty means $SHELL, falling
	// back to /bin/bash.
	Shell string
}

func (a *Adapter) Kind() router.SessionType { return Kind }

// Create starts the shell in the workspace directory and begins streaming
// terminal output through req.OnEvent.
func (a *Adapter) Create(ctx context.Context, req session.CreateRequest) (session.Instance, error) {
	shell := a.Shell
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "/bin/bash"
	}

	cols, rows := defaultCols, defaultRows
	if v, err := strconv.Atoi(req.Options["cols"]); err == nil && v > 0 {
		cols = v
	}
	if v, err := strconv.Atoi(req.Options["rows"]); err == nil && v > 0 {
		rows = v
	}

	cmd := exec.Command(shell)
	cmd.Dir = req.WorkspacePath
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
	if err != nil {
		return nil, fmt.Errorf("start shell %s: %w", shell, err)
	}

	inst := &Instance{
		cmd:  cmd,
		ptmx: ptmx,
		pid:  cmd.Process.Pid,
	}

	go inst.readLoop(req.OnEvent)
	go inst.waitForExit(req.OnExit)

	slog.Debug("pty shell started", "session_id", req.SessionID, "pid", inst.pid, "shell", shell)
	return inst, nil
}

// Instance is one running shell on a pty.
type Instance struct {
	cmd  *exec.Cmd
	ptmx *os.File
	pid  int

	closeOnce sync.Once
}

func (i *Instance) TypeSpecificID() string { return strconv.Itoa(i.pid) }

func (i *Instance) Write(data []byte) error {
	_, err := i.ptmx.Write(data)
	return err
}

func (i *Instance) Resize(cols, rows int) error {
	return pty.Setsize(i.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// Close asks the shell to terminate and kills it after a grace period. The
// exit callback fires from the wait goroutine as usual.
func (i *Instance) Close() error {
	i.closeOnce.Do(func() {
		if err := i.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			return
		}
		go func() {
			time.Sleep(killGrace)
			_ = i.cmd.Process.Kill()
		}()
	})
	return nil
}

func (i *Instance) readLoop(onEvent func(store.Event)) {
	buf := make([]byte, readChunkSize)
	for {
		n, err := i.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onEvent(store.Event{
				Channel:   "pty:stdout",
				Type:      "chunk",
				Payload:   chunk,
				Timestamp: time.Now(),
			})
		}
		if err != nil {
			// EIO is the normal pty read result after the child exits.
			if !errors.Is(err, io.EOF) && !errors.Is(err, syscall.EIO) {
				slog.Debug("pty read ended", "pid", i.pid, "error", err)
			}
			return
		}
	}
}

func (i *Instance) waitForExit(onExit func(int)) {
	err := i.cmd.Wait()
	_ = i.ptmx.Close()

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
