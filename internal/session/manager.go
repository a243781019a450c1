package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fwdslsh/dispatch-sub014/internal/pubsub"
	"github.com/fwdslsh/dispatch-sub014/internal/recorder"
	"github.com/fwdslsh/dispatch-sub014/internal/router"
	"github.com/fwdslsh/dispatch-sub014/internal/store"
	"github.com/fwdslsh/dispatch-sub014/internal/workspace"
)

// ExitNotice announces that a session's backing process terminated.
type ExitNotice struct {
	SessionID string
	ExitCode  int
}

// CreateOptions are the caller-facing knobs for CreateSession.
type CreateOptions struct {
	Type          router.SessionType
	WorkspacePath string
	Title         string
	Resume        string
	Options       map[string]string
}

// Manager owns session lifecycle: it dispatches creation to the registered
// adapters, wires adapter output into the event recorder, and keeps the
// router and workspace index in sync.
type Manager struct {
	recorder *recorder.Recorder
	router   *router.Router
	index    *workspace.Index
	exits    *pubsub.Broker[ExitNotice]

	maxSessions int

	mu        sync.Mutex
	adapters  map[router.SessionType]Adapter
	instances map[string]Instance
	// creating counts sessions past the limit check but not yet in
	// instances, so concurrent creates cannot overshoot maxSessions.
	creating int
}

// NewManager builds a Manager with no adapters registered. maxSessions <= 0
// means unlimited.
func NewManager(rec *recorder.Recorder, rt *router.Router, idx *workspace.Index, maxSessions int) *Manager {
	return &Manager{
		recorder:    rec,
		router:      rt,
		index:       idx,
		exits:       pubsub.NewBroker[ExitNotice](),
		maxSessions: maxSessions,
		adapters:    make(map[router.SessionType]Adapter),
		instances:   make(map[string]Instance),
	}
}

// Register makes an adapter available for its kind. Later registrations for
// the same kind win.
func (m *Manager) Register(a Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters[a.Kind()] = a
}

// Kinds returns the registered session types, sorted.
func (m *Manager) Kinds() []router.SessionType {
	m.mu.Lock()
	defer m.mu.Unlock()
	kinds := make([]router.SessionType, 0, len(m.adapters))
	for k := range m.adapters {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// SubscribeExits delivers an ExitNotice for every session whose backing
// process terminates.
func (m *Manager) SubscribeExits(ctx context.Context) <-chan ExitNotice {
	return m.exits.Subscribe(ctx)
}

// CreateSession starts a new session of the given type. Events produced by
// the adapter between process start and registration are buffered by the
// recorder and flushed once the session is fully visible, so no early
// output is lost.
func (m *Manager) CreateSession(ctx context.Context, opts CreateOptions) (router.Session, error) {
	m.mu.Lock()
	adapter, ok := m.adapters[opts.Type]
	if !ok {
		m.mu.Unlock()
		return router.Session{}, fmt.Errorf("%w: %q", ErrUnknownSessionType, opts.Type)
	}
	if m.maxSessions > 0 && len(m.instances)+m.creating >= m.maxSessions {
		m.mu.Unlock()
		return router.Session{}, ErrMaxSessions
	}
	m.creating++
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		m.creating--
		m.mu.Unlock()
	}

	if opts.WorkspacePath != "" {
		info, err := os.Stat(opts.WorkspacePath)
		if err != nil {
			release()
			return router.Session{}, fmt.Errorf("workspace path: %w", err)
		}
		if !info.IsDir() {
			release()
			return router.Session{}, fmt.Errorf("workspace path %s is not a directory", opts.WorkspacePath)
		}
	}

	id := uuid.NewString()
	m.recorder.StartBuffering(id)

	inst, err := adapter.Create(ctx, CreateRequest{
		SessionID:     id,
		WorkspacePath: opts.WorkspacePath,
		Options:       opts.Options,
		Resume:        opts.Resume,
		OnEvent: func(ev store.Event) {
			m.router.SetStreaming(id)
			if rerr := m.recorder.Record(id, ev); rerr != nil {
				slog.Error("record session event", "session_id", id, "error", rerr)
			}
		},
		OnExit: func(code int) {
			m.handleExit(id, code)
		},
		OnTypeSpecificID: func(tsid string) {
			m.router.UpdateTypeSpecificID(id, tsid)
		},
	})
	if err != nil {
		m.recorder.ClearBuffer(id)
		release()
		return router.Session{}, fmt.Errorf("spawn %s session: %w", opts.Type, err)
	}

	desc := router.Descriptor{
		ID:             id,
		Type:           opts.Type,
		TypeSpecificID: inst.TypeSpecificID(),
		WorkspacePath:  opts.WorkspacePath,
		Title:          opts.Title,
		Resumed:        opts.Resume != "",
		CreatedAt:      time.Now(),
	}
	m.router.Bind(desc)

	m.mu.Lock()
	m.instances[id] = inst
	m.creating--
	m.mu.Unlock()

	if m.index != nil && opts.WorkspacePath != "" {
		if ierr := m.index.Remember(ctx, desc); ierr != nil {
			slog.Error("remember workspace session", "session_id", id, "error", ierr)
		}
	}

	m.recorder.FlushBuffer(id)

	slog.Info("session created",
		"session_id", id,
		"type", opts.Type,
		"workspace", opts.WorkspacePath,
		"resumed", desc.Resumed)

	sess, _ := m.router.Get(id)
	return sess, nil
}

// Send delivers input to a session. Input to an unknown session is a
// tolerated no-op returning false, matching the disconnect-heavy reality of
// remote clients.
func (m *Manager) Send(sessionID string, data []byte) (bool, error) {
	m.mu.Lock()
	inst, ok := m.instances[sessionID]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := inst.Write(data); err != nil {
		return true, fmt.Errorf("write to session %s: %w", sessionID, err)
	}
	m.router.SetProcessing(sessionID)
	return true, nil
}

// Resize changes the window size of a session whose adapter supports it.
func (m *Manager) Resize(sessionID string, cols, rows int) (bool, error) {
	m.mu.Lock()
	inst, ok := m.instances[sessionID]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	r, ok := inst.(Resizer)
	if !ok {
		return true, ErrUnsupportedOperation
	}
	if err := r.Resize(cols, rows); err != nil {
		return true, fmt.Errorf("resize session %s: %w", sessionID, err)
	}
	return true, nil
}

// StopSession terminates a session's backing process. Stopping an unknown
// session returns false without error.
func (m *Manager) StopSession(ctx context.Context, sessionID string) (bool, error) {
	m.mu.Lock()
	inst, ok := m.instances[sessionID]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := inst.Close(); err != nil {
		slog.Warn("close session instance", "session_id", sessionID, "error", err)
	}
	m.forget(ctx, sessionID)
	return true, nil
}

// Sessions returns all live sessions, oldest first.
func (m *Manager) Sessions() []router.Session {
	return m.router.All()
}

// Get returns one live session.
func (m *Manager) Get(sessionID string) (router.Session, bool) {
	return m.router.Get(sessionID)
}

// Shutdown stops every live session and waits for the recorder to drain.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if _, err := m.StopSession(ctx, id); err != nil {
			slog.Warn("stop session during shutdown", "session_id", id, "error", err)
		}
	}
	m.exits.Close()
	m.recorder.Close()
	return nil
}

func (m *Manager) handleExit(sessionID string, code int) {
	m.router.SetIdle(sessionID)
	if err := m.recorder.Record(sessionID, store.Event{
		Channel:   "session",
		Type:      "exit",
		Payload:   []byte(fmt.Sprintf(`{"exitCode":%d}`, code)),
		Timestamp: time.Now(),
	}); err != nil {
		slog.Error("record session exit", "session_id", sessionID, "error", err)
	}
	m.forget(context.Background(), sessionID)
	m.exits.Publish(ExitNotice{SessionID: sessionID, ExitCode: code})
	slog.Info("session exited", "session_id", sessionID, "exit_code", code)
}

func (m *Manager) forget(ctx context.Context, sessionID string) {
	m.mu.Lock()
	_, live := m.instances[sessionID]
	delete(m.instances, sessionID)
	m.mu.Unlock()
	if !live {
		return
	}

	if desc, ok := m.router.Get(sessionID); ok && m.index != nil && desc.WorkspacePath != "" {
		if err := m.index.Remove(ctx, desc.WorkspacePath, sessionID); err != nil {
			slog.Warn("remove workspace session", "session_id", sessionID, "error", err)
		}
	}
	m.router.Unbind(sessionID)
	m.recorder.Forget(sessionID)
}
