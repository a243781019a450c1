// Package realtime serves the WebSocket and REST surface: clients attach to
// sessions, replay missed events by sequence number, and stream live output.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fwdslsh/dispatch-sub014/internal/protocol"
	"github.com/fwdslsh/dispatch-sub014/internal/recorder"
	"github.com/fwdslsh/dispatch-sub014/internal/router"
	"github.com/fwdslsh/dispatch-sub014/internal/session"
	"github.com/fwdslsh/dispatch-sub014/internal/store"
	"github.com/fwdslsh/dispatch-sub014/internal/watcher"
	"github.com/fwdslsh/dispatch-sub014/internal/workspace"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow localhost origins for dev.
	},
}

// Server manages WebSocket connections and routes messages between clients,
// the session manager, and the event recorder.
type Server struct {
	manager   *session.Manager
	rec       *recorder.Recorder
	index     *workspace.Index
	watch     *watcher.Watcher
	staticDir string

	clientsMu sync.RWMutex
	clients   map[*client]bool

	// attachments maps sessionID to the clients attached to it. Each
	// attachment tracks delivery state so replay and live flow never
	// overlap or gap.
	attachMu    sync.Mutex
	attachments map[string]map[*client]*attachment
}

// attachment is one client's subscription to one session's event stream.
// Until the backlog is delivered, live events queue in pending; afterwards
// they flow directly, deduplicated by seq.
type attachment struct {
	mu      sync.Mutex
	lastSeq int64
	live    bool
	pending []store.Event
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server

	// mu guards closed and serializes sends against shutdown, so the
	// event fan-out never writes to a channel mid-close.
	mu     sync.Mutex
	closed bool
}

// New creates a realtime server. index and watch may be nil.
func New(mgr *session.Manager, rec *recorder.Recorder, index *workspace.Index, watch *watcher.Watcher, staticDir string) *Server {
	return &Server{
		manager:     mgr,
		rec:         rec,
		index:       index,
		watch:       watch,
		staticDir:   staticDir,
		clients:     make(map[*client]bool),
		attachments: make(map[string]map[*client]*attachment),
	}
}

// Run starts the background pumps that fan persisted events and session
// exits out to attached clients. It returns when ctx is cancelled.
func (s *Server) Run(ctx context.Context) {
	events := s.rec.Subscribe(ctx)
	exits := s.manager.SubscribeExits(ctx)

	go func() {
		for ev := range events {
			s.dispatchEvent(ev)
		}
	}()
	go func() {
		for notice := range exits {
			s.handleSessionExit(notice)
		}
	}()
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWebSocket)

	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("GET /sessions/{id}/events", s.handleSessionEvents)
	mux.HandleFunc("POST /sessions/{id}/input", s.handleSessionInput)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("GET /workspaces/sessions", s.handleWorkspaceSessions)

	if s.staticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.staticDir)))
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleWebSocket upgrades an HTTP connection to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, 256),
		server: s,
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	// New clients get the current session list before anything else.
	s.sendSessionList(c)

	go c.writePump()
	go c.readPump()
}

// sendSessionList pushes one session.update per live session to a client.
func (s *Server) sendSessionList(c *client) {
	for _, sess := range s.manager.Sessions() {
		msg, err := protocol.NewMessage(protocol.TypeSessionUpdate, updatePayload(sess))
		if err != nil {
			continue
		}
		c.enqueue(mustMarshal(msg))
	}
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket read ended", "error", err)
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue queues a message for delivery, dropping it if the client's buffer
// is full or the client is already shut down. Used for broadcasts where
// losing one update is harmless.
func (c *client) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// enqueueOrClose queues a sequenced message. A client too slow to keep up
// is disconnected rather than silently skipped; it reconnects and replays
// from its last seq, so no event is ever lost to backpressure.
func (c *client) enqueueOrClose(data []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	select {
	case c.send <- data:
		c.mu.Unlock()
	default:
		c.mu.Unlock()
		c.conn.Close()
	}
}

// shutdown closes the send channel exactly once. Sends are serialized with
// it through c.mu, so late fan-out deliveries become no-ops instead of
// writes to a closed channel.
func (c *client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()

	s.attachMu.Lock()
	for sessionID, atts := range s.attachments {
		delete(atts, c)
		if len(atts) == 0 {
			delete(s.attachments, sessionID)
		}
	}
	s.attachMu.Unlock()

	c.shutdown()
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, "", protocol.ErrInvalidMessage, err.Error(), "")
		return
	}

	switch msg.Type {
	case protocol.TypeSessionCreate:
		s.handleWSCreate(c, msg)
	case protocol.TypeSessionAttach:
		s.handleWSAttach(c, msg)
	case protocol.TypeSessionInput:
		s.handleWSInput(c, msg)
	case protocol.TypeSessionResize:
		s.handleWSResize(c, msg)
	case protocol.TypeSessionClose:
		s.handleWSClose(c, msg)
	case protocol.TypeSessionList:
		s.handleWSList(c, msg)
	}
}

func (s *Server) handleWSCreate(c *client, msg *protocol.Message) {
	var payload protocol.SessionCreatePayload
	json.Unmarshal(msg.Payload, &payload)

	sess, err := s.manager.CreateSession(context.Background(), session.CreateOptions{
		Type:          router.SessionType(payload.Type),
		WorkspacePath: payload.WorkspacePath,
		Title:         payload.Title,
		Resume:        payload.Resume,
		Options:       payload.Options,
	})
	if err != nil {
		s.sendError(c, msg.ID, createErrorCode(err), err.Error(), "")
		return
	}

	if s.watch != nil && sess.WorkspacePath != "" {
		if werr := s.watch.Watch(sess.ID, sess.WorkspacePath); werr != nil {
			slog.Warn("watch workspace", "session_id", sess.ID, "error", werr)
		}
	}

	reply, _ := protocol.NewReply(msg.ID, protocol.TypeSessionCreated, updatePayload(sess))
	c.enqueue(mustMarshal(reply))

	update, _ := protocol.NewMessage(protocol.TypeSessionUpdate, updatePayload(sess))
	s.broadcast(update)
}

func createErrorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrUnknownSessionType):
		return protocol.ErrUnknownSessionType
	case errors.Is(err, session.ErrMaxSessions):
		return protocol.ErrMaxSessions
	default:
		return protocol.ErrSpawnFailed
	}
}

// handleWSAttach registers the client for a session's event stream and
// replays everything after the client's last seen seq. Live events arriving
// during the replay queue up and flush afterwards, deduplicated by seq, so
// the client observes one gap-free ordered stream.
func (s *Server) handleWSAttach(c *client, msg *protocol.Message) {
	var payload protocol.SessionAttachPayload
	json.Unmarshal(msg.Payload, &payload)

	if _, ok := s.manager.Get(payload.SessionID); !ok {
		s.sendError(c, msg.ID, protocol.ErrSessionNotFound, "no such session", payload.SessionID)
		return
	}

	att := &attachment{lastSeq: payload.AfterSeq}
	s.attachMu.Lock()
	if s.attachments[payload.SessionID] == nil {
		s.attachments[payload.SessionID] = make(map[*client]*attachment)
	}
	s.attachments[payload.SessionID][c] = att
	s.attachMu.Unlock()

	backlog, err := s.rec.Events(context.Background(), payload.SessionID, payload.AfterSeq)
	if err != nil {
		s.detach(c, payload.SessionID)
		s.sendError(c, msg.ID, protocol.ErrStorage, err.Error(), payload.SessionID)
		return
	}

	events := make([]protocol.EventPayload, len(backlog))
	for i, ev := range backlog {
		events[i] = eventPayload(ev)
	}

	att.mu.Lock()
	if n := len(backlog); n > 0 {
		att.lastSeq = backlog[n-1].Seq
	}
	reply, _ := protocol.NewReply(msg.ID, protocol.TypeSessionAttached, protocol.SessionAttachedPayload{
		SessionID: payload.SessionID,
		AfterSeq:  payload.AfterSeq,
		Events:    events,
	})
	c.enqueueOrClose(mustMarshal(reply))

	for _, ev := range att.pending {
		if ev.Seq <= att.lastSeq {
			continue
		}
		if ev.Seq > att.lastSeq+1 && !s.backfill(c, att, ev) {
			break
		}
		if ev.Seq > att.lastSeq {
			att.lastSeq = ev.Seq
			s.sendEvent(c, ev)
		}
	}
	att.pending = nil
	att.live = true
	att.mu.Unlock()
}

func (s *Server) detach(c *client, sessionID string) {
	s.attachMu.Lock()
	defer s.attachMu.Unlock()
	atts := s.attachments[sessionID]
	delete(atts, c)
	if len(atts) == 0 {
		delete(s.attachments, sessionID)
	}
}

func (s *Server) handleWSInput(c *client, msg *protocol.Message) {
	var payload protocol.SessionInputPayload
	json.Unmarshal(msg.Payload, &payload)

	delivered, err := s.manager.Send(payload.SessionID, payload.Data)
	if !delivered {
		s.sendError(c, msg.ID, protocol.ErrSessionNotFound, "no such session", payload.SessionID)
		return
	}
	if err != nil {
		s.sendError(c, msg.ID, protocol.ErrInputFailed, err.Error(), payload.SessionID)
	}
}

func (s *Server) handleWSResize(c *client, msg *protocol.Message) {
	var payload protocol.SessionResizePayload
	json.Unmarshal(msg.Payload, &payload)

	// Resize is best-effort; failures are logged, never surfaced.
	found, err := s.manager.Resize(payload.SessionID, payload.Cols, payload.Rows)
	if found && err != nil {
		slog.Debug("resize session", "session_id", payload.SessionID, "error", err)
	}
}

func (s *Server) handleWSClose(c *client, msg *protocol.Message) {
	var payload protocol.SessionIDPayload
	json.Unmarshal(msg.Payload, &payload)

	stopped, err := s.manager.StopSession(context.Background(), payload.SessionID)
	if err != nil {
		s.sendError(c, msg.ID, protocol.ErrInputFailed, err.Error(), payload.SessionID)
		return
	}
	if !stopped {
		s.sendError(c, msg.ID, protocol.ErrSessionNotFound, "no such session", payload.SessionID)
	}
}

func (s *Server) handleWSList(c *client, msg *protocol.Message) {
	sessions := s.manager.Sessions()
	payloads := make([]protocol.SessionUpdatePayload, len(sessions))
	for i, sess := range sessions {
		payloads[i] = updatePayload(sess)
	}
	reply, _ := protocol.NewReply(msg.ID, protocol.TypeSessionList, protocol.SessionListPayload{Sessions: payloads})
	c.enqueue(mustMarshal(reply))
}

// dispatchEvent fans one persisted event out to the session's attached
// clients, respecting each attachment's replay state.
func (s *Server) dispatchEvent(ev store.Event) {
	s.attachMu.Lock()
	atts := s.attachments[ev.SessionID]
	targets := make([]struct {
		c   *client
		att *attachment
	}, 0, len(atts))
	for c, att := range atts {
		targets = append(targets, struct {
			c   *client
			att *attachment
		}{c, att})
	}
	s.attachMu.Unlock()

	for _, t := range targets {
		t.att.mu.Lock()
		switch {
		case !t.att.live:
			t.att.pending = append(t.att.pending, ev)
		case ev.Seq > t.att.lastSeq:
			if ev.Seq > t.att.lastSeq+1 && !s.backfill(t.c, t.att, ev) {
				break
			}
			if ev.Seq > t.att.lastSeq {
				t.att.lastSeq = ev.Seq
				s.sendEvent(t.c, ev)
			}
		}
		t.att.mu.Unlock()
	}
}

// backfill repairs a sequence gap for one attachment by replaying the
// missed range from the durable log before the current event goes out. The
// fan-out subscription may shed events under load; the log has them all.
// Caller holds att.mu.
func (s *Server) backfill(c *client, att *attachment, ev store.Event) bool {
	missed, err := s.rec.Events(context.Background(), ev.SessionID, att.lastSeq)
	if err != nil {
		slog.Warn("backfill event gap", "session_id", ev.SessionID, "after_seq", att.lastSeq, "error", err)
		// The client replays from its last seq on reconnect.
		c.conn.Close()
		return false
	}
	for _, mev := range missed {
		if mev.Seq >= ev.Seq {
			break
		}
		att.lastSeq = mev.Seq
		s.sendEvent(c, mev)
	}
	return true
}

func (s *Server) sendEvent(c *client, ev store.Event) {
	msg, err := protocol.NewMessage(protocol.TypeSessionEvent, eventPayload(ev))
	if err != nil {
		return
	}
	c.enqueueOrClose(mustMarshal(msg))
}

// handleSessionExit broadcasts termination and drops the session's
// attachments and workspace watch.
func (s *Server) handleSessionExit(notice session.ExitNotice) {
	if s.watch != nil {
		s.watch.Unwatch(notice.SessionID)
	}

	s.attachMu.Lock()
	delete(s.attachments, notice.SessionID)
	s.attachMu.Unlock()

	msg, err := protocol.NewMessage(protocol.TypeSessionTerminated, protocol.SessionTerminatedPayload{
		SessionID: notice.SessionID,
		ExitCode:  notice.ExitCode,
	})
	if err != nil {
		return
	}
	s.broadcast(msg)
}

// OnWorkspaceChange is the watcher callback; it broadcasts a change summary
// for the session's workspace.
func (s *Server) OnWorkspaceChange(sessionID, workspacePath string, changeCount int) {
	msg, err := protocol.NewMessage(protocol.TypeWorkspaceChanged, protocol.WorkspaceChangedPayload{
		SessionID:     sessionID,
		WorkspacePath: workspacePath,
		ChangeCount:   changeCount,
	})
	if err != nil {
		return
	}
	s.broadcast(msg)
}

// broadcast sends a message to all connected clients.
func (s *Server) broadcast(msg *protocol.Message) {
	data := mustMarshal(msg)

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for c := range s.clients {
		c.enqueue(data)
	}
}

func (s *Server) sendError(c *client, requestID, code, message, sessionID string) {
	msg, err := protocol.NewSessionErrorMessage(code, message, sessionID)
	if err != nil {
		return
	}
	msg.ID = requestID
	c.enqueue(mustMarshal(msg))
}

func updatePayload(sess router.Session) protocol.SessionUpdatePayload {
	return protocol.SessionUpdatePayload{
		ID:            sess.ID,
		Type:          string(sess.Type),
		WorkspacePath: sess.WorkspacePath,
		Title:         sess.Title,
		ActivityState: string(sess.Activity),
		Resumed:       sess.Resumed,
		CreatedAt:     sess.CreatedAt.Format(time.RFC3339Nano),
	}
}

func eventPayload(ev store.Event) protocol.EventPayload {
	return protocol.EventPayload{
		SessionID: ev.SessionID,
		Seq:       ev.Seq,
		Channel:   ev.Channel,
		Type:      ev.Type,
		Data:      ev.Payload,
		Timestamp: ev.Timestamp,
	}
}

func mustMarshal(msg *protocol.Message) []byte {
	data, _ := json.Marshal(msg)
	return data
}
