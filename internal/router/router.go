// Package router is the in-memory directory of live sessions: descriptors,
// coarse activity state, and the short-term message buffer for channels that
// do not go through the event log.
package router

import (
	"sort"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"
)

// SessionType identifies the backing adapter kind. The set is open: new
// adapter kinds register under new values.
type SessionType string

const (
	TypePTY      SessionType = "pty"
	TypeClaude   SessionType = "claude"
	TypeOpenCode SessionType = "opencode"
)

// ActivityState is a coarse indicator of outstanding work, for UI feedback
// only.
type ActivityState string

const (
	ActivityIdle       ActivityState = "idle"
	ActivityProcessing ActivityState = "processing"
	ActivityStreaming  ActivityState = "streaming"
)

// Descriptor holds the metadata for one logical session. ID is the unified
// session identifier; TypeSpecificID is only meaningful together with Type.
type Descriptor struct {
	ID             string      `json:"id"`
	Type           SessionType `json:"type"`
	TypeSpecificID string      `json:"typeSpecificId"`
	WorkspacePath  string      `json:"workspacePath"`
	Title          string      `json:"title"`
	Resumed        bool        `json:"resumed"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// Session is a read view: a descriptor copy merged with its current
// activity state.
type Session struct {
	Descriptor
	Activity ActivityState `json:"activityState"`
}

const (
	maxBufferedMessages = 100
	defaultBufferTTL    = 5 * time.Minute
)

// BufferedMessage is one entry in a session's legacy message buffer.
type BufferedMessage struct {
	EventType string    `json:"eventType"`
	Data      []byte    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
	Sequence  int64     `json:"sequence"`
}

type messageBuffer struct {
	entries []BufferedMessage
	nextSeq int64
}

// Router tracks live session descriptors and activity states. All methods
// are safe for concurrent use.
type Router struct {
	mu          sync.RWMutex
	descriptors map[string]Descriptor
	activity    map[string]ActivityState
	buffers     *cache.Cache
}

// Option configures a Router.
type Option func(*options)

type options struct {
	bufferTTL time.Duration
}

// WithBufferTTL overrides the legacy-buffer expiry, mainly for tests.
func WithBufferTTL(ttl time.Duration) Option {
	return func(o *options) { o.bufferTTL = ttl }
}

// New creates an empty Router.
func New(opts ...Option) *Router {
	o := options{bufferTTL: defaultBufferTTL}
	for _, opt := range opts {
		opt(&o)
	}
	return &Router{
		descriptors: make(map[string]Descriptor),
		activity:    make(map[string]ActivityState),
		// No janitor goroutine: expiry is lazy on read, with
		// CleanupExpiredBuffers available for a periodic sweep.
		buffers: cache.New(o.bufferTTL, 0),
	}
}

// Bind registers a descriptor and resets its activity to idle. Rebinding an
// existing id silently overwrites, which callers use for in-place updates.
func (r *Router) Bind(d Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.descriptors[d.ID] = d
	r.activity[d.ID] = ActivityIdle
}

// Get returns the session view for id.
func (r *Router) Get(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[id]
	if !ok {
		return Session{}, false
	}
	return Session{Descriptor: d, Activity: r.activity[id]}, true
}

// All returns every bound session, oldest first.
func (r *Router) All() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.descriptors))
	for id, d := range r.descriptors {
		out = append(out, Session{Descriptor: d, Activity: r.activity[id]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ByWorkspace returns the sessions bound to the given workspace path.
func (r *Router) ByWorkspace(path string) []Session {
	all := r.All()
	out := all[:0]
	for _, s := range all {
		if s.WorkspacePath == path {
			out = append(out, s)
		}
	}
	return out
}

// Unbind removes the descriptor, its activity state, and any buffered
// messages. Reports whether anything was removed.
func (r *Router) Unbind(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.descriptors[id]
	if !ok {
		return false
	}
	delete(r.descriptors, id)
	delete(r.activity, id)
	r.buffers.Delete(id)
	return true
}

// UpdateDescriptor applies fn to the stored descriptor in place. Returns
// false without calling fn if the id is unbound. The descriptor's ID cannot
// be changed.
func (r *Router) UpdateDescriptor(id string, fn func(*Descriptor)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.descriptors[id]
	if !ok {
		return false
	}
	fn(&d)
	d.ID = id
	r.descriptors[id] = d
	return true
}

// UpdateTypeSpecificID records a new adapter-side identifier, e.g. when an
// agent's internal conversation id changes mid-session.
func (r *Router) UpdateTypeSpecificID(id, typeSpecificID string) bool {
	return r.UpdateDescriptor(id, func(d *Descriptor) {
		d.TypeSpecificID = typeSpecificID
	})
}

// SetActivityState updates a session's activity. No-op for unbound ids:
// activity signals race session teardown routinely and must never fail.
func (r *Router) SetActivityState(id string, state ActivityState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.descriptors[id]; !ok {
		return
	}
	r.activity[id] = state
}

// SetProcessing marks the session as having started work.
func (r *Router) SetProcessing(id string) { r.SetActivityState(id, ActivityProcessing) }

// SetStreaming marks the session as actively producing output.
func (r *Router) SetStreaming(id string) { r.SetActivityState(id, ActivityStreaming) }

// SetIdle marks the session's work as complete.
func (r *Router) SetIdle(id string) { r.SetActivityState(id, ActivityIdle) }

// BufferMessage appends a message to the session's legacy buffer, evicting
// the oldest entry beyond the cap. Each append refreshes the buffer's TTL.
func (r *Router) BufferMessage(id, eventType string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var buf *messageBuffer
	if v, ok := r.buffers.Get(id); ok {
		buf = v.(*messageBuffer)
	} else {
		buf = &messageBuffer{}
	}

	buf.nextSeq++
	buf.entries = append(buf.entries, BufferedMessage{
		EventType: eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
		Sequence:  buf.nextSeq,
	})
	if len(buf.entries) > maxBufferedMessages {
		buf.entries = buf.entries[len(buf.entries)-maxBufferedMessages:]
	}
	r.buffers.Set(id, buf, cache.DefaultExpiration)
}

// BufferedMessages returns the session's buffered messages. A non-zero
// since filters to entries with timestamp strictly after it. An expired or
// absent buffer yields nil; expiry is checked lazily on this read.
func (r *Router) BufferedMessages(id string, since time.Time) []BufferedMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.buffers.Get(id)
	if !ok {
		return nil
	}
	buf := v.(*messageBuffer)

	if since.IsZero() {
		out := make([]BufferedMessage, len(buf.entries))
		copy(out, buf.entries)
		return out
	}
	var out []BufferedMessage
	for _, m := range buf.entries {
		if m.Timestamp.After(since) {
			out = append(out, m)
		}
	}
	return out
}

// ClearBuffer drops the session's buffered messages.
func (r *Router) ClearBuffer(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buffers.Delete(id)
}

// CleanupExpiredBuffers proactively sweeps expired buffers. Lazy expiry on
// read already guarantees correctness; the sweep just frees memory sooner
// under low traffic.
func (r *Router) CleanupExpiredBuffers() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buffers.DeleteExpired()
}
