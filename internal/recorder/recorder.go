// Package recorder serializes concurrent event production into the durable
// per-session log and fans persisted events out to live subscribers.
//
// Each session gets one lane: a FIFO channel drained by a single goroutine
// that performs persist-then-emit. Two appends for the same session are
// never in flight at once, so events reach the store, and subscribers, in
// the exact order they were recorded even when storage completions would
// otherwise interleave.
package recorder

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/fwdslsh/dispatch-sub014/internal/pubsub"
	"github.com/fwdslsh/dispatch-sub014/internal/store"
)

const laneBufferSize = 512

// ErrClosed is returned by Record after the recorder has shut down.
var ErrClosed = errors.New("recorder closed")

// Failure describes a persistence error for a single event. The lane keeps
// draining after a failure: one lost event must not wedge a live session.
type Failure struct {
	SessionID string
	Event     store.Event
	Err       error
}

type laneJob struct {
	ev      store.Event
	barrier bool
	stop    bool
	done    chan error
}

type sessionState struct {
	buffering bool
	pending   []store.Event
	lane      chan laneJob
}

// Recorder synchronizes event recording for all sessions.
type Recorder struct {
	store    store.Store
	events   *pubsub.Broker[store.Event]
	failures *pubsub.Broker[Failure]

	mu       sync.Mutex
	sessions map[string]*sessionState
	closed   bool
	quit     chan struct{}
	wg       sync.WaitGroup
}

// New creates a Recorder on top of the given store.
func New(st store.Store) *Recorder {
	return &Recorder{
		store:    st,
		events:   pubsub.NewBroker[store.Event](),
		failures: pubsub.NewBroker[Failure](),
		sessions: make(map[string]*sessionState),
		quit:     make(chan struct{}),
	}
}

// StartBuffering puts a session into buffering mode: events recorded for it
// are held in memory, unsequenced, until FlushBuffer. This closes the race
// between a session-creation response and the adapter's first output.
// No-op for a session that is already live.
func (r *Recorder) StartBuffering(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if _, ok := r.sessions[sessionID]; ok {
		return
	}
	r.sessions[sessionID] = &sessionState{buffering: true}
}

// Record submits an event for the session. While the session is buffering
// the event is held in memory; otherwise it is enqueued on the session's
// lane for persist-then-emit. Persistence failures are reported through the
// failure subscription, not the return value.
func (r *Recorder) Record(sessionID string, ev store.Event) error {
	ev.SessionID = sessionID

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	st, ok := r.sessions[sessionID]
	if !ok {
		// Direct persistence path: the session never entered buffering.
		st = &sessionState{}
		r.sessions[sessionID] = st
	}
	if st.buffering {
		st.pending = append(st.pending, ev)
		r.mu.Unlock()
		return nil
	}
	lane := r.laneLocked(sessionID, st)
	r.mu.Unlock()

	lane <- laneJob{ev: ev}
	return nil
}

// FlushBuffer persists all buffered events in their original order and
// transitions the session to live. Safe to call again: the second call is a
// no-op. Events recorded while the flush is in progress keep their place in
// line behind the buffered ones.
func (r *Recorder) FlushBuffer(sessionID string) {
	for {
		r.mu.Lock()
		st, ok := r.sessions[sessionID]
		if !ok || r.closed {
			r.mu.Unlock()
			return
		}
		if !st.buffering {
			r.mu.Unlock()
			return
		}
		taken := st.pending
		st.pending = nil
		if len(taken) == 0 {
			st.buffering = false
			r.mu.Unlock()
			return
		}
		lane := r.laneLocked(sessionID, st)
		r.mu.Unlock()

		for _, ev := range taken {
			lane <- laneJob{ev: ev}
		}
	}
}

// ClearBuffer drops a session's buffered events without persisting them.
// Used only when session creation fails partway.
func (r *Recorder) ClearBuffer(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.sessions[sessionID]
	if !ok || !st.buffering {
		return
	}
	delete(r.sessions, sessionID)
}

// Forget releases the in-memory state for a stopped session. A session
// still buffering has its pending events flushed first, so an exit racing
// session creation loses nothing. The lane worker exits once the jobs
// already queued have drained; the durable log is untouched, and a later
// Record would lazily recreate the lane.
func (r *Recorder) Forget(sessionID string) {
	r.FlushBuffer(sessionID)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	st, ok := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	if !ok || st.lane == nil {
		return
	}
	st.lane <- laneJob{stop: true}
}

// Events returns the persisted events for the session with seq > afterSeq.
// Buffered-but-unflushed events are not visible here; buffering windows are
// sub-second and no subscriber attaches mid-creation.
func (r *Recorder) Events(ctx context.Context, sessionID string, afterSeq int64) ([]store.Event, error) {
	return r.store.Events(ctx, sessionID, afterSeq)
}

// Subscribe returns a channel of persisted events across all sessions, each
// carrying its assigned seq. Per session, delivery order matches seq order.
func (r *Recorder) Subscribe(ctx context.Context) <-chan store.Event {
	return r.events.Subscribe(ctx)
}

// SubscribeFailures returns a channel of persistence failures.
func (r *Recorder) SubscribeFailures(ctx context.Context) <-chan Failure {
	return r.failures.Subscribe(ctx)
}

// Sync blocks until every event recorded for the session before this call
// has been persisted and emitted.
func (r *Recorder) Sync(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	st, ok := r.sessions[sessionID]
	if !ok || st.buffering {
		r.mu.Unlock()
		return nil
	}
	lane := r.laneLocked(sessionID, st)
	r.mu.Unlock()

	done := make(chan error, 1)
	lane <- laneJob{barrier: true, done: done}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains every lane, stops the workers, and closes the subscriber
// channels. Record returns ErrClosed afterwards.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	lanes := make([]chan laneJob, 0, len(r.sessions))
	for _, st := range r.sessions {
		if st.lane != nil {
			lanes = append(lanes, st.lane)
		}
	}
	r.mu.Unlock()

	for _, lane := range lanes {
		done := make(chan error, 1)
		lane <- laneJob{barrier: true, done: done}
		<-done
	}
	close(r.quit)
	r.wg.Wait()
	r.events.Close()
	r.failures.Close()
}

// laneLocked returns the session's lane, starting its worker on first use.
// Caller holds r.mu.
func (r *Recorder) laneLocked(sessionID string, st *sessionState) chan laneJob {
	if st.lane == nil {
		st.lane = make(chan laneJob, laneBufferSize)
		r.wg.Add(1)
		go r.drain(sessionID, st.lane)
	}
	return st.lane
}

// drain is the single writer for one session's log.
func (r *Recorder) drain(sessionID string, lane chan laneJob) {
	defer r.wg.Done()
	for {
		select {
		case job := <-lane:
			if job.stop {
				return
			}
			if job.barrier {
				job.done <- nil
				continue
			}
			r.persistAndEmit(sessionID, job.ev)
		case <-r.quit:
			return
		}
	}
}

func (r *Recorder) persistAndEmit(sessionID string, ev store.Event) {
	seq, err := r.store.Append(context.Background(), sessionID, ev)
	if err != nil {
		// Skip-and-continue: the failure is observable on the failure
		// channel and in the log; later events still get persisted.
		slog.Error("event persistence failed",
			"session", sessionID, "channel", ev.Channel, "error", err)
		r.failures.Publish(Failure{SessionID: sessionID, Event: ev, Err: err})
		return
	}
	ev.Seq = seq
	r.events.Publish(ev)
}
