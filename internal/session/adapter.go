// Package session provides the type-agnostic create/stop/send surface over
// the registered session adapters (PTY shells, AI agents).
package session

import (
	"context"
	"errors"

	"github.com/fwdslsh/dispatch-sub014/internal/router"
	"github.com/fwdslsh/dispatch-sub014/internal/store"
)

var (
	// ErrUnknownSessionType means no adapter is registered for the
	// requested kind. This is a deployment defect and is surfaced loudly.
	ErrUnknownSessionType = errors.New("unknown session type")

	// ErrUnsupportedOperation means the session's adapter does not
	// implement the requested operation (e.g. resizing an agent).
	ErrUnsupportedOperation = errors.New("operation not supported by session type")

	// ErrMaxSessions means the active-session limit was reached.
	ErrMaxSessions = errors.New("maximum session limit reached")
)

// CreateRequest carries everything an adapter needs to start a session.
// The adapter reports output exclusively through OnEvent; the core never
// inspects payloads beyond passing them through.
type CreateRequest struct {
	SessionID     string
	WorkspacePath string
	Options       map[string]string

	// Resume holds the adapter-specific id of a previous session to
	// continue, empty for a fresh one.
	Resume string

	// OnEvent is invoked for every unit of output, in production order.
	OnEvent func(ev store.Event)

	// OnExit is invoked once when the backing process terminates.
	OnExit func(exitCode int)

	// OnTypeSpecificID is invoked when the adapter learns (or changes)
	// its internal identifier, e.g. an agent conversation id.
	OnTypeSpecificID func(id string)
}

// Instance is a live backing process for one session.
type Instance interface {
	// TypeSpecificID returns the adapter-side identifier, meaningful only
	// together with the adapter's kind.
	TypeSpecificID() string

	// Write delivers input to the session.
	Write(data []byte) error

	// Close terminates the backing process. Graceful first, forceful
	// after a grace period.
	Close() error
}

// Resizer is implemented by instances that have a window size.
type Resizer interface {
	Resize(cols, rows int) error
}

// Adapter creates instances of one session kind. Registering an adapter is
// the only step needed to add a kind; dispatch is by the descriptor's type
// tag, never by reflected method names.
type Adapter interface {
	Kind() router.SessionType
	Create(ctx context.Context, req CreateRequest) (Instance, error)
}
