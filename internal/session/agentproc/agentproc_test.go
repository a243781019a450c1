package agentproc

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fwdslsh/dispatch-sub014/internal/store"
)

type collector struct {
	mu     sync.Mutex
	events []store.Event
	exits  []int
}

func (c *collector) onEvent(ev store.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) onExit(code int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exits = append(c.exits, code)
}

func (c *collector) snapshot() ([]store.Event, []int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	events := make([]store.Event, len(c.events))
	copy(events, c.events)
	exits := make([]int, len(c.exits))
	copy(exits, c.exits)
	return events, exits
}

func TestStart_StreamsStdoutLines(t *testing.T) {
	col := &collector{}
	p, err := Start(Config{
		Command: "sh",
		Args:    []string{"-c", `printf '{"a":1}\n{"a":2}\n'`},
		OnEvent: col.onEvent,
		OnExit:  col.onExit,
	})
	require.NoError(t, err)
	defer p.Close()

	require.Eventually(t, func() bool {
		_, exits := col.snapshot()
		return len(exits) == 1
	}, 3*time.Second, 10*time.Millisecond)

	events, exits := col.snapshot()
	require.Equal(t, []int{0}, exits)
	require.Len(t, events, 2)
	require.Equal(t, "agent:delta", events[0].Channel)
	require.Equal(t, "json", events[0].Type)
	require.Equal(t, []byte(`{"a":1}`), events[0].Payload)
	require.Equal(t, []byte(`{"a":2}`), events[1].Payload)
}

func TestStart_StderrBecomesErrorEvents(t *testing.T) {
	col := &collector{}
	p, err := Start(Config{
		Command: "sh",
		Args:    []string{"-c", `echo oops >&2`},
		OnEvent: col.onEvent,
		OnExit:  col.onExit,
	})
	require.NoError(t, err)
	defer p.Close()

	require.Eventually(t, func() bool {
		_, exits := col.snapshot()
		return len(exits) == 1
	}, 3*time.Second, 10*time.Millisecond)

	events, _ := col.snapshot()
	require.Len(t, events, 1)
	require.Equal(t, "agent:error", events[0].Channel)
	require.Equal(t, "text", events[0].Type)
	require.Equal(t, []byte("oops"), events[0].Payload)
}

func TestStart_NonZeroExitCode(t *testing.T) {
	col := &collector{}
	p, err := Start(Config{
		Command: "sh",
		Args:    []string{"-c", "exit 3"},
		OnEvent: col.onEvent,
		OnExit:  col.onExit,
	})
	require.NoError(t, err)
	defer p.Close()

	require.Eventually(t, func() bool {
		_, exits := col.snapshot()
		return len(exits) == 1
	}, 3*time.Second, 10*time.Millisecond)

	_, exits := col.snapshot()
	require.Equal(t, []int{3}, exits)
}

func TestStart_InspectSeesLinesBeforeEmit(t *testing.T) {
	col := &collector{}
	var mu sync.Mutex
	var inspected [][]byte

	p, err := Start(Config{
		Command: "sh",
		Args:    []string{"-c", `echo '{"id":"x"}'`},
		Inspect: func(line []byte) {
			mu.Lock()
			defer mu.Unlock()
			cp := make([]byte, len(line))
			copy(cp, line)
			inspected = append(inspected, cp)
		},
		OnEvent: col.onEvent,
		OnExit:  col.onExit,
	})
	require.NoError(t, err)
	defer p.Close()

	require.Eventually(t, func() bool {
		_, exits := col.snapshot()
		return len(exits) == 1
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, inspected, 1)
	require.Equal(t, []byte(`{"id":"x"}`), inspected[0])
}

func TestWrite_ReachesStdin(t *testing.T) {
	col := &collector{}
	p, err := Start(Config{
		Command: "cat",
		OnEvent: col.onEvent,
		OnExit:  col.onExit,
	})
	require.NoError(t, err)

	require.NoError(t, p.Write([]byte("hello\n")))

	require.Eventually(t, func() bool {
		events, _ := col.snapshot()
		return len(events) == 1
	}, 3*time.Second, 10*time.Millisecond)

	events, _ := col.snapshot()
	require.Equal(t, []byte("hello"), events[0].Payload)

	// Closing stdin lets cat exit cleanly.
	require.NoError(t, p.Close())
	require.Eventually(t, func() bool {
		_, exits := col.snapshot()
		return len(exits) == 1
	}, 3*time.Second, 10*time.Millisecond)
}
