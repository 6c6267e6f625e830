package host

import (
	"context"
	"sync"
	"time"

	"github.com/jackyluk/genericOCL/internal/protocol"
)

// CommandType identifies what an enqueued command does
type CommandType int

const (
	CommandWriteBuffer CommandType = iota
	CommandReadBuffer
	CommandMapBuffer
	CommandUnmapBuffer
	CommandNDRangeKernel
	CommandBarrier
)

var commandTypeNames = map[CommandType]string{
	CommandWriteBuffer:   "WRITE_BUFFER",
	CommandReadBuffer:    "READ_BUFFER",
	CommandMapBuffer:     "MAP_BUFFER",
	CommandUnmapBuffer:   "UNMAP_BUFFER",
	CommandNDRangeKernel: "NDRANGE_KERNEL",
	CommandBarrier:       "BARRIER",
}

func (t CommandType) String() string {
	if name, ok := commandTypeNames[t]; ok {
		return name
	}
	return "UNKNOWN"
}

// Status is an event's lifecycle state
type Status int

const (
	StatusQueued Status = iota
	StatusComplete
)

func (s Status) String() string {
	if s == StatusComplete {
		return "COMPLETE"
	}
	return "QUEUED"
}

type ndrange struct {
	kernel *Kernel
	global [3]uint32
}

// Event tracks one enqueued command. For reads and maps the destination
// slice belongs to the caller; it is filled before the event completes.
type Event struct {
	id  string
	typ CommandType

	requests []protocol.Packet
	sink     []byte
	ndrange  *ndrange

	mu          sync.Mutex
	status      Status
	err         error
	completedAt time.Time
	done        chan struct{}
}

func newEvent(id string, typ CommandType) *Event {
	return &Event{id: id, typ: typ, done: make(chan struct{})}
}

// ID returns the command identifier
func (e *Event) ID() string { return e.id }

// Type returns the command type
func (e *Event) Type() CommandType { return e.typ }

// Status returns the current state
func (e *Event) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Err returns the command's failure once complete, nil otherwise
func (e *Event) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Data returns the read or mapped bytes. It is only meaningful after completion.
func (e *Event) Data() []byte {
	return e.sink
}

// CompletedAt returns when the command completed, zero while queued
func (e *Event) CompletedAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.completedAt
}

// Done is closed on completion
func (e *Event) Done() <-chan struct{} { return e.done }

// Wait blocks until the command completes or ctx ends and returns its error
func (e *Event) Wait(ctx context.Context) error {
	select {
	case <-e.done:
		return e.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Event) complete(err error, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == StatusComplete {
		return
	}
	e.status = StatusComplete
	e.err = err
	e.completedAt = at
	close(e.done)
}
