// ============================================================================
// Event Bus — Cross-Process (jobId, event) Fan-Out
// ============================================================================
//
// Package: internal/eventbus
// Purpose: Translate job lifecycle transitions into per-job callbacks on
// whichever producer process subscribed to that job (spec.md §4.4).
//
// Design:
//
//	Add(job)     -> owner hash: jobId -> this process's id
//	emit(id, ev) -> look up owner in the hash, publish {id, event, args}
//	                on the owner's channel
//	subscribe()  -> this process listens on its own channel, dispatches
//	                each message to the local listener table
//
// Two explicit steps, where the system this is modeled on conflates them
// (spec.md §9 Design Notes, Open Questions): "register interest in a job"
// (Add/Remove) is distinct from "start listening on my process channel"
// (Subscribe). Subscribe is idempotent and lazy — callers only pay for a
// running listener goroutine once something actually asks to listen.
//
// ============================================================================

package eventbus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

var log = slog.Default().With("component", "eventbus")

// Message is what travels over a process's channel: one job's event,
// carrying whatever arguments the emitter attached.
type Message struct {
	ID    uint64        `json:"id"`
	Event string        `json:"event"`
	Args  []interface{} `json:"args"`
}

// Listener is called with every argument Emit was given. Handlers must
// not block the dispatch loop; expensive work should be handed off.
type Listener func(args ...interface{})

// Transport is the cross-process half of the bus: a named pub/sub
// channel plus a hash mapping job id to owning process id. The Store
// already provides hash and list primitives; a production deployment
// backs Transport with the same Redis connection as the Store (the
// store facade's settings hash and a dedicated pub/sub connection per
// spec.md §5 "Store connections").
type Transport interface {
	// Publish sends msg on the channel named processID.
	Publish(ctx context.Context, processID string, msg Message) error
	// Subscribe returns a channel of messages published to processID,
	// plus a function to stop listening and release resources.
	Subscribe(ctx context.Context, processID string) (<-chan Message, func(), error)

	// SetOwner records that jobID belongs to processID.
	SetOwner(ctx context.Context, jobID uint64, processID string) error
	// Owner looks up the process id owning jobID. ok is false if
	// unmapped (e.g. never subscribed, or already removed).
	Owner(ctx context.Context, jobID uint64) (processID string, ok bool, err error)
	// ClearOwner deletes the jobID -> process mapping.
	ClearOwner(ctx context.Context, jobID uint64) error
}

// Bus is one process's view of the event bus: its own process id, the
// shared Transport, and the table of local Job listeners subscribed in
// this process.
type Bus struct {
	processID string
	transport Transport

	mu        sync.Mutex
	listeners map[uint64][]Listener // jobID -> locally registered listeners
	started   bool
	stop      func()
}

// New creates a Bus bound to transport, with a fresh process id
// (github.com/google/uuid) identifying this process's channel.
func New(transport Transport) *Bus {
	return &Bus{
		processID: uuid.NewString(),
		transport: transport,
		listeners: make(map[uint64][]Listener),
	}
}

// ProcessID returns this process's bus identity.
func (b *Bus) ProcessID() string { return b.processID }

// Add registers this process as the owner of jobID (spec.md §4.4
// "add(job)"). Called once, from Job.Save.
func (b *Bus) Add(ctx context.Context, jobID uint64) {
	if err := b.transport.SetOwner(ctx, jobID, b.processID); err != nil {
		log.Warn("add owner mapping failed", "jobID", jobID, "error", err)
	}
}

// Remove deletes the owner mapping for jobID (spec.md §4.4 "remove(job)").
func (b *Bus) Remove(ctx context.Context, jobID uint64) {
	if err := b.transport.ClearOwner(ctx, jobID); err != nil {
		log.Warn("remove owner mapping failed", "jobID", jobID, "error", err)
	}
	b.mu.Lock()
	delete(b.listeners, jobID)
	b.mu.Unlock()
}

// Emit looks up jobID's owning process and publishes the event there
// (spec.md §4.4 "emit(jobId, event, ...args)"). Delivery is best-effort,
// in-order per publisher: a subscriber that starts after Emit loses the
// message (spec.md §4.4 Delivery semantics).
func (b *Bus) Emit(ctx context.Context, jobID uint64, event string, args ...interface{}) {
	owner, ok, err := b.transport.Owner(ctx, jobID)
	if err != nil {
		log.Warn("emit: owner lookup failed", "jobID", jobID, "event", event, "error", err)
		return
	}
	if !ok {
		return
	}
	msg := Message{ID: jobID, Event: event, Args: args}
	if err := b.transport.Publish(ctx, owner, msg); err != nil {
		log.Warn("emit: publish failed", "jobID", jobID, "event", event, "error", err)
	}
}

// Listen registers fn to be called whenever jobID receives an event on
// this process, local to this Bus instance, and lazily starts the
// subscribe loop if it isn't already running (spec.md §4.4: the
// subscription only activates the first time a listener is attached —
// callers pay for a running goroutine only once something actually asks
// to listen). Subscribe is idempotent, so Listen calls after the first
// are free.
func (b *Bus) Listen(jobID uint64, fn Listener) {
	b.mu.Lock()
	b.listeners[jobID] = append(b.listeners[jobID], fn)
	b.mu.Unlock()

	if _, err := b.Subscribe(context.Background()); err != nil {
		log.Warn("listen: lazy subscribe failed", "jobID", jobID, "error", err)
	}
}

// Subscribe idempotently starts a goroutine reading this process's
// channel and dispatching each message to the registered local
// listeners for its job id. Calling Subscribe more than once is a
// no-op; the returned stop function tears down the loop and clears
// this process's remaining owner mappings isn't done here — that is
// the caller's responsibility at shutdown (spec.md §9 Design Notes).
func (b *Bus) Subscribe(ctx context.Context) (stop func(), err error) {
	b.mu.Lock()
	if b.started {
		s := b.stop
		b.mu.Unlock()
		return s, nil
	}
	b.mu.Unlock()

	msgs, cancel, err := b.transport.Subscribe(ctx, b.processID)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				b.dispatch(msg)
			case <-done:
				return
			}
		}
	}()

	stopFn := func() {
		close(done)
		cancel()
	}

	b.mu.Lock()
	b.started = true
	b.stop = stopFn
	b.mu.Unlock()

	return stopFn, nil
}

func (b *Bus) dispatch(msg Message) {
	b.mu.Lock()
	fns := append([]Listener(nil), b.listeners[msg.ID]...)
	b.mu.Unlock()
	for _, fn := range fns {
		fn(msg.Args...)
	}
}
