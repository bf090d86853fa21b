// internal/channel/bus.go
package channel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autotap/api/schemas"
)

var (
	ErrUnknownAction      = schemas.NewTypedError(schemas.ErrorTypeUnknownAction, errors.New("no handler for action"))
	ErrChannelUnavailable = schemas.NewTypedError(schemas.ErrorTypeChannelUnavailable, errors.New("receiving context is not listening"))
	ErrNoResponse         = schemas.NewTypedError(schemas.ErrorTypeNoResponse, errors.New("handler did not respond"))
	ErrClosed             = schemas.NewTypedError(schemas.ErrorTypeChannelUnavailable, errors.New("bus is closed"))
)

// -- Addresses --

type kind uint8

const (
	kindBackground kind = iota + 1
	kindTab
	kindPopup
)

// Address names one execution context.
type Address struct {
	kind  kind
	tabID int
}

var (
	Background = Address{kind: kindBackground}
	Popup      = Address{kind: kindPopup}
)

// Tab addresses the content context attached to tab id.
func Tab(id int) Address { return Address{kind: kindTab, tabID: id} }

// TabID returns the tab of a Tab address.
func (a Address) TabID() (int, bool) { return a.tabID, a.kind == kindTab }

func (a Address) String() string {
	switch a.kind {
	case kindBackground:
		return "background"
	case kindPopup:
		return "popup"
	case kindTab:
		return "tab:" + strconv.Itoa(a.tabID)
	}
	return "unknown"
}

// -- Handlers --

// Envelope carries a message between contexts.
type Envelope struct {
	ID      string
	From    Address
	To      Address
	SentAt  time.Time
	Message schemas.Message
}

// Responder delivers the reply to a Send. Only the first call has any effect.
type Responder func(schemas.Response)

// Handler processes one envelope. It either calls respond before returning, returns
// true to reply later through respond, or returns false without responding to decline.
// For Broadcast and Notify, respond discards and ctx ends when the handler returns.
type Handler func(ctx context.Context, env Envelope, respond Responder) (async bool)

type registration struct {
	id uint64
	h  Handler
}

// Bus is the only path between contexts. Send is request/response, Broadcast and
// Notify are fire-and-forget and delivered in order on a single dispatcher goroutine.
type Bus struct {
	logger  *zap.Logger
	timeout time.Duration
	observe func(action schemas.Action, resp schemas.Response)

	mu       sync.RWMutex
	handlers map[Address][]registration
	nextID   uint64

	queue      chan Envelope
	done       chan struct{}
	closeOnce  sync.Once
	dispatchWg sync.WaitGroup
	inflight   sync.WaitGroup
}

// Option configures a Bus.
type Option func(*Bus)

// WithTimeout bounds how long Send waits for an async reply.
func WithTimeout(d time.Duration) Option {
	return func(b *Bus) { b.timeout = d }
}

// WithObserver is called with every Send reply, for metrics.
func WithObserver(f func(action schemas.Action, resp schemas.Response)) Option {
	return func(b *Bus) { b.observe = f }
}

// WithQueueSize sets the fire-and-forget buffer; messages beyond it are dropped.
func WithQueueSize(n int) Option {
	return func(b *Bus) { b.queue = make(chan Envelope, n) }
}

// NewBus starts a Bus. Close stops its dispatcher.
func NewBus(logger *zap.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{
		logger:   logger.Named("channel"),
		timeout:  60 * time.Second,
		handlers: make(map[Address][]registration),
		queue:    make(chan Envelope, 256),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.dispatchWg.Add(1)
	go b.dispatch()
	return b
}

// OnMessage registers h for messages addressed to addr.
func (b *Bus) OnMessage(addr Address, h Handler) (unregister func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[addr] = append(b.handlers[addr], registration{id: id, h: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			regs := b.handlers[addr]
			for i, r := range regs {
				if r.id == id {
					b.handlers[addr] = append(regs[:i:i], regs[i+1:]...)
					break
				}
			}
			if len(b.handlers[addr]) == 0 {
				delete(b.handlers, addr)
			}
		})
	}
}

// Listening reports whether any handler is registered at addr.
func (b *Bus) Listening(addr Address) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[addr]) > 0
}

// Tabs returns the tab ids with a registered content context, ascending.
func (b *Bus) Tabs() []int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var ids []int
	for a := range b.handlers {
		if id, ok := a.TabID(); ok {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}

func (b *Bus) snapshot(addr Address) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	regs := b.handlers[addr]
	out := make([]Handler, len(regs))
	for i, r := range regs {
		out[i] = r.h
	}
	return out
}

// Send delivers msg to the context at to and waits for its single reply. It never
// returns an error: every failure is a Response with Success false.
func (b *Bus) Send(ctx context.Context, from, to Address, msg schemas.Message) (resp schemas.Response) {
	if msg == nil {
		return schemas.FailWith(schemas.ErrorTypeInvalidMessage, "nil message")
	}
	defer func() {
		if b.observe != nil {
			b.observe(msg.Action(), resp)
		}
	}()

	select {
	case <-b.done:
		return schemas.Fail(ErrClosed)
	default:
	}
	handlers := b.snapshot(to)
	if len(handlers) == 0 {
		return schemas.Fail(fmt.Errorf("%w: %s", ErrChannelUnavailable, to))
	}

	env := b.envelope(from, to, msg)
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	replies := make(chan schemas.Response, 1)
	var once sync.Once
	respond := func(r schemas.Response) {
		once.Do(func() { replies <- r })
	}

	pending := false
	for _, h := range handlers {
		async, err := b.invoke(ctx, h, env, respond)
		if err != nil {
			respond(schemas.Fail(err))
		}
		pending = pending || async
		// A synchronous reply ends delivery; later handlers would be ignored anyway.
		if len(replies) > 0 {
			break
		}
	}

	select {
	case r := <-replies:
		return r
	default:
	}
	if !pending {
		b.logger.Debug("No handler accepted message", zap.String("action", string(msg.Action())), zap.Stringer("to", to))
		return schemas.Fail(fmt.Errorf("%w: %s", ErrUnknownAction, msg.Action()))
	}

	select {
	case r := <-replies:
		return r
	case <-ctx.Done():
		// Reserve the reply slot so a late respond is a no-op.
		once.Do(func() {})
		return schemas.Fail(fmt.Errorf("%w: %s: %v", ErrNoResponse, msg.Action(), ctx.Err()))
	}
}

// invoke runs h and converts a panic into an error.
func (b *Bus) invoke(ctx context.Context, h Handler, env Envelope, respond Responder) (async bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Message handler panicked",
				zap.String("action", string(env.Message.Action())),
				zap.Stringer("to", env.To),
				zap.Any("panic", r))
			async = false
			err = schemas.NewTypedError(schemas.ErrorTypeHandlerFailed, fmt.Errorf("handler panicked: %v", r))
		}
	}()
	return h(ctx, env, respond), nil
}

// Broadcast queues msg for every listening context except from. Delivery is not guaranteed.
func (b *Bus) Broadcast(from Address, msg schemas.Message) {
	b.enqueue(b.envelope(from, Address{}, msg))
}

// Notify queues msg for the single context at to. Delivery is not guaranteed.
func (b *Bus) Notify(from, to Address, msg schemas.Message) {
	b.enqueue(b.envelope(from, to, msg))
}

func (b *Bus) envelope(from, to Address, msg schemas.Message) Envelope {
	return Envelope{ID: uuid.NewString(), From: from, To: to, SentAt: time.Now().UTC(), Message: msg}
}

func (b *Bus) enqueue(env Envelope) {
	if env.Message == nil {
		return
	}
	select {
	case <-b.done:
		return
	default:
	}
	b.inflight.Add(1)
	select {
	case <-b.done:
		b.inflight.Done()
	case b.queue <- env:
	default:
		b.inflight.Done()
		b.logger.Debug("Dropping fire-and-forget message, queue full", zap.String("action", string(env.Message.Action())))
	}
}

func (b *Bus) dispatch() {
	defer b.dispatchWg.Done()
	for {
		select {
		case <-b.done:
			b.drain()
			return
		case env := <-b.queue:
			b.deliver(env)
		}
	}
}

func (b *Bus) drain() {
	for {
		select {
		case env := <-b.queue:
			b.deliver(env)
		default:
			return
		}
	}
}

func (b *Bus) deliver(env Envelope) {
	defer b.inflight.Done()
	var targets []Address
	if env.To == (Address{}) {
		b.mu.RLock()
		for a := range b.handlers {
			if a != env.From {
				targets = append(targets, a)
			}
		}
		b.mu.RUnlock()
	} else {
		targets = []Address{env.To}
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	discard := func(schemas.Response) {}
	for _, to := range targets {
		e := env
		e.To = to
		for _, h := range b.snapshot(to) {
			if _, err := b.invoke(ctx, h, e, discard); err != nil {
				b.logger.Debug("Fire-and-forget delivery failed", zap.Error(err))
			}
		}
	}
}

// Flush waits until every queued fire-and-forget message has been delivered.
func (b *Bus) Flush() {
	b.inflight.Wait()
}

// Close delivers what is queued and stops the dispatcher. Later sends fail with ErrClosed.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
		b.dispatchWg.Wait()
	})
}
