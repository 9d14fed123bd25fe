package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"sharemarket/core/events"
)

// ErrExecutionPanicked wraps a panic raised while executing a call frame.
var ErrExecutionPanicked = errors.New("state: execution panicked")

type frameKey struct{}

type frame struct {
	host  *Host
	depth int
}

// Host is the single-threaded execution environment shared by every engine.
// Top-level transactions are serialised; each one either commits all of its
// writes and events or none of them.
type Host struct {
	mu       sync.Mutex
	journal  *Journal
	emitter  events.Emitter
	pending  []events.Event
	inTx     bool
	block    uint64
	time     int64
	autoMine bool
	clock    func() time.Time
	tracer   trace.Tracer
}

// Option customises a Host.
type Option func(*Host)

// WithClock makes the block timestamp follow the supplied clock instead of
// the manually advanced value.
func WithClock(clock func() time.Time) Option {
	return func(h *Host) { h.clock = clock }
}

// WithAutoMine opens a new block for every top-level transaction.
func WithAutoMine() Option {
	return func(h *Host) { h.autoMine = true }
}

// WithGenesis sets the initial block number and timestamp.
func WithGenesis(block uint64, timestamp int64) Option {
	return func(h *Host) {
		h.block = block
		h.time = timestamp
	}
}

// NewHost constructs a host with a no-op emitter.
func NewHost(opts ...Option) *Host {
	h := &Host{
		journal: NewJournal(),
		emitter: events.NoopEmitter{},
		block:   1,
		time:    time.Now().Unix(),
		tracer:  otel.Tracer("sharemarket/state"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// SetEmitter configures the downstream emitter receiving committed events.
// Passing nil resets the emitter to a no-op implementation.
func (h *Host) SetEmitter(emitter events.Emitter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if emitter == nil {
		h.emitter = events.NoopEmitter{}
		return
	}
	h.emitter = emitter
}

// Journal exposes the undo log engines record their writes into.
func (h *Host) Journal() *Journal { return h.journal }

// BlockNumber returns the current block height.
func (h *Host) BlockNumber() uint64 { return h.block }

// Now returns the current block timestamp in unix seconds.
func (h *Host) Now() int64 {
	if h.clock != nil {
		return h.clock().Unix()
	}
	return h.time
}

// MineBlock closes the current block.
func (h *Host) MineBlock() {
	h.mu.Lock()
	h.block++
	h.mu.Unlock()
}

// AdvanceTime moves the block timestamp forward and mines a block.
func (h *Host) AdvanceTime(d time.Duration) {
	h.mu.Lock()
	h.time += int64(d / time.Second)
	h.block++
	h.mu.Unlock()
}

// SetTime sets the block timestamp without mining.
func (h *Host) SetTime(unix int64) {
	h.mu.Lock()
	h.time = unix
	h.mu.Unlock()
}

// Emit buffers the event until the enclosing transaction commits. Outside a
// transaction events are forwarded immediately.
func (h *Host) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	if h.inTx {
		h.pending = append(h.pending, evt)
		return
	}
	h.emitter.Emit(evt)
}

// Transact executes fn as an atomic unit. When ctx already carries an open
// transaction of this host, fn runs as a nested call frame whose failure only
// reverts its own writes and events.
func (h *Host) Transact(ctx context.Context, name string, fn func(context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if f, ok := ctx.Value(frameKey{}).(*frame); ok && f.host == h {
		return h.nested(ctx, f, fn)
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.autoMine {
		h.block++
	}
	ctx, span := h.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.Int64("block.number", int64(h.block)),
		attribute.Int64("block.timestamp", h.Now()),
	))
	defer span.End()

	h.inTx = true
	h.pending = nil
	snapshot := h.journal.Snapshot()
	err := h.run(context.WithValue(ctx, frameKey{}, &frame{host: h}), fn)
	h.inTx = false
	if err != nil {
		h.journal.RevertToSnapshot(snapshot)
		h.pending = nil
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	h.journal.Commit()
	committed := h.pending
	h.pending = nil
	for _, evt := range committed {
		h.emitter.Emit(evt)
	}
	span.SetAttributes(attribute.Int("events", len(committed)))
	return nil
}

// InTransaction reports whether ctx carries an open transaction of this host.
func (h *Host) InTransaction(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	f, ok := ctx.Value(frameKey{}).(*frame)
	return ok && f.host == h
}

func (h *Host) nested(ctx context.Context, parent *frame, fn func(context.Context) error) error {
	snapshot := h.journal.Snapshot()
	mark := len(h.pending)
	err := h.run(context.WithValue(ctx, frameKey{}, &frame{host: h, depth: parent.depth + 1}), fn)
	if err != nil {
		h.journal.RevertToSnapshot(snapshot)
		h.pending = h.pending[:mark]
	}
	return err
}

func (h *Host) run(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("state: call frame panicked", "panic", r)
			err = fmt.Errorf("%w: %v", ErrExecutionPanicked, r)
		}
	}()
	return fn(ctx)
}

// View runs fn while holding the transaction lock so read-only queries issued
// from other goroutines observe a consistent, committed state. It must not be
// called from inside a transaction.
func (h *Host) View(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn()
}
