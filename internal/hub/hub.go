// Package hub tracks live connections per auction and fans out messages
// to them. Each auction with at least one connection has a room holding
// the connections and a cached auction.Machine; the room is discarded
// with its machine when the last connection leaves.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/cricket-auctiond/internal/auction"
	"github.com/jensholdgaard/cricket-auctiond/internal/auth"
	"github.com/jensholdgaard/cricket-auctiond/internal/metrics"
	"github.com/jensholdgaard/cricket-auctiond/internal/protocol"
)

var (
	// ErrClosed is returned once the hub has been shut down.
	ErrClosed = errors.New("hub closed")
	// ErrConnGone is returned for a connection no longer registered.
	ErrConnGone = errors.New("connection no longer registered")
)

// Drop reasons.
const (
	reasonSlowConsumer = "slow_consumer"
	reasonShutdown     = "shutdown"
)

// MachineFactory builds the state machine for an auction.
type MachineFactory func(ctx context.Context, auctionID int64) (*auction.Machine, error)

// Conn is a registered connection. Outbound frames are queued on Send;
// Done is closed when the hub stops delivering to the connection.
type Conn struct {
	id        uuid.UUID
	auctionID int64
	identity  auth.Identity

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// ID identifies the connection in logs.
func (c *Conn) ID() uuid.UUID { return c.id }

func (c *Conn) AuctionID() int64 { return c.auctionID }

func (c *Conn) Identity() auth.Identity { return c.identity }

// Send yields encoded frames in the order they were queued.
func (c *Conn) Send() <-chan []byte { return c.send }

func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) close() { c.closeOnce.Do(func() { close(c.done) }) }

func (c *Conn) role() string { return string(c.identity.Role) }

func (c *Conn) logAttrs() []slog.Attr {
	return []slog.Attr{
		slog.String("conn_id", c.id.String()),
		slog.Int64("auction_id", c.auctionID),
		slog.Int64("user_id", c.identity.UserID),
		slog.String("role", c.role()),
	}
}

type room struct {
	// op serializes mutations and the broadcasts that follow them, so
	// every connection sees messages in commit order.
	op      sync.Mutex
	machine *auction.Machine

	// Guarded by Hub.mu.
	conns   map[uuid.UUID]*Conn
	pending int
}

// Hub owns all rooms. It is safe for concurrent use.
type Hub struct {
	factory    MachineFactory
	sendBuffer int
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    *metrics.Metrics

	mu     sync.Mutex
	rooms  map[int64]*room
	closed bool
}

// New returns an empty Hub. sendBuffer bounds each connection's outbound
// queue; a connection whose queue is full is dropped.
func New(factory MachineFactory, sendBuffer int, logger *slog.Logger, tp trace.TracerProvider, m *metrics.Metrics) *Hub {
	return &Hub{
		factory:    factory,
		sendBuffer: sendBuffer,
		logger:     logger,
		tracer:     tp.Tracer("github.com/jensholdgaard/cricket-auctiond/internal/hub"),
		metrics:    m,
		rooms:      make(map[int64]*room),
	}
}

// acquire returns the room for auctionID, creating it when create is set,
// and pins it until release.
func (h *Hub) acquire(auctionID int64, create bool) (*room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	r, ok := h.rooms[auctionID]
	if !ok {
		if !create {
			return nil, ErrConnGone
		}
		r = &room{conns: make(map[uuid.UUID]*Conn)}
		h.rooms[auctionID] = r
		h.metrics.SetRooms(len(h.rooms))
	}
	r.pending++
	return r, nil
}

func (h *Hub) release(auctionID int64, r *room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r.pending--
	h.reapLocked(auctionID, r)
}

// reapLocked drops an idle room. h.mu must be held.
func (h *Hub) reapLocked(auctionID int64, r *room) {
	if len(r.conns) > 0 || r.pending > 0 {
		return
	}
	if h.rooms[auctionID] == r {
		delete(h.rooms, auctionID)
		h.metrics.SetRooms(len(h.rooms))
		h.logger.Debug("auction room discarded", slog.Int64("auction_id", auctionID))
	}
}

// machineLocked returns the room's machine, building it on first use.
// r.op must be held.
func (h *Hub) machineLocked(ctx context.Context, auctionID int64, r *room) (*auction.Machine, error) {
	if r.machine != nil {
		return r.machine, nil
	}
	m, err := h.factory(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	r.machine = m
	return m, nil
}

// Connect registers a connection for id in auctionID and queues the
// connected acknowledgement and a state snapshot for it alone.
func (h *Hub) Connect(ctx context.Context, auctionID int64, id auth.Identity) (*Conn, error) {
	ctx, span := h.tracer.Start(ctx, "Hub.Connect", trace.WithAttributes(
		attribute.Int64("auction.id", auctionID),
		attribute.Int64("user.id", id.UserID),
	))
	defer span.End()

	r, err := h.acquire(auctionID, true)
	if err != nil {
		return nil, err
	}
	defer h.release(auctionID, r)

	r.op.Lock()
	defer r.op.Unlock()

	m, err := h.machineLocked(ctx, auctionID, r)
	if err != nil {
		return nil, fmt.Errorf("loading auction %d: %w", auctionID, err)
	}
	st, err := m.State(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading auction %d state: %w", auctionID, err)
	}

	c := &Conn{
		id:        uuid.New(),
		auctionID: auctionID,
		identity:  id,
		send:      make(chan []byte, max(h.sendBuffer, 2)),
		done:      make(chan struct{}),
	}
	for _, msg := range []any{
		protocol.NewConnected(auctionID, id.UserID, string(id.Role), id.TeamID),
		protocol.NewStateUpdate(st),
	} {
		b, err := protocol.Encode(msg)
		if err != nil {
			return nil, err
		}
		c.send <- b
	}

	h.mu.Lock()
	r.conns[c.id] = c
	h.mu.Unlock()

	h.metrics.ConnectionOpened(c.role())
	h.logger.LogAttrs(ctx, slog.LevelInfo, "connection registered", c.logAttrs()...)
	return c, nil
}

// Disconnect removes c. It is safe to call more than once.
func (h *Hub) Disconnect(c *Conn) {
	if h.remove(c) {
		h.logger.LogAttrs(context.Background(), slog.LevelInfo, "connection removed", c.logAttrs()...)
	}
}

func (h *Hub) remove(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	c.close()
	r, ok := h.rooms[c.auctionID]
	if !ok {
		return false
	}
	if _, ok := r.conns[c.id]; !ok {
		return false
	}
	delete(r.conns, c.id)
	h.metrics.ConnectionClosed(c.role())
	h.reapLocked(c.auctionID, r)
	return true
}

func (h *Hub) drop(c *Conn, reason string) {
	if h.remove(c) {
		h.metrics.Dropped(reason)
		h.logger.LogAttrs(context.Background(), slog.LevelWarn, "connection dropped",
			append(c.logAttrs(), slog.String("reason", reason))...)
	}
}

// Op is a mutation run by Apply. The messages it returns are broadcast in
// order, followed by a state snapshot.
type Op func(ctx context.Context, m *auction.Machine) ([]any, error)

// Apply runs op for c's auction under the room's operation lock and,
// when op succeeds, broadcasts its messages and the new state before the
// lock is released. The returned error is op's alone.
func (h *Hub) Apply(ctx context.Context, c *Conn, op Op) error {
	r, err := h.acquire(c.auctionID, false)
	if err != nil {
		return err
	}
	defer h.release(c.auctionID, r)

	r.op.Lock()
	defer r.op.Unlock()

	m, err := h.machineLocked(ctx, c.auctionID, r)
	if err != nil {
		return err
	}
	msgs, err := op(ctx, m)
	if err != nil {
		return err
	}

	// op has committed. Fan-out failures are logged, never reported as a
	// failed operation.
	for _, msg := range msgs {
		if err := h.broadcastLocked(ctx, c.auctionID, r, msg); err != nil {
			h.logger.ErrorContext(ctx, "broadcasting committed operation failed",
				slog.Int64("auction_id", c.auctionID),
				slog.Any("error", err),
			)
		}
	}
	if err := h.broadcastStateLocked(ctx, c.auctionID, r, m); err != nil {
		h.logger.ErrorContext(ctx, "broadcasting state after committed operation failed",
			slog.Int64("auction_id", c.auctionID),
			slog.Any("error", err),
		)
	}
	return nil
}

// Broadcast queues msg for every connection in auctionID.
func (h *Hub) Broadcast(ctx context.Context, auctionID int64, msg any) error {
	r, err := h.acquire(auctionID, false)
	if errors.Is(err, ErrConnGone) {
		return nil
	}
	if err != nil {
		return err
	}
	defer h.release(auctionID, r)

	r.op.Lock()
	defer r.op.Unlock()
	return h.broadcastLocked(ctx, auctionID, r, msg)
}

// BroadcastState queues a fresh state snapshot for every connection in
// auctionID.
func (h *Hub) BroadcastState(ctx context.Context, auctionID int64) error {
	r, err := h.acquire(auctionID, false)
	if errors.Is(err, ErrConnGone) {
		return nil
	}
	if err != nil {
		return err
	}
	defer h.release(auctionID, r)

	r.op.Lock()
	defer r.op.Unlock()
	m, err := h.machineLocked(ctx, auctionID, r)
	if err != nil {
		return err
	}
	return h.broadcastStateLocked(ctx, auctionID, r, m)
}

func (h *Hub) broadcastStateLocked(ctx context.Context, auctionID int64, r *room, m *auction.Machine) error {
	st, err := m.State(ctx)
	if err != nil {
		return fmt.Errorf("loading auction %d state: %w", auctionID, err)
	}
	return h.broadcastLocked(ctx, auctionID, r, protocol.NewStateUpdate(st))
}

// broadcastLocked encodes msg once and queues it on every connection in
// the room. r.op must be held.
func (h *Hub) broadcastLocked(ctx context.Context, auctionID int64, r *room, msg any) error {
	_, span := h.tracer.Start(ctx, "Hub.Broadcast", trace.WithAttributes(attribute.Int64("auction.id", auctionID)))
	defer span.End()

	b, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	h.mu.Lock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	span.SetAttributes(attribute.Int("hub.recipients", len(conns)))
	for _, c := range conns {
		h.enqueue(c, b)
	}
	h.metrics.Broadcast()
	return nil
}

// SendState queues a state snapshot for c alone.
func (h *Hub) SendState(ctx context.Context, c *Conn) error {
	r, err := h.acquire(c.auctionID, false)
	if err != nil {
		return err
	}
	defer h.release(c.auctionID, r)

	r.op.Lock()
	defer r.op.Unlock()
	m, err := h.machineLocked(ctx, c.auctionID, r)
	if err != nil {
		return err
	}
	st, err := m.State(ctx)
	if err != nil {
		return fmt.Errorf("loading auction %d state: %w", c.auctionID, err)
	}
	return h.Send(c, protocol.NewStateUpdate(st))
}

// Send queues msg for c alone.
func (h *Hub) Send(c *Conn, msg any) error {
	b, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	h.enqueue(c, b)
	return nil
}

// enqueue never blocks. A connection that cannot keep up is dropped so
// one slow reader cannot stall the auction.
func (h *Hub) enqueue(c *Conn, b []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- b:
	default:
		h.drop(c, reasonSlowConsumer)
	}
}

// Len reports the number of connections registered for auctionID.
func (h *Hub) Len(auctionID int64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[auctionID]; ok {
		return len(r.conns)
	}
	return 0
}

// Close drops every connection and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, r := range h.rooms {
		for _, c := range r.conns {
			c.close()
			h.metrics.ConnectionClosed(c.role())
			h.metrics.Dropped(reasonShutdown)
		}
		clear(r.conns)
		delete(h.rooms, id)
	}
	h.metrics.SetRooms(0)
}
