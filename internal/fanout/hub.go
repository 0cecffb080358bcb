// Package fanout delivers sequenced room events to many subscribers. Each
// room is owned by one goroutine, so every subscriber of a room observes the
// same order.
package fanout

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultBuffer  = 64
	publishBacklog = 256
)

var ErrHubClosed = errors.New("fanout hub closed")

type Event struct {
	Room string    `json:"room"`
	Seq  uint64    `json:"seq"`
	Type string    `json:"type"`
	Data any       `json:"data,omitempty"`
	At   time.Time `json:"at"`
}

// Snapshot is the room state as of Seq. Events delivered after it all carry
// a larger sequence number.
type Snapshot struct {
	Room  string `json:"room"`
	Seq   uint64 `json:"seq"`
	State any    `json:"state"`
}

// Sink receives every published event after local delivery.
type Sink interface {
	Deliver(ev Event)
}

type Hub struct {
	mu     sync.Mutex
	rooms  map[string]*room
	buffer int
	sink   Sink
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Hub)

// WithBuffer sets the per-subscriber channel capacity. A subscriber that
// falls this far behind is dropped.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

func WithSink(s Sink) Option {
	return func(h *Hub) { h.sink = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

func NewHub(opts ...Option) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		rooms:  make(map[string]*room),
		buffer: DefaultBuffer,
		logger: slog.Default(),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "fanout")
	return h
}

// Publish assigns the next sequence number of room to an event and makes
// state the room snapshot.
func (h *Hub) Publish(roomName, eventType string, data, state any) error {
	r, err := h.room(roomName)
	if err != nil {
		return err
	}
	select {
	case r.publish <- publication{typ: eventType, data: data, state: state}:
		return nil
	case <-h.ctx.Done():
		return ErrHubClosed
	}
}

// Subscribe joins a room. The returned snapshot and channel are consistent:
// nothing at or below Snapshot.Seq is ever sent on C.
func (h *Hub) Subscribe(roomName string) (*Subscription, error) {
	r, err := h.room(roomName)
	if err != nil {
		return nil, err
	}
	req := registration{reply: make(chan *Subscription, 1)}
	select {
	case r.register <- req:
	case <-h.ctx.Done():
		return nil, ErrHubClosed
	}
	select {
	case sub := <-req.reply:
		return sub, nil
	case <-h.ctx.Done():
		return nil, ErrHubClosed
	}
}

// Subscribers reports the current subscriber count of a room.
func (h *Hub) Subscribers(roomName string) int {
	h.mu.Lock()
	r, ok := h.rooms[roomName]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	return int(r.count.Load())
}

// Close stops all rooms and closes every subscriber channel.
func (h *Hub) Close() {
	h.cancel()
	h.wg.Wait()
}

func (h *Hub) room(name string) (*room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.ctx.Err() != nil {
		return nil, ErrHubClosed
	}
	if r, ok := h.rooms[name]; ok {
		return r, nil
	}
	r := &room{
		name:       name,
		hub:        h,
		register:   make(chan registration),
		unregister: make(chan *Subscription),
		publish:    make(chan publication, publishBacklog),
		subs:       make(map[string]*Subscription),
	}
	h.rooms[name] = r
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		r.run(h.ctx)
	}()
	return r, nil
}

type publication struct {
	typ   string
	data  any
	state any
}

type registration struct {
	reply chan *Subscription
}

type room struct {
	name string
	hub  *Hub

	register   chan registration
	unregister chan *Subscription
	publish    chan publication

	subs  map[string]*Subscription
	seq   uint64
	state any
	count atomic.Int64
}

func (r *room) run(ctx context.Context) {
	defer func() {
		for id, sub := range r.subs {
			delete(r.subs, id)
			close(sub.ch)
		}
		r.count.Store(0)
	}()

	for {
		select {
		case req := <-r.register:
			sub := &Subscription{
				ID:       uuid.NewString(),
				Snapshot: Snapshot{Room: r.name, Seq: r.seq, State: r.state},
				ch:       make(chan Event, r.hub.buffer),
				room:     r,
			}
			sub.C = sub.ch
			r.subs[sub.ID] = sub
			r.count.Store(int64(len(r.subs)))
			req.reply <- sub

		case sub := <-r.unregister:
			if _, ok := r.subs[sub.ID]; ok {
				delete(r.subs, sub.ID)
				close(sub.ch)
				r.count.Store(int64(len(r.subs)))
			}

		case p := <-r.publish:
			r.seq++
			r.state = p.state
			r.deliver(Event{Room: r.name, Seq: r.seq, Type: p.typ, Data: p.data, At: time.Now().UTC()})

		case <-ctx.Done():
			return
		}
	}
}

// deliver never blocks on a subscriber. A full buffer drops the subscriber;
// it has to rejoin and start from a fresh snapshot.
func (r *room) deliver(ev Event) {
	for id, sub := range r.subs {
		select {
		case sub.ch <- ev:
		default:
			delete(r.subs, id)
			sub.dropped.Store(true)
			close(sub.ch)
			r.hub.logger.Warn("slow subscriber dropped", "room", r.name, "subscriber", id, "seq", ev.Seq, "acked", sub.Acked())
		}
	}
	r.count.Store(int64(len(r.subs)))

	if r.hub.sink != nil {
		r.hub.sink.Deliver(ev)
	}
}

type Subscription struct {
	ID       string
	Snapshot Snapshot
	C        <-chan Event

	ch      chan Event
	room    *room
	acked   atomic.Uint64
	dropped atomic.Bool
	once    sync.Once
}

// Ack records that the subscriber has processed everything up to seq.
func (s *Subscription) Ack(seq uint64) {
	for {
		cur := s.acked.Load()
		if seq <= cur || s.acked.CompareAndSwap(cur, seq) {
			return
		}
	}
}

func (s *Subscription) Acked() uint64 { return s.acked.Load() }

// Dropped reports whether the hub closed C because the subscriber lagged.
func (s *Subscription) Dropped() bool { return s.dropped.Load() }

// Close leaves the room. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		select {
		case s.room.unregister <- s:
		case <-s.room.hub.ctx.Done():
		}
	})
}
