// Package events relays round events to NATS for consumers outside the
// core, such as chat or anti-fraud services.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"fairplay-backend/internal/fanout"
)

const DefaultSubjectPrefix = "fairplay"

// Publisher is the part of *nats.Conn the relay uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

type RoundEvent struct {
	Room      string `json:"room"`
	Seq       uint64 `json:"seq"`
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Relay implements fanout.Sink by publishing each event to
// <prefix>.rounds.<room>. Publish failures are logged and dropped; NATS
// consumers are not on the settlement path.
type Relay struct {
	pub           Publisher
	subjectPrefix string
	logger        *slog.Logger
}

func NewRelay(pub Publisher, subjectPrefix string, logger *slog.Logger) *Relay {
	if subjectPrefix == "" {
		subjectPrefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{pub: pub, subjectPrefix: subjectPrefix, logger: logger.With("component", "events")}
}

func (r *Relay) Subject(room string) string {
	return r.subjectPrefix + ".rounds." + room
}

func (r *Relay) Deliver(ev fanout.Event) {
	if err := r.Emit(ev); err != nil {
		r.logger.Warn("failed to relay event", "room", ev.Room, "seq", ev.Seq, "error", err)
	}
}

func (r *Relay) Emit(ev fanout.Event) error {
	data, err := json.Marshal(RoundEvent{
		Room:      ev.Room,
		Seq:       ev.Seq,
		Type:      ev.Type,
		Data:      ev.Data,
		Timestamp: ev.At.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return r.pub.Publish(r.Subject(ev.Room), data)
}

// Connect dials NATS with reconnects enabled forever.
func Connect(url string, logger *slog.Logger) (*nats.Conn, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(url,
		nats.Name("fairplay-backend"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("disconnected from NATS", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}
