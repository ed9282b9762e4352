// Package events records analytics events about citizen activity. Recording
// is fire and forget: failures are logged and never reach the conversation.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/medellinbot/medellinbot/internal/store"
	"github.com/medellinbot/medellinbot/pkg/logger"
)

type Recorder interface {
	Record(ctx context.Context, e store.Event)
}

// EventStore persists events.
type EventStore interface {
	RecordEvent(ctx context.Context, e store.Event) error
}

// StoreRecorder writes events to the database.
type StoreRecorder struct {
	store EventStore
	log   *logger.Logger
}

func NewStoreRecorder(s EventStore, log *logger.Logger) *StoreRecorder {
	return &StoreRecorder{store: s, log: logger.OrNop(log).Named("events")}
}

func (r *StoreRecorder) Record(ctx context.Context, e store.Event) {
	if err := r.store.RecordEvent(ctx, e); err != nil {
		r.log.Warn("record event", zap.String("type", e.Type), zap.Int64("user_id", e.UserID), zap.Error(err))
	}
}

// Publisher is the subset of *nats.Conn used to publish events.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher publishes each event as JSON on "<prefix>.<event type>".
type NATSPublisher struct {
	pub    Publisher
	prefix string
	log    *logger.Logger
	now    func() time.Time
}

func NewNATSPublisher(pub Publisher, prefix string, log *logger.Logger) *NATSPublisher {
	return &NATSPublisher{pub: pub, prefix: prefix, log: logger.OrNop(log).Named("events"), now: time.Now}
}

func (p *NATSPublisher) Record(ctx context.Context, e store.Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = p.now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		p.log.Warn("encode event", zap.String("type", e.Type), zap.Error(err))
		return
	}
	if err := p.pub.Publish(p.Subject(e.Type), data); err != nil {
		p.log.Warn("publish event", zap.String("subject", p.Subject(e.Type)), zap.Error(err))
	}
}

func (p *NATSPublisher) Subject(eventType string) string {
	if p.prefix == "" {
		return eventType
	}
	return p.prefix + "." + eventType
}

// Multi fans an event out to every recorder in order. Nil entries are skipped.
type Multi []Recorder

func (m Multi) Record(ctx context.Context, e store.Event) {
	for _, r := range m {
		if r != nil {
			r.Record(ctx, e)
		}
	}
}

// ConnectNATS dials the event bus with unlimited reconnects.
func ConnectNATS(url string, log *logger.Logger) (*nats.Conn, error) {
	l := logger.OrNop(log).Named("nats")
	nc, err := nats.Connect(url,
		nats.Name("medellinbot"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			l.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			l.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return nc, nil
}
