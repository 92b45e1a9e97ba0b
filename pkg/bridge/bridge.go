package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/bretmckee/game-scheduler-sub006/pkg/broker"
	"github.com/bretmckee/game-scheduler-sub006/pkg/config"
	"github.com/bretmckee/game-scheduler-sub006/pkg/event"
)

// ErrAuthorizationDenied refuses a subscription outright; a denied session
// gets an explicit error, never a silently empty stream.
var ErrAuthorizationDenied = errors.New("subscription not authorized")

// Authorizer is the external collaborator that resolves a session to the set
// of subjects it may observe. It is consulted once, at subscribe time.
type Authorizer interface {
	AuthorizedSubjects(ctx context.Context, sessionToken string) ([]string, error)
}

// Bridge fans consumed broker events out to live web sessions, applying
// per-connection authorization. One consumption loop preserves broker order;
// deliveries to distinct connections are independent.
type Bridge struct {
	cfg    config.BridgeSettings
	auth   Authorizer
	log    zerolog.Logger
	tracer trace.Tracer

	mu    sync.RWMutex
	conns map[string]*Connection
}

func New(cfg config.BridgeSettings, auth Authorizer, log zerolog.Logger) *Bridge {
	return &Bridge{
		cfg:    cfg,
		auth:   auth,
		log:    log,
		tracer: otel.Tracer("game-scheduler"),
		conns:  make(map[string]*Connection),
	}
}

// Subscribe authorizes the session and registers a connection. A session
// with no observable subjects is refused, not scoped down to an empty
// stream.
func (b *Bridge) Subscribe(ctx context.Context, sessionToken string) (*Connection, error) {
	subjects, err := b.auth.AuthorizedSubjects(ctx, sessionToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthorizationDenied, err)
	}
	if len(subjects) == 0 {
		return nil, ErrAuthorizationDenied
	}
	return b.register(subjects), nil
}

// register creates a Streaming connection with the given scopes. Safe to
// call concurrently with fan-out.
func (b *Bridge) register(subjects []string) *Connection {
	scopes := make(map[string]struct{}, len(subjects))
	for _, s := range subjects {
		scopes[s] = struct{}{}
	}
	conn := &Connection{
		id:        uuid.NewString(),
		scopes:    scopes,
		send:      make(chan *event.OutboundEvent, b.cfg.SendBuffer),
		done:      make(chan struct{}),
		createdAt: time.Now(),
	}

	b.mu.Lock()
	b.conns[conn.id] = conn
	b.mu.Unlock()

	b.log.Info().Str("conn", conn.id).Int("scopes", len(subjects)).Msg("bridge connection registered")
	return conn
}

// Unsubscribe tears a connection down and releases its resources.
func (b *Bridge) Unsubscribe(connID string) {
	b.mu.Lock()
	conn, ok := b.conns[connID]
	if ok {
		delete(b.conns, connID)
	}
	b.mu.Unlock()

	if ok {
		conn.close()
		b.log.Info().Str("conn", connID).Msg("bridge connection closed")
	}
}

// ConnectionCount is a diagnostic: how many sessions are currently streaming.
func (b *Bridge) ConnectionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.conns)
}

// Run consumes broker events and fans them out until ctx is canceled. All
// registered connections are torn down on return.
func (b *Bridge) Run(ctx context.Context, consumer broker.EventConsumer) error {
	defer b.closeAll()

	return consumer.Consume(ctx, func(ctx context.Context, d broker.Delivery) error {
		evt, err := event.Decode(d.Payload)
		if err != nil {
			// Undecodable events go back to the broker; the delivery limit
			// dead-letters persistent garbage.
			b.log.Warn().Err(err).Str("topic", d.Topic).Msg("dropping undecodable event")
			return err
		}
		b.fanOut(ctx, evt)
		return nil
	})
}

// fanOut delivers one event to every connection whose scope covers its
// subject. A full send buffer marks the connection for teardown instead of
// blocking the loop: one slow reader must never stall the rest.
func (b *Bridge) fanOut(ctx context.Context, evt *event.OutboundEvent) {
	_, span := b.tracer.Start(ctx, "FanOutEvent")
	defer span.End()

	b.mu.RLock()
	var overflowed []string
	delivered := 0
	for _, conn := range b.conns {
		if !conn.allowed(evt.SubjectID) {
			continue
		}
		select {
		case conn.send <- evt:
			delivered++
		default:
			overflowed = append(overflowed, conn.id)
		}
	}
	b.mu.RUnlock()

	for _, id := range overflowed {
		b.log.Warn().Str("conn", id).Msg("send buffer overflow, dropping connection")
		b.Unsubscribe(id)
	}

	b.log.Debug().
		Str("type", string(evt.Type)).
		Str("subject", evt.SubjectID).
		Int("delivered", delivered).
		Int("dropped", len(overflowed)).
		Msg("event fanned out")
}

func (b *Bridge) closeAll() {
	b.mu.Lock()
	conns := b.conns
	b.conns = make(map[string]*Connection)
	b.mu.Unlock()

	for _, conn := range conns {
		conn.close()
	}
}
