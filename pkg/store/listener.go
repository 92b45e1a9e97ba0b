package store

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// WakeReason says why a Wait on the change channel returned.
type WakeReason int

const (
	WakeNotified WakeReason = iota
	WakeTimeout
	WakeShutdown
)

// ChangeListener is the change channel: a LISTEN/NOTIFY subscription on the
// schedule table. A notification is only a hint that rows changed; callers
// must treat the timeout path as an equally valid trigger, so a missed
// signal can never starve the daemon.
type ChangeListener struct {
	pql *pq.Listener
	log zerolog.Logger
}

// NewChangeListener opens a dedicated connection and starts listening on the
// given channel. lib/pq reconnects on its own; after a reconnect a nil
// notification is delivered, which Wait reports as a wake just like a real
// signal (rows may have changed while disconnected).
func NewChangeListener(dsn, channel string, log zerolog.Logger) (*ChangeListener, error) {
	l := pq.NewListener(dsn, 2*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warn().Err(err).Int("event", int(ev)).Msg("change listener connection event")
		}
	})
	if err := l.Listen(channel); err != nil {
		l.Close()
		return nil, fmt.Errorf("listen on %q: %w", channel, err)
	}
	return &ChangeListener{pql: l, log: log}, nil
}

// Wait blocks until a change notification arrives, max elapses, or ctx is
// done. The payload of the notification is deliberately ignored.
func (c *ChangeListener) Wait(ctx context.Context, max time.Duration) WakeReason {
	timer := time.NewTimer(max)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return WakeShutdown
	case n := <-c.pql.Notify:
		if n != nil {
			c.log.Debug().Str("channel", n.Channel).Msg("schedule change signal")
		}
		return WakeNotified
	case <-timer.C:
		// Long idle periods can hide a dead connection; Ping forces the
		// listener to notice and reconnect.
		if err := c.pql.Ping(); err != nil {
			c.log.Warn().Err(err).Msg("change listener ping failed")
		}
		return WakeTimeout
	}
}

func (c *ChangeListener) Close() error {
	return c.pql.Close()
}
