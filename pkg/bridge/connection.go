package bridge

import (
	"sync"
	"time"

	"github.com/bretmckee/game-scheduler-sub006/pkg/event"
)

// Connection is one subscribed web session. Its authorized scopes are fixed
// at subscribe time; revocation takes effect on reconnect.
type Connection struct {
	id        string
	scopes    map[string]struct{}
	send      chan *event.OutboundEvent
	done      chan struct{}
	closeOnce sync.Once
	createdAt time.Time
}

func (c *Connection) ID() string { return c.id }

// Events is the connection's bounded outbound buffer. It is never closed —
// closing it would race with a concurrent fan-out send — so readers observe
// teardown by selecting on Done alongside it.
func (c *Connection) Events() <-chan *event.OutboundEvent { return c.send }

// Done is closed when the bridge tears the connection down (overflow,
// deregistration, bridge shutdown).
func (c *Connection) Done() <-chan struct{} { return c.done }

// allowed reports whether the connection may observe the given subject.
// Events outside scope are dropped silently, never leaked.
func (c *Connection) allowed(scope string) bool {
	_, ok := c.scopes[scope]
	return ok
}

func (c *Connection) close() {
	c.closeOnce.Do(func() { close(c.done) })
}
