package bridge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bretmckee/game-scheduler-sub006/pkg/config"
	"github.com/bretmckee/game-scheduler-sub006/pkg/event"
)

type staticAuthorizer struct {
	subjects map[string][]string
	err      error
}

func (a *staticAuthorizer) AuthorizedSubjects(ctx context.Context, token string) ([]string, error) {
	if a.err != nil {
		return nil, a.err
	}
	return a.subjects[token], nil
}

func testBridgeSettings() config.BridgeSettings {
	return config.BridgeSettings{
		Queue:             "bridge.events",
		SendBuffer:        8,
		KeepaliveInterval: 50 * time.Millisecond,
		WriteTimeout:      time.Second,
	}
}

func statusEvent(subject string) *event.OutboundEvent {
	return &event.OutboundEvent{
		Type:         event.TypeGameStatusChanged,
		SubjectID:    subject,
		OccurredAt:   time.Now().UTC(),
		StatusChange: &event.StatusChange{NewStatus: "started"},
	}
}

func TestSubscribe_DeniedWithoutScopes(t *testing.T) {
	b := New(testBridgeSettings(), &staticAuthorizer{subjects: map[string][]string{}}, zerolog.Nop())

	_, err := b.Subscribe(context.Background(), "token-without-games")
	assert.ErrorIs(t, err, ErrAuthorizationDenied)
	assert.Zero(t, b.ConnectionCount())
}

func TestSubscribe_DeniedOnAuthError(t *testing.T) {
	b := New(testBridgeSettings(), &staticAuthorizer{err: errors.New("session expired")}, zerolog.Nop())

	_, err := b.Subscribe(context.Background(), "stale-token")
	assert.ErrorIs(t, err, ErrAuthorizationDenied)
}

func TestFanOut_ScopeFilter(t *testing.T) {
	// Random scope/event combinations: a connection receives an event iff
	// the event's subject is inside its scope set, and never otherwise.
	rng := rand.New(rand.NewSource(7))
	subjects := []string{"game-1", "game-2", "game-3", "game-4", "game-5"}

	b := New(testBridgeSettings(), &staticAuthorizer{}, zerolog.Nop())

	type scoped struct {
		conn   *Connection
		scopes map[string]bool
	}
	var conns []scoped
	for i := 0; i < 20; i++ {
		var in []string
		scopes := map[string]bool{}
		for _, s := range subjects {
			if rng.Intn(2) == 0 {
				in = append(in, s)
				scopes[s] = true
			}
		}
		if len(in) == 0 {
			in = []string{subjects[0]}
			scopes[subjects[0]] = true
		}
		conns = append(conns, scoped{conn: b.register(in), scopes: scopes})
	}

	want := make([]int, len(conns))
	for i := 0; i < 50; i++ {
		subject := subjects[rng.Intn(len(subjects))]
		b.fanOut(context.Background(), statusEvent(subject))
		for j, c := range conns {
			if c.scopes[subject] {
				want[j]++
			}
			// Drain as we go so buffers never overflow in this test.
			select {
			case got := <-c.conn.Events():
				require.True(t, c.scopes[got.SubjectID],
					"connection received event outside its scope")
				want[j]-- // matched one expected delivery
				require.GreaterOrEqual(t, want[j], 0)
			default:
			}
		}
	}

	// Drain stragglers.
	for j, c := range conns {
		for {
			select {
			case got := <-c.conn.Events():
				require.True(t, c.scopes[got.SubjectID])
				want[j]--
			default:
				goto next
			}
		}
	next:
		assert.Zero(t, want[j], "connection %d missed deliveries", j)
	}
	assert.Equal(t, 20, b.ConnectionCount(), "no connection dropped in-scope traffic")
}

func TestFanOut_SlowConnectionDroppedOthersKeepReceiving(t *testing.T) {
	cfg := testBridgeSettings()
	cfg.SendBuffer = 4
	b := New(cfg, &staticAuthorizer{}, zerolog.Nop())

	slow := b.register([]string{"game-1"})
	var fast []*Connection
	for i := 0; i < 99; i++ {
		fast = append(fast, b.register([]string{"game-1"}))
	}

	// The slow connection never reads. Its buffer fills after SendBuffer
	// events and the next fan-out drops it; the 99 others keep receiving.
	for i := 0; i < cfg.SendBuffer+1; i++ {
		b.fanOut(context.Background(), statusEvent("game-1"))
		for _, c := range fast {
			select {
			case <-c.Events():
			case <-time.After(time.Second):
				t.Fatal("fast connection starved by slow peer")
			}
		}
	}

	select {
	case <-slow.Done():
	default:
		t.Fatal("slow connection was not torn down")
	}
	assert.Equal(t, 99, b.ConnectionCount())

	// Delivery continues for the survivors.
	b.fanOut(context.Background(), statusEvent("game-1"))
	for _, c := range fast {
		select {
		case <-c.Events():
		case <-time.After(time.Second):
			t.Fatal("fan-out stalled after drop")
		}
	}
}

func TestUnsubscribe_SignalsDoneWithoutClosingEvents(t *testing.T) {
	b := New(testBridgeSettings(), &staticAuthorizer{}, zerolog.Nop())
	conn := b.register([]string{"game-1"})

	b.Unsubscribe(conn.ID())

	select {
	case <-conn.Done():
	default:
		t.Fatal("done channel not closed after teardown")
	}

	// The event buffer stays open so fan-out can never send on a closed
	// channel; readers exit through Done instead.
	select {
	case evt := <-conn.Events():
		t.Fatalf("unexpected event %v from torn-down connection", evt)
	default:
	}
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	b := New(testBridgeSettings(), &staticAuthorizer{}, zerolog.Nop())
	conn := b.register([]string{"game-1"})

	b.Unsubscribe(conn.ID())
	b.Unsubscribe(conn.ID())

	assert.Zero(t, b.ConnectionCount())
	select {
	case <-conn.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestStreamEndpoint_DeliversFramesAndRefusesUnauthorized(t *testing.T) {
	auth := &staticAuthorizer{subjects: map[string][]string{
		"alice": {"game-1"},
	}}
	b := New(testBridgeSettings(), auth, zerolog.Nop())

	srv := httptest.NewServer(b.Routes())
	defer srv.Close()

	// Unauthorized session: explicit refusal, not an empty stream.
	resp, err := http.Get(srv.URL + "/v1/events/stream?session=mallory")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Authorized session: streams data frames.
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/events/stream", nil)
	req.Header.Set("Authorization", "Bearer alice")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Wait for the connection to register before fanning out.
	deadline := time.Now().Add(time.Second)
	for b.ConnectionCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, b.ConnectionCount())

	b.fanOut(context.Background(), statusEvent("game-1"))

	reader := bufio.NewReader(resp.Body)
	var sawData bool
	for i := 0; i < 20; i++ {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, fmt.Sprintf("event: %s", event.TypeGameStatusChanged)) {
			sawData = true
			data, err := reader.ReadString('\n')
			require.NoError(t, err)
			assert.Contains(t, data, `"subject_id":"game-1"`)
			break
		}
		// Keepalive frames are fine; they are distinguishable from data.
		if strings.HasPrefix(line, "event: keepalive") {
			continue
		}
	}
	assert.True(t, sawData, "expected a data frame on the stream")
}
