package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/openagents/core/internal/circuitbreaker"
	"github.com/openagents/core/internal/nostrtype"
)

// newEchoRelay starts a test relay that accepts a REQ and immediately
// replies EOSE, and accepts an EVENT and immediately replies OK true.
func newEchoRelay(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var arr []json.RawMessage
			require.NoError(t, json.Unmarshal(raw, &arr))
			var tag string
			require.NoError(t, json.Unmarshal(arr[0], &tag))

			switch tag {
			case "REQ":
				var subID string
				require.NoError(t, json.Unmarshal(arr[1], &subID))
				frame, _ := json.Marshal([]interface{}{"EOSE", subID})
				_ = conn.WriteMessage(websocket.TextMessage, frame)
			case "EVENT":
				var ev nostrtype.Event
				require.NoError(t, json.Unmarshal(arr[1], &ev))
				frame, _ := json.Marshal([]interface{}{"OK", ev.ID, true, ""})
				_ = conn.WriteMessage(websocket.TextMessage, frame)
			case "CLOSE":
				// no response expected
			}
		}
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, wsURL
}

func TestRelayConnection_ConnectPublishSubscribe(t *testing.T) {
	srv, wsURL := newEchoRelay(t)
	defer srv.Close()

	conn, err := NewConnection(wsURL, Config{ConnectTimeout: 2 * time.Second})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, conn.Connect(ctx))
	defer conn.Disconnect()
	require.Equal(t, StateConnected, conn.State())

	sub, err := conn.Subscribe("sub-1", []nostrtype.Filter{{Kinds: []int{1}}})
	require.NoError(t, err)

	select {
	case <-sub.EOSE:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for EOSE")
	}

	ev := &nostrtype.Event{ID: "event-id-1", PubKey: "pub1", Kind: 1, Content: "hello"}
	confirmation, err := conn.Publish(ctx, ev, 2*time.Second)
	require.NoError(t, err)
	require.True(t, confirmation.Accepted)
	require.Equal(t, "event-id-1", confirmation.EventID)

	require.NoError(t, conn.Unsubscribe("sub-1"))

	snapshot := conn.Metrics()
	require.GreaterOrEqual(t, snapshot.MessagesSent, uint64(2))
	require.GreaterOrEqual(t, snapshot.MessagesReceived, uint64(1))
}

func TestRelayConnection_PublishWhileOfflineQueues(t *testing.T) {
	conn, err := NewConnection("ws://127.0.0.1:1", Config{EnableQueue: true})
	require.NoError(t, err)

	ev := &nostrtype.Event{ID: "queued-event", Kind: 1}
	confirmation, err := conn.Publish(context.Background(), ev, time.Second)
	require.NoError(t, err)
	require.False(t, confirmation.Accepted)

	n, err := conn.queue.Len(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestRelayConnection_PublishFailsFastWhenCircuitOpen(t *testing.T) {
	conn, err := NewConnection("ws://127.0.0.1:1", Config{EnableQueue: true})
	require.NoError(t, err)

	// Trip the breaker directly rather than via Connect, so the test doesn't
	// depend on dial timing: NewRelayBreakerConfig trips after 5 consecutive
	// failures.
	for i := 0; i < 5; i++ {
		_, _ = conn.cb.Execute(func() (interface{}, error) {
			return nil, errors.New("simulated connect failure")
		})
	}
	require.Equal(t, circuitbreaker.StateOpen, conn.cb.State())

	ev := &nostrtype.Event{ID: "queued-event", Kind: 1}
	_, err = conn.Publish(context.Background(), ev, time.Second)
	require.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)

	n, err := conn.queue.Len(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, n, "an open circuit must fail fast before the frame ever reaches the queue")
}

func TestRelayConnection_RejectsNonWebsocketScheme(t *testing.T) {
	_, err := NewConnection("http://example.com", Config{})
	require.ErrorIs(t, err, ErrInvalidURL)
}

func TestExponentialBackoff_DoublesAndCaps(t *testing.T) {
	b := NewExponentialBackoff(100*time.Millisecond, 400*time.Millisecond, 0)

	d1, ok := b.Next()
	require.True(t, ok)
	require.InDelta(t, float64(100*time.Millisecond), float64(d1), float64(30*time.Millisecond))

	d2, ok := b.Next()
	require.True(t, ok)
	require.InDelta(t, float64(200*time.Millisecond), float64(d2), float64(60*time.Millisecond))

	d3, ok := b.Next()
	require.True(t, ok)
	require.InDelta(t, float64(400*time.Millisecond), float64(d3), float64(120*time.Millisecond))

	d4, ok := b.Next()
	require.True(t, ok)
	require.LessOrEqual(t, d4, 480*time.Millisecond) // capped at max + jitter

	b.Reset()
	require.EqualValues(t, 0, b.Attempt())
}

func TestExponentialBackoff_ExhaustsMaxRetries(t *testing.T) {
	b := NewExponentialBackoff(10*time.Millisecond, 100*time.Millisecond, 2)
	_, ok := b.Next()
	require.True(t, ok)
	_, ok = b.Next()
	require.True(t, ok)
	_, ok = b.Next()
	require.False(t, ok)
}

func TestInProcessQueue_PeekThenAck(t *testing.T) {
	q := NewInProcessQueue()
	ctx := context.Background()

	_, err := q.Enqueue(ctx, []byte("frame-1"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, []byte("frame-2"))
	require.NoError(t, err)

	msg, ok, err := q.Peek(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("frame-1"), msg.Payload)
	require.Equal(t, 1, msg.Attempts)

	// Peeking again without acking does not remove the message, but does
	// record another delivery attempt — this is what lets a crash mid-send
	// replay instead of losing the message.
	msg2, ok, err := q.Peek(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, msg.ID, msg2.ID)
	require.Equal(t, 2, msg2.Attempts)

	require.NoError(t, q.Ack(ctx, msg.ID))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	next, ok, err := q.Peek(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("frame-2"), next.Payload)
}

func TestRelayConnection_DrainQueueWaitsForOKBeforeAcking(t *testing.T) {
	srv, wsURL := newEchoRelay(t)
	defer srv.Close()

	conn, err := NewConnection(wsURL, Config{
		ConnectTimeout:    2 * time.Second,
		EnableQueue:       true,
		QueuePollInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	frame, err := nostrtype.EncodeEvent(&nostrtype.Event{ID: "queued-event-1", Kind: 1, Content: "hi"})
	require.NoError(t, err)
	_, err = conn.queue.Enqueue(context.Background(), frame)
	require.NoError(t, err)

	require.NoError(t, conn.Connect(context.Background()))
	defer conn.Disconnect()

	require.Eventually(t, func() bool {
		n, err := conn.queue.Len(context.Background())
		return err == nil && n == 0
	}, 2*time.Second, 20*time.Millisecond, "queued event should drain and ack once the relay confirms it with OK")
}

func TestInProcessQueue_FailMarksTerminalAndSkipsInPeek(t *testing.T) {
	q := NewInProcessQueue()
	ctx := context.Background()

	first, err := q.Enqueue(ctx, []byte("frame-1"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, []byte("frame-2"))
	require.NoError(t, err)

	require.NoError(t, q.Fail(ctx, first.ID))

	// A Failed message is terminal: Peek must skip straight past it to the
	// next eligible message instead of handing it out for another attempt.
	msg, ok, err := q.Peek(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("frame-2"), msg.Payload)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n, "a Failed message stays in the queue for inspection, it is not removed")
}

func TestSubscription_DeliverIsNonBlockingAndEOSEFiresOnce(t *testing.T) {
	sub := newSubscription("sub-x", nil)

	sub.deliver(&nostrtype.Event{ID: "1"})
	sub.markEOSE()
	sub.markEOSE() // must not panic on double-close

	select {
	case <-sub.EOSE:
	default:
		t.Fatal("expected EOSE to be closed")
	}

	ev := <-sub.Events
	require.Equal(t, "1", ev.ID)
}
