package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/and161185/sealbase/internal/registry"
)

// senderPair dials a throwaway server and returns the client-side conn
// plus a channel of everything the peer received.
func senderPair(t *testing.T) (*websocket.Conn, <-chan string, <-chan string) {
	t.Helper()
	received := make(chan string, 1024)
	closeText := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if ce, ok := err.(*websocket.CloseError); ok {
					closeText <- ce.Text
				}
				close(received)
				return
			}
			received <- string(data)
		}
	}))
	t.Cleanup(srv.Close)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	return ws, received, closeText
}

func TestSender_DeliversInOrder(t *testing.T) {
	ws, received, _ := senderPair(t)
	s := newSender(ws)
	go s.run()

	require.NoError(t, s.Send([]byte("one")))
	require.NoError(t, s.Send([]byte("two")))
	require.NoError(t, s.Send([]byte("three")))

	for _, want := range []string{"one", "two", "three"} {
		select {
		case got := <-received:
			require.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func TestSender_TerminateFlushesQueueThenCloses(t *testing.T) {
	ws, received, closeText := senderPair(t)
	s := newSender(ws)

	// enqueue before the writer starts so the flush path is exercised
	require.NoError(t, s.Send([]byte("pending")))
	s.Terminate(registry.ReasonSignedOut)
	go s.run()

	select {
	case got := <-received:
		require.Equal(t, "pending", got)
	case <-time.After(2 * time.Second):
		t.Fatal("queued frame was not flushed")
	}

	select {
	case text := <-closeText:
		require.Equal(t, string(registry.ReasonSignedOut), text)
	case <-time.After(2 * time.Second):
		t.Fatal("no close frame")
	}

	require.ErrorIs(t, s.Send([]byte("late")), ErrSenderClosed)
}

func TestSender_OverflowReported(t *testing.T) {
	ws, _, _ := senderPair(t)
	s := newSender(ws)
	// writer intentionally not running; fill the queue
	for i := 0; i < outboundQueueSize; i++ {
		require.NoError(t, s.Send([]byte("x")))
	}
	require.ErrorIs(t, s.Send([]byte("overflow")), ErrQueueFull)
	s.Terminate(registry.ReasonSlowConsumer)
}
