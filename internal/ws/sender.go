// Package ws implements the per-session connection core: the
// application handshake, action dispatch, rate limiting, heartbeat,
// and teardown over a WebSocket transport.
package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/and161185/sealbase/internal/registry"
)

const (
	// outboundQueueSize bounds each connection's send queue; overflow
	// sheds the subscriber rather than stalling the fan-out.
	outboundQueueSize = 256

	writeTimeout = 10 * time.Second
)

// ErrQueueFull reports outbound backpressure.
var ErrQueueFull = errors.New("ws: outbound queue full")

// ErrSenderClosed reports a send after teardown began.
var ErrSenderClosed = errors.New("ws: sender closed")

// sender owns all writes to one socket. Frames are enqueued from any
// goroutine and written by a single writer loop with deadlines on
// every write.
type sender struct {
	ws    *websocket.Conn
	queue chan []byte
	quit  chan struct{}
	once  sync.Once

	mu     sync.Mutex
	reason registry.CloseReason
}

func newSender(ws *websocket.Conn) *sender {
	return &sender{
		ws:    ws,
		queue: make(chan []byte, outboundQueueSize),
		quit:  make(chan struct{}),
	}
}

// Send enqueues one frame without blocking.
func (s *sender) Send(frame []byte) error {
	select {
	case <-s.quit:
		return ErrSenderClosed
	default:
	}
	select {
	case s.queue <- frame:
		return nil
	default:
		return ErrQueueFull
	}
}

// Terminate begins teardown: queued frames are flushed, then the
// socket is closed with the reason as the close text.
func (s *sender) Terminate(reason registry.CloseReason) {
	s.once.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		close(s.quit)
	})
}

func (s *sender) write(frame []byte) error {
	s.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.ws.WriteMessage(websocket.TextMessage, frame)
}

// run is the writer loop. It exits when Terminate is called or a write
// fails; either way the socket ends up closed, which also unblocks the
// reader.
func (s *sender) run() {
	defer s.ws.Close()
	for {
		select {
		case frame := <-s.queue:
			if err := s.write(frame); err != nil {
				return
			}
		case <-s.quit:
			// flush what was queued before teardown
			for {
				select {
				case frame := <-s.queue:
					if err := s.write(frame); err != nil {
						return
					}
				default:
					s.mu.Lock()
					reason := s.reason
					s.mu.Unlock()
					msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(reason))
					s.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
					_ = s.ws.WriteMessage(websocket.CloseMessage, msg)
					return
				}
			}
		}
	}
}

var _ registry.Sender = (*sender)(nil)
