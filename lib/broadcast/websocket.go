package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/litcodeur/luminardb/lib/util"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// --------------------------------------------------------------------------
// Websocket Bus
// --------------------------------------------------------------------------

const (
	wsWriteTimeout     = 10 * time.Second
	wsReconnectInitial = time.Second
	wsReconnectMax     = 30 * time.Second
	wsHandshakeTimeout = 10 * time.Second
)

// websocketBus relays messages through an external websocket fan-out
// endpoint. The connection is re-established with backoff after failures;
// messages published while disconnected are dropped (the bus makes no
// delivery promises).
type websocketBus struct {
	url    string
	origin string
	logger zerolog.Logger
	subs   *util.Subscribable[Message]

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
	done   chan struct{}
}

// NewWebsocketBus connects to a relay endpoint. origin is this instance's
// ID; incoming messages from the same origin are discarded.
func NewWebsocketBus(url string, origin string, logger zerolog.Logger) IBus {
	b := &websocketBus{
		url:    url,
		origin: origin,
		logger: logger.With().Str("component", "broadcast").Logger(),
		subs:   util.NewSubscribable[Message](),
		done:   make(chan struct{}),
	}
	go b.run()
	return b
}

// run maintains the connection and pumps incoming messages to subscribers.
func (b *websocketBus) run() {
	wait := wsReconnectInitial
	for {
		select {
		case <-b.done:
			return
		default:
		}

		dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
		conn, _, err := dialer.Dial(b.url, nil)
		if err != nil {
			b.logger.Warn().Err(err).Dur("retryIn", wait).Msg("relay connect failed")
			select {
			case <-b.done:
				return
			case <-time.After(wait):
			}
			if wait *= 2; wait > wsReconnectMax {
				wait = wsReconnectMax
			}
			continue
		}
		wait = wsReconnectInitial

		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			conn.Close()
			return
		}
		b.conn = conn
		b.mu.Unlock()

		b.readLoop(conn)

		b.mu.Lock()
		b.conn = nil
		b.mu.Unlock()
	}
}

func (b *websocketBus) readLoop(conn *websocket.Conn) {
	defer conn.Close()
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-b.done:
			default:
				b.logger.Debug().Err(err).Msg("relay read ended")
			}
			return
		}
		if msg.Origin == b.origin {
			continue
		}
		b.subs.Notify(msg)
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see broadcast.IBus)
// --------------------------------------------------------------------------

func (b *websocketBus) Publish(_ context.Context, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("broadcast: bus closed")
	}
	if b.conn == nil {
		// disconnected; the relay owes us nothing, drop the message
		return nil
	}
	_ = b.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return errors.Wrap(b.conn.WriteJSON(msg), "broadcast: publish")
}

func (b *websocketBus) Subscribe(fn func(Message)) func() {
	return b.subs.Subscribe(fn)
}

func (b *websocketBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}
