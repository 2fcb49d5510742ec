package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ashuang/procman/internal/protocol"
)

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
)

// ClientBus is the deputy-side transport.Bus: it dials a Sheriff's
// ServerBus and reconnects with a fixed-step-doubling backoff on
// failure, the same shape as the teacher's WebSocketClient.Run.
type ClientBus struct {
	url string
	log zerolog.Logger

	mu      sync.Mutex
	current *conn

	local *localSubs

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewClientBus dials url lazily; call Run to start the connect/reconnect
// loop in the background.
func NewClientBus(url string, log zerolog.Logger) *ClientBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &ClientBus{
		url:    url,
		log:    log.With().Str("component", "transport.ws.client").Logger(),
		local:  newLocalSubs(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Run connects and maintains the connection until Close is called. It
// should be started in its own goroutine.
func (c *ClientBus) Run() {
	defer close(c.done)
	backoff := initialBackoff
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		wsConn, _, err := websocket.DefaultDialer.DialContext(c.ctx, c.url, nil)
		if err != nil {
			c.log.Warn().Err(err).Dur("backoff", backoff).Msg("connect failed, retrying")
			if !c.sleep(backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = initialBackoff
		conn := newConn(wsConn, c.log)
		c.mu.Lock()
		c.current = conn
		c.mu.Unlock()

		go conn.writeLoop()
		conn.readLoop(func(f frame) {
			c.local.dispatch(f.Channel, f.Message)
		})

		c.mu.Lock()
		c.current = nil
		c.mu.Unlock()
		conn.close()
	}
}

func (c *ClientBus) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func (c *ClientBus) Publish(channel string, msg *protocol.Message) error {
	data, err := json.Marshal(frame{Channel: channel, Message: msg})
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.current
	c.mu.Unlock()

	if conn == nil {
		return websocket.ErrCloseSent
	}
	if !conn.safeSend(data) {
		return websocket.ErrCloseSent
	}
	return nil
}

func (c *ClientBus) Subscribe(channel string) (<-chan *protocol.Message, func()) {
	return c.local.subscribe(channel)
}

func (c *ClientBus) Close() error {
	c.cancel()
	<-c.done
	c.mu.Lock()
	if c.current != nil {
		c.current.close()
	}
	c.mu.Unlock()
	c.local.closeAll()
	return nil
}
