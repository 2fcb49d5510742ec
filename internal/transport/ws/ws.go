// Package ws is a WebSocket-backed transport.Bus for multi-host
// deployments: a Sheriff process runs a ServerBus that deputy processes
// dial into with a ClientBus. It mirrors the teacher's Hub/Client split
// (a mutex-guarded connection registry, non-blocking fan-out from
// Publish, safe per-connection send) but carries procman's four pub/sub
// channels instead of the teacher's agent/browser message types.
package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ashuang/procman/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendQueue  = 256
)

// frame is the on-wire envelope: a transport channel name plus the
// procman message it carries.
type frame struct {
	Channel string            `json:"channel"`
	Message *protocol.Message `json:"message"`
}

// conn wraps one WebSocket connection with a safe, non-blocking send
// path, matching the teacher's Client.SafeSend/Close discipline.
type conn struct {
	ws        *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
	closed    atomic.Bool
	log       zerolog.Logger
}

func newConn(wsConn *websocket.Conn, log zerolog.Logger) *conn {
	return &conn{ws: wsConn, send: make(chan []byte, sendQueue), log: log}
}

func (c *conn) safeSend(data []byte) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			sent = false
		}
	}()
	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.send)
	})
}

func (c *conn) readLoop(onFrame func(frame)) {
	defer func() {
		_ = c.ws.Close()
	}()
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Warn().Err(err).Msg("discarding malformed transport frame")
			continue
		}
		onFrame(f)
	}
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// localSubs is embedded by both bus implementations: it fans a received
// frame out to local Subscribe() callers.
type localSubs struct {
	mu   sync.RWMutex
	subs map[string]map[chan *protocol.Message]struct{}
}

func newLocalSubs() *localSubs {
	return &localSubs{subs: make(map[string]map[chan *protocol.Message]struct{})}
}

func (l *localSubs) subscribe(channel string) (<-chan *protocol.Message, func()) {
	ch := make(chan *protocol.Message, sendQueue)
	l.mu.Lock()
	if l.subs[channel] == nil {
		l.subs[channel] = make(map[chan *protocol.Message]struct{})
	}
	l.subs[channel][ch] = struct{}{}
	l.mu.Unlock()

	return ch, func() {
		l.mu.Lock()
		delete(l.subs[channel], ch)
		l.mu.Unlock()
	}
}

func (l *localSubs) dispatch(channel string, msg *protocol.Message) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for ch := range l.subs[channel] {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (l *localSubs) closeAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for channel, chs := range l.subs {
		for ch := range chs {
			close(ch)
		}
		delete(l.subs, channel)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}
