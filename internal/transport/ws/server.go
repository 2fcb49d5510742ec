package ws

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ashuang/procman/internal/protocol"
)

// ServerBus is the Sheriff-side transport.Bus: it accepts deputy
// WebSocket connections on a single HTTP handler and fans published
// frames out to all of them, mirroring the teacher's Hub.broadcastLoop.
type ServerBus struct {
	log zerolog.Logger

	mu    sync.RWMutex
	conns map[*conn]struct{}

	local *localSubs
}

// NewServerBus constructs a ServerBus. Call Handler to obtain the
// http.Handler to mount (e.g. at "/sheriff/ws").
func NewServerBus(log zerolog.Logger) *ServerBus {
	return &ServerBus{
		log:   log.With().Str("component", "transport.ws.server").Logger(),
		conns: make(map[*conn]struct{}),
		local: newLocalSubs(),
	}
}

// Handler upgrades incoming HTTP requests to WebSocket connections and
// registers them as deputy endpoints.
func (s *ServerBus) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}
		c := newConn(wsConn, s.log)

		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		go c.writeLoop()
		c.readLoop(func(f frame) {
			s.local.dispatch(f.Channel, f.Message)
		})

		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		c.close()
	})
}

func (s *ServerBus) Publish(channel string, msg *protocol.Message) error {
	data, err := json.Marshal(frame{Channel: channel, Message: msg})
	if err != nil {
		return err
	}

	s.mu.RLock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		c.safeSend(data)
	}
	return nil
}

func (s *ServerBus) Subscribe(channel string) (<-chan *protocol.Message, func()) {
	return s.local.subscribe(channel)
}

func (s *ServerBus) Close() error {
	s.mu.Lock()
	for c := range s.conns {
		c.close()
		delete(s.conns, c)
	}
	s.mu.Unlock()
	s.local.closeAll()
	return nil
}
