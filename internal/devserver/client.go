package devserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/bluffco/blufflocation/internal/protocol"
)

// client is one websocket connection. name and roomCode are set on the first
// successful create or join and guarded by the server mutex.
type client struct {
	id     string
	server *Server
	conn   *websocket.Conn
	send   chan []byte

	name     string
	roomCode string
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{
		id:     uuid.New().String(),
		server: s,
		conn:   conn,
		send:   make(chan []byte, 64),
	}

	log.Info().Str("connection_id", c.id).Str("remote", r.RemoteAddr).Msg("connection established")

	go c.writePump()
	go c.readPump()
}

// sendEvent marshals and queues one envelope. A client whose send buffer is
// full is considered dead and dropped.
func (c *client) sendEvent(event protocol.EventType, payload interface{}) {
	env := protocol.Envelope{Event: string(event)}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			log.Error().Err(err).Str("event", string(event)).Msg("marshal outbound event")
			return
		}
		env.Data = data
	}
	frame, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("event", string(event)).Msg("marshal envelope")
		return
	}

	select {
	case c.send <- frame:
	default:
		log.Warn().Str("connection_id", c.id).Msg("send buffer full, closing connection")
		c.conn.Close()
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.server.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.server.cfg.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Debug().Err(err).Str("connection_id", c.id).Msg("write failed")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.server.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) readPump() {
	defer func() {
		c.server.dropClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.server.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.server.cfg.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.server.cfg.ReadTimeout))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("connection_id", c.id).Msg("unexpected close")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.server.cfg.ReadTimeout))

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.sendEvent(protocol.EventError, protocol.ErrorPayload{Message: "malformed envelope"})
			continue
		}
		if env.Event == "" {
			continue
		}
		c.server.dispatch(c, env)
	}
}
