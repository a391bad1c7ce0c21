package transport

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/bluffco/blufflocation/internal/protocol"
)

// Lifecycle events synthesized by the transport. Everything else delivered
// through the emitter arrives on the wire as an Envelope.
const (
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"
)

// Options holds connection configuration.
type Options struct {
	// ReconnectAttempts is the retry budget after the initial dial. Exhaustion
	// surfaces as a disconnect event, never an error to the caller.
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	HandshakeTimeout  time.Duration
	// Clock is used for retry delays. Nil means the real clock.
	Clock clockwork.Clock
}

// DefaultOptions returns the default connection configuration.
func DefaultOptions() Options {
	return Options{
		ReconnectAttempts: 5,
		ReconnectDelay:    time.Second,
		HandshakeTimeout:  10 * time.Second,
	}
}

// Client owns at most one live websocket connection. Connect is idempotent;
// switching URLs tears the old connection down first. All inbound traffic and
// lifecycle changes are published through the embedded emitter.
type Client struct {
	emitter *Emitter
	opts    Options
	clock   clockwork.Clock

	mu         sync.Mutex
	url        string
	conn       *websocket.Conn
	connecting bool
	closing    bool
	gen        int

	writeMu sync.Mutex
}

// NewClient creates a disconnected client.
func NewClient(opts Options) *Client {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Client{
		emitter: NewEmitter(),
		opts:    opts,
		clock:   clock,
	}
}

// Connect establishes or reuses the connection to url. Dialing happens in the
// background; a connect event is emitted on success and connect_error per
// failed attempt.
func (c *Client) Connect(url string) {
	c.mu.Lock()
	if c.url != "" && c.url != url {
		c.teardownLocked()
	}
	c.url = url
	c.closing = false
	if c.conn != nil || c.connecting {
		c.mu.Unlock()
		return
	}
	c.connecting = true
	gen := c.gen
	c.mu.Unlock()

	go c.dialLoop(gen)
}

// IsConnected reports whether a live connection exists right now.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Emit sends one event envelope. It returns false, without error, when there is
// no live connection or the write fails; callers that need delivery must check
// IsConnected first and treat false as a dropped send.
func (c *Client) Emit(event string, payload interface{}) bool {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return false
	}

	env := protocol.Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			log.Error().Err(err).Str("event", event).Msg("marshal outbound payload")
			return false
		}
		env.Data = data
	}

	c.writeMu.Lock()
	err := conn.WriteJSON(env)
	c.writeMu.Unlock()
	if err != nil {
		log.Warn().Err(err).Str("event", event).Msg("websocket write failed")
		return false
	}
	return true
}

// On registers a handler for an event and returns its cancel func.
func (c *Client) On(event string, h Handler) (cancel func()) {
	return c.emitter.On(event, h)
}

// Once registers a one-shot handler.
func (c *Client) Once(event string, h Handler) (cancel func()) {
	return c.emitter.Once(event, h)
}

// Off removes every handler for the event.
func (c *Client) Off(event string) {
	c.emitter.Off(event)
}

// RemoveAllListeners clears the whole handler registry.
func (c *Client) RemoveAllListeners() {
	c.emitter.RemoveAll()
}

// Disconnect closes the connection and stops any reconnection in progress.
// A disconnect event is emitted if a connection was live.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closing = true
	c.teardownLocked()
	c.mu.Unlock()
}

// teardownLocked closes the current connection and invalidates in-flight dial
// loops and read pumps. Caller holds c.mu.
func (c *Client) teardownLocked() {
	c.gen++
	c.connecting = false
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// dialLoop runs the initial dial plus the bounded retry budget. It exits when
// a connection is established (handing off to the read pump), the budget is
// exhausted, or the generation it was started for has been torn down.
func (c *Client) dialLoop(gen int) {
	dialer := websocket.Dialer{HandshakeTimeout: c.opts.HandshakeTimeout}

	for attempt := 0; attempt <= c.opts.ReconnectAttempts; attempt++ {
		if attempt > 0 {
			<-c.clock.After(c.opts.ReconnectDelay)
		}

		c.mu.Lock()
		if c.closing || c.gen != gen {
			c.connecting = false
			c.mu.Unlock()
			return
		}
		url := c.url
		c.mu.Unlock()

		conn, resp, err := dialer.Dial(url, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			log.Warn().Err(err).Str("url", url).Int("attempt", attempt).Msg("dial failed")
			c.emitter.Emit(EventConnectError, errorJSON(err.Error()))
			continue
		}

		c.mu.Lock()
		if c.closing || c.gen != gen {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.conn = conn
		c.connecting = false
		c.mu.Unlock()

		log.Info().Str("url", url).Msg("websocket connected")
		c.emitter.Emit(EventConnect, nil)
		c.readPump(conn, gen)
		return
	}

	c.mu.Lock()
	c.connecting = false
	c.mu.Unlock()
	log.Warn().Int("attempts", c.opts.ReconnectAttempts+1).Msg("reconnect budget exhausted")
	c.emitter.Emit(EventDisconnect, nil)
}

// readPump delivers inbound envelopes until the connection dies. A non-explicit
// death emits disconnect and starts a fresh dial loop; an explicit Disconnect
// emits disconnect and stops.
func (c *Client) readPump(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			explicit := c.closing || c.gen != gen
			if !explicit {
				_ = conn.Close()
				c.conn = nil
				c.gen++
				gen = c.gen
				c.connecting = true
			}
			c.mu.Unlock()

			c.emitter.Emit(EventDisconnect, nil)
			if explicit {
				return
			}
			log.Info().Msg("connection lost, reconnecting")
			c.dialLoop(gen)
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn().Err(err).Msg("malformed inbound frame")
			continue
		}
		if env.Event == "" {
			continue
		}
		c.emitter.Emit(env.Event, env.Data)
	}
}

func errorJSON(message string) json.RawMessage {
	data, _ := json.Marshal(protocol.ErrorPayload{Message: message})
	return data
}
