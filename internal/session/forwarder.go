package session

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/bluffco/blufflocation/internal/protocol"
	"github.com/bluffco/blufflocation/internal/transport"
)

// Socket is the contract the session layer consumes from the transport.
type Socket interface {
	Connect(url string)
	Disconnect()
	IsConnected() bool
	Emit(event string, payload interface{}) bool
	On(event string, h transport.Handler) (cancel func())
	Once(event string, h transport.Handler) (cancel func())
	Off(event string)
	RemoveAllListeners()
}

// forwardedEvents are re-published 1:1 under their wire names. Lifecycle and
// error events are handled separately because they need translation.
var forwardedEvents = []protocol.EventType{
	protocol.EventRoomCreated,
	protocol.EventJoinedRoom,
	protocol.EventPlayerJoined,
	protocol.EventPlayerLeft,
	protocol.EventGameStarted,
	protocol.EventRoleAssignment,
	protocol.EventGameEnded,
	protocol.EventVoteRecorded,
	protocol.EventVoteResults,
	protocol.EventSpyGuessResult,
	protocol.EventStateSync,
	protocol.EventRoomState,
	protocol.EventTimeLimitUpdate,
	protocol.EventServerMessage,
}

// Forwarder translates raw transport events into the stable application event
// vocabulary. It attaches transport listeners exactly once per process, so a
// reconnect that recreates the underlying connection never requires
// re-registering application listeners.
type Forwarder struct {
	socket      Socket
	session     *Session
	out         *transport.Emitter
	clock       clockwork.Clock
	resyncDelay time.Duration

	mu       sync.Mutex
	attached bool
}

// NewForwarder wires a forwarder to a socket and session. resyncDelay bounds
// the gap between the rejoin emit and the state resync after a reconnect; the
// server's membership write must commit before the resync read sees it.
func NewForwarder(socket Socket, session *Session, clock clockwork.Clock, resyncDelay time.Duration) *Forwarder {
	return &Forwarder{
		socket:      socket,
		session:     session,
		out:         transport.NewEmitter(),
		clock:       clock,
		resyncDelay: resyncDelay,
	}
}

// Attach registers the transport listeners. Safe to call repeatedly; only the
// first call binds anything.
func (f *Forwarder) Attach() {
	f.mu.Lock()
	if f.attached {
		f.mu.Unlock()
		return
	}
	f.attached = true
	f.mu.Unlock()

	f.socket.On(transport.EventConnect, f.onConnect)
	f.socket.On(transport.EventDisconnect, func(json.RawMessage) {
		f.out.Emit(string(protocol.EventDisconnected), nil)
	})
	f.socket.On(transport.EventConnectError, func(data json.RawMessage) {
		f.out.Emit(string(protocol.EventError), data)
	})
	f.socket.On(string(protocol.EventError), f.onServerError)

	for _, event := range forwardedEvents {
		name := string(event)
		f.socket.On(name, func(data json.RawMessage) {
			f.out.Emit(name, data)
		})
	}
}

// On subscribes to an application event.
func (f *Forwarder) On(event protocol.EventType, h transport.Handler) (cancel func()) {
	return f.out.On(string(event), h)
}

// Off removes all subscribers for an application event.
func (f *Forwarder) Off(event protocol.EventType) {
	f.out.Off(string(event))
}

// RemoveAllListeners clears every application subscriber.
func (f *Forwarder) RemoveAllListeners() {
	f.out.RemoveAll()
}

// onConnect publishes connected and, when the session already remembers a room
// and identity, rejoins it and schedules a full state resync. The server may
// have dropped us from the room on disconnect; the join is idempotent on the
// server side ("already in room" comes back as a no-op success).
func (f *Forwarder) onConnect(json.RawMessage) {
	f.out.Emit(string(protocol.EventConnected), nil)

	room, haveRoom := f.session.CurrentRoom()
	player, havePlayer := f.session.CurrentPlayer()
	if !haveRoom || !havePlayer || player.Name == "" {
		return
	}

	log.Info().Str("room", room).Str("user", player.Name).Msg("reconnected, rejoining room")
	f.socket.Emit(string(protocol.ActionJoinGame), protocol.JoinGamePayload{
		Room: room,
		User: player.Name,
	})

	go func() {
		<-f.clock.After(f.resyncDelay)
		if !f.socket.IsConnected() {
			return
		}
		f.socket.Emit(string(protocol.ActionSyncState), protocol.SyncStatePayload{
			Room: room,
			User: player.Name,
		})
	}()
}

// onServerError reclassifies "already in room" as its own event: callers treat
// it as a no-op success, not a failure.
func (f *Forwarder) onServerError(data json.RawMessage) {
	var p protocol.ErrorPayload
	_ = json.Unmarshal(data, &p)
	msg := strings.ToLower(p.Message)
	if strings.Contains(msg, "already in room") || strings.Contains(msg, "already joined") {
		f.out.Emit(string(protocol.EventAlreadyInRoom), data)
		return
	}
	f.out.Emit(string(protocol.EventError), data)
}
