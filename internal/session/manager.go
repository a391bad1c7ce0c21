package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/bluffco/blufflocation/internal/protocol"
	"github.com/bluffco/blufflocation/internal/transport"
)

// Validation and connectivity errors surfaced before any network round-trip.
var (
	ErrEmptyPlayerName = errors.New("player name is required")
	ErrBadRoomCode     = errors.New("room code must be 6 alphanumeric characters")
	ErrConnectTimeout  = errors.New("connection timed out")
)

// Config holds manager configuration.
type Config struct {
	ServerURL string
	// ConnectTimeout bounds the wait for a live connection inside CreateRoom
	// and JoinRoom. Listeners armed for the wait are detached on success and
	// failure alike.
	ConnectTimeout time.Duration
	// ResyncDelay is the grace period between the reconnect rejoin and the
	// state resync request.
	ResyncDelay time.Duration
	// Clock is used for timeouts and delays. Nil means the real clock.
	Clock clockwork.Clock
}

// DefaultConfig returns the default manager configuration.
func DefaultConfig(serverURL string) Config {
	return Config{
		ServerURL:      serverURL,
		ConnectTimeout: 10 * time.Second,
		ResyncDelay:    300 * time.Millisecond,
	}
}

// Manager is the protocol core: it tracks the session, funnels every outbound
// action through the socket, and re-publishes every application event to its
// own subscribers. One Manager per process.
//
// All operations that emit are silent no-ops when disconnected; the
// authoritative broadcast, not the local call, is what moves visible state.
type Manager struct {
	socket    Socket
	session   *Session
	forwarder *Forwarder
	emitter   *transport.Emitter
	clock     clockwork.Clock
	cfg       Config

	bindOnce sync.Once
}

// NewManager wires a manager, its session, and its forwarder around a socket.
func NewManager(socket Socket, cfg Config) *Manager {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ResyncDelay <= 0 {
		cfg.ResyncDelay = 300 * time.Millisecond
	}

	sess := NewSession()
	return &Manager{
		socket:    socket,
		session:   sess,
		forwarder: NewForwarder(socket, sess, clock, cfg.ResyncDelay),
		emitter:   transport.NewEmitter(),
		clock:     clock,
		cfg:       cfg,
	}
}

// Session exposes the session state for read access and the timer cache.
func (m *Manager) Session() *Session { return m.session }

// Connect establishes the connection and binds the event pipeline. Idempotent.
func (m *Manager) Connect() {
	m.socket.Connect(m.cfg.ServerURL)
	if m.socket.IsConnected() {
		m.session.setStatus(StatusConnected)
	} else {
		m.session.setStatus(StatusConnecting)
	}
	m.forwarder.Attach()
	m.bindOnce.Do(m.bindForwarder)
}

// IsConnected reports transport liveness.
func (m *Manager) IsConnected() bool { return m.socket.IsConnected() }

// On subscribes to an application event on the manager's own listener table.
func (m *Manager) On(event protocol.EventType, h transport.Handler) (cancel func()) {
	return m.emitter.On(string(event), h)
}

// Off removes every subscriber for an event.
func (m *Manager) Off(event protocol.EventType) {
	m.emitter.Off(string(event))
}

// RemoveAllListeners clears the manager's listener table and the forwarder's.
func (m *Manager) RemoveAllListeners() {
	m.emitter.RemoveAll()
	m.forwarder.RemoveAllListeners()
}

// bindForwarder re-emits every forwarder event 1:1 and applies the session
// side effects: status tracking, room identity capture, and the timer cache.
func (m *Manager) bindForwarder() {
	m.forwarder.On(protocol.EventConnected, func(data json.RawMessage) {
		m.session.setStatus(StatusConnected)
		m.reemit(protocol.EventConnected, data)
	})
	m.forwarder.On(protocol.EventDisconnected, func(data json.RawMessage) {
		m.session.setStatus(StatusDisconnected)
		m.reemit(protocol.EventDisconnected, data)
	})
	m.forwarder.On(protocol.EventError, func(data json.RawMessage) {
		m.session.setStatus(StatusError)
		m.reemit(protocol.EventError, data)
	})

	m.forwarder.On(protocol.EventRoomCreated, func(data json.RawMessage) {
		var p protocol.RoomCreatedPayload
		if err := json.Unmarshal(data, &p); err == nil {
			m.session.setRoom(p.Room)
			if p.TimeLimitMinutes > 0 {
				m.session.UpdateLocalTimer(p.Room, p.TimeLimitMinutes)
			}
		}
		m.reemit(protocol.EventRoomCreated, data)
	})
	m.forwarder.On(protocol.EventJoinedRoom, func(data json.RawMessage) {
		var p protocol.JoinedRoomPayload
		if err := json.Unmarshal(data, &p); err == nil {
			m.session.setRoom(p.Room)
		}
		m.reemit(protocol.EventJoinedRoom, data)
	})

	m.forwarder.On(protocol.EventTimeLimitUpdate, func(data json.RawMessage) {
		var p protocol.TimeLimitUpdatedPayload
		if err := json.Unmarshal(data, &p); err == nil && p.Room != "" && p.Minutes > 0 {
			m.session.UpdateLocalTimer(p.Room, p.Minutes)
		}
		m.reemit(protocol.EventTimeLimitUpdate, data)
	})

	passthrough := []protocol.EventType{
		protocol.EventAlreadyInRoom,
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
		protocol.EventServerMessage,
	}
	for _, event := range passthrough {
		event := event
		m.forwarder.On(event, func(data json.RawMessage) {
			m.reemit(event, data)
		})
	}
}

func (m *Manager) reemit(event protocol.EventType, data json.RawMessage) {
	m.emitter.Emit(string(event), data)
}

// CreateRoom connects (bounded) and asks the server for a new room hosted by
// playerName. The room code arrives via room_created. Connection failure is
// returned and also propagated to subscribers as an error event.
func (m *Manager) CreateRoom(ctx context.Context, playerName string, timerMinutes int) error {
	if playerName == "" {
		return ErrEmptyPlayerName
	}
	if timerMinutes <= 0 {
		timerMinutes = DefaultTimerMinutes
	}
	return m.connectAndJoin(ctx, "", playerName, true, timerMinutes)
}

// JoinRoom connects (bounded) and joins an existing room. The code is
// normalized before validation, so user input like " AB-12cd! " is accepted.
func (m *Manager) JoinRoom(ctx context.Context, roomCode, playerName string) error {
	if playerName == "" {
		return ErrEmptyPlayerName
	}
	code := protocol.NormalizeRoomCode(roomCode)
	if !protocol.ValidRoomCode(code) {
		return ErrBadRoomCode
	}
	return m.connectAndJoin(ctx, code, playerName, false, 0)
}

// connectAndJoin is the single funnel both entry points share: guarantee a
// live connection, remember the identity, then emit the create or join action.
func (m *Manager) connectAndJoin(ctx context.Context, roomCode, playerName string, isHost bool, timerMinutes int) error {
	if err := m.ensureConnected(ctx); err != nil {
		m.session.setStatus(StatusError)
		m.emitError(err.Error())
		return err
	}

	m.session.setIdentity(roomCode, Player{Name: playerName, IsHost: isHost})

	if isHost {
		m.socket.Emit(string(protocol.ActionCreateGame), protocol.CreateGamePayload{
			User:             playerName,
			TimeLimitMinutes: timerMinutes,
		})
	} else {
		m.socket.Emit(string(protocol.ActionJoinGame), protocol.JoinGamePayload{
			Room: roomCode,
			User: playerName,
		})
	}
	return nil
}

// ensureConnected resolves immediately when connected, otherwise waits for the
// next connected or error event, bounded by ConnectTimeout. The one-shot
// listeners are detached on every exit path so a retry never double-fires.
func (m *Manager) ensureConnected(ctx context.Context) error {
	m.Connect()
	if m.socket.IsConnected() {
		return nil
	}

	connected := make(chan struct{}, 1)
	failed := make(chan string, 1)
	cancelOK := m.forwarder.On(protocol.EventConnected, func(json.RawMessage) {
		select {
		case connected <- struct{}{}:
		default:
		}
	})
	defer cancelOK()
	cancelErr := m.forwarder.On(protocol.EventError, func(data json.RawMessage) {
		var p protocol.ErrorPayload
		_ = json.Unmarshal(data, &p)
		if p.Message == "" {
			p.Message = "connection failed"
		}
		select {
		case failed <- p.Message:
		default:
		}
	})
	defer cancelErr()

	// The dial can complete between the pre-check and the registrations above;
	// that connected event is gone, so check liveness once more before parking.
	if m.socket.IsConnected() {
		return nil
	}

	timer := m.clock.NewTimer(m.cfg.ConnectTimeout)
	defer stopAndDrainTimer(timer)

	select {
	case <-connected:
		return nil
	case msg := <-failed:
		return fmt.Errorf("connection failed: %s", msg)
	case <-timer.Chan():
		return ErrConnectTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DefaultTimerMinutes is the round duration used when the caller does not pick one.
const DefaultTimerMinutes = 5

// StartRound starts a round. A non-zero timerMinutes is emitted as a timer
// update before the start action so the server applies it to the round about
// to begin, not the one in progress.
func (m *Manager) StartRound(roomCode string, timerMinutes int) {
	if !m.socket.IsConnected() {
		return
	}
	user := m.userName()

	if timerMinutes > 0 {
		m.session.UpdateLocalTimer(roomCode, timerMinutes)
		m.socket.Emit(string(protocol.ActionUpdateTimeLimit), protocol.UpdateTimeLimitPayload{
			Room:    roomCode,
			Minutes: timerMinutes,
			User:    user,
		})
	}

	m.socket.Emit(string(protocol.ActionStartGame), protocol.StartGamePayload{
		Room:             roomCode,
		User:             user,
		TimeLimitMinutes: timerMinutes,
	})
}

// CastVote emits a vote action. An empty target clears the voter's vote of the
// given kind. Local vote state is never mutated here; the vote_recorded
// broadcast is the only source of truth for what the UI shows.
func (m *Manager) CastVote(roomCode, targetName string, tentative bool) {
	if !m.socket.IsConnected() {
		return
	}
	m.socket.Emit(string(protocol.ActionVoteSpy), protocol.VoteSpyPayload{
		Room:      roomCode,
		User:      m.userName(),
		VoteFor:   targetName,
		Tentative: tentative,
	})
}

// GuessLocation is the spy's round-ending guess.
func (m *Manager) GuessLocation(roomCode, location string) {
	if !m.socket.IsConnected() {
		return
	}
	m.socket.Emit(string(protocol.ActionGuessLocation), protocol.GuessLocationPayload{
		Room:     roomCode,
		User:     m.userName(),
		Location: location,
	})
}

// RequestStateResync asks the server for a full state_sync push. Used after
// reconnect and by views that mounted after the room already existed.
func (m *Manager) RequestStateResync(roomCode string) {
	if !m.socket.IsConnected() {
		return
	}
	m.socket.Emit(string(protocol.ActionSyncState), protocol.SyncStatePayload{
		Room: roomCode,
		User: m.userName(),
	})
}

// UpdateTimer changes the room's round duration and caches it locally.
func (m *Manager) UpdateTimer(roomCode string, minutes int) {
	if !m.socket.IsConnected() {
		return
	}
	if roomCode != "" && minutes > 0 {
		m.session.UpdateLocalTimer(roomCode, minutes)
	}
	m.socket.Emit(string(protocol.ActionUpdateTimeLimit), protocol.UpdateTimeLimitPayload{
		Room:    roomCode,
		Minutes: minutes,
		User:    m.userName(),
	})
}

// EndRound ends the room session for everyone. Empty reason defaults to the
// host-ended reason.
func (m *Manager) EndRound(roomCode, reason string) {
	if !m.socket.IsConnected() {
		return
	}
	if reason == "" {
		reason = protocol.EndReasonHost
	}
	m.socket.Emit(string(protocol.ActionEndGame), protocol.EndGamePayload{
		Room:   roomCode,
		User:   m.userName(),
		Reason: reason,
	})
}

// LeaveRoom removes the local player from the room without disconnecting.
func (m *Manager) LeaveRoom(roomCode string) {
	if !m.socket.IsConnected() {
		return
	}
	m.socket.Emit(string(protocol.ActionLeaveGame), protocol.LeaveGamePayload{
		Room: roomCode,
		User: m.userName(),
	})
}

// Disconnect tears down the connection and clears every session field.
func (m *Manager) Disconnect() {
	m.socket.Disconnect()
	m.session.reset()
	log.Info().Msg("session disconnected")
}

// Timer cache passthroughs.

func (m *Manager) UpdateLocalTimer(roomCode string, minutes int) bool {
	return m.session.UpdateLocalTimer(roomCode, minutes)
}

func (m *Manager) GetLocalTimer(roomCode string) (int, bool) {
	return m.session.GetLocalTimer(roomCode)
}

func (m *Manager) ClearLocalTimer(roomCode string) bool {
	return m.session.ClearLocalTimer(roomCode)
}

func (m *Manager) userName() string {
	player, _ := m.session.CurrentPlayer()
	return player.Name
}

func (m *Manager) emitError(message string) {
	data, _ := json.Marshal(protocol.ErrorPayload{Message: message})
	m.emitter.Emit(string(protocol.EventError), data)
}

// stopAndDrainTimer stops a timer and drains its channel so an armed timer
// never leaks a stale fire into a later wait.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
