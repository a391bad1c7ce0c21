package session

import "sync"

// ConnectionStatus is the session-level view of the transport.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusError        ConnectionStatus = "error"
)

// Player is the local player's identity within the current room.
type Player struct {
	Name   string
	IsHost bool
}

// Session holds the process-wide connection and room state. It is constructed
// once and injected wherever needed; every inbound server event and outbound
// action mutates it through the Manager. The timer cache is ephemeral and
// never authoritative over a server value.
type Session struct {
	mu         sync.Mutex
	roomCode   string
	player     *Player
	status     ConnectionStatus
	roomTimers map[string]int
}

// NewSession creates an empty, disconnected session.
func NewSession() *Session {
	return &Session{
		status:     StatusDisconnected,
		roomTimers: make(map[string]int),
	}
}

// CurrentRoom returns the remembered room code, if any.
func (s *Session) CurrentRoom() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomCode, s.roomCode != ""
}

// CurrentPlayer returns the remembered identity, if any.
func (s *Session) CurrentPlayer() (Player, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.player == nil {
		return Player{}, false
	}
	return *s.player, true
}

// Status returns the current connection status.
func (s *Session) Status() ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) setStatus(status ConnectionStatus) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

func (s *Session) setIdentity(roomCode string, player Player) {
	s.mu.Lock()
	s.roomCode = roomCode
	s.player = &player
	s.mu.Unlock()
}

func (s *Session) setRoom(roomCode string) {
	s.mu.Lock()
	if roomCode != "" {
		s.roomCode = roomCode
	}
	s.mu.Unlock()
}

// UpdateLocalTimer caches the round duration for a room. Best-effort only: a
// view that missed the original broadcast reads this until the next
// authoritative sync.
func (s *Session) UpdateLocalTimer(roomCode string, minutes int) bool {
	if roomCode == "" {
		return false
	}
	s.mu.Lock()
	s.roomTimers[roomCode] = minutes
	s.mu.Unlock()
	return true
}

// GetLocalTimer returns the cached duration for a room, if one exists.
func (s *Session) GetLocalTimer(roomCode string) (int, bool) {
	if roomCode == "" {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	minutes, ok := s.roomTimers[roomCode]
	return minutes, ok
}

// ClearLocalTimer drops the cached duration for a room.
func (s *Session) ClearLocalTimer(roomCode string) bool {
	if roomCode == "" {
		return false
	}
	s.mu.Lock()
	delete(s.roomTimers, roomCode)
	s.mu.Unlock()
	return true
}

// reset clears every field back to the just-constructed state. Used on
// explicit disconnect.
func (s *Session) reset() {
	s.mu.Lock()
	s.roomCode = ""
	s.player = nil
	s.status = StatusDisconnected
	s.roomTimers = make(map[string]int)
	s.mu.Unlock()
}
