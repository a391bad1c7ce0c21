package devserver

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bluffco/blufflocation/internal/protocol"
)

// defaultLocations is the pool a round's secret location is drawn from. The
// full list is broadcast so the spy has something to bluff with.
var defaultLocations = []string{
	"Beach", "Casino", "Museum", "Hospital", "School", "Airport",
	"Restaurant", "Theater", "Supermarket", "Train Station", "Library", "Zoo",
}

// minPlayers is the minimum roster size to start a round.
const minPlayers = 3

const roomCodeCharset = "abcdefghijklmnopqrstuvwxyz0123456789"

type roomMember struct {
	// c is nil while the player is disconnected; a rejoin reattaches it.
	c        *client
	name     string
	observer bool
}

type room struct {
	code             string
	hostName         string
	timeLimitMinutes int
	status           string

	members map[string]*roomMember
	order   []string

	spy       string
	location  string
	starter   string
	locations []string
	startedAt time.Time
	resolved  bool

	votes          map[string]string
	tentativeVotes map[string]string
}

func newRoom(code, hostName string, timeLimitMinutes int) *room {
	return &room{
		code:             code,
		hostName:         hostName,
		timeLimitMinutes: timeLimitMinutes,
		status:           protocol.RoomStatusWaiting,
		members:          make(map[string]*roomMember),
		votes:            make(map[string]string),
		tentativeVotes:   make(map[string]string),
	}
}

func (r *room) playerNames() []string {
	names := make([]string, 0, len(r.order))
	for _, canonical := range r.order {
		if m, ok := r.members[canonical]; ok {
			names = append(names, m.name)
		}
	}
	return names
}

func (r *room) addMember(m *roomMember) {
	canonical := protocol.CanonicalName(m.name)
	r.members[canonical] = m
	r.order = append(r.order, canonical)
}

func (r *room) removeMember(name string) {
	canonical := protocol.CanonicalName(name)
	delete(r.members, canonical)
	for i, c := range r.order {
		if c == canonical {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	delete(r.votes, canonical)
	delete(r.tentativeVotes, canonical)
}

// broadcast sends one event to every attached member connection.
func (r *room) broadcast(event protocol.EventType, payload interface{}) {
	for _, m := range r.members {
		if m.c != nil {
			m.c.sendEvent(event, payload)
		}
	}
}

func (s *Server) newRoomCodeLocked() string {
	for {
		buf := make([]byte, protocol.RoomCodeLength)
		for i := range buf {
			buf[i] = roomCodeCharset[s.rand.Intn(len(roomCodeCharset))]
		}
		code := string(buf)
		if _, exists := s.rooms[code]; !exists {
			return code
		}
	}
}

func (s *Server) createGame(c *client, p protocol.CreateGamePayload) {
	if p.User == "" {
		s.sendError(c, "user name is required")
		return
	}
	minutes := p.TimeLimitMinutes
	if minutes <= 0 {
		minutes = 5
	}

	s.mu.Lock()
	s.detachLocked(c)
	code := s.newRoomCodeLocked()
	r := newRoom(code, p.User, minutes)
	r.addMember(&roomMember{c: c, name: p.User})
	s.rooms[code] = r
	c.name = p.User
	c.roomCode = code
	players := r.playerNames()
	s.mu.Unlock()

	log.Info().Str("room", code).Str("host", p.User).Msg("room created")
	c.sendEvent(protocol.EventRoomCreated, protocol.RoomCreatedPayload{
		Room:             code,
		TimeLimitMinutes: minutes,
	})
	c.sendEvent(protocol.EventRoomState, protocol.RosterPayload{Players: players})
}

func (s *Server) joinGame(c *client, p protocol.JoinGamePayload) {
	if p.User == "" {
		s.sendError(c, "user name is required")
		return
	}
	code := protocol.NormalizeRoomCode(p.Room)

	s.mu.Lock()
	r, ok := s.rooms[code]
	if !ok {
		s.mu.Unlock()
		s.sendError(c, fmt.Sprintf("Room %s not found", code))
		return
	}

	canonical := protocol.CanonicalName(p.User)
	if existing, ok := r.members[canonical]; ok {
		// Same identity again: reattach this connection so broadcasts reach it,
		// then report the join as a duplicate. Clients treat that as success.
		existing.c = c
		c.name = existing.name
		c.roomCode = code
		s.mu.Unlock()
		s.sendError(c, fmt.Sprintf("User %s is already in room %s", p.User, code))
		return
	}

	s.detachLocked(c)
	observer := r.status == protocol.RoomStatusStarted
	r.addMember(&roomMember{c: c, name: p.User, observer: observer})
	c.name = p.User
	c.roomCode = code
	players := r.playerNames()
	minutes := r.timeLimitMinutes
	s.mu.Unlock()

	joined := protocol.JoinedRoomPayload{Room: code, TimeLimitMinutes: minutes}
	if observer {
		joined.Role = protocol.RoleObserver
	}
	log.Info().Str("room", code).Str("user", p.User).Bool("observer", observer).Msg("player joined")
	c.sendEvent(protocol.EventJoinedRoom, joined)

	s.mu.Lock()
	r.broadcast(protocol.EventPlayerJoined, protocol.RosterPayload{Players: players})
	s.mu.Unlock()

	if observer {
		s.syncState(c, protocol.SyncStatePayload{Room: code, User: p.User})
	}
}

func (s *Server) leaveGame(c *client, p protocol.LeaveGamePayload) {
	code := protocol.NormalizeRoomCode(p.Room)

	s.mu.Lock()
	r, ok := s.rooms[code]
	if !ok {
		s.mu.Unlock()
		return
	}
	r.removeMember(p.User)
	if len(r.members) == 0 {
		delete(s.rooms, code)
		s.mu.Unlock()
		log.Info().Str("room", code).Msg("room emptied and removed")
		return
	}
	players := r.playerNames()
	r.broadcast(protocol.EventPlayerLeft, protocol.RosterPayload{Players: players})
	s.mu.Unlock()

	log.Info().Str("room", code).Str("user", p.User).Msg("player left")
}

// expireRoundLocked flips a started round whose time limit has elapsed back to
// waiting. Clients resolve the timeout on their own countdowns; the server just
// has to stop treating the round as live so the next start_game is accepted.
// Caller holds s.mu.
func (s *Server) expireRoundLocked(r *room) {
	if r.status != protocol.RoomStatusStarted {
		return
	}
	if s.clock.Since(r.startedAt) >= time.Duration(r.timeLimitMinutes)*time.Minute {
		r.status = protocol.RoomStatusWaiting
		r.resolved = true
	}
}

func (s *Server) startGame(c *client, p protocol.StartGamePayload) {
	code := protocol.NormalizeRoomCode(p.Room)

	s.mu.Lock()
	r, ok := s.rooms[code]
	if !ok {
		s.mu.Unlock()
		s.sendError(c, fmt.Sprintf("Room %s not found", code))
		return
	}
	s.expireRoundLocked(r)
	if r.status == protocol.RoomStatusStarted {
		s.mu.Unlock()
		s.sendError(c, "Game already started")
		return
	}
	if len(r.members) < minPlayers {
		s.mu.Unlock()
		s.sendError(c, fmt.Sprintf("Need at least %d players to start", minPlayers))
		return
	}

	if p.TimeLimitMinutes > 0 {
		r.timeLimitMinutes = p.TimeLimitMinutes
	}

	// Everyone present when the round starts plays, observers included.
	for _, m := range r.members {
		m.observer = false
	}
	players := r.playerNames()
	r.spy = players[s.rand.Intn(len(players))]
	r.starter = players[s.rand.Intn(len(players))]
	r.location = defaultLocations[s.rand.Intn(len(defaultLocations))]
	r.locations = append([]string(nil), defaultLocations...)
	r.status = protocol.RoomStatusStarted
	r.startedAt = s.clock.Now()
	r.resolved = false
	r.votes = make(map[string]string)
	r.tentativeVotes = make(map[string]string)

	r.broadcast(protocol.EventGameStarted, protocol.GameStartedPayload{
		Spy:              r.spy,
		Locations:        r.locations,
		Starter:          r.starter,
		TimeLimitMinutes: r.timeLimitMinutes,
		Location:         r.location,
	})
	for _, m := range r.members {
		if m.c == nil {
			continue
		}
		assignment := protocol.RoleAssignmentPayload{IsSpy: protocol.SameName(m.name, r.spy)}
		if !assignment.IsSpy {
			assignment.Location = r.location
		}
		m.c.sendEvent(protocol.EventRoleAssignment, assignment)
	}
	s.mu.Unlock()

	log.Info().Str("room", code).Str("starter", p.User).Int("players", len(players)).Msg("round started")
}

func (s *Server) endGame(c *client, p protocol.EndGamePayload) {
	code := protocol.NormalizeRoomCode(p.Room)
	reason := p.Reason
	if reason == "" {
		reason = protocol.EndReasonHost
	}

	s.mu.Lock()
	r, ok := s.rooms[code]
	if !ok {
		s.mu.Unlock()
		return
	}
	r.broadcast(protocol.EventGameEnded, protocol.GameEndedPayload{Reason: reason})
	delete(s.rooms, code)
	s.mu.Unlock()

	log.Info().Str("room", code).Str("reason", reason).Msg("room ended")
}

func (s *Server) voteSpy(c *client, p protocol.VoteSpyPayload) {
	code := protocol.NormalizeRoomCode(p.Room)

	s.mu.Lock()
	r, ok := s.rooms[code]
	if !ok {
		s.mu.Unlock()
		return
	}
	s.expireRoundLocked(r)
	if r.status != protocol.RoomStatusStarted || r.resolved {
		s.mu.Unlock()
		return
	}
	member, ok := r.members[protocol.CanonicalName(p.User)]
	if !ok || member.observer {
		s.mu.Unlock()
		return
	}

	voter := member.name
	if p.VoteFor == "" {
		if p.Tentative {
			delete(r.tentativeVotes, voter)
		} else {
			delete(r.votes, voter)
		}
	} else if p.Tentative {
		// A voter holds at most one vote across both kinds.
		r.tentativeVotes[voter] = p.VoteFor
		delete(r.votes, voter)
	} else {
		r.votes[voter] = p.VoteFor
		delete(r.tentativeVotes, voter)
	}

	r.broadcast(protocol.EventVoteRecorded, protocol.VoteRecordedPayload{
		Votes:          copyMap(r.votes),
		TentativeVotes: copyMap(r.tentativeVotes),
	})

	if r.allNonSpiesVotedLocked() {
		s.resolveVotesLocked(r)
	}
	s.mu.Unlock()
}

// allNonSpiesVotedLocked reports whether every non-spy player holds a final vote.
func (r *room) allNonSpiesVotedLocked() bool {
	for _, canonical := range r.order {
		m := r.members[canonical]
		if m == nil || m.observer || protocol.SameName(m.name, r.spy) {
			continue
		}
		if target, ok := protocol.LookupByName(r.votes, m.name); !ok || target == "" {
			return false
		}
	}
	return true
}

// resolveVotesLocked tallies final votes and broadcasts the round result.
func (s *Server) resolveVotesLocked(r *room) {
	tally := make(map[string]int)
	display := make(map[string]string)
	for _, target := range r.votes {
		canonical := protocol.CanonicalName(target)
		if _, ok := display[canonical]; !ok {
			display[canonical] = target
		}
		tally[display[canonical]]++
	}

	var votedSpy string
	best := 0
	tie := false
	for target, count := range tally {
		switch {
		case count > best:
			best = count
			votedSpy = target
			tie = false
		case count == best:
			tie = true
		}
	}
	if tie {
		votedSpy = ""
	}

	spyWon := tie || !protocol.SameName(votedSpy, r.spy)
	r.resolved = true
	r.status = protocol.RoomStatusWaiting

	r.broadcast(protocol.EventVoteResults, protocol.VoteResultsPayload{
		VotedSpy:   votedSpy,
		TieBreaker: tie,
		Tally:      tally,
		Votes:      copyMap(r.votes),
		SpyWon:     spyWon,
	})

	log.Info().Str("room", r.code).Str("voted_spy", votedSpy).Bool("tie", tie).Bool("spy_won", spyWon).Msg("votes resolved")
}

func (s *Server) guessLocation(c *client, p protocol.GuessLocationPayload) {
	code := protocol.NormalizeRoomCode(p.Room)

	s.mu.Lock()
	r, ok := s.rooms[code]
	if !ok {
		s.mu.Unlock()
		return
	}
	s.expireRoundLocked(r)
	if r.status != protocol.RoomStatusStarted || r.resolved {
		s.mu.Unlock()
		return
	}
	if !protocol.SameName(p.User, r.spy) {
		s.mu.Unlock()
		s.sendError(c, "Only the spy can guess the location")
		return
	}

	success := protocol.SameName(p.Location, r.location)
	r.resolved = true
	r.status = protocol.RoomStatusWaiting
	r.broadcast(protocol.EventSpyGuessResult, protocol.SpyGuessResultPayload{
		Success:        success,
		ActualLocation: r.location,
		GuessedBy:      r.spy,
	})
	s.mu.Unlock()

	log.Info().Str("room", code).Bool("success", success).Msg("spy guessed location")
}

func (s *Server) syncState(c *client, p protocol.SyncStatePayload) {
	code := protocol.NormalizeRoomCode(p.Room)

	s.mu.Lock()
	r, ok := s.rooms[code]
	if !ok {
		s.mu.Unlock()
		s.sendError(c, fmt.Sprintf("Room %s not found", code))
		return
	}
	s.expireRoundLocked(r)
	member := r.members[protocol.CanonicalName(p.User)]

	sync := protocol.StateSyncPayload{
		Status:           r.status,
		Players:          r.playerNames(),
		TimeLimitMinutes: r.timeLimitMinutes,
	}
	if r.status == protocol.RoomStatusStarted {
		remaining := r.timeLimitMinutes*60 - int(s.clock.Since(r.startedAt).Seconds())
		if remaining < 0 {
			remaining = 0
		}
		sync.TimeRemainingSeconds = remaining
		sync.Starter = r.starter
		sync.Locations = r.locations
		sync.Votes = copyMap(r.votes)
		sync.TentativeVotes = copyMap(r.tentativeVotes)

		switch {
		case member != nil && member.observer:
			sync.Role = protocol.RoleObserver
		case member != nil:
			sync.Spy = r.spy
			sync.IsSpy = protocol.SameName(member.name, r.spy)
			if !sync.IsSpy {
				sync.Location = r.location
			}
		}
	}
	s.mu.Unlock()

	c.sendEvent(protocol.EventStateSync, sync)
}

func (s *Server) updateTimeLimit(c *client, p protocol.UpdateTimeLimitPayload) {
	code := protocol.NormalizeRoomCode(p.Room)
	if p.Minutes <= 0 || p.Minutes > 60 {
		s.sendError(c, "time limit must be between 1 and 60 minutes")
		return
	}

	s.mu.Lock()
	r, ok := s.rooms[code]
	if !ok {
		s.mu.Unlock()
		return
	}
	r.timeLimitMinutes = p.Minutes
	r.broadcast(protocol.EventTimeLimitUpdate, protocol.TimeLimitUpdatedPayload{
		Room:    code,
		Minutes: p.Minutes,
	})
	s.mu.Unlock()
}

// detachLocked removes the client from whatever room it is currently attached
// to. Caller holds s.mu.
func (s *Server) detachLocked(c *client) {
	if c.roomCode == "" {
		return
	}
	if r, ok := s.rooms[c.roomCode]; ok {
		if m, ok := r.members[protocol.CanonicalName(c.name)]; ok && m.c == c {
			m.c = nil
		}
	}
	c.roomCode = ""
	c.name = ""
}

// dropClient detaches a dead connection but keeps its seat, so a reconnecting
// player can rejoin under the same name without a player_left broadcast.
func (s *Server) dropClient(c *client) {
	s.mu.Lock()
	s.detachLocked(c)
	s.mu.Unlock()
	log.Info().Str("connection_id", c.id).Msg("connection closed")
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
