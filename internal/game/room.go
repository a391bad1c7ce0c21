package game

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/bluffco/blufflocation/internal/protocol"
	"github.com/bluffco/blufflocation/internal/transport"
)

// Phase is the round lifecycle state as seen by the local player.
type Phase string

const (
	// PhaseLobby: room exists, no round running.
	PhaseLobby Phase = "lobby"
	// PhaseObserver: joined mid-round, waiting for the next one.
	PhaseObserver Phase = "observer"
	// PhaseActive: round running, local player holds a role.
	PhaseActive Phase = "active"
	// PhaseResolved: outcome computed, awaiting the next round.
	PhaseResolved Phase = "resolved"
)

// Actions is what the room consumes from the session manager.
type Actions interface {
	On(event protocol.EventType, h transport.Handler) (cancel func())
	StartRound(roomCode string, timerMinutes int)
	CastVote(roomCode, targetName string, tentative bool)
	GuessLocation(roomCode, location string)
	RequestStateResync(roomCode string)
	UpdateTimer(roomCode string, minutes int)
	EndRound(roomCode, reason string)
	LeaveRoom(roomCode string)
}

// RoomConfig configures a Room.
type RoomConfig struct {
	// Code may be empty for a host whose room_created has not arrived yet.
	Code       string
	PlayerName string
	IsHost     bool
	// TimerMinutes seeds the next-round duration picker.
	TimerMinutes int
	// Clock drives the local countdown. Nil means the real clock.
	Clock clockwork.Clock
}

// Room is the per-room reconciliation state machine. It consumes session
// manager events and derives everything a UI needs: phase, roster, role,
// votes, countdown, outcome, and the cross-round scoreboard.
//
// Every mutation flows through the inbound-broadcast handlers, including
// echoes of the local player's own actions. Outbound calls (votes, guesses,
// round starts) never write derived state directly.
type Room struct {
	actions Actions
	clock   clockwork.Clock

	mu     sync.Mutex
	code   string
	me     string
	isHost bool

	phase            Phase
	players          []string
	locations        []string
	spyName          string
	starter          string
	location         string
	isSpy            bool
	timeRemaining    int
	nextTimerMinutes int
	hasGuessed       bool

	outcome *Outcome
	scored  bool

	votes             map[string]string
	tentativeVotes    map[string]string
	selected          string
	finalSelected     bool
	tentativeSelected bool

	scores *Scoreboard

	ended     bool
	endReason string

	cancels       []func()
	countdownStop chan struct{}
}

// NewRoom creates a room machine in the lobby phase. Call Attach to wire it to
// the manager's event stream.
func NewRoom(actions Actions, cfg RoomConfig) *Room {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	minutes := cfg.TimerMinutes
	if minutes <= 0 {
		minutes = 5
	}
	return &Room{
		actions:          actions,
		clock:            clock,
		code:             cfg.Code,
		me:               cfg.PlayerName,
		isHost:           cfg.IsHost,
		phase:            PhaseLobby,
		nextTimerMinutes: minutes,
		votes:            make(map[string]string),
		tentativeVotes:   make(map[string]string),
		scores:           NewScoreboard(),
	}
}

// Attach subscribes to the manager's event stream and requests a state resync
// so a room mounted after the fact rehydrates immediately.
func (r *Room) Attach() {
	sub := func(event protocol.EventType, h transport.Handler) {
		r.cancels = append(r.cancels, r.actions.On(event, h))
	}

	sub(protocol.EventRoomCreated, r.handleRoomCreated)
	sub(protocol.EventJoinedRoom, r.handleJoinedRoom)
	sub(protocol.EventPlayerJoined, r.handleRoster)
	sub(protocol.EventPlayerLeft, r.handleRoster)
	sub(protocol.EventRoomState, r.handleRoster)
	sub(protocol.EventGameStarted, r.handleGameStarted)
	sub(protocol.EventRoleAssignment, r.handleRoleAssignment)
	sub(protocol.EventGameEnded, r.handleGameEnded)
	sub(protocol.EventVoteRecorded, r.handleVoteRecorded)
	sub(protocol.EventVoteResults, r.handleVoteResults)
	sub(protocol.EventSpyGuessResult, r.handleSpyGuessResult)
	sub(protocol.EventStateSync, r.handleStateSync)
	sub(protocol.EventTimeLimitUpdate, r.handleTimeLimitUpdated)

	r.mu.Lock()
	code := r.code
	r.mu.Unlock()
	if code != "" {
		r.actions.RequestStateResync(code)
	}
}

// Close stops the countdown and detaches every subscription. It does not emit
// anything; call Leave or End first when the server should know.
func (r *Room) Close() {
	r.mu.Lock()
	r.stopCountdownLocked()
	cancels := r.cancels
	r.cancels = nil
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// --- inbound handlers ---

func (r *Room) handleRoomCreated(data json.RawMessage) {
	var p protocol.RoomCreatedPayload
	if err := json.Unmarshal(data, &p); err != nil || p.Room == "" {
		return
	}
	r.mu.Lock()
	r.code = p.Room
	if p.TimeLimitMinutes > 0 {
		r.nextTimerMinutes = p.TimeLimitMinutes
	}
	r.mu.Unlock()
}

func (r *Room) handleJoinedRoom(data json.RawMessage) {
	var p protocol.JoinedRoomPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	r.mu.Lock()
	if p.Room != "" {
		r.code = p.Room
	}
	if p.TimeLimitMinutes > 0 {
		r.nextTimerMinutes = p.TimeLimitMinutes
	}
	if p.Role == protocol.RoleObserver {
		r.phase = PhaseObserver
	}
	r.mu.Unlock()
}

// handleRoster replaces the roster wholesale; the server list is the source of
// truth and the client never edits it entry by entry.
func (r *Room) handleRoster(data json.RawMessage) {
	var p protocol.RosterPayload
	if err := json.Unmarshal(data, &p); err != nil || p.Players == nil {
		return
	}
	r.mu.Lock()
	r.players = append([]string(nil), p.Players...)
	r.mu.Unlock()
}

// handleGameStarted resets all per-round derived state and enters Active.
func (r *Room) handleGameStarted(data json.RawMessage) {
	var p protocol.GameStartedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	if p.Spy == "" {
		log.Error().Str("room", r.Code()).Msg("game_started without spy name")
	}

	r.mu.Lock()
	r.phase = PhaseActive
	r.locations = append([]string(nil), p.Locations...)
	r.spyName = p.Spy
	r.starter = p.Starter
	r.location = p.Location
	r.isSpy = false
	r.hasGuessed = false
	r.outcome = nil
	r.scored = false
	r.votes = make(map[string]string)
	r.tentativeVotes = make(map[string]string)
	r.selected = ""
	r.finalSelected = false
	r.tentativeSelected = false
	if p.TimeLimitMinutes > 0 {
		r.nextTimerMinutes = p.TimeLimitMinutes
	}
	r.startCountdownLocked(p.TimeLimitMinutes * 60)
	r.mu.Unlock()

	log.Info().Str("room", r.Code()).Str("starter", p.Starter).Int("minutes", p.TimeLimitMinutes).Msg("round started")
}

func (r *Room) handleRoleAssignment(data json.RawMessage) {
	var p protocol.RoleAssignmentPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	r.mu.Lock()
	r.isSpy = p.IsSpy
	if !p.IsSpy && p.Location != "" {
		r.location = p.Location
	}
	r.mu.Unlock()
}

func (r *Room) handleGameEnded(data json.RawMessage) {
	var p protocol.GameEndedPayload
	_ = json.Unmarshal(data, &p)

	r.mu.Lock()
	r.stopCountdownLocked()
	r.ended = true
	r.endReason = p.Reason
	r.mu.Unlock()

	log.Info().Str("room", r.Code()).Str("reason", p.Reason).Msg("room session ended")
}

// handleVoteRecorded mirrors the authoritative vote maps and re-derives the
// local selection from them. Never trust a locally-predicted selection: a
// clear action can race a stale broadcast, and the latest broadcast wins.
func (r *Room) handleVoteRecorded(data json.RawMessage) {
	var p protocol.VoteRecordedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	r.mu.Lock()
	r.votes = copyVotes(p.Votes)
	r.tentativeVotes = copyVotes(p.TentativeVotes)
	r.reconcileSelectionLocked()
	r.mu.Unlock()
}

func (r *Room) handleVoteResults(data json.RawMessage) {
	var p protocol.VoteResultsPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcome != nil {
		return
	}

	spy := r.spyName
	spyWon, reason := resolveVote(spy, p)
	if spy != "" && p.SpyWon != spyWon {
		log.Warn().
			Bool("server_spy_won", p.SpyWon).
			Bool("computed_spy_won", spyWon).
			Str("voted_spy", p.VotedSpy).
			Bool("tie_breaker", p.TieBreaker).
			Int("tally_size", len(p.Tally)).
			Msg("server spy_won mismatch, using computed result")
	}

	finalVotes := p.Votes
	if len(finalVotes) == 0 {
		finalVotes = r.votes
	}
	r.resolveLocked(spyWon, reason, spy, finalVotes)
}

// handleSpyGuessResult bypasses voting: the guess alone decides the round.
func (r *Room) handleSpyGuessResult(data json.RawMessage) {
	var p protocol.SpyGuessResultPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.hasGuessed = true
	if p.ActualLocation != "" {
		r.location = p.ActualLocation
	}
	if r.spyName == "" && p.GuessedBy != "" {
		r.spyName = p.GuessedBy
	}
	if r.outcome != nil {
		return
	}

	reason := ReasonGuessWrong
	if p.Success {
		reason = ReasonGuessCorrect
	}
	r.resolveLocked(p.Success, reason, r.spyName, r.votes)
}

// handleStateSync rehydrates the machine after a reconnect or late mount.
func (r *Room) handleStateSync(data json.RawMessage) {
	var p protocol.StateSyncPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if p.TimeLimitMinutes > 0 {
		r.nextTimerMinutes = p.TimeLimitMinutes
	}

	switch {
	case p.Status == protocol.RoomStatusStarted && p.Role == protocol.RoleObserver:
		r.phase = PhaseObserver
		r.stopCountdownLocked()
		r.timeRemaining = p.TimeRemainingSeconds
		if p.Players != nil {
			r.players = append([]string(nil), p.Players...)
		}

	case p.Status == protocol.RoomStatusStarted:
		r.phase = PhaseActive
		r.locations = append([]string(nil), p.Locations...)
		r.spyName = p.Spy
		r.starter = p.Starter
		r.isSpy = p.IsSpy
		if !p.IsSpy && p.Location != "" {
			r.location = p.Location
		}
		if p.Players != nil {
			r.players = append([]string(nil), p.Players...)
		}
		r.votes = copyVotes(p.Votes)
		r.tentativeVotes = copyVotes(p.TentativeVotes)
		r.reconcileSelectionLocked()
		r.startCountdownLocked(p.TimeRemainingSeconds)
		// A zero remainder means the round expired while this client was away;
		// no ticker will ever fire, so resolve the timeout here.
		if p.TimeRemainingSeconds <= 0 {
			r.resolveLocked(true, ReasonTimeUp, r.spyName, r.votes)
		}

	case p.Status == protocol.RoomStatusWaiting:
		r.phase = PhaseLobby
		r.stopCountdownLocked()
		if p.Players != nil {
			r.players = append([]string(nil), p.Players...)
		}
	}
}

func (r *Room) handleTimeLimitUpdated(data json.RawMessage) {
	var p protocol.TimeLimitUpdatedPayload
	if err := json.Unmarshal(data, &p); err != nil || p.Minutes <= 0 {
		return
	}
	r.mu.Lock()
	r.nextTimerMinutes = p.Minutes
	r.mu.Unlock()
}

// --- resolution ---

// resolveLocked sets the outcome exactly once per round, scores it, and stops
// the countdown. Races between the local timer, a vote tally, and a guess
// result all land here; the first one wins and the rest are no-ops.
func (r *Room) resolveLocked(spyWon bool, reason OutcomeReason, spy string, finalVotes map[string]string) {
	if r.outcome != nil {
		return
	}
	r.outcome = &Outcome{
		Kind:             outcomeKind(spyWon),
		Reason:           reason,
		SpyName:          spy,
		RevealedLocation: r.location,
	}
	r.phase = PhaseResolved
	r.stopCountdownLocked()

	if !r.scored {
		r.scores.ApplyRound(r.code, spyWon, spy, finalVotes, r.players)
		r.scored = true
	}

	log.Info().
		Str("room", r.code).
		Str("kind", string(r.outcome.Kind)).
		Str("reason", string(reason)).
		Msg("round resolved")
}

// --- countdown ---

func (r *Room) startCountdownLocked(seconds int) {
	r.stopCountdownLocked()
	r.timeRemaining = seconds
	if seconds <= 0 {
		return
	}

	stop := make(chan struct{})
	r.countdownStop = stop
	ticker := r.clock.NewTicker(time.Second)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.Chan():
				if r.tick() {
					return
				}
			}
		}
	}()
}

// stopCountdownLocked must run on every exit path; a stale tick after the
// round ended would fire a spurious timeout.
func (r *Room) stopCountdownLocked() {
	if r.countdownStop != nil {
		close(r.countdownStop)
		r.countdownStop = nil
	}
}

// tick decrements the countdown and resolves the round on expiry. Returns true
// when the ticker goroutine should exit.
func (r *Room) tick() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phase != PhaseActive || r.outcome != nil {
		return true
	}
	if r.timeRemaining > 0 {
		r.timeRemaining--
	}
	if r.timeRemaining > 0 {
		return false
	}

	// Time ran out: the spy escaped.
	r.resolveLocked(true, ReasonTimeUp, r.spyName, r.votes)
	return true
}

// --- vote intent ---

// TapPlayer implements the single-tap half of the two-tier vote protocol:
// no selection nominates a tentative vote; tapping the selected player clears
// both vote kinds; tapping a different player while one is selected only
// clears, so switching targets always takes two interactions. The cleared or
// cast state becomes visible only when vote_recorded echoes back.
func (r *Room) TapPlayer(name string) {
	r.mu.Lock()
	if !r.canVoteLocked(name) {
		r.mu.Unlock()
		return
	}
	code := r.code
	selected := r.selected
	hadVote := r.finalSelected || r.tentativeSelected
	r.mu.Unlock()

	switch {
	case selected != "" && protocol.SameName(selected, name):
		r.clearVotes(code)
	case selected != "":
		if hadVote {
			r.clearVotes(code)
		}
	default:
		r.actions.CastVote(code, name, true)
	}
}

// HoldPlayer commits a final vote, unless a different player is already
// selected, in which case it clears first like TapPlayer.
func (r *Room) HoldPlayer(name string) {
	r.mu.Lock()
	if !r.canVoteLocked(name) {
		r.mu.Unlock()
		return
	}
	code := r.code
	selected := r.selected
	hadVote := r.finalSelected || r.tentativeSelected
	r.mu.Unlock()

	if selected != "" && !protocol.SameName(selected, name) {
		if hadVote {
			r.clearVotes(code)
		}
		return
	}
	r.actions.CastVote(code, name, false)
}

func (r *Room) clearVotes(code string) {
	r.actions.CastVote(code, "", true)
	r.actions.CastVote(code, "", false)
}

func (r *Room) canVoteLocked(name string) bool {
	return r.code != "" &&
		!protocol.SameName(name, r.me) &&
		r.phase == PhaseActive &&
		r.outcome == nil
}

// reconcileSelectionLocked derives the displayed selection from the
// authoritative maps. A final vote supersedes a tentative one.
func (r *Room) reconcileSelectionLocked() {
	if final, ok := protocol.LookupByName(r.votes, r.me); ok && final != "" {
		r.selected = final
		r.finalSelected = true
		r.tentativeSelected = false
		return
	}
	if tentative, ok := protocol.LookupByName(r.tentativeVotes, r.me); ok && tentative != "" {
		r.selected = tentative
		r.finalSelected = false
		r.tentativeSelected = true
		return
	}
	r.selected = ""
	r.finalSelected = false
	r.tentativeSelected = false
}

// --- outbound actions ---

// MinPlayers is the smallest roster a round can start with.
const MinPlayers = 3

// StartNewRound asks the server to begin the next round with the current
// next-round duration. The phase changes only when game_started comes back.
// A known-undersized roster is rejected locally; an empty roster is left for
// the server to judge.
func (r *Room) StartNewRound() {
	r.mu.Lock()
	code := r.code
	minutes := r.nextTimerMinutes
	known := len(r.players)
	r.mu.Unlock()
	if code == "" || (known > 0 && known < MinPlayers) {
		return
	}
	r.actions.StartRound(code, minutes)
}

// TimerOptions are the selectable round durations in minutes.
var TimerOptions = []int{3, 4, 5, 6, 7, 8, 9, 10, 12, 15}

// ValidTimerOption reports whether minutes is a selectable duration.
func ValidTimerOption(minutes int) bool {
	for _, opt := range TimerOptions {
		if opt == minutes {
			return true
		}
	}
	return false
}

// SetNextRoundTimer updates the duration picker and pushes it to the room.
// Durations outside TimerOptions are ignored; a server broadcast may still set
// any positive value.
func (r *Room) SetNextRoundTimer(minutes int) {
	if !ValidTimerOption(minutes) {
		return
	}
	r.mu.Lock()
	r.nextTimerMinutes = minutes
	code := r.code
	r.mu.Unlock()
	if code == "" {
		return
	}
	r.actions.UpdateTimer(code, minutes)
}

// GuessLocation submits the spy's guess. Only the spy, once per round, while
// the round is live.
func (r *Room) GuessLocation(location string) {
	r.mu.Lock()
	ok := r.isSpy && !r.hasGuessed && r.outcome == nil && r.phase == PhaseActive && r.code != ""
	code := r.code
	r.mu.Unlock()
	if !ok {
		return
	}
	r.actions.GuessLocation(code, location)
}

// Leave removes the local player from the room.
func (r *Room) Leave() {
	if code := r.Code(); code != "" {
		r.actions.LeaveRoom(code)
	}
}

// End ends the room session for everyone (host action).
func (r *Room) End(reason string) {
	if code := r.Code(); code != "" {
		r.actions.EndRound(code, reason)
	}
}

// --- accessors ---

// Code returns the room code as last confirmed by the server.
func (r *Room) Code() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.code
}

// Phase returns the current lifecycle phase.
func (r *Room) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// Players returns the roster as last broadcast.
func (r *Room) Players() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.players...)
}

// Locations returns this round's location list.
func (r *Room) Locations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.locations...)
}

// Outcome returns the round result once resolved.
func (r *Room) Outcome() (Outcome, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcome == nil {
		return Outcome{}, false
	}
	return *r.outcome, true
}

// TimeRemaining returns the countdown in seconds.
func (r *Room) TimeRemaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timeRemaining
}

// NextRoundTimer returns the duration the next round will use.
func (r *Room) NextRoundTimer() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextTimerMinutes
}

// IsSpy reports the local player's role this round.
func (r *Room) IsSpy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isSpy
}

// AssignedLocation returns the round's location as known locally: the
// assignment for a resident, or the revealed location after resolution.
func (r *Room) AssignedLocation() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.location
}

// SpyName returns the spy's name when known locally.
func (r *Room) SpyName() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.spyName
}

// Starter returns the first questioner's name.
func (r *Room) Starter() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starter
}

// IsFirstQuestioner reports whether the local player asks first. Subsequent
// turn order rotates positionally; nothing local enforces it.
func (r *Room) IsFirstQuestioner() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starter != "" && protocol.SameName(r.starter, r.me)
}

// Selection returns the displayed vote target and whether it is final or
// tentative, as reconciled from the latest broadcast.
func (r *Room) Selection() (target string, final bool, tentative bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selected, r.finalSelected, r.tentativeSelected
}

// Votes returns the authoritative final vote map.
func (r *Room) Votes() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyVotes(r.votes)
}

// TentativeVotes returns the authoritative tentative vote map.
func (r *Room) TentativeVotes() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyVotes(r.tentativeVotes)
}

// FinalVoteCount returns how many final votes name the given player. Only
// final votes are public; tentative ones never affect displayed counts.
func (r *Room) FinalVoteCount(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, target := range r.votes {
		if protocol.SameName(target, name) {
			count++
		}
	}
	return count
}

// VoteProgress reports final-vote completion among non-spies. The spy's own
// vote never counts toward completion.
func (r *Room) VoteProgress() (have, needed int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.players {
		if !protocol.SameName(name, r.spyName) {
			needed++
		}
	}
	for voter, target := range r.votes {
		if target == "" || protocol.SameName(voter, r.spyName) {
			continue
		}
		have++
	}
	return have, needed
}

// Ended reports whether the server ended the room session, with its reason.
func (r *Room) Ended() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.endReason, r.ended
}

// ScoreRows returns the room's scoreboard, best first.
func (r *Room) ScoreRows() []ScoreRow {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scores.Rows(r.code)
}

// Score returns one player's accumulated row.
func (r *Room) Score(playerName string) (ScoreRow, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scores.Row(r.code, playerName)
}

func copyVotes(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
