package protocol

import (
	"encoding/json"
	"time"
)

// Envelope is the wire frame for every message in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EventType identifies a server-to-client event.
type EventType string

// Server events. "connect", "disconnect" and "connect_error" are synthesized by the
// transport from connection lifecycle; everything else arrives on the wire.
const (
	EventConnected       EventType = "connected"
	EventDisconnected    EventType = "disconnected"
	EventError           EventType = "error"
	EventAlreadyInRoom   EventType = "already_in_room"
	EventRoomCreated     EventType = "room_created"
	EventJoinedRoom      EventType = "joined_room"
	EventPlayerJoined    EventType = "player_joined"
	EventPlayerLeft      EventType = "player_left"
	EventGameStarted     EventType = "game_started"
	EventRoleAssignment  EventType = "role_assignment"
	EventGameEnded       EventType = "game_ended"
	EventVoteRecorded    EventType = "vote_recorded"
	EventVoteResults     EventType = "vote_results"
	EventSpyGuessResult  EventType = "spy_guess_result"
	EventStateSync       EventType = "state_sync"
	EventRoomState       EventType = "room_state"
	EventTimeLimitUpdate EventType = "time_limit_updated"
	EventServerMessage   EventType = "server_message"
)

// ErrorPayload carries app-level and connection errors.
type ErrorPayload struct {
	Message string `json:"message"`
}

// RoomCreatedPayload confirms room creation to the host.
type RoomCreatedPayload struct {
	Room             string `json:"room"`
	TimeLimitMinutes int    `json:"time_limit_minutes"`
}

// JoinedRoomPayload confirms a join. Role is "observer" when the round is already
// running and the joiner was not part of role assignment.
type JoinedRoomPayload struct {
	Room             string `json:"room"`
	TimeLimitMinutes int    `json:"time_limit_minutes,omitempty"`
	Role             string `json:"role,omitempty"`
}

// RosterPayload carries the authoritative player list. The client replaces its
// roster wholesale; it never adds or removes entries locally.
type RosterPayload struct {
	Players []string `json:"players"`
}

// GameStartedPayload carries the full round setup.
type GameStartedPayload struct {
	Spy              string   `json:"spy"`
	Locations        []string `json:"locations"`
	Starter          string   `json:"starter"`
	TimeLimitMinutes int      `json:"time_limit_minutes"`
	Location         string   `json:"location,omitempty"`
}

// RoleAssignmentPayload is sent privately to each player.
type RoleAssignmentPayload struct {
	IsSpy    bool   `json:"is_spy"`
	Location string `json:"location,omitempty"`
}

// GameEndedPayload ends the room session.
type GameEndedPayload struct {
	Reason string `json:"reason,omitempty"`
}

// VoteRecordedPayload is the authoritative vote broadcast. A voter appears in at
// most one of the two maps.
type VoteRecordedPayload struct {
	Votes          map[string]string `json:"votes"`
	TentativeVotes map[string]string `json:"tentative_votes"`
}

// VoteResultsPayload reports the final tally. SpyWon is known-unreliable on some
// servers; clients recompute the outcome from the other fields.
type VoteResultsPayload struct {
	VotedSpy   string            `json:"voted_spy,omitempty"`
	TieBreaker bool              `json:"tie_breaker"`
	Tally      map[string]int    `json:"tally"`
	Votes      map[string]string `json:"votes"`
	SpyWon     bool              `json:"spy_won"`
}

// SpyGuessResultPayload resolves a round via the spy's location guess.
type SpyGuessResultPayload struct {
	Success        bool   `json:"success"`
	ActualLocation string `json:"actual_location,omitempty"`
	GuessedBy      string `json:"guessed_by,omitempty"`
}

// StateSyncPayload rehydrates a client after reconnect or late mount.
type StateSyncPayload struct {
	Status               string            `json:"status"`
	Role                 string            `json:"role,omitempty"`
	TimeRemainingSeconds int               `json:"time_remaining_seconds"`
	Players              []string          `json:"players"`
	Spy                  string            `json:"spy,omitempty"`
	Starter              string            `json:"starter,omitempty"`
	Locations            []string          `json:"locations,omitempty"`
	Location             string            `json:"location,omitempty"`
	IsSpy                bool              `json:"is_spy"`
	Votes                map[string]string `json:"votes,omitempty"`
	TentativeVotes       map[string]string `json:"tentative_votes,omitempty"`
	TimeLimitMinutes     int               `json:"time_limit_minutes,omitempty"`
}

// Room status values carried by StateSyncPayload.
const (
	RoomStatusWaiting = "waiting"
	RoomStatusStarted = "started"
)

// RoleObserver marks a player who joined mid-round.
const RoleObserver = "observer"

// TimeLimitUpdatedPayload broadcasts a room timer change.
type TimeLimitUpdatedPayload struct {
	Room    string `json:"room"`
	Minutes int    `json:"minutes"`
}

// ServerMessagePayload carries free-form notices.
type ServerMessagePayload struct {
	Message string    `json:"message,omitempty"`
	SentAt  time.Time `json:"sent_at,omitempty"`
}

// ParsePayload parses raw event data into the matching payload struct.
// Unknown events return (nil, nil) so callers can ignore them.
func ParsePayload(event EventType, data json.RawMessage) (interface{}, error) {
	switch event {
	case EventError, EventAlreadyInRoom:
		var p ErrorPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil

	case EventRoomCreated:
		var p RoomCreatedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil

	case EventJoinedRoom:
		var p JoinedRoomPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil

	case EventPlayerJoined, EventPlayerLeft, EventRoomState:
		var p RosterPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil

	case EventGameStarted:
		var p GameStartedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil

	case EventRoleAssignment:
		var p RoleAssignmentPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil

	case EventGameEnded:
		var p GameEndedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil

	case EventVoteRecorded:
		var p VoteRecordedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil

	case EventVoteResults:
		var p VoteResultsPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil

	case EventSpyGuessResult:
		var p SpyGuessResultPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil

	case EventStateSync:
		var p StateSyncPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil

	case EventTimeLimitUpdate:
		var p TimeLimitUpdatedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil

	case EventServerMessage:
		var p ServerMessagePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil

	default:
		return nil, nil
	}
}
