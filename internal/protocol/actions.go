package protocol

// ActionType identifies a client-to-server action.
type ActionType string

const (
	ActionCreateGame      ActionType = "create_game"
	ActionJoinGame        ActionType = "join_game"
	ActionLeaveGame       ActionType = "leave_game"
	ActionStartGame       ActionType = "start_game"
	ActionEndGame         ActionType = "end_game"
	ActionVoteSpy         ActionType = "vote_spy"
	ActionGuessLocation   ActionType = "guess_location"
	ActionSyncState       ActionType = "sync_state"
	ActionUpdateTimeLimit ActionType = "update_time_limit"
)

// CreateGamePayload opens a new room; the server replies with room_created.
type CreateGamePayload struct {
	User             string `json:"user"`
	TimeLimitMinutes int    `json:"time_limit_minutes"`
}

// JoinGamePayload joins an existing room by code.
type JoinGamePayload struct {
	Room string `json:"room"`
	User string `json:"user"`
}

// LeaveGamePayload removes the player from the room.
type LeaveGamePayload struct {
	Room string `json:"room"`
	User string `json:"user"`
}

// StartGamePayload starts a round. TimeLimitMinutes is optional; zero means
// "use the room's current limit".
type StartGamePayload struct {
	Room             string `json:"room"`
	User             string `json:"user"`
	TimeLimitMinutes int    `json:"time_limit_minutes,omitempty"`
}

// EndGamePayload ends the room session for all players.
type EndGamePayload struct {
	Room   string `json:"room"`
	User   string `json:"user"`
	Reason string `json:"reason"`
}

// VoteSpyPayload casts, updates, or clears a vote. An empty VoteFor clears the
// voter's vote of the given kind.
type VoteSpyPayload struct {
	Room      string `json:"room"`
	User      string `json:"user"`
	VoteFor   string `json:"vote_for"`
	Tentative bool   `json:"tentative"`
}

// GuessLocationPayload is the spy's round-ending location guess.
type GuessLocationPayload struct {
	Room     string `json:"room"`
	User     string `json:"user"`
	Location string `json:"location"`
}

// SyncStatePayload requests a full state_sync push for the room.
type SyncStatePayload struct {
	Room string `json:"room"`
	User string `json:"user"`
}

// UpdateTimeLimitPayload changes the room's round duration for future rounds.
type UpdateTimeLimitPayload struct {
	Room    string `json:"room"`
	Minutes int    `json:"minutes"`
	User    string `json:"user"`
}

// EndReasonHost is the default reason when the host ends the room.
const EndReasonHost = "ended_by_host"
