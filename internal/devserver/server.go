// Package devserver is a reference implementation of the BluffLocation wire
// contract, used by the CLI for local play and by the integration tests. It
// keeps every room in memory; nothing survives a restart.
package devserver

import (
	"encoding/json"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/bluffco/blufflocation/internal/protocol"
)

// Config holds server configuration.
type Config struct {
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	AllowedOrigins []string
	// Clock drives round timing. Nil means the real clock.
	Clock clockwork.Clock
	// Rand picks spies, locations and starters. Nil means a time-seeded source.
	Rand *rand.Rand
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 4096,
		AllowedOrigins: []string{"*"},
	}
}

// Server owns every room and connection.
type Server struct {
	cfg      Config
	clock    clockwork.Clock
	rand     *rand.Rand
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]*room
}

// NewServer creates a server with no rooms.
func NewServer(cfg Config) *Server {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 4096
	}
	return &Server{
		cfg:   cfg,
		clock: clock,
		rand:  rng,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		rooms: make(map[string]*room),
	}
}

// Handler returns the HTTP handler: the websocket endpoint at /ws plus a
// health probe, wrapped with CORS for browser clients.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(mux)
}

// dispatch routes one inbound envelope from a client.
func (s *Server) dispatch(c *client, env protocol.Envelope) {
	switch protocol.ActionType(env.Event) {
	case protocol.ActionCreateGame:
		var p protocol.CreateGamePayload
		if unmarshalOrError(c, env.Data, &p) {
			s.createGame(c, p)
		}
	case protocol.ActionJoinGame:
		var p protocol.JoinGamePayload
		if unmarshalOrError(c, env.Data, &p) {
			s.joinGame(c, p)
		}
	case protocol.ActionLeaveGame:
		var p protocol.LeaveGamePayload
		if unmarshalOrError(c, env.Data, &p) {
			s.leaveGame(c, p)
		}
	case protocol.ActionStartGame:
		var p protocol.StartGamePayload
		if unmarshalOrError(c, env.Data, &p) {
			s.startGame(c, p)
		}
	case protocol.ActionEndGame:
		var p protocol.EndGamePayload
		if unmarshalOrError(c, env.Data, &p) {
			s.endGame(c, p)
		}
	case protocol.ActionVoteSpy:
		var p protocol.VoteSpyPayload
		if unmarshalOrError(c, env.Data, &p) {
			s.voteSpy(c, p)
		}
	case protocol.ActionGuessLocation:
		var p protocol.GuessLocationPayload
		if unmarshalOrError(c, env.Data, &p) {
			s.guessLocation(c, p)
		}
	case protocol.ActionSyncState:
		var p protocol.SyncStatePayload
		if unmarshalOrError(c, env.Data, &p) {
			s.syncState(c, p)
		}
	case protocol.ActionUpdateTimeLimit:
		var p protocol.UpdateTimeLimitPayload
		if unmarshalOrError(c, env.Data, &p) {
			s.updateTimeLimit(c, p)
		}
	default:
		log.Debug().Str("event", env.Event).Msg("unknown action ignored")
	}
}

func unmarshalOrError(c *client, data json.RawMessage, v interface{}) bool {
	if err := json.Unmarshal(data, v); err != nil {
		c.sendEvent(protocol.EventError, protocol.ErrorPayload{Message: "malformed payload"})
		return false
	}
	return true
}

func (s *Server) sendError(c *client, message string) {
	c.sendEvent(protocol.EventError, protocol.ErrorPayload{Message: message})
}
