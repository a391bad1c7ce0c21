package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/bluffco/blufflocation/internal/game"
	"github.com/bluffco/blufflocation/internal/protocol"
	"github.com/bluffco/blufflocation/internal/session"
	"github.com/bluffco/blufflocation/internal/transport"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file loaded")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	configPath := flag.String("config", "", "path to YAML config")
	serverURL := flag.String("server", "", "websocket server URL")
	name := flag.String("name", "", "player name")
	joinCode := flag.String("join", "", "room code to join; empty creates a new room")
	timer := flag.Int("timer", 0, "round duration in minutes for a new room")
	flag.Parse()

	cfg := &Config{}
	if *configPath != "" {
		loaded, err := loadConfig(*configPath)
		if err != nil {
			log.Fatal().Err(err).Msg("load config")
		}
		cfg = loaded
	}

	url := firstNonEmpty(*serverURL, getEnv("BLUFF_SERVER_URL", cfg.Server.URL), "ws://localhost:8080/ws")
	playerName := firstNonEmpty(*name, getEnv("BLUFF_PLAYER_NAME", cfg.Player.Name))
	if playerName == "" {
		fmt.Fprintln(os.Stderr, "a player name is required: -name, BLUFF_PLAYER_NAME, or player.name in the config")
		os.Exit(1)
	}
	minutes := *timer
	if minutes == 0 {
		minutes = getEnvAsInt("BLUFF_TIMER_MINUTES", cfg.Round.TimerMinutes)
	}

	manager := session.NewManager(transport.NewClient(transport.DefaultOptions()), session.DefaultConfig(url))
	defer manager.Disconnect()

	printEvents(manager)

	ctx := context.Background()
	var err error
	if *joinCode == "" {
		err = manager.CreateRoom(ctx, playerName, minutes)
	} else {
		err = manager.JoinRoom(ctx, *joinCode, playerName)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("could not enter a room")
	}

	code := *joinCode
	room := game.NewRoom(manager, game.RoomConfig{
		Code:         protocol.NormalizeRoomCode(code),
		PlayerName:   playerName,
		IsHost:       code == "",
		TimerMinutes: minutes,
	})
	room.Attach()
	defer room.Close()

	fmt.Printf("playing as %s against %s\n", playerName, url)
	repl(room)
}

// printEvents subscribes to the play-by-play the server pushes.
func printEvents(m *session.Manager) {
	show := func(event protocol.EventType, format func(interface{}) string) {
		m.On(event, func(data json.RawMessage) {
			parsed, err := protocol.ParsePayload(event, data)
			if err != nil {
				log.Warn().Err(err).Str("event", string(event)).Msg("bad payload")
				return
			}
			fmt.Println(format(parsed))
		})
	}

	m.On(protocol.EventConnected, func(json.RawMessage) { fmt.Println("* connected") })
	m.On(protocol.EventDisconnected, func(json.RawMessage) { fmt.Println("* disconnected") })
	m.On(protocol.EventAlreadyInRoom, func(json.RawMessage) { fmt.Println("* rejoined room") })

	show(protocol.EventError, func(v interface{}) string {
		return "! " + v.(protocol.ErrorPayload).Message
	})
	show(protocol.EventRoomCreated, func(v interface{}) string {
		p := v.(protocol.RoomCreatedPayload)
		return fmt.Sprintf("* room created: %s (%d min rounds)", p.Room, p.TimeLimitMinutes)
	})
	show(protocol.EventJoinedRoom, func(v interface{}) string {
		p := v.(protocol.JoinedRoomPayload)
		if p.Role == protocol.RoleObserver {
			return fmt.Sprintf("* joined %s as observer, waiting for the next round", p.Room)
		}
		return "* joined " + p.Room
	})
	show(protocol.EventPlayerJoined, func(v interface{}) string {
		return "* players: " + strings.Join(v.(protocol.RosterPayload).Players, ", ")
	})
	show(protocol.EventPlayerLeft, func(v interface{}) string {
		return "* players: " + strings.Join(v.(protocol.RosterPayload).Players, ", ")
	})
	show(protocol.EventGameStarted, func(v interface{}) string {
		p := v.(protocol.GameStartedPayload)
		return fmt.Sprintf("* round started, %s asks first (%d minutes)", p.Starter, p.TimeLimitMinutes)
	})
	show(protocol.EventRoleAssignment, func(v interface{}) string {
		p := v.(protocol.RoleAssignmentPayload)
		if p.IsSpy {
			return "* you are the SPY, figure out the location"
		}
		return "* location: " + p.Location
	})
	show(protocol.EventVoteResults, func(v interface{}) string {
		p := v.(protocol.VoteResultsPayload)
		return fmt.Sprintf("* votes in: accused=%s tie=%v", p.VotedSpy, p.TieBreaker)
	})
	show(protocol.EventSpyGuessResult, func(v interface{}) string {
		p := v.(protocol.SpyGuessResultPayload)
		return fmt.Sprintf("* spy guessed: correct=%v location=%s", p.Success, p.ActualLocation)
	})
	show(protocol.EventGameEnded, func(v interface{}) string {
		return "* session ended: " + v.(protocol.GameEndedPayload).Reason
	})
	show(protocol.EventServerMessage, func(v interface{}) string {
		return "* " + v.(protocol.ServerMessagePayload).Message
	})
}

func repl(room *game.Room) {
	fmt.Println("commands: start, vote <name>, hold <name>, guess <location>, timer <minutes>, status, scores, leave, end, quit")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		arg := strings.Join(fields[1:], " ")

		switch fields[0] {
		case "start":
			room.StartNewRound()
		case "vote":
			room.TapPlayer(arg)
		case "hold":
			room.HoldPlayer(arg)
		case "guess":
			room.GuessLocation(arg)
		case "timer":
			if minutes, err := strconv.Atoi(arg); err == nil {
				room.SetNextRoundTimer(minutes)
			}
		case "status":
			printStatus(room)
		case "scores":
			printScores(room)
		case "leave":
			room.Leave()
		case "end":
			room.End("")
			return
		case "quit":
			return
		default:
			fmt.Println("unknown command:", fields[0])
		}
	}
	if err := scanner.Err(); err != nil {
		log.Error().Err(err).Msg("reading input")
	}
}

func printStatus(room *game.Room) {
	fmt.Printf("room=%s phase=%s players=%s\n", room.Code(), room.Phase(), strings.Join(room.Players(), ", "))
	if room.Phase() == game.PhaseActive {
		have, needed := room.VoteProgress()
		fmt.Printf("time=%ds votes=%d/%d\n", room.TimeRemaining(), have, needed)
		if target, final, tentative := room.Selection(); target != "" {
			fmt.Printf("selection=%s final=%v tentative=%v\n", target, final, tentative)
		}
	}
	if outcome, ok := room.Outcome(); ok {
		fmt.Printf("result=%s reason=%s spy=%s location=%s\n",
			outcome.Kind, outcome.Reason, outcome.SpyName, outcome.RevealedLocation)
	}
}

func printScores(room *game.Room) {
	rows := room.ScoreRows()
	if len(rows) == 0 {
		fmt.Println("no rounds scored yet")
		return
	}
	for _, row := range rows {
		fmt.Printf("%-16s score=%d spy_wins=%d resident_wins=%d correct=%d wrong=%d games=%d\n",
			row.DisplayName, row.Score(), row.SpyWins, row.ResidentWins,
			row.CorrectVotes, row.WrongVotes, row.TotalGames)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
