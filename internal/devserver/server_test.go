package devserver

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bluffco/blufflocation/internal/game"
	"github.com/bluffco/blufflocation/internal/protocol"
	"github.com/bluffco/blufflocation/internal/session"
	"github.com/bluffco/blufflocation/internal/transport"
)

func startServer(t *testing.T) string {
	t.Helper()
	return startServerWithClock(t, nil)
}

func startServerWithClock(t *testing.T, clock clockwork.Clock) string {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Rand = rand.New(rand.NewSource(42))
	cfg.Clock = clock
	srv := httptest.NewServer(NewServer(cfg).Handler())
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func newPlayer(t *testing.T, url string) *session.Manager {
	t.Helper()
	opts := transport.DefaultOptions()
	opts.ReconnectDelay = 50 * time.Millisecond
	cfg := session.DefaultConfig(url)
	cfg.ConnectTimeout = 2 * time.Second
	m := session.NewManager(transport.NewClient(opts), cfg)
	t.Cleanup(m.Disconnect)
	return m
}

func watchRoomCode(t *testing.T, m *session.Manager) <-chan string {
	t.Helper()
	ch := make(chan string, 1)
	m.On(protocol.EventRoomCreated, func(data json.RawMessage) {
		var p protocol.RoomCreatedPayload
		if json.Unmarshal(data, &p) == nil {
			ch <- p.Room
		}
	})
	return ch
}

func recvString(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for value")
		return ""
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 10*time.Millisecond, msg)
}

func TestThreePlayerRound(t *testing.T) {
	url := startServer(t)
	ctx := context.Background()

	alice := newPlayer(t, url)
	codeCh := watchRoomCode(t, alice)
	require.NoError(t, alice.CreateRoom(ctx, "Alice", 5))
	code := recvString(t, codeCh)
	require.True(t, protocol.ValidRoomCode(code))

	bob := newPlayer(t, url)
	carol := newPlayer(t, url)
	require.NoError(t, bob.JoinRoom(ctx, code, "Bob"))
	require.NoError(t, carol.JoinRoom(ctx, code, "Carol"))

	rooms := map[string]*game.Room{
		"Alice": game.NewRoom(alice, game.RoomConfig{Code: code, PlayerName: "Alice", IsHost: true}),
		"Bob":   game.NewRoom(bob, game.RoomConfig{Code: code, PlayerName: "Bob"}),
		"Carol": game.NewRoom(carol, game.RoomConfig{Code: code, PlayerName: "Carol"}),
	}
	for _, r := range rooms {
		r.Attach()
		t.Cleanup(r.Close)
	}

	eventually(t, func() bool {
		for _, r := range rooms {
			if len(r.Players()) != 3 {
				return false
			}
		}
		return true
	}, "all clients should see the full roster")

	rooms["Alice"].StartNewRound()
	eventually(t, func() bool {
		for _, r := range rooms {
			if r.Phase() != game.PhaseActive {
				return false
			}
		}
		return true
	}, "all clients should enter the round")

	spy := rooms["Alice"].SpyName()
	require.NotEmpty(t, spy)
	assert.InDelta(t, 300, rooms["Alice"].TimeRemaining(), 2)

	// Exactly one client holds the spy role; the rest know the location.
	spies := 0
	for name, r := range rooms {
		if r.IsSpy() {
			spies++
			assert.True(t, protocol.SameName(name, spy))
		} else {
			assert.NotEmpty(t, r.AssignedLocation())
		}
	}
	assert.Equal(t, 1, spies)

	// Every non-spy commits a final vote against the spy.
	for name, r := range rooms {
		if !protocol.SameName(name, spy) {
			r.HoldPlayer(spy)
		}
	}

	eventually(t, func() bool {
		for _, r := range rooms {
			if _, resolved := r.Outcome(); !resolved {
				return false
			}
		}
		return true
	}, "all clients should resolve the round")

	for name, r := range rooms {
		outcome, _ := r.Outcome()
		assert.Equal(t, game.ResidentsWin, outcome.Kind, "client %s", name)
		assert.Equal(t, game.ReasonSpyCaught, outcome.Reason, "client %s", name)
	}

	// Scoring: residents each get a correct vote and a win, the spy gets
	// nothing, and everyone played one round.
	board := rooms["Alice"]
	for _, name := range []string{"Alice", "Bob", "Carol"} {
		row, ok := board.Score(name)
		require.True(t, ok, "score row for %s", name)
		assert.Equal(t, 1, row.TotalGames)
		if protocol.SameName(name, spy) {
			assert.Equal(t, 0, row.SpyWins)
			assert.Equal(t, 0, row.CorrectVotes)
		} else {
			assert.Equal(t, 1, row.ResidentWins)
			assert.Equal(t, 1, row.CorrectVotes)
		}
	}
}

func TestJoinUnknownRoom(t *testing.T) {
	url := startServer(t)
	m := newPlayer(t, url)

	errCh := make(chan string, 1)
	m.On(protocol.EventError, func(data json.RawMessage) {
		var p protocol.ErrorPayload
		_ = json.Unmarshal(data, &p)
		errCh <- p.Message
	})

	require.NoError(t, m.JoinRoom(context.Background(), "zzzzzz", "Sam"))
	assert.Contains(t, recvString(t, errCh), "not found")
}

func TestDuplicateJoinReclassified(t *testing.T) {
	url := startServer(t)
	ctx := context.Background()

	alice := newPlayer(t, url)
	codeCh := watchRoomCode(t, alice)
	require.NoError(t, alice.CreateRoom(ctx, "Alice", 5))
	code := recvString(t, codeCh)

	already := make(chan struct{}, 1)
	errs := make(chan string, 1)
	alice.On(protocol.EventAlreadyInRoom, func(json.RawMessage) { already <- struct{}{} })
	alice.On(protocol.EventError, func(data json.RawMessage) {
		var p protocol.ErrorPayload
		_ = json.Unmarshal(data, &p)
		errs <- p.Message
	})

	require.NoError(t, alice.JoinRoom(ctx, code, "Alice"))

	select {
	case <-already:
	case msg := <-errs:
		t.Fatalf("duplicate join surfaced as plain error: %s", msg)
	case <-time.After(3 * time.Second):
		t.Fatal("no already_in_room event arrived")
	}
}

func TestStartNeedsThreePlayers(t *testing.T) {
	url := startServer(t)
	ctx := context.Background()

	alice := newPlayer(t, url)
	codeCh := watchRoomCode(t, alice)
	require.NoError(t, alice.CreateRoom(ctx, "Alice", 5))
	code := recvString(t, codeCh)

	errCh := make(chan string, 1)
	alice.On(protocol.EventError, func(data json.RawMessage) {
		var p protocol.ErrorPayload
		_ = json.Unmarshal(data, &p)
		errCh <- p.Message
	})

	alice.StartRound(code, 5)
	assert.Contains(t, recvString(t, errCh), "at least 3 players")
}

func TestLateJoinerBecomesObserver(t *testing.T) {
	url := startServer(t)
	ctx := context.Background()

	alice := newPlayer(t, url)
	codeCh := watchRoomCode(t, alice)
	require.NoError(t, alice.CreateRoom(ctx, "Alice", 5))
	code := recvString(t, codeCh)

	bob := newPlayer(t, url)
	carol := newPlayer(t, url)
	require.NoError(t, bob.JoinRoom(ctx, code, "Bob"))
	require.NoError(t, carol.JoinRoom(ctx, code, "Carol"))

	hostRoom := game.NewRoom(alice, game.RoomConfig{Code: code, PlayerName: "Alice", IsHost: true})
	hostRoom.Attach()
	t.Cleanup(hostRoom.Close)
	eventually(t, func() bool { return len(hostRoom.Players()) == 3 }, "roster incomplete")

	hostRoom.StartNewRound()
	eventually(t, func() bool { return hostRoom.Phase() == game.PhaseActive }, "round did not start")

	dave := newPlayer(t, url)
	require.NoError(t, dave.JoinRoom(ctx, code, "Dave"))
	daveRoom := game.NewRoom(dave, game.RoomConfig{Code: code, PlayerName: "Dave"})
	daveRoom.Attach()
	t.Cleanup(daveRoom.Close)

	eventually(t, func() bool { return daveRoom.Phase() == game.PhaseObserver }, "late joiner should observe")
	assert.Empty(t, daveRoom.SpyName())
}

func TestTimeLimitUpdateBroadcast(t *testing.T) {
	url := startServer(t)
	ctx := context.Background()

	alice := newPlayer(t, url)
	codeCh := watchRoomCode(t, alice)
	require.NoError(t, alice.CreateRoom(ctx, "Alice", 5))
	code := recvString(t, codeCh)

	bob := newPlayer(t, url)
	require.NoError(t, bob.JoinRoom(ctx, code, "Bob"))
	bobRoom := game.NewRoom(bob, game.RoomConfig{Code: code, PlayerName: "Bob"})
	bobRoom.Attach()
	t.Cleanup(bobRoom.Close)

	eventually(t, func() bool { return len(bobRoom.Players()) == 2 }, "bob never saw the roster")

	alice.UpdateTimer(code, 8)
	eventually(t, func() bool { return bobRoom.NextRoundTimer() == 8 }, "timer update not broadcast")

	minutes, ok := bob.GetLocalTimer(code)
	require.True(t, ok)
	assert.Equal(t, 8, minutes)
}

func TestExpiredRoundAllowsRestart(t *testing.T) {
	clock := clockwork.NewFakeClock()
	url := startServerWithClock(t, clock)
	ctx := context.Background()

	alice := newPlayer(t, url)
	codeCh := watchRoomCode(t, alice)
	require.NoError(t, alice.CreateRoom(ctx, "Alice", 5))
	code := recvString(t, codeCh)

	roster := make(chan int, 8)
	started := make(chan struct{}, 4)
	errs := make(chan string, 4)
	alice.On(protocol.EventPlayerJoined, func(data json.RawMessage) {
		var p protocol.RosterPayload
		if json.Unmarshal(data, &p) == nil {
			roster <- len(p.Players)
		}
	})
	alice.On(protocol.EventGameStarted, func(json.RawMessage) { started <- struct{}{} })
	alice.On(protocol.EventError, func(data json.RawMessage) {
		var p protocol.ErrorPayload
		_ = json.Unmarshal(data, &p)
		errs <- p.Message
	})

	bob := newPlayer(t, url)
	carol := newPlayer(t, url)
	require.NoError(t, bob.JoinRoom(ctx, code, "Bob"))
	require.NoError(t, carol.JoinRoom(ctx, code, "Carol"))

	deadline := time.After(3 * time.Second)
	for n := 0; n != 3; {
		select {
		case n = <-roster:
		case <-deadline:
			t.Fatal("roster never reached 3 players")
		}
	}

	alice.StartRound(code, 5)
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("first round did not start")
	}

	// The round runs out with nobody voting. The next start must be accepted,
	// not rejected as an in-progress game.
	clock.Advance(5*time.Minute + time.Second)
	alice.StartRound(code, 5)

	select {
	case <-started:
	case msg := <-errs:
		t.Fatalf("restart rejected: %s", msg)
	case <-time.After(3 * time.Second):
		t.Fatal("second round did not start")
	}
}

func TestFinalVoteSupersedesTentativeOnTheWire(t *testing.T) {
	url := startServer(t)
	ctx := context.Background()

	alice := newPlayer(t, url)
	codeCh := watchRoomCode(t, alice)
	require.NoError(t, alice.CreateRoom(ctx, "Alice", 5))
	code := recvString(t, codeCh)

	bob := newPlayer(t, url)
	carol := newPlayer(t, url)
	require.NoError(t, bob.JoinRoom(ctx, code, "Bob"))
	require.NoError(t, carol.JoinRoom(ctx, code, "Carol"))

	recorded := make(chan protocol.VoteRecordedPayload, 8)
	alice.On(protocol.EventVoteRecorded, func(data json.RawMessage) {
		var p protocol.VoteRecordedPayload
		if json.Unmarshal(data, &p) == nil {
			recorded <- p
		}
	})

	managers := map[string]*session.Manager{"Alice": alice, "Bob": bob, "Carol": carol}
	rooms := make(map[string]*game.Room, len(managers))
	for name, m := range managers {
		r := game.NewRoom(m, game.RoomConfig{Code: code, PlayerName: name, IsHost: name == "Alice"})
		r.Attach()
		t.Cleanup(r.Close)
		rooms[name] = r
	}
	eventually(t, func() bool {
		for _, r := range rooms {
			if len(r.Players()) != 3 {
				return false
			}
		}
		return true
	}, "roster incomplete")

	rooms["Alice"].StartNewRound()
	eventually(t, func() bool {
		for _, r := range rooms {
			if r.Phase() != game.PhaseActive {
				return false
			}
		}
		return true
	}, "round did not start")

	spy := rooms["Alice"].SpyName()
	require.NotEmpty(t, spy)
	var voter string
	for name := range rooms {
		if !protocol.SameName(name, spy) {
			voter = name
			break
		}
	}
	require.NotEmpty(t, voter)

	waitRecorded := func(cond func(protocol.VoteRecordedPayload) bool) protocol.VoteRecordedPayload {
		t.Helper()
		deadline := time.After(3 * time.Second)
		for {
			select {
			case p := <-recorded:
				if cond(p) {
					return p
				}
			case <-deadline:
				t.Fatal("vote_recorded broadcast never matched")
				return protocol.VoteRecordedPayload{}
			}
		}
	}

	// Tap first: the voter lands in the tentative map only.
	rooms[voter].TapPlayer(spy)
	tap := waitRecorded(func(p protocol.VoteRecordedPayload) bool {
		_, ok := protocol.LookupByName(p.TentativeVotes, voter)
		return ok
	})
	target, _ := protocol.LookupByName(tap.TentativeVotes, voter)
	assert.True(t, protocol.SameName(target, spy))
	_, inFinal := protocol.LookupByName(tap.Votes, voter)
	assert.False(t, inFinal)

	// Hold next: the final vote replaces the tentative one, never joins it.
	rooms[voter].HoldPlayer(spy)
	final := waitRecorded(func(p protocol.VoteRecordedPayload) bool {
		_, ok := protocol.LookupByName(p.Votes, voter)
		return ok
	})
	_, stillTentative := protocol.LookupByName(final.TentativeVotes, voter)
	assert.False(t, stillTentative, "final vote left the tentative one behind")
	for name := range final.Votes {
		_, dup := protocol.LookupByName(final.TentativeVotes, name)
		assert.False(t, dup, "voter %s appears in both maps", name)
	}
}

func TestSpyGuessEndsRound(t *testing.T) {
	url := startServer(t)
	ctx := context.Background()

	alice := newPlayer(t, url)
	codeCh := watchRoomCode(t, alice)
	require.NoError(t, alice.CreateRoom(ctx, "Alice", 5))
	code := recvString(t, codeCh)

	bob := newPlayer(t, url)
	carol := newPlayer(t, url)
	require.NoError(t, bob.JoinRoom(ctx, code, "Bob"))
	require.NoError(t, carol.JoinRoom(ctx, code, "Carol"))

	managers := map[string]*session.Manager{"Alice": alice, "Bob": bob, "Carol": carol}
	rooms := make(map[string]*game.Room, len(managers))
	for name, m := range managers {
		r := game.NewRoom(m, game.RoomConfig{Code: code, PlayerName: name, IsHost: name == "Alice"})
		r.Attach()
		t.Cleanup(r.Close)
		rooms[name] = r
	}
	eventually(t, func() bool {
		for _, r := range rooms {
			if len(r.Players()) != 3 {
				return false
			}
		}
		return true
	}, "roster incomplete")

	rooms["Alice"].StartNewRound()
	eventually(t, func() bool {
		for _, r := range rooms {
			if r.Phase() != game.PhaseActive {
				return false
			}
		}
		return true
	}, "round did not start")

	var spyRoom *game.Room
	var residentRoom *game.Room
	for _, r := range rooms {
		if r.IsSpy() {
			spyRoom = r
		} else {
			residentRoom = r
		}
	}
	require.NotNil(t, spyRoom)
	require.NotNil(t, residentRoom)

	// The spy guesses the real location, which residents know.
	spyRoom.GuessLocation(residentRoom.AssignedLocation())

	eventually(t, func() bool {
		_, resolved := spyRoom.Outcome()
		return resolved
	}, "guess did not resolve the round")

	outcome, _ := spyRoom.Outcome()
	assert.Equal(t, game.SpyEscaped, outcome.Kind)
	assert.Equal(t, game.ReasonGuessCorrect, outcome.Reason)
	assert.NotEmpty(t, outcome.RevealedLocation)
}
