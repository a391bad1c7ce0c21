package game

import (
	"sort"
	"strings"

	"github.com/bluffco/blufflocation/internal/protocol"
)

// ScoreRow accumulates one player's results across rounds within one room.
// Rows live for the app session only; they are never persisted.
type ScoreRow struct {
	DisplayName  string
	SpyWins      int
	ResidentWins int
	CorrectVotes int
	WrongVotes   int
	TotalGames   int
}

// Score is SpyWins plus CorrectVotes, the ranking used for display.
func (r ScoreRow) Score() int { return r.SpyWins + r.CorrectVotes }

// Scoreboard keys rows by room code plus canonical player name, so the same
// display name in two rooms stays separate and recased names merge.
type Scoreboard struct {
	rows map[string]*ScoreRow
}

// NewScoreboard creates an empty scoreboard.
func NewScoreboard() *Scoreboard {
	return &Scoreboard{rows: make(map[string]*ScoreRow)}
}

func scoreKey(roomCode, canonicalName string) string {
	return roomCode + "_" + canonicalName
}

// ApplyRound increments counters for every player involved in the round.
// Callers guard against duplicate application; this method itself applies
// unconditionally. The player set is built from the roster, the final votes,
// and the spy, so a stale or empty roster at end-of-round still scores
// everyone who participated.
func (s *Scoreboard) ApplyRound(roomCode string, spyWon bool, spyName string, finalVotes map[string]string, roster []string) {
	if spyName == "" || roomCode == "" {
		return
	}
	canonicalSpy := protocol.CanonicalName(spyName)

	display := make(map[string]string)
	add := func(name string) {
		canonical := protocol.CanonicalName(name)
		if canonical == "" {
			return
		}
		if _, ok := display[canonical]; !ok {
			display[canonical] = strings.TrimSpace(name)
		}
	}
	for _, name := range roster {
		add(name)
	}
	for voter := range finalVotes {
		add(voter)
	}
	add(spyName)

	for canonical, name := range display {
		key := scoreKey(roomCode, canonical)
		row, ok := s.rows[key]
		if !ok {
			row = &ScoreRow{}
			s.rows[key] = row
		}
		row.DisplayName = name
		row.TotalGames++

		if canonical == canonicalSpy {
			if spyWon {
				row.SpyWins++
			}
			continue
		}

		if !spyWon {
			row.ResidentWins++
		}
		if target, ok := protocol.LookupByName(finalVotes, canonical); ok && target != "" {
			if protocol.SameName(target, spyName) {
				row.CorrectVotes++
			} else {
				row.WrongVotes++
			}
		}
	}
}

// Row returns the accumulated row for a player in a room.
func (s *Scoreboard) Row(roomCode, playerName string) (ScoreRow, bool) {
	row, ok := s.rows[scoreKey(roomCode, protocol.CanonicalName(playerName))]
	if !ok {
		return ScoreRow{}, false
	}
	return *row, true
}

// Rows returns the room's rows sorted by score, best first.
func (s *Scoreboard) Rows(roomCode string) []ScoreRow {
	prefix := roomCode + "_"
	out := make([]ScoreRow, 0, len(s.rows))
	for key, row := range s.rows {
		if strings.HasPrefix(key, prefix) {
			out = append(out, *row)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score() != out[j].Score() {
			return out[i].Score() > out[j].Score()
		}
		return out[i].DisplayName < out[j].DisplayName
	})
	return out
}
