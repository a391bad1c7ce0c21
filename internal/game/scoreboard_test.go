package game

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScoreboardResidentsWin(t *testing.T) {
	board := NewScoreboard()
	roster := []string{"Alex", "Sam", "Jo"}
	votes := map[string]string{"Sam": "Alex", "Jo": "Alex"}

	board.ApplyRound("abc123", false, "Alex", votes, roster)

	spy, ok := board.Row("abc123", "Alex")
	require.True(t, ok)
	assert.Equal(t, 0, spy.SpyWins)
	assert.Equal(t, 0, spy.ResidentWins)
	assert.Equal(t, 1, spy.TotalGames)

	sam, ok := board.Row("abc123", "Sam")
	require.True(t, ok)
	assert.Equal(t, 1, sam.ResidentWins)
	assert.Equal(t, 1, sam.CorrectVotes)
	assert.Equal(t, 0, sam.WrongVotes)
	assert.Equal(t, 1, sam.TotalGames)
}

func TestScoreboardSpyWins(t *testing.T) {
	board := NewScoreboard()
	roster := []string{"Alex", "Sam", "Jo"}
	votes := map[string]string{"Sam": "Jo"}

	board.ApplyRound("abc123", true, "Alex", votes, roster)

	spy, ok := board.Row("abc123", "Alex")
	require.True(t, ok)
	assert.Equal(t, 1, spy.SpyWins)

	sam, ok := board.Row("abc123", "Sam")
	require.True(t, ok)
	assert.Equal(t, 0, sam.ResidentWins)
	assert.Equal(t, 0, sam.CorrectVotes)
	assert.Equal(t, 1, sam.WrongVotes)

	jo, ok := board.Row("abc123", "Jo")
	require.True(t, ok)
	assert.Equal(t, 0, jo.CorrectVotes)
	assert.Equal(t, 0, jo.WrongVotes)
	assert.Equal(t, 1, jo.TotalGames)
}

func TestScoreboardMergesRecasedNames(t *testing.T) {
	board := NewScoreboard()
	board.ApplyRound("abc123", false, "Alex", map[string]string{" SAM ": "alex"}, []string{"sam", "Alex"})

	row, ok := board.Row("abc123", "Sam")
	require.True(t, ok)
	assert.Equal(t, 1, row.TotalGames)
	assert.Equal(t, 1, row.CorrectVotes)
}

func TestScoreboardScoresVotersMissingFromRoster(t *testing.T) {
	board := NewScoreboard()
	// Stale roster at end of round: the voter still gets credit.
	board.ApplyRound("abc123", false, "Alex", map[string]string{"Sam": "Alex"}, nil)

	row, ok := board.Row("abc123", "Sam")
	require.True(t, ok)
	assert.Equal(t, 1, row.CorrectVotes)
}

func TestScoreboardRoomsAreIndependent(t *testing.T) {
	board := NewScoreboard()
	board.ApplyRound("abc123", true, "Alex", nil, []string{"Alex", "Sam"})
	board.ApplyRound("zzz999", false, "Alex", map[string]string{"Sam": "Alex"}, []string{"Alex", "Sam"})

	first, ok := board.Row("abc123", "Alex")
	require.True(t, ok)
	assert.Equal(t, 1, first.SpyWins)
	assert.Equal(t, 1, first.TotalGames)

	second, ok := board.Row("zzz999", "Alex")
	require.True(t, ok)
	assert.Equal(t, 0, second.SpyWins)
	assert.Equal(t, 1, second.TotalGames)

	assert.Len(t, board.Rows("abc123"), 2)
	assert.Len(t, board.Rows("zzz999"), 2)
}

func TestScoreboardRowsSortedByScore(t *testing.T) {
	board := NewScoreboard()
	board.ApplyRound("abc123", false, "Alex", map[string]string{"Sam": "Alex", "Jo": "Sam"}, []string{"Alex", "Sam", "Jo"})

	rows := board.Rows("abc123")
	require.Len(t, rows, 3)
	assert.Equal(t, "Sam", rows[0].DisplayName)
	assert.Equal(t, 1, rows[0].Score())
}

func TestScoreboardIgnoresUnknownSpy(t *testing.T) {
	board := NewScoreboard()
	board.ApplyRound("abc123", true, "", map[string]string{"Sam": "Alex"}, []string{"Alex", "Sam"})
	assert.Empty(t, board.Rows("abc123"))
}
