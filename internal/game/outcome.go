package game

import "github.com/bluffco/blufflocation/internal/protocol"

// OutcomeKind is who won the round.
type OutcomeKind string

const (
	SpyEscaped   OutcomeKind = "spy_escaped"
	ResidentsWin OutcomeKind = "residents_win"
)

// OutcomeReason explains how the round resolved.
type OutcomeReason string

const (
	ReasonNoConsensus     OutcomeReason = "no_consensus"     // final vote tied
	ReasonNobodyVoted     OutcomeReason = "nobody_voted"     // empty tally
	ReasonWrongAccusation OutcomeReason = "wrong_accusation" // consensus on a resident
	ReasonSpyCaught       OutcomeReason = "spy_caught"       // consensus on the spy
	ReasonGuessCorrect    OutcomeReason = "guess_correct"    // spy guessed the location
	ReasonGuessWrong      OutcomeReason = "guess_wrong"
	ReasonTimeUp          OutcomeReason = "time_up"
	ReasonServerReported  OutcomeReason = "server_reported" // spy unknown locally, trusted the flag
	ReasonRoundEnded      OutcomeReason = "round_ended"     // explicit end action
)

// Outcome is the resolved result of one round. Set at most once per round and
// immutable until the next round starts.
type Outcome struct {
	Kind             OutcomeKind
	Reason           OutcomeReason
	SpyName          string
	RevealedLocation string
}

// SpyWon reports whether the spy escaped.
func (o Outcome) SpyWon() bool { return o.Kind == SpyEscaped }

func outcomeKind(spyWon bool) OutcomeKind {
	if spyWon {
		return SpyEscaped
	}
	return ResidentsWin
}

// resolveVote recomputes the round result from primitives the client trusts.
// Some servers report spy_won incorrectly whenever a tally exists, so the flag
// is only honored when the spy identity is entirely unknown locally.
//
// Policy, in priority order: a tied final vote means the spy escaped with no
// consensus; an empty tally means nobody voted and the spy escaped; otherwise
// residents win only when the accused name matches the spy exactly
// (canonical comparison).
func resolveVote(spyName string, results protocol.VoteResultsPayload) (spyWon bool, reason OutcomeReason) {
	switch {
	case results.TieBreaker:
		return true, ReasonNoConsensus
	case len(results.Tally) == 0:
		return true, ReasonNobodyVoted
	case spyName == "":
		return results.SpyWon, ReasonServerReported
	case !protocol.SameName(results.VotedSpy, spyName):
		return true, ReasonWrongAccusation
	default:
		return false, ReasonSpyCaught
	}
}
