package coordinator

import (
	"context"
	"fmt"
	"time"
)

// ballotRequest asks one completed participant for its vote.
type ballotRequest struct {
	participant Participant
	result      ParticipantResult
	voter       Voter // nil derives the vote from the score
}

// collectBallots gathers one ballot per request. Derived votes are immediate;
// Voter calls run concurrently and must answer before deadline. A voter that
// errors falls back to the derived vote. expired reports that the deadline
// passed with ballots still outstanding; the ballots cast so far are returned.
func collectBallots(ctx context.Context, question string, reqs []ballotRequest, deadline time.Time, now func() time.Time) (ballots []Ballot, expired bool) {
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	results := make(chan Ballot, len(reqs))
	outstanding := 0
	for _, req := range reqs {
		if req.voter == nil {
			ballots = append(ballots, Ballot{
				Participant: req.participant.Type,
				Vote:        deriveVote(req.result),
				Weight:      req.participant.Weight,
				CastAt:      now(),
			})
			continue
		}
		outstanding++
		go func(req ballotRequest) {
			vote, err := req.voter.Vote(ctx, question, req.result)
			if err != nil {
				vote = deriveVote(req.result)
				vote.Reasoning = fmt.Sprintf("derived after voter error: %v", err)
			}
			results <- Ballot{
				Participant: req.participant.Type,
				Vote:        vote,
				Weight:      req.participant.Weight,
				CastAt:      now(),
			}
		}(req)
	}

	for outstanding > 0 {
		select {
		case b := <-results:
			ballots = append(ballots, b)
			outstanding--
		case <-ctx.Done():
			return ballots, true
		}
	}
	return ballots, false
}
