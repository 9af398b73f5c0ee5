package coordinator

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Option is a choice in a consensus voting round.
type Option string

const (
	OptionApprove Option = "approve"
	OptionReject  Option = "reject"
	OptionAbstain Option = "abstain"
)

// votingOptions is the fixed option set; its order breaks weight ties.
var votingOptions = []Option{OptionApprove, OptionReject, OptionAbstain}

// VotingStatus is the lifecycle state of a voting round.
type VotingStatus string

const (
	VotingOpen    VotingStatus = "open"
	VotingClosed  VotingStatus = "closed"
	VotingExpired VotingStatus = "expired"
)

// Vote is a participant's answer before weighting.
type Vote struct {
	Option     Option  `json:"option"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

// Ballot is a cast vote.
type Ballot struct {
	Participant string    `json:"participant"`
	Vote        Vote      `json:"vote"`
	Weight      float64   `json:"weight"`
	CastAt      time.Time `json:"cast_at"`
}

// VotingResult is the resolved outcome of a round.
type VotingResult struct {
	Winner     Option   `json:"winner"`
	Confidence float64  `json:"confidence"` // winning weight share
	Reached    bool     `json:"reached"`
	Unanimous  bool     `json:"unanimous"`
	Dissenting []string `json:"dissenting,omitempty"`
}

// Voting is one task-scoped consensus round.
type Voting struct {
	ID        string        `json:"id"`
	TaskID    string        `json:"task_id"`
	Question  string        `json:"question"`
	Options   []Option      `json:"options"`
	Ballots   []Ballot      `json:"ballots"`
	Threshold float64       `json:"threshold"`
	Deadline  time.Time     `json:"deadline"`
	Status    VotingStatus  `json:"status"`
	Result    *VotingResult `json:"result,omitempty"`
}

// Voter is implemented by participants that cast their own vote instead of
// the one derived from their score.
type Voter interface {
	Vote(ctx context.Context, question string, result ParticipantResult) (Vote, error)
}

// deriveVote maps a participant score onto an option: above 0.7 approves,
// above 0.4 abstains, anything lower rejects.
func deriveVote(r ParticipantResult) Vote {
	opt := OptionReject
	switch {
	case r.Score > 0.7:
		opt = OptionApprove
	case r.Score > 0.4:
		opt = OptionAbstain
	}
	return Vote{
		Option:     opt,
		Confidence: r.Score,
		Reasoning:  fmt.Sprintf("mean score %.2f", r.Score),
	}
}

// close resolves the round from its ballots. An expired round never reaches
// consensus.
func (v *Voting) close(expired bool) {
	if expired {
		v.Status = VotingExpired
	} else {
		v.Status = VotingClosed
	}
	sort.SliceStable(v.Ballots, func(i, j int) bool { return v.Ballots[i].Participant < v.Ballots[j].Participant })

	weights := make(map[Option]float64)
	var total float64
	for _, b := range v.Ballots {
		weights[b.Vote.Option] += b.Weight
		total += b.Weight
	}
	if total <= 0 {
		v.Result = &VotingResult{}
		return
	}
	winner := votingOptions[0]
	for _, opt := range votingOptions[1:] {
		if weights[opt] > weights[winner] {
			winner = opt
		}
	}
	share := weights[winner] / total
	res := &VotingResult{
		Winner:     winner,
		Confidence: share,
		Reached:    !expired && share+1e-9 >= v.Threshold,
		Unanimous:  share >= 1-1e-9,
	}
	for _, b := range v.Ballots {
		if b.Vote.Option != winner {
			res.Dissenting = append(res.Dissenting, b.Participant)
		}
	}
	v.Result = res
}

func (v Voting) clone() Voting {
	out := v
	out.Options = append([]Option(nil), v.Options...)
	out.Ballots = append([]Ballot(nil), v.Ballots...)
	if v.Result != nil {
		r := *v.Result
		r.Dissenting = append([]string(nil), v.Result.Dissenting...)
		out.Result = &r
	}
	return out
}
