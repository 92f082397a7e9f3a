package verify

import (
	"fmt"
	"sync"
	"time"
)

// Vote is one verifier's submission in a consensus round.
type Vote struct {
	VoterNodeID string    `json:"voter_node_id"`
	ResultHash  string    `json:"result_hash"`
	Confidence  float64   `json:"confidence"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// RoundResult is the evaluation of a completed round.
type RoundResult struct {
	TaskID            string   `json:"task_id"`
	Agreed            bool     `json:"agreed"`
	MajorityHash      string   `json:"majority_hash,omitempty"`
	MajorityCount     int      `json:"majority_count"`
	AgreementRatio    float64  `json:"agreement_ratio"`
	DissentingNodeIDs []string `json:"dissenting_node_ids,omitempty"`
}

// Round collects votes from distinct verifiers on a single task's result
// hash. Rounds are ephemeral: they are not persisted across restart.
type Round struct {
	TaskID            string
	RequiredVoters    int
	RequiredAgreement float64
	Votes             []Vote
	Result            *RoundResult // nil until evaluated
	CreatedAt         time.Time
}

// ConsensusVerifier manages rounds keyed by task_id.
type ConsensusVerifier struct {
	mu     sync.Mutex
	rounds map[string]*Round
}

// NewConsensusVerifier returns an empty verifier.
func NewConsensusVerifier() *ConsensusVerifier {
	return &ConsensusVerifier{rounds: make(map[string]*Round)}
}

// CreateRound opens a round for the task. Re-creating an open round is
// an error; a finished round may be replaced.
func (cv *ConsensusVerifier) CreateRound(taskID string, requiredVoters int, requiredAgreement float64) error {
	if requiredVoters < 1 {
		return fmt.Errorf("consensus: required voters must be >= 1, got %d", requiredVoters)
	}
	if requiredAgreement <= 0 || requiredAgreement > 1 {
		return fmt.Errorf("consensus: required agreement must be in (0,1], got %.2f", requiredAgreement)
	}

	cv.mu.Lock()
	defer cv.mu.Unlock()

	if round, exists := cv.rounds[taskID]; exists && round.Result == nil {
		return fmt.Errorf("consensus: round for task %s is still open", taskID)
	}
	cv.rounds[taskID] = &Round{
		TaskID:            taskID,
		RequiredVoters:    requiredVoters,
		RequiredAgreement: requiredAgreement,
		CreatedAt:         time.Now(),
	}
	return nil
}

// SubmitVerification records a vote. A duplicate vote from the same
// voter replaces the prior one. When the vote count reaches the required
// voters the round auto-evaluates and the result is returned; before
// that the result is nil.
func (cv *ConsensusVerifier) SubmitVerification(taskID, voterNodeID, resultHash string, confidence float64) (*RoundResult, error) {
	cv.mu.Lock()
	defer cv.mu.Unlock()

	round, exists := cv.rounds[taskID]
	if !exists {
		return nil, fmt.Errorf("consensus: no round for task %s", taskID)
	}
	if round.Result != nil {
		return nil, fmt.Errorf("consensus: round for task %s already evaluated", taskID)
	}

	vote := Vote{
		VoterNodeID: voterNodeID,
		ResultHash:  resultHash,
		Confidence:  confidence,
		SubmittedAt: time.Now(),
	}
	replaced := false
	for i := range round.Votes {
		if round.Votes[i].VoterNodeID == voterNodeID {
			round.Votes[i] = vote
			replaced = true
			break
		}
	}
	if !replaced {
		round.Votes = append(round.Votes, vote)
	}

	if len(round.Votes) >= round.RequiredVoters {
		round.Result = evaluate(round)
		return round.Result, nil
	}
	return nil, nil
}

// GetRound returns the round for a task, if any.
func (cv *ConsensusVerifier) GetRound(taskID string) (*Round, bool) {
	cv.mu.Lock()
	defer cv.mu.Unlock()

	round, ok := cv.rounds[taskID]
	if !ok {
		return nil, false
	}
	copied := *round
	copied.Votes = append([]Vote(nil), round.Votes...)
	if round.Result != nil {
		result := *round.Result
		copied.Result = &result
	}
	return &copied, true
}

// evaluate finds the plurality hash; the round agrees when that hash
// carries at least the required share of votes.
func evaluate(round *Round) *RoundResult {
	counts := make(map[string]int)
	for _, v := range round.Votes {
		counts[v.ResultHash]++
	}

	var majorityHash string
	majorityCount := 0
	for hash, count := range counts {
		if count > majorityCount {
			majorityHash = hash
			majorityCount = count
		}
	}

	ratio := float64(majorityCount) / float64(len(round.Votes))
	var dissenting []string
	for _, v := range round.Votes {
		if v.ResultHash != majorityHash {
			dissenting = append(dissenting, v.VoterNodeID)
		}
	}

	return &RoundResult{
		TaskID:            round.TaskID,
		Agreed:            ratio >= round.RequiredAgreement,
		MajorityHash:      majorityHash,
		MajorityCount:     majorityCount,
		AgreementRatio:    ratio,
		DissentingNodeIDs: dissenting,
	}
}
