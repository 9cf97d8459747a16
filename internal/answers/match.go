package answers

import (
	"encoding/json"
	"fmt"
	"time"

	"classhub/pkg/types"
)

// matchHighlightWindow is how long a wrong pairing stays highlighted in
// reads before it is suppressed.
const matchHighlightWindow = 1200 * time.Millisecond

// Match-the-pairs: graded immediately on submission, one pairing at a
// time. The latest pairing is kept as a short-lived highlight hint so
// clients can flash an incorrect match; the hint expires at read time.

type matchDefinition struct {
	Pairs map[string]string `json:"pairs"`
}

type matchState struct {
	Pairs    map[string]matchPair `json:"pairs"`
	LastPair *lastPair            `json:"last_pair,omitempty"`
}

type matchPair struct {
	Right   string `json:"right_card"`
	Correct *bool  `json:"is_correct"`
}

type lastPair struct {
	Left    string    `json:"left_card"`
	Right   string    `json:"right_card"`
	Correct bool      `json:"is_correct"`
	At      time.Time `json:"at"`
}

type matchSubmission struct {
	Left  string `json:"left_card"`
	Right string `json:"right_card"`
}

type matchGrader struct {
	now func() time.Time
}

func (g matchGrader) Submit(def, prior, submission []byte) (*gradeResult, error) {
	var definition matchDefinition
	if err := json.Unmarshal(def, &definition); err != nil {
		return nil, fmt.Errorf("invalid match definition: %w", err)
	}

	state := &matchState{Pairs: make(map[string]matchPair)}
	if len(prior) > 0 {
		if err := json.Unmarshal(prior, state); err != nil {
			return nil, fmt.Errorf("corrupt match answer payload: %w", err)
		}
		if state.Pairs == nil {
			state.Pairs = make(map[string]matchPair)
		}
	}

	var sub matchSubmission
	if err := json.Unmarshal(submission, &sub); err != nil {
		return nil, types.ValidationError("malformed match submission: %v", err)
	}
	if sub.Left == "" {
		return nil, types.ValidationError("match submission is missing left_card")
	}

	expected, known := definition.Pairs[sub.Left]
	if !known {
		// Unknown left card: record the pairing ungraded.
		state.Pairs[sub.Left] = matchPair{Right: sub.Right}
		state.LastPair = nil
	} else {
		correct := sub.Right == expected
		state.Pairs[sub.Left] = matchPair{Right: sub.Right, Correct: &correct}
		state.LastPair = &lastPair{
			Left:    sub.Left,
			Right:   sub.Right,
			Correct: correct,
			At:      g.now(),
		}
	}

	result := &gradeResult{
		graded:        true,
		totalExpected: len(definition.Pairs),
	}
	for _, pair := range state.Pairs {
		if pair.Correct == nil {
			continue
		}
		if *pair.Correct {
			result.correctCount++
		} else {
			result.wrongCount++
		}
	}

	var err error
	result.payload, err = json.Marshal(state)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (matchGrader) Check(def, prior []byte) (*gradeResult, error) {
	return nil, types.ValidationError("match answers are graded on submission")
}

// View strips the highlight hint once it is stale or was correct, so a
// read never resurrects an old wrong-match flash.
func (matchGrader) View(payload []byte, now time.Time) ([]byte, error) {
	if len(payload) == 0 {
		return payload, nil
	}

	state := &matchState{}
	if err := json.Unmarshal(payload, state); err != nil {
		return nil, fmt.Errorf("corrupt match answer payload: %w", err)
	}
	if state.LastPair == nil {
		return payload, nil
	}
	if !state.LastPair.Correct && now.Sub(state.LastPair.At) <= matchHighlightWindow {
		return payload, nil
	}

	state.LastPair = nil
	return json.Marshal(state)
}
