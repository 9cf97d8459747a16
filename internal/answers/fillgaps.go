package answers

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"classhub/pkg/types"
)

// Fill-the-gaps: graded immediately on submission. Each gap key has the
// form "gap-N" where N indexes into the definition's answer list. A gap
// resubmitted with an unchanged value keeps its existing verdict.

type fillGapsDefinition struct {
	Answers []string `json:"answers"`
}

type fillGapsState struct {
	Gaps map[string]gapEntry `json:"gaps"`
}

type gapEntry struct {
	Value   string `json:"value"`
	Correct *bool  `json:"is_correct"`
}

type fillGapsSubmission struct {
	Gaps map[string]string `json:"gaps"`
}

type fillGapsGrader struct{}

func (fillGapsGrader) Submit(def, prior, submission []byte) (*gradeResult, error) {
	var definition fillGapsDefinition
	if err := json.Unmarshal(def, &definition); err != nil {
		return nil, fmt.Errorf("invalid fillgaps definition: %w", err)
	}

	state := &fillGapsState{Gaps: make(map[string]gapEntry)}
	if len(prior) > 0 {
		if err := json.Unmarshal(prior, state); err != nil {
			return nil, fmt.Errorf("corrupt fillgaps answer payload: %w", err)
		}
		if state.Gaps == nil {
			state.Gaps = make(map[string]gapEntry)
		}
	}

	var sub fillGapsSubmission
	if err := json.Unmarshal(submission, &sub); err != nil {
		return nil, types.ValidationError("malformed fillgaps submission: %v", err)
	}

	for gapKey, value := range sub.Gaps {
		if existing, ok := state.Gaps[gapKey]; ok && existing.Value == value {
			// Unchanged value, keep the earlier verdict.
			continue
		}

		expected, ok := gapAnswer(definition, gapKey)
		if !ok {
			// Unknown gap key: store the value ungraded rather than
			// failing the whole submission.
			state.Gaps[gapKey] = gapEntry{Value: value}
			continue
		}

		correct := Normalize(value) == Normalize(expected)
		state.Gaps[gapKey] = gapEntry{Value: value, Correct: &correct}
	}

	result := &gradeResult{
		graded:        true,
		totalExpected: len(definition.Answers),
	}
	for _, entry := range state.Gaps {
		if entry.Correct == nil {
			continue
		}
		if *entry.Correct {
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

func (fillGapsGrader) Check(def, prior []byte) (*gradeResult, error) {
	return nil, types.ValidationError("fillgaps answers are graded on submission")
}

func (fillGapsGrader) View(payload []byte, now time.Time) ([]byte, error) {
	return passthroughView(payload, now)
}

func gapAnswer(definition fillGapsDefinition, gapKey string) (string, bool) {
	rawIndex, ok := strings.CutPrefix(gapKey, "gap-")
	if !ok {
		return "", false
	}
	index, err := strconv.Atoi(rawIndex)
	if err != nil || index < 0 || index >= len(definition.Answers) {
		return "", false
	}
	return definition.Answers[index], true
}
