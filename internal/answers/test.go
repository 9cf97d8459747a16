package answers

import (
	"encoding/json"
	"fmt"
	"time"

	"classhub/pkg/types"
)

// Multiple-choice test: explicitly graded. Submissions merge selections
// by question index, leaving other questions untouched; correctness is
// computed only by the mark-as-checked step.

type testDefinition struct {
	Questions []testQuestion `json:"questions"`
}

type testQuestion struct {
	Text          string   `json:"text"`
	Options       []string `json:"options"`
	CorrectOption int      `json:"correct_option"`
}

// testState is the stored payload: one item per question, index-aligned
// with the definition.
type testState struct {
	Items []choiceItem `json:"items"`
}

type choiceItem struct {
	Selected *int  `json:"selected_option"`
	Correct  *bool `json:"is_correct"`
}

type testSubmission struct {
	Answers []testSelection `json:"answers"`
}

type testSelection struct {
	QuestionIndex  int  `json:"question_index"`
	SelectedOption *int `json:"selected_option"`
}

type testGrader struct{}

func (testGrader) Submit(def, prior, submission []byte) (*gradeResult, error) {
	var definition testDefinition
	if err := json.Unmarshal(def, &definition); err != nil {
		return nil, fmt.Errorf("invalid test definition: %w", err)
	}

	state, err := loadTestState(prior, len(definition.Questions))
	if err != nil {
		return nil, err
	}

	var sub testSubmission
	if err := json.Unmarshal(submission, &sub); err != nil {
		return nil, types.ValidationError("malformed test submission: %v", err)
	}

	for _, selection := range sub.Answers {
		if selection.QuestionIndex < 0 || selection.QuestionIndex >= len(state.Items) {
			// Out-of-range sub-item: isolate the failure, keep the rest.
			continue
		}
		item := &state.Items[selection.QuestionIndex]
		item.Selected = selection.SelectedOption
		// Any change to a selection returns it to the ungraded state.
		item.Correct = nil
	}

	payload, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	return &gradeResult{
		payload:       payload,
		totalExpected: len(definition.Questions),
	}, nil
}

// Check grades every question against the definition by index and
// recomputes the counters from scratch. Unanswered questions count as
// wrong for the test kind.
func (testGrader) Check(def, prior []byte) (*gradeResult, error) {
	var definition testDefinition
	if err := json.Unmarshal(def, &definition); err != nil {
		return nil, fmt.Errorf("invalid test definition: %w", err)
	}

	state, err := loadTestState(prior, len(definition.Questions))
	if err != nil {
		return nil, err
	}

	result := &gradeResult{graded: true, totalExpected: len(definition.Questions)}
	for i := range state.Items {
		item := &state.Items[i]
		correct := item.Selected != nil && *item.Selected == definition.Questions[i].CorrectOption
		item.Correct = &correct
		if correct {
			result.correctCount++
		} else {
			result.wrongCount++
		}
	}

	result.payload, err = json.Marshal(state)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (testGrader) View(payload []byte, now time.Time) ([]byte, error) {
	return passthroughView(payload, now)
}

func loadTestState(prior []byte, questions int) (*testState, error) {
	state := &testState{}
	if len(prior) > 0 {
		if err := json.Unmarshal(prior, state); err != nil {
			return nil, fmt.Errorf("corrupt test answer payload: %w", err)
		}
	}
	// Index-align with the definition; a definition edit that adds
	// questions must not truncate existing selections.
	for len(state.Items) < questions {
		state.Items = append(state.Items, choiceItem{})
	}
	return state, nil
}
