package answers

import (
	"encoding/json"
	"fmt"
	"time"

	"classhub/pkg/types"
)

// True/false: explicitly graded like the test kind, but grading only
// counts statements the student actually answered.

type trueFalseDefinition struct {
	Statements []trueFalseStatement `json:"statements"`
}

type trueFalseStatement struct {
	Text   string `json:"text"`
	Answer bool   `json:"answer"`
}

type trueFalseState struct {
	Items []trueFalseItem `json:"items"`
}

type trueFalseItem struct {
	Value   *bool `json:"value"`
	Correct *bool `json:"is_correct"`
}

type trueFalseSubmission struct {
	Answers []trueFalseSelection `json:"answers"`
}

type trueFalseSelection struct {
	StatementIndex int   `json:"statement_index"`
	Value          *bool `json:"value"`
}

type trueFalseGrader struct{}

func (trueFalseGrader) Submit(def, prior, submission []byte) (*gradeResult, error) {
	var definition trueFalseDefinition
	if err := json.Unmarshal(def, &definition); err != nil {
		return nil, fmt.Errorf("invalid truefalse definition: %w", err)
	}

	state, err := loadTrueFalseState(prior, len(definition.Statements))
	if err != nil {
		return nil, err
	}

	var sub trueFalseSubmission
	if err := json.Unmarshal(submission, &sub); err != nil {
		return nil, types.ValidationError("malformed truefalse submission: %v", err)
	}

	for _, selection := range sub.Answers {
		if selection.StatementIndex < 0 || selection.StatementIndex >= len(state.Items) {
			continue
		}
		item := &state.Items[selection.StatementIndex]
		item.Value = selection.Value
		item.Correct = nil
	}

	payload, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	return &gradeResult{
		payload:       payload,
		totalExpected: len(definition.Statements),
	}, nil
}

// Check grades answered statements only; a statement left blank gets no
// correctness flag and counts toward neither total.
func (trueFalseGrader) Check(def, prior []byte) (*gradeResult, error) {
	var definition trueFalseDefinition
	if err := json.Unmarshal(def, &definition); err != nil {
		return nil, fmt.Errorf("invalid truefalse definition: %w", err)
	}

	state, err := loadTrueFalseState(prior, len(definition.Statements))
	if err != nil {
		return nil, err
	}

	result := &gradeResult{graded: true, totalExpected: len(definition.Statements)}
	for i := range state.Items {
		item := &state.Items[i]
		if item.Value == nil {
			item.Correct = nil
			continue
		}
		correct := *item.Value == definition.Statements[i].Answer
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

func (trueFalseGrader) View(payload []byte, now time.Time) ([]byte, error) {
	return passthroughView(payload, now)
}

func loadTrueFalseState(prior []byte, statements int) (*trueFalseState, error) {
	state := &trueFalseState{}
	if len(prior) > 0 {
		if err := json.Unmarshal(prior, state); err != nil {
			return nil, fmt.Errorf("corrupt truefalse answer payload: %w", err)
		}
	}
	for len(state.Items) < statements {
		state.Items = append(state.Items, trueFalseItem{})
	}
	return state, nil
}
