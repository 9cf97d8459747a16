package answers

import (
	"encoding/json"
	"time"

	"classhub/pkg/types"
)

// Free text: stored verbatim, never graded. Each submission replaces
// the previous one.

type textState struct {
	Text string `json:"text"`
}

type textGrader struct{}

func (textGrader) Submit(def, prior, submission []byte) (*gradeResult, error) {
	var sub textState
	if err := json.Unmarshal(submission, &sub); err != nil {
		return nil, types.ValidationError("malformed text submission: %v", err)
	}

	payload, err := json.Marshal(textState{Text: sub.Text})
	if err != nil {
		return nil, err
	}
	return &gradeResult{payload: payload}, nil
}

func (textGrader) Check(def, prior []byte) (*gradeResult, error) {
	return nil, types.ValidationError("text answers are not graded")
}

func (textGrader) View(payload []byte, now time.Time) ([]byte, error) {
	return passthroughView(payload, now)
}
