package answers

import (
	"time"

	"classhub/pkg/types"
)

// grader implements the kind-specific merge and grading semantics on
// raw JSON payloads. The set of implementations is closed over the
// TaskKind enum; the switch in graderFor is the single dispatch point.
type grader interface {
	// Submit merges a client submission into the prior stored payload
	// (nil when no row exists yet) against the authoritative definition.
	Submit(def, prior, submission []byte) (*gradeResult, error)
	// Check finalizes grading for explicitly graded kinds. Ungated
	// kinds never reach it.
	Check(def, prior []byte) (*gradeResult, error)
	// View prepares the stored payload for a read at time now. Most
	// kinds pass through; match expires its highlight hint here.
	View(payload []byte, now time.Time) ([]byte, error)
}

// gradeResult is the outcome of a merge or grading pass.
type gradeResult struct {
	payload       []byte
	graded        bool
	correctCount  int
	wrongCount    int
	totalExpected int
}

func graderFor(kind types.TaskKind, now func() time.Time) (grader, error) {
	switch kind {
	case types.TaskKindTest:
		return testGrader{}, nil
	case types.TaskKindTrueFalse:
		return trueFalseGrader{}, nil
	case types.TaskKindFillGaps:
		return fillGapsGrader{}, nil
	case types.TaskKindMatch:
		return matchGrader{now: now}, nil
	case types.TaskKindText:
		return textGrader{}, nil
	default:
		return nil, types.ErrUnknownTaskKind
	}
}

// passthroughView is shared by kinds without read-time payload shaping.
func passthroughView(payload []byte, _ time.Time) ([]byte, error) {
	return payload, nil
}
