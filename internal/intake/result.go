package intake

import (
	"time"

	"execbox/internal/sandbox/result"
	appErr "execbox/pkg/errors"
)

// Outcome tells executed jobs apart from jobs refused before any sandbox work.
type Outcome string

const (
	OutcomeExecuted Outcome = "executed"
	OutcomeRejected Outcome = "rejected"
)

// Rejection explains why a job never ran.
type Rejection struct {
	Code   appErr.ErrorCode `json:"code"`
	Reason string           `json:"reason"`
}

// ResultMessage is delivered once per job on the result channel.
type ResultMessage struct {
	ID         string                  `json:"id"`
	Language   string                  `json:"language,omitempty"`
	Outcome    Outcome                 `json:"outcome"`
	Result     *result.ExecutionResult `json:"result,omitempty"`
	Rejection  *Rejection              `json:"rejection,omitempty"`
	FinishedAt int64                   `json:"finished_at"`
}

// Executed wraps an execution result.
func Executed(id, language string, res result.ExecutionResult) ResultMessage {
	return ResultMessage{
		ID:         id,
		Language:   language,
		Outcome:    OutcomeExecuted,
		Result:     &res,
		FinishedAt: time.Now().Unix(),
	}
}

// Rejected builds the rejection for err. Internal causes are not exposed.
func Rejected(id, language string, err error) ResultMessage {
	e := appErr.GetError(err)
	reason := e.Message
	if field, ok := e.Details["field"].(string); ok {
		if why, ok := e.Details["reason"].(string); ok {
			reason = field + " " + why
		}
	}
	if e.Code.HTTPStatus() >= 500 {
		reason = e.Code.Message()
	}
	return ResultMessage{
		ID:         id,
		Language:   language,
		Outcome:    OutcomeRejected,
		Rejection:  &Rejection{Code: e.Code, Reason: reason},
		FinishedAt: time.Now().Unix(),
	}
}
