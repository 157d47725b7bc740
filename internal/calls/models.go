package calls

import "time"

// Call is the history record of one call attempt placed by the softphone.
//
// A row is created when the session is stored (dialing) and updated once
// when it ends. DurationSeconds counts from answer (media ready) to end.
type Call struct {
	CallID      string `json:"call_id" db:"call_id"`
	SessionID   string `json:"session_id" db:"session_id"`
	Destination string `json:"destination" db:"destination"`

	Status CallStatus `json:"status" db:"status"`

	StartedAt  time.Time  `json:"started_at" db:"started_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty" db:"answered_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty" db:"ended_at"`

	DurationSeconds int `json:"duration" db:"duration"`

	FailureReason string `json:"failure_reason,omitempty" db:"failure_reason"`
}

type CallStatus string

const (
	CallStatusDialing    CallStatus = "dialing"
	CallStatusInProgress CallStatus = "in_progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusFailed     CallStatus = "failed"
	CallStatusNoAnswer   CallStatus = "no_answer"
	CallStatusCanceled   CallStatus = "canceled"
)

// Terminal reports whether no further transition is expected.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallStatusCompleted, CallStatusFailed, CallStatusNoAnswer, CallStatusCanceled:
		return true
	default:
		return false
	}
}

// Finish stamps the end of the call. Duration only accrues when it was answered.
func (c *Call) Finish(status CallStatus, reason string, at time.Time) {
	c.Status = status
	c.FailureReason = reason
	end := at
	c.EndedAt = &end
	if c.AnsweredAt != nil && at.After(*c.AnsweredAt) {
		c.DurationSeconds = int(at.Sub(*c.AnsweredAt).Seconds())
	}
}
