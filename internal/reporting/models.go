package reporting

import "time"

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

type CallsSummaryRequest struct {
	Range TimeRange `json:"range"`
	// Destination, when set, restricts the summary to one callee.
	Destination string `json:"destination,omitempty"`
}

type CallsSummary struct {
	Range       TimeRange `json:"range"`
	Destination string    `json:"destination,omitempty"`

	TotalCalls      int `json:"total_calls"`
	CompletedCalls  int `json:"completed_calls"`
	FailedCalls     int `json:"failed_calls"`
	NoAnswerCalls   int `json:"no_answer_calls"`
	CanceledCalls   int `json:"canceled_calls"`
	InProgressCalls int `json:"in_progress_calls"`
	DialingCalls    int `json:"dialing_calls"`

	AnsweredCalls int     `json:"answered_calls"`
	AnswerRate    float64 `json:"answer_rate"`

	TotalDurationSeconds   int `json:"total_duration_seconds"`
	AverageDurationSeconds int `json:"average_duration_seconds"`

	// FailureReasons counts failed and unanswered calls by reason.
	FailureReasons map[string]int `json:"failure_reasons,omitempty"`
}
