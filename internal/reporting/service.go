package reporting

import (
	"context"
	"errors"
	"fmt"

	"softphone-console/internal/calls"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Service aggregates call history.
type Service struct {
	repo calls.Repository
}

func NewService(repo calls.Repository) *Service { return &Service{repo: repo} }

func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return CallsSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return CallsSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.List(ctx, req.Range.From, req.Range.To)
	if err != nil {
		return CallsSummary{}, fmt.Errorf("reporting: list calls: %w", err)
	}

	out := CallsSummary{Range: req.Range, Destination: req.Destination}
	for _, c := range rows {
		if req.Destination != "" && c.Destination != req.Destination {
			continue
		}
		out.TotalCalls++
		out.TotalDurationSeconds += c.DurationSeconds
		if c.AnsweredAt != nil {
			out.AnsweredCalls++
		}
		switch c.Status {
		case calls.CallStatusCompleted:
			out.CompletedCalls++
		case calls.CallStatusFailed:
			out.FailedCalls++
			out.countReason(c.FailureReason)
		case calls.CallStatusNoAnswer:
			out.NoAnswerCalls++
			out.countReason(c.FailureReason)
		case calls.CallStatusCanceled:
			out.CanceledCalls++
		case calls.CallStatusInProgress:
			out.InProgressCalls++
		case calls.CallStatusDialing:
			out.DialingCalls++
		}
	}
	if out.TotalCalls > 0 {
		out.AnswerRate = float64(out.AnsweredCalls) / float64(out.TotalCalls)
	}
	if out.AnsweredCalls > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / out.AnsweredCalls
	}
	return out, nil
}

func (s *CallsSummary) countReason(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if s.FailureReasons == nil {
		s.FailureReasons = map[string]int{}
	}
	s.FailureReasons[reason]++
}
