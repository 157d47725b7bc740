package calls

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("calls: not found")
	ErrInvalidArgument = errors.New("calls: invalid argument")
)

// Repository stores call history. List returns calls started in [from, to),
// newest first.
type Repository interface {
	Create(ctx context.Context, c Call) error
	Update(ctx context.Context, c Call) error
	List(ctx context.Context, from, to time.Time) ([]Call, error)
}
