package eventlog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for log entries.
// It is append-only; no Update/Delete methods are provided.
type Repository interface {
	Append(ctx context.Context, e Entry) error
	List(ctx context.Context) ([]Entry, error)
}

// Service is the sink the agent traces into.
//
// Record never fails and never blocks on the caller: repository errors are
// logged and dropped, the entry is still delivered to watchers.
type Service struct {
	repo  Repository
	log   *slog.Logger
	clock func() time.Time

	mu       sync.Mutex
	last     time.Time
	nextID   int
	watchers map[int]func(Entry)
}

func NewService(repo Repository, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		repo:     repo,
		log:      log.With("subsystem", "eventlog"),
		clock:    time.Now,
		watchers: map[int]func(Entry){},
	}
}

// Record appends one entry stamped with a fresh id and the current UTC time.
func (s *Service) Record(level, category, label, content string) {
	s.mu.Lock()
	now := s.clock().UTC()
	if now.Before(s.last) {
		now = s.last
	}
	s.last = now
	e := Entry{
		ID:        uuid.NewString(),
		Timestamp: now,
		Level:     Level(level),
		Category:  category,
		Label:     label,
		Content:   content,
	}
	if s.repo != nil {
		if err := s.repo.Append(context.Background(), e); err != nil {
			s.log.Warn("log entry append failed", "err", err, "category", category)
		}
	}
	watchers := make([]func(Entry), 0, len(s.watchers))
	for _, fn := range s.watchers {
		watchers = append(watchers, fn)
	}
	s.mu.Unlock()

	for _, fn := range watchers {
		fn(e)
	}
}

// Entries returns a copy of the log in append order.
func (s *Service) Entries(ctx context.Context) ([]Entry, error) {
	if s.repo == nil {
		return nil, nil
	}
	return s.repo.List(ctx)
}

// Watch registers fn to be called after every append. The returned func
// removes it. fn runs on the recording goroutine and must not block.
func (s *Service) Watch(fn func(Entry)) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, id)
			s.mu.Unlock()
		})
	}
}
