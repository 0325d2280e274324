// Package heartbeat periodically logs a one-line health summary of the
// running server on a cron schedule.
package heartbeat

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/dotsetgreg/dotchat/pkg/logger"
)

const DefaultSchedule = "*/5 * * * *"

// StatsFunc reports the current counters of one component.
type StatsFunc func() map[string]interface{}

type Service struct {
	schedule string
	sources  map[string]StatsFunc
	now      func() time.Time
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex
}

func NewService(schedule string) (*Service, error) {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if !gronx.New().IsValid(schedule) {
		return nil, fmt.Errorf("heartbeat: invalid cron expression %q", schedule)
	}
	return &Service{
		schedule: schedule,
		sources:  make(map[string]StatsFunc),
		now:      time.Now,
	}, nil
}

// AddSource registers a component whose stats are included in every beat.
func (s *Service) AddSource(name string, fn StatsFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[name] = fn
}

func (s *Service) Schedule() string {
	return s.schedule
}

// Next returns the first tick strictly after t.
func (s *Service) Next(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(s.schedule, t, false)
}

// Beat collects all sources, logs them and returns the flattened fields.
func (s *Service) Beat() map[string]interface{} {
	s.mu.Lock()
	names := make([]string, 0, len(s.sources))
	for name := range s.sources {
		names = append(names, name)
	}
	sources := make(map[string]StatsFunc, len(s.sources))
	for name, fn := range s.sources {
		sources[name] = fn
	}
	s.mu.Unlock()
	sort.Strings(names)

	fields := make(map[string]interface{})
	for _, name := range names {
		for key, value := range sources[name]() {
			fields[name+"."+key] = value
		}
	}

	logger.InfoCF("heartbeat", "Heartbeat", fields)
	return fields
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return fmt.Errorf("heartbeat: already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx, s.done)

	logger.InfoCF("heartbeat", "Heartbeat started", map[string]interface{}{
		"schedule": s.schedule,
	})
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Service) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		next, err := s.Next(s.now())
		if err != nil {
			logger.ErrorCF("heartbeat", "Cannot compute next tick", map[string]interface{}{
				"schedule": s.schedule,
				"error":    err.Error(),
			})
			return
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.Beat()
		}
	}
}
