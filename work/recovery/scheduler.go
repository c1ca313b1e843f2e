package recovery

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"emeltv-player/work/logger"
	"emeltv-player/work/metrics"
)

// Scheduler runs fire after a delay, with at most one timer pending. Retries
// are never capped and the delay never grows.
type Scheduler struct {
	clock clock.Clock
	fire  func(gen uint64)

	mu         sync.Mutex
	timer      *clock.Timer
	generation uint64
	scheduled  uint64
}

// New creates a scheduler calling fire with the retry's generation on each
// expiry. fire runs on the timer goroutine and should only hand off work.
func New(clk clock.Clock, fire func(gen uint64)) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	return &Scheduler{clock: clk, fire: fire}
}

// ScheduleRetry arms the timer. It returns false, and changes nothing, when a
// retry is already pending.
func (s *Scheduler) ScheduleRetry(delay time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		logger.Debug("{recovery - ScheduleRetry} Retry already pending, ignoring")
		return false
	}

	s.generation++
	gen := s.generation
	s.scheduled++
	s.timer = s.clock.AfterFunc(delay, func() { s.expire(gen) })

	metrics.RetriesScheduled.Inc()
	logger.Info("{recovery - ScheduleRetry} Retrying in %s...", delay)
	return true
}

func (s *Scheduler) expire(gen uint64) {
	s.mu.Lock()
	if gen != s.generation || s.timer == nil {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.mu.Unlock()

	s.fire(gen)
}

// Cancel drops a pending retry and invalidates any retry that already fired
// but has not been handled yet. It reports whether a timer was pending.
func (s *Scheduler) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.generation++
	if s.timer == nil {
		return false
	}
	s.timer.Stop()
	s.timer = nil
	logger.Debug("{recovery - Cancel} Pending retry cancelled")
	return true
}

// Current reports whether gen is the most recent retry to fire, with no
// Cancel or ScheduleRetry since.
func (s *Scheduler) Current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.generation && s.timer == nil
}

// Pending reports whether a retry is armed.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// Scheduled returns how many retries have been armed in total.
func (s *Scheduler) Scheduled() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduled
}
