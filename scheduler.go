package hearth

import (
	"sync"
	"time"

	"github.com/hearth-db/hearth/thyme"
)

// Scheduler drives recurring background work from a single ticker. It
// detects local-hour boundaries in the store's fixed offset calendar
// and dispatches the registered hourly callbacks once per boundary.
// The once-daily maintenance (forced flush, purge, journal rotation)
// is just an hourly callback that checks the hour.
type Scheduler struct {
	tick time.Duration
	now  func() *thyme.Time

	mu       sync.Mutex
	hourly   []func(hour int)
	prevHour int
	stopCh   chan struct{}
	doneCh   chan struct{}
	started  bool
	stopped  bool
}

// NewScheduler creates a scheduler ticking at the given interval,
// conventionally one minute.
func NewScheduler(tick time.Duration) *Scheduler {
	return &Scheduler{
		tick:     tick,
		now:      thyme.Now,
		prevHour: -1,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// OnHour registers a callback invoked with the new hour each time a
// local-hour boundary is crossed.
func (s *Scheduler) OnHour(fn func(hour int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hourly = append(s.hourly, fn)
}

// Start launches the ticker loop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	go s.loop()
}

// Stop cancels the ticker and waits for the loop to exit. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped || !s.started {
		s.stopped = true
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	close(s.stopCh)
	<-s.doneCh
}

func (s *Scheduler) loop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tickOnce(s.now())
		}
	}
}

// tickOnce runs one poll of the hour detector. Split out so tests can
// drive boundary detection deterministically.
func (s *Scheduler) tickOnce(tm *thyme.Time) {
	s.mu.Lock()
	if tm.Hour == s.prevHour {
		s.mu.Unlock()
		return
	}
	s.prevHour = tm.Hour
	fns := make([]func(int), len(s.hourly))
	copy(fns, s.hourly)
	s.mu.Unlock()

	// Dispatch outside the lock: callbacks flush the store and touch
	// the journal.
	for _, fn := range fns {
		fn(tm.Hour)
	}
}
