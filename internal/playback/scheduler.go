package playback

import (
	"sync"
)

// Scheduler queues decoded downlink buffers on a single gapless timeline.
// Each buffer starts at max(nextStart, now): back-to-back chunks play
// without gaps, and after a silent stretch the timeline snaps forward to
// the present instead of trying to catch up.
type Scheduler struct {
	clock Clock
	sink  Sink

	mu        sync.Mutex
	nextStart float64
	nextID    uint64
	active    map[uint64]Source
}

func NewScheduler(clock Clock, sink Sink) *Scheduler {
	return &Scheduler{
		clock:  clock,
		sink:   sink,
		active: make(map[uint64]Source),
	}
}

// Schedule enqueues buf and returns the device time it will start at.
func (s *Scheduler) Schedule(buf Buffer) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	startAt := s.nextStart
	if now := s.clock.Now(); now > startAt {
		startAt = now
	}

	id := s.nextID
	s.nextID++
	src, err := s.sink.Play(buf, startAt, func() { s.release(id) })
	if err != nil {
		return 0, err
	}
	s.active[id] = src
	s.nextStart = startAt + buf.Duration()
	return startAt, nil
}

func (s *Scheduler) release(id uint64) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
}

// Interrupt stops every pending and playing buffer and rewinds the
// timeline, so the next scheduled buffer starts immediately. Called on
// barge-in and on teardown; safe to call with nothing playing.
func (s *Scheduler) Interrupt() error {
	s.mu.Lock()
	stopped := make([]Source, 0, len(s.active))
	for id, src := range s.active {
		stopped = append(stopped, src)
		delete(s.active, id)
	}
	s.nextStart = 0
	s.mu.Unlock()

	for _, src := range stopped {
		src.Stop()
	}
	return s.sink.Reset()
}

// Playing reports whether any scheduled buffer has not yet finished.
func (s *Scheduler) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active) > 0
}

// NextStart returns the device time the next buffer would be appended at.
func (s *Scheduler) NextStart() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStart
}
