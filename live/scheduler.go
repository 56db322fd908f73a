package live

import (
	"fmt"
	"sync"
	"time"

	"github.com/room4-2/revo-live/audio"
)

// Scheduled describes where a buffer landed on the output timeline.
type Scheduled struct {
	ID    uint64
	Start time.Duration
	End   time.Duration
}

// Scheduler places decoded remote audio back to back on a Sink's timeline.
//
// The cursor is the earliest time the next buffer may start. It advances by
// each buffer's duration at schedule time, so chunks that arrive faster than
// they play queue without gaps or overlap. The active set holds every handle
// that has not finished; it is empty exactly when the model is not speaking.
type Scheduler struct {
	mu     sync.Mutex
	sink   Sink
	cursor time.Duration
	nextID uint64
	active map[uint64]Playback
	closed bool

	// onEnded is called from a watcher goroutine after a handle finishes
	// naturally and has been removed from the active set.
	onEnded func(id uint64)
}

// NewScheduler creates a Scheduler on sink. onEnded may be nil.
func NewScheduler(sink Sink, onEnded func(id uint64)) *Scheduler {
	return &Scheduler{
		sink:    sink,
		active:  make(map[uint64]Playback),
		onEnded: onEnded,
	}
}

// Schedule queues buf at max(cursor, now). If the sink rejects the buffer the
// cursor is left untouched.
func (s *Scheduler) Schedule(buf *audio.Buffer) (Scheduled, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Scheduled{}, ErrSchedulerClosed
	}

	start := max(s.cursor, s.sink.Now())
	pb, err := s.sink.Schedule(buf, start)
	if err != nil {
		return Scheduled{}, fmt.Errorf("live: schedule playback: %w", err)
	}

	s.nextID++
	id := s.nextID
	s.active[id] = pb
	s.cursor = start + buf.Duration()

	go s.watch(id, pb)

	return Scheduled{ID: id, Start: start, End: s.cursor}, nil
}

func (s *Scheduler) watch(id uint64, pb Playback) {
	<-pb.Done()

	s.mu.Lock()
	_, ok := s.active[id]
	if ok {
		delete(s.active, id)
	}
	s.mu.Unlock()

	if ok && s.onEnded != nil {
		s.onEnded(id)
	}
}

// Interrupt stops every active handle and restarts the timeline at the
// sink's current time.
func (s *Scheduler) Interrupt() int {
	s.mu.Lock()
	handles := s.drainLocked()
	if !s.closed {
		s.cursor = s.sink.Now()
	}
	s.mu.Unlock()

	for _, pb := range handles {
		pb.Stop()
	}
	return len(handles)
}

// Reset stops every active handle, zeroes the cursor and closes the
// scheduler. Schedule fails with ErrSchedulerClosed afterwards.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	handles := s.drainLocked()
	s.cursor = 0
	s.closed = true
	s.mu.Unlock()

	for _, pb := range handles {
		pb.Stop()
	}
}

func (s *Scheduler) drainLocked() []Playback {
	handles := make([]Playback, 0, len(s.active))
	for id, pb := range s.active {
		handles = append(handles, pb)
		delete(s.active, id)
	}
	return handles
}

// Speaking reports whether any handle is still pending or playing.
func (s *Scheduler) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active) > 0
}

// Active returns the size of the active set.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Cursor returns the earliest start time for the next buffer.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}
