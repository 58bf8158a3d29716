package reactor

import (
	"time"

	"github.com/cockroachdb/errors"
)

// Scheduler batches watcher updates. Watchers queued during one tick of the
// task queue are flushed together, once each, in the order they were
// queued.
type Scheduler struct {
	rs             *ReactiveSystem
	maxUpdateCount int

	queue []*Watcher
	has   map[uint64]struct{}
	// circular counts, per watcher, the consecutive cycles it was flushed in.
	circular map[uint64]int

	callbacks []func()
	waiting   bool
	flushing  bool
	cycle     uint64
}

func newScheduler(rs *ReactiveSystem, maxUpdateCount int) *Scheduler {
	return &Scheduler{
		rs:             rs,
		maxUpdateCount: maxUpdateCount,
		has:            map[uint64]struct{}{},
		circular:       map[uint64]int{},
	}
}

// Pending reports how many watchers wait for the next flush.
func (s *Scheduler) Pending() int { return len(s.queue) }

func (s *Scheduler) Flushing() bool { return s.flushing }

// Cycle is the number of flushes that have run.
func (s *Scheduler) Cycle() uint64 { return s.cycle }

// QueueWatcher adds w to the next flush unless it is already there.
func (s *Scheduler) QueueWatcher(w *Watcher) {
	if _, ok := s.has[w.id]; ok {
		return
	}
	s.has[w.id] = struct{}{}
	s.queue = append(s.queue, w)
	s.rs.metrics.queued.Inc()
	s.rs.metrics.queueDepth.Set(float64(len(s.queue)))
	s.schedule()
}

// NextTick runs fn after the flush of the current tick. Callbacks run in
// registration order; a panicking callback is reported and does not stop
// the others.
func (s *Scheduler) NextTick(fn func()) {
	if fn == nil {
		return
	}
	s.callbacks = append(s.callbacks, fn)
	s.schedule()
}

func (s *Scheduler) schedule() {
	if s.waiting {
		return
	}
	s.waiting = true
	s.rs.queue.Post(s.tick)
}

func (s *Scheduler) tick() {
	s.waiting = false
	s.flush()

	callbacks := s.callbacks
	s.callbacks = nil
	for _, cb := range callbacks {
		s.runCallback(cb)
	}
}

// flush updates a snapshot of the queue. Anything queued while it runs lands
// in a fresh queue and waits for the next tick.
func (s *Scheduler) flush() {
	if len(s.queue) == 0 {
		clear(s.circular)
		return
	}

	start := time.Now()
	s.flushing = true
	s.cycle++

	queue := s.queue
	s.queue = nil
	s.has = map[uint64]struct{}{}
	s.rs.metrics.queueDepth.Set(0)

	s.rs.logger.Debug("flushing watchers", "queued", len(queue), "cycle", s.cycle)

	for _, w := range queue {
		s.circular[w.id]++
		if s.circular[w.id] > s.maxUpdateCount {
			delete(s.circular, w.id)
			s.rs.reportError(w, errors.Wrapf(ErrInfiniteUpdate,
				"watcher %s re-queued in %d consecutive flushes", w, s.maxUpdateCount))
			continue
		}
		s.runWatcher(w)
	}

	s.flushing = false
	if len(s.queue) == 0 {
		clear(s.circular)
	}
	s.rs.metrics.flushes.Inc()
	s.rs.metrics.flushDuration.Observe(time.Since(start).Seconds())
}

func (s *Scheduler) runWatcher(w *Watcher) {
	defer func() {
		if r := recover(); r != nil {
			s.rs.reportError(w, errors.Newf("watcher %s panicked: %v", w, r))
		}
	}()
	if err := w.Update(); err != nil {
		s.rs.reportError(w, err)
	}
}

func (s *Scheduler) runCallback(cb func()) {
	defer func() {
		if r := recover(); r != nil {
			s.rs.reportError(nil, errors.Newf("next tick callback panicked: %v", r))
		}
	}()
	cb()
}
