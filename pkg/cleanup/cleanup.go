// Package cleanup implements the resource-cleanup scheduler: a
// timer-ordered queue of pending teardowns represented in
// accumulated-sum form, so the tick loop only ever decrements one
// value per second regardless of queue depth. This representation is
// carried over deliberately from the broker this module was modeled
// on rather than replaced with a heap — coalescing equal-deadline
// submissions into one pop event depends on it.
package cleanup

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/jobbroker/pkg/log"
)

// node is one accumulated-sum list element: remainingTime is a delta
// relative to the previous node (absolute for the head).
type node struct {
	appIDs        []string
	remainingTime int
	next          *node
}

// Deleter tears down per-submission resources. Implemented by the
// submission executor.
type Deleter interface {
	DeleteJobResources(appID string)
}

// Scheduler drives the cleanup queue's single background tick task.
// Insert re-activates the tick loop lazily when the queue transitions
// from empty to non-empty.
type Scheduler struct {
	mu      sync.Mutex
	head    *node
	active  bool
	deleter Deleter
	logger  zerolog.Logger
}

// New builds a Scheduler that tears down submissions via deleter.
func New(deleter Deleter) *Scheduler {
	return &Scheduler{
		deleter: deleter,
		logger:  log.WithComponent("cleanup"),
	}
}

// Insert schedules appID for teardown in seconds from now, coalescing
// with any existing node at the same absolute deadline.
func (s *Scheduler) Insert(appID string, seconds int) {
	s.mu.Lock()
	s.insertLocked(appID, seconds)
	activate := !s.active
	if activate {
		s.active = true
	}
	s.mu.Unlock()

	if activate {
		go s.run()
	}
}

func (s *Scheduler) insertLocked(appID string, seconds int) {
	if s.head == nil {
		s.head = &node{appIDs: []string{appID}, remainingTime: seconds}
		return
	}

	if s.head.remainingTime > seconds {
		s.head.remainingTime -= seconds
		s.head = &node{appIDs: []string{appID}, remainingTime: seconds, next: s.head}
		return
	}

	remaining := seconds
	current := s.head
	for {
		remaining -= current.remainingTime
		if remaining == 0 {
			current.appIDs = append(current.appIDs, appID)
			return
		}
		if current.next == nil {
			current.next = &node{appIDs: []string{appID}, remainingTime: remaining}
			return
		}
		if current.next.remainingTime > remaining {
			current.next = &node{
				appIDs:        []string{appID},
				remainingTime: remaining,
				next:          current.next,
			}
			current.next.next.remainingTime -= remaining
			return
		}
		current = current.next
	}
}

// run is the single tick task: it decrements the head's remainingTime
// every second, popping and tearing down whenever it reaches zero,
// and exits as soon as the queue drains.
func (s *Scheduler) run() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		s.mu.Lock()
		if s.head == nil {
			s.active = false
			s.mu.Unlock()
			return
		}

		s.head.remainingTime--
		var fired []string
		if s.head.remainingTime <= 0 {
			fired = s.head.appIDs
			s.head = s.head.next
		}
		drained := s.head == nil
		if drained {
			s.active = false
		}
		s.mu.Unlock()

		for _, appID := range fired {
			s.logger.Info().Str("app_id", appID).Msg("cleanup fired")
			s.deleter.DeleteJobResources(appID)
		}
		if drained {
			return
		}
	}
}

// Pending returns the ids still queued for cleanup, in fire order,
// for introspection and tests.
func (s *Scheduler) Pending() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out [][]string
	for n := s.head; n != nil; n = n.next {
		ids := make([]string, len(n.appIDs))
		copy(ids, n.appIDs)
		out = append(out, ids)
	}
	return out
}
