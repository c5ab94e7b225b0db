// Package autosave debounces bursts of local mutations into a single
// persist-and-broadcast. Each scheduler instance owns its own timer and
// serves one document; there are no ambient singletons.
package autosave

import (
	"context"
	"log"
	"sync"
	"time"

	"auditsync/api/internal/document"
	"auditsync/api/internal/store"
)

type Status string

const (
	StatusIdle      Status = "idle"
	StatusPending   Status = "pending"
	StatusSaving    Status = "saving"
	StatusSaved     Status = "saved"
	StatusSaveError Status = "save_error"
)

const DefaultDebounce = 1000 * time.Millisecond

type persister interface {
	SaveDocument(ctx context.Context, doc document.Document) error
}

type broadcaster interface {
	BroadcastDocument(ctx context.Context, doc document.Document)
}

type historian interface {
	Append(ctx context.Context, doc document.Document) (store.Snapshot, error)
}

// Scheduler coalesces mutations: it always persists the latest document
// state, never a queue of intermediates, and runs at most one persist at a
// time. A failed persist keeps the pending state so the next mutation or an
// explicit Retry re-attempts it.
type Scheduler struct {
	persist   persister
	broadcast broadcaster
	history   historian
	debounce  time.Duration
	onStatus  func(documentID string, status Status)

	mu       sync.Mutex
	cond     *sync.Cond
	latest   document.Document
	dirty    bool
	inflight bool
	status   Status
	timer    *time.Timer
	stopped  bool
	wg       sync.WaitGroup
}

type Options struct {
	Debounce time.Duration
	// OnStatus is invoked after each state transition, outside the
	// scheduler's lock, in transition order.
	OnStatus func(documentID string, status Status)
}

func New(persist persister, broadcast broadcaster, history historian, opts Options) *Scheduler {
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	s := &Scheduler{
		persist:   persist,
		broadcast: broadcast,
		history:   history,
		debounce:  debounce,
		onStatus:  opts.OnStatus,
		status:    StatusIdle,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// NotifyMutation records the latest document state and resets the debounce
// timer. Only a quiet period of the full debounce duration triggers the
// persist.
func (s *Scheduler) NotifyMutation(doc document.Document) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.latest = doc
	s.dirty = true
	s.status = StatusPending
	s.armTimerLocked(s.debounce)
	s.mu.Unlock()
	s.notify(doc.ID, StatusPending)
}

// Retry re-attempts a failed persist immediately instead of waiting for the
// next mutation.
func (s *Scheduler) Retry() {
	s.mu.Lock()
	if s.stopped || !s.dirty || s.inflight {
		s.mu.Unlock()
		return
	}
	s.armTimerLocked(0)
	s.mu.Unlock()
}

// Flush synchronously persists any pending state, waiting out an in-flight
// save first. Session teardown calls this before Stop so a disconnect
// inside the debounce window cannot drop the last edits. A failed persist
// leaves the state pending rather than retrying.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	for {
		if s.stopped {
			s.mu.Unlock()
			return
		}
		if s.inflight {
			s.cond.Wait()
			continue
		}
		if !s.dirty {
			s.mu.Unlock()
			return
		}
		doc := s.latest
		s.dirty = false
		s.inflight = true
		s.status = StatusSaving
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		s.wg.Add(1)
		s.mu.Unlock()
		s.notify(doc.ID, StatusSaving)
		if !s.run(doc) {
			return
		}
		s.mu.Lock()
	}
}

// Stop cancels the timer and waits for any in-flight persist to finish.
// Pending unsaved state is dropped; callers Flush first if they want it
// written.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.cond.Broadcast()
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) armTimerLocked(d time.Duration) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(d, s.fire)
}

func (s *Scheduler) fire() {
	s.mu.Lock()
	if s.stopped || !s.dirty || s.inflight {
		s.mu.Unlock()
		return
	}
	doc := s.latest
	s.dirty = false
	s.inflight = true
	s.status = StatusSaving
	s.wg.Add(1)
	s.mu.Unlock()
	s.notify(doc.ID, StatusSaving)

	go s.run(doc)
}

// run persists doc and reports whether the save succeeded.
func (s *Scheduler) run(doc document.Document) bool {
	defer s.wg.Done()
	ctx := context.Background()

	// Stamp before persisting so the stored row and the broadcast carry
	// the same lastSavedAt; a fresh load must agree with the live state.
	saved := doc.WithLastSavedAt(time.Now().UTC())
	if err := s.persist.SaveDocument(ctx, saved); err != nil {
		log.Printf("autosave: persist %s failed: %v", doc.ID, err)
		s.mu.Lock()
		// Keep the pending state so the next mutation or Retry picks the
		// unsaved document back up. A mutation that landed mid-flight is
		// newer and wins over the failed snapshot.
		if !s.dirty {
			s.latest = doc
		}
		s.dirty = true
		s.inflight = false
		s.status = StatusSaveError
		s.cond.Broadcast()
		s.mu.Unlock()
		s.notify(doc.ID, StatusSaveError)
		return false
	}

	s.broadcast.BroadcastDocument(ctx, saved)
	if _, err := s.history.Append(ctx, saved); err != nil {
		// The save itself succeeded; history gaps are logged, not fatal.
		log.Printf("autosave: history append %s failed: %v", doc.ID, err)
	}

	s.mu.Lock()
	s.inflight = false
	s.cond.Broadcast()
	if s.dirty {
		// A mutation landed while this persist was in flight; run the
		// debounce again over the coalesced latest state.
		if !s.stopped {
			s.armTimerLocked(s.debounce)
		}
		s.mu.Unlock()
		return true
	}
	s.status = StatusSaved
	s.mu.Unlock()
	s.notify(doc.ID, StatusSaved)
	return true
}

func (s *Scheduler) notify(documentID string, status Status) {
	if s.onStatus != nil {
		s.onStatus(documentID, status)
	}
}
