package automation

import (
	"context"
	"sync"
)

// Outcome is the result of asking an automation to run. It doubles as
// the automation run metric label.
type Outcome string

const (
	OutcomeStarted         Outcome = "started"
	OutcomeRestarted       Outcome = "restarted"
	OutcomeQueued          Outcome = "queued"
	OutcomeDropped         Outcome = "dropped"
	OutcomeConditionFailed Outcome = "condition_failed"
	OutcomeDisabled        Outcome = "disabled"
)

type activeRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// runner arbitrates concurrent runs of one automation according to its
// mode. Runs execute on their own goroutines under a context derived from
// parent.
type runner struct {
	mode   Mode
	max    int
	parent context.Context

	mu     sync.Mutex
	nextID uint64
	active map[uint64]*activeRun
	queue  []func(context.Context)
	closed bool
	wg     sync.WaitGroup
}

func newRunner(parent context.Context, mode Mode, limit int) *runner {
	if limit < 1 {
		limit = 1
	}
	return &runner{
		mode:   mode,
		max:    limit,
		parent: parent,
		active: make(map[uint64]*activeRun),
	}
}

// request starts, queues or drops fn.
func (r *runner) request(fn func(context.Context)) Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return OutcomeDropped
	}

	switch r.mode {
	case ModeRestart:
		waits := make([]chan struct{}, 0, len(r.active))
		for _, a := range r.active {
			a.cancel()
			waits = append(waits, a.done)
		}
		r.startLocked(fn, waits)
		if len(waits) > 0 {
			return OutcomeRestarted
		}
		return OutcomeStarted

	case ModeQueued:
		if len(r.active) > 0 {
			if len(r.active)+len(r.queue) >= r.max {
				return OutcomeDropped
			}
			r.queue = append(r.queue, fn)
			return OutcomeQueued
		}

	case ModeParallel:
		if len(r.active) >= r.max {
			return OutcomeDropped
		}

	default:
		if len(r.active) > 0 {
			return OutcomeDropped
		}
	}

	r.startLocked(fn, nil)
	return OutcomeStarted
}

// startLocked launches fn once every channel in waits has closed. r.mu must
// be held.
func (r *runner) startLocked(fn func(context.Context), waits []chan struct{}) {
	ctx, cancel := context.WithCancel(r.parent)
	id := r.nextID
	r.nextID++
	a := &activeRun{cancel: cancel, done: make(chan struct{})}
	r.active[id] = a
	r.wg.Add(1)

	go func() {
		defer r.finish(id, a)
		for _, w := range waits {
			<-w
		}
		if ctx.Err() != nil {
			return
		}
		fn(ctx)
	}()
}

func (r *runner) finish(id uint64, a *activeRun) {
	a.cancel()
	close(a.done)

	r.mu.Lock()
	delete(r.active, id)
	if !r.closed && len(r.queue) > 0 && len(r.active) == 0 {
		next := r.queue[0]
		r.queue = r.queue[1:]
		r.startLocked(next, nil)
	}
	r.mu.Unlock()

	r.wg.Done()
}

// running reports the number of started runs, including any waiting for a
// cancelled predecessor.
func (r *runner) running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// cancelAll stops every run and discards queued ones.
func (r *runner) cancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.active {
		a.cancel()
	}
	r.queue = nil
}

// close cancels everything and refuses further requests.
func (r *runner) close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancelAll()
}

// wait blocks until every run has returned.
func (r *runner) wait() {
	r.wg.Wait()
}
