package automation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nathan-osman/go-sunrise"
)

// maxSunSearchDays bounds the search for the next sunrise or sunset, which
// may be months away inside the polar circles.
const maxSunSearchDays = 366

// Site holds what the scheduler needs to place time and sun triggers.
type Site struct {
	Location  *time.Location
	Latitude  float64
	Longitude float64
}

type scheduledTrigger struct {
	ref     triggerRef
	trigger Trigger
	next    time.Time
}

// scheduler fires time and sun triggers. One goroutine sleeps until the
// earliest due trigger.
type scheduler struct {
	site Site
	now  func() time.Time
	fire func(ref triggerRef, at time.Time)

	mu      sync.Mutex
	entries []*scheduledTrigger
	wake    chan struct{}
}

func newScheduler(site Site, now func() time.Time, fire func(triggerRef, time.Time)) *scheduler {
	if site.Location == nil {
		site.Location = time.UTC
	}
	return &scheduler{
		site: site,
		now:  now,
		fire: fire,
		wake: make(chan struct{}, 1),
	}
}

// reset replaces the scheduled triggers and wakes the loop.
func (s *scheduler) reset(a *arena) {
	now := s.now()
	entries := make([]*scheduledTrigger, 0, len(a.timed))
	for _, ref := range a.timed {
		_, t, ok := a.trigger(ref)
		if !ok {
			continue
		}
		st := &scheduledTrigger{ref: ref, trigger: t}
		st.next = s.nextFire(t, now)
		entries = append(entries, st)
	}

	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// run sleeps until the next due trigger, fires it and repeats until ctx is
// done.
func (s *scheduler) run(ctx context.Context) {
	for {
		wait := s.untilNext(s.now())
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
			s.fireDue(s.now())
		}
	}
}

// untilNext returns the time until the earliest scheduled trigger, capped
// at an hour so clock changes are picked up.
func (s *scheduler) untilNext(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	wait := time.Hour
	for _, st := range s.entries {
		if st.next.IsZero() {
			continue
		}
		if d := st.next.Sub(now); d < wait {
			wait = d
		}
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}

// fireDue fires every trigger due at or before now and schedules its next
// occurrence.
func (s *scheduler) fireDue(now time.Time) {
	type due struct {
		ref triggerRef
		at  time.Time
	}
	var fired []due

	s.mu.Lock()
	for _, st := range s.entries {
		if st.next.IsZero() || st.next.After(now) {
			continue
		}
		fired = append(fired, due{ref: st.ref, at: st.next})
		after := now
		if st.next.After(after) {
			after = st.next
		}
		st.next = s.nextFire(st.trigger, after)
	}
	s.mu.Unlock()

	sort.Slice(fired, func(i, j int) bool { return fired[i].at.Before(fired[j].at) })
	for _, f := range fired {
		s.fire(f.ref, f.at)
	}
}

// nextFire returns the first occurrence of t strictly after after, or the
// zero time when there is none.
func (s *scheduler) nextFire(t Trigger, after time.Time) time.Time {
	switch trig := t.(type) {
	case *TimeTrigger:
		var best time.Time
		for _, at := range trig.At {
			next := nextTimeOfDay(at, after, s.site.Location)
			if best.IsZero() || next.Before(best) {
				best = next
			}
		}
		return best
	case *SunTrigger:
		return nextSunEvent(trig, after, s.site.Latitude, s.site.Longitude)
	}
	return time.Time{}
}

// nextTimeOfDay returns the next wall clock occurrence of at in loc.
func nextTimeOfDay(at TimeOfDay, after time.Time, loc *time.Location) time.Time {
	local := after.In(loc)
	for day := 0; day < 3; day++ {
		candidate := time.Date(local.Year(), local.Month(), local.Day()+day, at.Hour, at.Minute, at.Second, 0, loc)
		if candidate.After(after) {
			return candidate
		}
	}
	return time.Time{}
}

// nextSunEvent returns the next sunrise or sunset plus offset after after.
// Days without the event are skipped.
func nextSunEvent(t *SunTrigger, after time.Time, lat, lon float64) time.Time {
	day := after.UTC().AddDate(0, 0, -1)
	for i := 0; i < maxSunSearchDays; i++ {
		rise, set := sunrise.SunriseSunset(lat, lon, day.Year(), day.Month(), day.Day())
		event := rise
		if t.Event == SunEventSunset {
			event = set
		}
		if !event.IsZero() {
			if at := event.Add(t.Offset); at.After(after) {
				return at
			}
		}
		day = day.AddDate(0, 0, 1)
	}
	return time.Time{}
}
