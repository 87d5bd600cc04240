// Package raise implements the periodic lot-raise scheduler (§4.E): a
// dedicated loop that re-raises every active common-type category roughly
// once per 7200 s cooldown window, backing off on upstream-reported wait
// times and pausing entirely while the account is not healthy.
package raise

import (
	"errors"
	"math/rand"
	"sort"
	"time"

	"github.com/kassian/sellagent/internal/config"
	"github.com/kassian/sellagent/internal/marketplace"
	"github.com/kassian/sellagent/internal/models"
)

const defaultCooldown = 7200 * time.Second

// Notifier forwards a raised-category notification to the control-plane.
type Notifier interface {
	Notify(kind, text string)
}

// ProfileSource supplies the most recently observed profile snapshot. The
// scheduler never fetches its own profile; it rides on whatever the core
// handlers last refreshed (§4.D's schedule_profile_refresh).
type ProfileSource interface {
	CurrentProfile() *models.Profile
}

// DegradedSignal lets the scheduler react to the supervisor entering a
// credentials-degraded state without importing internal/supervisor (which
// itself may depend on this package's Pause/Resume controls).
type DegradedSignal interface {
	EnterDegraded(reason string)
}

// Scheduler runs the raise loop described in §4.E's pseudocode.
type Scheduler struct {
	Config   *config.Config
	Client   marketplace.Client
	Profile  ProfileSource
	Notifier Notifier
	Degraded DegradedSignal

	raiseTime  map[string]time.Time
	lastRaised map[string]time.Time

	pauseCh chan bool
	paused  bool
}

// New builds a Scheduler. Call Run in its own goroutine.
func New(cfg *config.Config, client marketplace.Client, profile ProfileSource, notifier Notifier, degraded DegradedSignal) *Scheduler {
	return &Scheduler{
		Config:     cfg,
		Client:     client,
		Profile:    profile,
		Notifier:   notifier,
		Degraded:   degraded,
		raiseTime:  make(map[string]time.Time),
		lastRaised: make(map[string]time.Time),
		pauseCh:    make(chan bool, 1),
	}
}

// Pause halts the loop before its next iteration (the supervisor calls this
// on entering any degraded state).
func (s *Scheduler) Pause() {
	select {
	case s.pauseCh <- true:
	default:
	}
}

// Resume lets the loop proceed again.
func (s *Scheduler) Resume() {
	select {
	case s.pauseCh <- false:
	default:
	}
}

type orderedCategory struct {
	id       string
	position int
}

// Run loops until stop is closed.
func (s *Scheduler) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case p := <-s.pauseCh:
			s.paused = p
		default:
		}

		if s.paused || !s.Config.AutoRaise {
			if sleepOrStop(stop, 10*time.Second) {
				return
			}
			continue
		}

		next := s.runCycle(stop)
		wait := time.Until(next)
		if wait < 0 {
			wait = 0
		}
		if sleepOrStop(stop, wait) {
			return
		}
	}
}

func sleepOrStop(stop <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-stop:
		return true
	case <-t.C:
		return false
	}
}

// runCycle performs one full pass over every category and returns the
// earliest next_wake computed across all categories.
func (s *Scheduler) runCycle(stop <-chan struct{}) time.Time {
	profile := s.Profile.CurrentProfile()
	if profile == nil {
		return time.Now().Add(10 * time.Second)
	}

	cats := orderedCategories(profile)
	nextWake := time.Now().Add(24 * time.Hour)
	now := time.Now()

	for _, cat := range cats {
		if rt, ok := s.raiseTime[cat.id]; ok && rt.After(now) {
			if rt.Before(nextWake) {
				nextWake = rt
			}
			continue
		}

		subcats := profile.ActiveCommonSubcategories(cat.id)
		if len(subcats) == 0 {
			s.raiseTime[cat.id] = now.Add(defaultCooldown)
			continue
		}

		if sleepOrStop(stop, pacingDelay()) {
			return nextWake
		}

		err := s.Client.RaiseLots(cat.id, subcats)
		switch {
		case err == nil:
			s.raiseTime[cat.id] = now.Add(defaultCooldown)
			s.lastRaised[cat.id] = now
			if s.Notifier != nil {
				s.Notifier.Notify("raise", "raised category "+cat.id)
			}
		case isRaiseError(err):
			var raiseErr *marketplace.ErrRaise
			errors.As(err, &raiseErr)
			w := raiseErr.WaitTime
			if w <= 0 {
				w = 60
			}
			s.raiseTime[cat.id] = now.Add(time.Duration(w) * time.Second)
		case isUnauthorized(err):
			if s.Degraded != nil {
				s.Degraded.EnterDegraded("credentials")
			}
			return nextWake
		case isNetwork(err):
			s.raiseTime[cat.id] = now.Add(60 * time.Second)
		default:
			if sleepOrStop(stop, randomBetween(30, 60)) {
				return nextWake
			}
		}

		if rt := s.raiseTime[cat.id]; rt.Before(nextWake) {
			nextWake = rt
		}
	}

	return nextWake
}

func isRaiseError(err error) bool {
	var e *marketplace.ErrRaise
	return errors.As(err, &e)
}

func isUnauthorized(err error) bool {
	var e *marketplace.ErrUnauthorized
	return errors.As(err, &e)
}

func isNetwork(err error) bool {
	var e *marketplace.ErrNetwork
	return errors.As(err, &e)
}

func pacingDelay() time.Duration {
	return randomBetween(500, 1500)
}

func randomBetween(loMs, hiMs int) time.Duration {
	return time.Duration(loMs+rand.Intn(hiMs-loMs+1)) * time.Millisecond
}

func orderedCategories(profile *models.Profile) []orderedCategory {
	out := make([]orderedCategory, 0, len(profile.Categories))
	seen := make(map[string]bool)
	for _, cat := range profile.Categories {
		if seen[cat.ID] {
			continue
		}
		seen[cat.ID] = true
		out = append(out, orderedCategory{id: cat.ID, position: cat.Position})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].position < out[j].position })
	return out
}
