// Package supervisor implements the account health state machine (§4.G):
// AwaitProxy -> ProbeProxy -> AwaitCreds -> Login -> Healthy, with a single
// degraded umbrella state entered from any point on proxy or credential
// failure, single-shot entry/exit notifications, a 3h hard-exit ceiling on
// continuous degradation, a periodic session refresh, and a stall watchdog.
package supervisor

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/kassian/sellagent/internal/config"
	"github.com/kassian/sellagent/internal/marketplace"
)

// State names the supervisor's current node in the §4.G diagram.
type State string

const (
	StateAwaitProxy State = "await_proxy"
	StateProbeProxy State = "probe_proxy"
	StateAwaitCreds State = "await_creds"
	StateLogin      State = "login"
	StateHealthy    State = "healthy"
	StateDegraded   State = "degraded"
)

// Notifier forwards a one-line status change to the control-plane bridge.
type Notifier interface {
	Notify(kind, text string)
}

// ActivityWatcher reports when the event runner last made forward progress,
// for the stall watchdog (§4.G).
type ActivityWatcher interface {
	LastActivity() time.Time
}

// Raiser lets the supervisor pause/resume the raise scheduler in lockstep
// with the account's health.
type Raiser interface {
	Pause()
	Resume()
}

// RunnerControl lets the supervisor gate the event runner: paused while not
// StateHealthy, resumed once login succeeds (§2, §4.G).
type RunnerControl interface {
	Pause()
	Resume()
}

// ProxySource supplies the next candidate from the rotating proxy dictionary
// (control-plane's proxy_dict.json). Optional: a nil ProxySource means the
// supervisor only ever uses the configured proxy.
type ProxySource interface {
	NextProxy() (ip string, port int, login, password string, ok bool)
}

// Restarter performs a process restart in response to a detected freeze.
// The default implementation calls os.Exit, relying on an external process
// manager (systemd, supervisord, a container restart policy) to relaunch.
type Restarter interface {
	Restart(reason string)
}

type osExitRestarter struct{}

func (osExitRestarter) Restart(reason string) {
	log.Printf("supervisor: restarting process: %s", reason)
	os.Exit(1)
}

// Supervisor owns the health state (guarded by mu) and drives the health
// loop in Run.
type Supervisor struct {
	Config   *config.Config
	Client   marketplace.Client
	Notifier Notifier
	Activity ActivityWatcher
	Raise    Raiser
	Runner   RunnerControl
	Restart  Restarter
	Proxy    ProxySource

	mu               sync.Mutex
	state            State
	degradedReason   string
	degradedSince    time.Time
	inDegraded       bool
	lock             *flock.Flock
}

// New builds a Supervisor. Call AcquireSingleInstance before Run.
func New(cfg *config.Config, client marketplace.Client, notifier Notifier, activity ActivityWatcher, raiser Raiser) *Supervisor {
	return &Supervisor{
		Config:   cfg,
		Client:   client,
		Notifier: notifier,
		Activity: activity,
		Raise:    raiser,
		Restart:  osExitRestarter{},
		state:    StateAwaitProxy,
	}
}

// AcquireSingleInstance takes an exclusive advisory lock on
// <BaseDir>/storage/cache/process.lock, hard-exiting the process if another
// instance already holds it (§4.G).
func (s *Supervisor) AcquireSingleInstance() {
	path := s.Config.BaseDir + "/storage/cache/process.lock"
	s.lock = flock.New(path)
	ok, err := s.lock.TryLock()
	if err != nil {
		log.Fatalf("supervisor: process lock error: %v", err)
	}
	if !ok {
		log.Fatalf("supervisor: another instance already holds %s, exiting", path)
	}
}

// ReleaseSingleInstance unlocks the process guard. Call on clean shutdown.
func (s *Supervisor) ReleaseSingleInstance() {
	if s.lock != nil {
		s.lock.Unlock()
	}
}

// CurrentState reports the supervisor's node, for status reporting (§4.H).
func (s *Supervisor) CurrentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// EnterDegraded transitions into the degraded umbrella state for reason,
// e.g. "credentials", "proxy-blocked", "proxy-dead". Re-entering while
// already degraded (same or a different reason) does not re-fire the entry
// notification — only the transition out of continuous degradation does.
func (s *Supervisor) EnterDegraded(reason string) {
	s.mu.Lock()
	firstEntry := !s.inDegraded
	if firstEntry {
		s.inDegraded = true
		s.degradedSince = time.Now()
	}
	s.degradedReason = reason
	s.state = StateDegraded
	s.mu.Unlock()

	if s.Raise != nil {
		s.Raise.Pause()
	}
	if s.Runner != nil {
		s.Runner.Pause()
	}
	if firstEntry && s.Notifier != nil {
		s.Notifier.Notify("degraded", "entered degraded state: "+reason)
	}
}

func (s *Supervisor) leaveDegraded() {
	s.mu.Lock()
	wasDegraded := s.inDegraded
	s.inDegraded = false
	s.degradedReason = ""
	s.mu.Unlock()

	if wasDegraded {
		if s.Notifier != nil {
			s.Notifier.Notify("healthy", "left degraded state, account healthy")
		}
		if s.Raise != nil {
			s.Raise.Resume()
		}
		if s.Runner != nil {
			s.Runner.Resume()
		}
	}
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Supervisor) degradedElapsed() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inDegraded {
		return 0, false
	}
	return time.Since(s.degradedSince), true
}

// Run drives the state machine until stop is closed. It should run in its
// own goroutine; session refresh and the watchdog run as sibling goroutines
// started from here.
func (s *Supervisor) Run(stop <-chan struct{}) {
	go s.degradedExitWatch(stop)
	go s.sessionRefreshLoop(stop)
	go s.watchdogLoop(stop)

	for {
		select {
		case <-stop:
			return
		default:
		}

		switch s.CurrentState() {
		case StateAwaitProxy:
			s.runAwaitProxy(stop)
		case StateProbeProxy:
			s.runProbeProxy(stop)
		case StateAwaitCreds:
			s.runAwaitCreds(stop)
		case StateLogin:
			s.runLogin(stop)
		case StateHealthy:
			if sleepOrStop(stop, 5*time.Second) {
				return
			}
		case StateDegraded:
			if sleepOrStop(stop, 5*time.Second) {
				return
			}
			s.retryFromDegraded()
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

func (s *Supervisor) runAwaitProxy(stop <-chan struct{}) {
	if !s.Config.ProxyEnable {
		s.setState(StateAwaitCreds)
		return
	}
	if s.Config.ProxyIP == "" {
		sleepOrStop(stop, 5*time.Second)
		return
	}
	s.setState(StateProbeProxy)
}

func (s *Supervisor) runProbeProxy(stop <-chan struct{}) {
	err := s.Client.Get(false)
	if err == nil {
		s.leaveDegraded()
		s.setState(StateAwaitCreds)
		return
	}
	if isNetworkErr(err) {
		s.EnterDegraded("proxy-dead")
		if s.Proxy != nil {
			if ip, port, login, pass, ok := s.Proxy.NextProxy(); ok {
				s.Config.ProxyIP = ip
				s.Config.ProxyPort = port
				s.Config.ProxyLogin = login
				s.Config.ProxyPassword = pass
			}
		}
		sleepOrStop(stop, 10*time.Second)
		s.setState(StateAwaitProxy)
		return
	}
	// Non-network failure this early (e.g. unauthorized) still means the
	// proxy itself is reachable.
	s.leaveDegraded()
	s.setState(StateAwaitCreds)
}

func (s *Supervisor) runAwaitCreds(stop <-chan struct{}) {
	if s.Config.GoldenKey == "" {
		s.EnterDegraded("credentials")
		sleepOrStop(stop, 5*time.Second)
		return
	}
	s.setState(StateLogin)
}

func (s *Supervisor) runLogin(stop <-chan struct{}) {
	err := s.Client.Get(true)
	if err == nil {
		_, wasDegraded := s.degradedElapsed()
		s.leaveDegraded()
		s.setState(StateHealthy)
		// leaveDegraded only resumes the runner when coming out of a prior
		// degraded state; a fresh startup reaches Healthy without ever having
		// been degraded, so resume unconditionally here too (§2: "once
		// healthy, G starts B, E" — B is the runner).
		if s.Runner != nil {
			s.Runner.Resume()
		}
		// A recovery is already announced once by leaveDegraded.
		if s.Notifier != nil && !wasDegraded {
			s.Notifier.Notify("healthy", "login succeeded, account healthy")
		}
		return
	}
	switch {
	case isUnauthorizedErr(err):
		s.EnterDegraded("credentials")
		s.setState(StateAwaitCreds)
	case isNetworkErr(err):
		s.EnterDegraded("proxy-blocked")
		s.setState(StateAwaitProxy)
	default:
		s.EnterDegraded("login-failed")
	}
	sleepOrStop(stop, 5*time.Second)
}

// retryFromDegraded re-attempts the chain from whichever stage makes sense
// for the current degraded reason.
func (s *Supervisor) retryFromDegraded() {
	s.mu.Lock()
	reason := s.degradedReason
	s.mu.Unlock()

	switch reason {
	case "credentials", "login-failed":
		s.setState(StateAwaitCreds)
	case "proxy-blocked", "proxy-dead":
		s.setState(StateAwaitProxy)
	default:
		s.setState(StateAwaitProxy)
	}
}

// degradedExitWatch hard-exits the process after cfg.DegradedExitAfter
// seconds of continuous degradation, notifying once immediately before exit.
func (s *Supervisor) degradedExitWatch(stop <-chan struct{}) {
	limit := time.Duration(s.Config.DegradedExitAfter) * time.Second
	if limit <= 0 {
		limit = 3 * time.Hour
	}
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if elapsed, degraded := s.degradedElapsed(); degraded && elapsed >= limit {
				if s.Notifier != nil {
					s.Notifier.Notify("critical", fmt.Sprintf("continuously degraded for %v, exiting", elapsed))
				}
				s.ReleaseSingleInstance()
				os.Exit(1)
			}
		}
	}
}

// sessionRefreshLoop keeps the session cookie alive while healthy, every
// cfg.SessionRefreshInterval seconds (default 3600).
func (s *Supervisor) sessionRefreshLoop(stop <-chan struct{}) {
	interval := time.Duration(s.Config.SessionRefreshInterval) * time.Second
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if s.CurrentState() != StateHealthy {
				continue
			}
			if err := s.Client.Get(true); err != nil {
				if isUnauthorizedErr(err) {
					s.EnterDegraded("credentials")
					s.setState(StateAwaitCreds)
				} else if isNetworkErr(err) {
					s.EnterDegraded("proxy-blocked")
					s.setState(StateAwaitProxy)
				}
			}
		}
	}
}

// watchdogLoop detects a frozen event runner (no forward progress for
// cfg.WatchdogStall seconds while Healthy) and triggers a restart.
func (s *Supervisor) watchdogLoop(stop <-chan struct{}) {
	interval := time.Duration(s.Config.WatchdogInterval) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	stall := time.Duration(s.Config.WatchdogStall) * time.Second
	if stall <= 0 {
		stall = 100 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if s.CurrentState() != StateHealthy || s.Activity == nil {
				continue
			}
			if idle := time.Since(s.Activity.LastActivity()); idle >= stall {
				if s.Notifier != nil {
					s.Notifier.Notify("critical", fmt.Sprintf("freeze detected: no activity for %v", idle))
				}
				s.Restart.Restart(fmt.Sprintf("stalled for %v", idle))
			}
		}
	}
}

func isUnauthorizedErr(err error) bool {
	var e *marketplace.ErrUnauthorized
	return errors.As(err, &e)
}

func isNetworkErr(err error) bool {
	var e *marketplace.ErrNetwork
	return errors.As(err, &e)
}
