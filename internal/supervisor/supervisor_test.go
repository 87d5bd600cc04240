package supervisor

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/kassian/sellagent/internal/config"
	"github.com/kassian/sellagent/internal/marketplace"
)

type fakeClient struct {
	marketplace.Client
	getErr       error
	getCalls     int32
	updateCalls  int32
}

func (f *fakeClient) Get(updateSession bool) error {
	atomic.AddInt32(&f.getCalls, 1)
	if updateSession {
		atomic.AddInt32(&f.updateCalls, 1)
	}
	return f.getErr
}

type recordingNotifier struct {
	notes []string
}

func (r *recordingNotifier) Notify(kind, text string) { r.notes = append(r.notes, kind) }

type fakeActivity struct {
	last time.Time
}

func (f *fakeActivity) LastActivity() time.Time { return f.last }

type fakeRaiser struct {
	paused, resumed int32
}

func (f *fakeRaiser) Pause()  { atomic.AddInt32(&f.paused, 1) }
func (f *fakeRaiser) Resume() { atomic.AddInt32(&f.resumed, 1) }

type fakeRunner struct {
	paused, resumed int32
}

func (f *fakeRunner) Pause()  { atomic.AddInt32(&f.paused, 1) }
func (f *fakeRunner) Resume() { atomic.AddInt32(&f.resumed, 1) }

// P7: with proxy disabled and valid credentials, the state machine reaches
// Healthy without ever reporting degraded.
func TestSupervisor_HealthyPathSkipsDisabledProxy(t *testing.T) {
	client := &fakeClient{}
	notifier := &recordingNotifier{}
	cfg := &config.Config{GoldenKey: "abc", ProxyEnable: false}

	s := New(cfg, client, notifier, nil, nil)

	s.runAwaitProxy(nil)
	if s.CurrentState() != StateAwaitCreds {
		t.Fatalf("expected AwaitCreds after proxy-disabled skip, got %v", s.CurrentState())
	}
	s.runAwaitCreds(nil)
	if s.CurrentState() != StateLogin {
		t.Fatalf("expected Login state, got %v", s.CurrentState())
	}
	s.runLogin(nil)
	if s.CurrentState() != StateHealthy {
		t.Fatalf("expected Healthy after successful login, got %v", s.CurrentState())
	}
	for _, n := range notifier.notes {
		if n == "degraded" {
			t.Fatalf("did not expect a degraded notification on the clean path")
		}
	}
}

// Entering the same degraded reason twice in a row must notify only once;
// leaving degraded notifies once.
func TestSupervisor_DegradedEntryExitAreSingleShot(t *testing.T) {
	notifier := &recordingNotifier{}
	raiser := &fakeRaiser{}
	s := New(&config.Config{}, &fakeClient{}, notifier, nil, raiser)

	s.EnterDegraded("credentials")
	s.EnterDegraded("credentials")
	s.EnterDegraded("proxy-dead")

	degradedCount := 0
	for _, n := range notifier.notes {
		if n == "degraded" {
			degradedCount++
		}
	}
	if degradedCount != 1 {
		t.Fatalf("expected exactly 1 degraded-entry notification, got %d", degradedCount)
	}
	if atomic.LoadInt32(&raiser.paused) == 0 {
		t.Fatalf("expected the raise scheduler to be paused while degraded")
	}

	s.leaveDegraded()
	healthyCount := 0
	for _, n := range notifier.notes {
		if n == "healthy" {
			healthyCount++
		}
	}
	if healthyCount != 1 {
		t.Fatalf("expected exactly 1 healthy-exit notification, got %d", healthyCount)
	}
	if atomic.LoadInt32(&raiser.resumed) == 0 {
		t.Fatalf("expected the raise scheduler to resume on leaving degraded")
	}
}

// S5: entering degraded must also pause the event runner, and leaving it
// must resume the runner, in lockstep with the raise scheduler.
func TestSupervisor_DegradedEntryExitAlsoGatesRunner(t *testing.T) {
	runnerCtl := &fakeRunner{}
	s := New(&config.Config{}, &fakeClient{}, &recordingNotifier{}, nil, nil)
	s.Runner = runnerCtl

	s.EnterDegraded("proxy-blocked")
	if atomic.LoadInt32(&runnerCtl.paused) == 0 {
		t.Fatalf("expected the runner to be paused while degraded")
	}

	s.leaveDegraded()
	if atomic.LoadInt32(&runnerCtl.resumed) == 0 {
		t.Fatalf("expected the runner to resume on leaving degraded")
	}
}

// §2's startup order ("once healthy, G starts B, E"): a fresh login success,
// never having been degraded, must still resume the runner.
func TestSupervisor_LoginSuccessResumesRunnerOnFreshStartup(t *testing.T) {
	runnerCtl := &fakeRunner{}
	client := &fakeClient{}
	s := New(&config.Config{GoldenKey: "x"}, client, &recordingNotifier{}, nil, nil)
	s.Runner = runnerCtl
	s.setState(StateLogin)

	stop := make(chan struct{})
	close(stop)
	s.runLogin(stop)

	if s.CurrentState() != StateHealthy {
		t.Fatalf("expected Healthy after successful login, got %v", s.CurrentState())
	}
	if atomic.LoadInt32(&runnerCtl.resumed) == 0 {
		t.Fatalf("expected the runner to be resumed on first reaching Healthy")
	}
}

// An ErrUnauthorized from login must route to AwaitCreds, not AwaitProxy.
func TestSupervisor_LoginUnauthorizedRoutesToAwaitCreds(t *testing.T) {
	client := &fakeClient{getErr: &marketplace.ErrUnauthorized{Op: "get"}}
	s := New(&config.Config{GoldenKey: "x"}, client, &recordingNotifier{}, nil, nil)
	s.setState(StateLogin)

	stop := make(chan struct{})
	close(stop)
	s.runLogin(stop)

	if s.CurrentState() != StateAwaitCreds {
		t.Fatalf("expected AwaitCreds after unauthorized login, got %v", s.CurrentState())
	}
}

// A network error from login must route to AwaitProxy.
func TestSupervisor_LoginNetworkErrorRoutesToAwaitProxy(t *testing.T) {
	client := &fakeClient{getErr: &marketplace.ErrNetwork{}}
	s := New(&config.Config{GoldenKey: "x"}, client, &recordingNotifier{}, nil, nil)
	s.setState(StateLogin)

	stop := make(chan struct{})
	close(stop)
	s.runLogin(stop)

	if s.CurrentState() != StateAwaitProxy {
		t.Fatalf("expected AwaitProxy after network error login, got %v", s.CurrentState())
	}
}

// P8: a frozen runner while Healthy must trigger a restart call.
func TestSupervisor_WatchdogRestartsOnStall(t *testing.T) {
	activity := &fakeActivity{last: time.Now().Add(-time.Hour)}
	var restarted int32
	s := New(&config.Config{WatchdogInterval: 1, WatchdogStall: 1}, &fakeClient{}, &recordingNotifier{}, activity, nil)
	s.setState(StateHealthy)
	s.Restart = restartFunc(func(reason string) { atomic.AddInt32(&restarted, 1) })

	stop := make(chan struct{})
	go s.watchdogLoop(stop)
	time.Sleep(1300 * time.Millisecond)
	close(stop)

	if atomic.LoadInt32(&restarted) == 0 {
		t.Fatalf("expected watchdog to trigger a restart on a stalled runner")
	}
}

type restartFunc func(reason string)

func (f restartFunc) Restart(reason string) { f(reason) }
