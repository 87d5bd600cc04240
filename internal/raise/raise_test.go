package raise

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/kassian/sellagent/internal/config"
	"github.com/kassian/sellagent/internal/marketplace"
	"github.com/kassian/sellagent/internal/models"
)

type fakeClient struct {
	marketplace.Client
	raiseCalls  int32
	raiseErrors []error // consumed in order, then nil
}

func (f *fakeClient) RaiseLots(categoryID string, subcategoryIDs []string) error {
	n := atomic.AddInt32(&f.raiseCalls, 1)
	idx := int(n) - 1
	if idx < len(f.raiseErrors) {
		return f.raiseErrors[idx]
	}
	return nil
}

type fakeProfileSource struct {
	profile *models.Profile
}

func (f *fakeProfileSource) CurrentProfile() *models.Profile { return f.profile }

type recordingNotifier struct {
	notes []string
}

func (r *recordingNotifier) Notify(kind, text string) { r.notes = append(r.notes, kind+":"+text) }

type recordingDegraded struct {
	reasons []string
}

func (r *recordingDegraded) EnterDegraded(reason string) { r.reasons = append(r.reasons, reason) }

func oneCategoryProfile() *models.Profile {
	return &models.Profile{
		Categories: []*models.Category{
			{
				ID:       "cat1",
				Position: 1,
				Subcategories: []*models.Subcategory{
					{
						ID:   "sub1",
						Type: models.SubcategoryCommon,
						Lots: map[string]*models.Lot{
							"lot1": {ID: "lot1", Title: "Gold"},
						},
					},
				},
			},
		},
	}
}

// P5: a category that was just raised must not be raised again before its
// 7200s cooldown elapses.
func TestRunCycle_CooldownPreventsImmediateReRaise(t *testing.T) {
	client := &fakeClient{}
	profile := &fakeProfileSource{profile: oneCategoryProfile()}
	notifier := &recordingNotifier{}
	cfg := &config.Config{AutoRaise: true}

	s := New(cfg, client, profile, notifier, nil)
	stop := make(chan struct{})

	next := s.runCycle(stop)
	if atomic.LoadInt32(&client.raiseCalls) != 1 {
		t.Fatalf("expected 1 raise call after first cycle, got %d", client.raiseCalls)
	}
	if time.Until(next) < time.Hour {
		t.Fatalf("expected next wake to respect the 7200s cooldown, got %v away", time.Until(next))
	}

	s.runCycle(stop)
	if atomic.LoadInt32(&client.raiseCalls) != 1 {
		t.Fatalf("expected no second raise call within cooldown, got %d", client.raiseCalls)
	}
}

// S3: an ErrRaise carrying a wait time must push next_wake out by that many
// seconds rather than the default 7200s cooldown.
func TestRunCycle_RaiseErrorUsesUpstreamWaitTime(t *testing.T) {
	client := &fakeClient{raiseErrors: []error{&marketplace.ErrRaise{WaitTime: 37, ErrorMessage: "wait 37 seconds"}}}
	profile := &fakeProfileSource{profile: oneCategoryProfile()}
	notifier := &recordingNotifier{}
	cfg := &config.Config{AutoRaise: true}

	s := New(cfg, client, profile, notifier, nil)
	stop := make(chan struct{})

	before := time.Now()
	next := s.runCycle(stop)
	d := next.Sub(before)
	if d < 30*time.Second || d > 45*time.Second {
		t.Fatalf("expected next wake ~37s out, got %v", d)
	}
}

// An Unauthorized raise error must signal the supervisor into the
// credentials-degraded state and abort the cycle early.
func TestRunCycle_UnauthorizedEntersDegraded(t *testing.T) {
	client := &fakeClient{raiseErrors: []error{&marketplace.ErrUnauthorized{Op: "raise_lots"}}}
	profile := &fakeProfileSource{profile: oneCategoryProfile()}
	notifier := &recordingNotifier{}
	degraded := &recordingDegraded{}
	cfg := &config.Config{AutoRaise: true}

	s := New(cfg, client, profile, notifier, degraded)
	stop := make(chan struct{})
	s.runCycle(stop)

	if len(degraded.reasons) != 1 || degraded.reasons[0] != "credentials" {
		t.Fatalf("expected one credentials-degraded signal, got %v", degraded.reasons)
	}
}

// A category with no active common subcategories must never be raised, just
// parked on the default cooldown.
func TestRunCycle_SkipsCategoryWithNoActiveLots(t *testing.T) {
	client := &fakeClient{}
	profile := &fakeProfileSource{profile: &models.Profile{
		Categories: []*models.Category{{ID: "empty", Position: 1}},
	}}
	notifier := &recordingNotifier{}
	cfg := &config.Config{AutoRaise: true}

	s := New(cfg, client, profile, notifier, nil)
	s.runCycle(make(chan struct{}))

	if atomic.LoadInt32(&client.raiseCalls) != 0 {
		t.Fatalf("expected no raise call for an empty category, got %d", client.raiseCalls)
	}
}
