package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/example/mealsched/internal/autoreg"
	"github.com/example/mealsched/internal/domain/meal"
	"github.com/example/mealsched/internal/infrastructure/memory"
	"github.com/example/mealsched/internal/runs"
)

// 2026-06-01 is a Monday.
var monday = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func windows(bookStart, bookEnd string) meal.MealWindows {
	return meal.MealWindows{
		Enabled: true,
		Booking: meal.Window{Start: meal.Ptr(meal.MustTime(bookStart)), End: meal.Ptr(meal.MustTime(bookEnd))},
		Serving: meal.Window{Start: meal.Ptr(meal.MustTime("12:30")), End: meal.Ptr(meal.MustTime("13:30"))},
	}
}

func TestTriggerNext(t *testing.T) {
	kolkata, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)

	tests := []struct {
		name    string
		trigger Trigger
		after   time.Time
		want    time.Time
	}{
		{
			name:    "later today",
			trigger: Trigger{Weekday: time.Monday, At: meal.MustTime("11:00"), Location: time.UTC},
			after:   monday.Add(9 * time.Hour),
			want:    monday.Add(11 * time.Hour),
		},
		{
			name:    "exactly at firing moves to next week",
			trigger: Trigger{Weekday: time.Monday, At: meal.MustTime("11:00"), Location: time.UTC},
			after:   monday.Add(11 * time.Hour),
			want:    monday.AddDate(0, 0, 7).Add(11 * time.Hour),
		},
		{
			name:    "later weekday",
			trigger: Trigger{Weekday: time.Wednesday, At: meal.MustTime("18:00"), Location: time.UTC},
			after:   monday.Add(20 * time.Hour),
			want:    monday.AddDate(0, 0, 2).Add(18 * time.Hour),
		},
		{
			name:    "tenant timezone",
			trigger: Trigger{Weekday: time.Monday, At: meal.MustTime("11:00"), Location: kolkata},
			after:   monday,
			want:    time.Date(2026, 6, 1, 11, 0, 0, 0, kolkata),
		},
		{
			name:    "nil location is UTC",
			trigger: Trigger{Weekday: time.Tuesday, At: meal.MustTime("07:30")},
			after:   monday,
			want:    monday.AddDate(0, 0, 1).Add(7*time.Hour + 30*time.Minute),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.trigger.Next(tt.after)
			assert.True(t, tt.want.Equal(got), "want %s got %s", tt.want, got)
		})
	}
}

func TestPlan(t *testing.T) {
	a := meal.NewWindowConfig("a", time.UTC)
	a.Set(time.Monday, meal.Lunch, windows("11:00", "11:30"))
	a.Set(time.Monday, meal.Dinner, windows("17:00", "18:00"))
	a.Set(time.Tuesday, meal.Lunch, meal.MealWindows{Enabled: false})
	a.Set(time.Wednesday, meal.Lunch, meal.MealWindows{Enabled: true})

	b := meal.NewWindowConfig("b", time.UTC)
	b.Set(time.Friday, meal.Dinner, windows("19:00", "18:00"))
	b.Set(time.Saturday, meal.Lunch, windows("10:00", "10:30"))

	triggers, skipped := Plan([]meal.WindowConfig{b, a})

	keys := make([]string, 0, len(triggers))
	for _, tr := range triggers {
		keys = append(keys, tr.Key())
	}
	want := []string{"a/Monday/dinner", "a/Monday/lunch", "b/Saturday/lunch"}
	if diff := cmp.Diff(want, keys); diff != "" {
		t.Errorf("triggers (-want +got):\n%s", diff)
	}
	assert.Equal(t, meal.MustTime("17:00"), triggers[0].At)

	wantSkipped := []Skipped{
		{Key: "b/Friday/dinner", Reason: "booking window start is not before end"},
		{Key: "a/Wednesday/lunch", Reason: "booking window not configured"},
	}
	if diff := cmp.Diff(wantSkipped, skipped); diff != "" {
		t.Errorf("skipped (-want +got):\n%s", diff)
	}
}

type call struct {
	tenant string
	meal   meal.Type
	date   time.Time
	src    runs.Source
}

// fakeBatch records calls and optionally blocks until released.
type fakeBatch struct {
	calls   chan call
	release chan struct{}

	mu       sync.Mutex
	finished int
	ctxErr   error
}

func newFakeBatch(block bool) *fakeBatch {
	b := &fakeBatch{calls: make(chan call, 8)}
	if block {
		b.release = make(chan struct{})
	}
	return b
}

func (b *fakeBatch) Run(ctx context.Context, tenantID string, mt meal.Type, date *time.Time, src runs.Source) (autoreg.Result, error) {
	b.calls <- call{tenant: tenantID, meal: mt, date: *date, src: src}
	if b.release != nil {
		<-b.release
	}
	b.mu.Lock()
	b.finished++
	b.ctxErr = ctx.Err()
	b.mu.Unlock()
	return autoreg.Result{TenantID: tenantID, MealType: mt}, nil
}

func (b *fakeBatch) done() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finished, b.ctxErr
}

type harness struct {
	store *memory.Store
	clock *testclock.FakeClock
	batch *fakeBatch
	mgr   *Manager
	stop  context.CancelFunc
	errc  chan error
}

func start(t *testing.T, batch *fakeBatch) *harness {
	t.Helper()
	store := memory.New()
	store.PutTenant("T", true)
	cfg := meal.NewWindowConfig("T", time.UTC)
	cfg.Set(time.Monday, meal.Lunch, windows("11:00", "11:30"))
	store.PutConfig(cfg)

	clk := testclock.NewFakeClock(monday.Add(10 * time.Hour))
	mgr := &Manager{Tenants: store, Configs: store, Batch: batch, Clock: clk}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- mgr.Run(ctx) }()

	require.Eventually(t, func() bool { return len(mgr.Active()) == 1 && clk.HasWaiters() }, time.Second, time.Millisecond)
	h := &harness{store: store, clock: clk, batch: batch, mgr: mgr, stop: cancel, errc: errc}
	t.Cleanup(func() {
		cancel()
		select {
		case <-errc:
		case <-time.After(time.Second):
			t.Error("manager did not stop")
		}
	})
	return h
}

func (h *harness) nextCall(t *testing.T) call {
	t.Helper()
	select {
	case c := <-h.batch.calls:
		return c
	case <-time.After(time.Second):
		t.Fatal("trigger did not fire")
		return call{}
	}
}

func TestManagerFiresAtBookingStart(t *testing.T) {
	h := start(t, newFakeBatch(false))

	h.clock.SetTime(monday.Add(10*time.Hour + 59*time.Minute))
	select {
	case c := <-h.batch.calls:
		t.Fatalf("fired early: %+v", c)
	case <-time.After(20 * time.Millisecond):
	}

	h.clock.SetTime(monday.Add(11 * time.Hour))
	c := h.nextCall(t)
	assert.Equal(t, "T", c.tenant)
	assert.Equal(t, meal.Lunch, c.meal)
	assert.Equal(t, runs.SourceScheduled, c.src)
	assert.True(t, monday.Equal(c.date))

	// re-armed for the following Monday
	require.Eventually(t, h.clock.HasWaiters, time.Second, time.Millisecond)
}

func TestManagerRefreshReplacesTriggers(t *testing.T) {
	h := start(t, newFakeBatch(false))
	ctx := context.Background()

	cfg := meal.NewWindowConfig("T", time.UTC)
	cfg.Set(time.Monday, meal.Lunch, meal.MealWindows{Enabled: false})
	cfg.Set(time.Tuesday, meal.Dinner, windows("17:00", "18:00"))
	h.store.PutConfig(cfg)
	h.store.PutTenant("U", true)

	require.NoError(t, h.mgr.Refresh(ctx))
	active := h.mgr.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "T/Tuesday/dinner", active[0].Key())

	// the disabled Monday trigger no longer fires
	h.clock.SetTime(monday.Add(11 * time.Hour))
	select {
	case c := <-h.batch.calls:
		t.Fatalf("stale trigger fired: %+v", c)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestRefreshDoesNotInterruptFiring(t *testing.T) {
	batch := newFakeBatch(true)
	h := start(t, batch)

	h.clock.SetTime(monday.Add(11 * time.Hour))
	h.nextCall(t)

	require.NoError(t, h.mgr.Refresh(context.Background()))
	close(batch.release)

	require.Eventually(t, func() bool {
		n, _ := batch.done()
		return n == 1
	}, time.Second, time.Millisecond)
	_, err := batch.done()
	assert.NoError(t, err, "in-flight firing keeps a live context across refresh")
}

func TestRefreshRequiresRunningManager(t *testing.T) {
	store := memory.New()
	mgr := &Manager{Tenants: store, Configs: store, Batch: newFakeBatch(false), Clock: testclock.NewFakeClock(monday)}
	assert.ErrorIs(t, mgr.Refresh(context.Background()), ErrNotRunning)
}

func TestRunStopsAllTriggers(t *testing.T) {
	h := start(t, newFakeBatch(false))
	h.stop()
	select {
	case err := <-h.errc:
		assert.ErrorIs(t, err, context.Canceled)
		h.errc <- err
	case <-time.After(time.Second):
		t.Fatal("manager did not stop")
	}
	assert.Empty(t, h.mgr.Active())
}
