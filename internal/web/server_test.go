package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/example/mealsched/internal/api"
	"github.com/example/mealsched/internal/autoreg"
	"github.com/example/mealsched/internal/domain/meal"
	"github.com/example/mealsched/internal/infrastructure/memory"
	"github.com/example/mealsched/internal/registration"
	"github.com/example/mealsched/internal/runs"
	"github.com/example/mealsched/internal/scheduler"
)

// 2026-06-01 is a Monday.
var monday = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

type fakeSchedules struct {
	refreshErr error
	refreshed  int
	active     []scheduler.Trigger
}

func (f *fakeSchedules) Refresh(context.Context) error {
	f.refreshed++
	return f.refreshErr
}

func (f *fakeSchedules) Active() []scheduler.Trigger { return f.active }

type fakeRuns struct{ list []runs.Run }

func (f fakeRuns) ListByTenant(_ context.Context, tenantID string, limit int) ([]runs.Run, error) {
	var out []runs.Run
	for _, r := range f.list {
		if r.TenantID == tenantID && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

type envelope struct {
	Outcome string          `json:"outcome"`
	Message string          `json:"message"`
	Payload json.RawMessage `json:"payload"`
}

type harness struct {
	srv       *httptest.Server
	store     *memory.Store
	clock     *testclock.FakeClock
	schedules *fakeSchedules
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memory.New()
	store.PutTenant("T", true)
	cfg := meal.NewWindowConfig("T", time.UTC)
	cfg.Set(time.Monday, meal.Lunch, meal.MealWindows{
		Enabled: true,
		Booking: meal.Window{Start: meal.Ptr(meal.MustTime("11:00")), End: meal.Ptr(meal.MustTime("11:30"))},
		Serving: meal.Window{Start: meal.Ptr(meal.MustTime("12:30")), End: meal.Ptr(meal.MustTime("13:30"))},
	})
	store.PutConfig(cfg)
	store.PutStudent(meal.Student{TenantID: "T", ID: "S1", Name: "Asha", Active: true})
	store.PutStudent(meal.Student{TenantID: "T", ID: "S2", Name: "Ravi", Active: true})

	clk := testclock.NewFakeClock(meal.MustTime("11:15").On(monday, time.UTC))
	reg := registration.New(store, store, store, registration.WithClock(clk))
	runner := &autoreg.Runner{Registrar: reg, Configs: store, Students: store, Tenants: store, Clock: clk}
	sched := &fakeSchedules{active: []scheduler.Trigger{{TenantID: "T", Weekday: time.Monday, MealType: meal.Lunch, At: meal.MustTime("11:00")}}}

	s := &Server{
		API:       api.New(reg, runner, nil, nil),
		Schedules: sched,
		Runs: fakeRuns{list: []runs.Run{
			{ID: "r1", TenantID: "T", MealType: meal.Lunch, MealDate: monday, Source: runs.SourceScheduled, Status: runs.StatusCompleted, Registered: 2},
			{ID: "r2", TenantID: "U", MealType: meal.Lunch, MealDate: monday},
		}},
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("# metrics\n")) }),
	}
	srv := httptest.NewServer(s.Routes())
	t.Cleanup(srv.Close)
	return &harness{srv: srv, store: store, clock: clk, schedules: sched}
}

func (h *harness) do(t *testing.T, method, path string, body any) (int, envelope) {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set(ActorHeader, "warden")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func lunch(student string) map[string]any {
	return map[string]any{"student_id": student, "meal_type": "lunch", "date": "2026-06-01"}
}

func TestRegisterAndStatusCodes(t *testing.T) {
	h := newHarness(t)

	code, env := h.do(t, http.MethodPost, "/v1/tenants/T/registrations", lunch("S1"))
	require.Equal(t, http.StatusOK, code, env.Message)
	assert.Equal(t, "success", env.Outcome)
	var reg map[string]any
	require.NoError(t, json.Unmarshal(env.Payload, &reg))
	assert.Equal(t, float64(1), reg["token_number"])
	assert.Equal(t, "2026-06-01", reg["meal_date"])
	assert.Equal(t, "warden", reg["created_by"])

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		msg    string
	}{
		{"duplicate", http.MethodPost, "/v1/tenants/T/registrations", lunch("S1"), http.StatusConflict, "already registered for lunch on 2026-06-01 (status registered)"},
		{"bad json", http.MethodPost, "/v1/tenants/T/registrations", "{", http.StatusBadRequest, "invalid request body"},
		{"bad meal", http.MethodPost, "/v1/tenants/T/registrations", map[string]any{"student_id": "S2", "meal_type": "tea", "date": "2026-06-01"}, http.StatusBadRequest, `invalid meal type "tea" (want lunch or dinner)`},
		{"unknown student", http.MethodPost, "/v1/tenants/T/registrations", lunch("S9"), http.StatusNotFound, "student not found"},
		{"unknown tenant", http.MethodPost, "/v1/tenants/U/registrations", lunch("S1"), http.StatusUnprocessableEntity, "meal windows are not configured"},
		{"consume outside serving", http.MethodPost, "/v1/tenants/T/registrations/consume", lunch("S1"), http.StatusUnprocessableEntity, "serving opens at 12:30"},
		{"codes disabled", http.MethodPost, "/v1/tenants/T/codes/consume", map[string]any{"code": "x", "meal_type": "lunch", "date": "2026-06-01"}, http.StatusUnprocessableEntity, "external codes are not enabled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, env := h.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, code)
			assert.Equal(t, "caller_error", env.Outcome)
			assert.Equal(t, tt.msg, env.Message)
		})
	}
}

func TestStateConflictIs409(t *testing.T) {
	h := newHarness(t)
	code, _ := h.do(t, http.MethodPost, "/v1/tenants/T/registrations", lunch("S1"))
	require.Equal(t, http.StatusOK, code)
	code, _ = h.do(t, http.MethodPost, "/v1/tenants/T/registrations/opt-out", lunch("S1"))
	require.Equal(t, http.StatusOK, code)

	code, env := h.do(t, http.MethodPost, "/v1/tenants/T/registrations/opt-out", lunch("S1"))
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "already opted out of lunch", env.Message)
}

func TestQueueAndOptedOut(t *testing.T) {
	h := newHarness(t)
	for _, s := range []string{"S1", "S2"} {
		code, _ := h.do(t, http.MethodPost, "/v1/tenants/T/registrations", lunch(s))
		require.Equal(t, http.StatusOK, code)
	}
	pref := lunch("S2")
	pref["preference"] = "non-veg"
	code, _ := h.do(t, http.MethodPut, "/v1/tenants/T/registrations/preference", pref)
	require.Equal(t, http.StatusOK, code)
	code, _ = h.do(t, http.MethodPost, "/v1/tenants/T/registrations/opt-out", lunch("S2"))
	require.Equal(t, http.StatusOK, code)

	code, env := h.do(t, http.MethodGet, "/v1/tenants/T/queue/lunch?date=2026-06-01", nil)
	require.Equal(t, http.StatusOK, code)
	var queue []struct {
		StudentID   string `json:"student_id"`
		TokenNumber int    `json:"token_number"`
	}
	require.NoError(t, json.Unmarshal(env.Payload, &queue))
	require.Len(t, queue, 1)
	assert.Equal(t, "S1", queue[0].StudentID)

	code, env = h.do(t, http.MethodGet, "/v1/tenants/T/opted-out/lunch?date=2026-06-01", nil)
	require.Equal(t, http.StatusOK, code)
	var sum registration.OptedOutSummary
	require.NoError(t, json.Unmarshal(env.Payload, &sum))
	assert.Equal(t, 1, sum.Count)
	assert.Equal(t, 1, sum.NonVegCount)

	code, env = h.do(t, http.MethodGet, "/v1/tenants/T/students/S2/status?date=2026-06-01", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Payload), `"status":"opted_out"`)
}

func TestTriggerEndpoints(t *testing.T) {
	h := newHarness(t)

	code, env := h.do(t, http.MethodPost, "/v1/tenants/T/autoreg/lunch", nil)
	require.Equal(t, http.StatusOK, code, env.Message)
	assert.Equal(t, "2 registered, 0 skipped, 0 errors", env.Message)

	code, env = h.do(t, http.MethodPost, "/v1/autoreg/lunch", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "1 tenants processed, 0 could not run", env.Message)

	h.clock.SetTime(meal.MustTime("11:31").On(monday, time.UTC))
	code, env = h.do(t, http.MethodPost, "/v1/tenants/T/autoreg/lunch", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "booking closed at 11:30", env.Message)
}

func TestSchedulesAndRuns(t *testing.T) {
	h := newHarness(t)

	code, env := h.do(t, http.MethodPost, "/v1/schedules/refresh", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, h.schedules.refreshed)
	var views []triggerView
	require.NoError(t, json.Unmarshal(env.Payload, &views))
	want := []triggerView{{Key: "T/Monday/lunch", TenantID: "T", Weekday: "Monday", MealType: meal.Lunch, At: "11:00", Timezone: "UTC"}}
	if diff := cmp.Diff(want, views); diff != "" {
		t.Errorf("triggers (-want +got):\n%s", diff)
	}

	h.schedules.refreshErr = errors.New("tenants table unreachable")
	code, env = h.do(t, http.MethodPost, "/v1/schedules/refresh", nil)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "server_error", env.Outcome)
	assert.Equal(t, "schedule refresh failed", env.Message)

	code, env = h.do(t, http.MethodGet, "/v1/tenants/T/runs?limit=5", nil)
	require.Equal(t, http.StatusOK, code)
	var rs []runView
	require.NoError(t, json.Unmarshal(env.Payload, &rs))
	require.Len(t, rs, 1)
	assert.Equal(t, "r1", rs[0].ID)
	assert.Equal(t, "2026-06-01", rs[0].MealDate)

	code, _ = h.do(t, http.MethodGet, "/v1/tenants/T/runs?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t)
	for path, want := range map[string]string{"/healthz": "ok\n", "/metrics": "# metrics\n"} {
		resp, err := http.Get(h.srv.URL + path)
		require.NoError(t, err)
		b, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Equal(t, want, string(b), path)
	}
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{meal.Invalid("x"), http.StatusBadRequest},
		{meal.NotFound("registration"), http.StatusNotFound},
		{&meal.DuplicateError{}, http.StatusConflict},
		{&meal.StateConflictError{Reason: "x"}, http.StatusConflict},
		{&meal.WindowClosedError{Reason: "x"}, http.StatusUnprocessableEntity},
		{&meal.ConfigurationError{Reason: "x"}, http.StatusUnprocessableEntity},
		{meal.Persistence("register", errors.New("x")), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		res := api.Result{Outcome: meal.Classify(tt.err), Err: tt.err}
		assert.Equal(t, tt.want, StatusCode(res), "%v", tt.err)
	}
}
