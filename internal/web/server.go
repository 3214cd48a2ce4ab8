// Package web serves the JSON API. Handlers only decode requests and encode
// api.Result envelopes; every decision is made below.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/example/mealsched/internal/api"
	"github.com/example/mealsched/internal/domain/meal"
	"github.com/example/mealsched/internal/runs"
	"github.com/example/mealsched/internal/scheduler"
)

type Schedules interface {
	Refresh(ctx context.Context) error
	Active() []scheduler.Trigger
}

type RunLister interface {
	ListByTenant(ctx context.Context, tenantID string, limit int) ([]runs.Run, error)
}

type Server struct {
	API       *api.API
	Schedules Schedules
	// Runs is optional; without it the run history route is not served.
	Runs    RunLister
	Metrics http.Handler
	Log     *zap.Logger
}

// ActorHeader names the caller recorded on registrations it creates.
const ActorHeader = "X-Actor"

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	if s.Metrics != nil {
		mux.Handle("GET /metrics", s.Metrics)
	}

	mux.HandleFunc("POST /v1/tenants/{tenant}/registrations", s.handleRegister)
	mux.HandleFunc("POST /v1/tenants/{tenant}/registrations/opt-out", s.handleRef((*api.API).OptOut))
	mux.HandleFunc("POST /v1/tenants/{tenant}/registrations/opt-in", s.handleRef((*api.API).OptBackIn))
	mux.HandleFunc("POST /v1/tenants/{tenant}/registrations/cancel", s.handleRef((*api.API).Cancel))
	mux.HandleFunc("POST /v1/tenants/{tenant}/registrations/consume", s.handleRef((*api.API).Consume))
	mux.HandleFunc("PUT /v1/tenants/{tenant}/registrations/preference", s.handlePreference)
	mux.HandleFunc("PUT /v1/tenants/{tenant}/registrations/special", s.handleSpecial)
	mux.HandleFunc("POST /v1/tenants/{tenant}/codes/register", s.handleCodeRegister)
	mux.HandleFunc("POST /v1/tenants/{tenant}/codes/consume", s.handleCodeConsume)

	mux.HandleFunc("GET /v1/tenants/{tenant}/students/{student}/status", s.handleStatus)
	mux.HandleFunc("GET /v1/tenants/{tenant}/queue/{meal}", s.handleQueue)
	mux.HandleFunc("GET /v1/tenants/{tenant}/opted-out/{meal}", s.handleOptedOut)

	mux.HandleFunc("POST /v1/tenants/{tenant}/autoreg/{meal}", s.handleTrigger)
	mux.HandleFunc("POST /v1/autoreg/{meal}", s.handleTriggerAll)
	if s.Runs != nil {
		mux.HandleFunc("GET /v1/tenants/{tenant}/runs", s.handleRuns)
	}

	if s.Schedules != nil {
		mux.HandleFunc("GET /v1/schedules", s.handleSchedules)
		mux.HandleFunc("POST /v1/schedules/refresh", s.handleRefresh)
	}

	return s.logRequests(mux)
}

// body is the union of every registration request body. The tenant always
// comes from the path.
type body struct {
	StudentID      string `json:"student_id"`
	Code           string `json:"code"`
	MealType       string `json:"meal_type"`
	Date           string `json:"date"`
	Preference     string `json:"preference"`
	IsSpecial      bool   `json:"is_special"`
	SpecialRemarks string `json:"special_remarks"`
}

func (b body) ref(tenant string) api.Ref {
	return api.Ref{TenantID: tenant, StudentID: b.StudentID, MealType: b.MealType, Date: b.Date}
}

func (b body) codeRef(tenant string) api.Ref {
	return api.Ref{TenantID: tenant, StudentID: b.Code, MealType: b.MealType, Date: b.Date}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	b, ok := decode(w, r)
	if !ok {
		return
	}
	res := s.API.Register(r.Context(), api.RegisterInput{
		Ref:            b.ref(r.PathValue("tenant")),
		Preference:     b.Preference,
		IsSpecial:      b.IsSpecial,
		SpecialRemarks: b.SpecialRemarks,
		Actor:          r.Header.Get(ActorHeader),
	})
	writeResult(w, res)
}

func (s *Server) handleCodeRegister(w http.ResponseWriter, r *http.Request) {
	b, ok := decode(w, r)
	if !ok {
		return
	}
	res := s.API.RegisterViaExternalCode(r.Context(), api.RegisterInput{
		Ref:            b.codeRef(r.PathValue("tenant")),
		Preference:     b.Preference,
		IsSpecial:      b.IsSpecial,
		SpecialRemarks: b.SpecialRemarks,
		Actor:          r.Header.Get(ActorHeader),
	})
	writeResult(w, res)
}

func (s *Server) handleCodeConsume(w http.ResponseWriter, r *http.Request) {
	b, ok := decode(w, r)
	if !ok {
		return
	}
	writeResult(w, s.API.ConsumeViaExternalCode(r.Context(), b.codeRef(r.PathValue("tenant"))))
}

func (s *Server) handleRef(op func(*api.API, context.Context, api.Ref) api.Result) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, ok := decode(w, r)
		if !ok {
			return
		}
		writeResult(w, op(s.API, r.Context(), b.ref(r.PathValue("tenant"))))
	}
}

func (s *Server) handlePreference(w http.ResponseWriter, r *http.Request) {
	b, ok := decode(w, r)
	if !ok {
		return
	}
	writeResult(w, s.API.UpdatePreference(r.Context(), b.ref(r.PathValue("tenant")), b.Preference))
}

func (s *Server) handleSpecial(w http.ResponseWriter, r *http.Request) {
	b, ok := decode(w, r)
	if !ok {
		return
	}
	writeResult(w, s.API.UpdateSpecialRequest(r.Context(), b.ref(r.PathValue("tenant")), b.IsSpecial, b.SpecialRemarks))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.API.GetStatus(r.Context(), r.PathValue("tenant"), r.PathValue("student"), r.URL.Query().Get("date")))
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.API.GetQueue(r.Context(), r.PathValue("tenant"), r.PathValue("meal"), r.URL.Query().Get("date")))
}

func (s *Server) handleOptedOut(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.API.GetOptedOutSummary(r.Context(), r.PathValue("tenant"), r.PathValue("meal"), r.URL.Query().Get("date")))
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.API.TriggerAutoRegistration(r.Context(), r.PathValue("tenant"), r.PathValue("meal"), r.URL.Query().Get("date")))
}

func (s *Server) handleTriggerAll(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.API.TriggerAllTenants(r.Context(), r.PathValue("meal")))
}

type runView struct {
	ID         string      `json:"id"`
	MealType   meal.Type   `json:"meal_type"`
	MealDate   string      `json:"meal_date"`
	Source     runs.Source `json:"source"`
	Status     string      `json:"status"`
	Registered int         `json:"registered"`
	Skipped    int         `json:"skipped"`
	Errored    int         `json:"errored"`
	Abandoned  int         `json:"abandoned"`
	LastError  *string     `json:"last_error,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			writeResult(w, api.Result{Outcome: meal.OutcomeCallerError, Message: "limit must be between 1 and 500", Err: meal.Invalid("limit")})
			return
		}
		limit = n
	}
	list, err := s.Runs.ListByTenant(r.Context(), r.PathValue("tenant"), limit)
	if err != nil {
		s.log().Error("list runs failed", zap.Error(err))
		writeResult(w, api.Result{Outcome: meal.OutcomeServerError, Message: "storage failure during list runs", Err: err})
		return
	}
	out := make([]runView, 0, len(list))
	for _, run := range list {
		out = append(out, runView{
			ID: run.ID, MealType: run.MealType, MealDate: run.MealDate.Format(meal.DateLayout),
			Source: run.Source, Status: run.Status,
			Registered: run.Registered, Skipped: run.Skipped, Errored: run.Errored, Abandoned: run.Abandoned,
			LastError: run.LastError, StartedAt: run.StartedAt, FinishedAt: run.FinishedAt,
		})
	}
	writeResult(w, api.Result{Outcome: meal.OutcomeSuccess, Message: strconv.Itoa(len(out)) + " runs", Payload: out})
}

type triggerView struct {
	Key      string    `json:"key"`
	TenantID string    `json:"tenant_id"`
	Weekday  string    `json:"weekday"`
	MealType meal.Type `json:"meal_type"`
	At       string    `json:"at"`
	Timezone string    `json:"timezone"`
}

func triggers(ts []scheduler.Trigger) []triggerView {
	out := make([]triggerView, 0, len(ts))
	for _, t := range ts {
		zone := "UTC"
		if t.Location != nil {
			zone = t.Location.String()
		}
		out = append(out, triggerView{
			Key: t.Key(), TenantID: t.TenantID, Weekday: t.Weekday.String(),
			MealType: t.MealType, At: t.At.String(), Timezone: zone,
		})
	}
	return out
}

func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	active := s.Schedules.Active()
	writeResult(w, api.Result{Outcome: meal.OutcomeSuccess, Message: strconv.Itoa(len(active)) + " active triggers", Payload: triggers(active)})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.Schedules.Refresh(r.Context()); err != nil {
		s.log().Error("schedule refresh failed", zap.Error(err))
		msg := "schedule refresh failed"
		if errors.Is(err, scheduler.ErrNotRunning) {
			msg = err.Error()
		}
		writeResult(w, api.Result{Outcome: meal.OutcomeServerError, Message: msg, Err: err})
		return
	}
	active := s.Schedules.Active()
	writeResult(w, api.Result{Outcome: meal.OutcomeSuccess, Message: "schedule refreshed", Payload: triggers(active)})
}

func decode(w http.ResponseWriter, r *http.Request) (body, bool) {
	var b body
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	if err := dec.Decode(&b); err != nil {
		writeResult(w, api.Result{Outcome: meal.OutcomeCallerError, Message: "invalid request body", Err: meal.Invalid("body")})
		return body{}, false
	}
	return b, true
}

// StatusCode maps a result to its HTTP status.
func StatusCode(res api.Result) int {
	switch res.Outcome {
	case meal.OutcomeSuccess:
		return http.StatusOK
	case meal.OutcomeServerError:
		return http.StatusInternalServerError
	}
	var (
		ve *meal.ValidationError
		nf *meal.NotFoundError
		de *meal.DuplicateError
		se *meal.StateConflictError
	)
	switch {
	case errors.As(res.Err, &ve):
		return http.StatusBadRequest
	case errors.As(res.Err, &nf):
		return http.StatusNotFound
	case errors.As(res.Err, &de), errors.As(res.Err, &se):
		return http.StatusConflict
	default:
		// closed windows and configuration problems
		return http.StatusUnprocessableEntity
	}
}

func writeResult(w http.ResponseWriter, res api.Result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(StatusCode(res))
	_ = json.NewEncoder(w).Encode(res)
}

func (s *Server) log() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log.Named("web")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	log := s.log()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)))
	})
}

// Start serves h on addr until ctx is done, then shuts down gracefully.
func Start(ctx context.Context, addr string, h http.Handler, log *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info("listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
