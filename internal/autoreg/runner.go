// Package autoreg bulk-registers a tenant's eligible students for one meal
// and date through the same Register path interactive bookings use.
package autoreg

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/example/mealsched/internal/domain/meal"
	"github.com/example/mealsched/internal/events"
	"github.com/example/mealsched/internal/metrics"
	"github.com/example/mealsched/internal/registration"
	"github.com/example/mealsched/internal/runs"
	"github.com/example/mealsched/internal/window"
)

type Registrar interface {
	Register(ctx context.Context, req registration.RegisterRequest) (meal.Registration, error)
}

type ConfigStore interface {
	Config(ctx context.Context, tenantID string) (meal.WindowConfig, error)
}

type StudentLister interface {
	ActiveStudents(ctx context.Context, tenantID string) ([]meal.Student, error)
}

type TenantLister interface {
	ActiveTenants(ctx context.Context) ([]string, error)
}

type Recorder interface {
	Start(ctx context.Context, run runs.Run) error
	Finish(ctx context.Context, run runs.Run) error
}

type StudentError struct {
	StudentID string `json:"student_id"`
	Error     string `json:"error"`
}

// Result is the outcome of one batch. Errors is truncated to the runner's
// limit; ErrorCount is the full count.
type Result struct {
	RunID      string         `json:"run_id"`
	TenantID   string         `json:"tenant_id"`
	MealType   meal.Type      `json:"meal_type"`
	Date       string         `json:"date"`
	Source     runs.Source    `json:"source"`
	Registered []string       `json:"registered"`
	Skipped    []string       `json:"skipped"`
	Errors     []StudentError `json:"errors"`
	ErrorCount int            `json:"error_count"`
	Abandoned  int            `json:"abandoned,omitempty"`
	Truncated  bool           `json:"truncated,omitempty"`
	// Failure is set when the batch as a whole could not run.
	Failure string `json:"failure,omitempty"`
}

type Runner struct {
	Registrar Registrar
	Configs   ConfigStore
	Students  StudentLister
	Tenants   TenantLister
	Runs      Recorder
	Events    events.Publisher
	Clock     clock.PassiveClock
	Log       *zap.Logger

	// Concurrency bounds per-student fan-out; 1 means sequential.
	Concurrency int
	// MaxErrors bounds Result.Errors.
	MaxErrors int
}

func (r *Runner) clock() clock.PassiveClock {
	if r.Clock == nil {
		return clock.RealClock{}
	}
	return r.Clock
}

func (r *Runner) log() *zap.Logger {
	if r.Log == nil {
		return zap.NewNop()
	}
	return r.Log.Named("autoreg")
}

// Run registers every active student of tenantID for mt on date. A nil date
// means the tenant-local today. The booking window is re-checked first; a
// closed window fails the whole batch, while per-student failures are
// recorded and skipped. When ctx is cancelled the in-flight attempts finish
// and the remaining students are abandoned.
func (r *Runner) Run(ctx context.Context, tenantID string, mt meal.Type, date *time.Time, src runs.Source) (Result, error) {
	log := r.log().With(zap.String("tenant", tenantID), zap.String("meal", string(mt)), zap.String("source", string(src)))
	res := Result{RunID: uuid.NewString(), TenantID: tenantID, MealType: mt, Source: src}

	now := r.clock().Now()
	cfg, err := r.Configs.Config(ctx, tenantID)
	if err != nil {
		if meal.IsNotFound(err) {
			err = &meal.ConfigurationError{Reason: "meal windows are not configured"}
		}
		// without a config the tenant-local date is unknown; UTC stands in
		day := meal.Day(now.UTC())
		if date != nil {
			day = meal.Day(*date)
		}
		return r.failed(ctx, res, day, meal.Persistence("load window config", err), log)
	}
	day := window.Today(cfg, now)
	if date != nil {
		day = meal.Day(*date)
	}
	res.Date = day.Format(meal.DateLayout)

	if err := window.Check(cfg, window.Booking, mt, day, now); err != nil {
		return r.failed(ctx, res, day, err, log)
	}

	students, err := r.Students.ActiveStudents(ctx, tenantID)
	if err != nil {
		return r.failed(ctx, res, day, meal.Persistence("list students", err), log)
	}

	run := runs.Run{ID: res.RunID, TenantID: tenantID, MealType: mt, MealDate: day, Source: src, StartedAt: now}
	r.record(ctx, log, func(c context.Context) error { return r.Runs.Start(c, run) })

	var (
		mu   sync.Mutex
		g    errgroup.Group
		errs []StudentError
	)
	limit := r.Concurrency
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)
	for _, st := range students {
		if ctx.Err() != nil {
			mu.Lock()
			res.Abandoned++
			mu.Unlock()
			continue
		}
		st := st
		g.Go(func() error {
			if ctx.Err() != nil {
				mu.Lock()
				res.Abandoned++
				mu.Unlock()
				return nil
			}
			// an attempt that has started is allowed to finish
			_, err := r.Registrar.Register(context.WithoutCancel(ctx), registration.RegisterRequest{
				TenantID:  tenantID,
				StudentID: st.ID,
				MealType:  mt,
				Date:      day,
				Source:    meal.SourceAuto,
				Actor:     "autoreg:" + string(src),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				res.Registered = append(res.Registered, st.ID)
			case meal.IsDuplicate(err):
				res.Skipped = append(res.Skipped, st.ID)
			default:
				errs = append(errs, StudentError{StudentID: st.ID, Error: err.Error()})
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(res.Registered)
	sort.Strings(res.Skipped)
	sort.Slice(errs, func(i, j int) bool { return errs[i].StudentID < errs[j].StudentID })
	res.ErrorCount = len(errs)
	res.Errors = errs
	if n := r.MaxErrors; n > 0 && len(errs) > n {
		res.Errors = errs[:n]
		res.Truncated = true
	}
	if res.Registered == nil {
		res.Registered = []string{}
	}
	if res.Skipped == nil {
		res.Skipped = []string{}
	}
	if res.Errors == nil {
		res.Errors = []StudentError{}
	}

	finished := r.clock().Now()
	run.Status = runs.StatusCompleted
	run.Registered, run.Skipped, run.Errored, run.Abandoned = len(res.Registered), len(res.Skipped), res.ErrorCount, res.Abandoned
	run.FinishedAt = &finished
	if len(errs) > 0 {
		msg := errs[0].StudentID + ": " + errs[0].Error
		run.LastError = &msg
	}
	r.record(ctx, log, func(c context.Context) error { return r.Runs.Finish(c, run) })

	metrics.RecordAutoregRun(string(src), "completed")
	metrics.RecordAutoregStudents(string(mt), "registered", len(res.Registered))
	metrics.RecordAutoregStudents(string(mt), "skipped", len(res.Skipped))
	metrics.RecordAutoregStudents(string(mt), "errored", res.ErrorCount)
	metrics.RecordAutoregStudents(string(mt), "abandoned", res.Abandoned)
	r.publish(ctx, log, events.New("autoreg.completed", tenantID, finished, res))

	log.Info("auto-registration finished",
		zap.String("run_id", res.RunID), zap.String("date", res.Date),
		zap.Int("registered", len(res.Registered)), zap.Int("skipped", len(res.Skipped)),
		zap.Int("errored", res.ErrorCount), zap.Int("abandoned", res.Abandoned))
	return res, nil
}

// RunAllTenants runs mt for today on every active tenant. A tenant whose
// batch cannot run gets a Result with Failure set; the others are unaffected.
func (r *Runner) RunAllTenants(ctx context.Context, mt meal.Type, src runs.Source) ([]Result, error) {
	tenants, err := r.Tenants.ActiveTenants(ctx)
	if err != nil {
		return nil, meal.Persistence("list tenants", err)
	}
	out := make([]Result, 0, len(tenants))
	for _, t := range tenants {
		if ctx.Err() != nil {
			break
		}
		res, err := r.Run(ctx, t, mt, nil, src)
		if err != nil {
			res.Failure = err.Error()
		}
		out = append(out, res)
	}
	return out, nil
}

// failed records a batch that could not run as a finished run with status
// failed and no per-student counts.
func (r *Runner) failed(ctx context.Context, res Result, day time.Time, err error, log *zap.Logger) (Result, error) {
	res.Failure = err.Error()
	if res.Date == "" {
		res.Date = day.Format(meal.DateLayout)
	}
	now := r.clock().Now()
	msg := err.Error()
	run := runs.Run{
		ID: res.RunID, TenantID: res.TenantID, MealType: res.MealType, MealDate: day, Source: res.Source,
		Status: runs.StatusFailed, LastError: &msg, StartedAt: now, FinishedAt: &now,
	}
	r.record(ctx, log, func(c context.Context) error {
		if err := r.Runs.Start(c, run); err != nil {
			return err
		}
		return r.Runs.Finish(c, run)
	})
	metrics.RecordAutoregRun(string(res.Source), string(meal.Classify(err)))
	if meal.Classify(err) == meal.OutcomeServerError {
		log.Error("auto-registration failed", zap.Error(err), zap.NamedError("cause", unwrap(err)))
	} else {
		log.Info("auto-registration skipped", zap.String("reason", err.Error()))
	}
	return res, err
}

func (r *Runner) record(ctx context.Context, log *zap.Logger, fn func(context.Context) error) {
	if r.Runs == nil {
		return
	}
	if err := fn(context.WithoutCancel(ctx)); err != nil {
		log.Warn("record run failed", zap.Error(err))
	}
}

func (r *Runner) publish(ctx context.Context, log *zap.Logger, ev events.Event) {
	if r.Events == nil {
		return
	}
	if err := r.Events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		log.Warn("publish event failed", zap.String("type", ev.Type), zap.Error(err))
	}
}

func unwrap(err error) error {
	var pe *meal.PersistenceError
	if errors.As(err, &pe) {
		return pe.Err
	}
	return err
}
