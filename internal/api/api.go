// Package api is the tenant-scoped operation surface. Every call parses its
// raw inputs, runs one domain operation and returns a Result; it never
// returns a Go error.
package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/example/mealsched/internal/autoreg"
	"github.com/example/mealsched/internal/domain/meal"
	"github.com/example/mealsched/internal/registration"
	"github.com/example/mealsched/internal/runs"
)

type Result struct {
	Outcome meal.Outcome `json:"outcome"`
	Message string       `json:"message"`
	Payload any          `json:"payload,omitempty"`
	// Err is the underlying error for transports that map it further.
	Err error `json:"-"`
}

func (r Result) OK() bool { return r.Outcome == meal.OutcomeSuccess }

type Bookings interface {
	Register(ctx context.Context, req registration.RegisterRequest) (meal.Registration, error)
	OptOut(ctx context.Context, key meal.Key) (meal.Registration, error)
	OptBackIn(ctx context.Context, key meal.Key) (meal.Registration, error)
	UpdatePreference(ctx context.Context, key meal.Key, pref meal.Preference) (meal.Registration, error)
	UpdateSpecialRequest(ctx context.Context, key meal.Key, isSpecial bool, remarks string) (meal.Registration, error)
	Cancel(ctx context.Context, key meal.Key) (meal.Registration, error)
	Consume(ctx context.Context, key meal.Key) (meal.Registration, error)
	Status(ctx context.Context, tenantID, studentID string, date time.Time) ([]meal.Registration, error)
	Queue(ctx context.Context, tenantID string, mt meal.Type, date time.Time) ([]meal.Registration, error)
	OptedOutSummary(ctx context.Context, tenantID string, mt meal.Type, date time.Time) (registration.OptedOutSummary, error)
}

type Batches interface {
	Run(ctx context.Context, tenantID string, mt meal.Type, date *time.Time, src runs.Source) (autoreg.Result, error)
	RunAllTenants(ctx context.Context, mt meal.Type, src runs.Source) ([]autoreg.Result, error)
}

// Codes resolves external (QR) codes to student ids.
type Codes interface {
	Resolve(tenantID, code string) (string, error)
}

type API struct {
	bookings Bookings
	batches  Batches
	codes    Codes
	log      *zap.Logger
}

// New builds the API. codes may be nil, in which case the external-code
// operations report a configuration error.
func New(bookings Bookings, batches Batches, codes Codes, log *zap.Logger) *API {
	if log == nil {
		log = zap.NewNop()
	}
	return &API{bookings: bookings, batches: batches, codes: codes, log: log.Named("api")}
}

// Ref names one registration in raw form.
type Ref struct {
	TenantID  string `json:"tenant_id"`
	StudentID string `json:"student_id"`
	MealType  string `json:"meal_type"`
	Date      string `json:"date"`
}

func (r Ref) key() (meal.Key, error) {
	if r.TenantID == "" {
		return meal.Key{}, meal.Invalid("tenant is required")
	}
	if r.StudentID == "" {
		return meal.Key{}, meal.Invalid("student is required")
	}
	mt, err := meal.ParseType(r.MealType)
	if err != nil {
		return meal.Key{}, meal.Invalid("%s", err.Error())
	}
	d, err := meal.ParseDate(r.Date)
	if err != nil {
		return meal.Key{}, meal.Invalid("%s", err.Error())
	}
	return meal.Key{TenantID: r.TenantID, StudentID: r.StudentID, MealType: mt, Date: d}, nil
}

type RegisterInput struct {
	Ref
	Preference     string `json:"preference"`
	IsSpecial      bool   `json:"is_special"`
	SpecialRemarks string `json:"special_remarks"`
	Actor          string `json:"-"`
}

func (a *API) Register(ctx context.Context, in RegisterInput) Result {
	return a.register(ctx, in, meal.SourceManual)
}

// RegisterViaExternalCode registers the student the code was issued for;
// in.StudentID carries the code.
func (a *API) RegisterViaExternalCode(ctx context.Context, in RegisterInput) Result {
	id, res, found := a.resolve(in.TenantID, in.StudentID)
	if !found {
		return res
	}
	in.StudentID = id
	return a.register(ctx, in, meal.SourceExternalCode)
}

func (a *API) register(ctx context.Context, in RegisterInput, src meal.Source) Result {
	key, err := in.key()
	if err != nil {
		return a.fail(err)
	}
	var pref meal.Preference
	if in.Preference != "" {
		if pref, err = meal.ParsePreference(in.Preference); err != nil {
			return a.fail(meal.Invalid("%s", err.Error()))
		}
	}
	r, err := a.bookings.Register(ctx, registration.RegisterRequest{
		TenantID:       key.TenantID,
		StudentID:      key.StudentID,
		MealType:       key.MealType,
		Date:           key.Date,
		Preference:     pref,
		IsSpecial:      in.IsSpecial,
		SpecialRemarks: in.SpecialRemarks,
		Source:         src,
		Actor:          in.Actor,
	})
	if err != nil {
		return a.fail(err)
	}
	return ok(fmt.Sprintf("registered for %s on %s with token %d", r.MealType, in.Date, r.TokenNumber), r)
}

func (a *API) OptOut(ctx context.Context, ref Ref) Result {
	return a.transition(ctx, ref, "opted out of", a.bookings.OptOut)
}

func (a *API) OptBackIn(ctx context.Context, ref Ref) Result {
	return a.transition(ctx, ref, "opted back in to", a.bookings.OptBackIn)
}

func (a *API) Cancel(ctx context.Context, ref Ref) Result {
	return a.transition(ctx, ref, "cancelled", a.bookings.Cancel)
}

func (a *API) Consume(ctx context.Context, ref Ref) Result {
	return a.transition(ctx, ref, "consumed", a.bookings.Consume)
}

// ConsumeViaExternalCode serves the student the code was issued for;
// ref.StudentID carries the code.
func (a *API) ConsumeViaExternalCode(ctx context.Context, ref Ref) Result {
	id, res, found := a.resolve(ref.TenantID, ref.StudentID)
	if !found {
		return res
	}
	ref.StudentID = id
	return a.Consume(ctx, ref)
}

func (a *API) UpdatePreference(ctx context.Context, ref Ref, preference string) Result {
	key, err := ref.key()
	if err != nil {
		return a.fail(err)
	}
	pref, err := meal.ParsePreference(preference)
	if err != nil {
		return a.fail(meal.Invalid("%s", err.Error()))
	}
	r, err := a.bookings.UpdatePreference(ctx, key, pref)
	if err != nil {
		return a.fail(err)
	}
	return ok(fmt.Sprintf("%s preference set to %s", r.MealType, r.Preference), r)
}

func (a *API) UpdateSpecialRequest(ctx context.Context, ref Ref, isSpecial bool, remarks string) Result {
	key, err := ref.key()
	if err != nil {
		return a.fail(err)
	}
	r, err := a.bookings.UpdateSpecialRequest(ctx, key, isSpecial, remarks)
	if err != nil {
		return a.fail(err)
	}
	return ok(fmt.Sprintf("%s special request updated", r.MealType), r)
}

func (a *API) GetStatus(ctx context.Context, tenantID, studentID, date string) Result {
	if tenantID == "" || studentID == "" {
		return a.fail(meal.Invalid("tenant and student are required"))
	}
	d, err := meal.ParseDate(date)
	if err != nil {
		return a.fail(meal.Invalid("%s", err.Error()))
	}
	rs, err := a.bookings.Status(ctx, tenantID, studentID, d)
	if err != nil {
		return a.fail(err)
	}
	if rs == nil {
		rs = []meal.Registration{}
	}
	return ok(fmt.Sprintf("%d registrations on %s", len(rs), date), rs)
}

func (a *API) GetQueue(ctx context.Context, tenantID, mealType, date string) Result {
	mt, d, err := parseMealDate(tenantID, mealType, date)
	if err != nil {
		return a.fail(err)
	}
	rs, err := a.bookings.Queue(ctx, tenantID, mt, d)
	if err != nil {
		return a.fail(err)
	}
	if rs == nil {
		rs = []meal.Registration{}
	}
	return ok(fmt.Sprintf("%d waiting for %s on %s", len(rs), mt, date), rs)
}

func (a *API) GetOptedOutSummary(ctx context.Context, tenantID, mealType, date string) Result {
	mt, d, err := parseMealDate(tenantID, mealType, date)
	if err != nil {
		return a.fail(err)
	}
	sum, err := a.bookings.OptedOutSummary(ctx, tenantID, mt, d)
	if err != nil {
		return a.fail(err)
	}
	return ok(fmt.Sprintf("%d opted out of %s on %s", sum.Count, mt, date), sum)
}

// TriggerAutoRegistration runs one batch now. An empty date means the
// tenant-local today.
func (a *API) TriggerAutoRegistration(ctx context.Context, tenantID, mealType, date string) Result {
	if tenantID == "" {
		return a.fail(meal.Invalid("tenant is required"))
	}
	mt, err := meal.ParseType(mealType)
	if err != nil {
		return a.fail(meal.Invalid("%s", err.Error()))
	}
	var day *time.Time
	if date != "" {
		d, err := meal.ParseDate(date)
		if err != nil {
			return a.fail(meal.Invalid("%s", err.Error()))
		}
		day = &d
	}
	res, err := a.batches.Run(ctx, tenantID, mt, day, runs.SourceManual)
	if err != nil {
		r := a.fail(err)
		r.Payload = res
		return r
	}
	return ok(summary(res), res)
}

// TriggerAllTenants runs mt for today on every active tenant. Per-tenant
// failures are reported in the payload; the call itself succeeds.
func (a *API) TriggerAllTenants(ctx context.Context, mealType string) Result {
	mt, err := meal.ParseType(mealType)
	if err != nil {
		return a.fail(meal.Invalid("%s", err.Error()))
	}
	results, err := a.batches.RunAllTenants(ctx, mt, runs.SourceManual)
	if err != nil {
		return a.fail(err)
	}
	failed := 0
	for _, r := range results {
		if r.Failure != "" {
			failed++
		}
	}
	return ok(fmt.Sprintf("%d tenants processed, %d could not run", len(results), failed), results)
}

func (a *API) resolve(tenantID, code string) (string, Result, bool) {
	if a.codes == nil {
		return "", a.fail(&meal.ConfigurationError{Reason: "external codes are not enabled"}), false
	}
	if tenantID == "" || code == "" {
		return "", a.fail(meal.Invalid("tenant and code are required")), false
	}
	id, err := a.codes.Resolve(tenantID, code)
	if err != nil {
		return "", a.fail(err), false
	}
	return id, Result{}, true
}

func (a *API) transition(ctx context.Context, ref Ref, verb string,
	op func(context.Context, meal.Key) (meal.Registration, error)) Result {
	key, err := ref.key()
	if err != nil {
		return a.fail(err)
	}
	r, err := op(ctx, key)
	if err != nil {
		return a.fail(err)
	}
	return ok(fmt.Sprintf("%s %s on %s", verb, r.MealType, ref.Date), r)
}

func parseMealDate(tenantID, mealType, date string) (meal.Type, time.Time, error) {
	if tenantID == "" {
		return "", time.Time{}, meal.Invalid("tenant is required")
	}
	mt, err := meal.ParseType(mealType)
	if err != nil {
		return "", time.Time{}, meal.Invalid("%s", err.Error())
	}
	d, err := meal.ParseDate(date)
	if err != nil {
		return "", time.Time{}, meal.Invalid("%s", err.Error())
	}
	return mt, d, nil
}

func summary(res autoreg.Result) string {
	return fmt.Sprintf("%d registered, %d skipped, %d errors", len(res.Registered), len(res.Skipped), res.ErrorCount)
}

func ok(msg string, payload any) Result {
	return Result{Outcome: meal.OutcomeSuccess, Message: msg, Payload: payload}
}

// fail classifies err. Server errors other than persistence failures carry
// a generic message; their detail stays in the logs.
func (a *API) fail(err error) Result {
	outcome := meal.Classify(err)
	msg := err.Error()
	var pe *meal.PersistenceError
	if outcome == meal.OutcomeServerError && !errors.As(err, &pe) {
		a.log.Error("unclassified error", zap.Error(err))
		msg = "internal error"
	}
	return Result{Outcome: outcome, Message: msg, Err: err}
}
