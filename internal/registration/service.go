// Package registration owns the lifecycle of a single meal registration:
// register, opt out, opt back in, update, cancel and consume.
package registration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/example/mealsched/internal/domain/meal"
	"github.com/example/mealsched/internal/events"
	"github.com/example/mealsched/internal/metrics"
	"github.com/example/mealsched/internal/window"
)

type Service struct {
	store    Store
	configs  ConfigStore
	students Students

	clock  clock.PassiveClock
	events events.Publisher
	log    *zap.Logger
}

type Option func(*Service)

func WithClock(c clock.PassiveClock) Option { return func(s *Service) { s.clock = c } }

func WithPublisher(p events.Publisher) Option { return func(s *Service) { s.events = p } }

func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.log = l } }

func New(store Store, configs ConfigStore, students Students, opts ...Option) *Service {
	s := &Service{
		store:    store,
		configs:  configs,
		students: students,
		clock:    clock.RealClock{},
		events:   events.Nop{},
		log:      zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.Named("registration")
	return s
}

type RegisterRequest struct {
	TenantID  string
	StudentID string
	MealType  meal.Type
	Date      time.Time
	// Preference defaults to the student's default, then veg.
	Preference     meal.Preference
	IsSpecial      bool
	SpecialRemarks string
	Source         meal.Source
	Actor          string
}

func (r RegisterRequest) key() meal.Key {
	return meal.Key{TenantID: r.TenantID, StudentID: r.StudentID, MealType: r.MealType, Date: meal.Day(r.Date)}
}

// Register creates a registered row with the next token for the meal and
// date. A prior cancelled registration does not block a new one; the new
// row gets a fresh token.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (meal.Registration, error) {
	key := req.key()
	cfg, err := s.config(ctx, key.TenantID)
	if err != nil {
		return s.done(ctx, "register", key, meal.Registration{}, err)
	}
	now := s.clock.Now()
	if err := window.Check(cfg, window.Booking, key.MealType, key.Date, now); err != nil {
		return s.done(ctx, "register", key, meal.Registration{}, err)
	}

	student, err := s.students.Student(ctx, key.TenantID, key.StudentID)
	if err != nil {
		return s.done(ctx, "register", key, meal.Registration{}, meal.Persistence("load student", err))
	}
	if !student.Active {
		return s.done(ctx, "register", key, meal.Registration{}, meal.NotFound("active student"))
	}

	pref := req.Preference
	if pref == "" {
		pref = student.DefaultPreference
	}
	if pref == "" {
		pref = meal.Veg
	}
	src := req.Source
	if src == "" {
		src = meal.SourceManual
	}

	reg := meal.Registration{
		TenantID:       key.TenantID,
		StudentID:      key.StudentID,
		MealType:       key.MealType,
		MealDate:       key.Date,
		Status:         meal.StatusRegistered,
		Preference:     pref,
		IsSpecial:      req.IsSpecial,
		SpecialRemarks: req.SpecialRemarks,
		Source:         src,
		Student:        student.Snapshot(),
		CreatedBy:      req.Actor,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err = s.store.WithTx(ctx, func(tx Tx) error {
		cur, err := tx.Current(ctx, key)
		switch {
		case err == nil && cur.Status.Active():
			return &meal.DuplicateError{Key: key, Status: cur.Status}
		case err != nil && !meal.IsNotFound(err):
			return err
		}
		token, err := tx.NextToken(ctx, key.TenantID, key.MealType, key.Date)
		if err != nil {
			return err
		}
		reg.TokenNumber = token
		return tx.Insert(ctx, &reg)
	})
	if err != nil {
		return s.done(ctx, "register", key, meal.Registration{}, meal.Persistence("register", err))
	}
	return s.done(ctx, "register", key, reg, nil)
}

// OptOut moves a registered row to opted_out. An opted-out student is not
// in the serving queue.
func (s *Service) OptOut(ctx context.Context, key meal.Key) (meal.Registration, error) {
	return s.transition(ctx, "opt_out", window.Booking, key, func(r *meal.Registration, _ time.Time) error {
		switch r.Status {
		case meal.StatusRegistered:
			r.Status = meal.StatusOptedOut
			return nil
		case meal.StatusOptedOut:
			return conflict(r.Status, "already opted out of %s", r.MealType)
		default:
			return conflict(r.Status, "cannot opt out of a %s %s registration", r.Status, r.MealType)
		}
	})
}

// OptBackIn returns an opted-out row to registered, keeping its token and
// preference.
func (s *Service) OptBackIn(ctx context.Context, key meal.Key) (meal.Registration, error) {
	return s.transition(ctx, "opt_in", window.Booking, key, func(r *meal.Registration, _ time.Time) error {
		switch r.Status {
		case meal.StatusOptedOut:
			r.Status = meal.StatusRegistered
			return nil
		case meal.StatusRegistered:
			return conflict(r.Status, "already registered for %s", r.MealType)
		default:
			return conflict(r.Status, "cannot opt back in to a %s %s registration", r.Status, r.MealType)
		}
	})
}

func (s *Service) UpdatePreference(ctx context.Context, key meal.Key, pref meal.Preference) (meal.Registration, error) {
	return s.transition(ctx, "update_preference", window.Booking, key, func(r *meal.Registration, _ time.Time) error {
		if err := mutable(r); err != nil {
			return err
		}
		r.Preference = pref
		return nil
	})
}

func (s *Service) UpdateSpecialRequest(ctx context.Context, key meal.Key, isSpecial bool, remarks string) (meal.Registration, error) {
	return s.transition(ctx, "update_special", window.Booking, key, func(r *meal.Registration, _ time.Time) error {
		if err := mutable(r); err != nil {
			return err
		}
		r.IsSpecial = isSpecial
		r.SpecialRemarks = remarks
		if !isSpecial {
			r.SpecialRemarks = ""
		}
		return nil
	})
}

// Cancel is irreversible. Only a registered row can be cancelled.
func (s *Service) Cancel(ctx context.Context, key meal.Key) (meal.Registration, error) {
	return s.transition(ctx, "cancel", window.Booking, key, func(r *meal.Registration, _ time.Time) error {
		switch r.Status {
		case meal.StatusRegistered:
			r.Status = meal.StatusCancelled
			return nil
		case meal.StatusCancelled:
			return conflict(r.Status, "%s registration is already cancelled", r.MealType)
		default:
			return conflict(r.Status, "cannot cancel a %s %s registration", r.Status, r.MealType)
		}
	})
}

// Consume marks a registered row as served. It is checked against the
// serving window only; opted-out, cancelled and already consumed rows are
// always rejected.
func (s *Service) Consume(ctx context.Context, key meal.Key) (meal.Registration, error) {
	return s.transition(ctx, "consume", window.Serving, key, func(r *meal.Registration, now time.Time) error {
		switch r.Status {
		case meal.StatusRegistered:
			r.Status = meal.StatusConsumed
			at := now
			r.ConsumedAt = &at
			return nil
		case meal.StatusConsumed:
			return conflict(r.Status, "%s already consumed", r.MealType)
		case meal.StatusOptedOut:
			return conflict(r.Status, "student opted out of %s", r.MealType)
		default:
			return conflict(r.Status, "%s registration is cancelled", r.MealType)
		}
	})
}

// Status returns the student's registrations on date, both meals, cancelled included.
func (s *Service) Status(ctx context.Context, tenantID, studentID string, date time.Time) ([]meal.Registration, error) {
	regs, err := s.store.ByStudent(ctx, tenantID, studentID, meal.Day(date))
	if err != nil {
		return nil, s.logged("status", meal.Persistence("load status", err))
	}
	return regs, nil
}

// Queue returns registered, not yet consumed rows ordered by token.
func (s *Service) Queue(ctx context.Context, tenantID string, mt meal.Type, date time.Time) ([]meal.Registration, error) {
	regs, err := s.store.ByStatus(ctx, tenantID, mt, meal.Day(date), meal.StatusRegistered)
	if err != nil {
		return nil, s.logged("queue", meal.Persistence("load queue", err))
	}
	return regs, nil
}

type OptedOutSummary struct {
	MealType      meal.Type           `json:"meal_type"`
	Date          string              `json:"date"`
	Count         int                 `json:"count"`
	NonVegCount   int                 `json:"non_veg_count"`
	VegCount      int                 `json:"veg_count"`
	Registrations []meal.Registration `json:"registrations"`
}

func (s *Service) OptedOutSummary(ctx context.Context, tenantID string, mt meal.Type, date time.Time) (OptedOutSummary, error) {
	date = meal.Day(date)
	regs, err := s.store.ByStatus(ctx, tenantID, mt, date, meal.StatusOptedOut)
	if err != nil {
		return OptedOutSummary{}, s.logged("opted_out_summary", meal.Persistence("load opted out", err))
	}
	sum := OptedOutSummary{MealType: mt, Date: date.Format(meal.DateLayout), Count: len(regs), Registrations: regs}
	for _, r := range regs {
		if r.Preference == meal.NonVeg {
			sum.NonVegCount++
		} else {
			sum.VegCount++
		}
	}
	if sum.Registrations == nil {
		sum.Registrations = []meal.Registration{}
	}
	return sum, nil
}

func (s *Service) transition(ctx context.Context, op string, kind window.Kind, key meal.Key,
	apply func(r *meal.Registration, now time.Time) error) (meal.Registration, error) {
	key.Date = meal.Day(key.Date)
	cfg, err := s.config(ctx, key.TenantID)
	if err != nil {
		return s.done(ctx, op, key, meal.Registration{}, err)
	}
	now := s.clock.Now()
	if err := window.Check(cfg, kind, key.MealType, key.Date, now); err != nil {
		return s.done(ctx, op, key, meal.Registration{}, err)
	}

	var out meal.Registration
	err = s.store.WithTx(ctx, func(tx Tx) error {
		r, err := tx.Current(ctx, key)
		if err != nil {
			if meal.IsNotFound(err) {
				return meal.NotFound("registration")
			}
			return err
		}
		if err := apply(&r, now); err != nil {
			return err
		}
		r.UpdatedAt = now
		if err := tx.Update(ctx, r); err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return s.done(ctx, op, key, meal.Registration{}, meal.Persistence(op, err))
	}
	return s.done(ctx, op, key, out, nil)
}

func (s *Service) config(ctx context.Context, tenantID string) (meal.WindowConfig, error) {
	cfg, err := s.configs.Config(ctx, tenantID)
	if err != nil {
		if meal.IsNotFound(err) {
			return meal.WindowConfig{}, &meal.ConfigurationError{Reason: "meal windows are not configured"}
		}
		return meal.WindowConfig{}, meal.Persistence("load window config", err)
	}
	return cfg, nil
}

// done records metrics, logs and publishes the outcome of one operation.
func (s *Service) done(ctx context.Context, op string, key meal.Key, r meal.Registration, err error) (meal.Registration, error) {
	outcome := meal.Classify(err)
	metrics.RecordTransition(op, string(outcome))
	if err != nil {
		return meal.Registration{}, s.logged(op, err, zap.Stringer("key", key))
	}
	s.log.Debug("transition", zap.String("op", op), zap.Stringer("key", key),
		zap.String("status", string(r.Status)), zap.Int("token", r.TokenNumber))
	ev := events.New("meal."+string(r.Status), r.TenantID, s.clock.Now(), r)
	if perr := s.events.Publish(ctx, ev); perr != nil {
		s.log.Warn("publish event failed", zap.String("type", ev.Type), zap.Error(perr))
	}
	return r, nil
}

func (s *Service) logged(op string, err error, fields ...zap.Field) error {
	fields = append(fields, zap.String("op", op), zap.Error(err))
	if meal.Classify(err) == meal.OutcomeServerError {
		var pe *meal.PersistenceError
		if errors.As(err, &pe) {
			fields = append(fields, zap.NamedError("cause", pe.Err))
		}
		s.log.Error("operation failed", fields...)
	} else {
		s.log.Debug("operation rejected", fields...)
	}
	return err
}

func conflict(cur meal.Status, format string, args ...any) error {
	return &meal.StateConflictError{Current: cur, Reason: fmt.Sprintf(format, args...)}
}

func mutable(r *meal.Registration) error {
	switch r.Status {
	case meal.StatusConsumed:
		return conflict(r.Status, "%s already consumed", r.MealType)
	case meal.StatusCancelled:
		return conflict(r.Status, "%s registration is cancelled", r.MealType)
	}
	return nil
}
