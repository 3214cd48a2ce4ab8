package scheduler

import (
	"fmt"
	"sort"
	"time"

	"github.com/example/mealsched/internal/domain/meal"
)

// Trigger fires auto-registration for one tenant, weekday and meal type at
// that day's booking window start.
type Trigger struct {
	TenantID string
	Weekday  time.Weekday
	MealType meal.Type
	At       meal.TimeOfDay
	Location *time.Location
}

func (t Trigger) Key() string {
	return fmt.Sprintf("%s/%s/%s", t.TenantID, t.Weekday, t.MealType)
}

func (t Trigger) String() string {
	return fmt.Sprintf("%s at %s %s", t.Key(), t.At, t.Location)
}

// Next returns the first firing instant strictly after after.
func (t Trigger) Next(after time.Time) time.Time {
	loc := t.Location
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := after.In(loc).Date()
	for i := 0; i <= 7; i++ {
		day := time.Date(y, m, d+i, 0, 0, 0, 0, loc)
		if day.Weekday() != t.Weekday {
			continue
		}
		if at := t.At.On(day, loc); at.After(after) {
			return at
		}
	}
	// unreachable: some day in the next eight matches with a later instant
	return t.At.On(time.Date(y, m, d+7, 0, 0, 0, 0, loc), loc)
}

// Skipped is a configured entry that cannot be scheduled.
type Skipped struct {
	Key    string
	Reason string
}

// Plan derives the trigger set from tenant configurations. Disabled entries
// produce nothing; enabled entries with an unusable booking window are
// returned in skipped and do not affect any other entry.
func Plan(cfgs []meal.WindowConfig) (triggers []Trigger, skipped []Skipped) {
	for _, cfg := range cfgs {
		for day := time.Sunday; day <= time.Saturday; day++ {
			for _, mt := range meal.Types {
				w, ok := cfg.Lookup(day, mt)
				if !ok || !w.Enabled {
					continue
				}
				t := Trigger{TenantID: cfg.TenantID, Weekday: day, MealType: mt, Location: cfg.Location}
				switch {
				case !w.Booking.Configured():
					skipped = append(skipped, Skipped{Key: t.Key(), Reason: "booking window not configured"})
					continue
				case *w.Booking.Start >= *w.Booking.End:
					skipped = append(skipped, Skipped{Key: t.Key(), Reason: "booking window start is not before end"})
					continue
				}
				t.At = *w.Booking.Start
				triggers = append(triggers, t)
			}
		}
	}
	sort.Slice(triggers, func(i, j int) bool { return triggers[i].Key() < triggers[j].Key() })
	return triggers, skipped
}
