// Package window evaluates booking and serving windows against the current
// time. Nothing is cached: every call reads the config it is given.
package window

import (
	"fmt"
	"time"

	"github.com/example/mealsched/internal/domain/meal"
)

type Kind string

const (
	Booking Kind = "booking"
	Serving Kind = "serving"
)

// Decision is the result of a window check. Err is nil when Open.
type Decision struct {
	Open   bool
	Reason string
	Err    error
}

func closed(err error) Decision {
	return Decision{Reason: err.Error(), Err: err}
}

func (k Kind) pick(w meal.MealWindows) meal.Window {
	if k == Serving {
		return w.Serving
	}
	return w.Booking
}

// IsOpen reports whether the kind window for mt on weekday contains now.
// now is converted to the tenant's location and compared at minute
// resolution; both bounds are inclusive.
func IsOpen(cfg meal.WindowConfig, kind Kind, weekday time.Weekday, mt meal.Type, now time.Time) Decision {
	mw, ok := cfg.Lookup(weekday, mt)
	if !ok || !mw.Enabled {
		return closed(&meal.WindowClosedError{
			Window: string(kind),
			Reason: fmt.Sprintf("%s not available on %s", mt, weekday),
		})
	}
	w := kind.pick(mw)
	if !w.Configured() {
		return closed(&meal.ConfigurationError{
			Reason: fmt.Sprintf("%s %s window is not configured for %s", mt, kind, weekday),
		})
	}

	minute := meal.MinuteOf(now.In(location(cfg)))
	switch {
	case minute < *w.Start:
		return closed(&meal.WindowClosedError{
			Window:     string(kind),
			Boundary:   w.Start,
			NotYetOpen: true,
			Reason:     fmt.Sprintf("%s opens at %s", kind, w.Start),
		})
	case minute > *w.End:
		return closed(&meal.WindowClosedError{
			Window:   string(kind),
			Boundary: w.End,
			Reason:   fmt.Sprintf("%s closed at %s", kind, w.End),
		})
	}
	return Decision{Open: true, Reason: fmt.Sprintf("%s open until %s", kind, w.End)}
}

// Check applies IsOpen to a meal date. Windows are time-of-day intervals on
// the meal date itself, so a date other than the tenant-local today is
// closed: a future date has not opened yet, a past one has closed.
func Check(cfg meal.WindowConfig, kind Kind, mt meal.Type, date, now time.Time) error {
	local := now.In(location(cfg))
	today := meal.Day(local)
	date = meal.Day(date)

	if !date.Equal(today) {
		mw, ok := cfg.Lookup(date.Weekday(), mt)
		w := kind.pick(mw)
		if !ok || !mw.Enabled {
			return &meal.WindowClosedError{
				Window: string(kind),
				Reason: fmt.Sprintf("%s not available on %s", mt, date.Weekday()),
			}
		}
		if !w.Configured() {
			return &meal.ConfigurationError{
				Reason: fmt.Sprintf("%s %s window is not configured for %s", mt, kind, date.Weekday()),
			}
		}
		if date.After(today) {
			return &meal.WindowClosedError{
				Window:     string(kind),
				Boundary:   w.Start,
				NotYetOpen: true,
				Reason:     fmt.Sprintf("%s opens at %s on %s", kind, w.Start, date.Format(meal.DateLayout)),
			}
		}
		return &meal.WindowClosedError{
			Window:   string(kind),
			Boundary: w.End,
			Reason:   fmt.Sprintf("%s closed at %s on %s", kind, w.End, date.Format(meal.DateLayout)),
		}
	}

	return IsOpen(cfg, kind, date.Weekday(), mt, now).Err
}

// Today returns the tenant-local calendar date of now.
func Today(cfg meal.WindowConfig, now time.Time) time.Time {
	return meal.Day(now.In(location(cfg)))
}

func location(cfg meal.WindowConfig) *time.Location {
	if cfg.Location == nil {
		return time.UTC
	}
	return cfg.Location
}
