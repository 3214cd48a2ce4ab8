package meal

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeOfDay is a wall-clock time with minute resolution, stored as minutes
// since midnight.
type TimeOfDay int

// ParseTimeOfDay accepts "H:MM", "HH:MM" or either with ":SS"; seconds
// are validated and dropped.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid time of day %q (want HH:MM)", s)
	}
	hour, ok := clockField(parts[0], 1, 23)
	if !ok {
		return 0, fmt.Errorf("invalid time of day %q (want HH:MM)", s)
	}
	minute, ok := clockField(parts[1], 2, 59)
	if !ok {
		return 0, fmt.Errorf("invalid time of day %q (want HH:MM)", s)
	}
	if len(parts) == 3 {
		if _, ok := clockField(parts[2], 2, 59); !ok {
			return 0, fmt.Errorf("invalid time of day %q (want HH:MM)", s)
		}
	}
	return TimeOfDay(hour*60 + minute), nil
}

// clockField parses a field of minDigits to 2 decimal digits, at most limit.
func clockField(s string, minDigits, limit int) (int, bool) {
	if len(s) < minDigits || len(s) > 2 {
		return 0, false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	n, _ := strconv.Atoi(s)
	return n, n <= limit
}

// MinuteOf returns the minute of day of t in t's location.
func MinuteOf(t time.Time) TimeOfDay {
	return TimeOfDay(t.Hour()*60 + t.Minute())
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

// On returns the instant at t on the calendar date of day, in loc.
func (t TimeOfDay) On(day time.Time, loc *time.Location) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, int(t)/60, int(t)%60, 0, 0, loc)
}

// Window is an inclusive time-of-day interval. A nil bound means the
// tenant left it unset.
type Window struct {
	Start *TimeOfDay
	End   *TimeOfDay
}

func (w Window) Configured() bool { return w.Start != nil && w.End != nil }

// MealWindows is one weekday's configuration for one meal type.
type MealWindows struct {
	Enabled bool
	Booking Window
	Serving Window
}

// WindowConfig is a tenant's full weekly meal window configuration.
type WindowConfig struct {
	TenantID string
	Location *time.Location
	Days     map[time.Weekday]map[Type]MealWindows
}

func NewWindowConfig(tenantID string, loc *time.Location) WindowConfig {
	if loc == nil {
		loc = time.UTC
	}
	return WindowConfig{TenantID: tenantID, Location: loc, Days: map[time.Weekday]map[Type]MealWindows{}}
}

// Set stores the windows for one weekday and meal type.
func (c WindowConfig) Set(day time.Weekday, mt Type, w MealWindows) {
	if c.Days[day] == nil {
		c.Days[day] = map[Type]MealWindows{}
	}
	c.Days[day][mt] = w
}

// Lookup returns the windows for day and mt; ok is false when the tenant
// has no row for that combination.
func (c WindowConfig) Lookup(day time.Weekday, mt Type) (MealWindows, bool) {
	w, ok := c.Days[day][mt]
	return w, ok
}

// Validate checks that every enabled window with both bounds set has
// start before end. A violation is a *ConfigurationError.
func (c WindowConfig) Validate() error {
	for day, meals := range c.Days {
		for mt, w := range meals {
			if !w.Enabled {
				continue
			}
			for name, win := range map[string]Window{"booking": w.Booking, "serving": w.Serving} {
				if win.Configured() && *win.Start >= *win.End {
					return &ConfigurationError{
						Reason: fmt.Sprintf("%s %s window on %s: start %s is not before end %s", mt, name, day, win.Start, win.End),
					}
				}
			}
		}
	}
	return nil
}

// Ptr is a convenience for building windows in code and tests.
func Ptr(t TimeOfDay) *TimeOfDay { return &t }

// MustTime parses s and panics on error. Intended for literals.
func MustTime(s string) TimeOfDay {
	t, err := ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return t
}
