package meal

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DateLayout is the wire and storage layout of a meal date.
const DateLayout = "2006-01-02"

type Type string

const (
	Lunch  Type = "lunch"
	Dinner Type = "dinner"
)

// Types lists every meal type in serving order.
var Types = []Type{Lunch, Dinner}

func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToLower(strings.TrimSpace(s))); t {
	case Lunch, Dinner:
		return t, nil
	default:
		return "", fmt.Errorf("invalid meal type %q (want lunch or dinner)", s)
	}
}

type Status string

const (
	StatusRegistered Status = "registered"
	StatusOptedOut   Status = "opted_out"
	StatusConsumed   Status = "consumed"
	StatusCancelled  Status = "cancelled"
)

// Active reports whether a registration in this status blocks a new one
// for the same identity.
func (s Status) Active() bool { return s != StatusCancelled }

type Preference string

const (
	Veg    Preference = "veg"
	NonVeg Preference = "non-veg"
)

func ParsePreference(s string) (Preference, error) {
	switch p := Preference(strings.ToLower(strings.TrimSpace(s))); p {
	case Veg, NonVeg:
		return p, nil
	default:
		return "", fmt.Errorf("invalid preference %q (want veg or non-veg)", s)
	}
}

// Source records which path created a registration.
type Source string

const (
	SourceManual       Source = "manual"
	SourceExternalCode Source = "external_code"
	SourceAuto         Source = "auto"
)

// Key identifies a registration. At most one active row exists per key.
type Key struct {
	TenantID  string
	StudentID string
	MealType  Type
	Date      time.Time
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.TenantID, k.StudentID, k.MealType, k.Date.Format(DateLayout))
}

// StudentSnapshot is copied from the student directory when a registration
// is created and never re-synced afterwards.
type StudentSnapshot struct {
	Name       string `json:"name"`
	Phone      string `json:"phone,omitempty"`
	Email      string `json:"email,omitempty"`
	RollNumber string `json:"roll_number,omitempty"`
	Department string `json:"department,omitempty"`
	RoomNumber string `json:"room_number,omitempty"`
}

type Registration struct {
	ID             int64           `json:"id"`
	TenantID       string          `json:"tenant_id"`
	StudentID      string          `json:"student_id"`
	MealType       Type            `json:"meal_type"`
	MealDate       time.Time       `json:"-"`
	TokenNumber    int             `json:"token_number"`
	Status         Status          `json:"status"`
	Preference     Preference      `json:"preference"`
	IsSpecial      bool            `json:"is_special"`
	SpecialRemarks string          `json:"special_remarks,omitempty"`
	ConsumedAt     *time.Time      `json:"consumed_at,omitempty"`
	Source         Source          `json:"source"`
	Student        StudentSnapshot `json:"student"`

	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MarshalJSON renders MealDate in DateLayout.
func (r Registration) MarshalJSON() ([]byte, error) {
	type plain Registration
	return json.Marshal(struct {
		plain
		MealDate string `json:"meal_date"`
	}{plain(r), r.MealDate.Format(DateLayout)})
}

func (r Registration) Key() Key {
	return Key{TenantID: r.TenantID, StudentID: r.StudentID, MealType: r.MealType, Date: r.MealDate}
}

// Student is the read-only view of the external student directory.
type Student struct {
	TenantID          string
	ID                string
	Name              string
	Phone             string
	Email             string
	RollNumber        string
	Department        string
	RoomNumber        string
	DefaultPreference Preference
	Active            bool
}

func (s Student) Snapshot() StudentSnapshot {
	return StudentSnapshot{
		Name:       s.Name,
		Phone:      s.Phone,
		Email:      s.Email,
		RollNumber: s.RollNumber,
		Department: s.Department,
		RoomNumber: s.RoomNumber,
	}
}

// Day truncates t to its calendar date in t's own location and returns it
// as midnight UTC, the canonical form of a meal date.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func ParseDate(s string) (time.Time, error) {
	d, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD)", s)
	}
	return d, nil
}
