package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/example/mealsched/internal/db"
	"github.com/example/mealsched/internal/domain/meal"
)

// Directory reads tenants, students and meal window configuration.
type Directory struct {
	db          *db.DB
	defaultZone *time.Location
}

// NewDirectory returns a Directory that falls back to defaultZone for
// tenants with a missing or unknown timezone.
func NewDirectory(d *db.DB, defaultZone *time.Location) *Directory {
	if defaultZone == nil {
		defaultZone = time.UTC
	}
	return &Directory{db: d, defaultZone: defaultZone}
}

func (d *Directory) Config(ctx context.Context, tenantID string) (meal.WindowConfig, error) {
	var zone string
	err := d.db.QueryRow(ctx, `SELECT timezone FROM tenants WHERE id=$1 AND active`, tenantID).Scan(&zone)
	if err != nil {
		if db.IsNotFound(err) {
			return meal.WindowConfig{}, meal.NotFound("window config")
		}
		return meal.WindowConfig{}, err
	}

	rows, err := d.db.Query(ctx, `
SELECT weekday, meal_type, enabled, booking_start, booking_end, serving_start, serving_end
FROM meal_window_configs
WHERE tenant_id=$1`, tenantID)
	if err != nil {
		return meal.WindowConfig{}, err
	}
	defer rows.Close()

	cfg := meal.NewWindowConfig(tenantID, location(zone, d.defaultZone))
	n := 0
	for rows.Next() {
		var (
			weekday                    int16
			mt                         meal.Type
			enabled                    bool
			bStart, bEnd, sStart, sEnd pgtype.Time
		)
		if err := rows.Scan(&weekday, &mt, &enabled, &bStart, &bEnd, &sStart, &sEnd); err != nil {
			return meal.WindowConfig{}, err
		}
		cfg.Set(time.Weekday(weekday), mt, meal.MealWindows{
			Enabled: enabled,
			Booking: meal.Window{Start: timeOfDay(bStart), End: timeOfDay(bEnd)},
			Serving: meal.Window{Start: timeOfDay(sStart), End: timeOfDay(sEnd)},
		})
		n++
	}
	if err := rows.Err(); err != nil {
		return meal.WindowConfig{}, err
	}
	if n == 0 {
		return meal.WindowConfig{}, meal.NotFound("window config")
	}
	if err := cfg.Validate(); err != nil {
		return meal.WindowConfig{}, err
	}
	return cfg, nil
}

// PutWindows upserts one weekday and meal type row.
func (d *Directory) PutWindows(ctx context.Context, tenantID string, day time.Weekday, mt meal.Type, w meal.MealWindows) error {
	return d.db.Exec(ctx, `
INSERT INTO meal_window_configs(tenant_id, weekday, meal_type, enabled, booking_start, booking_end, serving_start, serving_end)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (tenant_id, weekday, meal_type)
DO UPDATE SET enabled=$4, booking_start=$5, booking_end=$6, serving_start=$7, serving_end=$8, updated_at=now()`,
		tenantID, int16(day), mt, w.Enabled,
		pgTime(w.Booking.Start), pgTime(w.Booking.End), pgTime(w.Serving.Start), pgTime(w.Serving.End))
}

func (d *Directory) Student(ctx context.Context, tenantID, studentID string) (meal.Student, error) {
	row := d.db.QueryRow(ctx, `
SELECT tenant_id, id, name, phone, email, roll_number, department, room_number, default_preference, active
FROM students WHERE tenant_id=$1 AND id=$2`, tenantID, studentID)
	st, err := scanStudent(row)
	if err != nil {
		if db.IsNotFound(err) {
			return meal.Student{}, meal.NotFound("student")
		}
		return meal.Student{}, err
	}
	return st, nil
}

func (d *Directory) ActiveStudents(ctx context.Context, tenantID string) ([]meal.Student, error) {
	rows, err := d.db.Query(ctx, `
SELECT tenant_id, id, name, phone, email, roll_number, department, room_number, default_preference, active
FROM students WHERE tenant_id=$1 AND active
ORDER BY id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []meal.Student
	for rows.Next() {
		st, err := scanStudent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (d *Directory) ActiveTenants(ctx context.Context) ([]string, error) {
	rows, err := d.db.Query(ctx, `SELECT id FROM tenants WHERE active ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func scanStudent(row db.Row) (meal.Student, error) {
	var st meal.Student
	err := row.Scan(&st.TenantID, &st.ID, &st.Name, &st.Phone, &st.Email, &st.RollNumber,
		&st.Department, &st.RoomNumber, &st.DefaultPreference, &st.Active)
	return st, err
}

func location(zone string, fallback *time.Location) *time.Location {
	if zone == "" {
		return fallback
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return fallback
	}
	return loc
}

const microsPerMinute = int64(time.Minute / time.Microsecond)

func timeOfDay(t pgtype.Time) *meal.TimeOfDay {
	if !t.Valid {
		return nil
	}
	return meal.Ptr(meal.TimeOfDay(t.Microseconds / microsPerMinute))
}

func pgTime(t *meal.TimeOfDay) pgtype.Time {
	if t == nil {
		return pgtype.Time{}
	}
	return pgtype.Time{Microseconds: int64(*t) * microsPerMinute, Valid: true}
}
