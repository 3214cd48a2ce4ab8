// Package postgres implements the registration, directory and configuration
// ports on PostgreSQL.
package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/example/mealsched/internal/db"
	"github.com/example/mealsched/internal/domain/meal"
	"github.com/example/mealsched/internal/registration"
)

const activeIndex = "ux_meal_registrations_active"

const registrationColumns = `id, tenant_id, student_id, meal_type, meal_date, token_number, status, preference,
	is_special, special_remarks, consumed_at, source,
	student_name, student_phone, student_email, student_roll_number, student_department, student_room_number,
	created_by, created_at, updated_at`

type RegistrationStore struct{ db *db.DB }

func NewRegistrationStore(d *db.DB) *RegistrationStore { return &RegistrationStore{db: d} }

var _ registration.Store = (*RegistrationStore)(nil)

func (s *RegistrationStore) WithTx(ctx context.Context, fn func(registration.Tx) error) error {
	return s.db.InTx(ctx, func(tx pgx.Tx) error {
		return fn(&regTx{tx: tx})
	})
}

func (s *RegistrationStore) ByStudent(ctx context.Context, tenantID, studentID string, date time.Time) ([]meal.Registration, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+registrationColumns+`
FROM meal_registrations
WHERE tenant_id=$1 AND student_id=$2 AND meal_date=$3
ORDER BY (meal_type = 'lunch') DESC, id`, tenantID, studentID, date)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (s *RegistrationStore) ByStatus(ctx context.Context, tenantID string, mt meal.Type, date time.Time, status meal.Status) ([]meal.Registration, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+registrationColumns+`
FROM meal_registrations
WHERE tenant_id=$1 AND meal_type=$2 AND meal_date=$3 AND status=$4
ORDER BY token_number`, tenantID, mt, date, status)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

type regTx struct{ tx pgx.Tx }

func (t *regTx) Current(ctx context.Context, key meal.Key) (meal.Registration, error) {
	row := t.tx.QueryRow(ctx, `
SELECT `+registrationColumns+`
FROM meal_registrations
WHERE tenant_id=$1 AND student_id=$2 AND meal_type=$3 AND meal_date=$4
ORDER BY (status <> 'cancelled') DESC, id DESC
LIMIT 1
FOR UPDATE`, key.TenantID, key.StudentID, key.MealType, key.Date)
	r, err := scanRegistration(row)
	if err != nil {
		if db.IsNotFound(err) {
			return meal.Registration{}, meal.NotFound("registration")
		}
		return meal.Registration{}, err
	}
	return r, nil
}

// NextToken takes the counter row lock, so concurrent allocations for the
// same meal and date queue behind each other until commit.
func (t *regTx) NextToken(ctx context.Context, tenantID string, mt meal.Type, date time.Time) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `
INSERT INTO meal_token_counters(tenant_id, meal_type, meal_date, last_token)
VALUES ($1,$2,$3,1)
ON CONFLICT (tenant_id, meal_type, meal_date)
DO UPDATE SET last_token = meal_token_counters.last_token + 1
RETURNING last_token`, tenantID, mt, date).Scan(&n)
	return n, err
}

func (t *regTx) Insert(ctx context.Context, r *meal.Registration) error {
	err := t.tx.QueryRow(ctx, `
INSERT INTO meal_registrations(
	tenant_id, student_id, meal_type, meal_date, token_number, status, preference,
	is_special, special_remarks, consumed_at, source,
	student_name, student_phone, student_email, student_roll_number, student_department, student_room_number,
	created_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
RETURNING id`,
		r.TenantID, r.StudentID, r.MealType, r.MealDate, r.TokenNumber, r.Status, r.Preference,
		r.IsSpecial, r.SpecialRemarks, r.ConsumedAt, r.Source,
		r.Student.Name, r.Student.Phone, r.Student.Email, r.Student.RollNumber, r.Student.Department, r.Student.RoomNumber,
		r.CreatedBy, r.CreatedAt, r.UpdatedAt,
	).Scan(&r.ID)
	if db.IsUniqueViolation(err, activeIndex) {
		return &meal.DuplicateError{Key: r.Key()}
	}
	return err
}

func (t *regTx) Update(ctx context.Context, r meal.Registration) error {
	tag, err := t.tx.Exec(ctx, `
UPDATE meal_registrations
SET status=$3, preference=$4, is_special=$5, special_remarks=$6, consumed_at=$7, updated_at=$8
WHERE id=$1 AND tenant_id=$2`,
		r.ID, r.TenantID, r.Status, r.Preference, r.IsSpecial, r.SpecialRemarks, r.ConsumedAt, r.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err, activeIndex) {
			return &meal.DuplicateError{Key: r.Key()}
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return meal.NotFound("registration")
	}
	return nil
}

func scanRegistration(row db.Row) (meal.Registration, error) {
	var r meal.Registration
	err := row.Scan(
		&r.ID, &r.TenantID, &r.StudentID, &r.MealType, &r.MealDate, &r.TokenNumber, &r.Status, &r.Preference,
		&r.IsSpecial, &r.SpecialRemarks, &r.ConsumedAt, &r.Source,
		&r.Student.Name, &r.Student.Phone, &r.Student.Email, &r.Student.RollNumber, &r.Student.Department, &r.Student.RoomNumber,
		&r.CreatedBy, &r.CreatedAt, &r.UpdatedAt,
	)
	return r, err
}

func collect(rows db.Rows) ([]meal.Registration, error) {
	defer rows.Close()
	var out []meal.Registration
	for rows.Next() {
		r, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
