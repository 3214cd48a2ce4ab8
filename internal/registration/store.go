package registration

import (
	"context"
	"time"

	"github.com/example/mealsched/internal/domain/meal"
)

// Tx is one read-check-write unit. Implementations must serialize token
// allocation per (tenant, meal type, date) and reject a second active row
// for the same key with *meal.DuplicateError.
type Tx interface {
	// Current returns the active registration for key, or the most recent
	// cancelled one when no active row exists. It returns *meal.NotFoundError
	// when the key has never been registered. The returned row is locked for
	// the rest of the transaction.
	Current(ctx context.Context, key meal.Key) (meal.Registration, error)
	// NextToken allocates the next token for the meal and date, starting at 1.
	NextToken(ctx context.Context, tenantID string, mt meal.Type, date time.Time) (int, error)
	Insert(ctx context.Context, r *meal.Registration) error
	Update(ctx context.Context, r meal.Registration) error
}

type Store interface {
	// WithTx runs fn in a single transaction and commits when fn returns nil.
	WithTx(ctx context.Context, fn func(Tx) error) error
	// ByStudent returns every registration of the student on date, cancelled included.
	ByStudent(ctx context.Context, tenantID, studentID string, date time.Time) ([]meal.Registration, error)
	// ByStatus returns registrations in status for the meal and date, ordered by token ascending.
	ByStatus(ctx context.Context, tenantID string, mt meal.Type, date time.Time, status meal.Status) ([]meal.Registration, error)
}

// ConfigStore returns a tenant's window configuration, or *meal.NotFoundError.
type ConfigStore interface {
	Config(ctx context.Context, tenantID string) (meal.WindowConfig, error)
}

type Students interface {
	Student(ctx context.Context, tenantID, studentID string) (meal.Student, error)
}
