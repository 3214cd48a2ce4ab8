// Package memory is an in-process implementation of every persistence port.
// A single mutex serializes transactions, which gives the same per-meal token
// and per-identity guarantees as the Postgres store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/mealsched/internal/domain/meal"
	"github.com/example/mealsched/internal/registration"
)

type counterKey struct {
	tenantID string
	mealType meal.Type
	date     string
}

type Store struct {
	mu       sync.Mutex
	nextID   int64
	rows     []meal.Registration
	counters map[counterKey]int

	tenants  map[string]tenant
	students map[string]map[string]meal.Student
	configs  map[string]meal.WindowConfig

	failInsert map[string]error
}

type tenant struct {
	id     string
	active bool
}

func New() *Store {
	return &Store{
		counters:   map[counterKey]int{},
		tenants:    map[string]tenant{},
		students:   map[string]map[string]meal.Student{},
		configs:    map[string]meal.WindowConfig{},
		failInsert: map[string]error{},
	}
}

// PutTenant adds or replaces a tenant.
func (s *Store) PutTenant(id string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[id] = tenant{id: id, active: active}
}

func (s *Store) PutStudent(st meal.Student) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.students[st.TenantID] == nil {
		s.students[st.TenantID] = map[string]meal.Student{}
	}
	s.students[st.TenantID][st.ID] = st
}

func (s *Store) PutConfig(cfg meal.WindowConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[cfg.TenantID] = cfg
}

// FailInsert makes every insert for studentID fail with err. A nil err clears it.
func (s *Store) FailInsert(studentID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failInsert, studentID)
		return
	}
	s.failInsert[studentID] = err
}

func (s *Store) Config(_ context.Context, tenantID string) (meal.WindowConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[tenantID]
	if !ok {
		return meal.WindowConfig{}, meal.NotFound("window config")
	}
	if err := cfg.Validate(); err != nil {
		return meal.WindowConfig{}, err
	}
	return cfg, nil
}

func (s *Store) Student(_ context.Context, tenantID, studentID string) (meal.Student, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.students[tenantID][studentID]
	if !ok {
		return meal.Student{}, meal.NotFound("student")
	}
	return st, nil
}

// ActiveStudents returns the tenant's active students ordered by id.
func (s *Store) ActiveStudents(_ context.Context, tenantID string) ([]meal.Student, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []meal.Student
	for _, st := range s.students[tenantID] {
		if st.Active {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ActiveTenants(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, t := range s.tenants {
		if t.active {
			out = append(out, t.id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) WithTx(ctx context.Context, fn func(registration.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &tx{s: s, counters: map[counterKey]int{}, updates: map[int64]meal.Registration{}}
	if err := fn(tx); err != nil {
		return err
	}
	for k, v := range tx.counters {
		s.counters[k] = v
	}
	s.rows = append(s.rows, tx.inserts...)
	for i, r := range s.rows {
		if u, ok := tx.updates[r.ID]; ok {
			s.rows[i] = u
		}
	}
	return nil
}

func (s *Store) ByStudent(_ context.Context, tenantID, studentID string, date time.Time) ([]meal.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []meal.Registration
	for _, r := range s.rows {
		if r.TenantID == tenantID && r.StudentID == studentID && r.MealDate.Equal(date) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].MealType != out[j].MealType {
			return out[i].MealType == meal.Lunch
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) ByStatus(_ context.Context, tenantID string, mt meal.Type, date time.Time, status meal.Status) ([]meal.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []meal.Registration
	for _, r := range s.rows {
		if r.TenantID == tenantID && r.MealType == mt && r.MealDate.Equal(date) && r.Status == status {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenNumber < out[j].TokenNumber })
	return out, nil
}

// All returns a copy of every stored registration in insertion order.
func (s *Store) All() []meal.Registration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]meal.Registration(nil), s.rows...)
}

// tx runs with Store.mu held and buffers writes until commit.
type tx struct {
	s        *Store
	counters map[counterKey]int
	inserts  []meal.Registration
	updates  map[int64]meal.Registration
}

func (t *tx) Current(_ context.Context, key meal.Key) (meal.Registration, error) {
	var (
		latest meal.Registration
		found  bool
	)
	for _, r := range t.s.rows {
		if !sameKey(r.Key(), key) {
			continue
		}
		if u, ok := t.updates[r.ID]; ok {
			r = u
		}
		if r.Status.Active() {
			return r, nil
		}
		if !found || r.ID > latest.ID {
			latest, found = r, true
		}
	}
	if !found {
		return meal.Registration{}, meal.NotFound("registration")
	}
	return latest, nil
}

func (t *tx) NextToken(_ context.Context, tenantID string, mt meal.Type, date time.Time) (int, error) {
	k := counterKey{tenantID: tenantID, mealType: mt, date: date.Format(meal.DateLayout)}
	n, ok := t.counters[k]
	if !ok {
		n = t.s.counters[k]
	}
	n++
	t.counters[k] = n
	return n, nil
}

func (t *tx) Insert(_ context.Context, r *meal.Registration) error {
	if err := t.s.failInsert[r.StudentID]; err != nil {
		return err
	}
	if cur, err := t.Current(context.Background(), r.Key()); err == nil && cur.Status.Active() {
		return &meal.DuplicateError{Key: r.Key(), Status: cur.Status}
	}
	for _, pending := range t.inserts {
		if sameKey(pending.Key(), r.Key()) {
			return &meal.DuplicateError{Key: r.Key(), Status: pending.Status}
		}
	}
	t.s.nextID++
	r.ID = t.s.nextID
	t.inserts = append(t.inserts, *r)
	return nil
}

func (t *tx) Update(_ context.Context, r meal.Registration) error {
	for _, existing := range t.s.rows {
		if existing.ID == r.ID {
			t.updates[r.ID] = r
			return nil
		}
	}
	return meal.NotFound("registration")
}

func sameKey(a, b meal.Key) bool {
	return a.TenantID == b.TenantID && a.StudentID == b.StudentID && a.MealType == b.MealType && a.Date.Equal(b.Date)
}
