package memory

import (
	"context"
	"sync"

	"github.com/example/mealsched/internal/domain/meal"
	"github.com/example/mealsched/internal/runs"
)

// Runs records auto-registration runs in memory.
type Runs struct {
	mu   sync.Mutex
	runs []runs.Run
}

func (r *Runs) Start(_ context.Context, run runs.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run.Status = runs.StatusRunning
	r.runs = append(r.runs, run)
	return nil
}

func (r *Runs) Finish(_ context.Context, run runs.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.runs {
		if r.runs[i].ID == run.ID {
			r.runs[i] = run
			return nil
		}
	}
	return meal.NotFound("run")
}

// All returns every recorded run in start order.
func (r *Runs) All() []runs.Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]runs.Run(nil), r.runs...)
}
