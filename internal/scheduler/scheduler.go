// Package scheduler keeps one timer per enabled (tenant, weekday, meal type)
// and fires auto-registration at each booking window start.
package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/example/mealsched/internal/autoreg"
	"github.com/example/mealsched/internal/domain/meal"
	"github.com/example/mealsched/internal/metrics"
	"github.com/example/mealsched/internal/runs"
)

type TenantLister interface {
	ActiveTenants(ctx context.Context) ([]string, error)
}

type ConfigStore interface {
	Config(ctx context.Context, tenantID string) (meal.WindowConfig, error)
}

// Batch runs one auto-registration pass.
type Batch interface {
	Run(ctx context.Context, tenantID string, mt meal.Type, date *time.Time, src runs.Source) (autoreg.Result, error)
}

var ErrNotRunning = errors.New("scheduler is not running")

// Manager owns the set of running triggers. Refresh replaces the whole set
// from current configuration; a firing already in progress is not
// interrupted by a refresh, only by stopping the manager.
type Manager struct {
	Tenants TenantLister
	Configs ConfigStore
	Batch   Batch
	Clock   clock.WithTicker
	Log     *zap.Logger
	// RefreshInterval re-derives the trigger set periodically; zero disables it.
	RefreshInterval time.Duration

	mu      sync.Mutex
	runCtx  context.Context
	handles map[string]*handle
	wg      sync.WaitGroup
}

type handle struct {
	trigger Trigger
	cancel  context.CancelFunc
}

func (m *Manager) clock() clock.WithTicker {
	if m.Clock == nil {
		return clock.RealClock{}
	}
	return m.Clock
}

func (m *Manager) log() *zap.Logger {
	if m.Log == nil {
		return zap.NewNop()
	}
	return m.Log.Named("scheduler")
}

// Run starts the triggers and blocks until ctx is done. On return every
// trigger is stopped and in-flight firings have finished.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	m.runCtx = ctx
	m.mu.Unlock()

	if err := m.Refresh(ctx); err != nil {
		m.log().Error("initial schedule refresh failed", zap.Error(err))
	}

	var tick <-chan time.Time
	if m.RefreshInterval > 0 {
		t := m.clock().NewTicker(m.RefreshInterval)
		defer t.Stop()
		tick = t.C()
	}

	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.stopAllLocked()
			m.runCtx = nil
			m.mu.Unlock()
			m.wg.Wait()
			return ctx.Err()
		case <-tick:
			if err := m.Refresh(ctx); err != nil {
				m.log().Error("schedule refresh failed", zap.Error(err))
			}
		}
	}
}

// Refresh recomputes the trigger set from configuration, stops every
// running trigger and starts the new set. If the tenant list cannot be read
// the current set is kept.
func (m *Manager) Refresh(ctx context.Context) error {
	triggers, err := m.Plan(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runCtx == nil {
		return ErrNotRunning
	}
	m.stopAllLocked()
	m.handles = make(map[string]*handle, len(triggers))
	for _, t := range triggers {
		m.startLocked(t)
	}
	metrics.SetActiveTriggers(len(triggers))
	m.log().Info("schedule refreshed", zap.Int("triggers", len(triggers)))
	return nil
}

// Plan reads every active tenant's configuration and derives the trigger
// set. A tenant whose configuration is missing or unreadable contributes no
// triggers and does not affect the others.
func (m *Manager) Plan(ctx context.Context) ([]Trigger, error) {
	tenants, err := m.Tenants.ActiveTenants(ctx)
	if err != nil {
		return nil, meal.Persistence("list tenants", err)
	}
	log := m.log()
	cfgs := make([]meal.WindowConfig, 0, len(tenants))
	for _, id := range tenants {
		cfg, err := m.Configs.Config(ctx, id)
		switch {
		case meal.IsNotFound(err):
			log.Debug("tenant has no meal windows", zap.String("tenant", id))
			continue
		case err != nil:
			log.Warn("load tenant config failed", zap.String("tenant", id), zap.Error(err))
			continue
		}
		cfgs = append(cfgs, cfg)
	}
	triggers, skipped := Plan(cfgs)
	for _, s := range skipped {
		log.Warn("trigger skipped", zap.String("trigger", s.Key), zap.String("reason", s.Reason))
	}
	return triggers, nil
}

// Active returns the running triggers ordered by key.
func (m *Manager) Active() []Trigger {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Trigger, 0, len(m.handles))
	for _, h := range m.handles {
		out = append(out, h.trigger)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func (m *Manager) stopAllLocked() {
	for _, h := range m.handles {
		h.cancel()
	}
	m.handles = nil
	metrics.SetActiveTriggers(0)
}

func (m *Manager) startLocked(t Trigger) {
	loopCtx, cancel := context.WithCancel(m.runCtx)
	m.handles[t.Key()] = &handle{trigger: t, cancel: cancel}
	runCtx := m.runCtx

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.loop(loopCtx, runCtx, t)
	}()
}

// loop waits for each firing instant of t. Firings run under runCtx so a
// refresh cancelling loopCtx lets the current one finish.
func (m *Manager) loop(loopCtx, runCtx context.Context, t Trigger) {
	clk := m.clock()
	for {
		now := clk.Now()
		next := t.Next(now)
		timer := clk.NewTimer(next.Sub(now))
		select {
		case <-loopCtx.Done():
			timer.Stop()
			return
		case <-timer.C():
		}
		if loopCtx.Err() != nil {
			return
		}
		m.fire(runCtx, t)
	}
}

func (m *Manager) fire(ctx context.Context, t Trigger) {
	loc := t.Location
	if loc == nil {
		loc = time.UTC
	}
	date := meal.Day(m.clock().Now().In(loc))
	log := m.log().With(zap.String("trigger", t.Key()), zap.String("date", date.Format(meal.DateLayout)))
	log.Info("trigger fired")

	res, err := m.Batch.Run(ctx, t.TenantID, t.MealType, &date, runs.SourceScheduled)
	if err != nil {
		log.Warn("auto-registration did not run", zap.Error(err))
		return
	}
	log.Info("auto-registration complete",
		zap.String("run_id", res.RunID),
		zap.Int("registered", len(res.Registered)),
		zap.Int("skipped", len(res.Skipped)),
		zap.Int("errored", res.ErrorCount))
}
