package trajectory

import (
	"context"
	"fmt"
	"time"

	"github.com/nocturne/demo-engine/internal/model"
	"github.com/nocturne/demo-engine/internal/physiology"
	"github.com/nocturne/demo-engine/internal/scenario"
)

// TickFunc receives each reading and the treatments emitted with it.
type TickFunc func(reading model.Entry, treatments []model.Treatment) error

// Runner chains consecutive Days. Glucose, momentum and the insulin and
// carbs still on board carry over midnight. The same seed and start date
// always yield the same records.
type Runner struct {
	base  scenario.Baseline
	rng   scenario.Rand
	sim   *physiology.Simulator
	next  time.Time
	carry Carry
	day   *Day
	ids   model.IDSpace
}

// NewRunner starts a run whose first day is the one containing from.
func NewRunner(base scenario.Baseline, rng scenario.Rand, from time.Time) *Runner {
	return &Runner{
		base: base,
		rng:  rng,
		sim:  physiology.New(base.Profile()),
		next: scenario.StartOfDay(from),
	}
}

// SetIDSpace scopes the ids of every record emitted from now on.
func (r *Runner) SetIDSpace(ids model.IDSpace) { r.ids = ids }

// NextDay returns the midnight of the next day to be planned.
func (r *Runner) NextDay() time.Time { return r.next }

// Carry returns the state left by the last completed day.
func (r *Runner) Carry() Carry { return r.carry }

// Current returns the day being stepped, or nil between days.
func (r *Runner) Current() *Day { return r.day }

// Simulator exposes the shared simulator for on-board queries.
func (r *Runner) Simulator() *physiology.Simulator { return r.sim }

func (r *Runner) startDay() *Day {
	plan := scenario.GenerateDay(r.next, r.base, r.rng)
	r.day = NewDay(plan, r.base, r.sim, r.rng, r.carry)
	r.day.ids = r.ids
	r.next = r.next.AddDate(0, 0, 1)
	return r.day
}

func (r *Runner) finishDay() {
	r.carry = r.day.Carry()
	r.day = nil
}

// RunDays simulates n whole days and hands each to fn. ctx is checked
// between days.
func (r *Runner) RunDays(ctx context.Context, n int, fn func(Result) error) error {
	if r.day != nil {
		return fmt.Errorf("run days: day %s still in progress", r.day.start.Format(time.DateOnly))
	}
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		res := r.startDay().Run()
		r.finishDay()
		if err := fn(res); err != nil {
			return fmt.Errorf("day %s: %w", res.Plan.Date.Format(time.DateOnly), err)
		}
	}
	return nil
}

// StepUntil emits every tick due at or before now, rolling into new days
// as needed. It returns the number of ticks emitted.
func (r *Runner) StepUntil(now time.Time, fn TickFunc) (int, error) {
	n := 0
	for {
		if r.day == nil {
			if r.next.After(now) {
				return n, nil
			}
			r.startDay()
		}
		if r.day.NextTickTime().After(now) {
			return n, nil
		}
		reading, treatments, _ := r.day.Step()
		if r.day.State() == DayComplete {
			r.finishDay()
		}
		if err := fn(reading, treatments); err != nil {
			return n, err
		}
		n++
	}
}
