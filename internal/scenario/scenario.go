// Package scenario decides what kind of day a simulated patient has and
// turns that into concrete inputs for the trajectory engine: physiological
// multipliers, a meal plan with realistic bolus timing, and a temp-basal
// schedule.
//
// All randomness comes from an explicitly passed Rand so a seeded source
// reproduces the same days.
package scenario

import (
	"fmt"
	"math/rand"
	"time"
)

// Rand is the random source threaded through every generator.
// *rand.Rand satisfies it.
type Rand interface {
	Float64() float64
	NormFloat64() float64
	Intn(n int) int
}

// NewRand returns a seeded source for reproducible runs.
func NewRand(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}

// Scenario is the day archetype.
type Scenario int

const (
	Normal Scenario = iota
	High
	Low
	Exercise
	Sick
	Stress
	PoorSleep
)

// All lists the archetypes in table order.
var All = []Scenario{Normal, High, Low, Exercise, Sick, Stress, PoorSleep}

func (s Scenario) String() string {
	switch s {
	case Normal:
		return "normal"
	case High:
		return "high"
	case Low:
		return "low"
	case Exercise:
		return "exercise"
	case Sick:
		return "sick"
	case Stress:
		return "stress"
	case PoorSleep:
		return "poor_sleep"
	}
	return fmt.Sprintf("scenario(%d)", int(s))
}

// ParseScenario is the inverse of String.
func ParseScenario(name string) (Scenario, error) {
	for _, s := range All {
		if s.String() == name {
			return s, nil
		}
	}
	return Normal, fmt.Errorf("scenario: unknown archetype %q", name)
}

// Selection weights in percent, indexed like All.
var (
	WeekdayWeights = [7]int{45, 15, 10, 12, 3, 10, 5}
	WeekendWeights = [7]int{40, 18, 8, 18, 3, 5, 8}
)

// SelectDayScenario draws the archetype for date. Weekends favour exercise
// and high days over stress.
func SelectDayScenario(date time.Time, rng Rand) Scenario {
	weights := WeekdayWeights
	if wd := date.Weekday(); wd == time.Saturday || wd == time.Sunday {
		weights = WeekendWeights
	}
	return pickWeighted(weights, rng)
}

func pickWeighted(weights [7]int, rng Rand) Scenario {
	total := 0
	for _, w := range weights {
		total += w
	}
	roll := rng.Float64() * float64(total)
	acc := 0.0
	for i, w := range weights {
		acc += float64(w)
		if roll < acc {
			return All[i]
		}
	}
	return Normal
}

// StartOfDay returns midnight of date in date's location.
func StartOfDay(date time.Time) time.Time {
	y, m, d := date.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, date.Location())
}

// Plan bundles everything generated for one day.
type Plan struct {
	Date       time.Time
	Scenario   Scenario
	Params     Parameters
	Meals      []MealEvent
	BasalSteps []BasalAdjustment
}

// GenerateDay runs every generator for date in a fixed order, so a seeded
// rng always yields the same plan.
func GenerateDay(date time.Time, base Baseline, rng Rand) Plan {
	day := StartOfDay(date)
	sc := SelectDayScenario(day, rng)
	params := GetScenarioParameters(sc, base, rng)
	return Plan{
		Date:       day,
		Scenario:   sc,
		Params:     params,
		Meals:      GenerateMealPlan(day, sc, params, rng),
		BasalSteps: GenerateBasalAdjustments(day, sc, params, rng),
	}
}
