package scenario

import (
	"sort"
	"time"

	"github.com/nocturne/demo-engine/internal/activity"
)

// MealKind classifies a meal for bolus labelling.
type MealKind string

const (
	Breakfast MealKind = "breakfast"
	Lunch     MealKind = "lunch"
	Dinner    MealKind = "dinner"
	Snack     MealKind = "snack"
)

// MealEvent is one planned meal and the bolus that goes with it.
type MealEvent struct {
	Time            time.Time `json:"time"`
	Kind            MealKind  `json:"kind"`
	Carbs           float64   `json:"carbs"`
	EstimatedCarbs  float64   `json:"estimated_carbs"` // what the user enters into the pump
	GlycemicIndex   float64   `json:"glycemic_index"`
	AbsorptionHours float64   `json:"absorption_hours"`
	// BolusOffsetMinutes is negative for pre-boluses and positive for late
	// ones.
	BolusOffsetMinutes int `json:"bolus_offset_minutes"`
}

// BolusTime returns when the meal bolus is delivered.
func (m MealEvent) BolusTime() time.Time {
	return m.Time.Add(time.Duration(m.BolusOffsetMinutes) * time.Minute)
}

type mealSlot struct {
	kind        MealKind
	probability float64
	window      Range // minutes after midnight
	carbs       Range
	gi          Range
}

var (
	breakfastSlot = mealSlot{Breakfast, 0.9, Range{390, 510}, Range{30, 60}, Range{55, 85}}
	lunchSlot     = mealSlot{Lunch, 1, Range{690, 810}, Range{40, 75}, Range{45, 75}}
	dinnerSlot    = mealSlot{Dinner, 1, Range{1050, 1200}, Range{50, 90}, Range{40, 70}}

	snackSlots = []mealSlot{
		{Snack, 0.30, Range{570, 630}, Range{10, 25}, Range{50, 85}},   // morning
		{Snack, 0.45, Range{870, 990}, Range{10, 30}, Range{50, 85}},   // afternoon
		{Snack, 0.35, Range{1230, 1320}, Range{10, 30}, Range{50, 85}}, // evening
		{Snack, 0.15, Range{1350, 1410}, Range{8, 20}, Range{50, 85}},  // late night
	}
)

const (
	minMeals = 3

	// carbCountingError is the relative standard deviation of the user's
	// carb estimate.
	carbCountingError = 0.12
)

// GenerateMealPlan builds 3–7 meals for the day, sorted by time. Breakfast
// is skipped 10% of the time on ordinary days; lunch and dinner always happen.
func GenerateMealPlan(date time.Time, sc Scenario, params Parameters, rng Rand) []MealEvent {
	day := StartOfDay(date)
	factor := params.MealCarbFactor
	if factor <= 0 {
		factor = 1
	}

	absorption := params.CarbAbsorptionHours
	if absorption <= 0 {
		absorption = DefaultBaseline().CarbAbsorptionHours
	}

	var meals []MealEvent
	add := func(slot mealSlot) {
		meals = append(meals, newMeal(day, slot, factor, absorption, rng))
	}

	if rng.Float64() < breakfastProbability(sc) {
		add(breakfastSlot)
	}
	add(lunchSlot)
	add(dinnerSlot)

	afternoonTaken := false
	for i, slot := range snackSlots {
		if rng.Float64() < slot.probability {
			add(slot)
			if i == 1 {
				afternoonTaken = true
			}
		}
	}
	if len(meals) < minMeals && !afternoonTaken {
		add(snackSlots[1])
	}

	sort.SliceStable(meals, func(i, j int) bool {
		return meals[i].Time.Before(meals[j].Time)
	})
	return meals
}

// breakfastProbability is lower when the patient feels unwell or slept badly.
func breakfastProbability(sc Scenario) float64 {
	switch sc {
	case Sick:
		return 0.6
	case PoorSleep:
		return 0.8
	}
	return breakfastSlot.probability
}

func newMeal(day time.Time, slot mealSlot, factor, absorptionHours float64, rng Rand) MealEvent {
	minute := slot.window.Draw(rng)
	carbs := float64(int(slot.carbs.Draw(rng)*factor + 0.5))
	gi := slot.gi.Draw(rng)

	estimate := carbs * (1 + rng.NormFloat64()*carbCountingError)
	estimate = float64(int(estimate/5+0.5)) * 5 // people round to 5 g
	if estimate < 5 {
		estimate = 5
	}

	return MealEvent{
		Time:               day.Add(time.Duration(minute) * time.Minute),
		Kind:               slot.kind,
		Carbs:              carbs,
		EstimatedCarbs:     estimate,
		GlycemicIndex:      gi,
		AbsorptionHours:    activity.CarbAbsorptionHours(absorptionHours, gi),
		BolusOffsetMinutes: BolusOffset(rng),
	}
}

// bolusTier is one band of the bolus-timing distribution.
type bolusTier struct {
	cumulative float64
	min, max   int // offset minutes
}

// BolusTiers model how people actually time meal boluses: a quarter
// pre-bolus, most bolus around the meal, and a tail forgets until well
// after eating.
var BolusTiers = []bolusTier{
	{0.25, -15, -3},
	{0.60, -2, 2},
	{0.80, 5, 20},
	{0.92, 20, 50},
	{1.00, 50, 90},
}

// BolusOffset draws a bolus timing offset in minutes.
func BolusOffset(rng Rand) int {
	roll := rng.Float64()
	tier := BolusTiers[len(BolusTiers)-1]
	for _, t := range BolusTiers {
		if roll < t.cumulative {
			tier = t
			break
		}
	}
	return tier.min + rng.Intn(tier.max-tier.min+1)
}
