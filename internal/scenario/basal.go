package scenario

import (
	"sort"
	"time"
)

// BasalAdjustment is a planned temp basal expressed as a multiple of the
// scheduled rate.
type BasalAdjustment struct {
	Start           time.Time `json:"start"`
	DurationMinutes float64   `json:"duration_minutes"`
	Multiplier      float64   `json:"multiplier"`
	Reason          string    `json:"reason"`
}

// End returns when the temp basal expires.
func (b BasalAdjustment) End() time.Time {
	return b.Start.Add(time.Duration(b.DurationMinutes * float64(time.Minute)))
}

const (
	exerciseBasalMultiplier = 0.5
	exerciseBasalMinutes    = 120
	exerciseBasalLead       = 30 * time.Minute
)

// GenerateBasalAdjustments returns the day's pre-planned temp basals,
// sorted by start time.
func GenerateBasalAdjustments(date time.Time, sc Scenario, params Parameters, rng Rand) []BasalAdjustment {
	day := StartOfDay(date)
	var adj []BasalAdjustment

	if params.HasExercise {
		start := day.Add(time.Duration(params.ExerciseStartMinute) * time.Minute).Add(-exerciseBasalLead)
		if start.Before(day) {
			start = day
		}
		adj = append(adj, BasalAdjustment{
			Start:           start,
			DurationMinutes: exerciseBasalMinutes,
			Multiplier:      exerciseBasalMultiplier,
			Reason:          "exercise",
		})
	}

	switch sc {
	case Low:
		if rng.Float64() < 0.35 {
			adj = append(adj, BasalAdjustment{
				Start:           at(day, Range{780, 960}, rng),
				DurationMinutes: float64(60 + 15*rng.Intn(5)),
				Multiplier:      0.7,
				Reason:          "low day",
			})
		}
	case High:
		if rng.Float64() < 0.40 {
			adj = append(adj, BasalAdjustment{
				Start:           at(day, Range{480, 1080}, rng),
				DurationMinutes: float64(120 + 15*rng.Intn(5)),
				Multiplier:      Range{1.2, 1.3}.Draw(rng),
				Reason:          "high day",
			})
		}
	case Sick:
		if rng.Float64() < 0.60 {
			adj = append(adj, BasalAdjustment{
				Start:           at(day, Range{360, 720}, rng),
				DurationMinutes: float64(240 + 30*rng.Intn(5)),
				Multiplier:      Range{1.3, 1.5}.Draw(rng),
				Reason:          "sick day",
			})
		}
	}

	sort.SliceStable(adj, func(i, j int) bool {
		return adj[i].Start.Before(adj[j].Start)
	})
	return adj
}

// at draws a 5-minute-aligned time within window minutes after day.
func at(day time.Time, window Range, rng Rand) time.Time {
	return day.Add(time.Duration(roundTo5(window.Draw(rng))) * time.Minute)
}
