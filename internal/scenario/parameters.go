package scenario

import (
	"github.com/nocturne/demo-engine/internal/activity"
)

// Baseline is the patient's configured therapy settings before any
// day-specific scaling.
type Baseline struct {
	BasalRate            float64 // U/h
	CarbRatio            float64 // g/U
	ISF                  float64 // mg/dL per U
	TargetGlucose        float64
	MinGlucose           float64
	MaxGlucose           float64
	InsulinDurationHours float64
	InsulinPeakMinutes   float64
	CarbAbsorptionHours  float64
	AutosensMin          float64
	AutosensMax          float64
}

// DefaultBaseline returns typical adult pump settings.
func DefaultBaseline() Baseline {
	return Baseline{
		BasalRate:            1.0,
		CarbRatio:            10,
		ISF:                  50,
		TargetGlucose:        110,
		MinGlucose:           40,
		MaxGlucose:           400,
		InsulinDurationHours: 5,
		InsulinPeakMinutes:   75,
		CarbAbsorptionHours:  3,
		AutosensMin:          0.7,
		AutosensMax:          1.2,
	}
}

// Parameters are the day-specific physiological settings.
type Parameters struct {
	FastingGlucose               float64 `json:"fasting_glucose"`
	CarbRatio                    float64 `json:"carb_ratio"`
	BasalMultiplier              float64 `json:"basal_multiplier"`
	InsulinSensitivityMultiplier float64 `json:"insulin_sensitivity_multiplier"`
	DawnPhenomenonStrength       float64 `json:"dawn_phenomenon_strength"`
	HasExercise                  bool    `json:"has_exercise"`

	// Exercise window, minutes after midnight. Zero unless HasExercise.
	ExerciseStartMinute     int     `json:"exercise_start_minute,omitempty"`
	ExerciseDurationMinutes int     `json:"exercise_duration_minutes,omitempty"`
	ExerciseIntensity       float64 `json:"exercise_intensity,omitempty"` // mg/dL drop per tick

	// MealCarbFactor scales planned meal sizes.
	MealCarbFactor float64 `json:"meal_carb_factor"`

	// CarbAbsorptionHours is the baseline absorption window before
	// glycemic-index adjustment.
	CarbAbsorptionHours float64 `json:"carb_absorption_hours"`
}

// Range is a closed interval drawn uniformly.
type Range struct {
	Min, Max float64
}

// Draw returns a uniform value in [Min, Max].
func (r Range) Draw(rng Rand) float64 {
	return r.Min + rng.Float64()*(r.Max-r.Min)
}

// Contains reports whether v lies in the range.
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// ParameterRanges are the bounds every day parameter is drawn from.
type ParameterRanges struct {
	FastingGlucose  Range
	CarbRatioFactor Range // multiplies Baseline.CarbRatio
	BasalMultiplier Range
	Sensitivity     Range
	DawnStrength    Range // peak mg/dL per tick at 06:00
	MealCarbFactor  float64
	HasExercise     bool
}

// Ranges is the per-archetype table. Exercise days raise sensitivity and
// lower basal need; sick and stress days do the opposite.
var Ranges = map[Scenario]ParameterRanges{
	Normal: {
		FastingGlucose:  Range{85, 110},
		CarbRatioFactor: Range{0.95, 1.05},
		BasalMultiplier: Range{0.95, 1.05},
		Sensitivity:     Range{0.95, 1.05},
		DawnStrength:    Range{0.2, 0.45},
		MealCarbFactor:  1.0,
	},
	High: {
		FastingGlucose:  Range{110, 135},
		CarbRatioFactor: Range{0.8, 0.9},
		BasalMultiplier: Range{1.1, 1.25},
		Sensitivity:     Range{0.85, 0.95},
		DawnStrength:    Range{0.45, 0.8},
		MealCarbFactor:  1.1,
	},
	Low: {
		FastingGlucose:  Range{70, 95},
		CarbRatioFactor: Range{1.05, 1.2},
		BasalMultiplier: Range{0.8, 0.95},
		Sensitivity:     Range{1.2, 1.4},
		DawnStrength:    Range{0.1, 0.3},
		MealCarbFactor:  0.95,
	},
	Exercise: {
		FastingGlucose:  Range{80, 100},
		CarbRatioFactor: Range{1.1, 1.25},
		BasalMultiplier: Range{0.75, 0.9},
		Sensitivity:     Range{1.15, 1.35},
		DawnStrength:    Range{0.15, 0.35},
		MealCarbFactor:  1.05,
		HasExercise:     true,
	},
	Sick: {
		FastingGlucose:  Range{130, 170},
		CarbRatioFactor: Range{0.7, 0.85},
		BasalMultiplier: Range{1.2, 1.5},
		Sensitivity:     Range{0.65, 0.8},
		DawnStrength:    Range{0.6, 1.0},
		MealCarbFactor:  0.7,
	},
	Stress: {
		FastingGlucose:  Range{105, 130},
		CarbRatioFactor: Range{0.85, 0.95},
		BasalMultiplier: Range{1.05, 1.2},
		Sensitivity:     Range{0.8, 0.9},
		DawnStrength:    Range{0.45, 0.75},
		MealCarbFactor:  1.1,
	},
	PoorSleep: {
		FastingGlucose:  Range{100, 125},
		CarbRatioFactor: Range{0.85, 0.95},
		BasalMultiplier: Range{1.05, 1.15},
		Sensitivity:     Range{0.85, 0.95},
		DawnStrength:    Range{0.6, 0.9},
		MealCarbFactor:  1.15,
	},
}

// Exercise session bounds.
var (
	morningExercise   = Range{390, 480}  // 06:30–08:00
	afternoonExercise = Range{960, 1110} // 16:00–18:30
	exerciseDuration  = Range{45, 90}    // minutes
	exerciseIntensity = Range{0.8, 1.8}  // mg/dL per tick
)

// GetScenarioParameters draws the day's parameters from the archetype's
// ranges. Fields are drawn in declaration order.
func GetScenarioParameters(sc Scenario, base Baseline, rng Rand) Parameters {
	r, ok := Ranges[sc]
	if !ok {
		r = Ranges[Normal]
	}
	p := Parameters{
		FastingGlucose:               r.FastingGlucose.Draw(rng),
		CarbRatio:                    base.CarbRatio * r.CarbRatioFactor.Draw(rng),
		BasalMultiplier:              r.BasalMultiplier.Draw(rng),
		InsulinSensitivityMultiplier: r.Sensitivity.Draw(rng),
		DawnPhenomenonStrength:       r.DawnStrength.Draw(rng),
		HasExercise:                  r.HasExercise,
		MealCarbFactor:               r.MealCarbFactor,
		CarbAbsorptionHours:          base.CarbAbsorptionHours,
	}
	if p.HasExercise {
		window := afternoonExercise
		if rng.Float64() < 0.4 {
			window = morningExercise
		}
		p.ExerciseStartMinute = roundTo5(window.Draw(rng))
		p.ExerciseDurationMinutes = roundTo5(exerciseDuration.Draw(rng))
		p.ExerciseIntensity = exerciseIntensity.Draw(rng)
	}
	return p
}

// Profile returns the pharmacokinetic profile the pump is programmed with.
func (b Baseline) Profile() activity.Profile {
	return activity.Profile{
		DIAHours:         b.InsulinDurationHours,
		PeakMinutes:      b.InsulinPeakMinutes,
		CurrentBasalRate: b.BasalRate,
		CarbRatio:        b.CarbRatio,
		ISF:              b.ISF,
		MinBG:            b.MinGlucose,
		MaxBG:            b.MaxGlucose,
		AutosensMin:      b.AutosensMin,
		AutosensMax:      b.AutosensMax,
	}
}

// Profile builds the pharmacokinetic profile the body follows on this day.
// The pump keeps delivering the baseline basal; the multiplier only changes
// how much the body needs.
func (p Parameters) Profile(base Baseline) activity.Profile {
	prof := base.Profile()
	prof.CarbRatio = p.CarbRatio
	prof.ISF = base.ISF * p.InsulinSensitivityMultiplier
	return prof
}

func roundTo5(v float64) int {
	return int(v/5+0.5) * 5
}
