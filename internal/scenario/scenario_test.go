package scenario

import (
	"math"
	"reflect"
	"testing"
	"time"
)

// fixedRand returns the same values forever.
type fixedRand struct {
	f float64
	n int
}

func (r fixedRand) Float64() float64     { return r.f }
func (r fixedRand) NormFloat64() float64 { return 0 }
func (r fixedRand) Intn(n int) int {
	if r.n >= n {
		return n - 1
	}
	return r.n
}

var (
	monday   = time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	saturday = time.Date(2025, 6, 7, 0, 0, 0, 0, time.UTC)
)

// --- Scenario selection ---

func TestSelectDayScenario_Extremes(t *testing.T) {
	if got := SelectDayScenario(monday, fixedRand{f: 0}); got != Normal {
		t.Errorf("roll 0 should select normal, got %s", got)
	}
	if got := SelectDayScenario(monday, fixedRand{f: 0.9999}); got != PoorSleep {
		t.Errorf("roll ≈1 should select poor_sleep, got %s", got)
	}
	// 0.45 is the first value past the weekday normal band.
	if got := SelectDayScenario(monday, fixedRand{f: 0.45}); got != High {
		t.Errorf("roll 0.45 on a weekday should select high, got %s", got)
	}
	// On weekends normal covers only 40%.
	if got := SelectDayScenario(saturday, fixedRand{f: 0.42}); got != High {
		t.Errorf("roll 0.42 on a weekend should select high, got %s", got)
	}
}

func TestSelectDayScenario_Distribution(t *testing.T) {
	tests := []struct {
		name    string
		date    time.Time
		weights [7]int
	}{
		{"weekday", monday, WeekdayWeights},
		{"weekend", saturday, WeekendWeights},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rng := NewRand(42)
			const n = 40000
			counts := make(map[Scenario]int)
			for i := 0; i < n; i++ {
				counts[SelectDayScenario(tt.date, rng)]++
			}
			for i, sc := range All {
				got := float64(counts[sc]) / n * 100
				want := float64(tt.weights[i])
				if math.Abs(got-want) > 1.5 {
					t.Errorf("%s: %.1f%%, want ≈%.0f%%", sc, got, want)
				}
			}
		})
	}
}

func TestWeights_SumTo100(t *testing.T) {
	for name, w := range map[string][7]int{"weekday": WeekdayWeights, "weekend": WeekendWeights} {
		sum := 0
		for _, v := range w {
			sum += v
		}
		if sum != 100 {
			t.Errorf("%s weights sum to %d", name, sum)
		}
	}
}

func TestParseScenario_RoundTrip(t *testing.T) {
	for _, sc := range All {
		got, err := ParseScenario(sc.String())
		if err != nil || got != sc {
			t.Errorf("ParseScenario(%q) = %v, %v", sc.String(), got, err)
		}
	}
	if _, err := ParseScenario("holiday"); err == nil {
		t.Error("expected error for unknown archetype")
	}
}

// --- Parameters ---

func TestGetScenarioParameters_WithinRanges(t *testing.T) {
	base := DefaultBaseline()
	rng := NewRand(7)
	for _, sc := range All {
		r := Ranges[sc]
		for i := 0; i < 500; i++ {
			p := GetScenarioParameters(sc, base, rng)
			if !r.FastingGlucose.Contains(p.FastingGlucose) {
				t.Fatalf("%s: fasting %v outside %v", sc, p.FastingGlucose, r.FastingGlucose)
			}
			ratio := p.CarbRatio / base.CarbRatio
			if ratio < r.CarbRatioFactor.Min-1e-9 || ratio > r.CarbRatioFactor.Max+1e-9 {
				t.Fatalf("%s: carb ratio factor %v outside %v", sc, ratio, r.CarbRatioFactor)
			}
			if !r.BasalMultiplier.Contains(p.BasalMultiplier) {
				t.Fatalf("%s: basal multiplier %v outside %v", sc, p.BasalMultiplier, r.BasalMultiplier)
			}
			if !r.Sensitivity.Contains(p.InsulinSensitivityMultiplier) {
				t.Fatalf("%s: sensitivity %v outside %v", sc, p.InsulinSensitivityMultiplier, r.Sensitivity)
			}
			if !r.DawnStrength.Contains(p.DawnPhenomenonStrength) {
				t.Fatalf("%s: dawn %v outside %v", sc, p.DawnPhenomenonStrength, r.DawnStrength)
			}
			if p.BasalMultiplier <= 0 || p.InsulinSensitivityMultiplier <= 0 || p.CarbRatio <= 0 {
				t.Fatalf("%s: multipliers must be positive: %+v", sc, p)
			}
			if p.HasExercise != r.HasExercise {
				t.Fatalf("%s: HasExercise = %v", sc, p.HasExercise)
			}
		}
	}
}

func TestGetScenarioParameters_ClinicalBounds(t *testing.T) {
	low := Ranges[Low]
	if low.FastingGlucose != (Range{70, 95}) || low.Sensitivity != (Range{1.2, 1.4}) {
		t.Errorf("low day ranges changed: %+v", low)
	}
	high := Ranges[High]
	if high.FastingGlucose != (Range{110, 135}) || high.Sensitivity != (Range{0.85, 0.95}) {
		t.Errorf("high day ranges changed: %+v", high)
	}
	ex := Ranges[Exercise]
	if ex.Sensitivity.Min <= 1 || ex.BasalMultiplier.Max >= 1 {
		t.Errorf("exercise days must raise sensitivity and cut basal: %+v", ex)
	}
}

func TestGetScenarioParameters_ExerciseWindow(t *testing.T) {
	rng := NewRand(3)
	for i := 0; i < 200; i++ {
		p := GetScenarioParameters(Exercise, DefaultBaseline(), rng)
		if p.ExerciseStartMinute < 390 || p.ExerciseStartMinute > 1110 {
			t.Fatalf("exercise start %d outside waking window", p.ExerciseStartMinute)
		}
		if p.ExerciseStartMinute%5 != 0 || p.ExerciseDurationMinutes%5 != 0 {
			t.Fatalf("exercise window not 5-minute aligned: %+v", p)
		}
		if p.ExerciseDurationMinutes < 45 || p.ExerciseDurationMinutes > 90 {
			t.Fatalf("exercise duration %d", p.ExerciseDurationMinutes)
		}
		if p.ExerciseIntensity <= 0 {
			t.Fatalf("exercise intensity %v", p.ExerciseIntensity)
		}
	}
	if p := GetScenarioParameters(Normal, DefaultBaseline(), rng); p.ExerciseStartMinute != 0 {
		t.Errorf("non-exercise day has exercise window: %+v", p)
	}
}

func TestParameters_Profile(t *testing.T) {
	base := DefaultBaseline()
	p := Parameters{CarbRatio: 12, InsulinSensitivityMultiplier: 1.2, BasalMultiplier: 0.9}
	prof := p.Profile(base)
	if prof.ISF != 60 {
		t.Errorf("ISF = %v, want 60", prof.ISF)
	}
	if prof.CarbRatio != 12 {
		t.Errorf("carb ratio = %v, want 12", prof.CarbRatio)
	}
	if prof.CurrentBasalRate != base.BasalRate {
		t.Errorf("pump keeps delivering the scheduled basal, got %v", prof.CurrentBasalRate)
	}
	if prof.MaxBG != base.MaxGlucose || prof.DIAHours != base.InsulinDurationHours {
		t.Errorf("profile did not carry baseline bounds: %+v", prof)
	}
}

// --- Meal plan ---

func TestGenerateMealPlan_Shape(t *testing.T) {
	rng := NewRand(11)
	for i := 0; i < 2000; i++ {
		day := monday.AddDate(0, 0, i)
		sc := All[i%len(All)]
		params := GetScenarioParameters(sc, DefaultBaseline(), rng)
		meals := GenerateMealPlan(day, sc, params, rng)

		if len(meals) < 3 || len(meals) > 7 {
			t.Fatalf("day %d: %d meals", i, len(meals))
		}
		kinds := map[MealKind]int{}
		for j, m := range meals {
			kinds[m.Kind]++
			if j > 0 && m.Time.Before(meals[j-1].Time) {
				t.Fatalf("day %d: meals not sorted", i)
			}
			if m.Time.Before(day) || !m.Time.Before(day.Add(24*time.Hour)) {
				t.Fatalf("day %d: meal at %v outside day", i, m.Time)
			}
			if m.Carbs <= 0 || m.EstimatedCarbs < 5 || m.AbsorptionHours <= 0 {
				t.Fatalf("day %d: bad meal %+v", i, m)
			}
		}
		if kinds[Lunch] != 1 || kinds[Dinner] != 1 {
			t.Fatalf("day %d: lunch/dinner missing: %v", i, kinds)
		}
		if kinds[Breakfast] > 1 || kinds[Snack] > 4 {
			t.Fatalf("day %d: too many meals: %v", i, kinds)
		}
	}
}

func TestGenerateMealPlan_BreakfastSkipRate(t *testing.T) {
	rng := NewRand(5)
	params := GetScenarioParameters(Normal, DefaultBaseline(), rng)
	const n = 10000
	skipped := 0
	for i := 0; i < n; i++ {
		meals := GenerateMealPlan(monday, Normal, params, rng)
		has := false
		for _, m := range meals {
			if m.Kind == Breakfast {
				has = true
			}
		}
		if !has {
			skipped++
		}
	}
	if rate := float64(skipped) / n; math.Abs(rate-0.10) > 0.015 {
		t.Errorf("breakfast skipped %.3f of days, want ≈0.10", rate)
	}
}

func TestGenerateMealPlan_MinimumThree(t *testing.T) {
	// Every probability roll fails: no breakfast, no snacks.
	meals := GenerateMealPlan(monday, Normal, Parameters{MealCarbFactor: 1, CarbAbsorptionHours: 3}, fixedRand{f: 0.99})
	if len(meals) != 3 {
		t.Fatalf("expected fallback snack, got %d meals", len(meals))
	}
	if meals[1].Kind != Snack {
		t.Errorf("fallback should be the afternoon snack, got %v", meals[1].Kind)
	}
}

func TestGenerateMealPlan_GlycemicIndexShortensAbsorption(t *testing.T) {
	rng := NewRand(9)
	params := GetScenarioParameters(Normal, DefaultBaseline(), rng)
	for i := 0; i < 200; i++ {
		for _, m := range GenerateMealPlan(monday, Normal, params, rng) {
			switch {
			case m.GlycemicIndex >= 70 && m.AbsorptionHours >= 3:
				t.Fatalf("high-GI meal absorbs over %vh", m.AbsorptionHours)
			case m.GlycemicIndex < 55 && m.AbsorptionHours <= 3:
				t.Fatalf("low-GI meal absorbs over %vh", m.AbsorptionHours)
			}
		}
	}
}

func TestBolusOffset_Tiers(t *testing.T) {
	rng := NewRand(21)
	const n = 50000
	var pre, onTime, late, veryLate int
	for i := 0; i < n; i++ {
		off := BolusOffset(rng)
		switch {
		case off < -15 || off > 90:
			t.Fatalf("offset %d out of range", off)
		case off <= -3:
			pre++
		case off <= 2:
			onTime++
		case off >= 50:
			veryLate++
		default:
			late++
		}
	}
	check := func(name string, count int, want float64) {
		if got := float64(count) / n; math.Abs(got-want) > 0.015 {
			t.Errorf("%s: %.3f, want ≈%.2f", name, got, want)
		}
	}
	check("pre-bolus", pre, 0.25)
	check("on time", onTime, 0.35)
	check("very late", veryLate, 0.08)
	check("late", late, 0.32)
}

func TestMealEvent_BolusTime(t *testing.T) {
	m := MealEvent{Time: monday.Add(12 * time.Hour), BolusOffsetMinutes: -10}
	if want := monday.Add(11*time.Hour + 50*time.Minute); !m.BolusTime().Equal(want) {
		t.Errorf("BolusTime = %v, want %v", m.BolusTime(), want)
	}
}

// --- Basal adjustments ---

func TestGenerateBasalAdjustments_Exercise(t *testing.T) {
	params := Parameters{HasExercise: true, ExerciseStartMinute: 1020, ExerciseDurationMinutes: 60}
	adj := GenerateBasalAdjustments(monday, Exercise, params, NewRand(1))
	if len(adj) != 1 {
		t.Fatalf("expected one exercise adjustment, got %d", len(adj))
	}
	a := adj[0]
	if a.Multiplier != 0.5 || a.DurationMinutes != 120 {
		t.Errorf("unexpected exercise temp basal: %+v", a)
	}
	if want := monday.Add(16*time.Hour + 30*time.Minute); !a.Start.Equal(want) {
		t.Errorf("start = %v, want %v", a.Start, want)
	}
	if want := monday.Add(18*time.Hour + 30*time.Minute); !a.End().Equal(want) {
		t.Errorf("end = %v, want %v", a.End(), want)
	}
}

func TestGenerateBasalAdjustments_ScenarioConditional(t *testing.T) {
	if adj := GenerateBasalAdjustments(monday, Normal, Parameters{}, fixedRand{f: 0}); len(adj) != 0 {
		t.Errorf("normal days have no planned temp basals, got %+v", adj)
	}
	low := GenerateBasalAdjustments(monday, Low, Parameters{}, fixedRand{f: 0})
	if len(low) != 1 || low[0].Multiplier >= 1 {
		t.Errorf("low day should reduce basal: %+v", low)
	}
	high := GenerateBasalAdjustments(monday, High, Parameters{}, fixedRand{f: 0})
	if len(high) != 1 || high[0].Multiplier <= 1 {
		t.Errorf("high day should raise basal: %+v", high)
	}
	sick := GenerateBasalAdjustments(monday, Sick, Parameters{}, fixedRand{f: 0})
	if len(sick) != 1 || sick[0].DurationMinutes < 240 {
		t.Errorf("sick day should run a long increase: %+v", sick)
	}
	if none := GenerateBasalAdjustments(monday, High, Parameters{}, fixedRand{f: 0.99}); len(none) != 0 {
		t.Errorf("failed roll should skip the adjustment, got %+v", none)
	}
}

// --- Determinism ---

func TestGenerateDay_Reproducible(t *testing.T) {
	base := DefaultBaseline()
	a, b := NewRand(2024), NewRand(2024)
	for i := 0; i < 30; i++ {
		day := monday.AddDate(0, 0, i)
		pa := GenerateDay(day, base, a)
		pb := GenerateDay(day, base, b)
		if !reflect.DeepEqual(pa, pb) {
			t.Fatalf("day %d differs with the same seed", i)
		}
	}
}

func TestStartOfDay(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*3600)
	in := time.Date(2025, 6, 2, 17, 45, 12, 9, loc)
	got := StartOfDay(in)
	if want := time.Date(2025, 6, 2, 0, 0, 0, 0, loc); !got.Equal(want) {
		t.Errorf("StartOfDay = %v, want %v", got, want)
	}
}
