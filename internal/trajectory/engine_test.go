package trajectory

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/nocturne/demo-engine/internal/model"
	"github.com/nocturne/demo-engine/internal/physiology"
	"github.com/nocturne/demo-engine/internal/scenario"
)

var day0 = time.Date(2024, 3, 12, 0, 0, 0, 0, time.UTC)

func flatPlan(day time.Time) scenario.Plan {
	return scenario.Plan{
		Date:     day,
		Scenario: scenario.Normal,
		Params: scenario.Parameters{
			FastingGlucose:               100,
			CarbRatio:                    10,
			BasalMultiplier:              1,
			InsulinSensitivityMultiplier: 1,
			DawnPhenomenonStrength:       0.3,
			MealCarbFactor:               1,
			CarbAbsorptionHours:          3,
		},
	}
}

func newDay(plan scenario.Plan, seed int64, carry Carry) (*Day, *physiology.Simulator) {
	base := scenario.DefaultBaseline()
	sim := physiology.New(base.Profile())
	return NewDay(plan, base, sim, scenario.NewRand(seed), carry), sim
}

func TestDay_DegenerateNormalDayStaysNearFasting(t *testing.T) {
	for seed := int64(1); seed <= 5; seed++ {
		d, _ := newDay(flatPlan(day0), seed, Carry{})
		res := d.Run()

		if len(res.Readings) != TicksPerDay {
			t.Fatalf("seed %d: readings = %d, want %d", seed, len(res.Readings), TicksPerDay)
		}
		for _, r := range res.Readings {
			if math.Abs(float64(r.SGV)-100) > 40 {
				t.Errorf("seed %d: %s sgv=%d drifted more than 40 from fasting",
					seed, r.DateString, r.SGV)
				break
			}
		}
	}
}

func TestDay_StateTransitions(t *testing.T) {
	d, _ := newDay(flatPlan(day0), 1, Carry{})
	if d.State() != NotStarted {
		t.Fatalf("initial state = %s", d.State())
	}

	_, treatments, ok := d.Step()
	if !ok || d.State() != Simulating {
		t.Fatalf("after first step: ok=%v state=%s", ok, d.State())
	}
	if len(treatments) == 0 || treatments[0].EventType != model.EventScheduledBasal {
		t.Fatalf("first tick should open with the scheduled basal, got %+v", treatments)
	}

	for i := 1; i < TicksPerDay; i++ {
		if _, _, ok := d.Step(); !ok {
			t.Fatalf("step %d returned !ok", i)
		}
	}
	if d.State() != DayComplete {
		t.Fatalf("state after %d ticks = %s", TicksPerDay, d.State())
	}
	if _, _, ok := d.Step(); ok {
		t.Fatal("step after completion should return !ok")
	}
}

func TestDay_ReadingsAreFiveMinutesApart(t *testing.T) {
	d, _ := newDay(flatPlan(day0), 3, Carry{})
	res := d.Run()

	for i, r := range res.Readings {
		want := day0.Add(time.Duration(i) * Tick).UnixMilli()
		if r.Date != want {
			t.Fatalf("reading %d date = %d, want %d", i, r.Date, want)
		}
		if r.Type != model.EntryTypeSGV || r.Source != model.DemoSource {
			t.Fatalf("reading %d: type=%q source=%q", i, r.Type, r.Source)
		}
		if i > 0 && r.Delta != r.SGV-res.Readings[i-1].SGV {
			t.Fatalf("reading %d delta = %d, want %d", i, r.Delta, r.SGV-res.Readings[i-1].SGV)
		}
		if r.Direction != model.DirectionFromDelta(float64(r.Delta)) {
			t.Fatalf("reading %d direction %s does not match delta %d", i, r.Direction, r.Delta)
		}
	}
}

func TestDay_UncoveredMealIsClamped(t *testing.T) {
	plan := flatPlan(day0)
	plan.Meals = []scenario.MealEvent{{
		Time:            day0.Add(8 * time.Hour),
		Kind:            scenario.Lunch,
		Carbs:           300,
		EstimatedCarbs:  0, // forgot to bolus
		AbsorptionHours: 2,
	}}
	d, _ := newDay(plan, 7, Carry{})
	res := d.Run()

	peak := 0
	for i, r := range res.Readings {
		if r.SGV < int(MinGlucose) || r.SGV > 400 {
			t.Fatalf("reading %d sgv=%d outside [40, 400]", i, r.SGV)
		}
		if i > 0 && abs(r.Delta) > int(physiology.MaxMomentum)+1 {
			t.Fatalf("reading %d delta=%d exceeds momentum clamp", i, r.Delta)
		}
		peak = max(peak, r.SGV)
	}
	if peak < 250 {
		t.Errorf("peak = %d, expected a large excursion from 300 g uncovered", peak)
	}

	var corrections int
	for _, tr := range res.Treatments {
		if tr.EventType == model.EventCorrectionBolus || tr.EventType == model.EventSMB {
			corrections++
			if tr.Notes == "manual" {
				continue
			}
			u, _ := tr.Insulin.Float64()
			if u <= 0 || u > correctionMax {
				t.Errorf("%s insulin=%v outside (0, %v]", tr.EventType, u, correctionMax)
			}
		}
	}
	if corrections == 0 {
		t.Error("expected the loop to correct a prolonged high")
	}
}

func TestDay_OverdoseFloorsAndTreatsLows(t *testing.T) {
	d, sim := newDay(flatPlan(day0), 11, Carry{})
	sim.AddInsulinDose(day0, 15, false, 0)
	res := d.Run()

	floored := false
	for _, r := range res.Readings {
		if r.SGV < int(MinGlucose) {
			t.Fatalf("sgv %d below floor", r.SGV)
		}
		if r.SGV == int(MinGlucose) {
			floored = true
		}
	}
	if !floored {
		t.Error("expected 15 U to pin glucose at the floor")
	}

	var last time.Time
	var lows int
	for _, tr := range res.Treatments {
		if tr.EventType != model.EventCarbCorrection {
			continue
		}
		lows++
		if tr.Carbs < 15 || tr.Carbs > 20 {
			t.Errorf("carb correction %v g outside 15–20", tr.Carbs)
		}
		at := tr.Time()
		if !last.IsZero() && at.Sub(last) < lowTreatCooldown {
			t.Errorf("carb corrections %s and %s closer than cooldown", last, at)
		}
		last = at
	}
	if lows == 0 {
		t.Error("expected low treatments")
	}
}

func TestDay_HighStartTriggersTempAndCorrection(t *testing.T) {
	d, _ := newDay(flatPlan(day0), 5, Carry{Glucose: 250})
	_, treatments, _ := d.Step()

	var temp, bolus *model.Treatment
	for i := range treatments {
		switch treatments[i].EventType {
		case model.EventTempBasal:
			temp = &treatments[i]
		case model.EventCorrectionBolus, model.EventSMB:
			bolus = &treatments[i]
		}
	}
	if temp == nil {
		t.Fatal("expected a temp basal increase")
	}
	rate, _ := temp.Rate.Float64()
	if rate < 1.1 || rate > 1.4 || temp.Duration != tempBasalDuration {
		t.Errorf("temp basal rate=%v duration=%v", rate, temp.Duration)
	}
	if bolus == nil || bolus.EventType != model.EventCorrectionBolus {
		t.Fatalf("expected an automated correction bolus, got %+v", bolus)
	}
	u, _ := bolus.Insulin.Float64()
	if u < correctionMin || u > correctionMax {
		t.Errorf("correction %v U outside clamp", u)
	}
}

func TestDay_SoftLowReducesBasal(t *testing.T) {
	d, _ := newDay(flatPlan(day0), 5, Carry{Glucose: 88, LastValue: 88})

	var temp *model.Treatment
	for i := 0; i < 6 && temp == nil; i++ {
		_, treatments, _ := d.Step()
		for j := range treatments {
			switch treatments[j].EventType {
			case model.EventTempBasal:
				temp = &treatments[j]
			case model.EventCarbCorrection:
				t.Fatalf("no carbs expected above 70, got %+v", treatments[j])
			}
		}
	}
	if temp == nil {
		t.Fatal("expected a reduced temp basal below 90")
	}
	rate, _ := temp.Rate.Float64()
	if rate < 0 || rate > 0.4*d.base.BasalRate {
		t.Errorf("temp rate %v outside 0-40%% of %v", rate, d.base.BasalRate)
	}
	if temp.Notes != "predicted low" || temp.Duration != tempBasalDuration {
		t.Errorf("temp basal notes=%q duration=%v", temp.Notes, temp.Duration)
	}
}

func TestSetTempBasal_SupersedeCancelsRemainder(t *testing.T) {
	t0 := day0.Add(2 * time.Hour)
	at := t0.Add(10 * time.Minute)

	// A 30-minute zero temp replaced after 10 minutes must deliver the
	// same insulin as a 10-minute zero temp.
	cut, cutSim := newDay(flatPlan(day0), 1, Carry{})
	cut.setTempBasal(t0, 0, 30, "first")
	cut.setTempBasal(at, 2, 30, "second")

	ref, refSim := newDay(flatPlan(day0), 1, Carry{})
	ref.setTempBasal(t0, 0, 10, "first")
	ref.setTempBasal(at, 2, 30, "second")

	for m := 0; m <= 6*60; m += 5 {
		ts := t0.Add(time.Duration(m) * time.Minute)
		got, want := cutSim.InsulinOnBoard(ts), refSim.InsulinOnBoard(ts)
		if math.Abs(got-want) > 1e-9 {
			t.Fatalf("IOB at +%dm = %.4f, want %.4f", m, got, want)
		}
	}
	if math.Abs(cut.iobEstimate-ref.iobEstimate) > 1e-9 {
		t.Errorf("iob estimate = %.4f, want %.4f", cut.iobEstimate, ref.iobEstimate)
	}
	if !cut.tempEnd.Equal(at.Add(30 * time.Minute)) {
		t.Errorf("temp end = %s", cut.tempEnd)
	}
}

func TestDay_MealBolusTiming(t *testing.T) {
	plan := flatPlan(day0)
	lunch := day0.Add(12 * time.Hour)
	dinner := day0.Add(18 * time.Hour)
	plan.Meals = []scenario.MealEvent{
		{Time: lunch, Kind: scenario.Lunch, Carbs: 50, EstimatedCarbs: 50, AbsorptionHours: 3, BolusOffsetMinutes: 1},
		{Time: dinner, Kind: scenario.Dinner, Carbs: 60, EstimatedCarbs: 60, AbsorptionHours: 3, BolusOffsetMinutes: 30},
	}
	d, _ := newDay(plan, 2, Carry{})
	res := d.Run()

	byTime := map[time.Time][]model.Treatment{}
	for _, tr := range res.Treatments {
		byTime[tr.Time()] = append(byTime[tr.Time()], tr)
	}

	combined := findType(byTime[lunch], model.EventMealBolus)
	if combined == nil || combined.Carbs != 50 || combined.Insulin.IsZero() {
		t.Fatalf("lunch should be one Meal Bolus with carbs and insulin, got %+v", byTime[lunch])
	}

	carbs := findType(byTime[dinner], model.EventCarbs)
	if carbs == nil || carbs.Carbs != 60 || !carbs.Insulin.IsZero() {
		t.Fatalf("dinner carbs should be recorded alone, got %+v", byTime[dinner])
	}
	late := findType(byTime[dinner.Add(30*time.Minute)], model.EventMealBolus)
	if late == nil || late.Carbs != 0 || late.Insulin.IsZero() {
		t.Fatalf("late dinner bolus missing, got %+v", byTime[dinner.Add(30*time.Minute)])
	}
}

func findType(trs []model.Treatment, eventType string) *model.Treatment {
	for i := range trs {
		if trs[i].EventType == eventType {
			return &trs[i]
		}
	}
	return nil
}

func TestDay_CarryHalvesMomentum(t *testing.T) {
	d, _ := newDay(flatPlan(day0), 4, Carry{Glucose: 140, Momentum: 6, LastValue: 138})
	if d.Glucose() != 140 || d.Momentum() != 6 {
		t.Fatalf("carry not applied: g=%v m=%v", d.Glucose(), d.Momentum())
	}
	reading, _, _ := d.Step()
	if reading.Delta != reading.SGV-138 {
		t.Errorf("first delta = %d, want relative to carried 138", reading.Delta)
	}

	c := d.Carry()
	if c.Glucose != d.Glucose() || c.Momentum != d.Momentum()*0.5 {
		t.Errorf("carry = %+v, glucose=%v momentum=%v", c, d.Glucose(), d.Momentum())
	}
}

func TestRunner_Reproducible(t *testing.T) {
	run := func() []Result {
		r := NewRunner(scenario.DefaultBaseline(), scenario.NewRand(42), day0)
		var out []Result
		if err := r.RunDays(context.Background(), 3, func(res Result) error {
			out = append(out, res)
			return nil
		}); err != nil {
			t.Fatalf("RunDays: %v", err)
		}
		return out
	}

	a, b := run(), run()
	for i := range a {
		if len(a[i].Readings) != len(b[i].Readings) || len(a[i].Treatments) != len(b[i].Treatments) {
			t.Fatalf("day %d: record counts differ", i)
		}
		for j := range a[i].Readings {
			if a[i].Readings[j] != b[i].Readings[j] {
				t.Fatalf("day %d reading %d differs: %+v vs %+v", i, j, a[i].Readings[j], b[i].Readings[j])
			}
		}
		for j := range a[i].Treatments {
			if a[i].Treatments[j].ID != b[i].Treatments[j].ID {
				t.Fatalf("day %d treatment %d differs", i, j)
			}
		}
	}
}

func TestRunner_WeekOfHistory(t *testing.T) {
	r := NewRunner(scenario.DefaultBaseline(), scenario.NewRand(9), day0)

	known := map[string]bool{}
	for _, et := range model.EventTypes {
		known[et] = true
	}
	ids := map[string]bool{}
	var prev int64
	var readings int

	err := r.RunDays(context.Background(), 7, func(res Result) error {
		for _, e := range res.Readings {
			if prev != 0 && e.Date-prev != Tick.Milliseconds() {
				t.Fatalf("gap between readings at %s", e.DateString)
			}
			if ids[e.ID] {
				t.Fatalf("duplicate entry id %s", e.ID)
			}
			ids[e.ID] = true
			prev = e.Date
			readings++
		}
		for _, tr := range res.Treatments {
			if !known[tr.EventType] {
				t.Errorf("unknown event type %q", tr.EventType)
			}
			if ids[tr.ID] {
				t.Fatalf("duplicate treatment id %s (%s at %s)", tr.ID, tr.EventType, tr.CreatedAt)
			}
			ids[tr.ID] = true
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RunDays: %v", err)
	}
	if readings != 7*TicksPerDay {
		t.Errorf("readings = %d, want %d", readings, 7*TicksPerDay)
	}
	if !r.NextDay().Equal(day0.AddDate(0, 0, 7)) {
		t.Errorf("next day = %s", r.NextDay())
	}
}

func TestRunner_DaylightSavingDays(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("time zone database unavailable: %v", err)
	}

	tests := []struct {
		name string
		day  time.Time
		want int
	}{
		{"spring forward", time.Date(2024, 3, 10, 0, 0, 0, 0, loc), 23 * 12},
		{"fall back", time.Date(2024, 11, 3, 0, 0, 0, 0, loc), 25 * 12},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRunner(scenario.DefaultBaseline(), scenario.NewRand(3), tt.day.AddDate(0, 0, -1))

			ids := map[string]bool{}
			var counts []int
			var prev int64
			err := r.RunDays(context.Background(), 3, func(res Result) error {
				counts = append(counts, len(res.Readings))
				for _, e := range res.Readings {
					if prev != 0 && e.Date-prev != Tick.Milliseconds() {
						t.Fatalf("readings %dms apart at %s", e.Date-prev, e.DateString)
					}
					if ids[e.ID] {
						t.Fatalf("duplicate entry id at %s", e.DateString)
					}
					ids[e.ID] = true
					prev = e.Date
				}
				for _, tr := range res.Treatments {
					if ids[tr.ID] {
						t.Fatalf("duplicate treatment id %s (%s at %s)", tr.ID, tr.EventType, tr.CreatedAt)
					}
					ids[tr.ID] = true
					if tr.EventType == model.EventScheduledBasal && tr.Time().Equal(tt.day) {
						if tr.Duration != float64(tt.want*5) {
							t.Errorf("scheduled basal duration = %v, want %d", tr.Duration, tt.want*5)
						}
					}
				}
				return nil
			})
			if err != nil {
				t.Fatalf("RunDays: %v", err)
			}
			if len(counts) != 3 || counts[0] != TicksPerDay || counts[1] != tt.want || counts[2] != TicksPerDay {
				t.Errorf("readings per day = %v, want [%d %d %d]", counts, TicksPerDay, tt.want, TicksPerDay)
			}
		})
	}
}

func TestRunner_RunDaysStopsOnCancel(t *testing.T) {
	r := NewRunner(scenario.DefaultBaseline(), scenario.NewRand(1), day0)
	ctx, cancel := context.WithCancel(context.Background())

	days := 0
	err := r.RunDays(ctx, 10, func(Result) error {
		days++
		if days == 2 {
			cancel()
		}
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if days != 2 {
		t.Errorf("days = %d, want 2", days)
	}
}

func TestRunner_StepUntil(t *testing.T) {
	r := NewRunner(scenario.DefaultBaseline(), scenario.NewRand(8), day0)
	collect := func(now time.Time) []model.Entry {
		var got []model.Entry
		if _, err := r.StepUntil(now, func(e model.Entry, _ []model.Treatment) error {
			got = append(got, e)
			return nil
		}); err != nil {
			t.Fatalf("StepUntil: %v", err)
		}
		return got
	}

	first := collect(day0.Add(time.Hour))
	if len(first) != 13 {
		t.Fatalf("first hour ticks = %d, want 13", len(first))
	}
	if again := collect(day0.Add(time.Hour + time.Minute)); len(again) != 0 {
		t.Fatalf("no tick due yet, got %d", len(again))
	}

	rest := collect(day0.Add(24*time.Hour + 10*time.Minute))
	if want := TicksPerDay - 13 + 3; len(rest) != want {
		t.Fatalf("ticks across midnight = %d, want %d", len(rest), want)
	}
	if last := rest[len(rest)-1]; last.Date != day0.Add(24*time.Hour+10*time.Minute).UnixMilli() {
		t.Errorf("last tick at %s", last.DateString)
	}
	if r.Carry().Glucose == 0 {
		t.Error("carry should be set after crossing midnight")
	}
}

func TestRunner_StepUntilPropagatesError(t *testing.T) {
	r := NewRunner(scenario.DefaultBaseline(), scenario.NewRand(8), day0)
	boom := errors.New("sink full")
	n, err := r.StepUntil(day0.Add(time.Hour), func(model.Entry, []model.Treatment) error {
		return boom
	})
	if !errors.Is(err, boom) || n != 0 {
		t.Fatalf("n=%d err=%v", n, err)
	}
}
