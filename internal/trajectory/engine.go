// Package trajectory drives the physiology simulator through a day in
// 5-minute ticks, layers the non-insulin glucose terms on top, and runs a
// closed-loop style controller that reacts to the resulting trace.
//
// A Day is a small state machine: NotStarted → Simulating → DayComplete.
// The ending glucose and (half-damped) momentum seed the next day.
package trajectory

import (
	"math"
	"sort"
	"time"

	"github.com/nocturne/demo-engine/internal/activity"
	"github.com/nocturne/demo-engine/internal/model"
	"github.com/nocturne/demo-engine/internal/physiology"
	"github.com/nocturne/demo-engine/internal/scenario"
)

// Tick is the fixed simulation step.
const Tick = 5 * time.Minute

// TicksPerDay is the number of readings in a 24-hour day. Days that
// cross a daylight-saving change have 12 fewer or more.
const TicksPerDay = int(24 * time.Hour / Tick)

// Glucose floor applied every tick. The ceiling is the profile's MaxBG.
const MinGlucose = 40.0

// State is the lifecycle of a Day.
type State int

const (
	NotStarted State = iota
	Simulating
	DayComplete
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Simulating:
		return "simulating"
	case DayComplete:
		return "day_complete"
	}
	return "unknown"
}

// Carry is the state handed from one day to the next.
type Carry struct {
	Glucose     float64 `json:"glucose"`
	Momentum    float64 `json:"momentum"`
	LastValue   int     `json:"last_value"`
	IOBEstimate float64 `json:"iob_estimate"`
}

// Result is everything a completed day emitted.
type Result struct {
	Plan       scenario.Plan
	Readings   []model.Entry
	Treatments []model.Treatment
	End        Carry
}

// Tuning of the non-insulin terms.
const (
	// momentumCarry is the share of the previous momentum kept each tick.
	// Real CGM traces turn quickly, so most of the signal is new.
	momentumCarry = 0.1

	// liverCoupling scales how strongly unmatched basal need moves glucose.
	liverCoupling = 0.3

	noiseDecay     = 0.7
	noiseSigma     = 1.2
	artifactChance = 0.002
	artifactSize   = 7.5

	exerciseTaper = 60 * time.Minute
)

// Controller thresholds, mg/dL relative to target unless noted.
const (
	lowThreshold      = 70.0
	lowTreatCooldown  = 20 * time.Minute
	highMargin        = 10.0
	correctionMargin  = 15.0
	manualMargin      = 30.0
	manualChance      = 0.25
	manualCooldown    = 2 * time.Hour
	wakingFromHour    = 7
	wakingToHour      = 22
	softLowThreshold  = 90.0
	fallingThreshold  = 100.0
	tempBasalDuration = 30.0 // minutes

	correctionMin = 0.1
	correctionMax = 4.0
	smbShare      = 0.25
	smbMin        = 0.05
	smbMax        = 1.2
	minDoseNeed   = 0.05

	fastCarbAbsorptionHours = 0.75
)

type eventKind int

const (
	evCarbs eventKind = iota
	evBolus
	evMealWithBolus
	evBasal
)

type plannedEvent struct {
	at    time.Time
	kind  eventKind
	meal  scenario.MealEvent
	basal scenario.BasalAdjustment
}

type tempKind int

const (
	tempNone tempKind = iota
	tempUp
	tempDown
)

// Day simulates one calendar day. It is not safe for concurrent use.
type Day struct {
	plan    scenario.Plan
	base    scenario.Baseline
	profile activity.Profile
	sim     *physiology.Simulator
	rng     scenario.Rand
	ids     model.IDSpace

	state   State
	tick    int
	start   time.Time
	end     time.Time
	events  []plannedEvent
	nextEvt int

	glucose   float64
	momentum  float64
	lastValue int
	noise     float64

	iobEstimate float64
	iobDecay    float64
	loopISF     float64

	tempEnd      time.Time
	tempRate     float64
	temp         tempKind
	lastManual   time.Time
	lastLowTreat time.Time

	issued map[string]struct{}
}

// NewDay prepares a day from its plan. sim carries insulin and carbs
// across days and may be shared between consecutive Days. A zero carry
// starts at the plan's fasting glucose.
func NewDay(plan scenario.Plan, base scenario.Baseline, sim *physiology.Simulator, rng scenario.Rand, carry Carry) *Day {
	profile := plan.Params.Profile(base)
	sim.SetProfile(profile)

	d := &Day{
		plan:    plan,
		base:    base,
		profile: profile,
		sim:     sim,
		rng:     rng,
		start:   scenario.StartOfDay(plan.Date),
		issued:  make(map[string]struct{}),
	}
	// The next local midnight, not start+24h, so DST days stay contiguous.
	d.end = d.start.AddDate(0, 0, 1)

	if carry.Glucose > 0 {
		d.glucose = carry.Glucose
		d.momentum = physiology.ClampMomentum(carry.Momentum)
		d.lastValue = carry.LastValue
		d.iobEstimate = carry.IOBEstimate
	} else {
		d.glucose = plan.Params.FastingGlucose
	}
	if d.lastValue == 0 {
		d.lastValue = int(math.Round(d.glucose))
	}

	d.iobDecay = math.Exp(-Tick.Minutes() / (profile.DIAMinutes() / 3))
	d.loopISF = base.ISF * clamp(plan.Params.InsulinSensitivityMultiplier, base.AutosensMin, base.AutosensMax)
	d.events = buildEvents(plan, d.end)
	return d
}

func buildEvents(plan scenario.Plan, dayEnd time.Time) []plannedEvent {
	lastMinute := dayEnd.Add(-time.Minute)
	var evs []plannedEvent
	for _, m := range plan.Meals {
		if abs(m.BolusOffsetMinutes) <= 2 {
			evs = append(evs, plannedEvent{at: m.Time, kind: evMealWithBolus, meal: m})
			continue
		}
		bolusAt := m.BolusTime()
		if bolusAt.After(lastMinute) {
			bolusAt = lastMinute
		}
		evs = append(evs,
			plannedEvent{at: m.Time, kind: evCarbs, meal: m},
			plannedEvent{at: bolusAt, kind: evBolus, meal: m},
		)
	}
	for _, b := range plan.BasalSteps {
		evs = append(evs, plannedEvent{at: b.Start, kind: evBasal, basal: b})
	}
	sort.SliceStable(evs, func(i, j int) bool { return evs[i].at.Before(evs[j].at) })
	return evs
}

// State returns the lifecycle state.
func (d *Day) State() State { return d.state }

// Plan returns the day's plan.
func (d *Day) Plan() scenario.Plan { return d.plan }

// NextTickTime returns the timestamp of the next reading.
func (d *Day) NextTickTime() time.Time {
	return d.start.Add(time.Duration(d.tick) * Tick)
}

// Glucose returns the current (unrounded) glucose.
func (d *Day) Glucose() float64 { return d.glucose }

// Momentum returns the current per-tick rate of change.
func (d *Day) Momentum() float64 { return d.momentum }

// Carry returns the state to seed the next day with. Momentum is halved.
func (d *Day) Carry() Carry {
	return Carry{
		Glucose:     d.glucose,
		Momentum:    d.momentum * 0.5,
		LastValue:   d.lastValue,
		IOBEstimate: d.iobEstimate,
	}
}

// Run steps through the remaining ticks and returns the day's output.
func (d *Day) Run() Result {
	res := Result{Plan: d.plan}
	res.Readings = make([]model.Entry, 0, TicksPerDay)
	for {
		reading, treatments, ok := d.Step()
		if !ok {
			break
		}
		res.Readings = append(res.Readings, reading)
		res.Treatments = append(res.Treatments, treatments...)
	}
	res.End = d.Carry()
	return res
}

// Step advances one tick and returns the reading and any treatments
// emitted at it. ok is false once the day is complete.
func (d *Day) Step() (reading model.Entry, treatments []model.Treatment, ok bool) {
	if d.state == DayComplete {
		return model.Entry{}, nil, false
	}
	t := d.NextTickTime()
	if d.state == NotStarted {
		d.state = Simulating
		treatments = append(treatments, d.scheduledBasal())
	}

	treatments = append(treatments, d.applyDueEvents(t)...)

	d.iobEstimate *= d.iobDecay

	raw := d.sim.SimulateNextGlucose(d.glucose, t) - d.glucose
	raw += d.liverTerm()
	raw += d.dawnTerm(t)
	raw += d.exerciseTerm(t)
	raw += d.noiseTerm()

	d.momentum = physiology.ClampMomentum(momentumCarry*d.momentum + (1-momentumCarry)*raw)
	d.glucose = clamp(d.glucose+d.momentum, MinGlucose, d.maxGlucose())
	d.sim.SetState(d.glucose, d.momentum)

	treatments = append(treatments, d.react(t)...)
	d.sim.CleanupExpired(t)

	value := int(math.Round(d.glucose))
	reading = d.ids.NewEntry(t, value, value-d.lastValue)
	d.lastValue = value

	d.tick++
	if !d.NextTickTime().Before(d.end) {
		d.state = DayComplete
	}
	return reading, treatments, true
}

func (d *Day) maxGlucose() float64 {
	if d.profile.MaxBG > MinGlucose {
		return d.profile.MaxBG
	}
	return 400
}

// --- Planned events ---

// newTreatment builds a treatment whose id is unique within the day. Two
// events of one type can land on the same minute; the later one is nudged
// forward a second at a time.
func (d *Day) newTreatment(at time.Time, eventType string) model.Treatment {
	for {
		tr := d.ids.NewTreatment(at, eventType)
		if _, dup := d.issued[tr.ID]; !dup {
			d.issued[tr.ID] = struct{}{}
			return tr
		}
		at = at.Add(time.Second)
	}
}

func (d *Day) scheduledBasal() model.Treatment {
	tr := d.newTreatment(d.start, model.EventScheduledBasal)
	tr.Rate = model.Units(d.base.BasalRate)
	tr.Absolute = tr.Rate
	tr.Duration = d.end.Sub(d.start).Minutes()
	return tr
}

func (d *Day) applyDueEvents(t time.Time) []model.Treatment {
	var out []model.Treatment
	for d.nextEvt < len(d.events) && !d.events[d.nextEvt].at.After(t) {
		ev := d.events[d.nextEvt]
		d.nextEvt++

		switch ev.kind {
		case evCarbs:
			d.sim.AddCarbs(ev.at, ev.meal.Carbs, ev.meal.AbsorptionHours)
			tr := d.newTreatment(ev.at, model.EventCarbs)
			tr.Carbs = ev.meal.Carbs
			out = append(out, tr)

		case evBolus:
			units := d.mealBolus(ev.meal)
			d.deliver(ev.at, units)
			tr := d.newTreatment(ev.at, bolusEventType(ev.meal))
			tr.Insulin = model.Units(units)
			out = append(out, tr)

		case evMealWithBolus:
			d.sim.AddCarbs(ev.at, ev.meal.Carbs, ev.meal.AbsorptionHours)
			units := d.mealBolus(ev.meal)
			d.deliver(ev.at, units)
			tr := d.newTreatment(ev.at, bolusEventType(ev.meal))
			tr.Carbs = ev.meal.Carbs
			tr.Insulin = model.Units(units)
			out = append(out, tr)

		case evBasal:
			out = append(out, d.setTempBasal(ev.at, ev.basal.Multiplier, ev.basal.DurationMinutes, ev.basal.Reason))
		}
	}
	return out
}

func bolusEventType(m scenario.MealEvent) string {
	if m.Kind == scenario.Snack {
		return model.EventSnackBolus
	}
	return model.EventMealBolus
}

// mealBolus is what the pump's bolus wizard suggests: the user's carb
// estimate over the configured ratio, plus a correction when above target.
func (d *Day) mealBolus(m scenario.MealEvent) float64 {
	units := m.EstimatedCarbs / d.base.CarbRatio
	if correction := (d.glucose-d.base.TargetGlucose)/d.loopISF - d.iobEstimate; correction > 0 {
		units += correction
	}
	return roundToStep(units)
}

func (d *Day) deliver(at time.Time, units float64) {
	d.sim.AddInsulinDose(at, units, false, 0)
	d.iobEstimate += units
}

// setTempBasal starts a temp basal at multiplier × scheduled rate. Only
// the difference from the schedule is handed to the simulator. A temp
// still running is cut short: the part of it not yet delivered is
// cancelled with an opposite dose over the same remaining minutes.
func (d *Day) setTempBasal(at time.Time, multiplier, minutes float64, reason string) model.Treatment {
	if at.Before(d.tempEnd) {
		left := d.tempEnd.Sub(at).Minutes()
		undo := -(d.tempRate - d.base.BasalRate) * left / 60
		d.sim.AddInsulinDose(at, undo, true, left)
		d.iobEstimate += undo
	}

	rate := d.base.BasalRate * multiplier
	delta := (rate - d.base.BasalRate) * minutes / 60
	d.sim.AddInsulinDose(at, delta, true, minutes)
	d.iobEstimate += delta

	d.tempEnd = at.Add(time.Duration(minutes * float64(time.Minute)))
	d.tempRate = rate
	d.temp = tempUp
	if multiplier < 1 {
		d.temp = tempDown
	}

	tr := d.newTreatment(at, model.EventTempBasal)
	tr.Rate = model.Units(rate)
	tr.Absolute = tr.Rate
	tr.Duration = minutes
	tr.Notes = reason
	return tr
}

// --- Non-insulin terms ---

// liverTerm is hepatic glucose output minus what the scheduled basal
// covers. Output scales with the day's basal need and falls as glucose
// rises above fasting, which pulls an untreated trace back toward it.
func (d *Day) liverTerm() float64 {
	fasting := d.plan.Params.FastingGlucose
	if fasting <= 0 || d.glucose <= 0 {
		return 0
	}
	need := d.base.BasalRate * d.plan.Params.BasalMultiplier * clamp(fasting/d.glucose, 0.5, 1.5)
	unmet := need - d.base.BasalRate
	return unmet * d.profile.ISF / 12 * liverCoupling
}

// dawnTerm is a sinusoidal rise between 04:00 and 08:00 peaking at 06:00.
func (d *Day) dawnTerm(t time.Time) float64 {
	h := clockHours(t)
	if h < 4 || h >= 8 {
		return 0
	}
	return d.plan.Params.DawnPhenomenonStrength * math.Sin(math.Pi*(h-4)/4)
}

// exerciseTerm drops glucose during the session and tapers off over the
// following hour.
func (d *Day) exerciseTerm(t time.Time) float64 {
	p := d.plan.Params
	if !p.HasExercise || p.ExerciseDurationMinutes <= 0 {
		return 0
	}
	from := d.start.Add(time.Duration(p.ExerciseStartMinute) * time.Minute)
	to := from.Add(time.Duration(p.ExerciseDurationMinutes) * time.Minute)
	switch {
	case t.Before(from):
		return 0
	case t.Before(to):
		return -p.ExerciseIntensity
	case t.Before(to.Add(exerciseTaper)):
		left := 1 - t.Sub(to).Minutes()/exerciseTaper.Minutes()
		return -p.ExerciseIntensity * left
	}
	return 0
}

// noiseTerm returns the change in CGM measurement error this tick. The
// error itself is an AR(1) process, so it never accumulates into drift.
// Rare sensor artifacts kick it by ±7.5 mg/dL.
func (d *Day) noiseTerm() float64 {
	next := noiseDecay*d.noise + d.rng.NormFloat64()*noiseSigma
	if d.rng.Float64() < artifactChance {
		if d.rng.Float64() < 0.5 {
			next += artifactSize
		} else {
			next -= artifactSize
		}
	}
	delta := next - d.noise
	d.noise = next
	return delta
}

// --- Closed loop ---

func (d *Day) react(t time.Time) []model.Treatment {
	bg := d.glucose
	target := d.base.TargetGlucose

	switch {
	case bg < lowThreshold:
		if !d.lastLowTreat.IsZero() && t.Sub(d.lastLowTreat) < lowTreatCooldown {
			return nil
		}
		return []model.Treatment{d.treatLow(t)}

	case bg > target+highMargin:
		return d.treatHigh(t, bg, target)
	}

	if bg < softLowThreshold || (bg < fallingThreshold && d.momentum < 0) {
		if d.temp == tempDown && t.Before(d.tempEnd) {
			return nil
		}
		// Insulin already withheld by earlier reduced temps shows up as
		// negative IOB and lifts the eventual glucose, so the cut is milder.
		eventual := bg - d.iobEstimate*d.loopISF
		return []model.Treatment{d.setTempBasal(t, lowTempFraction(eventual), tempBasalDuration, "predicted low")}
	}
	return nil
}

func (d *Day) treatLow(t time.Time) model.Treatment {
	grams := float64(15 + d.rng.Intn(6))
	d.sim.AddCarbs(t, grams, fastCarbAbsorptionHours)
	d.lastLowTreat = t

	tr := d.newTreatment(t, model.EventCarbCorrection)
	tr.Carbs = grams
	return tr
}

func (d *Day) treatHigh(t time.Time, bg, target float64) []model.Treatment {
	var out []model.Treatment

	if !t.Before(d.tempEnd) {
		over := clamp((bg-target-highMargin)/90, 0, 1)
		out = append(out, d.setTempBasal(t, 1.1+0.3*over, tempBasalDuration, "high"))
	}

	need := (bg-target)/d.loopISF - d.iobEstimate
	if need < minDoseNeed {
		return out
	}

	if d.isWaking(t) && bg > target+manualMargin && d.manualAllowed(t) && d.rng.Float64() < manualChance {
		units := roundToStep(need * (0.8 + 0.2*d.rng.Float64()))
		d.deliver(t, units)
		d.lastManual = t
		tr := d.newTreatment(t, model.EventCorrectionBolus)
		tr.Insulin = model.Units(units)
		tr.Notes = "manual"
		return append(out, tr)
	}

	if bg > target+correctionMargin {
		units := clamp(need*(0.5+0.2*d.rng.Float64()), correctionMin, correctionMax)
		d.deliver(t, units)
		tr := d.newTreatment(t, model.EventCorrectionBolus)
		tr.Insulin = model.Units(units)
		tr.EnteredBy = "loop"
		return append(out, tr)
	}

	units := clamp(need*smbShare, smbMin, smbMax)
	d.deliver(t, units)
	tr := d.newTreatment(t, model.EventSMB)
	tr.Insulin = model.Units(units)
	tr.EnteredBy = "loop"
	return append(out, tr)
}

func (d *Day) isWaking(t time.Time) bool {
	h := clockHours(t)
	return h >= wakingFromHour && h < wakingToHour
}

// clockHours is the wall-clock time of t in hours since midnight.
func clockHours(t time.Time) float64 {
	return float64(t.Hour()) + float64(t.Minute())/60
}

func (d *Day) manualAllowed(t time.Time) bool {
	return d.lastManual.IsZero() || t.Sub(d.lastManual) >= manualCooldown
}

// lowTempFraction scales the reduced basal by how low glucose is.
func lowTempFraction(bg float64) float64 {
	switch {
	case bg < 75:
		return 0
	case bg < 85:
		return 0.2
	}
	return 0.4
}

// --- helpers ---

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// roundToStep rounds to the 0.05 U pump increment.
func roundToStep(u float64) float64 {
	return math.Round(u*20) / 20
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
