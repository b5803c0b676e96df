// Package activity implements the pharmacokinetic curves used by the
// simulator: how much of an insulin dose or a meal is still "on board" at a
// given elapsed time, and how fast it is acting.
//
// Insulin uses the oref0 exponential model:
//
//	tau = tp·(1 - tp/td) / (1 - 2·tp/td)
//	a   = 2·tau/td
//	S   = 1 / (1 - a + (1 + a)·exp(-td/tau))
//	activity(t) = (S/tau²)·t·(1 - t/td)·exp(-t/tau)
//
// where tp is the peak time and td the duration of insulin action, both in
// minutes. activity integrates to exactly 1 over [0, td].
//
// Carbohydrates use a parabolic absorption rate 6·t·(T-t)/T³ over the
// absorption window T, which also integrates to 1.
//
// Everything here is pure; callers scale fractions by dose size and
// sensitivity.
package activity

import "math"

const (
	// minPeakMinutes keeps the curve away from the degenerate tau→0 case.
	minPeakMinutes = 10.0

	// maxPeakFraction bounds tp/td below 0.5, where tau diverges.
	maxPeakFraction = 0.45

	// pulseMinutes is the delivery granularity used to convolve temp
	// basals with the insulin curve.
	pulseMinutes = 5.0
)

// Profile holds the pharmacokinetic and dosing parameters for one
// simulated day.
type Profile struct {
	DIAHours         float64 `json:"dia_hours"`
	PeakMinutes      float64 `json:"peak_minutes"`
	CurrentBasalRate float64 `json:"current_basal_rate"` // U/h
	CarbRatio        float64 `json:"carb_ratio"`         // g/U
	ISF              float64 `json:"isf"`                // mg/dL per U
	MinBG            float64 `json:"min_bg"`
	MaxBG            float64 `json:"max_bg"`
	AutosensMin      float64 `json:"autosens_min"`
	AutosensMax      float64 `json:"autosens_max"`
}

// DIAMinutes returns the duration of insulin action in minutes.
func (p Profile) DIAMinutes() float64 {
	return p.DIAHours * 60
}

// CarbSensitivity returns the glucose rise per gram of carbohydrate.
func (p Profile) CarbSensitivity() float64 {
	if p.CarbRatio <= 0 {
		return 0
	}
	return p.ISF / p.CarbRatio
}

// InsulinCurve returns the exponential insulin curve for this profile.
func (p Profile) InsulinCurve() InsulinCurve {
	return NewInsulinCurve(p.DIAHours, p.PeakMinutes)
}

// InsulinCurve is a precomputed oref exponential activity curve.
type InsulinCurve struct {
	td  float64
	tau float64
	a   float64
	s   float64
}

// NewInsulinCurve builds a curve for the given duration of action and peak.
// The peak is clamped into [10 min, 0.45·DIA].
func NewInsulinCurve(diaHours, peakMinutes float64) InsulinCurve {
	td := diaHours * 60
	if td <= 0 {
		return InsulinCurve{}
	}
	tp := math.Max(minPeakMinutes, math.Min(peakMinutes, maxPeakFraction*td))

	tau := tp * (1 - tp/td) / (1 - 2*tp/td)
	a := 2 * tau / td
	s := 1 / (1 - a + (1+a)*math.Exp(-td/tau))
	return InsulinCurve{td: td, tau: tau, a: a, s: s}
}

// DurationMinutes returns the end of the action window.
func (c InsulinCurve) DurationMinutes() float64 {
	return c.td
}

// Activity returns the fraction of the dose acting per minute at t minutes
// after delivery. Zero outside [0, td].
func (c InsulinCurve) Activity(t float64) float64 {
	if c.td == 0 || t <= 0 || t >= c.td {
		return 0
	}
	v := (c.s / (c.tau * c.tau)) * t * (1 - t/c.td) * math.Exp(-t/c.tau)
	return math.Max(0, v)
}

// OnBoard returns the fraction of the dose not yet absorbed at t minutes.
// Undelivered doses (t <= 0) are fully on board.
func (c InsulinCurve) OnBoard(t float64) float64 {
	if t <= 0 {
		return 1
	}
	if c.td == 0 || t >= c.td {
		return 0
	}
	e := math.Exp(-t / c.tau)
	inner := (t*t/(c.tau*c.td*(1-c.a))-t/c.tau-1)*e + 1
	iob := 1 - c.s*(1-c.a)*inner
	return math.Max(0, math.Min(1, iob))
}

// TempBasalOnBoard returns the on-board fraction of insulin delivered
// uniformly over durationMinutes, t minutes after the temp basal started.
// Delivery is modeled as evenly spaced pulses.
func (c InsulinCurve) TempBasalOnBoard(t, durationMinutes float64) float64 {
	if durationMinutes <= pulseMinutes {
		return c.OnBoard(t)
	}
	n := int(math.Round(durationMinutes / pulseMinutes))
	step := durationMinutes / float64(n)
	var sum float64
	for k := 0; k < n; k++ {
		sum += c.OnBoard(t - float64(k)*step - step/2)
	}
	return sum / float64(n)
}

// InsulinActivity is a convenience wrapper around InsulinCurve.Activity.
func InsulinActivity(minutes float64, p Profile) float64 {
	return p.InsulinCurve().Activity(minutes)
}

// InsulinOnBoard is a convenience wrapper around InsulinCurve.OnBoard.
func InsulinOnBoard(minutes float64, p Profile) float64 {
	return p.InsulinCurve().OnBoard(minutes)
}

// CarbRate returns the fraction of a meal absorbed per minute at t minutes
// into an absorption window of absorptionHours.
func CarbRate(t, absorptionHours float64) float64 {
	T := absorptionHours * 60
	if T <= 0 || t <= 0 || t >= T {
		return 0
	}
	return 6 * t * (T - t) / (T * T * T)
}

// CarbsOnBoard returns the fraction of a meal not yet absorbed.
func CarbsOnBoard(t, absorptionHours float64) float64 {
	T := absorptionHours * 60
	if t <= 0 {
		return 1
	}
	if T <= 0 || t >= T {
		return 0
	}
	x := t / T
	return 1 - (3*x*x - 2*x*x*x)
}

// Glycemic index bands.
const (
	HighGlycemicIndex = 70
	LowGlycemicIndex  = 55
)

// CarbAbsorptionHours adjusts a base absorption window by glycemic index:
// fast carbs absorb in three quarters of the time, slow carbs take 30% longer.
func CarbAbsorptionHours(baseHours, glycemicIndex float64) float64 {
	switch {
	case glycemicIndex >= HighGlycemicIndex:
		return baseHours * 0.75
	case glycemicIndex < LowGlycemicIndex:
		return baseHours * 1.3
	default:
		return baseHours
	}
}
