// Package physiology tracks the insulin doses and meals currently acting on
// a simulated patient and integrates their combined effect on glucose.
//
// The simulator owns only the insulin/carb term. Liver output, dawn
// phenomenon, exercise and sensor noise are layered on by the trajectory
// engine. Inputs are not validated: negative units model a temp-basal
// reduction and are accepted as-is.
package physiology

import (
	"time"

	"github.com/nocturne/demo-engine/internal/activity"
)

// DefaultTick is the integration step used by SimulateNextGlucose.
const DefaultTick = 5 * time.Minute

// InsulinDose is one bolus or temp-basal delivery.
type InsulinDose struct {
	StartTime                time.Time
	Units                    float64
	IsTempBasal              bool
	TempBasalDurationMinutes float64
}

// CarbEvent is one meal or correction-carb intake.
type CarbEvent struct {
	StartTime       time.Time
	Grams           float64
	AbsorptionHours float64
}

// Simulator is the live SimulationState for one run. It is not safe for
// concurrent use; each run owns its own instance.
type Simulator struct {
	profile activity.Profile
	curve   activity.InsulinCurve
	tick    time.Duration

	doses []InsulinDose
	carbs []CarbEvent

	glucose  float64
	momentum float64
}

// New creates a simulator for the given profile.
func New(profile activity.Profile) *Simulator {
	return &Simulator{
		profile: profile,
		curve:   profile.InsulinCurve(),
		tick:    DefaultTick,
	}
}

// SetProfile swaps the pharmacokinetic profile, typically at a day
// boundary. Active doses keep acting under the new profile.
func (s *Simulator) SetProfile(profile activity.Profile) {
	s.profile = profile
	s.curve = profile.InsulinCurve()
}

// Profile returns the active profile.
func (s *Simulator) Profile() activity.Profile {
	return s.profile
}

// AddInsulinDose schedules a dose. Stacking limits are the caller's concern.
func (s *Simulator) AddInsulinDose(at time.Time, units float64, isTempBasal bool, durationMinutes float64) {
	s.doses = append(s.doses, InsulinDose{
		StartTime:                at,
		Units:                    units,
		IsTempBasal:              isTempBasal,
		TempBasalDurationMinutes: durationMinutes,
	})
}

// AddCarbs schedules a carb intake.
func (s *Simulator) AddCarbs(at time.Time, grams, absorptionHours float64) {
	s.carbs = append(s.carbs, CarbEvent{
		StartTime:       at,
		Grams:           grams,
		AbsorptionHours: absorptionHours,
	})
}

// SimulateNextGlucose returns current plus the insulin and carb effect
// accumulated over the tick ending at t.
func (s *Simulator) SimulateNextGlucose(current float64, t time.Time) float64 {
	return current + s.insulinEffect(t) + s.carbEffect(t)
}

// insulinEffect is the (negative) glucose change from insulin absorbed
// during (t-tick, t].
func (s *Simulator) insulinEffect(t time.Time) float64 {
	prev := t.Add(-s.tick)
	var absorbed float64
	for _, d := range s.doses {
		absorbed += d.Units * (s.doseOnBoard(d, prev) - s.doseOnBoard(d, t))
	}
	return -absorbed * s.profile.ISF
}

func (s *Simulator) carbEffect(t time.Time) float64 {
	prev := t.Add(-s.tick)
	var absorbed float64
	for _, c := range s.carbs {
		absorbed += c.Grams * (carbOnBoard(c, prev) - carbOnBoard(c, t))
	}
	return absorbed * s.profile.CarbSensitivity()
}

func (s *Simulator) doseOnBoard(d InsulinDose, t time.Time) float64 {
	elapsed := t.Sub(d.StartTime).Minutes()
	if d.IsTempBasal {
		return s.curve.TempBasalOnBoard(elapsed, d.TempBasalDurationMinutes)
	}
	return s.curve.OnBoard(elapsed)
}

func carbOnBoard(c CarbEvent, t time.Time) float64 {
	return activity.CarbsOnBoard(t.Sub(c.StartTime).Minutes(), c.AbsorptionHours)
}

// CleanupExpired drops doses and meals whose action window ended before t.
func (s *Simulator) CleanupExpired(t time.Time) {
	dia := s.curve.DurationMinutes()

	doses := s.doses[:0]
	for _, d := range s.doses {
		window := dia
		if d.IsTempBasal {
			window += d.TempBasalDurationMinutes
		}
		if t.Sub(d.StartTime).Minutes() <= window {
			doses = append(doses, d)
		}
	}
	clear(s.doses[len(doses):])
	s.doses = doses

	carbs := s.carbs[:0]
	for _, c := range s.carbs {
		if t.Sub(c.StartTime).Minutes() <= c.AbsorptionHours*60 {
			carbs = append(carbs, c)
		}
	}
	clear(s.carbs[len(carbs):])
	s.carbs = carbs
}

// InsulinOnBoard returns the units still to be absorbed at t.
func (s *Simulator) InsulinOnBoard(t time.Time) float64 {
	var iob float64
	for _, d := range s.doses {
		if d.StartTime.After(t) {
			continue
		}
		iob += d.Units * s.doseOnBoard(d, t)
	}
	return iob
}

// CarbsOnBoard returns the grams still to be absorbed at t.
func (s *Simulator) CarbsOnBoard(t time.Time) float64 {
	var cob float64
	for _, c := range s.carbs {
		if c.StartTime.After(t) {
			continue
		}
		cob += c.Grams * carbOnBoard(c, t)
	}
	return cob
}

// ActiveCounts returns the number of tracked doses and meals.
func (s *Simulator) ActiveCounts() (doses, carbs int) {
	return len(s.doses), len(s.carbs)
}

// Glucose returns the current glucose state.
func (s *Simulator) Glucose() float64 { return s.glucose }

// Momentum returns the current rate of change in mg/dL per tick.
func (s *Simulator) Momentum() float64 { return s.momentum }

// SetState stores glucose and momentum, clamping momentum to
// [-MaxMomentum, MaxMomentum].
func (s *Simulator) SetState(glucose, momentum float64) {
	s.glucose = glucose
	s.momentum = ClampMomentum(momentum)
}

// MaxMomentum bounds the per-tick change, matching how fast a CGM trace
// can realistically move.
const MaxMomentum = 15.0

// ClampMomentum bounds m to [-MaxMomentum, MaxMomentum].
func ClampMomentum(m float64) float64 {
	switch {
	case m > MaxMomentum:
		return MaxMomentum
	case m < -MaxMomentum:
		return -MaxMomentum
	}
	return m
}
