package model

// Direction is the CGM trend arrow reported with each reading.
type Direction string

const (
	DoubleUp      Direction = "DoubleUp"
	SingleUp      Direction = "SingleUp"
	FortyFiveUp   Direction = "FortyFiveUp"
	Flat          Direction = "Flat"
	FortyFiveDown Direction = "FortyFiveDown"
	SingleDown    Direction = "SingleDown"
	DoubleDown    Direction = "DoubleDown"
)

// DirectionFromDelta maps a 5-minute delta in mg/dL to a trend arrow.
func DirectionFromDelta(delta float64) Direction {
	switch {
	case delta > 10:
		return DoubleUp
	case delta > 5:
		return SingleUp
	case delta > 2:
		return FortyFiveUp
	case delta > -2:
		return Flat
	case delta > -5:
		return FortyFiveDown
	case delta > -10:
		return SingleDown
	default:
		return DoubleDown
	}
}

// Trend returns the numeric Nightscout trend (1 = DoubleUp … 7 = DoubleDown).
func (d Direction) Trend() int {
	switch d {
	case DoubleUp:
		return 1
	case SingleUp:
		return 2
	case FortyFiveUp:
		return 3
	case Flat:
		return 4
	case FortyFiveDown:
		return 5
	case SingleDown:
		return 6
	case DoubleDown:
		return 7
	}
	return 0
}
