package model

// Lookup returns the value of a Nightscout field name. Numbers come back as
// float64. "mgdl" is accepted as an alias for "sgv".
func (e *Entry) Lookup(field string) (any, bool) {
	switch field {
	case "_id":
		return e.ID, true
	case "type":
		return e.Type, true
	case "sgv", "mgdl":
		return float64(e.SGV), true
	case "delta":
		return float64(e.Delta), true
	case "direction":
		return string(e.Direction), true
	case "trend":
		return float64(e.Direction.Trend()), true
	case "noise":
		return float64(e.Noise), true
	case "date", "mills", "srvCreated":
		return float64(e.Date), true
	case "dateString", "sysTime":
		return e.DateString, true
	case "device":
		return e.Device, true
	case "source":
		return e.Source, true
	}
	return nil, false
}

// Millis returns the reading time in epoch milliseconds.
func (e *Entry) Millis() int64 { return e.Date }

// Lookup returns the value of a Nightscout field name. Numbers come back as
// float64.
func (t *Treatment) Lookup(field string) (any, bool) {
	switch field {
	case "_id":
		return t.ID, true
	case "eventType":
		return t.EventType, true
	case "date", "mills", "srvCreated":
		return float64(t.Date), true
	case "created_at", "sysTime":
		return t.CreatedAt, true
	case "insulin":
		return t.Insulin.InexactFloat64(), true
	case "carbs":
		return t.Carbs, true
	case "rate":
		return t.Rate.InexactFloat64(), true
	case "absolute":
		return t.Absolute.InexactFloat64(), true
	case "duration":
		return t.Duration, true
	case "notes":
		return t.Notes, true
	case "enteredBy":
		return t.EnteredBy, true
	case "source":
		return t.Source, true
	}
	return nil, false
}

// Millis returns the treatment time in epoch milliseconds.
func (t *Treatment) Millis() int64 { return t.Date }
