// Package model defines the record types emitted by the simulator and
// persisted by the store. Insulin amounts and basal rates use
// shopspring/decimal so stored values match what a pump would report.
package model

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DemoSource marks every record produced by the demo generator so it can be
// counted and cleared without touching real data.
const DemoSource = "demo-service"

// EntryTypeSGV is the entry type for sensor glucose values.
const EntryTypeSGV = "sgv"

// Treatment event types. Downstream reporting keys off these exact strings.
const (
	EventCarbs           = "Carbs"
	EventMealBolus       = "Meal Bolus"
	EventSnackBolus      = "Snack Bolus"
	EventCorrectionBolus = "Correction Bolus"
	EventSMB             = "SMB"
	EventTempBasal       = "Temp Basal"
	EventScheduledBasal  = "Scheduled Basal"
	EventCarbCorrection  = "Carb Correction"
)

// EventTypes lists every treatment event type the generator can emit.
var EventTypes = []string{
	EventCarbs,
	EventMealBolus,
	EventSnackBolus,
	EventCorrectionBolus,
	EventSMB,
	EventTempBasal,
	EventScheduledBasal,
	EventCarbCorrection,
}

// Entry is an immutable CGM reading.
type Entry struct {
	ID         string    `json:"_id" db:"id"`
	Type       string    `json:"type" db:"type"`
	SGV        int       `json:"sgv" db:"sgv"` // mg/dL
	Delta      int       `json:"delta" db:"delta"`
	Direction  Direction `json:"direction" db:"direction"`
	Noise      int       `json:"noise" db:"noise"`
	Date       int64     `json:"date" db:"date_ms"` // epoch millis
	DateString string    `json:"dateString" db:"date_string"`
	Device     string    `json:"device" db:"device"`
	Source     string    `json:"source" db:"source"`
}

// Time returns the reading time.
func (e *Entry) Time() time.Time {
	return time.UnixMilli(e.Date).UTC()
}

// NewEntry builds a demo reading at ts in the default id space.
func NewEntry(ts time.Time, sgv, delta int) Entry {
	return IDSpace{}.NewEntry(ts, sgv, delta)
}

// NewEntry builds a demo reading at ts. The id is derived from the
// timestamp so regenerating the same history yields the same ids.
func (s IDSpace) NewEntry(ts time.Time, sgv, delta int) Entry {
	ts = ts.UTC()
	return Entry{
		ID:         s.recordID("entry", ts, EntryTypeSGV),
		Type:       EntryTypeSGV,
		SGV:        sgv,
		Delta:      delta,
		Direction:  DirectionFromDelta(float64(delta)),
		Noise:      1,
		Date:       ts.UnixMilli(),
		DateString: ts.Format(time.RFC3339),
		Device:     DemoSource,
		Source:     DemoSource,
	}
}

// Treatment is an immutable insulin, carb or basal event.
type Treatment struct {
	ID        string          `json:"_id" db:"id"`
	EventType string          `json:"eventType" db:"event_type"`
	Date      int64           `json:"date" db:"date_ms"` // epoch millis
	CreatedAt string          `json:"created_at" db:"created_at"`
	Insulin   decimal.Decimal `json:"insulin" db:"insulin"` // units
	Carbs     float64         `json:"carbs" db:"carbs"`     // grams
	Rate      decimal.Decimal `json:"rate" db:"rate"`       // U/h, basal events only
	Absolute  decimal.Decimal `json:"absolute" db:"absolute"`
	Duration  float64         `json:"duration" db:"duration"` // minutes
	Notes     string          `json:"notes,omitempty" db:"notes"`
	EnteredBy string          `json:"enteredBy" db:"entered_by"`
	Source    string          `json:"source" db:"source"`
}

// Time returns the treatment time.
func (t *Treatment) Time() time.Time {
	return time.UnixMilli(t.Date).UTC()
}

// IsBasal reports whether the treatment describes a basal rate.
func (t *Treatment) IsBasal() bool {
	return t.EventType == EventTempBasal || t.EventType == EventScheduledBasal
}

// NewTreatment builds a demo treatment of the given type at ts in the
// default id space.
func NewTreatment(ts time.Time, eventType string) Treatment {
	return IDSpace{}.NewTreatment(ts, eventType)
}

// NewTreatment builds a demo treatment of the given type at ts.
func (s IDSpace) NewTreatment(ts time.Time, eventType string) Treatment {
	ts = ts.UTC()
	return Treatment{
		ID:        s.recordID("treatment", ts, eventType),
		EventType: eventType,
		Date:      ts.UnixMilli(),
		CreatedAt: ts.Format(time.RFC3339),
		EnteredBy: DemoSource,
		Source:    DemoSource,
	}
}

// Units rounds a float insulin amount to pump precision.
func Units(u float64) decimal.Decimal {
	return decimal.NewFromFloat(u).Round(2)
}

var idNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte(DemoSource))

// IDSpace scopes record ids to one generator seed. Two runs with the same
// seed share ids; runs with different seeds never collide. The zero value
// is the seedless default space.
type IDSpace struct {
	ns uuid.UUID
}

// NewIDSpace returns the id space of a seed.
func NewIDSpace(seed int64) IDSpace {
	return IDSpace{ns: uuid.NewSHA1(idNamespace, []byte("seed:"+strconv.FormatInt(seed, 10)))}
}

func (s IDSpace) recordID(kind string, ts time.Time, tag string) string {
	ns := s.ns
	if ns == uuid.Nil {
		ns = idNamespace
	}
	name := kind + ":" + tag + ":" + ts.Format(time.RFC3339Nano)
	return uuid.NewSHA1(ns, []byte(name)).String()
}
