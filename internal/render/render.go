// Package render derives the visual state of a tank widget from a level
// reading. Everything here is a pure function of its inputs.
package render

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/kjstillabower/tank-level-service/internal/models"
)

// Band thresholds, inclusive on the lower bound.
const (
	FullThreshold   = 100.0
	HighThreshold   = 75.0
	MediumThreshold = 50.0
	AlertThreshold  = 25.0
)

const (
	SensorMissingText = "Sensor not detected"
	WaitingText       = "Waiting for data..."
)

// Render maps a level to height, band, alert and status text. Out-of-range
// and NaN input never panics: height is clamped and NaN falls into band A.
// Classes is built fresh on every call so repeated renders carry no leftover markers.
func Render(level float64) models.RenderState {
	band := BandFor(level)
	st := models.RenderState{
		HasData:       true,
		Level:         level,
		HeightPercent: Height(level),
		Band:          band,
		Alert:         band == models.BandA,
		SensorMissing: level == models.SensorMissingLevel,
		Classes:       band.Classes(),
	}
	if st.SensorMissing {
		st.StatusText = SensorMissingText
	} else {
		st.StatusText = "Water Level: " + FormatLevel(level) + "%"
	}
	return st
}

// Height clamps level to [0,100]. NaN renders as an empty tank.
func Height(level float64) float64 {
	switch {
	case math.IsNaN(level), level <= 0:
		return 0
	case level >= 100:
		return 100
	default:
		return level
	}
}

// BandFor selects exactly one band for any float64, NaN included.
func BandFor(level float64) models.Band {
	switch {
	case level >= FullThreshold:
		return models.BandE
	case level >= HighThreshold:
		return models.BandD
	case level >= MediumThreshold:
		return models.BandC
	case level >= AlertThreshold:
		return models.BandB
	default:
		return models.BandA
	}
}

// FormatLevel prints the shortest decimal form of level ("50", "24.9").
func FormatLevel(level float64) string {
	if math.IsNaN(level) || math.IsInf(level, 0) {
		return "--"
	}
	return strconv.FormatFloat(level, 'f', -1, 64)
}

// SecondsSince returns whole seconds elapsed, floored. A clock that went
// backwards reads 0.
func SecondsSince(last, now time.Time) int {
	d := now.Sub(last)
	if d < 0 {
		return 0
	}
	return int(d / time.Second)
}

// LastUpdateText formats the elapsed-time line shown under the tank.
func LastUpdateText(last, now time.Time) (int, string) {
	if last.IsZero() {
		return 0, WaitingText
	}
	secs := SecondsSince(last, now)
	if secs == 1 {
		return secs, "Last updated: 1 second ago"
	}
	return secs, fmt.Sprintf("Last updated: %d seconds ago", secs)
}

// Waiting is the state shown before the first successful reading. It has
// no band and no alert.
func Waiting() models.RenderState {
	return models.RenderState{
		Level:          math.NaN(),
		StatusText:     "Water Level: --%",
		Classes:        []string{},
		LastUpdateText: WaitingText,
	}
}
