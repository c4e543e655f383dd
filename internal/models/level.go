package models

import (
	"encoding/json"
	"math"
	"time"
)

// SensorMissingLevel is the value the upstream feed reports when the level
// sensor is not detected. The feed overloads the level field with it.
const SensorMissingLevel = 2

// SensorStatus tags a Reading as a real level or the sensor-missing sentinel.
type SensorStatus string

const (
	StatusOK            SensorStatus = "ok"
	StatusSensorMissing SensorStatus = "sensor_missing"
)

// Reading is one decoded value from the telemetry feed.
type Reading struct {
	Tank      string       `json:"tank"`
	Level     float64      `json:"level"`
	Status    SensorStatus `json:"status"`
	EntryID   int64        `json:"entryId,omitempty"`
	CreatedAt time.Time    `json:"createdAt,omitzero"`
	FetchedAt time.Time    `json:"fetchedAt"`
}

// Band is one of five ordered color bands assigned by level threshold.
type Band string

const (
	BandA Band = "A" // critical, flashing
	BandB Band = "B" // low
	BandC Band = "C" // medium
	BandD Band = "D" // high
	BandE Band = "E" // full
)

// Classes returns the visual markers for the band. Only band A flashes.
func (b Band) Classes() []string {
	switch b {
	case BandE:
		return []string{"green"}
	case BandD:
		return []string{"blue"}
	case BandC:
		return []string{"yellow"}
	case BandB:
		return []string{"red"}
	default:
		return []string{"red", "flash"}
	}
}

// Ordinal maps the band to 0..4 for gauges.
func (b Band) Ordinal() int {
	switch b {
	case BandB:
		return 1
	case BandC:
		return 2
	case BandD:
		return 3
	case BandE:
		return 4
	default:
		return 0
	}
}

// WaveFrame is one sampled outline of the water surface.
type WaveFrame struct {
	Path      string  `json:"path"`
	Phase     float64 `json:"phase"`
	Amplitude float64 `json:"amplitude"`
	Sloshing  bool    `json:"sloshing"`
}

// RenderState is everything a sink needs to draw the tank. It is derived
// from the latest Reading and replaced wholesale on every render.
type RenderState struct {
	Tank           string     `json:"tank"`
	Name           string     `json:"name,omitempty"`
	HasData        bool       `json:"hasData"`
	Level          float64    `json:"level"`
	HeightPercent  float64    `json:"heightPercent"`
	Band           Band       `json:"band"`
	Alert          bool       `json:"alert"`
	SensorMissing  bool       `json:"sensorMissing"`
	StatusText     string     `json:"statusText"`
	Classes        []string   `json:"classes"`
	LastUpdate     time.Time  `json:"lastUpdate,omitzero"`
	SecondsAgo     int        `json:"secondsAgo"`
	LastUpdateText string     `json:"lastUpdateText"`
	Wave           *WaveFrame `json:"wave,omitempty"`
}

// MarshalJSON writes a non-finite level as null; encoding/json rejects NaN.
func (r Reading) MarshalJSON() ([]byte, error) {
	type alias Reading
	return json.Marshal(struct {
		alias
		Level *float64 `json:"level"`
	}{alias(r), finiteOrNil(r.Level)})
}

// UnmarshalJSON restores a null level as NaN.
func (r *Reading) UnmarshalJSON(data []byte) error {
	type alias Reading
	aux := struct {
		*alias
		Level *float64 `json:"level"`
	}{alias: (*alias)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.Level == nil {
		r.Level = math.NaN()
	} else {
		r.Level = *aux.Level
	}
	return nil
}

// MarshalJSON writes a non-finite level as null.
func (s RenderState) MarshalJSON() ([]byte, error) {
	type alias RenderState
	return json.Marshal(struct {
		alias
		Level *float64 `json:"level"`
	}{alias(s), finiteOrNil(s.Level)})
}

func finiteOrNil(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
