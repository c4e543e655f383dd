package render

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/kjstillabower/tank-level-service/internal/models"
)

// viewHeight is the SVG viewbox height; level percent maps 1:1 onto it.
const viewHeight = 100.0

// WaveParams shapes the animated water surface.
type WaveParams struct {
	Width                 float64
	Samples               int
	Amplitude             float64
	Wavelength            float64
	Period                time.Duration
	SloshAmplitudeFactor  float64
	SloshWavelengthFactor float64
}

// DefaultWaveParams matches the stock widget look.
func DefaultWaveParams() WaveParams {
	return WaveParams{
		Width:                 200,
		Samples:               40,
		Amplitude:             2,
		Wavelength:            100,
		Period:                2 * time.Second,
		SloshAmplitudeFactor:  3,
		SloshWavelengthFactor: 0.5,
	}
}

func (p WaveParams) withDefaults() WaveParams {
	d := DefaultWaveParams()
	if p.Width <= 0 {
		p.Width = d.Width
	}
	if p.Samples <= 0 {
		p.Samples = d.Samples
	}
	if p.Amplitude < 0 {
		p.Amplitude = 0
	}
	if p.Wavelength <= 0 {
		p.Wavelength = d.Wavelength
	}
	if p.Period <= 0 {
		p.Period = d.Period
	}
	if p.SloshAmplitudeFactor <= 0 {
		p.SloshAmplitudeFactor = d.SloshAmplitudeFactor
	}
	if p.SloshWavelengthFactor <= 0 {
		p.SloshWavelengthFactor = d.SloshWavelengthFactor
	}
	return p
}

// Phase returns the wave phase at t in [0, 2π). It advances linearly with
// wall-clock time and wraps, so sin() of it never jumps.
func Phase(t time.Time, period time.Duration) float64 {
	if period <= 0 {
		return 0
	}
	n := t.UnixNano() % int64(period)
	if n < 0 {
		n += int64(period)
	}
	return 2 * math.Pi * float64(n) / float64(period)
}

// Point is one sample of the surface outline in viewbox coordinates.
type Point struct {
	X, Y float64
}

// Sample evaluates y(x) = base + amplitude*sin(2πx/wavelength + phase) at
// samples+1 evenly spaced points across width. Y is clamped to the viewbox.
func Sample(width float64, samples int, base, amplitude, wavelength, phase float64) []Point {
	if samples < 1 {
		samples = 1
	}
	pts := make([]Point, 0, samples+1)
	for i := 0; i <= samples; i++ {
		x := width * float64(i) / float64(samples)
		y := base + amplitude*math.Sin(2*math.Pi*x/wavelength+phase)
		pts = append(pts, Point{X: x, Y: clamp(y, 0, viewHeight)})
	}
	return pts
}

// Wave builds the frame for a tank filled to heightPercent at time now.
// slosh switches to the larger, shorter transient wave.
func Wave(p WaveParams, heightPercent float64, now time.Time, slosh bool) models.WaveFrame {
	p = p.withDefaults()
	amp, wl, period := p.Amplitude, p.Wavelength, p.Period
	if slosh {
		amp *= p.SloshAmplitudeFactor
		wl *= p.SloshWavelengthFactor
		period = time.Duration(float64(period) * p.SloshWavelengthFactor)
	}
	phase := Phase(now, period)
	base := viewHeight - Height(heightPercent)
	pts := Sample(p.Width, p.Samples, base, amp, wl, phase)
	return models.WaveFrame{
		Path:      Path(pts, p.Width),
		Phase:     phase,
		Amplitude: amp,
		Sloshing:  slosh,
	}
}

// Path closes the surface outline against the tank bottom as an SVG path.
func Path(pts []Point, width float64) string {
	var b strings.Builder
	b.WriteString("M0,")
	b.WriteString(num(viewHeight))
	for _, pt := range pts {
		b.WriteString(" L")
		b.WriteString(num(pt.X))
		b.WriteByte(',')
		b.WriteString(num(pt.Y))
	}
	b.WriteString(" L")
	b.WriteString(num(width))
	b.WriteByte(',')
	b.WriteString(num(viewHeight))
	b.WriteString(" Z")
	return b.String()
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
