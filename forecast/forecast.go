// Package forecast turns an hourly irradiance estimate into a production
// forecast by blending a learned empirical correction matrix with a
// physics/geometry fallback, then applying a short-window recency bias.
package forecast

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/pvbatteryctl/controller/clock"
	"github.com/pvbatteryctl/controller/config"
	"github.com/pvbatteryctl/controller/store"
)

// Reading is one hour's irradiance input to the model.
type Reading struct {
	HourTS     string
	Irradiance float64
	Month      int
	Day        int
	Hour       int
}

// Result is one hour's model output.
type Result struct {
	HourTS            string
	ProdForecast      float64
	Confidence        float64
	CorrectionApplied float64
}

const (
	recencyHalfSaturationWm2 = 50.0
	sanityCapBackCalc        = 10.0
)

// Model computes production forecasts from irradiance readings.
type Model struct {
	Store store.Store
	Panel config.Panel
	Learn config.Learning
}

// NewModel builds a Model from the panel and learning configuration.
func NewModel(s store.Store, panel config.Panel, learn config.Learning) *Model {
	return &Model{Store: s, Panel: panel, Learn: learn}
}

// Run produces a production forecast for each reading, persists it, and
// returns the per-hour results. now is used to bound the trailing window
// for the recency-bias computation.
func (m *Model) Run(ctx context.Context, readings []Reading, now string, loc *time.Location) ([]Result, error) {
	bias, err := m.recencyBias(ctx, now, loc)
	if err != nil {
		return nil, fmt.Errorf("forecast: recency bias: %w", err)
	}

	out := make([]Result, 0, len(readings))
	for _, r := range readings {
		if err := m.Store.UpsertIrradiance(ctx, r.HourTS, r.Irradiance); err != nil {
			return nil, fmt.Errorf("forecast: upsert irradiance %s: %w", r.HourTS, err)
		}

		cell, found, err := m.Store.GetCorrectionCell(ctx, r.Month, r.Day, r.Hour)
		if err != nil {
			return nil, fmt.Errorf("forecast: correction cell %s: %w", r.HourTS, err)
		}

		threshold := m.Learn.EmpiricalBlendThreshold
		if threshold <= 0 {
			threshold = 30
		}
		we := 0.0
		mc := 0.0
		n := 0
		if found {
			n = cell.Count
			mc = cell.Avg
			we = math.Min(1, float64(n)/threshold)
		}

		fc, err := m.fallbackCorrection(ctx, r, n)
		if err != nil {
			return nil, fmt.Errorf("forecast: fallback correction %s: %w", r.HourTS, err)
		}

		c := we*mc + (1-we)*fc

		minIrr := m.Learn.MinIrradianceWeight
		if minIrr <= 0 {
			minIrr = 400
		}
		confidence := math.Min(1, r.Irradiance/minIrr)

		prod := m.Panel.PeakKW * (r.Irradiance / 1000) * c * bias
		if prod < 0 {
			prod = 0
		}

		// c is stored without b folded in, so the learner and the next
		// recency-bias pass see the correction that was actually applied
		// even as the matrix drifts underneath it.
		if err := m.Store.UpdateForecast(ctx, r.HourTS, prod, confidence, c); err != nil {
			return nil, fmt.Errorf("forecast: update forecast %s: %w", r.HourTS, err)
		}

		out = append(out, Result{
			HourTS:            r.HourTS,
			ProdForecast:      prod,
			Confidence:        confidence,
			CorrectionApplied: c,
		})
	}
	return out, nil
}

// fallbackCorrection implements step 3: back-calculation when no matrix
// samples exist yet, otherwise the geometry fallback.
func (m *Model) fallbackCorrection(ctx context.Context, r Reading, n int) (float64, error) {
	if n == 0 {
		if implied, ok, err := m.backCalculate(ctx, r); err != nil {
			return 0, err
		} else if ok {
			return implied, nil
		}
	}
	return geometryFallback(m.Panel.TiltDeg, r.Month, r.Hour), nil
}

// backCalculate attempts to imply a correction from the most recently
// realized actual for the same hour-of-day: implied =
// actual / (peak_kw * irr_forecast/1000), accepted only if in (0, 10).
func (m *Model) backCalculate(ctx context.Context, r Reading) (float64, bool, error) {
	if r.Irradiance <= 0 || m.Panel.PeakKW <= 0 {
		return 0, false, nil
	}
	rows, err := m.Store.GetRecencyRows(ctx, "0000-00-00T00:00", r.HourTS)
	if err != nil {
		return 0, false, err
	}
	var best store.RecencyRow
	found := false
	for _, row := range rows {
		p, err := clock.Parse(row.HourTS)
		if err != nil {
			continue
		}
		if p.Hour != r.Hour {
			continue
		}
		if !found || row.HourTS > best.HourTS {
			best = row
			found = true
		}
	}
	if !found {
		return 0, false, nil
	}
	implied := best.ProdActual / (m.Panel.PeakKW * (r.Irradiance / 1000))
	if implied <= 0 || implied >= sanityCapBackCalc {
		return 0, false, nil
	}
	return implied, true, nil
}

// geometryFallback implements the clear-sky-free geometry heuristic: cos
// of tilt times a season factor times an hour factor, floored at 0.1.
func geometryFallback(tiltDeg float64, month, hour int) float64 {
	tiltCorrection := math.Cos(tiltDeg * math.Pi / 180)
	season := 1 - 0.15*math.Abs(float64(month)-6.5)/5.5
	h := math.Cos(math.Pi * (float64(hour) - 12) / 12)
	if h < 0 {
		h = 0
	}
	v := tiltCorrection * season * h
	if v < 0.1 {
		v = 0.1
	}
	return v
}

// recencyBias computes the global recency-bias scalar over the trailing
// window, clamped into the configured range with a warning when the clamp
// triggers.
func (m *Model) recencyBias(ctx context.Context, now string, loc *time.Location) (float64, error) {
	windowDays := m.Learn.RecencyBias.WindowDays
	if windowDays <= 0 {
		windowDays = 14
	}
	from, err := clock.AddSlots(now, -windowDays*24*4, loc)
	if err != nil {
		return 1, fmt.Errorf("window start: %w", err)
	}

	rows, err := m.Store.GetRecencyRows(ctx, from, now)
	if err != nil {
		return 1, err
	}

	minSamples := m.Learn.RecencyBias.MinSamples
	if minSamples <= 0 {
		minSamples = 10
	}

	var sumRW, sumW float64
	for _, row := range rows {
		if row.Irradiance <= 0 || row.ProdForecast <= 0 {
			continue
		}
		r := row.ProdActual / row.ProdForecast
		w := row.Irradiance / (row.Irradiance + recencyHalfSaturationWm2)
		sumRW += r * w
		sumW += w
	}

	b := 1.0
	if sumW >= float64(minSamples) {
		b = sumRW / sumW
	}

	clampMin := m.Learn.RecencyBias.ClampMin
	clampMax := m.Learn.RecencyBias.ClampMax
	if clampMin <= 0 {
		clampMin = 0.5
	}
	if clampMax <= 0 {
		clampMax = 2.0
	}
	if b < clampMin {
		log.Printf("forecast: recency bias %.3f clamped to minimum %.3f", b, clampMin)
		b = clampMin
	} else if b > clampMax {
		log.Printf("forecast: recency bias %.3f clamped to maximum %.3f", b, clampMax)
		b = clampMax
	}
	return b, nil
}
