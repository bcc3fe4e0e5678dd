// Package consumption estimates household load for the next 24 hours,
// either from yesterday's readings adjusted for today's temperature or
// from a flat fallback.
package consumption

import (
	"context"

	"github.com/pvbatteryctl/controller/config"
)

// HourlyEstimate is one hour's estimated household load in watts.
type HourlyEstimate struct {
	Hour  int
	Watts float64
}

// Regression is a learned per-hour temperature-to-consumption linear fit,
// stored and supplied by the caller; fitting it is not this package's
// concern.
type Regression struct {
	Slope     float64
	Intercept float64
}

// Estimator produces the day's 24 hourly consumption estimates.
type Estimator struct {
	Config config.Consumption
}

// New builds an Estimator from the consumption configuration.
func New(cfg config.Consumption) *Estimator {
	return &Estimator{Config: cfg}
}

// YesterdayHour is one hour's observed consumption and ambient temperature
// for the prior day.
type YesterdayHour struct {
	Hour  int
	Watts float64
	TempC float64
	Valid bool
}

// TodayTemp is the forecast (or observed) ambient temperature for a given
// hour of today, when available.
type TodayTemp struct {
	Hour  int
	TempC float64
	Valid bool
}

// Estimate produces the 24 hourly estimates. yesterday and todayTemps are
// indexed by hour of day [0,23]; regressions, also indexed by hour, may be
// nil entries where no learned fit exists yet.
func (e *Estimator) Estimate(ctx context.Context, yesterday [24]YesterdayHour, todayTemps [24]TodayTemp, regressions [24]*Regression) ([]HourlyEstimate, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	anyYesterday := false
	for _, y := range yesterday {
		if y.Valid {
			anyYesterday = true
			break
		}
	}

	out := make([]HourlyEstimate, 24)
	if e.Config.Source != config.ConsumptionYesterday || !anyYesterday {
		for h := 0; h < 24; h++ {
			out[h] = HourlyEstimate{Hour: h, Watts: e.Config.FlatWatts}
		}
		return out, nil
	}

	sensitivity := e.Config.HeatingSensitivity
	if sensitivity <= 0 {
		sensitivity = 0.03
	}

	for h := 0; h < 24; h++ {
		if reg := regressions[h]; reg != nil && todayTemps[h].Valid {
			estimate := reg.Slope*todayTemps[h].TempC + reg.Intercept
			out[h] = HourlyEstimate{Hour: h, Watts: clamp(estimate, 100, 3*e.Config.FlatWatts)}
			continue
		}

		y := yesterday[h]
		if !y.Valid {
			out[h] = HourlyEstimate{Hour: h, Watts: e.Config.FlatWatts}
			continue
		}

		factor := 1.0
		if todayTemps[h].Valid {
			deltaT := todayTemps[h].TempC - y.TempC
			switch e.Config.Climate {
			case config.ClimateCooling:
				factor = 1 + deltaT*sensitivity
			default:
				factor = 1 - deltaT*sensitivity
			}
			factor = clamp(factor, 0.7, 1.3)
		}
		out[h] = HourlyEstimate{Hour: h, Watts: y.Watts * factor}
	}
	return out, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
