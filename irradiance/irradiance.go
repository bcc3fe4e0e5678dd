// Package irradiance turns a weather forecast into an hourly W/m² solar
// irradiance estimate by combining a clear-sky ceiling (from suncalc sun
// position) with a cloud-cover reduction factor (from a MET Norway
// Locationforecast fetch).
package irradiance

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/sixdouglas/suncalc"

	"github.com/pvbatteryctl/controller/config"
)

// HourlyIrradiance is one hour of forecast irradiance plus the raw weather
// signal that produced it, for archival.
type HourlyIrradiance struct {
	HourTS         string
	Irradiance     float64 // W/m^2
	CloudFraction  float64 // 0-100
	Symbol         string
	SunAltitudeDeg float64
	TempC          *float64 // outdoor air temperature, when the provider reports it
}

// Fetcher produces an hourly irradiance forecast for a location.
type Fetcher interface {
	Fetch(ctx context.Context, loc config.Location, from time.Time, horizonHours int) ([]HourlyIrradiance, error)
}

// MetNoFetcher is the production Fetcher, backed by the MET Norway
// Locationforecast compact endpoint.
type MetNoFetcher struct {
	client *metNoClient
}

// NewMetNoFetcher builds a fetcher with a short request timeout, since
// weather fetches are meant to fail fast and retry on the next tick rather
// than block the pipeline.
func NewMetNoFetcher(userAgent string, timeout time.Duration) *MetNoFetcher {
	return &MetNoFetcher{
		client: newMetNoClient(&http.Client{Timeout: timeout}, userAgent),
	}
}

// ClearSkyIrradianceWm2 is the idealized solar constant used as the ceiling
// before cloud reduction.
const ClearSkyIrradianceWm2 = 1000.0

// Fetch requests the forecast and converts each hourly timestep within
// [from, from+horizonHours) into an irradiance estimate.
func (f *MetNoFetcher) Fetch(ctx context.Context, loc config.Location, from time.Time, horizonHours int) ([]HourlyIrradiance, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	steps, err := f.client.fetchCompact(ctx, loc.Lat, loc.Lon)
	if err != nil {
		return nil, fmt.Errorf("irradiance: fetch: %w", err)
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("irradiance: empty forecast response")
	}

	tzLoc, err := time.LoadLocation(loc.Timezone)
	if err != nil {
		return nil, fmt.Errorf("irradiance: timezone %q: %w", loc.Timezone, err)
	}

	until := from.Add(time.Duration(horizonHours) * time.Hour)
	out := make([]HourlyIrradiance, 0, horizonHours)
	for _, step := range steps {
		if step.Time.Before(from) || !step.Time.Before(until) {
			continue
		}
		cloud := step.cloudFraction()
		altitude := SunAltitudeDeg(loc, step.Time)
		irr := EstimateIrradiance(altitude, cloud)

		out = append(out, HourlyIrradiance{
			HourTS:         step.Time.In(tzLoc).Format("2006-01-02T15:04"),
			Irradiance:     irr,
			CloudFraction:  cloud,
			Symbol:         string(step.symbol()),
			SunAltitudeDeg: altitude,
			TempC:          step.temperature(),
		})
	}
	return out, nil
}

// SunAltitudeDeg returns the sun's altitude above the horizon, in degrees,
// for loc at instant t.
func SunAltitudeDeg(loc config.Location, t time.Time) float64 {
	pos := suncalc.GetPosition(t, loc.Lat, loc.Lon)
	return pos.Altitude * 180 / math.Pi
}

// EstimateIrradiance combines a sun-altitude clear-sky ceiling with a
// cloud-cover reduction factor. Below the horizon, irradiance is zero.
func EstimateIrradiance(sunAltitudeDeg, cloudFractionPct float64) float64 {
	if sunAltitudeDeg <= 0 {
		return 0
	}
	clearSky := ClearSkyIrradianceWm2 * math.Sin(sunAltitudeDeg*math.Pi/180)
	if clearSky < 0 {
		clearSky = 0
	}
	cloudFactor := 1 - 0.75*(cloudFractionPct/100)
	if cloudFactor < 0.1 {
		cloudFactor = 0.1
	}
	return clearSky * cloudFactor
}
