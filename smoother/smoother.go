// Package smoother builds the Gaussian cross-day-of-year smoothed matrix
// (day-of-year x hour) from raw correction/confidence readings. It never
// modifies the raw matrix; it only overwrites matrix_smooth.
package smoother

import (
	"context"
	"fmt"
	"math"

	"github.com/pvbatteryctl/controller/clock"
	"github.com/pvbatteryctl/controller/store"
)

const (
	offsetRadiusDays = 7
	sigmaDays        = 3.0
	daysInYear       = 365
)

// Smoother recomputes matrix_smooth from the current set of readings.
type Smoother struct {
	Store store.Store
}

// New builds a Smoother backed by s.
func New(s store.Store) *Smoother {
	return &Smoother{Store: s}
}

type contribution struct {
	correction float64
	confidence float64
	actual     float64
	hasActual  bool
}

// Run gathers every row with a known correction and confidence, buckets
// it by (day-of-year, hour), and for every valid (d, h) pair in [1,365]x
// [0,23] computes a Gaussian-weighted mean across the +/-7-day window,
// upserting the result. Day 366 is excluded from the domain.
func (s *Smoother) Run(ctx context.Context) (int, error) {
	rows, err := s.Store.GetReadingsForSmoothing(ctx)
	if err != nil {
		return 0, fmt.Errorf("smoother: get readings: %w", err)
	}

	byDayHour := make(map[[2]int][]contribution)
	for _, r := range rows {
		p, err := clock.Parse(r.HourTS)
		if err != nil {
			return 0, fmt.Errorf("smoother: parse %s: %w", r.HourTS, err)
		}
		doy := p.DayOfYear()
		if doy < 1 || doy > daysInYear {
			continue // excludes Feb 29 (day 366) from the domain
		}
		key := [2]int{doy, p.Hour}
		byDayHour[key] = append(byDayHour[key], contribution{
			correction: r.Correction,
			confidence: r.Confidence,
			actual:     r.Actual,
			hasActual:  r.HasActual,
		})
	}

	written := 0
	for d := 1; d <= daysInYear; d++ {
		for h := 0; h <= 23; h++ {
			var sumW, sumWV float64
			count := 0
			for off := -offsetRadiusDays; off <= offsetRadiusDays; off++ {
				dNeighbor := ((d + off - 1) % daysInYear)
				if dNeighbor < 0 {
					dNeighbor += daysInYear
				}
				dNeighbor++
				contribs, ok := byDayHour[[2]int{dNeighbor, h}]
				if !ok {
					continue
				}
				dist := math.Abs(float64(off))
				if dist > daysInYear-dist {
					dist = daysInYear - dist
				}
				gauss := math.Exp(-(dist * dist) / (2 * sigmaDays * sigmaDays))
				for _, c := range contribs {
					prodWeight := 0.1
					if c.hasActual && c.actual > 0 {
						prodWeight = math.Min(1, c.actual/2.0)
					}
					w := gauss * c.confidence * prodWeight
					sumW += w
					sumWV += w * c.correction
					count++
				}
			}
			if sumW <= 0 || count == 0 {
				continue
			}
			avg := sumWV / sumW
			if err := s.Store.UpsertSmoothed(ctx, d, h, avg, count); err != nil {
				return written, fmt.Errorf("smoother: upsert smoothed (%d,%d): %w", d, h, err)
			}
			written++
		}
	}
	return written, nil
}
