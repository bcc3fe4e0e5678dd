// Package learner folds realized (actual, forecast) pairs into the
// irradiance-weighted empirical correction matrix.
package learner

import (
	"context"
	"fmt"

	"github.com/pvbatteryctl/controller/clock"
	"github.com/pvbatteryctl/controller/store"
)

// Learner updates the correction matrix from unprocessed actuals.
type Learner struct {
	Store store.Store
}

// New builds a Learner backed by s.
func New(s store.Store) *Learner {
	return &Learner{Store: s}
}

// Run processes every unprocessed actual exactly once and returns the
// number of rows folded in.
func (l *Learner) Run(ctx context.Context) (int, error) {
	rows, err := l.Store.GetUnprocessedActuals(ctx)
	if err != nil {
		return 0, fmt.Errorf("learner: get unprocessed actuals: %w", err)
	}

	for _, row := range rows {
		p, err := clock.Parse(row.HourTS)
		if err != nil {
			return 0, fmt.Errorf("learner: parse %s: %w", row.HourTS, err)
		}

		correction := row.ProdActual / row.ProdForecast

		weight := 0.0
		if row.Irradiance > 0 {
			weight = row.Irradiance / (row.Irradiance + 50)
		}

		cell, found, err := l.Store.GetCorrectionCell(ctx, p.Month, p.Day, p.Hour)
		if err != nil {
			return 0, fmt.Errorf("learner: get correction cell %s: %w", row.HourTS, err)
		}

		avg, count, totalWeight, maxProd := 0.0, 0, 0.0, 0.0
		if found {
			avg, count, totalWeight, maxProd = cell.Avg, cell.Count, cell.TotalWeight, cell.MaxProd
		}

		newTotalWeight := totalWeight + weight
		newAvg := correction
		if newTotalWeight != 0 {
			newAvg = (avg*totalWeight + correction*weight) / newTotalWeight
		}
		newCount := count + 1
		newMaxProd := maxProd
		if row.ProdActual > newMaxProd {
			newMaxProd = row.ProdActual
		}

		if err := l.Store.UpdateCorrectionMatrix(ctx, p.Month, p.Day, p.Hour, newAvg, newCount, newTotalWeight, newMaxProd); err != nil {
			return 0, fmt.Errorf("learner: update correction matrix %s: %w", row.HourTS, err)
		}
		if err := l.Store.UpdateCorrection(ctx, row.HourTS, correction); err != nil {
			return 0, fmt.Errorf("learner: update correction %s: %w", row.HourTS, err)
		}
	}
	return len(rows), nil
}
