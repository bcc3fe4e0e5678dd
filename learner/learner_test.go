package learner

import (
	"context"
	"testing"

	"github.com/pvbatteryctl/controller/store"
)

func TestRunFoldsCorrectionIntoMatrixCell(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()

	if err := s.UpdateForecast(ctx, "2026-06-21T12:00", 1000, 0.9, 1.0); err != nil {
		t.Fatalf("seed forecast: %v", err)
	}
	if err := s.UpsertIrradiance(ctx, "2026-06-21T12:00", 900); err != nil {
		t.Fatalf("seed irradiance: %v", err)
	}
	if err := s.UpdateActual(ctx, "2026-06-21T12:00", 900); err != nil {
		t.Fatalf("seed actual: %v", err)
	}

	l := New(s)
	n, err := l.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row processed, got %d", n)
	}

	cell, found, err := s.GetCorrectionCell(ctx, 6, 21, 12)
	if err != nil {
		t.Fatalf("GetCorrectionCell: %v", err)
	}
	if !found {
		t.Fatal("expected a correction cell to have been created")
	}
	if cell.Count != 1 {
		t.Errorf("expected count 1, got %d", cell.Count)
	}
	wantAvg := 0.9 // 900/1000
	if diff := cell.Avg - wantAvg; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("expected avg %v, got %v", wantAvg, cell.Avg)
	}

	remaining, err := s.GetUnprocessedActuals(ctx)
	if err != nil {
		t.Fatalf("GetUnprocessedActuals: %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("expected no remaining unprocessed actuals, got %d", len(remaining))
	}
}

func TestRunIsWeightedByIrradiance(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()

	// Low-irradiance overcast morning with a huge correction should barely
	// move the cell average relative to its current weight.
	if err := s.UpdateCorrectionMatrix(ctx, 3, 5, 8, 1.0, 5, 4.0, 500); err != nil {
		t.Fatalf("seed matrix: %v", err)
	}
	if err := s.UpdateForecast(ctx, "2026-03-05T08:00", 50, 0.2, 1.0); err != nil {
		t.Fatalf("seed forecast: %v", err)
	}
	if err := s.UpsertIrradiance(ctx, "2026-03-05T08:00", 10); err != nil {
		t.Fatalf("seed irradiance: %v", err)
	}
	if err := s.UpdateActual(ctx, "2026-03-05T08:00", 5); err != nil { // correction 0.1
		t.Fatalf("seed actual: %v", err)
	}

	l := New(s)
	if _, err := l.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	cell, _, err := s.GetCorrectionCell(ctx, 3, 5, 8)
	if err != nil {
		t.Fatalf("GetCorrectionCell: %v", err)
	}
	if cell.Avg <= 0.8 {
		t.Errorf("expected low-irradiance sample to barely move the average from 1.0, got %v", cell.Avg)
	}
}
