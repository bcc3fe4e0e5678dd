package smoother

import (
	"context"
	"testing"

	"github.com/pvbatteryctl/controller/store"
)

func seedReading(t *testing.T, s *store.Memory, hourTS string, correction, confidence, actual float64) {
	t.Helper()
	ctx := context.Background()
	if err := s.UpdateForecast(ctx, hourTS, 1000, confidence, 1.0); err != nil {
		t.Fatalf("seed forecast: %v", err)
	}
	if err := s.UpdateActual(ctx, hourTS, actual); err != nil {
		t.Fatalf("seed actual: %v", err)
	}
	if err := s.UpdateCorrection(ctx, hourTS, correction); err != nil {
		t.Fatalf("seed correction: %v", err)
	}
}

func TestRunProducesSmoothedCellsNearSeededDay(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	seedReading(t, s, "2026-06-21T12:00", 1.0, 0.9, 3.0)

	sm := New(s)
	n, err := sm.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n == 0 {
		t.Fatal("expected at least one smoothed cell to be written")
	}
}

func TestRunNeverTouchesRawMatrix(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	if err := s.UpdateCorrectionMatrix(ctx, 6, 21, 12, 0.77, 4, 3, 500); err != nil {
		t.Fatalf("seed matrix: %v", err)
	}
	seedReading(t, s, "2026-06-21T12:00", 1.0, 0.9, 3.0)

	sm := New(s)
	if _, err := sm.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	cell, found, err := s.GetCorrectionCell(ctx, 6, 21, 12)
	if err != nil {
		t.Fatalf("GetCorrectionCell: %v", err)
	}
	if !found || cell.Avg != 0.77 {
		t.Errorf("expected raw matrix cell untouched at 0.77, got %+v (found=%v)", cell, found)
	}
}

func TestRunWithNoReadingsWritesNothing(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	sm := New(s)
	n, err := sm.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 smoothed cells with no input readings, got %d", n)
	}
}
