package forecast

import (
	"bytes"
	"context"
	"log"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/pvbatteryctl/controller/config"
	"github.com/pvbatteryctl/controller/store"
)

func testLoc(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("UTC")
	if err != nil {
		t.Fatal(err)
	}
	return loc
}

func TestGeometryFallbackFloor(t *testing.T) {
	v := geometryFallback(30, 12, 0) // midnight in December, the low end of the season factor
	if v < 0.1 {
		t.Errorf("expected geometry fallback to be floored at 0.1, got %v", v)
	}
}

func TestGeometryFallbackPeaksNearNoon(t *testing.T) {
	noon := geometryFallback(30, 6, 12)
	morning := geometryFallback(30, 6, 8)
	if noon <= morning {
		t.Errorf("expected noon factor (%v) > morning factor (%v)", noon, morning)
	}
}

func TestRunWithNoMatrixUsesGeometryFallback(t *testing.T) {
	s := store.NewMemory()
	learn := config.DefaultConfig().Learning
	m := NewModel(s, config.Panel{PeakKW: 5, Efficiency: 0.2}, learn)

	readings := []Reading{
		{HourTS: "2026-06-21T12:00", Irradiance: 800, Month: 6, Day: 21, Hour: 12},
	}
	results, err := m.Run(context.Background(), readings, "2026-06-21T12:00", testLoc(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].ProdForecast <= 0 {
		t.Errorf("expected a positive forecast, got %v", results[0].ProdForecast)
	}
	if results[0].Confidence <= 0 || results[0].Confidence > 1 {
		t.Errorf("confidence out of [0,1]: %v", results[0].Confidence)
	}
}

func TestRunBlendsMatrixWithFallbackByWeight(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	learn := config.DefaultConfig().Learning
	learn.EmpiricalBlendThreshold = 10

	// Seed a matrix cell with a full sample count so w_e = 1 and the
	// fallback is irrelevant.
	if err := s.UpdateCorrectionMatrix(ctx, 6, 21, 12, 1.5, 10, 5, 1000); err != nil {
		t.Fatalf("seed matrix: %v", err)
	}

	m := NewModel(s, config.Panel{PeakKW: 5}, learn)
	results, err := m.Run(ctx, []Reading{
		{HourTS: "2026-06-21T12:00", Irradiance: 800, Month: 6, Day: 21, Hour: 12},
	}, "2026-06-21T12:00", testLoc(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if results[0].CorrectionApplied != 1.5 {
		t.Errorf("expected correction to equal the fully-weighted matrix avg 1.5, got %v", results[0].CorrectionApplied)
	}
}

func TestRecencyBiasClampedAndWarns(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	learn := config.DefaultConfig().Learning

	for d := 1; d <= 14; d++ {
		ts := dayTS(d)
		if err := s.UpdateForecast(ctx, ts, 100, 0.9, 1.0); err != nil {
			t.Fatalf("seed forecast: %v", err)
		}
		if err := s.UpsertIrradiance(ctx, ts, 900); err != nil {
			t.Fatalf("seed irradiance: %v", err)
		}
		if err := s.UpdateActual(ctx, ts, 300); err != nil { // actual is 3x forecast
			t.Fatalf("seed actual: %v", err)
		}
	}

	var logBuf bytes.Buffer
	log.SetOutput(&logBuf)
	defer log.SetOutput(os.Stderr)

	m := NewModel(s, config.Panel{PeakKW: 5}, learn)
	b, err := m.recencyBias(ctx, "2026-01-15T12:00", testLoc(t))
	if err != nil {
		t.Fatalf("recencyBias: %v", err)
	}
	if b != learn.RecencyBias.ClampMax {
		t.Errorf("expected bias clamped to %v, got %v", learn.RecencyBias.ClampMax, b)
	}
	if !strings.Contains(logBuf.String(), "clamped to maximum") {
		t.Errorf("expected a clamp warning in the log, got %q", logBuf.String())
	}
}

func dayTS(day int) string {
	return time.Date(2026, 1, day, 12, 0, 0, 0, time.UTC).Format("2006-01-02T15:04")
}
