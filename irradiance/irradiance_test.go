package irradiance

import "testing"

func TestEstimateIrradianceBelowHorizonIsZero(t *testing.T) {
	if got := EstimateIrradiance(-5, 0); got != 0 {
		t.Errorf("expected 0 below horizon, got %v", got)
	}
}

func TestEstimateIrradianceClearSkyAtZenith(t *testing.T) {
	got := EstimateIrradiance(90, 0)
	if got < ClearSkyIrradianceWm2*0.99 {
		t.Errorf("expected near-ceiling irradiance at zenith with no cloud, got %v", got)
	}
}

func TestEstimateIrradianceFullCloudStillFloored(t *testing.T) {
	got := EstimateIrradiance(45, 100)
	if got <= 0 {
		t.Errorf("expected a floored nonzero value under full cloud, got %v", got)
	}
	clear := EstimateIrradiance(45, 0)
	if got >= clear {
		t.Errorf("full cloud (%v) should be less than clear sky (%v)", got, clear)
	}
}

func TestEstimateIrradianceMonotonicInCloud(t *testing.T) {
	low := EstimateIrradiance(45, 20)
	high := EstimateIrradiance(45, 80)
	if high >= low {
		t.Errorf("higher cloud fraction should reduce irradiance: low=%v high=%v", low, high)
	}
}
